package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ierr "github.com/atlas-chat/atlas/pkg/errors"
	"github.com/atlas-chat/atlas/pkg/models"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(context.Background(), SQLite, dbPath, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func monthStart() (time.Time, time.Time) {
	start := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Ping(context.Background()))
}

func TestIncrementSpend(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	spend, err := s.DaySpend(ctx, "2026-10-19", models.TierFree)
	require.NoError(t, err)
	assert.True(t, spend.IsZero())

	require.NoError(t, s.IncrementSpend(ctx, "2026-10-19", models.TierFree, dec("1.5"), 1))
	require.NoError(t, s.IncrementSpend(ctx, "2026-10-19", models.TierFree, dec("2.25"), 1))
	require.NoError(t, s.IncrementSpend(ctx, "2026-10-19", models.TierCore, dec("10"), 3))
	require.NoError(t, s.IncrementSpend(ctx, "2026-10-18", models.TierCore, dec("100"), 1))

	spend, err = s.DaySpend(ctx, "2026-10-19", models.TierFree)
	require.NoError(t, err)
	assert.True(t, spend.Equal(dec("3.75")), "got %s", spend)

	total, err := s.TotalDaySpend(ctx, "2026-10-19")
	require.NoError(t, err)
	assert.True(t, total.Equal(dec("13.75")), "got %s", total)

	rows, err := s.ListDaySpend(ctx, "2026-10-19")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, models.TierCore, rows[0].Tier)
	assert.Equal(t, int64(3), rows[0].RequestCount)
	assert.Equal(t, "2026-10-19", rows[1].Day)
	assert.Equal(t, int64(2), rows[1].RequestCount)
}

func TestFractionalSpendSumsExactly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 500; i++ {
		require.NoError(t, s.IncrementSpend(ctx, "2026-10-19", models.TierFree, dec("0.1"), 1))
	}

	spend, err := s.DaySpend(ctx, "2026-10-19", models.TierFree)
	require.NoError(t, err)
	assert.True(t, spend.Equal(dec("50")), "got %s", spend)

	rows, err := s.ListDaySpend(ctx, "2026-10-19")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].TotalSpendUSD.Equal(dec("50")), "got %s", rows[0].TotalSpendUSD)
	assert.Equal(t, int64(500), rows[0].RequestCount)

	start, end := monthStart()
	p, err := s.InsertBillingPeriodIfAbsent(ctx, models.BillingPeriod{
		UserID: "u1", PeriodStart: start, PeriodEnd: end, Tier: models.TierCore,
	})
	require.NoError(t, err)
	for i := 0; i < 150; i++ {
		require.NoError(t, s.UpsertUsageSnapshot(ctx, models.UsageSnapshot{
			BillingPeriodID: p.ID, Model: "m1", InputTokens: 1, TotalCostUSD: dec("0.3"),
		}))
	}
	sum, err := s.SumPeriodUsage(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, sum.TotalCostUSD.Equal(dec("45")), "got %s", sum.TotalCostUSD)
	assert.True(t, sum.TotalCostUSD.GreaterThanOrEqual(dec("45")))
}

func TestSubNanoCostsRound(t *testing.T) {
	assert.Equal(t, int64(1), toNanos(dec("0.0000000006")))
	assert.Equal(t, int64(0), toNanos(dec("0.0000000004")))
	assert.True(t, fromNanos(toNanos(dec("0.000020"))).Equal(dec("0.00002")))
}

func TestInsertBillingPeriodIfAbsent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	start, end := monthStart()

	first, err := s.InsertBillingPeriodIfAbsent(ctx, models.BillingPeriod{
		UserID: "u1", PeriodStart: start, PeriodEnd: end, Tier: models.TierCore,
	})
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)

	second, err := s.InsertBillingPeriodIfAbsent(ctx, models.BillingPeriod{
		UserID: "u1", PeriodStart: start, PeriodEnd: end, Tier: models.TierStudio,
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, models.TierCore, second.Tier, "first insert wins")

	got, err := s.GetBillingPeriod(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, got.PeriodStart.Equal(start))
	assert.True(t, got.PeriodEnd.Equal(end))

	_, err = s.FindBillingPeriod(ctx, "u2", start)
	assert.True(t, ierr.IsNotFound(err))
}

func TestUsageSnapshots(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	start, end := monthStart()

	p, err := s.InsertBillingPeriodIfAbsent(ctx, models.BillingPeriod{
		UserID: "u1", PeriodStart: start, PeriodEnd: end, Tier: models.TierCore,
	})
	require.NoError(t, err)

	empty, err := s.SumPeriodUsage(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, empty.TotalCostUSD.IsZero())
	assert.Zero(t, empty.Tokens())

	require.NoError(t, s.UpsertUsageSnapshot(ctx, models.UsageSnapshot{
		BillingPeriodID: p.ID, Model: "m1", InputTokens: 100, OutputTokens: 50, TotalCostUSD: dec("0.5"),
	}))
	require.NoError(t, s.UpsertUsageSnapshot(ctx, models.UsageSnapshot{
		BillingPeriodID: p.ID, Model: "m1", InputTokens: 200, OutputTokens: 25, TotalCostUSD: dec("0.25"),
	}))
	require.NoError(t, s.UpsertUsageSnapshot(ctx, models.UsageSnapshot{
		BillingPeriodID: p.ID, Model: "m2", InputTokens: 10, OutputTokens: 10, TotalCostUSD: dec("4"),
	}))

	snaps, err := s.ListUsageSnapshots(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, int64(300), snaps[0].InputTokens)
	assert.Equal(t, int64(75), snaps[0].OutputTokens)
	assert.True(t, snaps[0].TotalCostUSD.Equal(dec("0.75")))

	sum, err := s.SumPeriodUsage(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(395), sum.Tokens())
	assert.True(t, sum.TotalCostUSD.Equal(dec("4.75")), "got %s", sum.TotalCostUSD)
}

func TestProfiles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, p := range []models.Profile{
		{ID: "a", Email: "a@example.com", Tier: models.TierCore, SubscriptionStatus: models.SubscriptionActive},
		{ID: "b", Email: "b@example.com", Tier: models.TierStudio, SubscriptionStatus: models.SubscriptionActive},
		{ID: "c", Email: "c@example.com", Tier: models.TierCore, SubscriptionStatus: "canceled"},
		{ID: "d", Email: "d@example.com", Tier: models.TierFree, SubscriptionStatus: models.SubscriptionActive},
	} {
		require.NoError(t, s.UpsertProfile(ctx, p))
	}

	paid, err := s.ListActivePaidProfiles(ctx, []string{models.TierCore, models.TierStudio})
	require.NoError(t, err)
	require.Len(t, paid, 2)
	assert.Equal(t, "a", paid[0].ID)
	assert.Equal(t, "b", paid[1].ID)

	none, err := s.ListActivePaidProfiles(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, none)

	require.NoError(t, s.UpsertProfile(ctx, models.Profile{ID: "a", Email: "new@example.com", Tier: models.TierStudio, SubscriptionStatus: models.SubscriptionActive}))
	got, err := s.GetProfile(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "new@example.com", got.Email)
	assert.Equal(t, models.TierStudio, got.Tier)

	_, err = s.GetProfile(ctx, "missing")
	assert.True(t, ierr.IsNotFound(err))
}

func TestOverageChargeLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	start, end := monthStart()

	p, err := s.InsertBillingPeriodIfAbsent(ctx, models.BillingPeriod{
		UserID: "u1", PeriodStart: start, PeriodEnd: end, Tier: models.TierCore,
	})
	require.NoError(t, err)

	exists, err := s.ActiveChargeExists(ctx, "u1", p.ID)
	require.NoError(t, err)
	assert.False(t, exists)

	charge := &models.OverageCharge{UserID: "u1", BillingPeriodID: p.ID, Description: "overage", Tokens: 1000, CostUSD: dec("25.5")}
	require.NoError(t, s.InsertOverageCharge(ctx, charge))
	assert.NotEmpty(t, charge.ID)
	assert.Equal(t, models.ChargePending, charge.Status)

	exists, err = s.ActiveChargeExists(ctx, "u1", p.ID)
	require.NoError(t, err)
	assert.True(t, exists)

	dup := &models.OverageCharge{UserID: "u1", BillingPeriodID: p.ID, CostUSD: dec("25.5")}
	err = s.InsertOverageCharge(ctx, dup)
	assert.True(t, ierr.Is(err, ierr.ErrAlreadyExists))

	chargedAt := time.Date(2026, 11, 1, 6, 0, 0, 0, time.UTC)
	require.NoError(t, s.MarkChargeCharged(ctx, charge.ID, "ord_1", "https://receipt", chargedAt))

	err = s.MarkChargeFailed(ctx, charge.ID, "late failure")
	assert.True(t, ierr.IsNotFound(err), "settled charge cannot transition again")

	got, err := s.GetOverageCharge(ctx, charge.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ChargeCharged, got.Status)
	assert.Equal(t, "ord_1", got.ExternalOrderID)
	require.NotNil(t, got.ChargedAt)
	assert.True(t, got.ChargedAt.Equal(chargedAt))
	assert.True(t, got.CostUSD.Equal(dec("25.5")))
}

func TestFailedChargeDoesNotBlockRetry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	start, end := monthStart()

	p, err := s.InsertBillingPeriodIfAbsent(ctx, models.BillingPeriod{
		UserID: "u1", PeriodStart: start, PeriodEnd: end, Tier: models.TierCore,
	})
	require.NoError(t, err)

	first := &models.OverageCharge{UserID: "u1", BillingPeriodID: p.ID, CostUSD: dec("30")}
	require.NoError(t, s.InsertOverageCharge(ctx, first))
	require.NoError(t, s.MarkChargeFailed(ctx, first.ID, "card declined"))

	exists, err := s.ActiveChargeExists(ctx, "u1", p.ID)
	require.NoError(t, err)
	assert.False(t, exists)

	second := &models.OverageCharge{UserID: "u1", BillingPeriodID: p.ID, CostUSD: dec("30")}
	require.NoError(t, s.InsertOverageCharge(ctx, second))

	charges, err := s.ListOverageCharges(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, charges, 2)
}

func TestMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)

	for i, role := range []string{"user", "assistant", "user", "assistant"} {
		require.NoError(t, s.AppendMessage(ctx, &models.Message{
			UserID: "u1", ConversationID: "c1", Role: role, Content: role,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, s.AppendMessage(ctx, &models.Message{
		UserID: "u1", ConversationID: "c2", Role: "user", Content: "yesterday",
		CreatedAt: base.Add(-24 * time.Hour),
	}))

	n, err := s.CountUserMessagesSince(ctx, "u1", time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	msgs, err := s.ListConversationMessages(ctx, "u1", "c1", 3)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "assistant", msgs[0].Role)
	assert.True(t, msgs[2].CreatedAt.Equal(base.Add(3*time.Minute)))

	other, err := s.ListConversationMessages(ctx, "u2", "c1", 10)
	require.NoError(t, err)
	assert.Empty(t, other)
}
