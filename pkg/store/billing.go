package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	ierr "github.com/atlas-chat/atlas/pkg/errors"
	"github.com/atlas-chat/atlas/pkg/models"
)

const billingPeriodColumns = `id, user_id, period_start, period_end, tier, created_at`

// GetBillingPeriod returns a billing period by id.
func (s *SQLStore) GetBillingPeriod(ctx context.Context, id string) (models.BillingPeriod, error) {
	var p models.BillingPeriod
	err := s.db.GetContext(ctx, &p,
		s.q(`SELECT `+billingPeriodColumns+` FROM billing_periods WHERE id = ?`), id)
	if err != nil {
		return models.BillingPeriod{}, notFound(err, "get billing period", "billing period not found")
	}
	return p, nil
}

// FindBillingPeriod returns the period of a user starting at start.
func (s *SQLStore) FindBillingPeriod(ctx context.Context, userID string, start time.Time) (models.BillingPeriod, error) {
	var p models.BillingPeriod
	err := s.db.GetContext(ctx, &p,
		s.q(`SELECT `+billingPeriodColumns+` FROM billing_periods WHERE user_id = ? AND period_start = ?`),
		userID, start.UTC())
	if err != nil {
		return models.BillingPeriod{}, notFound(err, "find billing period", "billing period not found")
	}
	return p, nil
}

// InsertBillingPeriodIfAbsent inserts p unless one exists for the same user and
// start; the first insert wins and every caller gets the stored row.
func (s *SQLStore) InsertBillingPeriodIfAbsent(ctx context.Context, p models.BillingPeriod) (models.BillingPeriod, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO billing_periods (`+billingPeriodColumns+`) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, period_start) DO NOTHING`),
		p.ID, p.UserID, p.PeriodStart.UTC(), p.PeriodEnd.UTC(), p.Tier, p.CreatedAt.UTC(),
	)
	if err != nil {
		return models.BillingPeriod{}, dbError(err, "insert billing period")
	}
	return s.FindBillingPeriod(ctx, p.UserID, p.PeriodStart)
}

type snapshotRow struct {
	models.UsageSnapshot
	CostNanos int64 `db:"total_cost_nanos"`
}

func (r snapshotRow) model() models.UsageSnapshot {
	r.TotalCostUSD = fromNanos(r.CostNanos)
	return r.UsageSnapshot
}

type chargeRow struct {
	models.OverageCharge
	CostNanos int64 `db:"cost_nanos"`
}

func (r chargeRow) model() models.OverageCharge {
	r.CostUSD = fromNanos(r.CostNanos)
	return r.OverageCharge
}

// UpsertUsageSnapshot adds the snapshot's tokens and cost to the (period, model) row.
func (s *SQLStore) UpsertUsageSnapshot(ctx context.Context, snap models.UsageSnapshot) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO usage_snapshots (billing_period_id, model, input_tokens, output_tokens, total_cost_nanos, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (billing_period_id, model) DO UPDATE SET
		   input_tokens = usage_snapshots.input_tokens + excluded.input_tokens,
		   output_tokens = usage_snapshots.output_tokens + excluded.output_tokens,
		   total_cost_nanos = usage_snapshots.total_cost_nanos + excluded.total_cost_nanos,
		   updated_at = excluded.updated_at`),
		snap.BillingPeriodID, snap.Model, snap.InputTokens, snap.OutputTokens, toNanos(snap.TotalCostUSD), time.Now().UTC(),
	)
	if err != nil {
		return dbError(err, "upsert usage snapshot")
	}
	return nil
}

// SumPeriodUsage totals all snapshots of a period. An empty period sums to zero.
func (s *SQLStore) SumPeriodUsage(ctx context.Context, periodID string) (models.PeriodUsage, error) {
	var u struct {
		models.PeriodUsage
		CostNanos int64 `db:"total_cost_nanos"`
	}
	err := s.db.GetContext(ctx, &u,
		s.q(`SELECT COALESCE(SUM(input_tokens), 0) AS input_tokens,
		        COALESCE(SUM(output_tokens), 0) AS output_tokens,
		        COALESCE(SUM(total_cost_nanos), 0) AS total_cost_nanos
		 FROM usage_snapshots WHERE billing_period_id = ?`),
		periodID,
	)
	if err != nil {
		return models.PeriodUsage{}, dbError(err, "sum period usage")
	}
	u.TotalCostUSD = fromNanos(u.CostNanos)
	return u.PeriodUsage, nil
}

// ListUsageSnapshots returns the per-model rows of a period.
func (s *SQLStore) ListUsageSnapshots(ctx context.Context, periodID string) ([]models.UsageSnapshot, error) {
	var rows []snapshotRow
	err := s.db.SelectContext(ctx, &rows,
		s.q(`SELECT billing_period_id, model, input_tokens, output_tokens, total_cost_nanos
		 FROM usage_snapshots WHERE billing_period_id = ? ORDER BY model`),
		periodID,
	)
	if err != nil {
		return nil, dbError(err, "list usage snapshots")
	}
	return lo.Map(rows, func(r snapshotRow, _ int) models.UsageSnapshot { return r.model() }), nil
}

const chargeColumns = `id, user_id, billing_period_id, description, tokens, cost_nanos, status,
	external_order_id, receipt_url, error, charged_at, created_at`

// ActiveChargeExists reports whether a pending or charged charge exists for the period.
func (s *SQLStore) ActiveChargeExists(ctx context.Context, userID, periodID string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		s.q(`SELECT COUNT(*) FROM overage_charges
		 WHERE user_id = ? AND billing_period_id = ? AND status IN ('pending', 'charged')`),
		userID, periodID,
	)
	if err != nil {
		return false, dbError(err, "check active charge")
	}
	return n > 0, nil
}

// InsertOverageCharge stores a new charge. It fails with ErrAlreadyExists when
// an active charge for the same user and period is already stored.
func (s *SQLStore) InsertOverageCharge(ctx context.Context, c *models.OverageCharge) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.Status == "" {
		c.Status = models.ChargePending
	}
	res, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO overage_charges (`+chargeColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT DO NOTHING`),
		c.ID, c.UserID, c.BillingPeriodID, c.Description, c.Tokens, toNanos(c.CostUSD), c.Status,
		c.ExternalOrderID, c.ReceiptURL, c.Error, c.ChargedAt, c.CreatedAt.UTC(),
	)
	if err != nil {
		return dbError(err, "insert overage charge")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ierr.NewErrorf("active charge exists for user %s period %s", c.UserID, c.BillingPeriodID).
			WithHint("an overage charge is already in progress for this period").
			Mark(ierr.ErrAlreadyExists)
	}
	return nil
}

// MarkChargeCharged moves a pending charge to charged.
func (s *SQLStore) MarkChargeCharged(ctx context.Context, id, orderID, receiptURL string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE overage_charges SET status = ?, external_order_id = ?, receipt_url = ?, charged_at = ?
		 WHERE id = ? AND status = ?`),
		models.ChargeCharged, orderID, receiptURL, at.UTC(), id, models.ChargePending,
	)
	if err != nil {
		return dbError(err, "mark charge charged")
	}
	return requireTransition(res.RowsAffected, id)
}

// MarkChargeFailed moves a pending charge to failed.
func (s *SQLStore) MarkChargeFailed(ctx context.Context, id, reason string) error {
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE overage_charges SET status = ?, error = ? WHERE id = ? AND status = ?`),
		models.ChargeFailed, reason, id, models.ChargePending,
	)
	if err != nil {
		return dbError(err, "mark charge failed")
	}
	return requireTransition(res.RowsAffected, id)
}

func requireTransition(rowsAffected func() (int64, error), id string) error {
	n, err := rowsAffected()
	if err != nil {
		return dbError(err, "charge transition")
	}
	if n == 0 {
		return ierr.NewErrorf("no pending charge %s", id).
			WithHint("charge not found or already settled").
			Mark(ierr.ErrNotFound)
	}
	return nil
}

// GetOverageCharge returns a charge by id.
func (s *SQLStore) GetOverageCharge(ctx context.Context, id string) (models.OverageCharge, error) {
	var row chargeRow
	err := s.db.GetContext(ctx, &row,
		s.q(`SELECT `+chargeColumns+` FROM overage_charges WHERE id = ?`), id)
	if err != nil {
		return models.OverageCharge{}, notFound(err, "get overage charge", "charge not found")
	}
	return row.model(), nil
}

// ListOverageCharges returns a user's charges, newest first.
func (s *SQLStore) ListOverageCharges(ctx context.Context, userID string) ([]models.OverageCharge, error) {
	var rows []chargeRow
	err := s.db.SelectContext(ctx, &rows,
		s.q(`SELECT `+chargeColumns+` FROM overage_charges WHERE user_id = ? ORDER BY created_at DESC`),
		userID,
	)
	if err != nil {
		return nil, dbError(err, "list overage charges")
	}
	return lo.Map(rows, func(r chargeRow, _ int) models.OverageCharge { return r.model() }), nil
}
