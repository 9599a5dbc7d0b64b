// Package billing resolves billing periods, computes overage and runs the
// monthly overage billing cycle.
package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/panics"

	ierr "github.com/atlas-chat/atlas/pkg/errors"
	"github.com/atlas-chat/atlas/pkg/fastspring"
	"github.com/atlas-chat/atlas/pkg/logger"
	"github.com/atlas-chat/atlas/pkg/metrics"
	"github.com/atlas-chat/atlas/pkg/models"
	"github.com/atlas-chat/atlas/pkg/tiers"
)

// Store is the persistence the billing service needs.
type Store interface {
	GetProfile(ctx context.Context, id string) (models.Profile, error)
	ListActivePaidProfiles(ctx context.Context, tiers []string) ([]models.Profile, error)
	GetBillingPeriod(ctx context.Context, id string) (models.BillingPeriod, error)
	FindBillingPeriod(ctx context.Context, userID string, start time.Time) (models.BillingPeriod, error)
	InsertBillingPeriodIfAbsent(ctx context.Context, p models.BillingPeriod) (models.BillingPeriod, error)
	UpsertUsageSnapshot(ctx context.Context, s models.UsageSnapshot) error
	SumPeriodUsage(ctx context.Context, periodID string) (models.PeriodUsage, error)
	ActiveChargeExists(ctx context.Context, userID, periodID string) (bool, error)
	InsertOverageCharge(ctx context.Context, c *models.OverageCharge) error
	MarkChargeCharged(ctx context.Context, id, orderID, receiptURL string, at time.Time) error
	MarkChargeFailed(ctx context.Context, id, reason string) error
}

// OrderCreator places one-time orders with the payment provider.
type OrderCreator interface {
	CreateOrder(ctx context.Context, req fastspring.OrderRequest) (fastspring.OrderResponse, error)
}

// Config holds billing parameters.
type Config struct {
	MinimumChargeUSD decimal.Decimal
	OverageProduct   string
}

// Service implements billing periods and overage invoicing.
type Service struct {
	store   Store
	tiers   *tiers.Registry
	orders  OrderCreator
	cfg     Config
	log     *logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewService creates a billing Service.
func NewService(store Store, reg *tiers.Registry, orders OrderCreator, cfg Config, log *logger.Logger, m *metrics.Metrics) *Service {
	if log == nil {
		log = logger.NewNop()
	}
	return &Service{
		store:   store,
		tiers:   reg,
		orders:  orders,
		cfg:     cfg,
		log:     log.Named("billing"),
		metrics: m,
		now:     time.Now,
	}
}

// PeriodBounds returns the UTC calendar month containing t as [start, end).
func PeriodBounds(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

// GetOrCreateCurrentBillingPeriod returns the id of the user's billing period
// for the current month, creating it with the user's current tier if needed.
func (s *Service) GetOrCreateCurrentBillingPeriod(ctx context.Context, userID string) (string, error) {
	p, err := s.periodAt(ctx, userID, s.now())
	if err != nil {
		return "", err
	}
	return p.ID, nil
}

// CurrentPeriod is GetOrCreateCurrentBillingPeriod returning the whole row.
func (s *Service) CurrentPeriod(ctx context.Context, userID string) (models.BillingPeriod, error) {
	return s.periodAt(ctx, userID, s.now())
}

func (s *Service) periodAt(ctx context.Context, userID string, at time.Time) (models.BillingPeriod, error) {
	start, end := PeriodBounds(at)

	p, err := s.store.FindBillingPeriod(ctx, userID, start)
	if err == nil {
		return p, nil
	}
	if !ierr.IsNotFound(err) {
		return models.BillingPeriod{}, fmt.Errorf("find billing period: %w", err)
	}

	profile, err := s.store.GetProfile(ctx, userID)
	if err != nil {
		return models.BillingPeriod{}, fmt.Errorf("load profile for billing period: %w", err)
	}

	p, err = s.store.InsertBillingPeriodIfAbsent(ctx, models.BillingPeriod{
		UserID:      userID,
		PeriodStart: start,
		PeriodEnd:   end,
		Tier:        s.tiers.Resolve(profile.Tier).Name,
	})
	if err != nil {
		return models.BillingPeriod{}, fmt.Errorf("create billing period: %w", err)
	}
	s.log.Infow("billing period created", "user_id", userID, "period_id", p.ID, "tier", p.Tier, "period_start", start)
	return p, nil
}

// RecordUsage adds one request's tokens and cost to the user's current period.
func (s *Service) RecordUsage(ctx context.Context, userID, model string, inputTokens, outputTokens int64, cost decimal.Decimal) error {
	periodID, err := s.GetOrCreateCurrentBillingPeriod(ctx, userID)
	if err != nil {
		return err
	}
	err = s.store.UpsertUsageSnapshot(ctx, models.UsageSnapshot{
		BillingPeriodID: periodID,
		Model:           model,
		InputTokens:     inputTokens,
		OutputTokens:    outputTokens,
		TotalCostUSD:    cost,
	})
	if err != nil {
		return fmt.Errorf("record usage snapshot: %w", err)
	}
	return nil
}

// CalculateOverageForPeriod compares a period's spend with the included credits
// of the tier stored on the period.
func (s *Service) CalculateOverageForPeriod(ctx context.Context, userID, periodID string) (models.OverageSummary, error) {
	p, err := s.store.GetBillingPeriod(ctx, periodID)
	if err != nil {
		return models.OverageSummary{}, fmt.Errorf("load billing period: %w", err)
	}
	if p.UserID != userID {
		return models.OverageSummary{}, ierr.NewErrorf("period %s does not belong to user %s", periodID, userID).
			WithHint("billing period not found").
			Mark(ierr.ErrNotFound)
	}

	usage, err := s.store.SumPeriodUsage(ctx, periodID)
	if err != nil {
		return models.OverageSummary{}, fmt.Errorf("sum period usage: %w", err)
	}

	return Overage(s.tiers.Resolve(p.Tier), p, usage), nil
}

// Overage computes the summary of usage against def's included credits.
func Overage(def models.TierDefinition, p models.BillingPeriod, usage models.PeriodUsage) models.OverageSummary {
	sum := models.OverageSummary{
		BillingPeriodID: p.ID,
		Tier:            p.Tier,
		Tokens:          usage.Tokens(),
		TotalCostUSD:    usage.TotalCostUSD,
	}

	if def.UnlimitedCredits() {
		unlimited := decimal.NewFromInt(models.Unlimited)
		sum.IncludedCreditsUSD = unlimited
		sum.OverageUSD = decimal.Zero
		sum.RemainingCreditsUSD = unlimited
		return sum
	}

	sum.IncludedCreditsUSD = def.IncludedCreditsUSD
	sum.OverageUSD = decimal.Max(decimal.Zero, usage.TotalCostUSD.Sub(def.IncludedCreditsUSD))
	sum.RemainingCreditsUSD = decimal.Max(decimal.Zero, def.IncludedCreditsUSD.Sub(usage.TotalCostUSD))
	return sum
}

// RunOverageBillingCycle bills overage for the current month.
func (s *Service) RunOverageBillingCycle(ctx context.Context) (models.CycleResult, error) {
	return s.RunOverageBillingCycleAt(ctx, s.now())
}

// RunOverageBillingCycleAt bills overage for the month containing at for every
// active paid profile. Per-user failures and panics are collected in the result
// and do not stop the cycle.
func (s *Service) RunOverageBillingCycleAt(ctx context.Context, at time.Time) (models.CycleResult, error) {
	result := models.CycleResult{Errors: []models.CycleError{}}

	profiles, err := s.store.ListActivePaidProfiles(ctx, s.tiers.PaidTiers())
	if err != nil {
		return result, fmt.Errorf("list paid profiles: %w", err)
	}

	start, _ := PeriodBounds(at)
	s.log.Infow("overage billing cycle started", "profiles", len(profiles), "period_start", start)

	for _, p := range profiles {
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("billing cycle interrupted: %w", err)
		}
		result.ProcessedUsers++

		var out userOutcome
		var userErr error
		var catcher panics.Catcher
		catcher.Try(func() {
			out, userErr = s.billUser(ctx, p, at)
		})
		if r := catcher.Recovered(); r != nil {
			userErr = r.AsError()
		}

		if out.created {
			result.ChargesCreated++
		}
		if out.charged {
			result.ChargesProcessed++
		}
		if userErr != nil {
			s.log.Errorw("overage billing failed", "user_id", p.ID, "error", userErr)
			result.Errors = append(result.Errors, models.CycleError{UserID: p.ID, Error: userErr.Error()})
			if s.metrics != nil {
				s.metrics.BillingCycleErrors.Inc()
			}
		}
	}

	s.log.Infow("overage billing cycle finished",
		"processed_users", result.ProcessedUsers,
		"charges_created", result.ChargesCreated,
		"charges_processed", result.ChargesProcessed,
		"errors", len(result.Errors),
	)
	return result, nil
}

type userOutcome struct {
	created bool
	charged bool
}

func (s *Service) billUser(ctx context.Context, profile models.Profile, at time.Time) (userOutcome, error) {
	var out userOutcome

	// Periods are created on first usage with the tier of that moment. A user
	// without one for the billed month had no metered usage in it.
	start, _ := PeriodBounds(at)
	period, err := s.store.FindBillingPeriod(ctx, profile.ID, start)
	if err != nil {
		if ierr.IsNotFound(err) {
			s.log.Debugw("no billing period to bill", "user_id", profile.ID, "period_start", start)
			return out, nil
		}
		return out, fmt.Errorf("find billing period: %w", err)
	}

	summary, err := s.CalculateOverageForPeriod(ctx, profile.ID, period.ID)
	if err != nil {
		return out, err
	}
	if summary.OverageUSD.LessThan(s.cfg.MinimumChargeUSD) || !summary.OverageUSD.IsPositive() {
		return out, nil
	}

	exists, err := s.store.ActiveChargeExists(ctx, profile.ID, period.ID)
	if err != nil {
		return out, fmt.Errorf("check existing charge: %w", err)
	}
	if exists {
		s.log.Debugw("overage already charged", "user_id", profile.ID, "period_id", period.ID)
		return out, nil
	}

	charge := &models.OverageCharge{
		UserID:          profile.ID,
		BillingPeriodID: period.ID,
		Description:     fmt.Sprintf("Atlas usage overage for %s", period.PeriodStart.Format("January 2006")),
		Tokens:          summary.Tokens,
		CostUSD:         summary.OverageUSD.Round(2),
		Status:          models.ChargePending,
	}
	if err := s.store.InsertOverageCharge(ctx, charge); err != nil {
		if ierr.Is(err, ierr.ErrAlreadyExists) {
			return out, nil
		}
		return out, fmt.Errorf("insert overage charge: %w", err)
	}
	out.created = true

	order, err := s.placeOrder(ctx, fastspring.OrderRequest{
		AccountID:   profile.FastSpringAccountID,
		Email:       profile.Email,
		Product:     s.cfg.OverageProduct,
		Description: charge.Description,
		AmountUSD:   charge.CostUSD,
		Tags: map[string]string{
			"charge_id":         charge.ID,
			"user_id":           profile.ID,
			"billing_period_id": period.ID,
		},
	})
	if err == nil && order.ID == "" {
		err = fmt.Errorf("order response missing order id")
	}
	// The charge must leave pending even when the cycle is cancelled mid-order.
	settleCtx := context.WithoutCancel(ctx)
	if err != nil {
		s.countCharge(models.ChargeFailed)
		if markErr := s.store.MarkChargeFailed(settleCtx, charge.ID, err.Error()); markErr != nil {
			s.log.Errorw("mark charge failed", "charge_id", charge.ID, "error", markErr)
		}
		return out, fmt.Errorf("create order for charge %s: %w", charge.ID, err)
	}

	if err := s.store.MarkChargeCharged(settleCtx, charge.ID, order.ID, order.ReceiptURL, s.now().UTC()); err != nil {
		return out, fmt.Errorf("mark charge charged: %w", err)
	}
	out.charged = true
	s.countCharge(models.ChargeCharged)
	s.log.Infow("overage charged",
		"user_id", profile.ID,
		"charge_id", charge.ID,
		"order_id", order.ID,
		"amount_usd", charge.CostUSD.StringFixed(2),
	)
	return out, nil
}

// placeOrder converts a provider panic into an error so the pending charge
// can still be marked failed.
func (s *Service) placeOrder(ctx context.Context, req fastspring.OrderRequest) (order fastspring.OrderResponse, err error) {
	var catcher panics.Catcher
	catcher.Try(func() {
		order, err = s.orders.CreateOrder(ctx, req)
	})
	if r := catcher.Recovered(); r != nil {
		return fastspring.OrderResponse{}, r.AsError()
	}
	return order, err
}

func (s *Service) countCharge(status models.ChargeStatus) {
	if s.metrics != nil {
		s.metrics.OverageCharges.WithLabelValues(string(status)).Inc()
	}
}
