// Package budget gates requests against daily spend ceilings and records spend.
package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-chat/atlas/pkg/logger"
	"github.com/atlas-chat/atlas/pkg/metrics"
	"github.com/atlas-chat/atlas/pkg/models"
	"github.com/atlas-chat/atlas/pkg/tiers"
)

// Messages returned to clients on denial.
const (
	MsgEmergencyShutoff = "Atlas is temporarily unavailable due to unusually high demand. Please try again later."
	MsgHighTraffic      = "Atlas is experiencing high traffic. Free tier access is paused; upgrade for priority access."
	MsgTierCeiling      = "The free tier has reached today's usage limit. Try again tomorrow or upgrade for priority access."
	MsgUnavailable      = "Usage limits could not be verified. Please try again shortly."
)

// SpendStore reads and increments daily spend aggregates.
type SpendStore interface {
	DaySpend(ctx context.Context, day, tier string) (decimal.Decimal, error)
	TotalDaySpend(ctx context.Context, day string) (decimal.Decimal, error)
	IncrementSpend(ctx context.Context, day, tier string, cost decimal.Decimal, requests int64) error
}

// Checker evaluates the budget ceiling for a tier and records spend.
type Checker struct {
	store   SpendStore
	tiers   *tiers.Registry
	limits  models.SystemLimits
	policy  models.FailurePolicy
	log     *logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates a Checker. An empty policy means fail closed.
func New(store SpendStore, reg *tiers.Registry, limits models.SystemLimits, policy models.FailurePolicy, log *logger.Logger, m *metrics.Metrics) *Checker {
	if policy == "" {
		policy = models.FailClosed
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Checker{
		store:   store,
		tiers:   reg,
		limits:  limits,
		policy:  policy,
		log:     log.Named("budget"),
		metrics: m,
		now:     time.Now,
	}
}

// CheckBudgetCeiling decides whether a request from tier may proceed today.
func (c *Checker) CheckBudgetCeiling(ctx context.Context, tier string) models.BudgetDecision {
	day := models.DayKey(c.now())

	system, tierSpend, err := c.spend(ctx, day, tier)
	if err != nil {
		d := c.failureDecision()
		c.log.Errorw("budget lookup failed", "tier", tier, "day", day, "policy", c.policy, "error", err)
		c.observe(tier, d)
		return d
	}

	d := c.decide(tier, system, tierSpend)
	c.observe(tier, d)
	return d
}

// Status reports today's spend against the ceilings for tier. Lookup failures
// read as zero spend and are logged.
func (c *Checker) Status(ctx context.Context, tier string) models.BudgetStatus {
	now := c.now().UTC()
	day := models.DayKey(now)
	def := c.tiers.Resolve(tier)

	system, tierSpend, err := c.spend(ctx, day, tier)
	var d models.BudgetDecision
	if err != nil {
		c.log.Warnw("budget status lookup failed", "tier", tier, "error", err)
		system, tierSpend = decimal.Zero, decimal.Zero
		d = c.failureDecision()
	} else {
		d = c.decide(tier, system, tierSpend)
	}

	return models.BudgetStatus{
		Day:            day,
		Tier:           tier,
		TierSpendUSD:   tierSpend,
		TierCeilingUSD: def.BudgetCeilingUSD,
		SystemSpendUSD: system,
		HighTrafficUSD: c.limits.HighTrafficThresholdUSD,
		EmergencyUSD:   c.limits.EmergencyShutoffUSD,
		Decision:       d,
		CheckedAt:      now,
	}
}

// RecordSpend adds cost to today's aggregate for tier. Failures are logged and
// counted, never returned, so a completed response is not failed after the fact.
func (c *Checker) RecordSpend(ctx context.Context, tier string, cost decimal.Decimal, requests int64) {
	if cost.IsNegative() {
		c.log.Warnw("ignoring negative spend", "tier", tier, "cost_usd", cost.String())
		return
	}
	day := models.DayKey(c.now())
	if err := c.store.IncrementSpend(ctx, day, tier, cost, requests); err != nil {
		c.log.Errorw("record spend failed", "tier", tier, "day", day, "cost_usd", cost.String(), "error", err)
		if c.metrics != nil {
			c.metrics.SpendRecordFailures.WithLabelValues(tier).Inc()
		}
		return
	}
	if c.metrics != nil {
		c.metrics.SpendUSD.WithLabelValues(tier).Add(cost.InexactFloat64())
	}
}

func (c *Checker) spend(ctx context.Context, day, tier string) (decimal.Decimal, decimal.Decimal, error) {
	system, err := c.store.TotalDaySpend(ctx, day)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("system spend: %w", err)
	}
	tierSpend, err := c.store.DaySpend(ctx, day, tier)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("tier spend: %w", err)
	}
	return system, tierSpend, nil
}

// decide applies the thresholds in order: emergency shutoff, high traffic,
// tier ceiling. All comparisons are inclusive.
func (c *Checker) decide(tier string, system, tierSpend decimal.Decimal) models.BudgetDecision {
	if system.GreaterThanOrEqual(c.limits.EmergencyShutoffUSD) {
		return models.BudgetDecision{Allowed: false, Message: MsgEmergencyShutoff}
	}

	paid := c.tiers.IsPaid(tier)

	if system.GreaterThanOrEqual(c.limits.HighTrafficThresholdUSD) {
		if paid {
			return models.BudgetDecision{Allowed: true, PriorityOverride: true}
		}
		return models.BudgetDecision{Allowed: false, Message: MsgHighTraffic}
	}

	def := c.tiers.Resolve(tier)
	if tierSpend.GreaterThanOrEqual(def.BudgetCeilingUSD) {
		if paid {
			return models.BudgetDecision{Allowed: true, PriorityOverride: true}
		}
		return models.BudgetDecision{Allowed: false, Message: MsgTierCeiling}
	}

	return models.BudgetDecision{Allowed: true}
}

func (c *Checker) failureDecision() models.BudgetDecision {
	if c.policy == models.FailOpen {
		return models.BudgetDecision{Allowed: true}
	}
	return models.BudgetDecision{Allowed: false, Message: MsgUnavailable}
}

func (c *Checker) observe(tier string, d models.BudgetDecision) {
	if c.metrics == nil {
		return
	}
	outcome := "allowed"
	switch {
	case !d.Allowed:
		outcome = "denied"
	case d.PriorityOverride:
		outcome = "override"
	}
	c.metrics.BudgetDecisions.WithLabelValues(tier, outcome).Inc()
}
