package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// FailurePolicy decides the outcome of a budget check when spend cannot be read.
type FailurePolicy string

const (
	// FailClosed denies the request when spend lookups fail.
	FailClosed FailurePolicy = "closed"
	// FailOpen allows the request when spend lookups fail.
	FailOpen FailurePolicy = "open"
)

// SystemLimits are the system-wide daily spend thresholds in USD.
type SystemLimits struct {
	EmergencyShutoffUSD     decimal.Decimal `json:"emergency_shutoff_usd" yaml:"emergency_shutoff_usd"`
	HighTrafficThresholdUSD decimal.Decimal `json:"high_traffic_threshold_usd" yaml:"high_traffic_threshold_usd"`
}

// BudgetTracking is the aggregated spend of one tier on one UTC day.
type BudgetTracking struct {
	Day           string          `json:"day" db:"day"`
	Tier          string          `json:"tier" db:"tier"`
	TotalSpendUSD decimal.Decimal `json:"total_spend_usd" db:"-"`
	RequestCount  int64           `json:"request_count" db:"request_count"`
}

// BudgetDecision is the outcome of a budget ceiling check.
type BudgetDecision struct {
	Allowed          bool   `json:"allowed"`
	Message          string `json:"message,omitempty"`
	PriorityOverride bool   `json:"priority_override,omitempty"`
}

// BudgetStatus shows today's spend against the ceilings for a tier.
type BudgetStatus struct {
	Day            string          `json:"day"`
	Tier           string          `json:"tier"`
	TierSpendUSD   decimal.Decimal `json:"tier_spend_usd"`
	TierCeilingUSD decimal.Decimal `json:"tier_ceiling_usd"`
	SystemSpendUSD decimal.Decimal `json:"system_spend_usd"`
	HighTrafficUSD decimal.Decimal `json:"high_traffic_threshold_usd"`
	EmergencyUSD   decimal.Decimal `json:"emergency_shutoff_usd"`
	Decision       BudgetDecision  `json:"decision"`
	CheckedAt      time.Time       `json:"checked_at"`
}

// DayKey formats t as the UTC day used by budget tracking rows.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
