package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// BillingPeriod is one user's calendar-month accounting window.
type BillingPeriod struct {
	ID          string    `json:"id" db:"id"`
	UserID      string    `json:"user_id" db:"user_id"`
	PeriodStart time.Time `json:"period_start" db:"period_start"`
	PeriodEnd   time.Time `json:"period_end" db:"period_end"`
	Tier        string    `json:"tier" db:"tier"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// UsageSnapshot accumulates metered usage of one model within a billing period.
type UsageSnapshot struct {
	BillingPeriodID string          `json:"billing_period_id" db:"billing_period_id"`
	Model           string          `json:"model" db:"model"`
	InputTokens     int64           `json:"input_tokens" db:"input_tokens"`
	OutputTokens    int64           `json:"output_tokens" db:"output_tokens"`
	TotalCostUSD    decimal.Decimal `json:"total_cost_usd" db:"-"`
}

// PeriodUsage is the sum of all snapshots of a billing period.
type PeriodUsage struct {
	InputTokens  int64           `db:"input_tokens"`
	OutputTokens int64           `db:"output_tokens"`
	TotalCostUSD decimal.Decimal `db:"-"`
}

// Tokens returns the combined token count.
func (u PeriodUsage) Tokens() int64 {
	return u.InputTokens + u.OutputTokens
}

// ChargeStatus is the lifecycle state of an overage charge.
type ChargeStatus string

const (
	ChargePending ChargeStatus = "pending"
	ChargeCharged ChargeStatus = "charged"
	ChargeFailed  ChargeStatus = "failed"
)

// OverageCharge is a one-time charge for usage beyond the included credits.
type OverageCharge struct {
	ID              string          `json:"id" db:"id"`
	UserID          string          `json:"user_id" db:"user_id"`
	BillingPeriodID string          `json:"billing_period_id" db:"billing_period_id"`
	Description     string          `json:"description" db:"description"`
	Tokens          int64           `json:"tokens" db:"tokens"`
	CostUSD         decimal.Decimal `json:"cost_usd" db:"-"`
	Status          ChargeStatus    `json:"status" db:"status"`
	ExternalOrderID string          `json:"external_order_id,omitempty" db:"external_order_id"`
	ReceiptURL      string          `json:"receipt_url,omitempty" db:"receipt_url"`
	Error           string          `json:"error,omitempty" db:"error"`
	ChargedAt       *time.Time      `json:"charged_at,omitempty" db:"charged_at"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// OverageSummary reports a billing period's spend against its included credits.
// IncludedCreditsUSD and RemainingCreditsUSD are -1 for unlimited tiers.
type OverageSummary struct {
	BillingPeriodID     string          `json:"billing_period_id"`
	Tier                string          `json:"tier"`
	Tokens              int64           `json:"tokens"`
	TotalCostUSD        decimal.Decimal `json:"total_cost_usd"`
	IncludedCreditsUSD  decimal.Decimal `json:"included_credits_usd"`
	OverageUSD          decimal.Decimal `json:"overage_usd"`
	RemainingCreditsUSD decimal.Decimal `json:"remaining_credits_usd"`
}

// CycleError records a per-user failure during a billing cycle.
type CycleError struct {
	UserID string `json:"user_id"`
	Error  string `json:"error"`
}

// CycleResult summarises one overage billing cycle.
type CycleResult struct {
	ProcessedUsers   int          `json:"processed_users"`
	ChargesCreated   int          `json:"charges_created"`
	ChargesProcessed int          `json:"charges_processed"`
	Errors           []CycleError `json:"errors"`
}
