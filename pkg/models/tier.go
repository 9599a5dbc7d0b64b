package models

import "github.com/shopspring/decimal"

// Unlimited marks a tier limit that is never enforced.
const Unlimited = -1

// Tier names.
const (
	TierFree   = "free"
	TierCore   = "core"
	TierStudio = "studio"
)

// TierDefinition holds the static limits of a subscription tier.
type TierDefinition struct {
	Name              string          `json:"name" yaml:"name" validate:"required"`
	DailyMessageLimit int             `json:"daily_message_limit" yaml:"daily_message_limit" validate:"gte=-1"`
	BudgetCeilingUSD  decimal.Decimal `json:"budget_ceiling_usd" yaml:"budget_ceiling_usd"`
	// IncludedCreditsUSD is -1 for tiers without an overage allowance cap.
	IncludedCreditsUSD decimal.Decimal `json:"included_credits_usd" yaml:"included_credits_usd"`
	EligibleModels     []string        `json:"eligible_models" yaml:"eligible_models" validate:"min=1"`
	Paid               bool            `json:"paid" yaml:"paid"`
}

// UnlimitedMessages reports whether the tier has no daily message cap.
func (t TierDefinition) UnlimitedMessages() bool {
	return t.DailyMessageLimit == Unlimited
}

// UnlimitedCredits reports whether usage in this tier is never billed as overage.
func (t TierDefinition) UnlimitedCredits() bool {
	return t.IncludedCreditsUSD.Equal(decimal.NewFromInt(Unlimited))
}
