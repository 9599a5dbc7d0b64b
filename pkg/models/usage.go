package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Usage represents token usage from an LLM response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Message is one persisted turn of a conversation.
type Message struct {
	ID             string          `json:"id" db:"id"`
	UserID         string          `json:"user_id" db:"user_id"`
	ConversationID string          `json:"conversation_id" db:"conversation_id"`
	Role           string          `json:"role" db:"role"`
	Content        string          `json:"content" db:"content"`
	Model          string          `json:"model,omitempty" db:"model"`
	Provider       string          `json:"provider,omitempty" db:"provider"`
	InputTokens    int64           `json:"input_tokens" db:"input_tokens"`
	OutputTokens   int64           `json:"output_tokens" db:"output_tokens"`
	CostUSD        decimal.Decimal `json:"cost_usd" db:"-"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// ModelPricing defines USD prices per million tokens for a model.
type ModelPricing struct {
	Model      string          `json:"model" yaml:"model" validate:"required"`
	InputCost  decimal.Decimal `json:"input_cost_per_mtok" yaml:"input_cost_per_mtok"`
	OutputCost decimal.Decimal `json:"output_cost_per_mtok" yaml:"output_cost_per_mtok"`
}

// UsageReport is what a user sees about their own consumption.
type UsageReport struct {
	UserID            string          `json:"user_id"`
	Tier              string          `json:"tier"`
	MessagesToday     int64           `json:"messages_today"`
	DailyMessageLimit int             `json:"daily_message_limit"`
	Budget            BudgetDecision  `json:"budget"`
	Period            *OverageSummary `json:"period,omitempty"`
}
