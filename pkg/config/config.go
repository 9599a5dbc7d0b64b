package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/atlas-chat/atlas/pkg/models"
)

// Config holds all Atlas configuration.
type Config struct {
	Listen     string                  `yaml:"listen" validate:"required"`
	Database   DatabaseConfig          `yaml:"database"`
	Auth       AuthConfig              `yaml:"auth"`
	Providers  []ProviderConfig        `yaml:"providers" validate:"dive"`
	Router     RouterConfig            `yaml:"router"`
	Pricing    PricingConfig           `yaml:"pricing"`
	Tiers      []models.TierDefinition `yaml:"tiers" validate:"min=1,dive"`
	Limits     models.SystemLimits     `yaml:"limits"`
	Budget     BudgetConfig            `yaml:"budget"`
	Billing    BillingConfig           `yaml:"billing"`
	FastSpring FastSpringConfig        `yaml:"fastspring"`
	Chat       ChatConfig              `yaml:"chat"`
	Log        LogConfig               `yaml:"log"`
}

// DatabaseConfig selects the SQL backend.
type DatabaseConfig struct {
	Driver       string `yaml:"driver" validate:"oneof=postgres sqlite"`
	DSN          string `yaml:"dsn" validate:"required"`
	MaxOpenConns int    `yaml:"max_open_conns" validate:"gte=0"`
}

// AuthConfig controls Supabase token verification.
type AuthConfig struct {
	SupabaseURL        string        `yaml:"supabase_url"`
	SupabaseServiceKey string        `yaml:"supabase_service_key"`
	JWTSecret          string        `yaml:"jwt_secret"`
	TokenCacheTTL      time.Duration `yaml:"token_cache_ttl"`
	AdminToken         string        `yaml:"admin_token"`
}

// RouterConfig defines model routing and fallback chains.
type RouterConfig struct {
	Routes []RouteConfig `yaml:"routes"`
}

// RouteConfig maps a client-facing model alias to an ordered list of targets.
type RouteConfig struct {
	Model   string        `yaml:"model"`
	Targets []RouteTarget `yaml:"targets"`
}

// RouteTarget identifies a specific provider and model in a fallback chain.
type RouteTarget struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// ProviderConfig defines an upstream LLM provider.
// Type is "openai" (default) or "anthropic".
type ProviderConfig struct {
	Name   string `yaml:"name" validate:"required"`
	URL    string `yaml:"url" validate:"required,url"`
	APIKey string `yaml:"api_key"`
	Type   string `yaml:"type" validate:"omitempty,oneof=openai anthropic"`
}

// PricingConfig lists per-model token prices.
type PricingConfig struct {
	Default models.ModelPricing   `yaml:"default"`
	Models  []models.ModelPricing `yaml:"models" validate:"dive"`
}

// BudgetConfig controls the budget ceiling check.
type BudgetConfig struct {
	FailurePolicy models.FailurePolicy `yaml:"failure_policy" validate:"oneof=closed open"`
}

// BillingConfig controls the overage billing cycle.
type BillingConfig struct {
	Enabled          bool            `yaml:"enabled"`
	Schedule         string          `yaml:"schedule"`
	MinimumChargeUSD decimal.Decimal `yaml:"minimum_charge_usd"`
	OverageProduct   string          `yaml:"overage_product"`
}

// FastSpringConfig holds Orders API credentials.
type FastSpringConfig struct {
	BaseURL  string        `yaml:"base_url" validate:"required,url"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Timeout  time.Duration `yaml:"timeout"`
}

// ChatConfig tunes the chat relay.
type ChatConfig struct {
	DefaultMaxTokens int           `yaml:"default_max_tokens" validate:"gt=0"`
	UpstreamTimeout  time.Duration `yaml:"upstream_timeout"`
	RetryMax         int           `yaml:"retry_max" validate:"gte=0"`
	ProfileCacheTTL  time.Duration `yaml:"profile_cache_ttl"`
	ProfileCacheSize int           `yaml:"profile_cache_size" validate:"gte=0"`
	AnthropicVersion string        `yaml:"anthropic_version"`
}

// LogConfig controls logger output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		Database: DatabaseConfig{
			Driver:       "sqlite",
			DSN:          "atlas.db",
			MaxOpenConns: 10,
		},
		Auth: AuthConfig{
			TokenCacheTTL: 5 * time.Minute,
		},
		Pricing: PricingConfig{
			Default: models.ModelPricing{
				Model:      "default",
				InputCost:  decimal.NewFromInt(3),
				OutputCost: decimal.NewFromInt(15),
			},
			Models: []models.ModelPricing{
				{Model: "claude-opus-4-1", InputCost: decimal.NewFromInt(15), OutputCost: decimal.NewFromInt(75)},
				{Model: "claude-sonnet-4-5", InputCost: decimal.NewFromInt(3), OutputCost: decimal.NewFromInt(15)},
				{Model: "claude-haiku-4-5", InputCost: decimal.NewFromInt(1), OutputCost: decimal.NewFromInt(5)},
				{Model: "gpt-4o", InputCost: decimal.RequireFromString("2.50"), OutputCost: decimal.NewFromInt(10)},
				{Model: "gpt-4o-mini", InputCost: decimal.RequireFromString("0.15"), OutputCost: decimal.RequireFromString("0.60")},
			},
		},
		Tiers: DefaultTiers(),
		Limits: models.SystemLimits{
			EmergencyShutoffUSD:     decimal.NewFromInt(500),
			HighTrafficThresholdUSD: decimal.NewFromInt(300),
		},
		Budget: BudgetConfig{
			FailurePolicy: models.FailClosed,
		},
		Billing: BillingConfig{
			Enabled:          true,
			Schedule:         "0 6 1 * *",
			MinimumChargeUSD: decimal.NewFromInt(20),
			OverageProduct:   "atlas-usage-overage",
		},
		FastSpring: FastSpringConfig{
			BaseURL: "https://api.fastspring.com",
			Timeout: 30 * time.Second,
		},
		Chat: ChatConfig{
			DefaultMaxTokens: 4096,
			UpstreamTimeout:  2 * time.Minute,
			RetryMax:         2,
			ProfileCacheTTL:  time.Minute,
			ProfileCacheSize: 10000,
			AnthropicVersion: "2023-06-01",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// DefaultTiers returns the built-in tier table.
func DefaultTiers() []models.TierDefinition {
	return []models.TierDefinition{
		{
			Name:               models.TierFree,
			DailyMessageLimit:  25,
			BudgetCeilingUSD:   decimal.NewFromInt(50),
			IncludedCreditsUSD: decimal.Zero,
			EligibleModels:     []string{"claude-haiku-4-5", "gpt-4o-mini"},
		},
		{
			Name:               models.TierCore,
			DailyMessageLimit:  300,
			BudgetCeilingUSD:   decimal.NewFromInt(150),
			IncludedCreditsUSD: decimal.NewFromInt(25),
			EligibleModels:     []string{"claude-sonnet-4-5", "claude-haiku-4-5", "gpt-4o", "gpt-4o-mini"},
			Paid:               true,
		},
		{
			Name:               models.TierStudio,
			DailyMessageLimit:  models.Unlimited,
			BudgetCeilingUSD:   decimal.NewFromInt(300),
			IncludedCreditsUSD: decimal.NewFromInt(models.Unlimited),
			EligibleModels:     []string{"claude-opus-4-1", "claude-sonnet-4-5", "claude-haiku-4-5", "gpt-4o", "gpt-4o-mini"},
			Paid:               true,
		},
	}
}

// Load reads a .env file if present, then a YAML config file with environment
// variables expanded, and validates the result.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct tags and the cross-field rules tags cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if !c.Limits.HighTrafficThresholdUSD.IsPositive() || !c.Limits.EmergencyShutoffUSD.IsPositive() {
		return fmt.Errorf("invalid config: system limits must be positive")
	}
	if c.Limits.HighTrafficThresholdUSD.GreaterThan(c.Limits.EmergencyShutoffUSD) {
		return fmt.Errorf("invalid config: high_traffic_threshold_usd exceeds emergency_shutoff_usd")
	}
	if c.Billing.MinimumChargeUSD.IsNegative() {
		return fmt.Errorf("invalid config: minimum_charge_usd is negative")
	}

	names := lo.Map(c.Tiers, func(t models.TierDefinition, _ int) string { return t.Name })
	if !lo.Contains(names, models.TierFree) {
		return fmt.Errorf("invalid config: tier %q must be defined", models.TierFree)
	}
	if dup := lo.FindDuplicates(names); len(dup) > 0 {
		return fmt.Errorf("invalid config: duplicate tiers %v", dup)
	}
	unlimited := decimal.NewFromInt(models.Unlimited)
	for _, t := range c.Tiers {
		if t.IncludedCreditsUSD.IsNegative() && !t.IncludedCreditsUSD.Equal(unlimited) {
			return fmt.Errorf("invalid config: tier %q included_credits_usd must be >= 0 or -1", t.Name)
		}
		if t.BudgetCeilingUSD.IsNegative() {
			return fmt.Errorf("invalid config: tier %q budget_ceiling_usd is negative", t.Name)
		}
	}
	return nil
}
