package store

// Dialect selects the DDL and driver used by the store.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS profiles (
	id TEXT PRIMARY KEY,
	email TEXT NOT NULL DEFAULT '',
	tier TEXT NOT NULL DEFAULT 'free',
	subscription_status TEXT NOT NULL DEFAULT '',
	fastspring_account_id TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE INDEX IF NOT EXISTS idx_profiles_tier_status ON profiles(tier, subscription_status)`,
	`CREATE TABLE IF NOT EXISTS budget_tracking (
	day DATE NOT NULL,
	tier TEXT NOT NULL,
	total_spend_nanos BIGINT NOT NULL DEFAULT 0,
	request_count BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (day, tier)
)`,
	`CREATE TABLE IF NOT EXISTS billing_periods (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	period_start TIMESTAMPTZ NOT NULL,
	period_end TIMESTAMPTZ NOT NULL,
	tier TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (user_id, period_start)
)`,
	`CREATE TABLE IF NOT EXISTS usage_snapshots (
	billing_period_id TEXT NOT NULL REFERENCES billing_periods(id),
	model TEXT NOT NULL,
	input_tokens BIGINT NOT NULL DEFAULT 0,
	output_tokens BIGINT NOT NULL DEFAULT 0,
	total_cost_nanos BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (billing_period_id, model)
)`,
	`CREATE TABLE IF NOT EXISTS overage_charges (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	billing_period_id TEXT NOT NULL REFERENCES billing_periods(id),
	description TEXT NOT NULL DEFAULT '',
	tokens BIGINT NOT NULL DEFAULT 0,
	cost_nanos BIGINT NOT NULL,
	status TEXT NOT NULL,
	external_order_id TEXT NOT NULL DEFAULT '',
	receipt_url TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	charged_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_overage_active ON overage_charges(user_id, billing_period_id)
	WHERE status IN ('pending', 'charged')`,
	`CREATE INDEX IF NOT EXISTS idx_overage_user ON overage_charges(user_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	conversation_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	model TEXT NOT NULL DEFAULT '',
	provider TEXT NOT NULL DEFAULT '',
	input_tokens BIGINT NOT NULL DEFAULT 0,
	output_tokens BIGINT NOT NULL DEFAULT 0,
	cost_nanos BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_user_time ON messages(user_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS profiles (
	id TEXT PRIMARY KEY,
	email TEXT NOT NULL DEFAULT '',
	tier TEXT NOT NULL DEFAULT 'free',
	subscription_status TEXT NOT NULL DEFAULT '',
	fastspring_account_id TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
)`,
	`CREATE INDEX IF NOT EXISTS idx_profiles_tier_status ON profiles(tier, subscription_status)`,
	`CREATE TABLE IF NOT EXISTS budget_tracking (
	day TEXT NOT NULL,
	tier TEXT NOT NULL,
	total_spend_nanos INTEGER NOT NULL DEFAULT 0,
	request_count INTEGER NOT NULL DEFAULT 0,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (day, tier)
)`,
	`CREATE TABLE IF NOT EXISTS billing_periods (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	period_start DATETIME NOT NULL,
	period_end DATETIME NOT NULL,
	tier TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (user_id, period_start)
)`,
	`CREATE TABLE IF NOT EXISTS usage_snapshots (
	billing_period_id TEXT NOT NULL REFERENCES billing_periods(id),
	model TEXT NOT NULL,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	total_cost_nanos INTEGER NOT NULL DEFAULT 0,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (billing_period_id, model)
)`,
	`CREATE TABLE IF NOT EXISTS overage_charges (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	billing_period_id TEXT NOT NULL REFERENCES billing_periods(id),
	description TEXT NOT NULL DEFAULT '',
	tokens INTEGER NOT NULL DEFAULT 0,
	cost_nanos INTEGER NOT NULL,
	status TEXT NOT NULL,
	external_order_id TEXT NOT NULL DEFAULT '',
	receipt_url TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	charged_at DATETIME,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_overage_active ON overage_charges(user_id, billing_period_id)
	WHERE status IN ('pending', 'charged')`,
	`CREATE INDEX IF NOT EXISTS idx_overage_user ON overage_charges(user_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	conversation_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	model TEXT NOT NULL DEFAULT '',
	provider TEXT NOT NULL DEFAULT '',
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cost_nanos INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_user_time ON messages(user_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at)`,
}

func schemaFor(d Dialect) []string {
	if d == Postgres {
		return postgresSchema
	}
	return sqliteSchema
}
