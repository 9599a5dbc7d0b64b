// Package store persists budgets, billing periods, overage charges, profiles
// and chat messages in Postgres or SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	ierr "github.com/atlas-chat/atlas/pkg/errors"
	"github.com/atlas-chat/atlas/pkg/models"
)

// Store is the persistence surface used by the budget, billing and chat packages.
type Store interface {
	// DaySpend returns the recorded spend of a tier on a UTC day.
	DaySpend(ctx context.Context, day, tier string) (decimal.Decimal, error)
	// TotalDaySpend returns the spend of all tiers on a UTC day.
	TotalDaySpend(ctx context.Context, day string) (decimal.Decimal, error)
	// IncrementSpend atomically adds cost and requests to the (day, tier) row,
	// creating it if needed.
	IncrementSpend(ctx context.Context, day, tier string, cost decimal.Decimal, requests int64) error
	// ListDaySpend returns every tier row for a day.
	ListDaySpend(ctx context.Context, day string) ([]models.BudgetTracking, error)

	GetBillingPeriod(ctx context.Context, id string) (models.BillingPeriod, error)
	FindBillingPeriod(ctx context.Context, userID string, start time.Time) (models.BillingPeriod, error)
	// InsertBillingPeriodIfAbsent inserts p unless a period with the same user
	// and start exists, and returns whichever row is stored.
	InsertBillingPeriodIfAbsent(ctx context.Context, p models.BillingPeriod) (models.BillingPeriod, error)

	UpsertUsageSnapshot(ctx context.Context, s models.UsageSnapshot) error
	SumPeriodUsage(ctx context.Context, periodID string) (models.PeriodUsage, error)
	ListUsageSnapshots(ctx context.Context, periodID string) ([]models.UsageSnapshot, error)

	GetProfile(ctx context.Context, id string) (models.Profile, error)
	ListActivePaidProfiles(ctx context.Context, tiers []string) ([]models.Profile, error)
	UpsertProfile(ctx context.Context, p models.Profile) error

	ActiveChargeExists(ctx context.Context, userID, periodID string) (bool, error)
	InsertOverageCharge(ctx context.Context, c *models.OverageCharge) error
	MarkChargeCharged(ctx context.Context, id, orderID, receiptURL string, at time.Time) error
	MarkChargeFailed(ctx context.Context, id, reason string) error
	GetOverageCharge(ctx context.Context, id string) (models.OverageCharge, error)
	ListOverageCharges(ctx context.Context, userID string) ([]models.OverageCharge, error)

	AppendMessage(ctx context.Context, m *models.Message) error
	CountUserMessagesSince(ctx context.Context, userID string, since time.Time) (int64, error)
	ListConversationMessages(ctx context.Context, userID, conversationID string, limit int) ([]models.Message, error)

	Ping(ctx context.Context) error
	Close() error
}

// SQLStore implements Store on top of sqlx.
type SQLStore struct {
	db      *sqlx.DB
	dialect Dialect
}

// Open connects to the database and applies the schema.
func Open(ctx context.Context, dialect Dialect, dsn string, maxOpenConns int) (*SQLStore, error) {
	driver := string(dialect)
	if dialect == SQLite {
		dsn = sqliteDSN(dsn)
	} else if dialect != Postgres {
		return nil, fmt.Errorf("open store: unsupported driver %q", dialect)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}

	if dialect == SQLite {
		// one writer; concurrent writers would hit SQLITE_BUSY
		db.SetMaxOpenConns(1)
	} else if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}

	s := New(db, dialect)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing connection without migrating it.
func New(db *sqlx.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_time_format") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_time_format=sqlite&_pragma=foreign_keys(1)"
}

// Migrate creates missing tables and indexes.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range schemaFor(s.dialect) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate store db: %w", err)
		}
	}
	return nil
}

// Ping checks the connection.
func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return ierr.WithError(err).WithMessage("ping database").Mark(ierr.ErrDatabase)
	}
	return nil
}

// Close releases the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) q(query string) string {
	return s.db.Rebind(query)
}

func dbError(err error, op string) error {
	return ierr.WithError(err).WithMessage(op).Mark(ierr.ErrDatabase)
}

func notFound(err error, op, hint string) error {
	if err == sql.ErrNoRows {
		return ierr.WithError(err).WithMessage(op).WithHint(hint).Mark(ierr.ErrNotFound)
	}
	return dbError(err, op)
}
