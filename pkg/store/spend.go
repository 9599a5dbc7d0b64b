package store

import (
	"context"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/atlas-chat/atlas/pkg/models"
)

type spendRow struct {
	models.BudgetTracking
	SpendNanos int64 `db:"total_spend_nanos"`
}

// DaySpend returns the recorded spend of a tier on a UTC day. A missing row is zero.
func (s *SQLStore) DaySpend(ctx context.Context, day, tier string) (decimal.Decimal, error) {
	var nanos int64
	err := s.db.QueryRowxContext(ctx,
		s.q(`SELECT COALESCE(SUM(total_spend_nanos), 0) FROM budget_tracking WHERE day = ? AND tier = ?`),
		day, tier,
	).Scan(&nanos)
	if err != nil {
		return decimal.Zero, dbError(err, "read tier spend")
	}
	return fromNanos(nanos), nil
}

// TotalDaySpend returns the spend of all tiers on a UTC day.
func (s *SQLStore) TotalDaySpend(ctx context.Context, day string) (decimal.Decimal, error) {
	var nanos int64
	err := s.db.QueryRowxContext(ctx,
		s.q(`SELECT COALESCE(SUM(total_spend_nanos), 0) FROM budget_tracking WHERE day = ?`),
		day,
	).Scan(&nanos)
	if err != nil {
		return decimal.Zero, dbError(err, "read system spend")
	}
	return fromNanos(nanos), nil
}

// IncrementSpend adds to the (day, tier) aggregate in a single statement.
func (s *SQLStore) IncrementSpend(ctx context.Context, day, tier string, cost decimal.Decimal, requests int64) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO budget_tracking (day, tier, total_spend_nanos, request_count, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (day, tier) DO UPDATE SET
		   total_spend_nanos = budget_tracking.total_spend_nanos + excluded.total_spend_nanos,
		   request_count = budget_tracking.request_count + excluded.request_count,
		   updated_at = excluded.updated_at`),
		day, tier, toNanos(cost), requests, time.Now().UTC(),
	)
	if err != nil {
		return dbError(err, "increment spend")
	}
	return nil
}

// ListDaySpend returns every tier row recorded for a day.
func (s *SQLStore) ListDaySpend(ctx context.Context, day string) ([]models.BudgetTracking, error) {
	var rows []spendRow
	err := s.db.SelectContext(ctx, &rows,
		s.q(`SELECT CAST(day AS TEXT) AS day, tier, total_spend_nanos, request_count
		 FROM budget_tracking WHERE day = ? ORDER BY tier`),
		day,
	)
	if err != nil {
		return nil, dbError(err, "list day spend")
	}
	return lo.Map(rows, func(r spendRow, _ int) models.BudgetTracking {
		r.TotalSpendUSD = fromNanos(r.SpendNanos)
		return r.BudgetTracking
	}), nil
}
