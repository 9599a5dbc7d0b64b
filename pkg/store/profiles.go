package store

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/atlas-chat/atlas/pkg/models"
)

const profileColumns = `id, email, tier, subscription_status, fastspring_account_id, created_at`

// GetProfile returns a profile by user id.
func (s *SQLStore) GetProfile(ctx context.Context, id string) (models.Profile, error) {
	var p models.Profile
	err := s.db.GetContext(ctx, &p,
		s.q(`SELECT `+profileColumns+` FROM profiles WHERE id = ?`), id)
	if err != nil {
		return models.Profile{}, notFound(err, "get profile", "profile not found")
	}
	return p, nil
}

// ListActivePaidProfiles returns profiles with an active subscription on one of tiers.
func (s *SQLStore) ListActivePaidProfiles(ctx context.Context, tiers []string) ([]models.Profile, error) {
	if len(tiers) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(
		`SELECT `+profileColumns+` FROM profiles
		 WHERE subscription_status = ? AND tier IN (?) ORDER BY id`,
		models.SubscriptionActive, tiers,
	)
	if err != nil {
		return nil, dbError(err, "build profile query")
	}
	var profiles []models.Profile
	if err := s.db.SelectContext(ctx, &profiles, s.q(query), args...); err != nil {
		return nil, dbError(err, "list paid profiles")
	}
	return profiles, nil
}

// UpsertProfile inserts or updates a profile.
func (s *SQLStore) UpsertProfile(ctx context.Context, p models.Profile) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if p.Tier == "" {
		p.Tier = models.TierFree
	}
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO profiles (`+profileColumns+`) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   email = excluded.email,
		   tier = excluded.tier,
		   subscription_status = excluded.subscription_status,
		   fastspring_account_id = excluded.fastspring_account_id`),
		p.ID, p.Email, p.Tier, p.SubscriptionStatus, p.FastSpringAccountID, p.CreatedAt.UTC(),
	)
	if err != nil {
		return dbError(err, "upsert profile")
	}
	return nil
}
