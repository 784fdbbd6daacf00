package postgres

import (
	"context"

	"github.com/and161185/ros-fleet/internal/model"
)

// ProfileRepo implements ProfileRepository using PostgreSQL.
type ProfileRepo struct{ db *DB }

// NewProfileRepo constructs a profile repository.
func NewProfileRepo(db *DB) *ProfileRepo { return &ProfileRepo{db: db} }

// ListByRouter returns all locally cached profiles for a router.
func (r *ProfileRepo) ListByRouter(ctx context.Context, routerID string) ([]model.Profile, error) {
	const q = `
SELECT router_id, name, kind, rate_limit, shared_users, session_timeout, note, source, last_synced_at
FROM profiles WHERE router_id=$1 ORDER BY name`
	rows, err := r.db.Pool.Query(ctx, q, routerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Profile
	for rows.Next() {
		var p model.Profile
		if err := rows.Scan(&p.RouterID, &p.Name, &p.Kind, &p.RateLimit,
			&p.SharedUsers, &p.SessionTimeout, &p.Note, &p.Source, &p.LastSyncedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Upsert inserts or replaces the profile keyed by (router_id, kind, name).
func (r *ProfileRepo) Upsert(ctx context.Context, p model.Profile) error {
	const q = `
INSERT INTO profiles (router_id, name, kind, rate_limit, shared_users, session_timeout, note, source, last_synced_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (router_id, kind, name) DO UPDATE SET
  rate_limit=EXCLUDED.rate_limit,
  shared_users=EXCLUDED.shared_users,
  session_timeout=EXCLUDED.session_timeout,
  note=EXCLUDED.note,
  source=EXCLUDED.source,
  last_synced_at=EXCLUDED.last_synced_at`
	_, err := r.db.Pool.Exec(ctx, q, p.RouterID, p.Name, p.Kind, p.RateLimit,
		p.SharedUsers, p.SessionTimeout, p.Note, p.Source, p.LastSyncedAt)
	return err
}
