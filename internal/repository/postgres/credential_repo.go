package postgres

import (
	"context"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/ros-fleet/internal/errs"
	"github.com/and161185/ros-fleet/internal/model"
)

// CredentialRepo implements CredentialRepository using PostgreSQL.
type CredentialRepo struct{ db *DB }

// NewCredentialRepo constructs a credential repository.
func NewCredentialRepo(db *DB) *CredentialRepo { return &CredentialRepo{db: db} }

const credentialColumns = `id, router_id, batch_id, username, password, profile, status, note, bytes_in, bytes_out, last_synced_at`

func scanCredentials(rows pgx.Rows) ([]model.Credential, error) {
	var out []model.Credential
	for rows.Next() {
		var c model.Credential
		if err := rows.Scan(&c.ID, &c.RouterID, &c.BatchID, &c.Username, &c.Password,
			&c.Profile, &c.Status, &c.Note, &c.BytesIn, &c.BytesOut, &c.LastSyncedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListByRouter returns all credentials for a router.
func (r *CredentialRepo) ListByRouter(ctx context.Context, routerID string) ([]model.Credential, error) {
	q := fmt.Sprintf(`SELECT %s FROM credentials WHERE router_id=$1 ORDER BY username`, credentialColumns)
	rows, err := r.db.Pool.Query(ctx, q, routerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCredentials(rows)
}

// ListByBatch returns the credentials generated for one voucher batch.
func (r *CredentialRepo) ListByBatch(ctx context.Context, batchID uuid.UUID) ([]model.Credential, error) {
	q := fmt.Sprintf(`SELECT %s FROM credentials WHERE batch_id=$1 ORDER BY username`, credentialColumns)
	rows, err := r.db.Pool.Query(ctx, q, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCredentials(rows)
}

// Upsert inserts or replaces the credential keyed by (router_id, username).
// The stored row keeps its original id on update.
func (r *CredentialRepo) Upsert(ctx context.Context, c model.Credential) error {
	const q = `
INSERT INTO credentials (id, router_id, batch_id, username, password, profile, status, note, bytes_in, bytes_out, last_synced_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (router_id, username) DO UPDATE SET
  batch_id=EXCLUDED.batch_id,
  password=EXCLUDED.password,
  profile=EXCLUDED.profile,
  status=EXCLUDED.status,
  note=EXCLUDED.note,
  bytes_in=EXCLUDED.bytes_in,
  bytes_out=EXCLUDED.bytes_out,
  last_synced_at=EXCLUDED.last_synced_at`
	_, err := r.db.Pool.Exec(ctx, q, c.ID, c.RouterID, c.BatchID, c.Username, c.Password,
		c.Profile, c.Status, c.Note, c.BytesIn, c.BytesOut, c.LastSyncedAt)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// Delete removes a credential by its natural key.
func (r *CredentialRepo) Delete(ctx context.Context, routerID, username string) error {
	const q = `DELETE FROM credentials WHERE router_id=$1 AND username=$2`
	tag, err := r.db.Pool.Exec(ctx, q, routerID, username)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}
