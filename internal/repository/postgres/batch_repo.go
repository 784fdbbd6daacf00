package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/ros-fleet/internal/errs"
	"github.com/and161185/ros-fleet/internal/model"
)

// BatchRepo implements BatchRepository using PostgreSQL. Status
// transitions are conditional updates, so two concurrent starts of the
// same batch cannot both win.
type BatchRepo struct{ db *DB }

// NewBatchRepo constructs a voucher batch repository.
func NewBatchRepo(db *DB) *BatchRepo { return &BatchRepo{db: db} }

// Create inserts a new batch.
func (r *BatchRepo) Create(ctx context.Context, b model.VoucherBatch) error {
	const q = `
INSERT INTO voucher_batches (id, router_id, profile, count, prefix, charset, length, status, error_message, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	_, err := r.db.Pool.Exec(ctx, q, b.ID, b.RouterID, b.Profile, b.Count,
		b.Prefix, b.Charset, b.Length, b.Status, b.ErrorMessage, b.CreatedAt)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// Get returns one batch by id.
func (r *BatchRepo) Get(ctx context.Context, id uuid.UUID) (*model.VoucherBatch, error) {
	const q = `
SELECT id, router_id, profile, count, prefix, charset, length, status, error_message, created_at, completed_at
FROM voucher_batches WHERE id=$1`
	var b model.VoucherBatch
	err := r.db.Pool.QueryRow(ctx, q, id).Scan(&b.ID, &b.RouterID, &b.Profile, &b.Count,
		&b.Prefix, &b.Charset, &b.Length, &b.Status, &b.ErrorMessage, &b.CreatedAt, &b.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &b, nil
}

// MarkGenerating transitions pending -> generating.
func (r *BatchRepo) MarkGenerating(ctx context.Context, id uuid.UUID) error {
	const q = `UPDATE voucher_batches SET status=$2 WHERE id=$1 AND status=$3`
	return r.transition(ctx, id, q, model.BatchGenerating, model.BatchPending)
}

// MarkCompleted transitions generating -> completed and stamps completed_at.
func (r *BatchRepo) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	const q = `UPDATE voucher_batches SET status=$2, completed_at=now() WHERE id=$1 AND status=$3`
	return r.transition(ctx, id, q, model.BatchCompleted, model.BatchGenerating)
}

// MarkFailed transitions generating -> failed and records the message.
func (r *BatchRepo) MarkFailed(ctx context.Context, id uuid.UUID, msg string) error {
	const q = `UPDATE voucher_batches SET status=$2, error_message=$4 WHERE id=$1 AND status=$3`
	tag, err := r.db.Pool.Exec(ctx, q, id, model.BatchFailed, model.BatchGenerating, msg)
	if err != nil {
		return err
	}
	return r.checkTransition(ctx, id, tag.RowsAffected())
}

func (r *BatchRepo) transition(ctx context.Context, id uuid.UUID, q string, to, from model.BatchStatus) error {
	tag, err := r.db.Pool.Exec(ctx, q, id, to, from)
	if err != nil {
		return err
	}
	return r.checkTransition(ctx, id, tag.RowsAffected())
}

// checkTransition distinguishes "wrong current status" from "no such
// batch" after a conditional update touched zero rows.
func (r *BatchRepo) checkTransition(ctx context.Context, id uuid.UUID, affected int64) error {
	if affected == 1 {
		return nil
	}
	b, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("batch %s in status %q: %w", id, b.Status, errs.ErrInvalidState)
}
