// Package repository declares the durable-store contract consumed by the
// sync engine and voucher lifecycle. Every call is atomic; duplicate-key
// conditions surface as errs.ErrAlreadyExists.
package repository

import (
	"context"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/ros-fleet/internal/model"
)

// ProfileRepository stores the local cache of router session profiles.
type ProfileRepository interface {
	// ListByRouter returns all locally known profiles for a router.
	ListByRouter(ctx context.Context, routerID string) ([]model.Profile, error)

	// Upsert inserts or replaces a profile keyed by (router_id, kind, name).
	Upsert(ctx context.Context, p model.Profile) error
}

// CredentialRepository stores access credentials. (router_id, username)
// is unique.
type CredentialRepository interface {
	// ListByRouter returns all credentials for a router.
	ListByRouter(ctx context.Context, routerID string) ([]model.Credential, error)

	// ListByBatch returns the credentials generated for one voucher batch.
	ListByBatch(ctx context.Context, batchID uuid.UUID) ([]model.Credential, error)

	// Upsert inserts or replaces a credential keyed by (router_id, username).
	Upsert(ctx context.Context, c model.Credential) error

	// Delete removes a credential; errs.ErrNotFound when absent.
	Delete(ctx context.Context, routerID, username string) error
}

// BatchRepository stores voucher batches and enforces the monotonic
// status machine through conditional updates.
type BatchRepository interface {
	// Create inserts a new batch in status pending.
	Create(ctx context.Context, b model.VoucherBatch) error

	// Get returns one batch; errs.ErrNotFound when absent.
	Get(ctx context.Context, id uuid.UUID) (*model.VoucherBatch, error)

	// MarkGenerating transitions pending -> generating. Any other
	// current status yields errs.ErrInvalidState.
	MarkGenerating(ctx context.Context, id uuid.UUID) error

	// MarkCompleted transitions generating -> completed and stamps
	// completed_at.
	MarkCompleted(ctx context.Context, id uuid.UUID) error

	// MarkFailed transitions generating -> failed and records the message.
	MarkFailed(ctx context.Context, id uuid.UUID, msg string) error
}
