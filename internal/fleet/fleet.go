// Package fleet ties the session registry, device facade, sync engine
// and voucher lifecycle into one application service.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/ros-fleet/internal/device"
	"github.com/and161185/ros-fleet/internal/errs"
	"github.com/and161185/ros-fleet/internal/model"
	"github.com/and161185/ros-fleet/internal/registry"
	"github.com/and161185/ros-fleet/internal/repository"
	"github.com/and161185/ros-fleet/internal/ros"
	"github.com/and161185/ros-fleet/internal/syncer"
	"github.com/and161185/ros-fleet/internal/voucher"
)

// Service is the operation surface exposed to the daemon loop and CLI.
type Service interface {
	// Device returns a command facade bound to a live session for the
	// router, connecting on demand.
	Device(ctx context.Context, routerID string) (*device.Client, error)
	// RunCommand executes one raw API command and returns its data rows.
	RunCommand(ctx context.Context, routerID, path string, args map[string]string) ([]map[string]string, error)
	// StartStream runs a long-lived command, delivering each reply to
	// onData until the subscription is cancelled or the session dies.
	StartStream(ctx context.Context, routerID, path string, args map[string]string,
		onData func(map[string]string), onErr func(error)) (device.Subscription, error)
	// SyncRouter reconciles the local cache with the router state.
	SyncRouter(ctx context.Context, routerID string) (model.SyncReport, error)
	// RemoveCredential deletes a credential on the router and drops the
	// local row.
	RemoveCredential(ctx context.Context, routerID, username string) error
	// CreateVoucherBatch records a new pending batch.
	CreateVoucherBatch(ctx context.Context, spec BatchSpec) (*model.VoucherBatch, error)
	// StartVoucherBatch drives a pending batch to a terminal status.
	StartVoucherBatch(ctx context.Context, batchID uuid.UUID) (*model.VoucherBatch, error)
}

// BatchSpec is the user-supplied shape of a voucher batch.
type BatchSpec struct {
	RouterID string
	Profile  string
	Count    int
	Prefix   string
	Charset  string
	Length   int
}

const maxBatchCount = 10000

type ServiceImpl struct {
	reg      *registry.Registry
	sync     *syncer.Syncer
	vouchers *voucher.Lifecycle
	batches  repository.BatchRepository
	creds    repository.CredentialRepository
	syncOpts syncer.Options
	log      *zap.Logger
}

// NewService constructs the application service.
func NewService(reg *registry.Registry, sync *syncer.Syncer, vouchers *voucher.Lifecycle,
	batches repository.BatchRepository, creds repository.CredentialRepository,
	syncOpts syncer.Options, log *zap.Logger) *ServiceImpl {
	return &ServiceImpl{
		reg:      reg,
		sync:     sync,
		vouchers: vouchers,
		batches:  batches,
		creds:    creds,
		syncOpts: syncOpts,
		log:      log,
	}
}

func (s *ServiceImpl) Device(ctx context.Context, routerID string) (*device.Client, error) {
	sess, err := s.reg.Acquire(ctx, routerID)
	if err != nil {
		return nil, err
	}
	return device.ForSession(sess, routerID), nil
}

func (s *ServiceImpl) RunCommand(ctx context.Context, routerID, path string, args map[string]string) ([]map[string]string, error) {
	dev, err := s.Device(ctx, routerID)
	if err != nil {
		return nil, err
	}
	return dev.Run(ctx, path, args)
}

func (s *ServiceImpl) StartStream(ctx context.Context, routerID, path string, args map[string]string,
	onData func(map[string]string), onErr func(error)) (device.Subscription, error) {
	dev, err := s.Device(ctx, routerID)
	if err != nil {
		return nil, err
	}
	return dev.RunStream(path, args, onData, onErr)
}

func (s *ServiceImpl) SyncRouter(ctx context.Context, routerID string) (model.SyncReport, error) {
	dev, err := s.Device(ctx, routerID)
	if err != nil {
		return model.SyncReport{RouterID: routerID}, err
	}
	return s.sync.SyncRouter(ctx, routerID, dev, s.syncOpts)
}

// RemoveCredential removes the router-side user first; the local row is
// dropped only after the router confirms, so a failed device call never
// leaves the store ahead of reality. A credential unknown locally is not
// an error once the router delete succeeded.
func (s *ServiceImpl) RemoveCredential(ctx context.Context, routerID, username string) error {
	dev, err := s.Device(ctx, routerID)
	if err != nil {
		return err
	}
	if err := dev.RemoveCredential(ctx, username); err != nil {
		return err
	}
	if err := s.creds.Delete(ctx, routerID, username); err != nil && !errors.Is(err, errs.ErrNotFound) {
		return fmt.Errorf("fleet: delete local credential %s: %w", username, err)
	}
	return nil
}

func (s *ServiceImpl) CreateVoucherBatch(ctx context.Context, spec BatchSpec) (*model.VoucherBatch, error) {
	if spec.RouterID == "" {
		return nil, fmt.Errorf("fleet: batch needs a router id")
	}
	if spec.Profile == "" {
		return nil, fmt.Errorf("fleet: batch needs a profile")
	}
	if spec.Count <= 0 || spec.Count > maxBatchCount {
		return nil, fmt.Errorf("fleet: batch count %d out of range 1..%d", spec.Count, maxBatchCount)
	}
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	b := model.VoucherBatch{
		ID:        id,
		RouterID:  spec.RouterID,
		Profile:   spec.Profile,
		Count:     spec.Count,
		Prefix:    spec.Prefix,
		Charset:   spec.Charset,
		Length:    spec.Length,
		Status:    model.BatchPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.batches.Create(ctx, b); err != nil {
		return nil, fmt.Errorf("fleet: create batch: %w", err)
	}
	s.log.Info("voucher batch created",
		zap.String("batch_id", id.String()),
		zap.String("router_id", spec.RouterID),
		zap.Int("count", spec.Count))
	return &b, nil
}

func (s *ServiceImpl) StartVoucherBatch(ctx context.Context, batchID uuid.UUID) (*model.VoucherBatch, error) {
	b, err := s.batches.Get(ctx, batchID)
	if err != nil {
		return nil, err
	}
	dev, err := s.Device(ctx, b.RouterID)
	if err != nil {
		return nil, err
	}
	if err := s.vouchers.Start(ctx, batchID, dev); err != nil {
		// the batch row carries the terminal status; return it alongside
		if final, getErr := s.batches.Get(ctx, batchID); getErr == nil {
			return final, err
		}
		return nil, err
	}
	return s.batches.Get(ctx, batchID)
}

// EvictRouter drops the cached session so the next call reconnects.
func (s *ServiceImpl) EvictRouter(routerID string) {
	s.reg.Evict(routerID)
}

var _ Service = (*ServiceImpl)(nil)

// Dial adapts ros.Open to the registry's dialer signature.
func Dial(ctx context.Context, identity model.RouterIdentity, log *zap.Logger) (*ros.Session, error) {
	return ros.Open(ctx, identity, log)
}
