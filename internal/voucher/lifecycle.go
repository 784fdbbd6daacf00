package voucher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/and161185/ros-fleet/internal/errs"
	"github.com/and161185/ros-fleet/internal/metrics"
	"github.com/and161185/ros-fleet/internal/model"
	"github.com/and161185/ros-fleet/internal/repository"
)

// Device is the single facade operation the lifecycle needs.
type Device interface {
	AddCredential(ctx context.Context, cred model.Credential) error
}

// Config bounds batch generation.
type Config struct {
	// Concurrency is the number of in-flight creates per batch, small
	// by default so the router's command queue is not overwhelmed.
	Concurrency int
	// MaxRetries is how many times one slot may regenerate its
	// candidate after a duplicate before the whole batch aborts.
	MaxRetries int
}

const (
	defaultConcurrency = 4
	defaultMaxRetries  = 3
)

// Lifecycle runs voucher batches through pending -> generating ->
// completed|failed. Already-created router-side credentials are not
// rolled back on failure; they stay attributed to the batch for manual
// cleanup.
type Lifecycle struct {
	batches repository.BatchRepository
	creds   repository.CredentialRepository
	cfg     Config
	log     *zap.Logger
	m       *metrics.Metrics
}

// New constructs a Lifecycle; zero Config fields take defaults.
func New(batches repository.BatchRepository, creds repository.CredentialRepository,
	cfg Config, log *zap.Logger, m *metrics.Metrics) *Lifecycle {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	return &Lifecycle{batches: batches, creds: creds, cfg: cfg, log: log, m: m}
}

// Start drives one batch to a terminal status. Only a pending batch may
// start: the transition is a status-conditioned update, so a concurrent
// second Start loses with errs.ErrInvalidState and generates nothing.
func (l *Lifecycle) Start(ctx context.Context, batchID uuid.UUID, dev Device) error {
	b, err := l.batches.Get(ctx, batchID)
	if err != nil {
		return fmt.Errorf("voucher: batch %s: %w", batchID, err)
	}
	if err := l.batches.MarkGenerating(ctx, batchID); err != nil {
		return fmt.Errorf("voucher: start %s: %w", batchID, err)
	}
	l.log.Info("batch generating",
		zap.String("batch", batchID.String()),
		zap.String("router", b.RouterID),
		zap.Int("count", b.Count),
	)

	gen := Generator{Prefix: b.Prefix, Charset: b.Charset, Length: b.Length}
	seen := newNameSet()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.cfg.Concurrency)
	for i := 0; i < b.Count; i++ {
		g.Go(func() error {
			return l.fillSlot(gctx, b, gen, seen, dev)
		})
	}
	err = g.Wait()

	// terminal transitions must land even when the run's context died
	mctx := context.WithoutCancel(ctx)
	if err != nil {
		if mErr := l.batches.MarkFailed(mctx, batchID, err.Error()); mErr != nil {
			l.log.Error("mark failed", zap.String("batch", batchID.String()), zap.Error(mErr))
		}
		l.m.VoucherBatches.WithLabelValues("failed").Inc()
		return fmt.Errorf("voucher: batch %s: %w", batchID, err)
	}
	if err := l.batches.MarkCompleted(mctx, batchID); err != nil {
		return fmt.Errorf("voucher: complete %s: %w", batchID, err)
	}
	l.m.VoucherBatches.WithLabelValues("completed").Inc()
	l.log.Info("batch completed", zap.String("batch", batchID.String()))
	return nil
}

// fillSlot creates exactly one credential, regenerating its candidate on
// duplicates up to the retry bound. Each success is persisted
// immediately so partial progress survives a crash.
func (l *Lifecycle) fillSlot(ctx context.Context, b *model.VoucherBatch, gen Generator, seen *nameSet, dev Device) error {
	for attempt := 0; attempt <= l.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		username, err := gen.Username()
		if err != nil {
			return err
		}
		if !seen.add(username) {
			continue // collided with a sibling slot in this run
		}
		password, err := gen.Password()
		if err != nil {
			return err
		}
		id, err := uuid.NewV4()
		if err != nil {
			return err
		}
		cred := model.Credential{
			ID:           id,
			RouterID:     b.RouterID,
			BatchID:      uuid.NullUUID{UUID: b.ID, Valid: true},
			Username:     username,
			Password:     password,
			Profile:      b.Profile,
			Status:       model.CredentialActive,
			LastSyncedAt: time.Now(),
		}

		err = dev.AddCredential(ctx, cred)
		if errors.Is(err, errs.ErrDuplicate) {
			continue
		}
		if err != nil {
			return err
		}
		if err := l.creds.Upsert(ctx, cred); err != nil {
			return fmt.Errorf("persist %s: %w", username, err)
		}
		l.m.VoucherCreds.Inc()
		return nil
	}
	return fmt.Errorf("slot gave up after %d regenerations: username namespace saturated", l.cfg.MaxRetries)
}

// nameSet tracks usernames claimed within one batch run.
type nameSet struct {
	mu    sync.Mutex
	names map[string]struct{}
}

func newNameSet() *nameSet {
	return &nameSet{names: make(map[string]struct{})}
}

func (s *nameSet) add(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.names[name]; ok {
		return false
	}
	s.names[name] = struct{}{}
	return true
}
