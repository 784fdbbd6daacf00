// Package syncer reconciles router-reported state into the local store.
// The router is authoritative for everything it reports; local rows are
// never deleted because an entity went missing on the router.
package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/and161185/ros-fleet/internal/metrics"
	"github.com/and161185/ros-fleet/internal/model"
	"github.com/and161185/ros-fleet/internal/repository"
)

// Device is the slice of the command facade the sync engine reads from.
type Device interface {
	Profiles(ctx context.Context, kind model.ProfileKind) ([]model.Profile, error)
	Credentials(ctx context.Context) ([]model.Credential, error)
	ActiveSessions(ctx context.Context) ([]model.ActiveSession, error)
}

// Options selects optional parts of a sync run.
type Options struct {
	// IncludeActive adds a point-in-time active-session snapshot to the
	// report. Sessions are never persisted.
	IncludeActive bool
}

// Syncer runs the reconciliation for one router at a time.
type Syncer struct {
	profiles repository.ProfileRepository
	creds    repository.CredentialRepository
	log      *zap.Logger
	m        *metrics.Metrics
}

// New constructs a Syncer over the store repositories.
func New(profiles repository.ProfileRepository, creds repository.CredentialRepository,
	log *zap.Logger, m *metrics.Metrics) *Syncer {
	return &Syncer{profiles: profiles, creds: creds, log: log, m: m}
}

// SyncRouter fetches router-side lists concurrently over the one
// session, diffs them against the local store, and persists the diff.
// A single bad entity never aborts the run: its error lands in the
// report and processing continues.
func (s *Syncer) SyncRouter(ctx context.Context, routerID string, dev Device, opts Options) (model.SyncReport, error) {
	report := model.SyncReport{RouterID: routerID}

	var (
		hotspot, ppp []model.Profile
		routerCreds  []model.Credential
		active       []model.ActiveSession
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		hotspot, err = dev.Profiles(gctx, model.ProfileHotspot)
		return err
	})
	g.Go(func() (err error) {
		ppp, err = dev.Profiles(gctx, model.ProfilePPPoE)
		return err
	})
	g.Go(func() (err error) {
		routerCreds, err = dev.Credentials(gctx)
		return err
	})
	if opts.IncludeActive {
		g.Go(func() (err error) {
			active, err = dev.ActiveSessions(gctx)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		s.m.SyncRunsTotal.WithLabelValues("error").Inc()
		return report, fmt.Errorf("syncer: fetch %s: %w", routerID, err)
	}

	localProfiles, err := s.profiles.ListByRouter(ctx, routerID)
	if err != nil {
		s.m.SyncRunsTotal.WithLabelValues("error").Inc()
		return report, fmt.Errorf("syncer: local profiles %s: %w", routerID, err)
	}
	localCreds, err := s.creds.ListByRouter(ctx, routerID)
	if err != nil {
		s.m.SyncRunsTotal.WithLabelValues("error").Inc()
		return report, fmt.Errorf("syncer: local credentials %s: %w", routerID, err)
	}

	now := time.Now()
	s.syncProfiles(ctx, append(hotspot, ppp...), localProfiles, now, &report)
	s.syncCredentials(ctx, routerCreds, localCreds, now, &report)
	report.Active = active

	result := "ok"
	if len(report.Errors) > 0 {
		result = "partial"
	}
	s.m.SyncRunsTotal.WithLabelValues(result).Inc()
	s.log.Info("sync finished",
		zap.String("router", routerID),
		zap.Int("created", report.Created),
		zap.Int("updated", report.Updated),
		zap.Int("unchanged", report.Unchanged),
		zap.Int("errors", len(report.Errors)),
	)
	return report, nil
}

func profileKey(p model.Profile) string {
	// hotspot and pppoe profile names live in separate namespaces
	return string(p.Kind) + "/" + p.Name
}

func (s *Syncer) syncProfiles(ctx context.Context, fromRouter, local []model.Profile, now time.Time, report *model.SyncReport) {
	known := make(map[string]model.Profile, len(local))
	for _, p := range local {
		known[profileKey(p)] = p
	}

	for _, rp := range fromRouter {
		rp.Source = model.SourceRouter
		rp.LastSyncedAt = now

		cur, ok := known[profileKey(rp)]
		if ok {
			// administrative metadata stays local
			rp.Note = cur.Note
			if profileUnchanged(cur, rp) {
				s.count(report, "profile", "unchanged")
				continue
			}
		}
		if err := s.profiles.Upsert(ctx, rp); err != nil {
			s.fail(report, "profile", rp.Name, err)
			continue
		}
		if ok {
			s.count(report, "profile", "updated")
		} else {
			s.count(report, "profile", "created")
		}
	}
}

func profileUnchanged(cur, next model.Profile) bool {
	return cur.RateLimit == next.RateLimit &&
		cur.SharedUsers == next.SharedUsers &&
		cur.SessionTimeout == next.SessionTimeout
}

func (s *Syncer) syncCredentials(ctx context.Context, fromRouter, local []model.Credential, now time.Time, report *model.SyncReport) {
	known := make(map[string]model.Credential, len(local))
	for _, c := range local {
		known[c.Username] = c
	}

	for _, rc := range fromRouter {
		rc.LastSyncedAt = now

		cur, ok := known[rc.Username]
		if ok {
			// batch attribution and labels are not in the router's schema
			rc.ID = cur.ID
			rc.BatchID = cur.BatchID
			rc.Note = cur.Note
			if credentialUnchanged(cur, rc) {
				s.count(report, "credential", "unchanged")
				continue
			}
		} else {
			id, err := uuid.NewV4()
			if err != nil {
				s.fail(report, "credential", rc.Username, err)
				continue
			}
			rc.ID = id
		}
		if err := s.creds.Upsert(ctx, rc); err != nil {
			s.fail(report, "credential", rc.Username, err)
			continue
		}
		if ok {
			s.count(report, "credential", "updated")
		} else {
			s.count(report, "credential", "created")
		}
	}
}

func credentialUnchanged(cur, next model.Credential) bool {
	return cur.Password == next.Password &&
		cur.Profile == next.Profile &&
		cur.Status == next.Status &&
		cur.BytesIn == next.BytesIn &&
		cur.BytesOut == next.BytesOut
}

func (s *Syncer) count(report *model.SyncReport, kind, outcome string) {
	switch outcome {
	case "created":
		report.Created++
	case "updated":
		report.Updated++
	case "unchanged":
		report.Unchanged++
	}
	s.m.SyncEntities.WithLabelValues(kind, outcome).Inc()
}

func (s *Syncer) fail(report *model.SyncReport, kind, key string, err error) {
	report.Errors = append(report.Errors, model.SyncError{Kind: kind, Key: key, Err: err.Error()})
	s.m.SyncEntities.WithLabelValues(kind, "error").Inc()
	s.log.Warn("sync entity failed",
		zap.String("router", report.RouterID),
		zap.String("kind", kind),
		zap.String("key", key),
		zap.Error(err),
	)
}
