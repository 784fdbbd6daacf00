// Package registry holds the process-wide pool of router sessions.
package registry

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/and161185/ros-fleet/internal/metrics"
	"github.com/and161185/ros-fleet/internal/model"
	"github.com/and161185/ros-fleet/internal/ros"
)

// Lookup resolves a router id to its connection identity.
type Lookup func(routerID string) (model.RouterIdentity, error)

// Dialer opens a session; ros.Open in production.
type Dialer func(ctx context.Context, identity model.RouterIdentity, log *zap.Logger) (*ros.Session, error)

// Registry maps router id to at most one live session. Concurrent
// Acquire calls for the same router coalesce into a single connect
// attempt; a failed connect registers nothing.
type Registry struct {
	lookup Lookup
	dial   Dialer
	log    *zap.Logger
	m      *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*ros.Session
	sf       singleflight.Group
}

// New constructs an empty registry.
func New(lookup Lookup, dial Dialer, log *zap.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		lookup:   lookup,
		dial:     dial,
		log:      log,
		m:        m,
		sessions: make(map[string]*ros.Session),
	}
}

// Acquire returns the live session for the router, connecting lazily.
// The caller borrows the session; the registry keeps ownership.
func (r *Registry) Acquire(ctx context.Context, routerID string) (*ros.Session, error) {
	if s := r.live(routerID); s != nil {
		return s, nil
	}

	v, err, _ := r.sf.Do(routerID, func() (any, error) {
		// a connect may have completed while we queued on the flight
		if s := r.live(routerID); s != nil {
			return s, nil
		}
		identity, err := r.lookup(routerID)
		if err != nil {
			return nil, fmt.Errorf("registry: %s: %w", routerID, err)
		}
		s, err := r.dial(ctx, identity, r.log)
		if err != nil {
			r.m.ConnectsTotal.WithLabelValues("error").Inc()
			return nil, err
		}
		r.mu.Lock()
		r.sessions[routerID] = s
		r.mu.Unlock()
		r.m.ConnectsTotal.WithLabelValues("ok").Inc()
		r.m.SessionsActive.Inc()
		go r.reap(routerID, s)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ros.Session), nil
}

// Evict closes and removes the router's session if present.
func (r *Registry) Evict(routerID string) {
	r.mu.Lock()
	s, ok := r.sessions[routerID]
	delete(r.sessions, routerID)
	r.mu.Unlock()
	if ok {
		s.Close()
	}
}

// Close tears down every session. The registry stays usable, matching
// a restart-on-demand model, but is normally discarded afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*ros.Session)
	r.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}

// Len reports the number of registered sessions, dead ones included
// until their reaper runs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) live(routerID string) *ros.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[routerID]; ok && s.Alive() {
		return s
	}
	return nil
}

// reap removes the entry once its session dies, whatever the cause.
func (r *Registry) reap(routerID string, s *ros.Session) {
	<-s.Done()
	r.mu.Lock()
	if cur, ok := r.sessions[routerID]; ok && cur == s {
		delete(r.sessions, routerID)
	}
	r.mu.Unlock()
	r.m.SessionsActive.Dec()
	if err := s.Err(); err != nil {
		r.log.Warn("session evicted", zap.String("router", routerID), zap.Error(err))
	}
}
