package fleet_test

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/and161185/ros-fleet/internal/errs"
	"github.com/and161185/ros-fleet/internal/fleet"
	"github.com/and161185/ros-fleet/internal/metrics"
	"github.com/and161185/ros-fleet/internal/model"
	"github.com/and161185/ros-fleet/internal/registry"
	"github.com/and161185/ros-fleet/internal/ros/rostest"
	"github.com/and161185/ros-fleet/internal/syncer"
	"github.com/and161185/ros-fleet/internal/voucher"
)

// hotspotState backs a scripted router with a mutable user table.
type hotspotState struct {
	mu    sync.Mutex
	users map[string]map[string]string
}

func newHotspotState(seed ...map[string]string) *hotspotState {
	st := &hotspotState{users: make(map[string]map[string]string)}
	for _, u := range seed {
		st.users[u["name"]] = u
	}
	return st
}

func (st *hotspotState) handler() rostest.Handler {
	return func(w *rostest.Writer, req rostest.Req) {
		tag := ".tag=" + req.Tag
		switch req.Path {
		case "/system/identity/print":
			w.Send("!re", tag, "=name=fake-router")
			w.Send("!done", tag)
		case "/ip/hotspot/user/profile/print":
			w.Send("!re", tag, "=name=guest", "=rate-limit=2M/2M", "=shared-users=1")
			w.Send("!done", tag)
		case "/ppp/profile/print":
			w.Send("!done", tag)
		case "/ip/hotspot/user/print":
			var nameFilter string
			for _, q := range req.Queries {
				nameFilter = strings.TrimPrefix(q, "?name=")
			}
			st.mu.Lock()
			names := make([]string, 0, len(st.users))
			for name := range st.users {
				if nameFilter == "" || name == nameFilter {
					names = append(names, name)
				}
			}
			sort.Strings(names)
			for _, name := range names {
				u := st.users[name]
				w.Send("!re", tag,
					"=.id=*"+u["name"],
					"=name="+u["name"],
					"=password="+u["password"],
					"=profile="+u["profile"])
			}
			st.mu.Unlock()
			w.Send("!done", tag)
		case "/ip/hotspot/user/remove":
			st.mu.Lock()
			delete(st.users, strings.TrimPrefix(req.Args[".id"], "*"))
			st.mu.Unlock()
			w.Send("!done", tag)
		case "/ip/hotspot/active/print":
			w.Send("!done", tag)
		case "/ip/hotspot/user/add":
			st.mu.Lock()
			_, exists := st.users[req.Args["name"]]
			if !exists {
				st.users[req.Args["name"]] = map[string]string{
					"name":     req.Args["name"],
					"password": req.Args["password"],
					"profile":  req.Args["profile"],
				}
			}
			st.mu.Unlock()
			if exists {
				w.Send("!trap", tag, "=message=failure: already have user with this name")
			}
			w.Send("!done", tag)
		case "/echo":
			w.Send("!re", tag, "=value="+req.Args["value"])
			w.Send("!done", tag)
		default:
			w.Send("!trap", tag, "=message=no such command")
			w.Send("!done", tag)
		}
	}
}

func (st *hotspotState) count() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.users)
}

// In-memory repositories in the shape of the postgres implementations.

type memProfiles struct {
	mu   sync.Mutex
	rows map[string]model.Profile
}

func newMemProfiles() *memProfiles { return &memProfiles{rows: make(map[string]model.Profile)} }

func (m *memProfiles) key(p model.Profile) string {
	return p.RouterID + "/" + string(p.Kind) + "/" + p.Name
}

func (m *memProfiles) ListByRouter(_ context.Context, routerID string) ([]model.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Profile
	for _, p := range m.rows {
		if p.RouterID == routerID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memProfiles) Upsert(_ context.Context, p model.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[m.key(p)] = p
	return nil
}

type memCreds struct {
	mu   sync.Mutex
	rows map[string]model.Credential
}

func newMemCreds() *memCreds { return &memCreds{rows: make(map[string]model.Credential)} }

func (m *memCreds) ListByRouter(_ context.Context, routerID string) ([]model.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Credential
	for _, c := range m.rows {
		if c.RouterID == routerID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memCreds) ListByBatch(_ context.Context, batchID uuid.UUID) ([]model.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Credential
	for _, c := range m.rows {
		if c.BatchID.Valid && c.BatchID.UUID == batchID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memCreds) Upsert(_ context.Context, c model.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[c.RouterID+"/"+c.Username] = c
	return nil
}

func (m *memCreds) Delete(_ context.Context, routerID, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := routerID + "/" + username
	if _, ok := m.rows[key]; !ok {
		return errs.ErrNotFound
	}
	delete(m.rows, key)
	return nil
}

type memBatches struct {
	mu   sync.Mutex
	rows map[uuid.UUID]model.VoucherBatch
}

func newMemBatches() *memBatches { return &memBatches{rows: make(map[uuid.UUID]model.VoucherBatch)} }

func (m *memBatches) Create(_ context.Context, b model.VoucherBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[b.ID]; ok {
		return errs.ErrAlreadyExists
	}
	m.rows[b.ID] = b
	return nil
}

func (m *memBatches) Get(_ context.Context, id uuid.UUID) (*model.VoucherBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.rows[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &b, nil
}

func (m *memBatches) transition(id uuid.UUID, from, to model.BatchStatus, mut func(*model.VoucherBatch)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.rows[id]
	if !ok {
		return errs.ErrNotFound
	}
	if b.Status != from {
		return fmt.Errorf("batch %s in status %q: %w", id, b.Status, errs.ErrInvalidState)
	}
	b.Status = to
	if mut != nil {
		mut(&b)
	}
	m.rows[id] = b
	return nil
}

func (m *memBatches) MarkGenerating(_ context.Context, id uuid.UUID) error {
	return m.transition(id, model.BatchPending, model.BatchGenerating, nil)
}

func (m *memBatches) MarkCompleted(_ context.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	return m.transition(id, model.BatchGenerating, model.BatchCompleted, func(b *model.VoucherBatch) {
		b.CompletedAt = &now
	})
}

func (m *memBatches) MarkFailed(_ context.Context, id uuid.UUID, msg string) error {
	return m.transition(id, model.BatchGenerating, model.BatchFailed, func(b *model.VoucherBatch) {
		b.ErrorMessage = msg
	})
}

type fixture struct {
	svc      *fleet.ServiceImpl
	state    *hotspotState
	profiles *memProfiles
	creds    *memCreds
	batches  *memBatches
}

func newFixture(t *testing.T, state *hotspotState) *fixture {
	t.Helper()
	router := rostest.Start(t, state.handler())

	lookup := func(routerID string) (model.RouterIdentity, error) {
		if routerID != "r1" {
			return model.RouterIdentity{}, errs.ErrNotFound
		}
		return router.Identity(routerID, 2*time.Second), nil
	}

	log := zap.NewNop()
	m := metrics.New(prometheus.NewRegistry())
	reg := registry.New(lookup, fleet.Dial, log, m)
	t.Cleanup(reg.Close)

	profiles := newMemProfiles()
	creds := newMemCreds()
	batches := newMemBatches()

	svc := fleet.NewService(
		reg,
		syncer.New(profiles, creds, log, m),
		voucher.New(batches, creds, voucher.Config{Concurrency: 2}, log, m),
		batches,
		creds,
		syncer.Options{},
		log,
	)
	return &fixture{svc: svc, state: state, profiles: profiles, creds: creds, batches: batches}
}

func TestSyncRouter_EndToEnd(t *testing.T) {
	fx := newFixture(t, newHotspotState(
		map[string]string{"name": "alice", "password": "pw1", "profile": "guest"},
		map[string]string{"name": "bob", "password": "pw2", "profile": "guest"},
	))

	report, err := fx.svc.SyncRouter(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, 3, report.Created, "one profile and two credentials")
	require.Empty(t, report.Errors)

	report, err = fx.svc.SyncRouter(context.Background(), "r1")
	require.NoError(t, err)
	require.Zero(t, report.Created)
	require.Equal(t, 3, report.Unchanged)

	stored, err := fx.creds.ListByRouter(context.Background(), "r1")
	require.NoError(t, err)
	require.Len(t, stored, 2)
}

func TestSyncRouter_UnknownRouter(t *testing.T) {
	fx := newFixture(t, newHotspotState())

	_, err := fx.svc.SyncRouter(context.Background(), "ghost")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestRunCommand(t *testing.T) {
	fx := newFixture(t, newHotspotState())

	rows, err := fx.svc.RunCommand(context.Background(), "r1", "/echo", map[string]string{"value": "ping"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "ping", rows[0]["value"])
}

func TestVoucherBatch_CreateAndStart(t *testing.T) {
	fx := newFixture(t, newHotspotState())

	b, err := fx.svc.CreateVoucherBatch(context.Background(), fleet.BatchSpec{
		RouterID: "r1",
		Profile:  "guest",
		Count:    5,
		Prefix:   "ev-",
	})
	require.NoError(t, err)
	require.Equal(t, model.BatchPending, b.Status)

	final, err := fx.svc.StartVoucherBatch(context.Background(), b.ID)
	require.NoError(t, err)
	require.Equal(t, model.BatchCompleted, final.Status)
	require.NotNil(t, final.CompletedAt)

	require.Equal(t, 5, fx.state.count(), "all vouchers created on the router")

	persisted, err := fx.creds.ListByBatch(context.Background(), b.ID)
	require.NoError(t, err)
	require.Len(t, persisted, 5)
	for _, c := range persisted {
		require.True(t, strings.HasPrefix(c.Username, "ev-"))
		require.Equal(t, "guest", c.Profile)
		require.Equal(t, model.CredentialActive, c.Status)
	}
}

func TestVoucherBatch_SecondStartRejected(t *testing.T) {
	fx := newFixture(t, newHotspotState())

	b, err := fx.svc.CreateVoucherBatch(context.Background(), fleet.BatchSpec{
		RouterID: "r1", Profile: "guest", Count: 2,
	})
	require.NoError(t, err)

	_, err = fx.svc.StartVoucherBatch(context.Background(), b.ID)
	require.NoError(t, err)

	final, err := fx.svc.StartVoucherBatch(context.Background(), b.ID)
	require.ErrorIs(t, err, errs.ErrInvalidState)
	require.NotNil(t, final)
	require.Equal(t, model.BatchCompleted, final.Status)
}

func TestCreateVoucherBatch_Validation(t *testing.T) {
	fx := newFixture(t, newHotspotState())

	cases := []fleet.BatchSpec{
		{Profile: "guest", Count: 5},
		{RouterID: "r1", Count: 5},
		{RouterID: "r1", Profile: "guest", Count: 0},
		{RouterID: "r1", Profile: "guest", Count: 10001},
	}
	for _, spec := range cases {
		_, err := fx.svc.CreateVoucherBatch(context.Background(), spec)
		require.Error(t, err)
	}
}

func TestRemoveCredential_RouterAndStore(t *testing.T) {
	fx := newFixture(t, newHotspotState(
		map[string]string{"name": "alice", "password": "pw1", "profile": "guest"},
	))

	_, err := fx.svc.SyncRouter(context.Background(), "r1")
	require.NoError(t, err)

	require.NoError(t, fx.svc.RemoveCredential(context.Background(), "r1", "alice"))
	require.Zero(t, fx.state.count(), "user gone from the router")
	stored, err := fx.creds.ListByRouter(context.Background(), "r1")
	require.NoError(t, err)
	require.Empty(t, stored, "local row gone")

	err = fx.svc.RemoveCredential(context.Background(), "r1", "alice")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestStartVoucherBatch_UnknownBatch(t *testing.T) {
	fx := newFixture(t, newHotspotState())

	_, err := fx.svc.StartVoucherBatch(context.Background(), uuid.Must(uuid.NewV4()))
	require.ErrorIs(t, err, errs.ErrNotFound)
}
