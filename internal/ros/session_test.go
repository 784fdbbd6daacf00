package ros_test

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/and161185/ros-fleet/internal/errs"
	"github.com/and161185/ros-fleet/internal/ros"
	"github.com/and161185/ros-fleet/internal/ros/rostest"
)

func open(t *testing.T, r *rostest.Router, opts ...ros.Option) *ros.Session {
	t.Helper()
	s, err := ros.Open(context.Background(), r.Identity("r1", 2*time.Second), zap.NewNop(), opts...)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestOpen_PlainLogin(t *testing.T) {
	r := rostest.Start(t, nil)
	s := open(t, r)
	require.True(t, s.Alive())
}

func TestOpen_ChallengeLogin(t *testing.T) {
	r := rostest.StartChallenge(t, nil)
	s := open(t, r)
	require.True(t, s.Alive())
}

func TestOpen_BadPassword(t *testing.T) {
	r := rostest.Start(t, nil)
	identity := r.Identity("r1", 2*time.Second)
	identity.Password = "wrong"
	_, err := ros.Open(context.Background(), identity, zap.NewNop())
	require.ErrorIs(t, err, errs.ErrAuth)
}

func TestOpen_ConnectRefused(t *testing.T) {
	r := rostest.Start(t, nil)
	identity := r.Identity("r1", 500*time.Millisecond)
	identity.Port = 1 // nothing listens there
	_, err := ros.Open(context.Background(), identity, zap.NewNop())
	require.ErrorIs(t, err, errs.ErrConnect)
}

// echoHandler replies to /echo from its own goroutine after a small
// random-ish delay, so concurrent calls interleave on the wire.
func echoHandler(w *rostest.Writer, req rostest.Req) {
	switch req.Path {
	case "/echo":
		delay := time.Duration(len(req.Args["i"])) * time.Millisecond
		go func() {
			time.Sleep(delay)
			w.Send("!re", "=i="+req.Args["i"], ".tag="+req.Tag)
			w.Send("!done", ".tag="+req.Tag)
		}()
	default:
		w.Send("!done", ".tag="+req.Tag)
	}
}

func TestCall_TagIsolation(t *testing.T) {
	r := rostest.Start(t, echoHandler)
	s := open(t, r)

	const n = 16
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			want := strconv.Itoa(i)
			res, err := s.Call(context.Background(), ros.Request{
				Path: "/echo",
				Args: map[string]string{"i": want},
			})
			require.NoError(t, err)
			require.Len(t, res.Replies, 1)
			require.Equal(t, want, res.Replies[0].Attrs["i"])
		}(i)
	}
	wg.Wait()
}

func TestCall_TrapKeepsSessionUsable(t *testing.T) {
	r := rostest.Start(t, func(w *rostest.Writer, req rostest.Req) {
		if req.Path == "/boom" {
			w.Send("!trap", "=category=0", "=message=no such command", ".tag="+req.Tag)
			w.Send("!done", ".tag="+req.Tag)
			return
		}
		w.Send("!done", ".tag="+req.Tag)
	})
	s := open(t, r)

	_, err := s.Call(context.Background(), ros.Request{Path: "/boom"})
	var de *errs.DeviceError
	require.ErrorAs(t, err, &de)
	require.Equal(t, "no such command", de.Message)

	_, err = s.Call(context.Background(), ros.Request{Path: "/ok"})
	require.NoError(t, err)
}

func TestCall_TimeoutAbandonsTag(t *testing.T) {
	r := rostest.Start(t, func(w *rostest.Writer, req rostest.Req) {
		if req.Path == "/slow" {
			go func() {
				time.Sleep(150 * time.Millisecond)
				w.Send("!done", ".tag="+req.Tag)
			}()
			return
		}
		w.Send("!done", ".tag="+req.Tag)
	})
	s := open(t, r)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := s.Call(ctx, ros.Request{Path: "/slow"})
	require.ErrorIs(t, err, errs.ErrTimeout)
	require.True(t, s.Alive())

	// the late reply for the abandoned tag must not disturb later calls
	time.Sleep(200 * time.Millisecond)
	_, err = s.Call(context.Background(), ros.Request{Path: "/ok"})
	require.NoError(t, err)
}

func TestClose_FailsPendingCalls(t *testing.T) {
	r := rostest.Start(t, func(w *rostest.Writer, req rostest.Req) {
		// never reply
	})
	s := open(t, r)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Call(context.Background(), ros.Request{Path: "/hang"})
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	s.Close()

	require.ErrorIs(t, <-errCh, errs.ErrConnClosed)
	require.False(t, s.Alive())
	require.NoError(t, s.Err())

	// idempotent
	s.Close()
}

func TestCall_AfterCloseFailsFast(t *testing.T) {
	r := rostest.Start(t, nil)
	s := open(t, r)
	s.Close()
	_, err := s.Call(context.Background(), ros.Request{Path: "/ok"})
	require.ErrorIs(t, err, errs.ErrConnClosed)
}

// monitorHandler streams numbered frames until a /cancel for its tag.
func monitorHandler() rostest.Handler {
	var (
		mu    sync.Mutex
		stops = map[string]chan struct{}{}
	)
	return func(w *rostest.Writer, req rostest.Req) {
		switch req.Path {
		case "/monitor":
			stop := make(chan struct{})
			mu.Lock()
			stops[req.Tag] = stop
			mu.Unlock()
			go func(tag string) {
				for seq := 0; ; seq++ {
					select {
					case <-stop:
						return
					case <-time.After(2 * time.Millisecond):
						w.Send("!re", "=seq="+strconv.Itoa(seq), ".tag="+tag)
					}
				}
			}(req.Tag)
		case "/cancel":
			target := req.Args["tag"]
			mu.Lock()
			if c, ok := stops[target]; ok {
				close(c)
				delete(stops, target)
			}
			mu.Unlock()
			w.Send("!trap", "=category=2", "=message=interrupted", ".tag="+target)
			w.Send("!done", ".tag="+target)
			w.Send("!done", ".tag="+req.Tag)
		default:
			w.Send("!done", ".tag="+req.Tag)
		}
	}
}

func TestStream_DeliversInOrderAndCancelIsFinal(t *testing.T) {
	r := rostest.Start(t, monitorHandler())
	s := open(t, r)

	var (
		count atomic.Int64
		last  atomic.Int64
	)
	last.Store(-1)
	st, err := s.Stream(ros.Request{Path: "/monitor"}, func(rep ros.Reply) {
		seq, err := strconv.ParseInt(rep.Attrs["seq"], 10, 64)
		require.NoError(t, err)
		require.Equal(t, last.Load()+1, seq, "frames must arrive in order")
		last.Store(seq)
		count.Add(1)
	}, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return count.Load() >= 3 },
		time.Second, 5*time.Millisecond)

	require.NoError(t, st.Cancel())
	after := count.Load()
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, after, count.Load(), "no callbacks after Cancel returned")

	// session still serves one-shot calls
	_, err = s.Call(context.Background(), ros.Request{Path: "/ok"})
	require.NoError(t, err)

	// second cancel is a no-op
	require.NoError(t, st.Cancel())
}

func TestStream_RouterSideTermination(t *testing.T) {
	r := rostest.Start(t, func(w *rostest.Writer, req rostest.Req) {
		w.Send("!re", "=seq=0", ".tag="+req.Tag)
		w.Send("!trap", "=category=0", "=message=interface gone", ".tag="+req.Tag)
		w.Send("!done", ".tag="+req.Tag)
	})
	s := open(t, r)

	frames := make(chan ros.Reply, 4)
	streamErr := make(chan error, 1)
	_, err := s.Stream(ros.Request{Path: "/monitor"}, func(rep ros.Reply) {
		frames <- rep
	}, func(err error) {
		streamErr <- err
	})
	require.NoError(t, err)

	select {
	case err := <-streamErr:
		var de *errs.DeviceError
		require.ErrorAs(t, err, &de)
		require.Equal(t, "interface gone", de.Message)
	case <-time.After(time.Second):
		t.Fatal("stream error not delivered")
	}
	require.Len(t, frames, 1)
}

func TestKeepalive_MarksDeadSessionOnSilence(t *testing.T) {
	var mute atomic.Bool
	r := rostest.Start(t, func(w *rostest.Writer, req rostest.Req) {
		if mute.Load() {
			return
		}
		w.Send("!done", ".tag="+req.Tag)
	})

	identity := r.Identity("r1", 200*time.Millisecond)
	s, err := ros.Open(context.Background(), identity, zap.NewNop(),
		ros.WithKeepalive(50*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(s.Close)

	mute.Store(true)
	select {
	case <-s.Done():
		require.Error(t, s.Err())
	case <-time.After(2 * time.Second):
		t.Fatal("keepalive did not detect a silent router")
	}
}

func TestFatal_TearsDownSession(t *testing.T) {
	r := rostest.Start(t, func(w *rostest.Writer, req rostest.Req) {
		w.Send("!fatal", "session terminated")
	})
	s := open(t, r)

	_, err := s.Call(context.Background(), ros.Request{Path: "/any"})
	require.ErrorIs(t, err, errs.ErrConnClosed)
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("fatal reply did not close the session")
	}
	require.EqualError(t, s.Err(), fmt.Sprintf("device fatal: %s", "session terminated"))
}
