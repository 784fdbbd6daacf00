package ros

import (
	"bufio"
	"bytes"
	"context"
	"crypto/md5"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/ros-fleet/internal/errs"
	"github.com/and161185/ros-fleet/internal/model"
)

// Default API ports.
const (
	DefaultPort    = 8728
	DefaultTLSPort = 8729
)

const (
	defaultTimeout = 10 * time.Second

	// defaultKeepalive is how long a session may sit idle before a
	// probe command is issued.
	defaultKeepalive = 30 * time.Second
)

// Option adjusts session behavior at Open time.
type Option func(*Session)

// WithKeepalive overrides the idle interval between keepalive probes.
func WithKeepalive(d time.Duration) Option {
	return func(s *Session) { s.keepaliveEvery = d }
}

// Session is one authenticated, multiplexed connection to a single
// router. A background reader decodes incoming sentences and routes
// them by tag to pending one-shot calls and stream subscribers.
type Session struct {
	identity       model.RouterIdentity
	conn           net.Conn
	br             *bufio.Reader
	log            *zap.Logger
	timeout        time.Duration
	keepaliveEvery time.Duration

	wmu sync.Mutex // serializes sentence writes

	mu       sync.Mutex
	pending  map[string]*pendingCall
	streams  map[string]*Stream
	closed   bool
	closeErr error

	lastTag      atomic.Uint64
	lastActivity atomic.Int64 // unix nanos of last read or write
	done         chan struct{}
}

type callOutcome struct {
	res *Result
	err error
}

type pendingCall struct {
	replies []Reply
	err     error // trap recorded until the closing !done arrives
	ch      chan callOutcome
}

// Open dials the router, performs the login handshake, and starts the
// background reader and keepalive. The context bounds the whole
// handshake; credential rejection yields errs.ErrAuth.
func Open(ctx context.Context, identity model.RouterIdentity, log *zap.Logger, opts ...Option) (*Session, error) {
	timeout := identity.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	port := identity.Port
	if port == 0 {
		port = DefaultPort
		if identity.UseTLS {
			port = DefaultTLSPort
		}
	}
	addr := net.JoinHostPort(identity.Host, strconv.Itoa(port))

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ros: dial %s: %w: %s", addr, errs.ErrConnect, err)
	}
	if identity.UseTLS {
		tc := tls.Client(conn, &tls.Config{ServerName: identity.Host})
		if err := tc.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("ros: tls handshake %s: %w: %s", addr, errs.ErrConnect, err)
		}
		conn = tc
	}

	s := &Session{
		identity:       identity,
		conn:           conn,
		br:             bufio.NewReader(conn),
		log:            log.With(zap.String("router", identity.ID)),
		timeout:        timeout,
		keepaliveEvery: defaultKeepalive,
		pending:        make(map[string]*pendingCall),
		streams:        make(map[string]*Stream),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.touch()

	// login runs synchronously on the connection before the reader starts
	deadline := time.Now().Add(timeout)
	_ = conn.SetDeadline(deadline)
	if err := s.login(identity.Username, identity.Password); err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})

	go s.readLoop()
	go s.keepalive()
	s.log.Info("session opened", zap.String("addr", addr))
	return s, nil
}

// login performs the credential exchange. Post-6.43 routers accept the
// password in the first sentence; older ones answer with an MD5
// challenge in "ret" that must be hashed with the secret.
func (s *Session) login(user, pass string) error {
	res, err := s.syncCall(Request{Path: "/login", Args: map[string]string{
		"name":     user,
		"password": pass,
	}})
	if err != nil {
		return loginError(err)
	}
	ret, ok := res.Done["ret"]
	if !ok {
		return nil
	}

	challenge, err := hex.DecodeString(ret)
	if err != nil {
		return fmt.Errorf("ros: login challenge: %w", err)
	}
	h := md5.New()
	h.Write([]byte{0})
	io.WriteString(h, pass)
	h.Write(challenge)
	_, err = s.syncCall(Request{Path: "/login", Args: map[string]string{
		"name":     user,
		"response": "00" + hex.EncodeToString(h.Sum(nil)),
	}})
	if err != nil {
		return loginError(err)
	}
	return nil
}

func loginError(err error) error {
	var de *errs.DeviceError
	if errors.As(err, &de) {
		return fmt.Errorf("ros: login: %w: %s", errs.ErrAuth, de.Message)
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return fmt.Errorf("ros: login: %w", errs.ErrTimeout)
	}
	return fmt.Errorf("ros: login: %w: %s", errs.ErrConnect, err)
}

// syncCall writes a request without a tag and reads replies inline until
// the terminal sentence. Only valid before the reader loop starts.
func (s *Session) syncCall(req Request) (*Result, error) {
	if err := s.write(req.words("")); err != nil {
		return nil, err
	}
	res := &Result{}
	for {
		words, err := ReadSentence(s.br)
		if err != nil {
			return nil, err
		}
		rep, err := parseReply(words)
		if err != nil {
			return nil, err
		}
		switch rep.Kind {
		case kindRe:
			res.Replies = append(res.Replies, rep)
		case kindDone:
			res.Done = rep.Attrs
			return res, nil
		case kindTrap, kindFatal:
			return nil, replyError(rep)
		}
	}
}

// Call writes the request with a fresh tag and blocks until its terminal
// reply arrives, the context expires, or the session dies. A context
// deadline abandons the tag without closing the session; the router's
// late reply is then dropped with a warning.
func (s *Session) Call(ctx context.Context, req Request) (*Result, error) {
	tag := s.nextTag()
	pc := &pendingCall{ch: make(chan callOutcome, 1)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("ros: %s: %w", req.Path, errs.ErrConnClosed)
	}
	s.pending[tag] = pc
	s.mu.Unlock()

	if err := s.write(req.words(tag)); err != nil {
		s.fail(fmt.Errorf("write: %w", err))
		return nil, fmt.Errorf("ros: %s: %w", req.Path, errs.ErrConnClosed)
	}

	select {
	case out := <-pc.ch:
		if out.err != nil {
			return nil, fmt.Errorf("ros: %s: %w", req.Path, out.err)
		}
		return out.res, nil
	case <-ctx.Done():
		s.abandon(tag)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("ros: %s: %w", req.Path, errs.ErrTimeout)
		}
		return nil, fmt.Errorf("ros: %s: %w", req.Path, ctx.Err())
	case <-s.done:
		return nil, fmt.Errorf("ros: %s: %w", req.Path, errs.ErrConnClosed)
	}
}

// Stream writes the request and keeps its tag registered: every !re for
// the tag is handed to onData in arrival order until Cancel is called or
// the command terminates on the router side (onErr, may be nil).
func (s *Session) Stream(req Request, onData func(Reply), onErr func(error)) (*Stream, error) {
	if onData == nil {
		return nil, errors.New("ros: stream requires an onData callback")
	}
	tag := s.nextTag()
	st := &Stream{sess: s, tag: tag, onData: onData, onErr: onErr}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("ros: %s: %w", req.Path, errs.ErrConnClosed)
	}
	s.streams[tag] = st
	s.mu.Unlock()

	if err := s.write(req.words(tag)); err != nil {
		s.fail(fmt.Errorf("write: %w", err))
		return nil, fmt.Errorf("ros: %s: %w", req.Path, errs.ErrConnClosed)
	}
	return st, nil
}

// Close tears the session down: cancels all active streams, fails all
// pending calls with ErrConnClosed, and closes the transport. Idempotent.
func (s *Session) Close() {
	s.fail(nil)
}

// Done is closed when the session is no longer usable.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err reports why the session died; nil after an explicit Close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

// Alive reports whether the session can still carry commands.
func (s *Session) Alive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Identity returns the router identity the session was opened with.
func (s *Session) Identity() model.RouterIdentity { return s.identity }

func (s *Session) nextTag() string {
	return strconv.FormatUint(s.lastTag.Add(1), 10)
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// write renders the sentence into one buffer and performs a single
// conn.Write under the write lock.
func (s *Session) write(words []string) error {
	var buf bytes.Buffer
	if err := WriteSentence(&buf, words); err != nil {
		return err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.touch()
	_, err := s.conn.Write(buf.Bytes())
	return err
}

func (s *Session) readLoop() {
	for {
		words, err := ReadSentence(s.br)
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.fail(errs.ErrConnClosed)
			} else {
				s.fail(err)
			}
			return
		}
		s.touch()
		rep, err := parseReply(words)
		if err != nil {
			s.log.Warn("malformed sentence", zap.Error(err))
			continue
		}
		if rep.Kind == kindFatal {
			s.fail(replyError(rep))
			return
		}
		s.dispatch(rep)
	}
}

// dispatch routes one reply by tag. Replies for tags nobody waits on are
// dropped with a warning: the protocol tolerates desync from abandoned
// calls and cancelled streams.
func (s *Session) dispatch(rep Reply) {
	s.mu.Lock()
	if pc, ok := s.pending[rep.Tag]; ok {
		switch rep.Kind {
		case kindRe:
			pc.replies = append(pc.replies, rep)
			s.mu.Unlock()
		case kindTrap:
			pc.err = replyError(rep)
			s.mu.Unlock()
		case kindDone:
			delete(s.pending, rep.Tag)
			s.mu.Unlock()
			if pc.err != nil {
				pc.ch <- callOutcome{err: pc.err}
			} else {
				pc.ch <- callOutcome{res: &Result{Replies: pc.replies, Done: rep.Attrs}}
			}
		}
		return
	}
	if st, ok := s.streams[rep.Tag]; ok {
		switch rep.Kind {
		case kindRe:
			s.mu.Unlock()
			st.deliver(rep)
		case kindTrap:
			st.err = replyError(rep)
			s.mu.Unlock()
		case kindDone:
			delete(s.streams, rep.Tag)
			s.mu.Unlock()
			st.terminate(st.err)
		}
		return
	}
	s.mu.Unlock()
	s.log.Warn("dropping reply for unknown tag",
		zap.String("tag", rep.Tag),
		zap.String("kind", rep.Kind),
	)
}

// abandon releases the waiter slot for a timed-out call.
func (s *Session) abandon(tag string) {
	s.mu.Lock()
	delete(s.pending, tag)
	s.mu.Unlock()
}

func (s *Session) removeStream(tag string) {
	s.mu.Lock()
	delete(s.streams, tag)
	s.mu.Unlock()
}

// fail marks the session dead exactly once and releases everything
// attached to it. A nil err means an explicit Close.
func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.closeErr = err
	streams := make([]*Stream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	s.streams = make(map[string]*Stream)
	s.pending = make(map[string]*pendingCall)
	close(s.done)
	s.mu.Unlock()

	_ = s.conn.Close()
	var streamErr error
	if err != nil {
		streamErr = errs.ErrConnClosed
	}
	for _, st := range streams {
		st.terminate(streamErr)
	}
	if err != nil {
		s.log.Warn("session failed", zap.Error(err))
	} else {
		s.log.Info("session closed")
	}
}

// keepalive probes an idle connection; a probe that cannot complete
// within the configured timeout marks the session dead so the registry
// evicts it. The next caller reconnects.
func (s *Session) keepalive() {
	t := time.NewTicker(s.keepaliveEvery)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			idle := time.Since(time.Unix(0, s.lastActivity.Load()))
			if idle < s.keepaliveEvery {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
			_, err := s.Call(ctx, Request{Path: "/system/identity/print"})
			cancel()
			if err != nil && s.Alive() {
				s.fail(fmt.Errorf("keepalive: %w", err))
				return
			}
		}
	}
}

func replyError(rep Reply) error {
	cat, _ := strconv.Atoi(rep.Attrs["category"])
	return &errs.DeviceError{
		Message:  rep.Attrs["message"],
		Category: cat,
		Fatal:    rep.Kind == kindFatal,
	}
}
