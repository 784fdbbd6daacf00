// Package rostest provides an in-process fake router speaking the API
// wire protocol, for session, registry and facade tests.
package rostest

import (
	"bufio"
	"crypto/md5"
	"encoding/hex"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/and161185/ros-fleet/internal/model"
	"github.com/and161185/ros-fleet/internal/ros"
)

// Req is one decoded command sentence received from a client.
type Req struct {
	Path    string
	Tag     string
	Args    map[string]string
	Queries []string
}

// Writer sends reply sentences back to the client. Safe for concurrent
// use so handlers may reply from their own goroutines.
type Writer struct {
	mu   sync.Mutex
	conn net.Conn
}

// Send writes one reply sentence.
func (w *Writer) Send(words ...string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = ros.WriteSentence(w.conn, words)
}

// Handler reacts to one authenticated command.
type Handler func(w *Writer, req Req)

// Router is a fake device listening on a loopback port. Credentials
// default to api/secret; a non-nil Challenge switches the login exchange
// to the pre-6.43 MD5 scheme.
type Router struct {
	User      string
	Pass      string
	Challenge []byte
	Handle    Handler

	ln net.Listener
}

// Start creates the listener and begins accepting connections. The
// listener is torn down with the test.
func Start(tb testing.TB, h Handler) *Router {
	tb.Helper()
	r := &Router{User: "api", Pass: "secret", Handle: h}
	r.listen(tb)
	return r
}

// StartChallenge is Start with the MD5 challenge login enabled.
func StartChallenge(tb testing.TB, h Handler) *Router {
	tb.Helper()
	r := &Router{User: "api", Pass: "secret", Challenge: []byte("nonce16bytes!!!!"), Handle: h}
	r.listen(tb)
	return r
}

func (r *Router) listen(tb testing.TB) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("rostest: listen: %v", err)
	}
	r.ln = ln
	tb.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go r.serve(conn)
		}
	}()
}

// Identity returns a RouterIdentity pointing at the fake listener.
func (r *Router) Identity(id string, timeout time.Duration) model.RouterIdentity {
	addr := r.ln.Addr().(*net.TCPAddr)
	return model.RouterIdentity{
		ID:       id,
		Host:     "127.0.0.1",
		Port:     addr.Port,
		Username: r.User,
		Password: r.Pass,
		Timeout:  timeout,
	}
}

func (r *Router) serve(conn net.Conn) {
	defer conn.Close()
	br := bufio.NewReader(conn)
	w := &Writer{conn: conn}
	authed := false

	for {
		words, err := ros.ReadSentence(br)
		if err != nil {
			return
		}
		req := decode(words)
		if !authed {
			if req.Path != "/login" {
				w.Send("!fatal", "not logged in")
				return
			}
			authed = r.login(w, req)
			continue
		}
		if r.Handle != nil {
			r.Handle(w, req)
		} else {
			w.Send("!done", ".tag="+req.Tag)
		}
	}
}

func (r *Router) login(w *Writer, req Req) bool {
	if r.Challenge != nil {
		if req.Args["response"] == "" {
			w.Send("!done", "=ret="+hex.EncodeToString(r.Challenge))
			return false
		}
		h := md5.New()
		h.Write([]byte{0})
		io.WriteString(h, r.Pass)
		h.Write(r.Challenge)
		want := "00" + hex.EncodeToString(h.Sum(nil))
		if req.Args["name"] == r.User && req.Args["response"] == want {
			w.Send("!done")
			return true
		}
		w.Send("!trap", "=message=invalid user name or password (6)")
		return false
	}
	if req.Args["name"] == r.User && req.Args["password"] == r.Pass {
		w.Send("!done")
		return true
	}
	w.Send("!trap", "=message=invalid user name or password (6)")
	return false
}

func decode(words []string) Req {
	req := Req{Args: make(map[string]string)}
	if len(words) > 0 {
		req.Path = words[0]
	}
	for _, word := range words[1:] {
		switch {
		case strings.HasPrefix(word, ".tag="):
			req.Tag = word[len(".tag="):]
		case strings.HasPrefix(word, "="):
			k, v, _ := strings.Cut(word[1:], "=")
			req.Args[k] = v
		case strings.HasPrefix(word, "?"):
			req.Queries = append(req.Queries, word)
		}
	}
	return req
}
