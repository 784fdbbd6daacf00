package ros

import "sync"

// Stream is a live subscription to a streaming command. Callbacks run on
// the session's reader goroutine; once Cancel returns, no further
// callback is invoked.
type Stream struct {
	sess   *Session
	tag    string
	onData func(Reply)
	onErr  func(error)

	err error // trap recorded by the reader until the closing !done

	mu        sync.Mutex // guards cancelled and serializes callbacks
	cancelled bool
}

// deliver hands one data reply to the subscriber unless it cancelled.
func (st *Stream) deliver(rep Reply) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.cancelled {
		return
	}
	st.onData(rep)
}

// terminate marks the stream finished from the session side. A non-nil
// err reaches onErr; cancellation and clean closes stay silent.
func (st *Stream) terminate(err error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.cancelled {
		return
	}
	st.cancelled = true
	if err != nil && st.onErr != nil {
		st.onErr(err)
	}
}

// Cancel stops the stream: the subscriber sees no callbacks after Cancel
// returns, the tag is unregistered, and a protocol-level cancel sentence
// is sent for it. Safe to call more than once.
func (st *Stream) Cancel() error {
	st.mu.Lock()
	if st.cancelled {
		st.mu.Unlock()
		return nil
	}
	st.cancelled = true
	st.mu.Unlock()

	st.sess.removeStream(st.tag)
	if !st.sess.Alive() {
		return nil
	}

	// register a discard waiter so the cancel's own !done is consumed
	// silently instead of tripping the unknown-tag warning
	ctag := st.sess.nextTag()
	st.sess.mu.Lock()
	if !st.sess.closed {
		st.sess.pending[ctag] = &pendingCall{ch: make(chan callOutcome, 1)}
	}
	st.sess.mu.Unlock()

	return st.sess.write(Request{
		Path: "/cancel",
		Args: map[string]string{"tag": st.tag},
	}.words(ctag))
}
