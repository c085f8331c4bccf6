// Package awake provides a GC-friendly rendering of an at-most-once wake
// signal: exactly one "awake" event is delivered to any number of waiters,
// and a waiter that registers after the signal has already fired observes
// it immediately instead of blocking forever.
//
// The reference implementation behind this package used a lock-free
// intrusive linked list of waker entries so that awaiting a token never
// allocated and never blocked a reader lock. Under a garbage collector that
// guarantee buys little: a mutex-guarded slice of channels gives the same
// externally observable semantics (no lost wakes, at-most-once delivery,
// late subscribers see the already-awoken state) at a fraction of the
// complexity.
package awake

import "sync"

// Token is a single-shot broadcast signal. The zero value is not usable;
// construct one with New.
type Token struct {
	mu      sync.Mutex
	awoken  bool
	waiters []chan struct{}
}

// New creates a Token in the not-yet-awoken state.
func New() *Token {
	return &Token{}
}

// Awake fires the token, waking every current and future waiter. Calling
// Awake more than once has no effect after the first call.
func (t *Token) Awake() {
	t.mu.Lock()
	if t.awoken {
		t.mu.Unlock()
		return
	}
	t.awoken = true
	waiters := t.waiters
	t.waiters = nil
	t.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
}

// Awoken reports whether Awake has already been called.
func (t *Token) Awoken() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.awoken
}

// Wait returns a channel that is closed when the token is awoken. If the
// token is already awoken, the returned channel is already closed.
func (t *Token) Wait() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.awoken {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	ch := make(chan struct{})
	t.waiters = append(t.waiters, ch)
	return ch
}
