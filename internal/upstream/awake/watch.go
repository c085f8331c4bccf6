package awake

import "sync"

// Watch is a single-producer, multi-consumer value cell: Set delivers a
// value to every current and future Get caller exactly once, after which
// the Watch is permanently closed. It models the "OnceWatch" channel used
// throughout the socket state machines to hand a freshly established
// connection (or a termination error) to every task waiting on it.
//
// A Watch that is Close'd without ever being Set delivers the closed,
// no-value outcome to every waiter; this is how a connection attempt that
// is abandoned before completing notifies its waiters that no value will
// ever come.
type Watch[T any] struct {
	mu     sync.Mutex
	value  T
	have   bool
	closed bool
	ready  chan struct{}
}

// NewWatch creates an empty, open Watch.
func NewWatch[T any]() *Watch[T] {
	return &Watch[T]{ready: make(chan struct{})}
}

// Set delivers value to every current and future Get call, then closes the
// Watch. Subsequent calls to Set or Close are no-ops.
func (w *Watch[T]) Set(value T) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.value = value
	w.have = true
	w.closed = true
	close(w.ready)
}

// Close marks the Watch closed without delivering a value. A no-op if the
// Watch is already closed.
func (w *Watch[T]) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	close(w.ready)
}

// Get blocks until Set or Close is called, then returns the delivered
// value (if any) and whether a value was actually delivered. Get may be
// called any number of times, from any number of goroutines, before or
// after the Watch is resolved.
func (w *Watch[T]) Get() (T, bool) {
	<-w.ready
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.value, w.have
}

// Ready returns a channel that is closed once the Watch has been resolved
// (by Set or Close), for use in select statements alongside context
// cancellation or other wake sources.
func (w *Watch[T]) Ready() <-chan struct{} {
	return w.ready
}

// Resolved reports whether Set or Close has already been called.
func (w *Watch[T]) Resolved() bool {
	select {
	case <-w.ready:
		return true
	default:
		return false
	}
}
