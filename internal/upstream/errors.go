// Package upstream implements the per-peer DNS transport dispatcher that
// sits underneath ForwardingResolver: one lazily-established connection
// per peer per transport (UDP/TCP/TLS/QUIC), in-flight query coalescing,
// an adaptive retransmission timeout, and a UDP-to-TCP escalation ladder.
//
// Caching, upstream health/failover, and recursive resolution live one
// layer up in internal/resolvers; this package only ever speaks to one
// upstream peer at a time and knows nothing about questions beyond the
// tuple it coalesces on.
package upstream

import (
	"errors"
	"fmt"
)

// Stage identifies which phase of a connection or query an error occurred
// in, matching the taxonomy's (stage) qualifier.
type Stage string

const (
	StageInit      Stage = "init"
	StageConnect   Stage = "connect"
	StageHandshake Stage = "handshake"
	StageSend      Stage = "send"
	StageQuery     Stage = "query"
	StageListen    Stage = "listen"
)

// Sentinel errors. Callers should use errors.Is against these, not string
// matching; wrapped errors carry the underlying cause via %w.
var (
	// ErrTimeout is returned when an init or query wait elapsed without a
	// result. It contributes a drop sample to the adaptive timeout
	// controller.
	ErrTimeout = errors.New("upstream: timed out")

	// ErrShutdown is returned to every query and init waiter when the
	// socket's kill token fires. It does not count as a drop.
	ErrShutdown = errors.New("upstream: socket shut down")

	// ErrDisabled is returned immediately when a query or init is attempted
	// on a Blocked transport.
	ErrDisabled = errors.New("upstream: transport disabled")

	// ErrInvalidName indicates a bad SNI/peer name; fatal for the current
	// connect attempt.
	ErrInvalidName = errors.New("upstream: invalid peer name")

	// ErrQuicConnect and ErrQuicConnection wrap QUIC-specific handshake and
	// post-handshake transport failures respectively.
	ErrQuicConnect    = errors.New("upstream: QUIC connect failed")
	ErrQuicConnection = errors.New("upstream: QUIC connection error")

	// ErrSend covers serialization failures, write I/O errors, and short
	// writes; always surfaced to the waiting caller.
	ErrSend = errors.New("upstream: send failed")

	// ErrWire indicates a response frame failed to parse in the listener.
	// The frame is dropped and the listener continues.
	ErrWire = errors.New("upstream: malformed response frame")

	// ErrUnsupportedOption is returned by ParseQueryOption for QueryOption
	// values accepted by the API surface but not implemented (Https,
	// QuicTls) and for unrecognized configuration strings. The reference
	// implementation panics on these; a library used from a live query path
	// must not.
	ErrUnsupportedOption = errors.New("upstream: query option not implemented")

	// ErrNoUpstreams is returned when a socket has no configured peer.
	ErrNoUpstreams = errors.New("upstream: no upstream configured")
)

// TimeoutError wraps ErrTimeout with the stage it occurred in.
type TimeoutError struct{ Stage Stage }

func (e *TimeoutError) Error() string { return fmt.Sprintf("upstream: timed out (%s)", e.Stage) }
func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// ShutdownError wraps ErrShutdown with the stage it occurred in.
type ShutdownError struct{ Stage Stage }

func (e *ShutdownError) Error() string { return fmt.Sprintf("upstream: shut down (%s)", e.Stage) }
func (e *ShutdownError) Unwrap() error { return ErrShutdown }

// DisabledError wraps ErrDisabled with the stage it occurred in.
type DisabledError struct{ Stage Stage }

func (e *DisabledError) Error() string { return fmt.Sprintf("upstream: disabled (%s)", e.Stage) }
func (e *DisabledError) Unwrap() error { return ErrDisabled }

// IOError wraps an underlying socket error with the stage it occurred in.
// It does not by itself count as a drop sample unless reached via a
// timeout path.
type IOError struct {
	Stage Stage
	Cause error
}

func (e *IOError) Error() string { return fmt.Sprintf("upstream: io error (%s): %v", e.Stage, e.Cause) }
func (e *IOError) Unwrap() error { return e.Cause }
