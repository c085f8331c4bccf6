package upstream

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/jroosing/hydradns/internal/upstream/awake"
	"github.com/jroosing/hydradns/internal/upstream/rolling"
)

// doqALPN is the ALPN protocol ID for DNS-over-QUIC (RFC 9250 §4.1.1).
const doqALPN = "doq"

// quicPendingQuery is the QUIC analogue of pendingQuery: QUIC needs no wire
// ID to route a response (each query gets its own bidirectional stream,
// per RFC 9250 §4.2), so it is keyed only by question for coalescing.
type quicPendingQuery struct {
	result *awake.Watch[queryOutcome]
}

// QUICSocket is the QuicSocket transport: a lazily-established QUIC
// connection shared across queries, each query getting its own
// bidirectional stream instead of sharing one read/write channel the way
// UDP/TCP/TLS do, so it does not embed genericSocket.
type QUICSocket struct {
	peerAddr string
	cfg      Config
	dial     func(ctx context.Context) (quic.Connection, error)

	mu        sync.Mutex
	conn      quic.Connection
	connWatch *awake.Watch[quic.Connection] // set only while a dial is in flight
	kill      *awake.Token                  // awoken when the current conn is invalidated
	touch     chan struct{}                 // non-blocking nudge consumed by watchIdle

	aqMu   sync.Mutex
	active map[QuestionKey]*quicPendingQuery

	timeoutMu sync.Mutex
	timeout   time.Duration
	respTime  *rolling.Average
	dropRate  *rolling.Average
}

// NewQUICSocket creates a DNS-over-QUIC transport to peerAddr (host:port).
func NewQUICSocket(peerAddr, serverName string, insecureSkipVerify bool, cfg Config) *QUICSocket {
	tlsCfg := &tls.Config{
		ServerName:         serverName,
		NextProtos:         []string{doqALPN},
		InsecureSkipVerify: insecureSkipVerify,
	}
	dial := func(ctx context.Context) (quic.Connection, error) {
		return quic.DialAddr(ctx, peerAddr, tlsCfg, nil)
	}
	cfg = cfg.normalized()
	return &QUICSocket{
		peerAddr: peerAddr,
		cfg:      cfg,
		dial:     dial,
		active:   map[QuestionKey]*quicPendingQuery{},
		touch:    make(chan struct{}, 1),
		timeout:  defaultInitialTimeout,
		respTime: rolling.New(cfg.RollingWindowResponseTimes),
		dropRate: rolling.New(cfg.RollingWindowDrops),
	}
}

// Start eagerly establishes the QUIC connection.
func (s *QUICSocket) Start(ctx context.Context) error {
	_, err := s.getConnection(ctx)
	return err
}

// Shutdown closes the current connection, if any, and wakes anything
// waiting on it. A fresh connection is dialed lazily on the next Query.
func (s *QUICSocket) Shutdown() {
	s.mu.Lock()
	conn := s.conn
	kill := s.kill
	s.conn = nil
	s.connWatch = nil
	s.kill = nil
	s.mu.Unlock()
	if conn != nil {
		_ = conn.CloseWithError(0, "")
	}
	if kill != nil {
		kill.Awake()
	}
}

// getConnection is QUICSocket's InitConnection: it lazily dials, and
// coalesces concurrent dialers onto a single attempt the way
// genericSocket.ensureManaged does for the shared-connection transports.
func (s *QUICSocket) getConnection(ctx context.Context) (quic.Connection, error) {
	for {
		s.mu.Lock()
		switch {
		case s.conn != nil && s.conn.Context().Err() == nil:
			conn := s.conn
			s.mu.Unlock()
			return conn, nil
		case s.connWatch != nil:
			watch := s.connWatch
			s.mu.Unlock()
			select {
			case <-watch.Ready():
				conn, ok := watch.Get()
				if !ok || conn == nil {
					continue // the dialer failed; retry
				}
				return conn, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		default:
			watch := awake.NewWatch[quic.Connection]()
			killTok := awake.New()
			s.connWatch = watch
			s.kill = killTok
			s.mu.Unlock()

			connectCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
			conn, err := s.dial(connectCtx)
			cancel()

			s.mu.Lock()
			if s.connWatch != watch {
				// Superseded by a Shutdown while dialing. Close the
				// publisher too, so any caller already blocked on
				// <-watch.Ready() in the case s.connWatch != nil branch
				// above is released to retry instead of hanging.
				s.mu.Unlock()
				watch.Close()
				if err == nil {
					_ = conn.CloseWithError(0, "")
				}
				continue
			}
			if err != nil {
				s.connWatch = nil
				s.kill = nil
				s.mu.Unlock()
				watch.Close()
				return nil, classifyDialErr(err)
			}
			s.conn = conn
			s.mu.Unlock()
			watch.Set(conn)
			go s.watchIdle(conn)
			return conn, nil
		}
	}
}

// watchIdle tears down conn once no query has touched it for
// IdleListenTimeout, the DoQ analogue of the shared-listener idle timeout
// genericSocket.listen enforces via SetReadDeadline: here there is no
// blocking read loop to apply a deadline to, so idleness is tracked by a
// timer reset on every query's touchIdle call instead.
func (s *QUICSocket) watchIdle(conn quic.Connection) {
	timer := time.NewTimer(s.cfg.IdleListenTimeout)
	defer timer.Stop()
	for {
		select {
		case <-s.touch:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(s.cfg.IdleListenTimeout)
		case <-timer.C:
			s.invalidate(conn)
			_ = conn.CloseWithError(0, "")
			return
		case <-conn.Context().Done():
			return
		}
	}
}

// touchIdle nudges watchIdle's timer without blocking if it isn't currently
// receiving.
func (s *QUICSocket) touchIdle() {
	select {
	case s.touch <- struct{}{}:
	default:
	}
}

// invalidate drops the current connection if it is still the one the
// caller observed failing, so the next query redials instead of reusing a
// dead connection.
func (s *QUICSocket) invalidate(failed quic.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == failed {
		s.conn = nil
		s.connWatch = nil
		s.kill = nil
	}
}

// Query issues msg over DNS-over-QUIC, coalescing on qk.
func (s *QUICSocket) Query(ctx context.Context, qk QuestionKey, reqBytes []byte) ([]byte, error) {
	s.aqMu.Lock()
	if pq, ok := s.active[qk]; ok {
		s.aqMu.Unlock()
		return s.awaitQuicResult(ctx, pq)
	}
	pq := &quicPendingQuery{result: awake.NewWatch[queryOutcome]()}
	s.active[qk] = pq
	s.aqMu.Unlock()

	go s.runQuicQuery(reqBytes, qk, pq)

	return s.awaitQuicResult(ctx, pq)
}

func (s *QUICSocket) awaitQuicResult(ctx context.Context, pq *quicPendingQuery) ([]byte, error) {
	select {
	case <-pq.result.Ready():
		out, _ := pq.result.Get()
		return out.resp, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *QUICSocket) deregisterQuic(qk QuestionKey, pq *quicPendingQuery) {
	s.aqMu.Lock()
	if cur, ok := s.active[qk]; ok && cur == pq {
		delete(s.active, qk)
	}
	s.aqMu.Unlock()
}

// runQuicQuery is the QUIC QueryRunner: it opens one stream per query,
// since DoQ needs no shared listener/dispatch loop the way UDP/TCP/TLS do.
func (s *QUICSocket) runQuicQuery(reqBytes []byte, qk QuestionKey, pq *quicPendingQuery) {
	defer s.deregisterQuic(qk, pq)
	s.touchIdle()

	origID := [2]byte{reqBytes[0], reqBytes[1]}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ConnectTimeout)
	conn, err := s.getConnection(ctx)
	cancel()
	if err != nil {
		pq.result.Set(queryOutcome{err: err})
		return
	}

	start := time.Now()
	resp, err := s.exchange(conn, reqBytes)
	if err != nil {
		s.invalidate(conn)
		// Only a deadline-exceeded exchange counts as a drop sample for the
		// adaptive controller, matching genericSocket.runQuery's
		// timer-only recordDrop; other I/O errors (e.g. a reset stream)
		// leave the rolling averages untouched.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			s.recordDrop()
		}
		pq.result.Set(queryOutcome{err: &IOError{Stage: StageQuery, Cause: err}})
		return
	}
	s.recordResponse(time.Since(start))

	// RFC 9250 leaves correlation to the stream, not the message ID; restore
	// the caller's original ID so downstream dispatch sees what it sent.
	if len(resp) >= 2 {
		resp[0], resp[1] = origID[0], origID[1]
	}
	pq.result.Set(queryOutcome{resp: resp})
}

// recordResponse and recordDrop feed the same adaptive timeout controller
// genericSocket uses (spec §4.6), kept separate per-socket since QUIC has
// no shared stateBox/activeQueries to hang the rolling averages off of.
func (s *QUICSocket) recordResponse(elapsed time.Duration) {
	s.respTime.Record(uint32(elapsed.Milliseconds()))
	s.dropRate.Record(0)
	s.updateTimeout()
}

func (s *QUICSocket) recordDrop() {
	s.dropRate.Record(1)
	s.updateTimeout()
}

// updateTimeout applies the same bounded adaptive timeout update rule as
// genericSocket.updateTimeout.
func (s *QUICSocket) updateTimeout() {
	dropRate, _ := s.dropRate.Value()
	respMillis, haveResp := s.respTime.Value()

	s.timeoutMu.Lock()
	defer s.timeoutMu.Unlock()

	cur := s.timeout
	step := s.cfg.RetransmitStep
	clamp := func(d time.Duration) time.Duration {
		if d < s.cfg.MinTimeout {
			return s.cfg.MinTimeout
		}
		if d > s.cfg.MaxTimeout {
			return s.cfg.MaxTimeout
		}
		return d
	}

	switch {
	case dropRate >= s.cfg.DropRateIncreaseThreshold && haveResp:
		avgResp := time.Duration(respMillis * float64(time.Millisecond))
		s.timeout = clamp(min(cur+step, 4*avgResp))
	case dropRate >= s.cfg.DropRateIncreaseThreshold:
		s.timeout = clamp(cur + step)
	case dropRate <= s.cfg.DropRateDecreaseThreshold:
		avgResp := time.Duration(respMillis * float64(time.Millisecond))
		s.timeout = clamp(max(cur+step, 2*avgResp))
	default:
		// Between the two thresholds: unchanged.
	}
}

// exchange opens a bidirectional stream, writes the length-prefixed query
// with a zeroed message ID (RFC 9250 §4.2.1), half-closes the send side,
// reads the length-prefixed response, and cancels the receive side with
// error code 0 once the full response has been read.
func (s *QUICSocket) exchange(conn quic.Connection, reqBytes []byte) ([]byte, error) {
	streamCtx, cancel := context.WithTimeout(context.Background(), s.currentQuicTimeout())
	defer cancel()

	stream, err := conn.OpenStreamSync(streamCtx)
	if err != nil {
		return nil, err
	}
	defer stream.CancelRead(0)

	_ = stream.SetDeadline(time.Now().Add(s.currentQuicTimeout()))

	framed := make([]byte, 2+len(reqBytes))
	binary.BigEndian.PutUint16(framed[0:2], uint16(len(reqBytes)))
	copy(framed[2:], reqBytes)
	framed[2], framed[3] = 0, 0 // zero the DNS message ID in the wire copy

	if _, err := stream.Write(framed); err != nil {
		return nil, err
	}
	// Close() on a quic.Stream sends the STREAM FIN without closing Read,
	// signalling the server that no further query data is coming.
	if err := stream.Close(); err != nil {
		return nil, err
	}

	var prefix [2]byte
	if _, err := io.ReadFull(stream, prefix[:]); err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint16(prefix[:]))
	if n == 0 {
		return nil, fmt.Errorf("upstream: zero-length DoQ frame")
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(stream, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (s *QUICSocket) currentQuicTimeout() time.Duration {
	s.timeoutMu.Lock()
	defer s.timeoutMu.Unlock()
	return s.timeout
}
