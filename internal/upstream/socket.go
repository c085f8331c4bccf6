package upstream

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jroosing/hydradns/internal/upstream/awake"
	"github.com/jroosing/hydradns/internal/upstream/rolling"
)

// connFramer abstracts reading and writing one length-or-datagram-framed
// DNS message over an already-established connection. UDP, TCP, and TLS
// each get a thin connFramer implementation (socket_udp.go,
// socket_tcp.go/socket_tls.go share the stream framer); QUIC does not use
// this interface because it opens one stream per query instead of sharing
// a single read/write channel (see socket_quic.go).
type connFramer interface {
	WriteMessage(b []byte) error
	// ReadMessage blocks until the next frame arrives or deadline/close
	// error out the underlying connection.
	ReadMessage() ([]byte, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// stateKind is the transport state machine's variant discriminant.
type stateKind int

const (
	stateNone stateKind = iota
	stateEstablishing
	stateManaged
	stateBlocked
)

// establishResult is what InitConnection publishes to every concurrent
// waiter once a connect attempt resolves.
type establishResult struct {
	conn connFramer
	kill *awake.Token
}

// stateBox is TransportState: {None, Establishing, Managed, Blocked}, one
// per socket. Only one Establishing or Managed may exist at a time; the
// kill token identifies which connect attempt or managed connection a
// listener/runner is bound to, so a stale listener can recognize it has
// been superseded and exit quietly instead of mutating state it no longer
// owns.
type stateBox struct {
	mu        sync.RWMutex
	kind      stateKind
	publisher *awake.Watch[establishResult] // set only during Establishing
	kill      *awake.Token                  // set during Establishing and Managed
	conn      connFramer                    // set only during Managed
}

// pendingQuery is one entry shared between ActiveQueries.inFlight (keyed
// by wire ID) and ActiveQueries.active (keyed by question tuple).
type pendingQuery struct {
	id       uint16
	question QuestionKey
	result   *awake.Watch[queryOutcome]
}

type queryOutcome struct {
	resp []byte
	err  error
}

// activeQueries is ActiveQueries: the per-socket coalescing registry and
// current adaptive timeout.
type activeQueries struct {
	mu       sync.Mutex
	timeout  time.Duration
	inFlight map[uint16]*pendingQuery
	active   map[QuestionKey]*pendingQuery
}

// Config carries the tunables a Socket needs, sourced from
// internal/config's UpstreamConfig.
type Config struct {
	ConnectTimeout    time.Duration
	IdleListenTimeout time.Duration
	MinTimeout        time.Duration
	MaxTimeout        time.Duration

	RollingWindowResponseTimes int
	RollingWindowDrops         int
	DropRateIncreaseThreshold  float64
	DropRateDecreaseThreshold  float64

	// RetransmitStep is the adaptive timeout controller's per-adjustment
	// increment (spec §4.6).
	RetransmitStep time.Duration
	// RetransmitInterval is MixedSocket's UDP retransmit/TCP pre-warm tick
	// interval.
	RetransmitInterval time.Duration
	// UDPToTCPFallbackCount is how many UDP retransmit ticks MixedSocket
	// allows before escalating to TCP outright.
	UDPToTCPFallbackCount int
}

const defaultInitialTimeout = time.Second

func (c Config) normalized() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.IdleListenTimeout <= 0 {
		c.IdleListenTimeout = 120 * time.Second
	}
	if c.MinTimeout <= 0 {
		c.MinTimeout = 50 * time.Millisecond
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = 10 * time.Second
	}
	if c.RollingWindowResponseTimes <= 0 {
		c.RollingWindowResponseTimes = 13
	}
	if c.RollingWindowDrops <= 0 {
		c.RollingWindowDrops = 11
	}
	if c.DropRateIncreaseThreshold <= 0 {
		c.DropRateIncreaseThreshold = 0.20
	}
	if c.DropRateDecreaseThreshold <= 0 {
		c.DropRateDecreaseThreshold = 0.01
	}
	if c.RetransmitStep <= 0 {
		c.RetransmitStep = 50 * time.Millisecond
	}
	if c.RetransmitInterval <= 0 {
		c.RetransmitInterval = 100 * time.Millisecond
	}
	if c.UDPToTCPFallbackCount <= 0 {
		c.UDPToTCPFallbackCount = 4
	}
	return c
}

// genericSocket implements the Transport State Machine, ActiveQueries,
// InitConnection, Listener, and QueryRunner components for any stream-like
// transport (UDP, TCP, TLS) whose framing and dialing are supplied by the
// embedding UDPSocket/TCPSocket/TLSSocket via the dial field.
type genericSocket struct {
	peerAddr string
	peerName string
	cfg      Config

	dial func(ctx context.Context) (connFramer, error)

	state stateBox
	aq    activeQueries

	respTime *rolling.Average
	dropRate *rolling.Average
}

func newGenericSocket(peerAddr, peerName string, cfg Config, dial func(ctx context.Context) (connFramer, error)) *genericSocket {
	cfg = cfg.normalized()
	return &genericSocket{
		peerAddr: peerAddr,
		peerName: peerName,
		cfg:      cfg,
		dial:     dial,
		aq: activeQueries{
			timeout:  defaultInitialTimeout,
			inFlight: map[uint16]*pendingQuery{},
			active:   map[QuestionKey]*pendingQuery{},
		},
		respTime: rolling.New(cfg.RollingWindowResponseTimes),
		dropRate: rolling.New(cfg.RollingWindowDrops),
	}
}

// Start eagerly establishes the transport.
func (s *genericSocket) Start(ctx context.Context) error {
	_, _, err := s.ensureManaged(ctx)
	return err
}

// Shutdown drives the transport state to None, waking every waiter bound
// to the current kill token.
func (s *genericSocket) Shutdown() {
	s.state.mu.Lock()
	kill := s.state.kill
	if conn := s.state.conn; conn != nil {
		_ = conn.Close()
	}
	s.state.kind = stateNone
	s.state.conn = nil
	s.state.kill = nil
	s.state.publisher = nil
	s.state.mu.Unlock()
	if kill != nil {
		kill.Awake()
	}
}

// Enable clears Blocked, allowing future queries to establish a transport.
func (s *genericSocket) Enable() {
	s.state.mu.Lock()
	if s.state.kind == stateBlocked {
		s.state.kind = stateNone
	}
	s.state.mu.Unlock()
}

// Disable shuts down any connection/attempt in progress and marks the
// transport Blocked until Enable is called.
func (s *genericSocket) Disable() {
	s.Shutdown()
	s.state.mu.Lock()
	s.state.kind = stateBlocked
	s.state.mu.Unlock()
}

// Query is the Coalescing Query Future entry point: join an in-flight
// query for the same question, or allocate an ID and spawn a QueryRunner.
func (s *genericSocket) Query(ctx context.Context, qk QuestionKey, reqBytes []byte) ([]byte, error) {
	s.aq.mu.Lock()
	if pq, ok := s.aq.active[qk]; ok {
		s.aq.mu.Unlock()
		return s.awaitResult(ctx, pq)
	}

	id, ok := s.allocateIDLocked()
	if !ok {
		s.aq.mu.Unlock()
		return nil, fmt.Errorf("upstream: query id space exhausted")
	}
	pq := &pendingQuery{id: id, question: qk, result: awake.NewWatch[queryOutcome]()}
	s.aq.inFlight[id] = pq
	s.aq.active[qk] = pq
	s.aq.mu.Unlock()

	// The runner is spawned as an independent task so it outlives any
	// single subscriber: a caller that abandons ctx does not cancel the
	// in-flight wire query, it just stops waiting on it.
	go s.runQuery(id, reqBytes, pq)

	return s.awaitResult(ctx, pq)
}

func (s *genericSocket) awaitResult(ctx context.Context, pq *pendingQuery) ([]byte, error) {
	select {
	case <-pq.result.Ready():
		out, _ := pq.result.Get()
		return out.resp, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// allocateIDLocked picks a 16-bit wire ID not already present in inFlight,
// by rejection sampling. Caller must hold aq.mu.
func (s *genericSocket) allocateIDLocked() (uint16, bool) {
	if len(s.aq.inFlight) >= 1<<16 {
		return 0, false
	}
	for range 64 {
		id := uint16(rand.IntN(1 << 16))
		if _, taken := s.aq.inFlight[id]; !taken {
			return id, true
		}
	}
	// Fallback to a linear scan if randomness keeps colliding (only
	// reachable when the ID space is nearly saturated).
	for id := range uint32(1 << 16) {
		if _, taken := s.aq.inFlight[uint16(id)]; !taken {
			return uint16(id), true
		}
	}
	return 0, false
}

func (s *genericSocket) deregister(pq *pendingQuery) {
	s.aq.mu.Lock()
	if cur, ok := s.aq.active[pq.question]; ok && cur == pq {
		delete(s.aq.active, pq.question)
	}
	delete(s.aq.inFlight, pq.id)
	s.aq.mu.Unlock()
}

// retransmit resends reqBytes under the wire ID already allocated to qk's
// in-flight pendingQuery, without starting a second coalescing entry. It is
// a no-op if qk has no in-flight query or the transport is not currently
// Managed; used by MixedSocket's ladder to retransmit over UDP on its
// first timer tick.
func (s *genericSocket) retransmit(qk QuestionKey, reqBytes []byte) {
	s.aq.mu.Lock()
	pq, ok := s.aq.active[qk]
	s.aq.mu.Unlock()
	if !ok {
		return
	}
	s.state.mu.RLock()
	conn := s.state.conn
	managed := s.state.kind == stateManaged
	s.state.mu.RUnlock()
	if !managed || conn == nil {
		return
	}
	framed := make([]byte, len(reqBytes))
	copy(framed, reqBytes)
	binary.BigEndian.PutUint16(framed[0:2], pq.id)
	_ = conn.WriteMessage(framed)
}

func (s *genericSocket) currentTimeout() time.Duration {
	s.aq.mu.Lock()
	defer s.aq.mu.Unlock()
	return s.aq.timeout
}

// runQuery is the QueryRunner: acquire the transport, send, await the
// response or a timeout/kill, update the adaptive timeout, deregister.
func (s *genericSocket) runQuery(id uint16, reqBytes []byte, pq *pendingQuery) {
	defer s.deregister(pq)

	conn, kill, err := s.ensureManaged(context.Background())
	if err != nil {
		pq.result.Set(queryOutcome{err: err})
		return
	}

	framed := make([]byte, len(reqBytes))
	copy(framed, reqBytes)
	binary.BigEndian.PutUint16(framed[0:2], id)

	start := time.Now()
	if err := conn.WriteMessage(framed); err != nil {
		pq.result.Set(queryOutcome{err: &IOError{Stage: StageSend, Cause: err}})
		return
	}

	timer := time.NewTimer(s.currentTimeout())
	defer timer.Stop()

	select {
	case <-pq.result.Ready():
		// The listener delivered a frame for this ID before we timed out.
		out, _ := pq.result.Get()
		if out.err == nil {
			s.recordResponse(time.Since(start))
		}
	case <-timer.C:
		pq.result.Set(queryOutcome{err: &TimeoutError{Stage: StageQuery}})
		s.recordDrop()
	case <-kill.Wait():
		pq.result.Set(queryOutcome{err: &ShutdownError{Stage: StageQuery}})
		s.recordNone()
	}
}

// recordResponse, recordDrop, and recordNone feed the adaptive timeout
// controller (spec §4.6): a Responded outcome contributes response time
// and a 0 drop sample; a Dropped (timeout) outcome contributes a 1 drop
// sample only; a None (shutdown) outcome contributes neither.
func (s *genericSocket) recordResponse(elapsed time.Duration) {
	s.respTime.Record(uint32(elapsed.Milliseconds()))
	s.dropRate.Record(0)
	s.updateTimeout()
}

func (s *genericSocket) recordDrop() {
	s.dropRate.Record(1)
	s.updateTimeout()
}

func (s *genericSocket) recordNone() {
	// Shutdown: neither average is sampled.
}

// updateTimeout applies the bounded adaptive timeout update rule.
func (s *genericSocket) updateTimeout() {
	dropRate, _ := s.dropRate.Value()
	respMillis, haveResp := s.respTime.Value()

	s.aq.mu.Lock()
	defer s.aq.mu.Unlock()

	cur := s.aq.timeout
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
		s.aq.timeout = clamp(min(cur+step, 4*avgResp))
	case dropRate >= s.cfg.DropRateIncreaseThreshold:
		s.aq.timeout = clamp(cur + step)
	case dropRate <= s.cfg.DropRateDecreaseThreshold:
		avgResp := time.Duration(respMillis * float64(time.Millisecond))
		s.aq.timeout = clamp(max(cur+step, 2*avgResp))
	default:
		// Between the two thresholds: unchanged.
	}
}

// ensureManaged is InitConnection: it returns the socket's current managed
// connection, lazily establishing one if needed, and resolves races among
// concurrent callers by publishing the result to every waiter via a
// single OnceWatch.
func (s *genericSocket) ensureManaged(ctx context.Context) (connFramer, *awake.Token, error) {
	for {
		s.state.mu.RLock()
		kind := s.state.kind
		switch kind {
		case stateBlocked:
			s.state.mu.RUnlock()
			return nil, nil, &DisabledError{Stage: StageInit}
		case stateManaged:
			conn, kill := s.state.conn, s.state.kill
			s.state.mu.RUnlock()
			return conn, kill, nil
		case stateEstablishing:
			publisher := s.state.publisher
			s.state.mu.RUnlock()
			select {
			case <-publisher.Ready():
				res, ok := publisher.Get()
				if !ok {
					continue // the establisher failed/was abandoned; retry
				}
				return res.conn, res.kill, nil
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			}
		default: // stateNone
			s.state.mu.RUnlock()
			conn, kill, err, won := s.tryEstablish(ctx)
			if !won {
				continue // another caller is establishing; retry the loop
			}
			return conn, kill, err
		}
	}
}

// tryEstablish attempts to become the single establisher for a None-state
// transport. won is false if another caller won the race meanwhile (the
// loop in ensureManaged should retry); when won is true, (conn, kill, err)
// is the final outcome for this call.
func (s *genericSocket) tryEstablish(ctx context.Context) (conn connFramer, kill *awake.Token, err error, won bool) {
	watch := awake.NewWatch[establishResult]()
	killTok := awake.New()

	s.state.mu.Lock()
	if s.state.kind != stateNone {
		s.state.mu.Unlock()
		return nil, nil, nil, false
	}
	s.state.kind = stateEstablishing
	s.state.publisher = watch
	s.state.kill = killTok
	s.state.mu.Unlock()

	connectCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	c, dialErr := s.dial(connectCtx)
	cancel()

	if dialErr != nil {
		watch.Close()
		s.state.mu.Lock()
		if s.state.kind == stateEstablishing && s.state.publisher == watch {
			s.state.kind = stateNone
			s.state.publisher = nil
			s.state.kill = nil
		}
		s.state.mu.Unlock()
		return nil, nil, classifyDialErr(dialErr), true
	}

	s.state.mu.Lock()
	if s.state.kind == stateEstablishing && s.state.publisher == watch {
		s.state.kind = stateManaged
		s.state.conn = c
		s.state.mu.Unlock()
		watch.Set(establishResult{conn: c, kill: killTok})
		go s.listen(c, killTok)
		return c, killTok, nil, true
	}
	s.state.mu.Unlock()

	// Lost the race (e.g. Shutdown/Disable fired while dialing): our
	// connection is redundant. Close the publisher too, so any caller
	// already blocked on <-publisher.Ready() in ensureManaged's
	// stateEstablishing branch is released to retry instead of hanging.
	watch.Close()
	_ = c.Close()
	return nil, nil, nil, false
}

func classifyDialErr(err error) error {
	return &IOError{Stage: StageConnect, Cause: err}
}

// listen is the Listener Task: reads frames off the managed connection and
// dispatches each to its in-flight waiter by wire ID, until the connection
// errors, the kill token fires, or it sits idle past IdleListenTimeout.
func (s *genericSocket) listen(conn connFramer, kill *awake.Token) {
	stop := make(chan struct{})
	go func() {
		select {
		case <-kill.Wait():
			_ = conn.Close()
		case <-stop:
		}
	}()
	defer close(stop)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleListenTimeout))
		frame, err := conn.ReadMessage()
		if err != nil {
			break
		}
		s.dispatch(frame)
	}

	s.state.mu.Lock()
	wasManaged := s.state.kind == stateManaged && s.state.kill == kill
	if wasManaged {
		s.state.kind = stateNone
		s.state.conn = nil
		s.state.kill = nil
		s.state.publisher = nil
	}
	s.state.mu.Unlock()
	if wasManaged {
		kill.Awake()
	}
}

// dispatch routes a response frame to its in-flight waiter by wire ID.
// Frames with no matching waiter are orphan responses and are silently
// discarded, per the error taxonomy's local-recovery policy.
func (s *genericSocket) dispatch(frame []byte) {
	if len(frame) < 2 {
		return // malformed: WireError, drop and continue
	}
	id := binary.BigEndian.Uint16(frame[0:2])

	s.aq.mu.Lock()
	pq, ok := s.aq.inFlight[id]
	s.aq.mu.Unlock()
	if !ok {
		return // orphan response
	}
	pq.result.Set(queryOutcome{resp: frame})
}
