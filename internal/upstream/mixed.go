package upstream

import (
	"context"
	"sync"
	"time"
)

// MixedSocket wraps a UDPSocket and a TCPSocket for one peer and
// implements the UdpTcp query option's escalation ladder: UDP-first with a
// retransmit-then-prewarm-TCP-then-escalate sequence while the peer looks
// healthy over UDP, TCP-first once it doesn't.
type MixedSocket struct {
	udp *UDPSocket
	tcp *TCPSocket

	retransmitInterval    time.Duration
	udpToTCPFallbackCount int

	mu             sync.Mutex
	udpTimeoutRuns int
}

// NewMixedSocket builds the UdpTcp coordinator for peerAddr, sharing one
// Config between the UDP and TCP legs.
func NewMixedSocket(peerAddr string, cfg Config) *MixedSocket {
	cfg = cfg.normalized()
	return &MixedSocket{
		udp:                   NewUDPSocket(peerAddr, cfg),
		tcp:                   NewTCPSocket(peerAddr, cfg),
		retransmitInterval:    cfg.RetransmitInterval,
		udpToTCPFallbackCount: cfg.UDPToTCPFallbackCount,
	}
}

// Start eagerly establishes both legs; a failure on either is not fatal
// here, since queries re-attempt InitConnection lazily.
func (m *MixedSocket) Start(ctx context.Context) error {
	udpErr := m.udp.Start(ctx)
	tcpErr := m.tcp.Start(ctx)
	if udpErr != nil {
		return udpErr
	}
	return tcpErr
}

// Shutdown tears down both legs.
func (m *MixedSocket) Shutdown() {
	m.udp.Shutdown()
	m.tcp.Shutdown()
}

// Enable/Disable apply to both legs: the ladder treats "Blocked" per leg,
// not as a single combined state, so a caller wanting to force TCP-only
// disables the UDP leg directly via UDP()/TCP() accessors instead.
func (m *MixedSocket) Enable() {
	m.udp.Enable()
	m.tcp.Enable()
}

func (m *MixedSocket) Disable() {
	m.udp.Disable()
	m.tcp.Disable()
}

// UDP and TCP expose the underlying legs, so callers can Disable just one
// (e.g. an admin operator blocking UDP to a peer known to truncate).
func (m *MixedSocket) UDP() *UDPSocket { return m.udp }
func (m *MixedSocket) TCP() *TCPSocket { return m.tcp }

func (m *MixedSocket) udpBlocked() bool {
	m.udp.state.mu.RLock()
	defer m.udp.state.mu.RUnlock()
	return m.udp.state.kind == stateBlocked
}

func (m *MixedSocket) tcpBlocked() bool {
	m.tcp.state.mu.RLock()
	defer m.tcp.state.mu.RUnlock()
	return m.tcp.state.kind == stateBlocked
}

func (m *MixedSocket) udpTimeoutCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.udpTimeoutRuns
}

func (m *MixedSocket) recordUDPTimeout() {
	m.mu.Lock()
	m.udpTimeoutRuns++
	m.mu.Unlock()
}

// recordUDPSuccess resets the UDP-timeout counter to zero on the first
// successful UDP response, the resolution recorded in DESIGN.md for
// spec.md §9's UDP-timeout-counter reset open question.
func (m *MixedSocket) recordUDPSuccess() {
	m.mu.Lock()
	m.udpTimeoutRuns = 0
	m.mu.Unlock()
}

// Query runs the UdpTcp escalation ladder for one question: issue over
// UDP unless the peer has recently been unreliable over UDP (or is
// Blocked), racing a retransmit-then-escalate timer against the UDP
// response; fall through to TCP either immediately or once the ladder
// escalates.
func (m *MixedSocket) Query(ctx context.Context, qk QuestionKey, reqBytes []byte) ([]byte, error) {
	if m.udpTimeoutCount() >= m.udpToTCPFallbackCount && !m.tcpBlocked() {
		return m.queryTCP(ctx, qk, reqBytes)
	}
	if m.udpBlocked() {
		return m.queryTCP(ctx, qk, reqBytes)
	}
	return m.queryLadder(ctx, qk, reqBytes)
}

// queryLadder runs the UDP-first ladder: a 100ms tick pre-warms TCP while
// retransmitting over UDP, a second 100ms tick escalates to TCP outright,
// abandoning further UDP retransmission. A response from either
// transmission resolves the query; at most one wire-level resend happens
// per timer tick.
func (m *MixedSocket) queryLadder(ctx context.Context, qk QuestionKey, reqBytes []byte) ([]byte, error) {
	type outcome struct {
		resp []byte
		err  error
	}
	udpResult := make(chan outcome, 1)
	go func() {
		resp, err := m.udp.Query(ctx, qk, reqBytes)
		udpResult <- outcome{resp, err}
	}()

	timer := time.NewTimer(m.retransmitInterval)
	defer timer.Stop()
	prewarmed := false
	var tcpResult chan outcome

	for {
		select {
		case res := <-udpResult:
			if res.err == nil {
				m.recordUDPSuccess()
			} else {
				m.recordUDPTimeout()
			}
			return res.resp, res.err

		case res := <-tcpResult:
			// Escalated: a TCP answer resolves the query; UDP retransmission
			// is abandoned but its goroutine is left to finish on its own.
			return res.resp, res.err

		case <-timer.C:
			if !prewarmed {
				// First tick: retransmit over UDP and pre-warm the TCP
				// connection so the second tick's escalation does not also
				// pay connect latency.
				prewarmed = true
				m.udp.Retransmit(qk, reqBytes)
				go func() {
					warmCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
					defer cancel()
					_, _, _ = m.tcp.ensureManaged(warmCtx)
				}()
				timer.Reset(m.retransmitInterval)
				continue
			}
			// Second tick: escalate to TCP outright.
			tcpResult = make(chan outcome, 1)
			go func() {
				resp, err := m.tcp.Query(ctx, qk, reqBytes)
				tcpResult <- outcome{resp, err}
			}()

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (m *MixedSocket) queryTCP(ctx context.Context, qk QuestionKey, reqBytes []byte) ([]byte, error) {
	if m.tcpBlocked() {
		return m.udp.Query(ctx, qk, reqBytes)
	}
	return m.tcp.Query(ctx, qk, reqBytes)
}
