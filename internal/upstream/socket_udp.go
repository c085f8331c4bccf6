package upstream

import (
	"context"
	"net"
)

// maxUDPMessageSize is the receive buffer size for UDP responses; large
// enough for EDNS-advertised payloads well above the legacy 512-byte
// limit, matching the wire protocol's 4092-byte ceiling.
const maxUDPMessageSize = 4096

// UDPSocket is the UdpSocket transport: one UDP "connection" (a connected
// datagram socket) per peer, used directly for the Udp option and as the
// first leg of the MixedSocket escalation ladder.
type UDPSocket struct {
	*genericSocket
}

// NewUDPSocket creates a UDP transport to peerAddr (host:port).
func NewUDPSocket(peerAddr string, cfg Config) *UDPSocket {
	dial := func(ctx context.Context) (connFramer, error) {
		addr, err := net.ResolveUDPAddr("udp", peerAddr)
		if err != nil {
			return nil, err
		}
		d := net.Dialer{}
		c, err := d.DialContext(ctx, "udp", addr.String())
		if err != nil {
			return nil, err
		}
		udpConn, ok := c.(*net.UDPConn)
		if !ok {
			_ = c.Close()
			return nil, ErrInvalidName
		}
		return &datagramFramer{conn: udpConn, maxSize: maxUDPMessageSize}, nil
	}
	return &UDPSocket{genericSocket: newGenericSocket(peerAddr, peerAddr, cfg, dial)}
}

// Query issues msg over UDP, coalescing on qk.
func (s *UDPSocket) Query(ctx context.Context, qk QuestionKey, reqBytes []byte) ([]byte, error) {
	return s.genericSocket.Query(ctx, qk, reqBytes)
}

// Retransmit resends reqBytes for qk's already in-flight query, used by
// MixedSocket's ladder to retry over UDP without opening a second
// coalescing entry.
func (s *UDPSocket) Retransmit(qk QuestionKey, reqBytes []byte) {
	s.genericSocket.retransmit(qk, reqBytes)
}
