package upstream

import (
	"context"
	"net"
)

// TCPSocket is the TcpSocket transport: one pipelined TCP connection per
// peer, framed with the standard two-byte length prefix.
type TCPSocket struct {
	*genericSocket
}

// NewTCPSocket creates a TCP transport to peerAddr (host:port).
func NewTCPSocket(peerAddr string, cfg Config) *TCPSocket {
	dial := func(ctx context.Context) (connFramer, error) {
		d := net.Dialer{}
		c, err := d.DialContext(ctx, "tcp", peerAddr)
		if err != nil {
			return nil, err
		}
		return &streamFramer{conn: c}, nil
	}
	return &TCPSocket{genericSocket: newGenericSocket(peerAddr, peerAddr, cfg, dial)}
}

// Query issues msg over TCP, coalescing on qk.
func (s *TCPSocket) Query(ctx context.Context, qk QuestionKey, reqBytes []byte) ([]byte, error) {
	return s.genericSocket.Query(ctx, qk, reqBytes)
}
