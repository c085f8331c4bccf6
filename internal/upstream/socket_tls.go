package upstream

import (
	"context"
	"crypto/tls"
	"net"
	"strings"
)

// dotALPN is the ALPN protocol ID for DNS-over-TLS (RFC 7858 §6).
const dotALPN = "dot"

// TLSSocket is the TlsSocket transport: one DNS-over-TLS connection per
// peer, framed identically to TCP. A caller has already committed to the
// Tls QueryOption by constructing this type (ParseQueryOption is the
// validation gate, in ForwardingResolver.socketFor), so Query itself takes
// no option parameter.
type TLSSocket struct {
	*genericSocket
}

// NewTLSSocket creates a DNS-over-TLS transport to peerAddr (host:port).
// serverName overrides SNI/certificate verification; if empty, it is
// derived from peerName with any trailing root label stripped.
func NewTLSSocket(peerAddr, peerName, serverName string, insecureSkipVerify bool, cfg Config) *TLSSocket {
	sni := tlsServerName(peerName, serverName)
	tlsCfg := &tls.Config{
		ServerName:         sni,
		NextProtos:         []string{dotALPN},
		InsecureSkipVerify: insecureSkipVerify,
	}

	dial := func(ctx context.Context) (connFramer, error) {
		if sni == "" {
			return nil, ErrInvalidName
		}
		d := tls.Dialer{NetDialer: &net.Dialer{}, Config: tlsCfg}
		c, err := d.DialContext(ctx, "tcp", peerAddr)
		if err != nil {
			return nil, err
		}
		return &streamFramer{conn: c}, nil
	}
	return &TLSSocket{genericSocket: newGenericSocket(peerAddr, peerName, cfg, dial)}
}

// tlsServerName derives the SNI to present: an explicit override if given,
// else the peer name with its trailing root label ("." suffix) stripped,
// since Go's crypto/tls rejects a trailing dot in ServerName.
func tlsServerName(peerName, override string) string {
	if override != "" {
		return strings.TrimSuffix(override, ".")
	}
	return strings.TrimSuffix(peerName, ".")
}

// Query issues msg over DNS-over-TLS, coalescing on qk.
func (s *TLSSocket) Query(ctx context.Context, qk QuestionKey, reqBytes []byte) ([]byte, error) {
	return s.genericSocket.Query(ctx, qk, reqBytes)
}
