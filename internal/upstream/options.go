package upstream

// QueryOption selects which transport (or transport-escalation strategy) a
// query should use.
type QueryOption int

const (
	// UdpTcp issues via UDP with the mixed-transport escalation ladder to
	// TCP (see MixedSocket).
	UdpTcp QueryOption = iota
	// Tcp issues directly over TCP.
	Tcp
	// Tls issues directly over DNS-over-TLS.
	Tls
	// Quic issues directly over DNS-over-QUIC.
	Quic
	// QuicTls is accepted by the API but not implemented.
	QuicTls
	// Https (DNS-over-HTTPS) is accepted by the API but not implemented.
	Https
)

// String returns the human-readable option name.
func (o QueryOption) String() string {
	switch o {
	case UdpTcp:
		return "udp_tcp"
	case Tcp:
		return "tcp"
	case Tls:
		return "tls"
	case Quic:
		return "quic"
	case QuicTls:
		return "quic_tls"
	case Https:
		return "https"
	default:
		return "unknown"
	}
}

// checkSupported reports ErrUnsupportedOption for QueryOption values that
// are part of the public surface but have no implementation.
func checkSupported(o QueryOption) error {
	switch o {
	case QuicTls, Https:
		return ErrUnsupportedOption
	default:
		return nil
	}
}

// ParseQueryOption resolves a configuration string (the same spellings
// String() produces) to a QueryOption, rejecting unsupported and unknown
// values up front rather than at first query.
func ParseQueryOption(s string) (QueryOption, error) {
	for _, o := range []QueryOption{UdpTcp, Tcp, Tls, Quic, QuicTls, Https} {
		if o.String() == s {
			if err := checkSupported(o); err != nil {
				return o, err
			}
			return o, nil
		}
	}
	return UdpTcp, ErrUnsupportedOption
}
