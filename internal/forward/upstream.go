package forward

// Protocol selects how an Upstream is reached.
type Protocol int

const (
	// ProtoPlain tries UDP first and retries the same upstream over plain
	// TCP when the UDP reply is truncated; a timeout moves on to the next
	// upstream.
	ProtoPlain Protocol = iota
	// ProtoDoT speaks DNS-over-TLS exclusively; UDP is never attempted
	// (spec §4.4: "If u.protocol == DnsOverTls, set state.udp_exhausted =
	// true").
	ProtoDoT
)

// Upstream is one forwarding target.
type Upstream struct {
	// Addr is host:port. Port defaults to 53 for ProtoPlain and 853 for
	// ProtoDoT if omitted.
	Addr string
	Proto Protocol
	// ServerName is the TLS SNI/verification hostname for ProtoDoT; when
	// empty the host portion of Addr is used.
	ServerName string
}
