// Package server implements DNS protocol servers for UDP and TCP, and the
// dispatcher that sits between them and the cache/hosts/forward engine.
//
// Goroutine Model:
//
// The server spawns multiple goroutines for handling incoming queries:
//   - UDPServer: 1 receiver + N workers per CPU core
//   - TCPServer: 1 listener per CPU core + 1 handler per active connection
//
// All goroutines are coordinated through a shared context:
//   - Context is cancelled on shutdown signal (SIGINT/SIGTERM)
//   - All goroutines check context regularly and exit cleanly
//   - No long-lived blocking operations without context awareness
package server

import (
	"log/slog"

	"github.com/jroosing/hydradns/internal/cache"
	"github.com/jroosing/hydradns/internal/dns"
	"github.com/jroosing/hydradns/internal/forward"
	"github.com/jroosing/hydradns/internal/hosts"
)

// ReplyFunc delivers a serialized response to the original client.
type ReplyFunc func([]byte) error

// Dispatcher implements spec §4.3's HandleMessage entry point: parse,
// consult cache, consult the local hosts table, or delegate to the
// forward engine, replying with ServerFailure on any step-5-7 error.
//
// Grounded on the teacher's QueryHandler (parse → resolve → log), but
// restructured from its synchronous context-timeout Resolve call into the
// spec's own reply-callback shape, since the underlying forward engine is
// itself callback-driven (spec §4.4/§5) rather than request/response.
type Dispatcher struct {
	Cache   *cache.Cache
	Hosts   *hosts.Table // may be nil if no hosts entries are configured
	Forward *forward.Engine
	Logger  *slog.Logger
}

// HandleMessage implements spec §4.3 steps 1-7. peer is the raw source
// address (IP only, no port, per spec §3's RequestEntry definition) used
// for UDP retransmit dedupe; pass "" for TCP clients, which don't
// retransmit at the UDP layer.
func (d *Dispatcher) HandleMessage(peer string, buf []byte, reply ReplyFunc) {
	logger := d.logger()

	if len(buf) < 3 {
		return // cannot even recover an id; drop
	}
	responseBit := buf[2]&0x80 != 0
	if responseBit {
		// This listener only ever serves client queries; a message with
		// the response bit set here has nothing to correlate against and
		// is dropped (spec §4.3 step 2-3, specialized to server-only mode).
		return
	}

	pkt, err := dns.ParseRequestBounded(buf)
	if err != nil {
		if resp := tryBuildErrorFromRaw(buf, uint16(dns.RCodeFormErr)); resp != nil {
			_ = reply(resp)
		}
		return
	}

	if len(pkt.Questions) != 1 {
		_ = reply(mustMarshal(dns.BuildErrorResponse(pkt, uint16(dns.RCodeFormErr))))
		return
	}
	q := pkt.Questions[0]

	if d.Cache != nil {
		sent, err := d.Cache.Lookup(buf, func(resp []byte) error { return reply(resp) })
		if err != nil {
			logger.Warn("cache lookup failed", "error", err)
			_ = reply(mustMarshal(dns.BuildErrorResponse(pkt, uint16(dns.RCodeServFail))))
			return
		}
		if sent {
			return
		}
	}

	if d.Hosts != nil {
		resp, handled, err := d.Hosts.Lookup(pkt, q)
		if handled {
			if err != nil {
				rcode := dns.RCodeServFail
				if err == hosts.ErrNameKnown {
					rcode = dns.RCodeNXDomain
				}
				_ = reply(mustMarshal(dns.BuildErrorResponse(pkt, uint16(rcode))))
				return
			}
			_ = reply(resp)
			return
		}
	}

	if d.Forward == nil {
		_ = reply(mustMarshal(dns.BuildErrorResponse(pkt, uint16(dns.RCodeServFail))))
		return
	}
	if err := d.Forward.TryForward(peer, buf, func(resp []byte) error { return reply(resp) }); err != nil {
		logger.Warn("forward failed", "error", err, "qname", q.Name)
		_ = reply(mustMarshal(dns.BuildErrorResponse(pkt, uint16(dns.RCodeServFail))))
	}
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// mustMarshal serializes a DNS packet, returning nil on error.
func mustMarshal(p dns.Packet) []byte {
	b, err := p.Marshal()
	if err != nil {
		return nil
	}
	return b
}

// tryBuildErrorFromRaw attempts to construct an error response from raw
// bytes when full parsing failed but the header (and maybe question) can
// still be recovered. Returns nil if even the header cannot be parsed.
func tryBuildErrorFromRaw(reqBytes []byte, rcode uint16) []byte {
	off := 0
	h, err := dns.ParseHeader(reqBytes, &off)
	if err != nil {
		return nil
	}

	var questions []dns.Question
	if h.QDCount > 0 {
		q, err := dns.ParseQuestion(reqBytes, &off)
		if err == nil {
			questions = []dns.Question{q}
		}
	}

	p := dns.Packet{Header: dns.Header{ID: h.ID, Flags: h.Flags}, Questions: questions}
	b, _ := dns.BuildErrorResponse(p, rcode).Marshal()
	return b
}
