// Package forward implements the forward engine described in spec §4.4: it
// deduplicates incoming queries, walks the configured upstream list,
// escalates UDP to TCP on truncation, advances on timeout or failure, and
// reuses TCP/TLS connections across requests.
//
// Grounded primarily on original_source/src/dns/forward.cc's
// TryForwardPacket two-overload design (per-attempt state machine plus a
// coalescing entry point) for the shape of the state machine — idx
// advance, udp_exhausted flag, 250ms/1000ms timers, per-attempt id
// randomization, cancellation-token vector — and on the teacher's
// internal/resolvers/forwarding_resolver.go for the idiomatic Go
// realization of connection handling (pooling, TCP framing, response
// validation). The teacher's synchronous, context-scoped Resolve call is
// generalized here into the actor-driven, callback/coalescing model spec.md
// §4.4/§5 actually specifies.
package forward

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jroosing/hydradns/internal/cache"
	"github.com/jroosing/hydradns/internal/dns"
	"github.com/jroosing/hydradns/internal/reqmap"
)

// Default per-attempt timeouts, per spec §4.4: "Arm a timeout: 250 ms for
// UDP attempts, 1000 ms for TCP attempts."
const (
	DefaultUDPAttemptTimeout = 250 * time.Millisecond
	DefaultTCPAttemptTimeout = 1000 * time.Millisecond
)

// ReplyFunc delivers a serialized response to the original client.
type ReplyFunc func([]byte) error

var (
	// ErrNoUpstreams is returned when TryForward is called with an empty
	// upstream list.
	ErrNoUpstreams = errors.New("forward: no upstream servers configured")
	// ErrBadQuestion is returned when the message does not carry exactly
	// one question.
	ErrBadQuestion = errors.New("forward: expected exactly one question")
	// ErrRecursionNotDesired is returned when the query's RD bit is unset.
	ErrRecursionNotDesired = errors.New("forward: recursion not desired")
)

// Engine is the forward engine. One Engine serves an entire process; it
// owns the in-flight forward-requests map, the UDP retransmit-dedupe map,
// and the pool of persistent upstream connections.
type Engine struct {
	mu        sync.RWMutex
	upstreams []Upstream

	reqs   *reqmap.Map // coalescing map: (0, "", qtype, qname) -> *clientState
	dedupe *reqmap.Map // retransmit guard: (0, peer, qtype, qname) -> struct{}

	pool *connPool

	cache *cache.Cache // optional; nil disables cache population

	udpTimeout time.Duration
	tcpTimeout time.Duration

	logger *slog.Logger
}

// New creates an Engine. c may be nil to disable caching of forwarded
// responses (the dispatcher still owns cache lookups independently).
func New(c *cache.Cache, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		reqs:       reqmap.New(),
		dedupe:     reqmap.New(),
		pool:       newConnPool(),
		cache:      c,
		udpTimeout: DefaultUDPAttemptTimeout,
		tcpTimeout: DefaultTCPAttemptTimeout,
		logger:     logger,
	}
}

// SetTimeouts overrides the default per-attempt timeouts (used by tests to
// run the state machine's advance/escalation paths quickly).
func (e *Engine) SetTimeouts(udp, tcp time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.udpTimeout = udp
	e.tcpTimeout = tcp
}

func (e *Engine) timeouts() (udp, tcp time.Duration) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.udpTimeout, e.tcpTimeout
}

// AddUpstream appends an upstream server. Safe to call concurrently with
// in-flight requests; existing ForwardClientStates already hold a snapshot
// of the upstream they're using and are unaffected (spec §4.4: "may run
// between queries but must not tear down in-flight state").
func (e *Engine) AddUpstream(u Upstream) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.upstreams = append(e.upstreams, u)
}

// ClearUpstreams removes all configured upstreams.
func (e *Engine) ClearUpstreams() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.upstreams = nil
}

func (e *Engine) snapshotUpstreams() []Upstream {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Upstream, len(e.upstreams))
	copy(out, e.upstreams)
	return out
}

// Close stops the engine's maps and closes all pooled connections.
func (e *Engine) Close() {
	e.reqs.Close()
	e.dedupe.Close()
	e.pool.closeAll()
}

// TryForward is spec §4.4's TryForwardPacket(peer, buf, len, msg, reply)
// coalescing entry point. peer is the client's IP address without port (as a string;
// pass "" to skip retransmit deduplication, e.g. for TCP clients). buf is
// the raw query bytes. reply is invoked once, with the client's original
// transaction id restored, when a response becomes available.
func (e *Engine) TryForward(peer string, buf []byte, reply ReplyFunc) error {
	pkt, err := dns.ParsePacket(buf)
	if err != nil {
		return err
	}
	if len(pkt.Questions) != 1 {
		return ErrBadQuestion
	}
	if pkt.Header.Flags&dns.RDFlag == 0 {
		return ErrRecursionNotDesired
	}
	if len(e.snapshotUpstreams()) == 0 {
		return ErrNoUpstreams
	}

	q := pkt.Questions[0]
	qname := dns.NormalizeName(q.Name)
	originalID := pkt.Header.ID

	var dedupeCancel reqmap.CancelFunc
	if peer != "" {
		if _, dup := e.dedupe.Lookup(0, peer, q.Type, qname); dup {
			return nil
		}
		dedupeCancel, err = e.dedupe.Insert(0, peer, q.Type, qname, struct{}{})
		if err != nil {
			return err
		}
	}

	wrappedReply := func(resp []byte) error {
		return reply(patchID(resp, originalID))
	}

	if v, hit := e.reqs.Lookup(0, "", q.Type, qname); hit {
		state := v.(*clientState)
		state.actor.Go(func() {
			if dedupeCancel != nil {
				state.cancels = append(state.cancels, func() { dedupeCancel() })
			}
			state.replies = append(state.replies, wrappedReply)
		})
		return nil
	}

	request := make([]byte, len(buf))
	copy(request, buf)
	state := newClientState(e, request, q)

	reqCancel, err := e.reqs.Insert(0, "", q.Type, qname, state)
	if err != nil {
		if dedupeCancel != nil {
			dedupeCancel()
		}
		return err
	}
	state.actor.Go(func() {
		state.cancels = append(state.cancels, func() { reqCancel() })
		if dedupeCancel != nil {
			state.cancels = append(state.cancels, func() { dedupeCancel() })
		}
		state.replies = append(state.replies, wrappedReply)
	})
	state.start()
	return nil
}

func patchID(msg []byte, id uint16) []byte {
	if len(msg) < 2 {
		return msg
	}
	out := make([]byte, len(msg))
	copy(out, msg)
	out[0] = byte(id >> 8)
	out[1] = byte(id)
	return out
}
