package forward

import (
	"net"
	"time"

	"github.com/jroosing/hydradns/internal/actor"
	"github.com/jroosing/hydradns/internal/dns"
	"github.com/jroosing/hydradns/internal/reqmap"
)

// clientState is a ForwardClientState (spec §3/§4.4): the per-query state
// machine walking the upstream list on behalf of every client coalesced
// onto the same (qname, qtype, qclass). All mutation of its fields happens
// on its own actor goroutine, so attempt/advance/finish read and write
// idx, udpExhausted, and generation without a mutex.
type clientState struct {
	engine *Engine
	actor  *actor.Actor

	idx          int
	udpExhausted bool
	generation   int
	finished     bool

	request  []byte
	question dns.Question

	replies []ReplyFunc
	cancels []func()
}

func newClientState(e *Engine, request []byte, q dns.Question) *clientState {
	return &clientState{engine: e, actor: actor.New(), request: request, question: q}
}

func (s *clientState) start() {
	s.actor.Go(s.attempt)
}

// attempt implements spec §4.4's per-attempt TryForwardPacket(state). It
// must only ever run on s.actor's goroutine.
func (s *clientState) attempt() {
	if s.finished {
		return
	}
	upstreams := s.engine.snapshotUpstreams()
	if s.idx >= len(upstreams) {
		s.finishExhausted()
		return
	}
	up := upstreams[s.idx]
	if up.Proto == ProtoDoT {
		s.udpExhausted = true
	}

	if err := randomizeID(s.request); err != nil {
		s.finishExhausted()
		return
	}

	gen := s.generation
	hopIdx := s.idx

	var cancelXport reqmap.CancelFunc
	var err error
	if !s.udpExhausted {
		cancelXport, err = s.sendUDP(up, hopIdx, gen)
	} else {
		cancelXport, err = s.sendTCP(up, gen)
	}
	if err != nil {
		s.engine.logger.Warn("forward attempt send failed", "upstream", up.Addr, "error", err)
		s.advance(gen)
		return
	}
	if cancelXport != nil {
		s.cancels = append(s.cancels, func() { cancelXport() })
	}

	udpTimeout, tcpTimeout := s.engine.timeouts()
	timeout := udpTimeout
	if s.udpExhausted {
		timeout = tcpTimeout
	}
	timer := time.AfterFunc(timeout, func() {
		s.actor.Go(func() { s.onTimeout(gen) })
	})
	s.cancels = append(s.cancels, func() { timer.Stop() })
}

// sendUDP resolves up's address and sends over the pool's single shared
// UDP socket for that address family (spec §3/§4.4: "at most one UDP
// socket per address family"), rather than dialing a socket per upstream.
func (s *clientState) sendUDP(up Upstream, hopIdx, gen int) (reqmap.CancelFunc, error) {
	addr, err := net.ResolveUDPAddr("udp", hostPort(up.Addr, defaultPort(ProtoPlain)))
	if err != nil {
		return nil, err
	}
	sock, err := s.engine.pool.getUDPSocket(addr.IP.To4() == nil)
	if err != nil {
		return nil, err
	}
	return sock.send(addr, s.request, func(resp []byte) {
		s.actor.Go(func() { s.onUDPResponse(resp, hopIdx, gen) })
	})
}

func (s *clientState) sendTCP(up Upstream, gen int) (reqmap.CancelFunc, error) {
	dial := dialTCP
	if up.Proto == ProtoDoT {
		dial = dialTLS
	}
	c, err := s.engine.pool.get(up, func() (net.Conn, error) { return dial(up) })
	if err != nil {
		return nil, err
	}
	return c.send(s.request, func(resp []byte) {
		s.actor.Go(func() { s.onTCPResponse(resp, gen) })
	})
}

// onUDPResponse handles spec §4.4's UDP response callback: a truncated
// response re-enters the state machine at the same upstream over TCP; an
// untruncated one completes the request.
func (s *clientState) onUDPResponse(resp []byte, hopIdx, gen int) {
	if s.finished || gen != s.generation {
		return
	}
	if dns.IsTruncated(resp) {
		s.idx = hopIdx
		s.udpExhausted = true
		s.generation++
		s.attempt()
		return
	}
	s.finish(resp, true)
}

// onTCPResponse handles the TCP/TLS response callback: empty or truncated
// means the upstream couldn't answer over this transport either, so the
// state machine advances to the next upstream.
func (s *clientState) onTCPResponse(resp []byte, gen int) {
	if s.finished || gen != s.generation {
		return
	}
	if len(resp) == 0 || dns.IsTruncated(resp) {
		s.advance(gen)
		return
	}
	s.finish(resp, true)
}

func (s *clientState) onTimeout(gen int) {
	if s.finished || gen != s.generation {
		return
	}
	s.advance(gen)
}

func (s *clientState) advance(gen int) {
	if gen != s.generation {
		return
	}
	s.idx++
	s.udpExhausted = false
	s.generation++
	s.attempt()
}

func (s *clientState) finishExhausted() {
	pkt := dns.Packet{
		Header: dns.Header{
			Flags:   dns.QRFlag | dns.RAFlag | uint16(dns.RCodeServFail),
			QDCount: 1,
		},
		Questions: []dns.Question{s.question},
	}
	resp, err := pkt.Marshal()
	if err != nil {
		s.finished = true
		s.teardown()
		return
	}
	s.finish(resp, false)
}

// finish delivers resp to every queued client reply, in FIFO attachment
// order, then — for genuine upstream responses only, never the
// synthesized exhaustion failure — feeds it to the cache, then tears down.
func (s *clientState) finish(resp []byte, cacheable bool) {
	if s.finished {
		return
	}
	s.finished = true
	for _, r := range s.replies {
		if err := r(resp); err != nil {
			s.engine.logger.Warn("forward reply delivery failed", "error", err)
		}
	}
	if cacheable && s.engine.cache != nil {
		if err := s.engine.cache.Store(resp); err != nil {
			s.engine.logger.Warn("forward cache store failed", "error", err)
		}
	}
	s.teardown()
}

// teardown invokes every collected cancellation token in insertion order
// (spec §5 Cancellation) and stops the state's actor.
func (s *clientState) teardown() {
	for _, c := range s.cancels {
		c()
	}
	s.actor.Stop()
}
