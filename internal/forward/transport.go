package forward

import (
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/jroosing/hydradns/internal/dns"
	"github.com/jroosing/hydradns/internal/reqmap"
)

// responseCallback is invoked once with the raw bytes of a matched
// response, or never if the attempt is cancelled first.
type responseCallback func(resp []byte)

// conn wraps a persistent TCP/TLS upstream connection. Spec §4.4: "assigns
// a per-connection response map; on connection close, clears the socket
// handle so the next send re-opens." Multiple in-flight requests can share
// one conn via DNS pipelining; pending demultiplexes by transaction id.
//
// UDP does not use conn: spec §3's "at most one UDP socket per address
// family" invariant means UDP sends share a single unconnected socket per
// family (udpSocket, below) across every upstream of that family, rather
// than one dialed socket per upstream.
type conn struct {
	nc      net.Conn
	writeMu sync.Mutex
	pending *reqmap.Map

	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(nc net.Conn) *conn {
	c := &conn{nc: nc, pending: reqmap.New(), closed: make(chan struct{})}
	go c.readLoop()
	return c
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.nc.Close()
		c.pending.Close()
	})
}

func (c *conn) readLoop() {
	defer c.close()
	for {
		frame, err := readTCPFrame(c.nc)
		if err != nil {
			return
		}
		c.dispatch(frame)
	}
}

func (c *conn) dispatch(frame []byte) {
	pkt, err := dns.ParsePacket(frame)
	if err != nil || len(pkt.Questions) != 1 {
		return
	}
	q := pkt.Questions[0]
	cb, found := c.pending.LookupAndRemove(pkt.Header.ID, "", q.Type, dns.NormalizeName(q.Name))
	if !found {
		return
	}
	cb.(responseCallback)(frame)
}

// send writes req (already carrying its final randomized id), length-prefixed
// per the TCP/TLS framing, and registers cb to fire when a reply with the
// same id and question arrives. Returns a cancellation token that removes
// the pending registration without firing cb.
func (c *conn) send(req []byte, cb responseCallback) (reqmap.CancelFunc, error) {
	pkt, err := dns.ParsePacket(req)
	if err != nil || len(pkt.Questions) != 1 {
		return nil, errors.New("forward: request must carry exactly one question")
	}
	q := pkt.Questions[0]
	cancel, err := c.pending.Insert(pkt.Header.ID, "", q.Type, dns.NormalizeName(q.Name), responseCallback(cb))
	if err != nil {
		return nil, err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	var prefix [2]byte
	binary.BigEndian.PutUint16(prefix[:], uint16(len(req)))
	if _, err := c.nc.Write(prefix[:]); err != nil {
		cancel()
		return nil, err
	}
	if _, err := c.nc.Write(req); err != nil {
		cancel()
		return nil, err
	}
	return cancel, nil
}

// udpSocket is a single unconnected UDP socket shared by every upstream of
// one address family (spec §3: "at most one UDP socket per address family
// ... exist concurrently"; §4.4: "UDP send chooses the socket for the
// address family; opens one if not yet bound"). Concurrent sends to
// different upstreams demultiplex their replies through pending, keyed by
// transaction id, question, and the replying peer's address — unlike conn,
// where one dialed/connected socket already implies the peer.
type udpSocket struct {
	pconn   *net.UDPConn
	pending *reqmap.Map

	closeOnce sync.Once
	closed    chan struct{}
}

func newUDPSocket(network string) (*udpSocket, error) {
	pconn, err := net.ListenUDP(network, nil)
	if err != nil {
		return nil, err
	}
	s := &udpSocket{pconn: pconn, pending: reqmap.New(), closed: make(chan struct{})}
	go s.readLoop()
	return s, nil
}

func (s *udpSocket) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.pconn.Close()
		s.pending.Close()
	})
}

func (s *udpSocket) readLoop() {
	defer s.close()
	buf := make([]byte, 65535)
	for {
		n, peer, err := s.pconn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		frame := append([]byte(nil), buf[:n]...)
		s.dispatch(frame, peer)
	}
}

func (s *udpSocket) dispatch(frame []byte, peer *net.UDPAddr) {
	pkt, err := dns.ParsePacket(frame)
	if err != nil || len(pkt.Questions) != 1 {
		return
	}
	q := pkt.Questions[0]
	cb, found := s.pending.LookupAndRemove(pkt.Header.ID, peer.IP.String(), q.Type, dns.NormalizeName(q.Name))
	if !found {
		return
	}
	cb.(responseCallback)(frame)
}

// send registers cb against (id, addr, question) and writes req to addr.
// addr (not a dialed connection) is what lets many upstreams share this
// one socket.
func (s *udpSocket) send(addr *net.UDPAddr, req []byte, cb responseCallback) (reqmap.CancelFunc, error) {
	pkt, err := dns.ParsePacket(req)
	if err != nil || len(pkt.Questions) != 1 {
		return nil, errors.New("forward: request must carry exactly one question")
	}
	q := pkt.Questions[0]
	cancel, err := s.pending.Insert(pkt.Header.ID, addr.IP.String(), q.Type, dns.NormalizeName(q.Name), responseCallback(cb))
	if err != nil {
		return nil, err
	}
	if _, err := s.pconn.WriteToUDP(req, addr); err != nil {
		cancel()
		return nil, err
	}
	return cancel, nil
}

func readTCPFrame(nc net.Conn) ([]byte, error) {
	var prefix [2]byte
	if _, err := readFull(nc, prefix[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(prefix[:])
	if n == 0 {
		return nil, fmt.Errorf("forward: zero-length TCP frame")
	}
	buf := make([]byte, n)
	if _, err := readFull(nc, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readFull(nc net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := nc.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func defaultPort(proto Protocol) string {
	if proto == ProtoDoT {
		return "853"
	}
	return "53"
}

func hostPort(addr, port string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, port)
}

// connPool lazily opens and reuses persistent TCP/TLS connections, one per
// upstream address, self-resetting when the underlying connection closes
// — matching spec §4.4's TCP/TLS send rules. Its two UDP socket slots
// (v4/v6) are shared across every upstream of that family instead, per
// spec §3's "at most one UDP socket per address family" invariant.
type connPool struct {
	mu    sync.Mutex
	conns map[string]*conn // keyed by upstream addr; TCP/TLS only

	udpSockets [2]*udpSocket // index 0: IPv4, index 1: IPv6
}

func newConnPool() *connPool {
	return &connPool{conns: make(map[string]*conn)}
}

func (p *connPool) get(up Upstream, dial func() (net.Conn, error)) (*conn, error) {
	p.mu.Lock()
	if c, ok := p.conns[up.Addr]; ok {
		select {
		case <-c.closed:
			delete(p.conns, up.Addr)
		default:
			p.mu.Unlock()
			return c, nil
		}
	}
	p.mu.Unlock()

	nc, err := dial()
	if err != nil {
		return nil, err
	}
	c := newConn(nc)

	p.mu.Lock()
	p.conns[up.Addr] = c
	p.mu.Unlock()
	return c, nil
}

// getUDPSocket returns the pool's shared UDP socket for the given address
// family, opening it on first use.
func (p *connPool) getUDPSocket(isV6 bool) (*udpSocket, error) {
	slot := 0
	network := "udp4"
	if isV6 {
		slot = 1
		network = "udp6"
	}

	p.mu.Lock()
	if s := p.udpSockets[slot]; s != nil {
		select {
		case <-s.closed:
			p.udpSockets[slot] = nil
		default:
			p.mu.Unlock()
			return s, nil
		}
	}
	p.mu.Unlock()

	s, err := newUDPSocket(network)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.udpSockets[slot] = s
	p.mu.Unlock()
	return s, nil
}

func (p *connPool) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, c := range p.conns {
		c.close()
		delete(p.conns, k)
	}
	for i, s := range p.udpSockets {
		if s != nil {
			s.close()
			p.udpSockets[i] = nil
		}
	}
}

func dialTCP(up Upstream) (net.Conn, error) {
	return net.Dial("tcp", hostPort(up.Addr, defaultPort(ProtoPlain)))
}

func dialTLS(up Upstream) (net.Conn, error) {
	host := up.ServerName
	if host == "" {
		h, _, err := net.SplitHostPort(hostPort(up.Addr, defaultPort(ProtoDoT)))
		if err == nil {
			host = h
		}
	}
	return tls.Dial("tcp", hostPort(up.Addr, defaultPort(ProtoDoT)), &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12})
}
