package forward

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jroosing/hydradns/internal/cache"
	"github.com/jroosing/hydradns/internal/dns"
)

func buildQuery(id uint16, name string, qtype dns.RecordType) []byte {
	pkt := dns.Packet{
		Header:    dns.Header{ID: id, Flags: dns.RDFlag, QDCount: 1},
		Questions: []dns.Question{{Name: name, Type: uint16(qtype), Class: uint16(dns.ClassIN)}},
	}
	b, err := pkt.Marshal()
	if err != nil {
		panic(err)
	}
	return b
}

func buildAnswer(id uint16, name string, truncated bool) []byte {
	pkt := dns.Packet{
		Header: dns.Header{
			ID:      id,
			Flags:   dns.QRFlag | dns.RAFlag,
			QDCount: 1,
			ANCount: 1,
		},
		Questions: []dns.Question{{Name: name, Type: uint16(dns.TypeA), Class: uint16(dns.ClassIN)}},
		Answers:   []dns.Record{dns.NewIPRecord(dns.NewRRHeader(name, dns.ClassIN, 60), net.IPv4(9, 9, 9, 9))},
	}
	if truncated {
		pkt.Header.Flags |= dns.TCFlag
	}
	b, err := pkt.Marshal()
	if err != nil {
		panic(err)
	}
	return b
}

// fakeUDPUpstream answers every query with a fixed response (id echoed),
// optionally never responding to the first N queries to exercise timeouts.
type fakeUDPUpstream struct {
	pc        net.PacketConn
	truncated bool
	drop      int32 // number of initial queries to silently drop
}

func startFakeUDPUpstream(t *testing.T, truncated bool, drop int32) *fakeUDPUpstream {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	u := &fakeUDPUpstream{pc: pc, truncated: truncated, drop: drop}
	go u.serve(t)
	return u
}

func (u *fakeUDPUpstream) serve(t *testing.T) {
	buf := make([]byte, 4096)
	for {
		n, addr, err := u.pc.ReadFrom(buf)
		if err != nil {
			return
		}
		if atomic.LoadInt32(&u.drop) > 0 {
			atomic.AddInt32(&u.drop, -1)
			continue
		}
		pkt, err := dns.ParsePacket(buf[:n])
		if err != nil {
			continue
		}
		resp := buildAnswer(pkt.Header.ID, pkt.Questions[0].Name, u.truncated)
		_, _ = u.pc.WriteTo(resp, addr)
	}
}

func (u *fakeUDPUpstream) addr() string { return u.pc.LocalAddr().String() }
func (u *fakeUDPUpstream) close()       { _ = u.pc.Close() }

// fakeTCPUpstream answers every query over length-prefixed TCP framing.
type fakeTCPUpstream struct {
	ln net.Listener
}

func startFakeTCPUpstream(t *testing.T) *fakeTCPUpstream {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	u := &fakeTCPUpstream{ln: ln}
	go u.serve()
	return u
}

func (u *fakeTCPUpstream) serve() {
	for {
		c, err := u.ln.Accept()
		if err != nil {
			return
		}
		go u.handle(c)
	}
}

func (u *fakeTCPUpstream) handle(c net.Conn) {
	defer c.Close()
	for {
		frame, err := readTCPFrame(c)
		if err != nil {
			return
		}
		pkt, err := dns.ParsePacket(frame)
		if err != nil {
			continue
		}
		resp := buildAnswer(pkt.Header.ID, pkt.Questions[0].Name, false)
		var prefix [2]byte
		prefix[0] = byte(len(resp) >> 8)
		prefix[1] = byte(len(resp))
		if _, err := c.Write(prefix[:]); err != nil {
			return
		}
		if _, err := c.Write(resp); err != nil {
			return
		}
	}
}

func (u *fakeTCPUpstream) addr() string { return u.ln.Addr().String() }
func (u *fakeTCPUpstream) close()       { _ = u.ln.Close() }

func waitReply(t *testing.T, ch chan []byte) []byte {
	t.Helper()
	select {
	case b := <-ch:
		return b
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for forward reply")
		return nil
	}
}

func TestForwardSimpleUDPSuccess(t *testing.T) {
	up := startFakeUDPUpstream(t, false, 0)
	defer up.close()

	e := New(nil, nil)
	defer e.Close()
	e.AddUpstream(Upstream{Addr: up.addr(), Proto: ProtoPlain})

	ch := make(chan []byte, 1)
	query := buildQuery(0x1234, "example.com", dns.TypeA)
	require.NoError(t, e.TryForward("peer-a", query, func(b []byte) error {
		ch <- b
		return nil
	}))

	resp := waitReply(t, ch)
	parsed, err := dns.ParsePacket(resp)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), parsed.Header.ID, "original client id must be restored")
	require.Len(t, parsed.Answers, 1)
}

func TestForwardTruncationEscalatesToTCP(t *testing.T) {
	tcpUp := startFakeTCPUpstream(t)
	defer tcpUp.close()
	// The always-truncating UDP fake listens on the TCP fake's port, so the
	// escalation to TCP on the same upstream address reaches the TCP fake,
	// which answers in full.
	pc, err := net.ListenPacket("udp", tcpUp.addr())
	require.NoError(t, err)
	udpUp := &fakeUDPUpstream{pc: pc, truncated: true}
	go udpUp.serve(t)
	defer udpUp.close()

	e := New(nil, nil)
	defer e.Close()
	e.AddUpstream(Upstream{Addr: udpUp.addr(), Proto: ProtoPlain})

	ch := make(chan []byte, 1)
	query := buildQuery(0xAAAA, "trunc.example.com", dns.TypeA)
	require.NoError(t, e.TryForward("peer-b", query, func(b []byte) error {
		ch <- b
		return nil
	}))

	resp := waitReply(t, ch)
	assert.False(t, dns.IsTruncated(resp), "a truncated UDP response must not be delivered directly to the client")
	parsed, err := dns.ParsePacket(resp)
	require.NoError(t, err)
	assert.Equal(t, uint16(0xAAAA), parsed.Header.ID)
	require.Len(t, parsed.Answers, 1)
}

func TestForwardUDPTimeoutAdvancesUpstream(t *testing.T) {
	deadUp := startFakeUDPUpstream(t, false, 1<<30) // drops everything
	defer deadUp.close()
	goodUp := startFakeUDPUpstream(t, false, 0)
	defer goodUp.close()

	e := New(nil, nil)
	defer e.Close()
	e.SetTimeouts(50*time.Millisecond, 200*time.Millisecond)
	e.AddUpstream(Upstream{Addr: deadUp.addr(), Proto: ProtoPlain})
	e.AddUpstream(Upstream{Addr: goodUp.addr(), Proto: ProtoPlain})

	ch := make(chan []byte, 1)
	query := buildQuery(0x5555, "retry.example.com", dns.TypeA)
	require.NoError(t, e.TryForward("peer-c", query, func(b []byte) error {
		ch <- b
		return nil
	}))

	resp := waitReply(t, ch)
	parsed, err := dns.ParsePacket(resp)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x5555), parsed.Header.ID)
	require.Len(t, parsed.Answers, 1)
}

func TestForwardExhaustionReturnsServerFailure(t *testing.T) {
	deadUp := startFakeUDPUpstream(t, false, 1<<30)
	defer deadUp.close()

	e := New(nil, nil)
	defer e.Close()
	e.SetTimeouts(30*time.Millisecond, 30*time.Millisecond)
	e.AddUpstream(Upstream{Addr: deadUp.addr(), Proto: ProtoPlain})

	ch := make(chan []byte, 1)
	query := buildQuery(0x9999, "gone.example.com", dns.TypeA)
	require.NoError(t, e.TryForward("peer-d", query, func(b []byte) error {
		ch <- b
		return nil
	}))

	resp := waitReply(t, ch)
	parsed, err := dns.ParsePacket(resp)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x9999), parsed.Header.ID)
	assert.Equal(t, dns.RCodeServFail, dns.RCodeFromFlags(parsed.Header.Flags))
}

func TestForwardCoalescesIdenticalQueries(t *testing.T) {
	up := startFakeUDPUpstream(t, false, 0)
	defer up.close()

	e := New(nil, nil)
	defer e.Close()
	e.AddUpstream(Upstream{Addr: up.addr(), Proto: ProtoPlain})

	ch1 := make(chan []byte, 1)
	ch2 := make(chan []byte, 1)
	q1 := buildQuery(1, "shared.example.com", dns.TypeA)
	q2 := buildQuery(2, "shared.example.com", dns.TypeA)

	require.NoError(t, e.TryForward("peer-e", q1, func(b []byte) error { ch1 <- b; return nil }))
	require.NoError(t, e.TryForward("peer-f", q2, func(b []byte) error { ch2 <- b; return nil }))

	r1 := waitReply(t, ch1)
	r2 := waitReply(t, ch2)

	p1, _ := dns.ParsePacket(r1)
	p2, _ := dns.ParsePacket(r2)
	assert.Equal(t, uint16(1), p1.Header.ID)
	assert.Equal(t, uint16(2), p2.Header.ID)
}

func TestForwardDedupeDropsRetransmit(t *testing.T) {
	up := startFakeUDPUpstream(t, false, 0)
	defer up.close()

	e := New(nil, nil)
	defer e.Close()
	e.AddUpstream(Upstream{Addr: up.addr(), Proto: ProtoPlain})

	var calls int32
	query := buildQuery(7, "dedupe.example.com", dns.TypeA)
	reply := func(b []byte) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}
	require.NoError(t, e.TryForward("same-peer", query, reply))
	require.NoError(t, e.TryForward("same-peer", query, reply))

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "retransmit from the same peer must be dropped, not answered twice")
}

func TestForwardCachesSuccessfulResponse(t *testing.T) {
	up := startFakeUDPUpstream(t, false, 0)
	defer up.close()

	c := cache.New()
	e := New(c, nil)
	defer e.Close()
	e.AddUpstream(Upstream{Addr: up.addr(), Proto: ProtoPlain})

	ch := make(chan []byte, 1)
	query := buildQuery(42, "cacheme.example.com", dns.TypeA)
	require.NoError(t, e.TryForward("peer-g", query, func(b []byte) error { ch <- b; return nil }))
	waitReply(t, ch)

	require.Eventually(t, func() bool { return c.Len() == 1 }, time.Second, 10*time.Millisecond)
}

func TestForwardRejectsMissingRecursionDesired(t *testing.T) {
	e := New(nil, nil)
	defer e.Close()
	e.AddUpstream(Upstream{Addr: "127.0.0.1:1", Proto: ProtoPlain})

	pkt := dns.Packet{
		Header:    dns.Header{ID: 1, QDCount: 1},
		Questions: []dns.Question{{Name: "example.com", Type: uint16(dns.TypeA), Class: uint16(dns.ClassIN)}},
	}
	b, err := pkt.Marshal()
	require.NoError(t, err)

	err = e.TryForward("", b, func([]byte) error { return nil })
	assert.ErrorIs(t, err, ErrRecursionNotDesired)
}

func TestForwardRejectsNoUpstreams(t *testing.T) {
	e := New(nil, nil)
	defer e.Close()

	query := buildQuery(1, "example.com", dns.TypeA)
	err := e.TryForward("", query, func([]byte) error { return nil })
	assert.ErrorIs(t, err, ErrNoUpstreams)
}
