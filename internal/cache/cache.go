// Package cache implements the TTL-bounded answer cache described in
// spec §4.5: a mapping from (qname, qtype, qclass) to a group of stored
// answer records plus a response code, where any stale record in a group
// invalidates the whole group. Negative results (no answers, whatever the
// response code) are cached as a single record-less entry that keeps the
// response code, with a fixed 5-minute TTL.
//
// Grounded on internal/resolvers/cache.go's TTLCache[K,V] (LRU via
// container/list, TTL capping, negative-cache defaults) and
// forwarding_resolver.go's analyzeCacheDecision/extractSOAMinimum, but
// restructured around whole-group storage and invalidation instead of a
// per-key LRU, since spec §4.5 requires discarding an entire group the
// moment any one of its records goes stale.
package cache

import (
	"sync"
	"time"

	"github.com/jroosing/hydradns/internal/dns"
)

// NegativeTTL is the fixed TTL applied to negative (no-answer) cache
// entries, per spec §4.5/§8.
const NegativeTTL = 300 * time.Second

type key struct {
	qname  string
	qtype  uint16
	qclass uint16
}

// storedRecord is one cached answer record. rdata is nil for the negative
// placeholder entry stored when a group has no answers.
type storedRecord struct {
	rrType   dns.RecordType
	rrClass  uint16
	inserted time.Time
	ttl      time.Duration
	rdata    []byte
}

func (r storedRecord) stale(now time.Time) bool {
	if r.inserted.After(now) {
		return true
	}
	return r.inserted.Add(r.ttl).Before(now)
}

type group struct {
	rcode   dns.RCode
	records []storedRecord
}

// Cache is the group-based answer cache. It has no background eviction
// loop: staleness is checked lazily on Lookup, matching spec §4.5's
// Lookup algorithm ("if any record ... discard the group entirely").
type Cache struct {
	mu     sync.Mutex
	groups map[key]*group
}

// New creates an empty Cache.
func New() *Cache {
	return &Cache{groups: make(map[key]*group)}
}

func keyFor(q dns.Question) key {
	return key{qname: dns.NormalizeName(q.Name), qtype: q.Type, qclass: q.Class}
}

// ReplyFunc delivers a serialized response to the client. It mirrors the
// reply callback passed through the forward engine and server dispatcher.
type ReplyFunc func([]byte) error

// Lookup implements spec §4.5's Lookup(msg, reply): for the single question
// in msg, locates the group. If any record is stale (inserted+ttl < now, or
// inserted in the future), the group is discarded entirely and Lookup
// returns false. Otherwise it synthesizes a response — echoing the
// question, setting the response and recursion-available flags, the id
// from msg, the response code from the cache, and one Answer per stored
// record with a remaining TTL of (inserted + ttl - now) — serializes it,
// and invokes reply. Returns true iff a reply was sent.
func (c *Cache) Lookup(msg []byte, reply ReplyFunc) (bool, error) {
	pkt, err := dns.ParsePacket(msg)
	if err != nil {
		return false, err
	}
	if len(pkt.Questions) != 1 {
		return false, nil
	}
	q := pkt.Questions[0]
	k := keyFor(q)
	now := time.Now()

	c.mu.Lock()
	g, ok := c.groups[k]
	if !ok {
		c.mu.Unlock()
		return false, nil
	}
	for _, r := range g.records {
		if r.stale(now) {
			delete(c.groups, k)
			c.mu.Unlock()
			return false, nil
		}
	}
	rcode := g.rcode
	records := append([]storedRecord(nil), g.records...)
	c.mu.Unlock()

	resp := dns.Packet{
		Header: dns.Header{
			ID:      pkt.Header.ID,
			Flags:   responseFlags(pkt.Header.Flags, rcode),
			QDCount: 1,
		},
		Questions: []dns.Question{q},
	}
	for _, r := range records {
		if r.rdata == nil {
			continue // negative placeholder carries no answer record
		}
		remaining := r.ttl - now.Sub(r.inserted)
		if remaining < 0 {
			remaining = 0
		}
		header := dns.NewRRHeader(q.Name, dns.RecordClass(r.rrClass), uint32(remaining/time.Second))
		resp.Answers = append(resp.Answers, dns.NewOpaqueRecord(header, r.rrType, r.rdata))
	}
	resp.Header.ANCount = uint16(len(resp.Answers))

	b, err := resp.Marshal()
	if err != nil {
		return false, err
	}
	if err := reply(b); err != nil {
		return false, err
	}
	return true, nil
}

// responseFlags builds the reply header flags: QR and RA set, RD echoed
// from the request, response code taken from the cached group.
func responseFlags(reqFlags uint16, rcode dns.RCode) uint16 {
	flags := dns.QRFlag | dns.RAFlag
	flags |= reqFlags & dns.RDFlag
	flags |= uint16(rcode) & dns.RCodeMask
	return flags
}

// Store implements spec §4.5's Store(buf, len): parses the message, which
// must carry at most one question. Any existing group for (qname, qtype,
// qclass) is deleted first. If the message has no answers, a single
// negative entry is inserted with the message's response code and the
// fixed NegativeTTL. Otherwise one entry is inserted per answer record,
// each carrying that record's own TTL.
func (c *Cache) Store(buf []byte) error {
	pkt, err := dns.ParsePacket(buf)
	if err != nil {
		return err
	}
	if len(pkt.Questions) > 1 {
		return nil
	}
	if len(pkt.Questions) == 0 {
		return nil
	}
	q := pkt.Questions[0]
	k := keyFor(q)
	rcode := dns.RCodeFromFlags(pkt.Header.Flags)
	now := time.Now()

	g := &group{rcode: rcode}
	if len(pkt.Answers) == 0 {
		g.records = []storedRecord{{inserted: now, ttl: NegativeTTL}}
	} else {
		for _, rr := range pkt.Answers {
			rdata, err := rr.MarshalRData()
			if err != nil {
				return err
			}
			h := rr.Header()
			g.records = append(g.records, storedRecord{
				rrType:   rr.Type(),
				rrClass:  h.Class,
				inserted: now,
				ttl:      time.Duration(h.TTL) * time.Second,
				rdata:    rdata,
			})
		}
	}

	c.mu.Lock()
	c.groups[k] = g
	c.mu.Unlock()
	return nil
}

// Len reports the number of cached groups, for diagnostics.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.groups)
}
