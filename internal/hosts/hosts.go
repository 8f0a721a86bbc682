// Package hosts implements the local static hosts table (spec §4.6): a
// config-driven name→address mapping consulted by the dispatcher before it
// falls through to the forward engine.
//
// Grounded on internal/resolvers/custom_dns_resolver.go's hosts map and
// response-building pattern, but diverging where the spec's own rules
// differ from that authoritative-style resolver: entries here carry a
// fixed TTL of 300s (not 3600s), class IN or ANY is accepted (not just the
// query's echoed class), dns.TypeALL returns every stored record for the
// name, and flags follow the forwarder's own response-flag convention
// (QR + RA, RD echoed) rather than buildCustomDNSFlags' QR+AA-only scheme —
// these are local answers from a forwarder, not authoritative zone data.
package hosts

import (
	"errors"
	"net"
	"strings"

	"github.com/jroosing/hydradns/internal/dns"
)

// TTL is the fixed answer TTL for every hosts-table record (spec §4.6).
const TTL = 300

// ErrNameKnown is returned by Lookup when the queried name is configured
// but no stored record matches the requested type; the dispatcher turns
// this into a NameError reply rather than falling through to the forwarder.
var ErrNameKnown = errors.New("hosts: name known but no record of the requested type")

type record struct {
	rrType dns.RecordType
	addr   net.IP
}

// Table is the local static hosts table. Safe for concurrent read-only use
// after construction; it is never mutated after New returns.
type Table struct {
	searchDomain string
	entries      map[string][]record
}

// New builds a Table from a name->IP-address-strings mapping (as parsed
// from the config file's `hosts` section) and an optional search domain
// used to qualify bare, unqualified query names.
func New(hostEntries map[string][]string, searchDomain string) (*Table, error) {
	t := &Table{
		searchDomain: normalize(searchDomain),
		entries:      make(map[string][]record, len(hostEntries)),
	}
	for name, addrs := range hostEntries {
		key := normalize(name)
		var recs []record
		for _, raw := range addrs {
			ip := net.ParseIP(strings.TrimSpace(raw))
			if ip == nil {
				return nil, errors.New("hosts: invalid address for " + name + ": " + raw)
			}
			rt := dns.TypeAAAA
			if v4 := ip.To4(); v4 != nil {
				rt = dns.TypeA
				ip = v4
			}
			recs = append(recs, record{rrType: rt, addr: ip})
		}
		if len(recs) > 0 {
			t.entries[key] = recs
		}
	}
	return t, nil
}

// Lookup canonicalizes q.Name (trim trailing dot, apply the single
// configured search-domain suffix if the name is unqualified and the
// direct lookup misses) and, if the name is configured, synthesizes a
// response. Returns (nil, false, nil) when the name is not in the table at
// all, meaning the dispatcher should defer to the forward engine.
func (t *Table) Lookup(req dns.Packet, q dns.Question) (resp []byte, handled bool, err error) {
	if dns.RecordClass(q.Class) != dns.ClassIN && dns.RecordClass(q.Class) != dns.ClassANY {
		return nil, false, nil
	}

	name := normalize(q.Name)
	recs, ok := t.entries[name]
	if !ok && t.searchDomain != "" && !strings.Contains(name, ".") {
		qualified := name + "." + t.searchDomain
		recs, ok = t.entries[qualified]
	}
	if !ok {
		return nil, false, nil
	}

	qtype := dns.RecordType(q.Type)
	var answers []dns.Record
	for _, r := range recs {
		if qtype == dns.TypeALL || r.rrType == qtype {
			h := dns.NewRRHeader(q.Name, dns.RecordClass(q.Class), TTL)
			answers = append(answers, dns.NewIPRecord(h, r.addr))
		}
	}
	if len(answers) == 0 {
		return nil, true, ErrNameKnown
	}

	pkt := dns.Packet{
		Header: dns.Header{
			ID:    req.Header.ID,
			Flags: dns.QRFlag | dns.RAFlag | (req.Header.Flags & dns.RDFlag),
		},
		Questions: []dns.Question{q},
		Answers:   answers,
	}
	b, err := pkt.Marshal()
	if err != nil {
		return nil, true, err
	}
	return b, true, nil
}

func normalize(name string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ".")
}
