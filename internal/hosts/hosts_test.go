package hosts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jroosing/hydradns/internal/dns"
)

func queryFor(name string, qtype dns.RecordType) (dns.Packet, dns.Question) {
	q := dns.Question{Name: name, Type: uint16(qtype), Class: uint16(dns.ClassIN)}
	pkt := dns.Packet{
		Header:    dns.Header{ID: 0xBEEF, Flags: dns.RDFlag, QDCount: 1},
		Questions: []dns.Question{q},
	}
	return pkt, q
}

func TestLookupHitReturnsA(t *testing.T) {
	tbl, err := New(map[string][]string{"myhost": {"10.0.0.1"}}, "")
	require.NoError(t, err)

	pkt, q := queryFor("myhost.", dns.TypeA)
	resp, handled, err := tbl.Lookup(pkt, q)
	require.NoError(t, err)
	require.True(t, handled)

	parsed, err := dns.ParsePacket(resp)
	require.NoError(t, err)
	assert.Equal(t, uint16(0xBEEF), parsed.Header.ID)
	assert.NotZero(t, parsed.Header.Flags&dns.QRFlag)
	assert.NotZero(t, parsed.Header.Flags&dns.RAFlag)
	require.Len(t, parsed.Answers, 1)
	assert.EqualValues(t, TTL, parsed.Answers[0].Header().TTL)
}

func TestLookupMissDefersToForwarder(t *testing.T) {
	tbl, err := New(map[string][]string{"myhost": {"10.0.0.1"}}, "")
	require.NoError(t, err)

	pkt, q := queryFor("unknown.example.com.", dns.TypeA)
	_, handled, err := tbl.Lookup(pkt, q)
	require.NoError(t, err)
	assert.False(t, handled)
}

func TestLookupKnownNameWrongTypeIsNameError(t *testing.T) {
	tbl, err := New(map[string][]string{"myhost": {"10.0.0.1"}}, "")
	require.NoError(t, err)

	pkt, q := queryFor("myhost.", dns.TypeAAAA)
	_, handled, err := tbl.Lookup(pkt, q)
	assert.True(t, handled)
	assert.ErrorIs(t, err, ErrNameKnown)
}

func TestLookupTypeALLReturnsEveryRecord(t *testing.T) {
	tbl, err := New(map[string][]string{"dual": {"10.0.0.1", "::1"}}, "")
	require.NoError(t, err)

	pkt, q := queryFor("dual.", dns.TypeALL)
	resp, handled, err := tbl.Lookup(pkt, q)
	require.NoError(t, err)
	require.True(t, handled)
	parsed, err := dns.ParsePacket(resp)
	require.NoError(t, err)
	assert.Len(t, parsed.Answers, 2)
}

func TestLookupSearchDomainQualifiesUnqualifiedName(t *testing.T) {
	tbl, err := New(map[string][]string{"myhost.lan": {"10.0.0.2"}}, "lan")
	require.NoError(t, err)

	pkt, q := queryFor("myhost", dns.TypeA)
	_, handled, err := tbl.Lookup(pkt, q)
	require.NoError(t, err)
	assert.True(t, handled)
}

func TestLookupClassANYMatches(t *testing.T) {
	tbl, err := New(map[string][]string{"myhost": {"10.0.0.1"}}, "")
	require.NoError(t, err)

	q := dns.Question{Name: "myhost.", Type: uint16(dns.TypeA), Class: uint16(dns.ClassANY)}
	pkt := dns.Packet{Header: dns.Header{ID: 1, Flags: dns.RDFlag, QDCount: 1}, Questions: []dns.Question{q}}
	_, handled, err := tbl.Lookup(pkt, q)
	require.NoError(t, err)
	assert.True(t, handled)
}

func TestNewRejectsInvalidAddress(t *testing.T) {
	_, err := New(map[string][]string{"bad": {"not-an-ip"}}, "")
	assert.Error(t, err)
}
