package dns

import (
	"encoding/binary"
	"fmt"
)

// RRHeader holds the fields shared by every resource record: the owner name,
// class, and TTL. Type is reported separately by each Record implementation
// since it determines how RDATA is interpreted.
type RRHeader struct {
	Name  string
	Class uint16
	TTL   uint32
}

// NewRRHeader builds an RRHeader for a record with the given owner name,
// class, and TTL (in seconds).
func NewRRHeader(name string, class RecordClass, ttl uint32) RRHeader {
	return RRHeader{Name: name, Class: uint16(class), TTL: ttl}
}

// Record is the common interface implemented by every resource-record type
// this package knows how to parse and marshal: IPRecord (A/AAAA), NameRecord
// (CNAME/NS/PTR), MXRecord, TXTRecord, and OpaqueRecord (everything else,
// including OPT and SOA, which callers inspect by hand via raw bytes).
type Record interface {
	Type() RecordType
	Header() RRHeader
	SetHeader(RRHeader)
	MarshalRData() ([]byte, error)
}

// marshalRR serializes a complete resource record (owner name, fixed fields,
// RDLENGTH, RDATA) without name compression. Packet.Marshal uses a
// compression-aware variant of this for the owner name instead; this helper
// remains for standalone record serialization and tests.
func marshalRR(r Record) ([]byte, error) {
	h := r.Header()
	nameWire, err := EncodeName(h.Name)
	if err != nil {
		return nil, err
	}
	rdata, err := r.MarshalRData()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nameWire)+10+len(rdata))
	out = append(out, nameWire...)
	fixed := make([]byte, 10)
	binary.BigEndian.PutUint16(fixed[0:2], uint16(r.Type()))
	binary.BigEndian.PutUint16(fixed[2:4], h.Class)
	binary.BigEndian.PutUint32(fixed[4:8], h.TTL)
	binary.BigEndian.PutUint16(fixed[8:10], uint16(len(rdata)))
	out = append(out, fixed...)
	out = append(out, rdata...)
	return out, nil
}

// ParseRecord parses a single resource record from wire format, dispatching
// to the appropriate concrete type based on the record's TYPE field.
func ParseRecord(msg []byte, off *int) (Record, error) {
	name, err := DecodeName(msg, off)
	if err != nil {
		return nil, err
	}
	if *off+10 > len(msg) {
		return nil, fmt.Errorf("%w: unexpected EOF while reading DNS record", ErrDNSError)
	}
	rrType := RecordType(binary.BigEndian.Uint16(msg[*off : *off+2]))
	rrClass := binary.BigEndian.Uint16(msg[*off+2 : *off+4])
	ttl := binary.BigEndian.Uint32(msg[*off+4 : *off+8])
	rdlen := int(binary.BigEndian.Uint16(msg[*off+8 : *off+10]))
	*off += 10
	start := *off
	if start+rdlen > len(msg) {
		return nil, fmt.Errorf("%w: unexpected EOF while reading DNS record rdata", ErrDNSError)
	}

	h := RRHeader{Name: name, Class: rrClass, TTL: ttl}

	var rec Record
	switch rrType {
	case TypeA, TypeAAAA:
		rec, err = ParseIPRData(msg, off, rdlen)
	case TypeCNAME, TypeNS, TypePTR:
		rec, err = ParseNameRData(msg, off, start, rdlen, rrType)
	case TypeMX:
		rec, err = ParseMXRData(msg, off, start, rdlen)
	case TypeTXT:
		rec, err = ParseTXTRData(msg, off, rdlen)
	default:
		rec, err = ParseOpaqueRData(msg, off, rdlen, rrType)
	}
	if err != nil {
		return nil, err
	}
	rec.SetHeader(h)
	return rec, nil
}
