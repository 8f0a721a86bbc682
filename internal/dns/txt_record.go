package dns

import "fmt"

// TXTRecord represents a DNS TXT record: one or more character-strings
// (each up to 255 bytes) carried in RDATA (RFC 1035 §3.3.14).
type TXTRecord struct {
	H       RRHeader
	Strings []string
}

// NewTXTRecord creates a new TXT record from one or more character-strings.
func NewTXTRecord(h RRHeader, strs ...string) *TXTRecord {
	return &TXTRecord{H: h, Strings: strs}
}

// Type returns TypeTXT.
func (r *TXTRecord) Type() RecordType { return TypeTXT }

// Header returns the record header.
func (r *TXTRecord) Header() RRHeader { return r.H }

// SetHeader sets the record header.
func (r *TXTRecord) SetHeader(h RRHeader) { r.H = h }

// MarshalRData marshals the character-strings to wire format, splitting any
// string over 255 bytes into multiple chunks.
func (r *TXTRecord) MarshalRData() ([]byte, error) {
	strs := r.Strings
	if len(strs) == 0 {
		strs = []string{""}
	}
	var out []byte
	for _, s := range strs {
		b := []byte(s)
		for len(b) > 255 {
			out = append(out, 255)
			out = append(out, b[:255]...)
			b = b[255:]
		}
		out = append(out, byte(len(b)))
		out = append(out, b...)
	}
	return out, nil
}

// Marshal serializes the full record without name compression.
func (r *TXTRecord) Marshal() ([]byte, error) { return marshalRR(r) }

// ParseTXTRData parses one or more TXT character-strings from RDATA.
func ParseTXTRData(msg []byte, off *int, rdlen int) (*TXTRecord, error) {
	if *off+rdlen > len(msg) {
		return nil, fmt.Errorf("%w: unexpected EOF reading TXT rdata (RFC 1035 §3.3.14)", ErrDNSError)
	}
	end := *off + rdlen
	var strs []string
	for *off < end {
		n := int(msg[*off])
		*off++
		if *off+n > end {
			return nil, fmt.Errorf("%w: TXT character-string overruns RDATA (RFC 1035 §3.3.14)", ErrDNSError)
		}
		strs = append(strs, string(msg[*off:*off+n]))
		*off += n
	}
	return &TXTRecord{Strings: strs}, nil
}
