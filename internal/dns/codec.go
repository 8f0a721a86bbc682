package dns

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// NormalizeName lowercases a domain name and strips any trailing dot, for
// case-insensitive comparisons per RFC 4343.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, "."))
}

// EncodeName encodes a domain name into RFC 1035 Section 3.1 wire format: a
// sequence of length-prefixed labels terminated by a zero-length label.
//
//	"www.example.com" -> 0x03 www 0x07 example 0x03 com 0x00
//
// This does not emit compression pointers — a single name has no prior
// occurrences to point at. Packet.Marshal's compressor builds the pointer
// table across the whole message; it calls EncodeName on each full name to
// validate it and split it into labels.
func EncodeName(domain string) ([]byte, error) {
	if domain == "" {
		return nil, fmt.Errorf("%w: domain_name must be non-empty", ErrDNSError)
	}
	domain = trimDot(domain)
	if domain == "" {
		return []byte{0}, nil // root domain
	}

	out := make([]byte, 0, len(domain)+2)
	labelStart := 0
	for i := 0; i <= len(domain); i++ {
		if i == len(domain) || domain[i] == '.' {
			if i == labelStart {
				return nil, fmt.Errorf("%w: invalid domain name (empty label): %q", ErrDNSError, domain)
			}
			label := domain[labelStart:i]

			for j := range len(label) {
				if label[j] > 0x7F {
					return nil, fmt.Errorf("%w: domain_name must be ASCII", ErrDNSError)
				}
			}
			if len(label) > 63 {
				return nil, fmt.Errorf("%w: DNS label too long (%d > 63): %q", ErrDNSError, len(label), label)
			}

			out = append(out, byte(len(label)))
			out = append(out, label...)
			labelStart = i + 1
		}
	}
	out = append(out, 0)

	if len(out) > 255 {
		return nil, fmt.Errorf("%w: encoded domain name too long (%d > 255)", ErrDNSError, len(out))
	}
	return out, nil
}

// DecodeName decodes a (possibly compressed) domain name starting at *off,
// advancing *off past the encoded name, including any pointer bytes.
//
// A compression pointer (RFC 1035 Section 4.1.4) is a label length byte
// with its two high bits set; the remaining 6 bits plus the following byte
// form a 14-bit offset from the start of the message:
//
//	+--+--+--+--+--+--+--+--+--+--+--+--+--+--+--+--+
//	| 1  1|                OFFSET                   |
//	+--+--+--+--+--+--+--+--+--+--+--+--+--+--+--+--+
//
// Every pointer must target an offset strictly less than the offset of the
// pointer's own length byte. Chasing pointers therefore always moves
// strictly backward through the message, which rules out both pointer
// loops and forward references (pointers into not-yet-decoded bytes) in
// one check — a pointer can never be followed back around to an offset it
// has already visited, because each hop's target is bounded below the
// previous hop's source.
func DecodeName(msg []byte, off *int) (string, error) {
	return decodeName(msg, off, 0)
}

// decodeName is DecodeName's recursive implementation. depth counts pointer
// hops taken so far, as a backstop against pathological pointer chains —
// the per-pointer backward-offset check below already makes true loops
// impossible, this just bounds how long a strictly-decreasing chain of
// valid pointers is allowed to run.
func decodeName(msg []byte, off *int, depth int) (string, error) {
	const maxPointerHops = 20
	if depth > maxPointerHops {
		return "", fmt.Errorf("%w: too many DNS compression pointer indirections", ErrDNSError)
	}
	if *off < 0 || *off >= len(msg) {
		return "", fmt.Errorf("%w: unexpected EOF while decoding DNS name", ErrDNSError)
	}

	labels := make([]string, 0, 6) // typical domain depth, e.g. www.example.com
	for {
		if *off >= len(msg) {
			return "", fmt.Errorf("%w: unexpected EOF while decoding DNS name", ErrDNSError)
		}
		labelOffset := *off
		labelLen := msg[*off]
		*off++

		if labelLen == 0 {
			break
		}

		if isCompressionPointer(labelLen) {
			rest, err := followCompressionPointer(msg, off, labelLen, depth, labelOffset)
			if err != nil {
				return "", err
			}
			if rest != "" {
				labels = append(labels, rest)
			}
			break
		}

		if hasReservedBits(labelLen) {
			return "", fmt.Errorf("%w: invalid DNS label length (reserved high bits set)", ErrDNSError)
		}

		label, err := readLabel(msg, off, int(labelLen))
		if err != nil {
			return "", err
		}
		labels = append(labels, label)
	}

	return joinLabels(labels), nil
}

// isCompressionPointer reports whether a label length byte is in fact a
// compression pointer (its two high bits are both set, the 0xC0 mask).
func isCompressionPointer(b byte) bool {
	return (b & 0xC0) == 0xC0
}

// hasReservedBits reports whether a label length byte uses one of the two
// label-type encodings RFC 1035 reserves for future use (01xxxxxx, 10xxxxxx).
func hasReservedBits(b byte) bool {
	return (b & 0xC0) != 0
}

// followCompressionPointer reads the second byte of a compression pointer,
// reconstructs the 14-bit target offset, and decodes the name found there.
// originOffset is the offset of the pointer's own length byte (firstByte);
// the target must land strictly before it, or the pointer is rejected as a
// forward reference or a (necessarily cyclic) self-reference.
func followCompressionPointer(msg []byte, off *int, firstByte byte, depth int, originOffset int) (string, error) {
	if *off >= len(msg) {
		return "", fmt.Errorf("%w: unexpected EOF while decoding compression pointer", ErrDNSError)
	}

	ptr := int(binary.BigEndian.Uint16([]byte{firstByte & 0x3F, msg[*off]}))
	*off++

	if ptr >= len(msg) {
		return "", fmt.Errorf("%w: DNS compression pointer out of bounds", ErrDNSError)
	}
	if ptr >= originOffset {
		return "", fmt.Errorf("%w: DNS compression pointer is not strictly backward (forward reference or loop)", ErrDNSError)
	}

	ptrOff := ptr
	return decodeName(msg, &ptrOff, depth+1)
}

// readLabel reads a single length-prefixed DNS label.
func readLabel(msg []byte, off *int, length int) (string, error) {
	if *off+length > len(msg) {
		return "", fmt.Errorf("%w: unexpected EOF while reading DNS label", ErrDNSError)
	}
	label := msg[*off : *off+length]
	*off += length

	for _, b := range label {
		if b > 0x7F {
			return "", fmt.Errorf("%w: decoded DNS name was not ASCII", ErrDNSError)
		}
	}
	return string(label), nil
}

// trimDot removes all trailing dots from a string.
func trimDot(s string) string {
	for len(s) > 0 && s[len(s)-1] == '.' {
		s = s[:len(s)-1]
	}
	return s
}

// joinLabels concatenates labels with dots, pre-sizing the builder to avoid
// reallocation.
func joinLabels(labels []string) string {
	if len(labels) == 0 {
		return ""
	}
	if len(labels) == 1 {
		return labels[0]
	}
	totalSize := len(labels) - 1 // dots
	for _, label := range labels {
		totalSize += len(label)
	}
	var b strings.Builder
	b.Grow(totalSize)
	b.WriteString(labels[0])
	for i := 1; i < len(labels); i++ {
		b.WriteByte('.')
		b.WriteString(labels[i])
	}
	return b.String()
}
