package codec

import (
	"fmt"
	"math/bits"
	"strings"
)

// Reader consumes a hex payload field by field from the front.
type Reader struct {
	data string
	pos  int // in characters
}

// NewReader returns a Reader over payload. The payload is lowercased so that
// raw fields read from it are already canonical.
func NewReader(payload string) *Reader {
	return &Reader{data: strings.ToLower(payload)}
}

// Len returns the number of whole bytes left to read.
func (r *Reader) Len() int {
	return (len(r.data) - r.pos) / 2
}

// Offset returns the current byte offset.
func (r *Reader) Offset() int {
	return r.pos / 2
}

// Hex returns the next n bytes as raw hex text.
func (r *Reader) Hex(n int) (string, error) {
	if n < 0 || r.pos+n*2 > len(r.data) {
		return "", fmt.Errorf("read %d bytes at offset %d: %w", n, r.Offset(), ErrTruncatedFrame)
	}
	s := r.data[r.pos : r.pos+n*2]
	r.pos += n * 2
	return s, nil
}

// Uint8 reads one byte.
func (r *Reader) Uint8() (uint8, error) {
	s, err := r.Hex(1)
	if err != nil {
		return 0, err
	}
	return ParseUint8(s)
}

// Uint16 reads a big-endian 16-bit value.
func (r *Reader) Uint16() (uint16, error) {
	s, err := r.Hex(2)
	if err != nil {
		return 0, err
	}
	return ParseUint16(s)
}

// NwkID reads a 16-bit network address.
func (r *Reader) NwkID() (NwkID, error) {
	s, err := r.Hex(2)
	if err != nil {
		return 0, err
	}
	return ParseNwkID(s)
}

// IEEE reads a 64-bit extended address.
func (r *Reader) IEEE() (IEEE, error) {
	s, err := r.Hex(8)
	if err != nil {
		return 0, err
	}
	return ParseIEEE(s)
}

// Rest returns everything not yet consumed and advances to the end.
func (r *Reader) Rest() string {
	s := r.data[r.pos:]
	r.pos = len(r.data)
	return s
}

// NwkIDList reads the remaining payload as a list of network addresses.
// A trailing partial entry is an error.
func (r *Reader) NwkIDList() ([]NwkID, error) {
	rest := r.Rest()
	if len(rest)%4 != 0 {
		return nil, fmt.Errorf("device list of %d characters: %w", len(rest), ErrTruncatedFrame)
	}
	list := make([]NwkID, 0, len(rest)/4)
	for i := 0; i < len(rest); i += 4 {
		id, err := ParseNwkID(rest[i : i+4])
		if err != nil {
			return nil, err
		}
		list = append(list, id)
	}
	return list, nil
}

// Builder assembles an outbound hex payload.
type Builder struct {
	sb strings.Builder
}

// Uint8 appends one byte.
func (b *Builder) Uint8(v uint8) *Builder {
	b.sb.WriteString(FormatUint8(v))
	return b
}

// Uint16 appends a big-endian 16-bit value.
func (b *Builder) Uint16(v uint16) *Builder {
	b.sb.WriteString(FormatUint16(v))
	return b
}

// NwkID appends a network address.
func (b *Builder) NwkID(v NwkID) *Builder {
	b.sb.WriteString(v.String())
	return b
}

// IEEE appends an extended address.
func (b *Builder) IEEE(v IEEE) *Builder {
	b.sb.WriteString(v.String())
	return b
}

// NwkIDLE appends a network address in over-the-air (little-endian) order.
func (b *Builder) NwkIDLE(v NwkID) *Builder {
	b.sb.WriteString(fmt.Sprintf("%04x", bits.ReverseBytes16(uint16(v))))
	return b
}

// IEEELE appends an extended address in over-the-air (little-endian) order.
func (b *Builder) IEEELE(v IEEE) *Builder {
	b.sb.WriteString(fmt.Sprintf("%016x", bits.ReverseBytes64(uint64(v))))
	return b
}

// Hex appends already-encoded hex text verbatim (lowercased).
func (b *Builder) Hex(s string) *Builder {
	b.sb.WriteString(strings.ToLower(s))
	return b
}

// String returns the payload built so far.
func (b *Builder) String() string {
	return b.sb.String()
}
