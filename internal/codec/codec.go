// Package codec slices fixed-width hexadecimal text payloads into typed
// fields and renders typed values back into their wire text form.
//
// Every byte on the wire is two lowercase hex characters and multi-byte
// fields are big-endian. Offsets and lengths in this package are counted in
// bytes, not characters.
package codec

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrTruncatedFrame is returned when a payload is shorter than the field
// being read from it.
var ErrTruncatedFrame = errors.New("truncated frame")

// ErrInvalidHex is returned when a field contains non-hex characters.
var ErrInvalidHex = errors.New("invalid hex field")

// NwkID is a 16-bit Zigbee network (short) address.
type NwkID uint16

// CoordinatorNwkID is the network address reserved for the coordinator.
const CoordinatorNwkID NwkID = 0x0000

// MaxUnicastNwkID is the highest network address a device can be assigned.
const MaxUnicastNwkID NwkID = 0xfffd

// String renders the address as 4 lowercase hex digits.
func (n NwkID) String() string {
	return fmt.Sprintf("%04x", uint16(n))
}

// IsCoordinator reports whether n is the coordinator's own address.
func (n NwkID) IsCoordinator() bool {
	return n == CoordinatorNwkID
}

// Valid reports whether n is inside the assignable range 0000-fffd.
func (n NwkID) Valid() bool {
	return n <= MaxUnicastNwkID
}

// MarshalText implements encoding.TextMarshaler.
func (n NwkID) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (n *NwkID) UnmarshalText(b []byte) error {
	v, err := ParseNwkID(string(b))
	if err != nil {
		return err
	}
	*n = v
	return nil
}

// IEEE is a 64-bit extended (stable) device address.
type IEEE uint64

// String renders the address as 16 lowercase hex digits.
func (a IEEE) String() string {
	return fmt.Sprintf("%016x", uint64(a))
}

// MarshalText implements encoding.TextMarshaler.
func (a IEEE) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *IEEE) UnmarshalText(b []byte) error {
	v, err := ParseIEEE(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// ParseNwkID parses exactly 4 hex digits (either case).
func ParseNwkID(s string) (NwkID, error) {
	v, err := parseFixed(s, 2)
	if err != nil {
		return 0, fmt.Errorf("parse nwk id %q: %w", s, err)
	}
	return NwkID(v), nil
}

// ParseIEEE parses exactly 16 hex digits (either case). Colon separators as
// printed by most tooling are accepted.
func ParseIEEE(s string) (IEEE, error) {
	v, err := parseFixed(strings.ReplaceAll(s, ":", ""), 8)
	if err != nil {
		return 0, fmt.Errorf("parse ieee %q: %w", s, err)
	}
	return IEEE(v), nil
}

// ParseUint8 parses exactly 2 hex digits.
func ParseUint8(s string) (uint8, error) {
	v, err := parseFixed(s, 1)
	if err != nil {
		return 0, fmt.Errorf("parse byte %q: %w", s, err)
	}
	return uint8(v), nil
}

// ParseUint16 parses exactly 4 hex digits.
func ParseUint16(s string) (uint16, error) {
	v, err := parseFixed(s, 2)
	if err != nil {
		return 0, fmt.Errorf("parse uint16 %q: %w", s, err)
	}
	return uint16(v), nil
}

func parseFixed(s string, width int) (uint64, error) {
	if len(s) < width*2 {
		return 0, ErrTruncatedFrame
	}
	if len(s) > width*2 {
		return 0, fmt.Errorf("%w: want %d digits, got %d", ErrInvalidHex, width*2, len(s))
	}
	v, err := strconv.ParseUint(s, 16, width*8)
	if err != nil {
		return 0, ErrInvalidHex
	}
	return v, nil
}

// FormatUint8 renders v as 2 lowercase hex digits.
func FormatUint8(v uint8) string {
	return fmt.Sprintf("%02x", v)
}

// FormatUint16 renders v as 4 lowercase hex digits.
func FormatUint16(v uint16) string {
	return fmt.Sprintf("%04x", v)
}

// Field returns the raw hex text of length bytes starting at byte offset.
func Field(payload string, offset, length int) (string, error) {
	start, end := offset*2, (offset+length)*2
	if offset < 0 || length < 0 || end > len(payload) {
		return "", fmt.Errorf("field at %d+%d of %d-byte payload: %w", offset, length, len(payload)/2, ErrTruncatedFrame)
	}
	return strings.ToLower(payload[start:end]), nil
}

// Uint returns the big-endian unsigned value of width bytes (1 to 8) at offset.
func Uint(payload string, offset, width int) (uint64, error) {
	if width < 1 || width > 8 {
		return 0, fmt.Errorf("unsupported field width %d", width)
	}
	s, err := Field(payload, offset, width)
	if err != nil {
		return 0, err
	}
	return parseFixed(s, width)
}

// GroupID is a 16-bit Zigbee group address.
type GroupID uint16

// String renders the group id as 4 lowercase hex digits.
func (g GroupID) String() string {
	return fmt.Sprintf("%04x", uint16(g))
}

// MarshalText implements encoding.TextMarshaler.
func (g GroupID) MarshalText() ([]byte, error) {
	return []byte(g.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (g *GroupID) UnmarshalText(b []byte) error {
	v, err := ParseUint16(string(b))
	if err != nil {
		return fmt.Errorf("parse group id: %w", err)
	}
	*g = GroupID(v)
	return nil
}

// ParseGroupID parses exactly 4 hex digits.
func ParseGroupID(s string) (GroupID, error) {
	v, err := ParseUint16(s)
	if err != nil {
		return 0, err
	}
	return GroupID(v), nil
}
