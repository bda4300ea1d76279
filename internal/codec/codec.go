// Package codec holds the byte-level helpers shared by the band protocol:
// integer packing in both byte orders, bit-flag decoding, packed dates and
// slice merging. Everything here is a pure function.
package codec

import (
	"fmt"
	"time"
)

// YearBase is the year offset used by the band's one-byte year fields.
const YearBase = 2000

// To16BitByte packs v big-endian into two bytes.
func To16BitByte(v uint16) []byte {
	return []byte{byte(v >> 8), byte(v)}
}

// To32BitByte packs v big-endian into four bytes, most significant byte first.
func To32BitByte(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

// BigEndian decodes 1 to 4 bytes as a big-endian unsigned integer.
func BigEndian(b []byte) uint32 {
	var v uint32
	for i := 0; i < len(b) && i < 4; i++ {
		v = v<<8 | uint32(b[i])
	}
	return v
}

// LittleEndian decodes 1 to 4 bytes as a little-endian unsigned integer.
// Counters on the band are spread over 2, 3 or 4 bytes, low byte first.
func LittleEndian(b []byte) uint32 {
	var v uint32
	n := len(b)
	if n > 4 {
		n = 4
	}
	for i := n - 1; i >= 0; i-- {
		v = v<<8 | uint32(b[i])
	}
	return v
}

// PutLittleEndian writes the low n bytes of v into a new slice, low byte first.
func PutLittleEndian(v uint32, n int) []byte {
	out := make([]byte, n)
	for i := 0; i < n && i < 4; i++ {
		out[i] = byte(v >> (8 * i))
	}
	return out
}

// BitFlags expands b into eight flags, index 0 being the least significant
// bit. This is the reversed reading of the byte's binary string.
func BitFlags(b byte) [8]bool {
	var flags [8]bool
	for i := range flags {
		flags[i] = b&(1<<uint(i)) != 0
	}
	return flags
}

// FromBitFlags is the inverse of BitFlags.
func FromBitFlags(flags [8]bool) byte {
	var b byte
	for i, set := range flags {
		if set {
			b |= 1 << uint(i)
		}
	}
	return b
}

// Slice returns b[start:start+n] or an error when the range is out of bounds.
func Slice(b []byte, start, n int) ([]byte, error) {
	if start < 0 || n < 0 || start+n > len(b) {
		return nil, fmt.Errorf("codec: slice [%d:%d] out of range for %d bytes", start, start+n, len(b))
	}
	return b[start : start+n], nil
}

// Merge concatenates the given chunks into a single new slice.
func Merge(chunks ...[]byte) []byte {
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	out := make([]byte, 0, total)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}

// EncodeDate packs t as (year-2000, month, day, hour, minute, second).
// Years outside 2000..2255 are clamped.
func EncodeDate(t time.Time) []byte {
	year := t.Year() - YearBase
	if year < 0 {
		year = 0
	}
	if year > 0xFF {
		year = 0xFF
	}
	return []byte{
		byte(year),
		byte(t.Month()),
		byte(t.Day()),
		byte(t.Hour()),
		byte(t.Minute()),
		byte(t.Second()),
	}
}

// DecodeDate is the inverse of EncodeDate. It needs six bytes.
func DecodeDate(b []byte, loc *time.Location) (time.Time, error) {
	if len(b) < 6 {
		return time.Time{}, fmt.Errorf("codec: date needs 6 bytes, got %d", len(b))
	}
	if loc == nil {
		loc = time.Local
	}
	year, month := YearBase+int(b[0]), time.Month(b[1])
	if month < time.January || month > time.December || b[2] == 0 || int(b[2]) > daysIn(year, month) ||
		b[3] > 23 || b[4] > 59 || b[5] > 59 {
		return time.Time{}, fmt.Errorf("codec: invalid date % x", b[:6])
	}
	return time.Date(year, month, int(b[2]), int(b[3]), int(b[4]), int(b[5]), 0, loc), nil
}

// daysIn returns the number of days in month of year.
func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// PackDate stores a timestamp in 32 bits, little-endian on the wire:
//
//	bits 26-31 year-2000, 22-25 month, 17-21 day, 12-16 hour, 6-11 minute, 0-5 second
func PackDate(t time.Time) []byte {
	year := t.Year() - YearBase
	if year < 0 {
		year = 0
	}
	if year > 63 {
		year = 63
	}
	v := uint32(year)<<26 |
		uint32(t.Month())<<22 |
		uint32(t.Day())<<17 |
		uint32(t.Hour())<<12 |
		uint32(t.Minute())<<6 |
		uint32(t.Second())
	return PutLittleEndian(v, 4)
}

// UnpackDate is the inverse of PackDate.
func UnpackDate(b []byte, loc *time.Location) (time.Time, error) {
	if len(b) < 4 {
		return time.Time{}, fmt.Errorf("codec: packed date needs 4 bytes, got %d", len(b))
	}
	v := LittleEndian(b[:4])
	date := []byte{
		byte(v >> 26 & 0x3F),
		byte(v >> 22 & 0x0F),
		byte(v >> 17 & 0x1F),
		byte(v >> 12 & 0x1F),
		byte(v >> 6 & 0x3F),
		byte(v & 0x3F),
	}
	return DecodeDate(date, loc)
}
