package session

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/chaz8081/bandlink/internal/events"
)

// ErrAmbiguousMatchers is returned when two event matchers could claim the
// same packet.
var ErrAmbiguousMatchers = errors.New("session: ambiguous event matchers")

// Leading bytes of unsolicited band packets.
const (
	PrefixCamera    byte = 0xC1
	PrefixFindPhone byte = 0xC2
	PrefixMusic     byte = 0xC3
)

// Matcher recognizes one family of unsolicited packets. A packet belongs to
// the matcher when it starts with Prefix; Decode then names the event.
type Matcher struct {
	Name   string
	Prefix []byte
	Decode func(data []byte) (events.Name, bool)
}

// DefaultMatchers returns the camera, find-phone and music matchers in
// precedence order.
func DefaultMatchers() []Matcher {
	return []Matcher{
		{Name: "camera", Prefix: []byte{PrefixCamera}, Decode: byteTable(map[byte]events.Name{
			0x00: events.CameraExit,
			0x01: events.CameraShutter,
		})},
		{Name: "findphone", Prefix: []byte{PrefixFindPhone}, Decode: byteTable(map[byte]events.Name{
			0x00: events.FindPhoneStop,
			0x01: events.FindPhoneStart,
		})},
		{Name: "music", Prefix: []byte{PrefixMusic}, Decode: byteTable(map[byte]events.Name{
			0x01: events.MusicPlayPause,
			0x02: events.MusicNext,
			0x03: events.MusicPrevious,
			0x04: events.MusicVolumeUp,
			0x05: events.MusicVolumeDown,
		})},
	}
}

// byteTable decodes the byte following a one-byte prefix.
func byteTable(names map[byte]events.Name) func([]byte) (events.Name, bool) {
	return func(data []byte) (events.Name, bool) {
		if len(data) < 2 {
			return "", false
		}
		name, ok := names[data[1]]
		return name, ok
	}
}

// ValidateMatchers checks that every matcher has a prefix and a decoder and
// that no prefix is a prefix of another, so precedence never decides.
func ValidateMatchers(ms []Matcher) error {
	for i, m := range ms {
		if len(m.Prefix) == 0 || m.Decode == nil {
			return fmt.Errorf("session: matcher %q: prefix and decoder required", m.Name)
		}
		for _, other := range ms[i+1:] {
			if bytes.HasPrefix(m.Prefix, other.Prefix) || bytes.HasPrefix(other.Prefix, m.Prefix) {
				return fmt.Errorf("%w: %q (% x) and %q (% x)", ErrAmbiguousMatchers, m.Name, m.Prefix, other.Name, other.Prefix)
			}
		}
	}
	return nil
}

// match returns the first matcher whose prefix starts data.
func match(ms []Matcher, data []byte) (Matcher, bool) {
	for _, m := range ms {
		if bytes.HasPrefix(data, m.Prefix) {
			return m, true
		}
	}
	return Matcher{}, false
}
