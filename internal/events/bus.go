// Package events broadcasts unsolicited band events to the rest of the
// application.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Name identifies an unsolicited device event.
type Name string

const (
	CameraShutter   Name = "camera.shutter"
	CameraExit      Name = "camera.exit"
	FindPhoneStart  Name = "findphone.start"
	FindPhoneStop   Name = "findphone.stop"
	MusicPlayPause  Name = "music.play_pause"
	MusicNext       Name = "music.next"
	MusicPrevious   Name = "music.previous"
	MusicVolumeUp   Name = "music.volume_up"
	MusicVolumeDown Name = "music.volume_down"
)

// Event is one broadcast notification.
type Event struct {
	Name      Name
	Device    string // peripheral address
	Data      []byte // raw notification
	Timestamp time.Time
}

// subscriber holds a buffered channel for one listener.
type subscriber struct {
	ch   chan Event
	once sync.Once
}

// Bus fans events out to all subscribers.
type Bus struct {
	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	buffer  int
	dropped atomic.Int64
}

// NewBus constructs a Bus whose subscribers buffer up to buffer events.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{subs: make(map[*subscriber]struct{}), buffer: buffer}
}

// Subscribe registers a listener. The returned function unsubscribes and
// closes the channel; calling it more than once is safe.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, b.buffer)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	unsub := func() {
		s.once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			close(s.ch)
		})
	}
	return s.ch, unsub
}

// Publish sends e to every subscriber. Subscribers with a full buffer miss
// the event so a slow listener never stalls notification delivery.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Len returns the current subscriber count.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped for slow subscribers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
