// Package protocol implements the band's binary command/response framing.
//
// Every device operation is a Command. A command encodes one outbound packet
// and decodes the notifications that answer it through Check, which reports a
// ResponseStatus. Results reach the caller through a typed callback that fires
// exactly once, either from a terminal Check or from Failed.
package protocol

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ResponseStatus is the outcome of feeding one inbound packet to a Command.
type ResponseStatus int

const (
	// Completed means the command reached a terminal state and resolved its callback.
	Completed ResponseStatus = iota
	// Incomplete means the packet was consumed but more packets are expected.
	Incomplete
	// Incompatible means the packet is not a reply to this command and was not consumed.
	Incompatible
	// InvalidDataLength means the packet matched but was too short; the command failed.
	InvalidDataLength
)

func (s ResponseStatus) String() string {
	switch s {
	case Completed:
		return "completed"
	case Incomplete:
		return "incomplete"
	case Incompatible:
		return "incompatible"
	case InvalidDataLength:
		return "invalid_data_length"
	default:
		return fmt.Sprintf("ResponseStatus(%d)", int(s))
	}
}

// Terminal reports whether the command is finished after this status.
func (s ResponseStatus) Terminal() bool {
	return s == Completed || s == InvalidDataLength
}

var (
	// ErrFailed is delivered when the link layer gives up on a command.
	ErrFailed = errors.New("protocol: command failed")
	// ErrInvalidLength is delivered when a matching reply is too short.
	ErrInvalidLength = errors.New("protocol: invalid data length")
	// ErrRejected is delivered when the band answers with a non-zero status.
	ErrRejected = errors.New("protocol: rejected by device")
	// ErrDuplicateKey is returned when a key is registered twice.
	ErrDuplicateKey = errors.New("protocol: duplicate command key")
)

// Command is one request/response exchange with the band.
// The interface is sealed: only types in this package implement it.
type Command interface {
	// Key is the process-unique correlation key of this command instance.
	Key() uuid.UUID
	// Kind identifies the command variant.
	Kind() Kind
	// Encode builds the outbound packet.
	Encode() []byte
	// Check decodes one inbound packet.
	Check(data []byte) ResponseStatus
	// Failed resolves the pending callback with ErrFailed. Idempotent.
	Failed()
	// Done reports whether the callback has been resolved.
	Done() bool
	// OnDone adds a hook that receives only the error of the result.
	OnDone(fn func(err error))

	sealed()
}

// marker is a byte expected at a fixed offset of a reply.
type marker struct {
	offset int
	value  byte
}

// base carries the key and the once-only result delivery shared by all commands.
type base[T any] struct {
	key  uuid.UUID
	kind Kind

	mu       sync.Mutex
	resolved bool
	value    T
	err      error
	cb       func(T, error)
	done     []func(error)
}

func (b *base[T]) init(kind Kind) {
	b.key = uuid.New()
	b.kind = kind
}

func (b *base[T]) sealed() {}

// Key returns the correlation key.
func (b *base[T]) Key() uuid.UUID { return b.key }

// Kind returns the command variant.
func (b *base[T]) Kind() Kind { return b.kind }

// Done reports whether a result has been delivered.
func (b *base[T]) Done() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resolved
}

// OnResult registers the result callback. When the command has already
// resolved, cb runs immediately with the stored result.
func (b *base[T]) OnResult(cb func(T, error)) {
	b.mu.Lock()
	if !b.resolved {
		b.cb = cb
		b.mu.Unlock()
		return
	}
	v, err := b.value, b.err
	b.mu.Unlock()
	if cb != nil {
		cb(v, err)
	}
}

// OnDone adds fn to the hooks run with the result error once the command
// resolves. It runs immediately when the command already has.
func (b *base[T]) OnDone(fn func(err error)) {
	b.mu.Lock()
	if !b.resolved {
		b.done = append(b.done, fn)
		b.mu.Unlock()
		return
	}
	err := b.err
	b.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// Result returns the stored result. It is only meaningful once Done is true.
func (b *base[T]) Result() (T, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.value, b.err
}

// Failed resolves the callback with ErrFailed unless already resolved.
func (b *base[T]) Failed() {
	var zero T
	b.resolve(zero, ErrFailed)
}

// resolve stores the result and fires the callback once.
// It returns false when the command was already resolved.
func (b *base[T]) resolve(v T, err error) bool {
	b.mu.Lock()
	if b.resolved {
		b.mu.Unlock()
		return false
	}
	b.resolved = true
	b.value, b.err = v, err
	cb, done := b.cb, b.done
	b.cb, b.done = nil, nil
	b.mu.Unlock()
	if cb != nil {
		cb(v, err)
	}
	for _, fn := range done {
		if fn != nil {
			fn(err)
		}
	}
	return true
}

// precheck runs the structural guards shared by all replies. It returns
// ok=false together with the status to report when parsing must not go on.
func (b *base[T]) precheck(data []byte, minLen int, markers ...marker) (ResponseStatus, bool) {
	if b.Done() {
		return Incompatible, false
	}
	for _, m := range markers {
		if m.offset >= len(data) || data[m.offset] != m.value {
			return Incompatible, false
		}
	}
	if len(data) < minLen {
		var zero T
		b.resolve(zero, fmt.Errorf("%w: got %d bytes, need %d", ErrInvalidLength, len(data), minLen))
		return InvalidDataLength, false
	}
	return Completed, true
}

// frame builds [length, id, payload...], length counting every byte.
func frame(id byte, payload ...byte) []byte {
	out := make([]byte, 0, 2+len(payload))
	out = append(out, byte(2+len(payload)), id)
	return append(out, payload...)
}

// idMarker is the reply marker of framed commands: the message id at offset 1.
func idMarker(id byte) marker {
	return marker{offset: 1, value: id}
}

// ack is the shared reply shape of set-style commands: [3, id, status].
type ack struct {
	base[bool]
	markers []marker
}

func (a *ack) initAck(kind Kind, markers ...marker) {
	a.init(kind)
	a.markers = markers
}

// Check decodes an acknowledgement. A non-zero status byte resolves ErrRejected.
func (a *ack) Check(data []byte) ResponseStatus {
	status, ok := a.precheck(data, 3, a.markers...)
	if !ok {
		return status
	}
	if data[2] != 0x00 {
		a.resolve(false, fmt.Errorf("%w: status %#02x", ErrRejected, data[2]))
		return Completed
	}
	a.resolve(true, nil)
	return Completed
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}
