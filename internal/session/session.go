// Package session binds a product profile to a BLE link and a command
// registry. It routes inbound notifications to the pending command they
// answer, or to the event bus when nothing claims them.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/chaz8081/bandlink/internal/ble"
	"github.com/chaz8081/bandlink/internal/events"
	"github.com/chaz8081/bandlink/internal/protocol"
)

// ErrNotReady is returned when a session stops being usable while a caller
// waits for it.
var ErrNotReady = errors.New("session: link not ready")

// Listener is told about link lifecycle changes. Calls arrive on the link's
// scheduler.
type Listener interface {
	OnStateChanged(address string, state ble.State, status ble.Status)
	OnReady(address string)
}

// Config describes one session.
type Config struct {
	Address  string
	Product  string // product code, for logs
	Profile  ble.Profile
	Options  ble.Options
	Matchers []Matcher // nil selects DefaultMatchers
	Bus      *events.Bus
	Listener Listener
}

// Session is the connection to one band.
type Session struct {
	address   string
	product   string
	writeChar uuid.UUID
	matchers  []Matcher
	bus       *events.Bus
	listener  Listener
	registry  *protocol.Registry
	transport *ble.Transport

	mu    sync.Mutex
	ready chan struct{} // closed while the link is ready
	down  chan struct{} // closed when the current link attempt ended
	next  chan struct{} // down of an attempt not yet reported as connecting
}

// New creates a session. Nothing happens on the air until Connect.
func New(adapter ble.Adapter, sched ble.Scheduler, cfg Config) (*Session, error) {
	matchers := cfg.Matchers
	if matchers == nil {
		matchers = DefaultMatchers()
	}
	if err := ValidateMatchers(matchers); err != nil {
		return nil, err
	}
	writeChar, ok := cfg.Profile.WriteCharacteristic()
	if !ok {
		return nil, fmt.Errorf("session: product %q has no write characteristic", cfg.Product)
	}

	s := &Session{
		address:   cfg.Address,
		product:   cfg.Product,
		writeChar: writeChar,
		matchers:  matchers,
		bus:       cfg.Bus,
		listener:  cfg.Listener,
		registry:  protocol.NewRegistry(),
		ready:     make(chan struct{}),
		down:      make(chan struct{}),
	}
	s.transport = ble.NewTransport(adapter, sched, cfg.Address, cfg.Profile, cfg.Options, s)
	return s, nil
}

// Address returns the peripheral address.
func (s *Session) Address() string { return s.address }

// Product returns the product code.
func (s *Session) Product() string { return s.product }

// Transport exposes the link, e.g. for RSSI reads and stats.
func (s *Session) Transport() *ble.Transport { return s.transport }

// Pending returns the number of commands awaiting a response.
func (s *Session) Pending() int { return s.registry.Len() }

// State returns the link state.
func (s *Session) State() ble.State { return s.transport.State() }

// Ready reports whether commands are flowing.
func (s *Session) Ready() bool { return s.transport.Ready() }

// Connect starts connecting. See ble.Transport.Connect.
func (s *Session) Connect() error {
	// Held across the transport call so the Connecting event of this
	// attempt is handled after next is in place.
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.transport.State() {
	case ble.StateDisconnected, ble.StateFailed, ble.StateDisconnecting:
		// State events of the previous link may still be queued. They end
		// s.down, never the new attempt.
		s.next = make(chan struct{})
		select {
		case <-s.ready:
			s.ready = make(chan struct{})
		default:
		}
	}
	return s.transport.Connect()
}

// Disconnect tears the link down. Pending commands fail.
func (s *Session) Disconnect() {
	s.transport.Disconnect()
}

// WaitReady blocks until the link is ready, the current attempt ends, or
// ctx is done.
func (s *Session) WaitReady(ctx context.Context) error {
	ready, down := s.attempt()
	select {
	case <-ready:
		return nil
	case <-down:
		return fmt.Errorf("session: %s: %w", s.address, ErrNotReady)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// attempt returns the channels of the latest connection attempt.
func (s *Session) attempt() (ready, down chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next != nil {
		return s.ready, s.next
	}
	return s.ready, s.down
}

// Execute registers cmd and queues its request. The outcome arrives through
// the command's callbacks. When the request cannot be queued cmd fails and
// the error is returned.
func (s *Session) Execute(cmd protocol.Command) error {
	if err := s.registry.Register(cmd); err != nil {
		return fmt.Errorf("session: execute %s: %w", cmd.Kind(), err)
	}
	op := &ble.Operation{
		Kind:           ble.OpCommand,
		Characteristic: s.writeChar,
		Data:           cmd.Encode(),
		Key:            cmd.Key(),
		OnComplete:     func(res ble.Result) { s.onCommandOp(cmd, res) },
	}
	if err := s.transport.Enqueue(op); err != nil {
		s.registry.Remove(cmd.Key())
		cmd.Failed()
		return fmt.Errorf("session: execute %s: %w", cmd.Kind(), err)
	}
	slog.Debug("[SESSION] command queued", "address", s.address, "kind", cmd.Kind(), "key", cmd.Key())
	return nil
}

// Do executes cmd and waits for its result. The typed value is then
// available from the command's Result method.
func (s *Session) Do(ctx context.Context, cmd protocol.Command) error {
	done := make(chan error, 1)
	cmd.OnDone(func(err error) { done <- err })
	if err := s.Execute(cmd); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// onCommandOp fails cmd when its operation ended without a full response.
func (s *Session) onCommandOp(cmd protocol.Command, res ble.Result) {
	if res.State == ble.Received {
		return
	}
	if s.registry.Remove(cmd.Key()) {
		slog.Warn("[SESSION] command failed", "address", s.address, "kind", cmd.Kind(), "state", res.State, "error", res.Err)
		cmd.Failed()
	}
}

// OnNotification implements ble.Handler.
func (s *Session) OnNotification(_ uuid.UUID, value []byte) {
	if st, ok := s.transport.InFlight(); ok && st.Kind == ble.OpCommand {
		if cmd, ok := s.registry.Lookup(st.Key); ok {
			switch status := cmd.Check(value); status {
			case protocol.Completed, protocol.InvalidDataLength:
				s.registry.Remove(st.Key)
				s.transport.Complete(st.Key)
				if status == protocol.InvalidDataLength {
					slog.Warn("[SESSION] short response", "address", s.address, "kind", cmd.Kind(), "len", len(value))
				}
				return
			case protocol.Incomplete:
				s.transport.Touch(st.Key)
				return
			}
		}
	}
	s.dispatch(value)
}

// dispatch publishes an unsolicited packet through the first matcher that
// claims it.
func (s *Session) dispatch(value []byte) {
	m, ok := match(s.matchers, value)
	if !ok {
		slog.Debug("[SESSION] unsolicited packet ignored", "address", s.address, "data", fmt.Sprintf("% x", value))
		return
	}
	name, ok := m.Decode(value)
	if !ok {
		slog.Debug("[SESSION] unknown event", "address", s.address, "matcher", m.Name, "data", fmt.Sprintf("% x", value))
		return
	}
	slog.Info("[SESSION] event", "address", s.address, "event", name)
	if s.bus != nil {
		s.bus.Publish(events.Event{Name: name, Device: s.address, Data: value})
	}
}

// OnStateChanged implements ble.Handler.
func (s *Session) OnStateChanged(state ble.State, status ble.Status) {
	switch state {
	case ble.StateConnecting:
		s.mu.Lock()
		if s.next != nil {
			s.down, s.next = s.next, nil
		} else {
			select {
			case <-s.down:
				s.down = make(chan struct{})
			default:
			}
		}
		s.mu.Unlock()
	case ble.StateDisconnected, ble.StateFailed:
		if n := s.registry.FailAll(); n > 0 {
			slog.Warn("[SESSION] failed pending commands", "address", s.address, "count", n)
		}
		s.mu.Lock()
		select {
		case <-s.down:
		default:
			close(s.down)
		}
		select {
		case <-s.ready:
			s.ready = make(chan struct{})
		default:
		}
		s.mu.Unlock()
	}
	if s.listener != nil {
		s.listener.OnStateChanged(s.address, state, status)
	}
}

// OnReady implements ble.Handler.
func (s *Session) OnReady() {
	s.mu.Lock()
	select {
	case <-s.ready:
	default:
		close(s.ready)
	}
	s.mu.Unlock()
	slog.Info("[SESSION] ready", "address", s.address, "product", s.product)
	if s.listener != nil {
		s.listener.OnReady(s.address)
	}
}
