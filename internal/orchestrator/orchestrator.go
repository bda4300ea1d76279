// Package orchestrator finds bands, opens sessions to them and keeps those
// sessions connected.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/chaz8081/bandlink/internal/ble"
	"github.com/chaz8081/bandlink/internal/config"
	"github.com/chaz8081/bandlink/internal/events"
	"github.com/chaz8081/bandlink/internal/session"
)

var (
	// ErrUnknownProduct is returned when a device matches no catalog entry.
	ErrUnknownProduct = errors.New("orchestrator: unknown product")
	// ErrNoSession is returned for an address without a session.
	ErrNoSession = errors.New("orchestrator: no session")
)

// Options configures the orchestrator.
type Options struct {
	ScanTimeout   time.Duration
	AutoReconnect bool
	ReconnectMax  time.Duration // backoff ceiling
	Transport     ble.Options
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		ScanTimeout:   10 * time.Second,
		AutoReconnect: true,
		ReconnectMax:  30 * time.Second,
		Transport:     ble.DefaultOptions(),
	}
}

// OptionsFromConfig maps the orchestrator and transport config sections.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		ScanTimeout:   cfg.Orchestrator.ScanTimeout,
		AutoReconnect: cfg.Orchestrator.AutoReconnect,
		ReconnectMax:  cfg.Orchestrator.ReconnectMax,
		Transport:     cfg.TransportOptions(),
	}
}

// Listener is told about the lifecycle of every managed link. Calls arrive
// on the scheduler.
type Listener interface {
	OnStateChanged(address string, state ble.State, status ble.Status)
	OnReady(address, product string)
}

// Candidate is a scanned device the catalog recognized.
type Candidate struct {
	Device  ble.Device
	Product config.Product
}

// link is one managed session with its reconnect bookkeeping.
type link struct {
	session *session.Session
	product config.Product
	closing bool
	attempt int
	retry   ble.Timer
}

// Orchestrator owns the sessions to all connected bands.
type Orchestrator struct {
	adapter ble.Adapter
	sched   ble.Scheduler
	catalog config.Catalog
	bus     *events.Bus
	opts    Options

	mu        sync.Mutex
	links     map[string]*link
	listeners []Listener
	enabled   bool
}

// New creates an orchestrator. bus may be nil.
func New(adapter ble.Adapter, sched ble.Scheduler, catalog config.Catalog, bus *events.Bus, opts Options) *Orchestrator {
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = DefaultOptions().ScanTimeout
	}
	if opts.ReconnectMax < time.Second {
		opts.ReconnectMax = time.Second
	}
	return &Orchestrator{
		adapter: adapter,
		sched:   sched,
		catalog: catalog,
		bus:     bus,
		opts:    opts,
		links:   make(map[string]*link),
	}
}

// AddListener registers l for lifecycle callbacks of every link.
func (o *Orchestrator) AddListener(l Listener) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.listeners = append(o.listeners, l)
}

func (o *Orchestrator) enable() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.enabled {
		return nil
	}
	if err := o.adapter.Enable(); err != nil {
		return fmt.Errorf("orchestrator: enable adapter: %w", err)
	}
	o.enabled = true
	return nil
}

// Scan looks for advertising bands for up to the scan timeout and returns
// the recognized ones, strongest signal first.
func (o *Orchestrator) Scan(ctx context.Context) ([]Candidate, error) {
	if err := o.enable(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, o.opts.ScanTimeout)
	defer cancel()

	slog.Info("[ORCH] scanning", "timeout", o.opts.ScanTimeout)
	devices, err := o.adapter.Scan(ctx, o.catalog.Services())
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("orchestrator: scan: %w", err)
	}

	var out []Candidate
	for _, d := range devices {
		p, ok := o.catalog.Identify(d)
		if !ok {
			slog.Debug("[ORCH] ignoring unknown device", "address", d.Address, "name", d.Name)
			continue
		}
		out = append(out, Candidate{Device: d, Product: p})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Device.RSSI > out[j].Device.RSSI })
	slog.Info("[ORCH] scan finished", "found", len(out))
	return out, nil
}

// Connect identifies dev and opens a session to it.
func (o *Orchestrator) Connect(dev ble.Device) (*session.Session, error) {
	p, ok := o.catalog.Identify(dev)
	if !ok {
		return nil, fmt.Errorf("%w: %s (%q)", ErrUnknownProduct, dev.Address, dev.Name)
	}
	return o.ConnectProduct(dev.Address, p)
}

// ConnectProduct opens a session to address using product p. An existing
// session for address is reused and reconnected when down.
func (o *Orchestrator) ConnectProduct(address string, p config.Product) (*session.Session, error) {
	if err := o.enable(); err != nil {
		return nil, err
	}

	o.mu.Lock()
	l, ok := o.links[address]
	if !ok {
		s, err := session.New(o.adapter, o.sched, session.Config{
			Address:  address,
			Product:  p.Code,
			Profile:  p.Profile(),
			Options:  o.opts.Transport,
			Bus:      o.bus,
			Listener: o,
		})
		if err != nil {
			o.mu.Unlock()
			return nil, fmt.Errorf("orchestrator: %w", err)
		}
		l = &link{session: s, product: p}
		o.links[address] = l
	}
	l.closing = false
	l.attempt = 0
	o.stopRetry(l)
	s := l.session
	o.mu.Unlock()

	slog.Info("[ORCH] connecting", "address", address, "product", p.Code)
	if err := s.Connect(); err != nil {
		return s, fmt.Errorf("orchestrator: %w", err)
	}
	return s, nil
}

// Disconnect closes the session to address and stops reconnecting it.
func (o *Orchestrator) Disconnect(address string) error {
	o.mu.Lock()
	l, ok := o.links[address]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoSession, address)
	}
	l.closing = true
	o.stopRetry(l)
	o.mu.Unlock()

	slog.Info("[ORCH] disconnecting", "address", address)
	l.session.Disconnect()
	return nil
}

// Forget disconnects address and drops its session.
func (o *Orchestrator) Forget(address string) error {
	if err := o.Disconnect(address); err != nil {
		return err
	}
	o.mu.Lock()
	delete(o.links, address)
	o.mu.Unlock()
	return nil
}

// Close disconnects every session.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	addrs := make([]string, 0, len(o.links))
	for a := range o.links {
		addrs = append(addrs, a)
	}
	o.mu.Unlock()
	for _, a := range addrs {
		_ = o.Disconnect(a)
	}
}

// Session returns the session for address.
func (o *Orchestrator) Session(address string) (*session.Session, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.links[address]
	if !ok {
		return nil, false
	}
	return l.session, true
}

// Sessions returns all managed sessions ordered by address.
func (o *Orchestrator) Sessions() []*session.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*session.Session, 0, len(o.links))
	for _, l := range o.links {
		out = append(out, l.session)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address() < out[j].Address() })
	return out
}

// OnStateChanged implements session.Listener.
func (o *Orchestrator) OnStateChanged(address string, state ble.State, status ble.Status) {
	slog.Debug("[ORCH] link state", "address", address, "state", state, "status", status)
	if state == ble.StateDisconnected || state == ble.StateFailed {
		o.scheduleReconnect(address, status)
	}
	for _, lst := range o.snapshotListeners() {
		lst.OnStateChanged(address, state, status)
	}
}

// OnReady implements session.Listener.
func (o *Orchestrator) OnReady(address string) {
	o.mu.Lock()
	var product string
	if l, ok := o.links[address]; ok {
		l.attempt = 0
		product = l.product.Code
	}
	o.mu.Unlock()
	for _, lst := range o.snapshotListeners() {
		lst.OnReady(address, product)
	}
}

func (o *Orchestrator) snapshotListeners() []Listener {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Listener(nil), o.listeners...)
}

// scheduleReconnect arms one reconnect attempt for a dropped link. The first
// attempt runs immediately; later ones back off exponentially.
func (o *Orchestrator) scheduleReconnect(address string, status ble.Status) {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.links[address]
	if !ok || l.closing || !o.opts.AutoReconnect || l.retry != nil {
		return
	}

	attempt := l.attempt
	l.attempt++
	if attempt == 0 {
		slog.Info("[ORCH] link lost, reconnecting", "address", address, "status", status)
		l.retry = noTimer{}
		o.sched.Post(func() { o.reconnect(address, l) })
		return
	}
	delay := backoffDelay(attempt-1, o.opts.ReconnectMax)
	slog.Info("[ORCH] reconnect backoff", "address", address, "attempt", attempt+1, "delay", delay)
	l.retry = o.sched.AfterFunc(delay, func() { o.reconnect(address, l) })
}

func (o *Orchestrator) reconnect(address string, l *link) {
	o.mu.Lock()
	if o.links[address] != l || l.closing || l.retry == nil {
		o.mu.Unlock()
		return
	}
	l.retry = nil
	o.mu.Unlock()

	// A failed attempt reports Failed, which schedules the next one.
	if err := l.session.Connect(); err != nil {
		slog.Warn("[ORCH] reconnect failed", "address", address, "error", err)
	}
}

// stopRetry must be called with o.mu held.
func (o *Orchestrator) stopRetry(l *link) {
	if l.retry != nil {
		l.retry.Stop()
		l.retry = nil
	}
}

// noTimer marks an immediate retry that is already posted.
type noTimer struct{}

func (noTimer) Stop() bool { return false }

// backoffDelay returns the reconnection delay for attempt n, capped at max.
func backoffDelay(attempt int, max time.Duration) time.Duration {
	if attempt >= 31 {
		return max
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	if delay > max {
		return max
	}
	return delay
}
