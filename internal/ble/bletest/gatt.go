package bletest

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/chaz8081/bandlink/internal/ble"
)

// Write is one WriteCharacteristic call recorded by FakeGatt.
type Write struct {
	Char uuid.UUID
	Data []byte
}

// FakeGatt records every call. In Auto mode it answers each call through the
// callback immediately and successfully; otherwise the test answers with the
// Simulate helpers.
type FakeGatt struct {
	Address string

	mu sync.Mutex
	cb ble.GattCallback

	Auto      bool
	Services  []ble.Service
	Bond      ble.BondState
	ReadValue []byte
	RSSI      int
	// MTULimit caps the MTU granted in Auto mode; 0 grants any.
	MTULimit int
	// Responder produces the notifications that answer a write in Auto
	// mode. They arrive on NotifyChar.
	Responder  func([]byte) [][]byte
	NotifyChar uuid.UUID
	// Silent suppresses the disconnect callback after Disconnect.
	Silent bool
	// Errs makes the named call fail synchronously ("discover", "read",
	// "write", "notify", "rssi", "mtu", "bond", "disconnect").
	Errs map[string]error

	calls  []string
	writes []Write
	closed bool
}

// NewFakeGatt returns a link reporting to cb.
func NewFakeGatt(address string, cb ble.GattCallback) *FakeGatt {
	return &FakeGatt{Address: address, cb: cb}
}

func (g *FakeGatt) record(call string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, call)
	if err := g.Errs[call]; err != nil {
		return err
	}
	return nil
}

func (g *FakeGatt) auto() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.Auto && !g.closed
}

func (g *FakeGatt) DiscoverServices() error {
	if err := g.record("discover"); err != nil {
		return err
	}
	if g.auto() {
		g.cb.OnServicesDiscovered(ble.StatusSuccess, g.Services)
	}
	return nil
}

func (g *FakeGatt) ReadCharacteristic(_, char uuid.UUID) error {
	if err := g.record("read"); err != nil {
		return err
	}
	if g.auto() {
		g.cb.OnCharacteristicRead(char, g.ReadValue, ble.StatusSuccess)
	}
	return nil
}

func (g *FakeGatt) WriteCharacteristic(_, char uuid.UUID, data []byte) error {
	if err := g.record("write"); err != nil {
		return err
	}
	g.mu.Lock()
	g.writes = append(g.writes, Write{Char: char, Data: append([]byte(nil), data...)})
	responder := g.Responder
	g.mu.Unlock()
	if !g.auto() {
		return nil
	}
	g.cb.OnCharacteristicWrite(char, ble.StatusSuccess)
	if responder != nil {
		for _, n := range responder(data) {
			g.cb.OnCharacteristicChanged(g.NotifyChar, n)
		}
	}
	return nil
}

func (g *FakeGatt) SetNotification(_, char uuid.UUID, enable bool) error {
	if err := g.record("notify"); err != nil {
		return err
	}
	if g.auto() {
		g.cb.OnNotificationStateChanged(char, enable, ble.StatusSuccess)
	}
	return nil
}

func (g *FakeGatt) ReadRemoteRSSI() error {
	if err := g.record("rssi"); err != nil {
		return err
	}
	if g.auto() {
		g.cb.OnReadRemoteRSSI(g.RSSI, ble.StatusSuccess)
	}
	return nil
}

func (g *FakeGatt) RequestMTU(mtu int) error {
	if err := g.record("mtu"); err != nil {
		return err
	}
	if g.auto() {
		if g.MTULimit > 0 && mtu > g.MTULimit {
			mtu = g.MTULimit
		}
		g.cb.OnMTUChanged(mtu, ble.StatusSuccess)
	}
	return nil
}

func (g *FakeGatt) BondState() ble.BondState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.Bond
}

func (g *FakeGatt) CreateBond() error {
	if err := g.record("bond"); err != nil {
		return err
	}
	if g.auto() {
		g.mu.Lock()
		g.Bond = ble.BondBonded
		g.mu.Unlock()
		g.cb.OnBondStateChanged(ble.BondBonded)
	}
	return nil
}

func (g *FakeGatt) Disconnect() error {
	if err := g.record("disconnect"); err != nil {
		return err
	}
	g.mu.Lock()
	silent := g.Silent || g.closed
	g.mu.Unlock()
	if !silent {
		g.cb.OnConnectionStateChange(ble.StatusSuccess, false)
	}
	return nil
}

func (g *FakeGatt) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, "close")
	g.closed = true
	return nil
}

// Calls returns the names of the calls made so far, in order.
func (g *FakeGatt) Calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

// Count returns how often call was made.
func (g *FakeGatt) Count(call string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		if c == call {
			n++
		}
	}
	return n
}

// Writes returns the recorded writes.
func (g *FakeGatt) Writes() []Write {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Write(nil), g.writes...)
}

// Closed reports whether Close was called.
func (g *FakeGatt) Closed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

// SimulateConnected reports a successful connection.
func (g *FakeGatt) SimulateConnected() {
	g.cb.OnConnectionStateChange(ble.StatusSuccess, true)
}

// SimulateDisconnected reports the link going down with status.
func (g *FakeGatt) SimulateDisconnected(status ble.Status) {
	g.cb.OnConnectionStateChange(status, false)
}

// SimulateServices reports discovery results.
func (g *FakeGatt) SimulateServices(status ble.Status, services ...ble.Service) {
	g.cb.OnServicesDiscovered(status, services)
}

// SimulateWrite acknowledges the last write to char.
func (g *FakeGatt) SimulateWrite(char uuid.UUID, status ble.Status) {
	g.cb.OnCharacteristicWrite(char, status)
}

// SimulateRead answers a read.
func (g *FakeGatt) SimulateRead(char uuid.UUID, value []byte, status ble.Status) {
	g.cb.OnCharacteristicRead(char, value, status)
}

// SimulateNotifyState answers a notification enable.
func (g *FakeGatt) SimulateNotifyState(char uuid.UUID, status ble.Status) {
	g.cb.OnNotificationStateChanged(char, true, status)
}

// SimulateNotification delivers a notification.
func (g *FakeGatt) SimulateNotification(char uuid.UUID, value []byte) {
	g.cb.OnCharacteristicChanged(char, value)
}

// SimulateBond reports a bond state change.
func (g *FakeGatt) SimulateBond(state ble.BondState) {
	g.mu.Lock()
	g.Bond = state
	g.mu.Unlock()
	g.cb.OnBondStateChanged(state)
}

// SimulateMTU answers an MTU request.
func (g *FakeGatt) SimulateMTU(mtu int, status ble.Status) {
	g.cb.OnMTUChanged(mtu, status)
}

// SimulateRSSI answers an RSSI read.
func (g *FakeGatt) SimulateRSSI(rssi int, status ble.Status) {
	g.cb.OnReadRemoteRSSI(rssi, status)
}

// FakeAdapter hands out FakeGatt links.
type FakeAdapter struct {
	mu         sync.Mutex
	Devices    []ble.Device
	ScanErr    error
	ConnectErr error
	// AutoConnect reports the connection as established from Connect.
	AutoConnect bool
	// Configure is applied to each new link before it is returned.
	Configure func(*FakeGatt)

	enabled bool
	links   []*FakeGatt
}

func (a *FakeAdapter) Enable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enabled = true
	return nil
}

// Enabled reports whether Enable was called.
func (a *FakeAdapter) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled
}

func (a *FakeAdapter) Scan(ctx context.Context, services []uuid.UUID) ([]ble.Device, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ScanErr != nil {
		return nil, a.ScanErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(services) == 0 {
		return append([]ble.Device(nil), a.Devices...), nil
	}
	var out []ble.Device
	for _, d := range a.Devices {
		for _, s := range services {
			if advertises(d, s) {
				out = append(out, d)
				break
			}
		}
	}
	return out, nil
}

func advertises(d ble.Device, service uuid.UUID) bool {
	for _, s := range d.Services {
		if s == service {
			return true
		}
	}
	return false
}

func (a *FakeAdapter) Connect(address string, cb ble.GattCallback) (ble.Gatt, error) {
	a.mu.Lock()
	if a.ConnectErr != nil {
		err := a.ConnectErr
		a.mu.Unlock()
		return nil, fmt.Errorf("fake: connect %s: %w", address, err)
	}
	g := NewFakeGatt(address, cb)
	if a.Configure != nil {
		a.Configure(g)
	}
	a.links = append(a.links, g)
	auto := a.AutoConnect
	a.mu.Unlock()

	if auto {
		g.SimulateConnected()
	}
	return g, nil
}

// Last returns the most recent link, or nil.
func (a *FakeAdapter) Last() *FakeGatt {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.links) == 0 {
		return nil
	}
	return a.links[len(a.links)-1]
}

// Connects returns how many links were created.
func (a *FakeAdapter) Connects() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.links)
}

var (
	_ ble.Adapter = (*FakeAdapter)(nil)
	_ ble.Gatt    = (*FakeGatt)(nil)
)
