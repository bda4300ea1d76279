package ble

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"tinygo.org/x/bluetooth"
)

var errRSSIUnsupported = errors.New("ble: remote RSSI read not supported by this adapter")

// TinyGoAdapter implements Adapter on tinygo-org/bluetooth (CoreBluetooth on
// macOS, BlueZ on Linux). On macOS device addresses are CoreBluetooth UUIDs
// rather than MAC addresses.
//
// tinygo-org/bluetooth calls are blocking, so each Gatt call runs in its own
// goroutine and reports through the GattCallback. Pairing is left to the OS:
// links always report BondBonded.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter

	// mu protects links.
	mu    sync.Mutex
	links map[string]*tinyGatt // keyed by address
}

// NewTinyGoAdapter creates an adapter on the default BLE controller.
func NewTinyGoAdapter() *TinyGoAdapter {
	return &TinyGoAdapter{
		adapter: bluetooth.DefaultAdapter,
		links:   make(map[string]*tinyGatt),
	}
}

func (a *TinyGoAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}

	// The adapter-level handler is the only disconnect signal tinygo gives us.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		a.mu.Lock()
		g, ok := a.links[device.Address.String()]
		a.mu.Unlock()
		if ok {
			g.reportDisconnect()
		}
	})
	return nil
}

func (a *TinyGoAdapter) Scan(ctx context.Context, services []uuid.UUID) ([]Device, error) {
	filter := make([]bluetooth.UUID, 0, len(services))
	for _, s := range services {
		u, err := toTinyUUID(s)
		if err != nil {
			return nil, err
		}
		filter = append(filter, u)
	}

	var mu sync.Mutex
	var devices []Device
	seen := make(map[string]bool)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = a.adapter.StopScan()
		case <-done:
		}
	}()

	err := a.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		var matched []uuid.UUID
		for i, f := range filter {
			if result.HasServiceUUID(f) {
				matched = append(matched, services[i])
			}
		}
		if len(filter) > 0 && len(matched) == 0 {
			return
		}
		addr := result.Address.String()
		mu.Lock()
		defer mu.Unlock()
		if seen[addr] {
			return
		}
		seen[addr] = true
		devices = append(devices, Device{
			Name:     result.LocalName(),
			Address:  addr,
			RSSI:     int(result.RSSI),
			Services: matched,
		})
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	return devices, nil
}

func (a *TinyGoAdapter) Connect(address string, cb GattCallback) (Gatt, error) {
	var addr bluetooth.Address
	addr.Set(address)

	g := &tinyGatt{adapter: a, address: address, cb: cb, chars: make(map[uuid.UUID]bluetooth.DeviceCharacteristic)}
	a.mu.Lock()
	a.links[address] = g
	a.mu.Unlock()

	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		if err != nil {
			g.report(func() { cb.OnConnectionStateChange(StatusError, false) })
			return
		}
		g.mu.Lock()
		closed := g.closed
		g.device = &device
		g.mu.Unlock()
		if closed {
			_ = device.Disconnect()
			return
		}
		g.report(func() { cb.OnConnectionStateChange(StatusSuccess, true) })
	}()
	return g, nil
}

func (a *TinyGoAdapter) forget(address string, g *tinyGatt) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.links[address] == g {
		delete(a.links, address)
	}
}

// Compile-time check that TinyGoAdapter implements Adapter.
var _ Adapter = (*TinyGoAdapter)(nil)

type tinyGatt struct {
	adapter *TinyGoAdapter
	address string
	cb      GattCallback

	mu     sync.Mutex
	device *bluetooth.Device
	chars  map[uuid.UUID]bluetooth.DeviceCharacteristic
	closed bool
}

// report runs fn unless the link was closed.
func (g *tinyGatt) report(fn func()) {
	g.mu.Lock()
	closed := g.closed
	g.mu.Unlock()
	if !closed {
		fn()
	}
}

func (g *tinyGatt) reportDisconnect() {
	g.report(func() { g.cb.OnConnectionStateChange(StatusSuccess, false) })
}

func (g *tinyGatt) connected() (*bluetooth.Device, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, errors.New("ble: link closed")
	}
	if g.device == nil {
		return nil, ErrNotConnected
	}
	return g.device, nil
}

func (g *tinyGatt) char(id uuid.UUID) (bluetooth.DeviceCharacteristic, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.chars[id]
	if !ok {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("ble: characteristic %s not discovered", id)
	}
	return c, nil
}

func (g *tinyGatt) DiscoverServices() error {
	device, err := g.connected()
	if err != nil {
		return err
	}
	go func() {
		svcs, err := device.DiscoverServices(nil)
		if err != nil {
			g.report(func() { g.cb.OnServicesDiscovered(StatusError, nil) })
			return
		}
		var out []Service
		found := make(map[uuid.UUID]bluetooth.DeviceCharacteristic)
		for _, s := range svcs {
			svc := Service{UUID: fromTinyUUID(s.UUID())}
			chars, err := s.DiscoverCharacteristics(nil)
			if err != nil {
				g.report(func() { g.cb.OnServicesDiscovered(StatusError, nil) })
				return
			}
			for _, c := range chars {
				id := fromTinyUUID(c.UUID())
				found[id] = c
				svc.Characteristics = append(svc.Characteristics, id)
			}
			out = append(out, svc)
		}
		g.mu.Lock()
		g.chars = found
		g.mu.Unlock()
		g.report(func() { g.cb.OnServicesDiscovered(StatusSuccess, out) })
	}()
	return nil
}

func (g *tinyGatt) ReadCharacteristic(_, char uuid.UUID) error {
	c, err := g.char(char)
	if err != nil {
		return err
	}
	go func() {
		buf := make([]byte, 512)
		n, err := c.Read(buf)
		if err != nil {
			g.report(func() { g.cb.OnCharacteristicRead(char, nil, StatusError) })
			return
		}
		g.report(func() { g.cb.OnCharacteristicRead(char, buf[:n], StatusSuccess) })
	}()
	return nil
}

func (g *tinyGatt) WriteCharacteristic(_, char uuid.UUID, data []byte) error {
	c, err := g.char(char)
	if err != nil {
		return err
	}
	buf := append([]byte(nil), data...)
	go func() {
		_, err := c.WriteWithoutResponse(buf)
		status := gattStatus(err)
		g.report(func() { g.cb.OnCharacteristicWrite(char, status) })
	}()
	return nil
}

func (g *tinyGatt) SetNotification(_, char uuid.UUID, enable bool) error {
	c, err := g.char(char)
	if err != nil {
		return err
	}
	go func() {
		var handler func([]byte)
		if enable {
			handler = func(buf []byte) {
				g.report(func() { g.cb.OnCharacteristicChanged(char, buf) })
			}
		}
		status := gattStatus(c.EnableNotifications(handler))
		g.report(func() { g.cb.OnNotificationStateChanged(char, enable, status) })
	}()
	return nil
}

func (g *tinyGatt) ReadRemoteRSSI() error {
	return errRSSIUnsupported
}

// RequestMTU reports the MTU the platform negotiated on its own; tinygo has
// no explicit exchange.
func (g *tinyGatt) RequestMTU(int) error {
	g.mu.Lock()
	var c bluetooth.DeviceCharacteristic
	ok := false
	for _, ch := range g.chars {
		c, ok = ch, true
		break
	}
	g.mu.Unlock()
	if !ok {
		return errors.New("ble: MTU unknown before discovery")
	}
	go func() {
		mtu, err := c.GetMTU()
		if err != nil {
			g.report(func() { g.cb.OnMTUChanged(DefaultMTU, StatusError) })
			return
		}
		g.report(func() { g.cb.OnMTUChanged(int(mtu), StatusSuccess) })
	}()
	return nil
}

func (g *tinyGatt) BondState() BondState {
	return BondBonded
}

func (g *tinyGatt) CreateBond() error {
	go g.report(func() { g.cb.OnBondStateChanged(BondBonded) })
	return nil
}

func (g *tinyGatt) Disconnect() error {
	device, err := g.connected()
	if err != nil {
		return err
	}
	return device.Disconnect()
}

func (g *tinyGatt) Close() error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.adapter.forget(g.address, g)
	return nil
}

// gattStatus maps a platform error to the status a GATT callback carries.
// tinygo gives no ATT error codes, so every failure is a generic GATT error.
func gattStatus(err error) Status {
	if err != nil {
		return StatusError
	}
	return StatusSuccess
}

func toTinyUUID(u uuid.UUID) (bluetooth.UUID, error) {
	t, err := bluetooth.ParseUUID(u.String())
	if err != nil {
		return bluetooth.UUID{}, fmt.Errorf("ble: parse UUID %s: %w", u, err)
	}
	return t, nil
}

func fromTinyUUID(u bluetooth.UUID) uuid.UUID {
	id, err := uuid.Parse(u.String())
	if err != nil {
		return uuid.Nil
	}
	return id
}
