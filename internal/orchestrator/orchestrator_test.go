package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/bandlink/internal/ble"
	"github.com/chaz8081/bandlink/internal/ble/bletest"
	"github.com/chaz8081/bandlink/internal/config"
	"github.com/chaz8081/bandlink/internal/events"
)

const addr = "AA:BB:CC:DD:EE:FF"

var (
	b5Service = uuid.MustParse("6e400001-b5a3-f393-e0a9-e50e24dcca9e")
	b5Write   = uuid.MustParse("6e400002-b5a3-f393-e0a9-e50e24dcca9e")
	b5Notify  = uuid.MustParse("6e400003-b5a3-f393-e0a9-e50e24dcca9e")
	b7Service = uuid.MustParse("0000fee7-0000-1000-8000-00805f9b34fb")
	b7Write   = uuid.MustParse("0000fec7-0000-1000-8000-00805f9b34fb")
	b7Notify  = uuid.MustParse("0000fec8-0000-1000-8000-00805f9b34fb")
	b7Read    = uuid.MustParse("0000fec9-0000-1000-8000-00805f9b34fb")
)

type recorder struct {
	states []ble.State
	ready  []string
}

func (r *recorder) OnStateChanged(_ string, s ble.State, _ ble.Status) {
	r.states = append(r.states, s)
}

func (r *recorder) OnReady(address, product string) {
	r.ready = append(r.ready, address+"/"+product)
}

type harness struct {
	sched   *bletest.FakeScheduler
	adapter *bletest.FakeAdapter
	bus     *events.Bus
	rec     *recorder
	o       *Orchestrator
}

// newHarness returns an orchestrator over auto-answering fake bands that
// expose both catalog services.
func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		sched: bletest.NewFakeScheduler(),
		adapter: &bletest.FakeAdapter{
			AutoConnect: true,
			Configure: func(g *bletest.FakeGatt) {
				g.Auto = true
				g.Services = []ble.Service{
					{UUID: b5Service, Characteristics: []uuid.UUID{b5Write, b5Notify}},
					{UUID: b7Service, Characteristics: []uuid.UUID{b7Write, b7Notify, b7Read}},
				}
			},
		},
		bus: events.NewBus(8),
		rec: &recorder{},
	}
	h.o = New(h.adapter, h.sched, config.DefaultCatalog(), h.bus, opts)
	h.o.AddListener(h.rec)
	return h
}

func (h *harness) connectB5(t *testing.T) {
	t.Helper()
	s, err := h.o.Connect(ble.Device{Address: addr, Name: "B5-0001"})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	h.sched.RunPending()
	if !s.Ready() {
		t.Fatalf("session not ready, state %v", s.State())
	}
}

func TestReconnectBackoff(t *testing.T) {
	delays := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second, // capped
		30 * time.Second, // still capped
	}

	for i, want := range delays {
		got := backoffDelay(i, 30*time.Second)
		if got != want {
			t.Errorf("backoffDelay(%d, 30s) = %v, want %v", i, got, want)
		}
	}
}

func TestBackoffDelayOverflowProtection(t *testing.T) {
	if got := backoffDelay(100, 30*time.Second); got != 30*time.Second {
		t.Errorf("backoffDelay(100, 30s) = %v, want 30s (capped at max)", got)
	}
	got := backoffDelay(31, time.Minute)
	if got <= 0 || got > time.Minute {
		t.Errorf("backoffDelay(31, 1m) = %v, want within (0, 1m]", got)
	}
}

func TestScanIdentifiesAndSorts(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	h.adapter.Devices = []ble.Device{
		{Address: "01", Name: "", RSSI: -80, Services: []uuid.UUID{b5Service}},
		{Address: "02", Name: "B7-77", RSSI: -40, Services: []uuid.UUID{b7Service}},
		{Address: "03", Name: "Speaker", RSSI: -30},
	}

	got, err := h.o.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if !h.adapter.Enabled() {
		t.Error("Scan() should enable the adapter")
	}
	if len(got) != 2 {
		t.Fatalf("Scan() found %d, want 2: %+v", len(got), got)
	}
	if got[0].Device.Address != "02" || got[0].Product.Code != "B7" {
		t.Errorf("first candidate = %s/%s, want 02/B7", got[0].Device.Address, got[0].Product.Code)
	}
	if got[1].Device.Address != "01" || got[1].Product.Code != "B5" {
		t.Errorf("second candidate = %s/%s, want 01/B5", got[1].Device.Address, got[1].Product.Code)
	}
}

func TestScanError(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	h.adapter.ScanErr = errors.New("radio off")
	if _, err := h.o.Scan(context.Background()); err == nil || !strings.Contains(err.Error(), "radio off") {
		t.Errorf("Scan() error = %v, want radio off", err)
	}
}

func TestConnectUnknownProduct(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	_, err := h.o.Connect(ble.Device{Address: addr, Name: "Speaker"})
	if !errors.Is(err, ErrUnknownProduct) {
		t.Errorf("Connect() error = %v, want ErrUnknownProduct", err)
	}
	if h.adapter.Connects() != 0 {
		t.Error("unknown product should not be dialed")
	}
}

func TestConnectNotifiesListeners(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	h.connectB5(t)

	if len(h.rec.ready) != 1 || h.rec.ready[0] != addr+"/B5" {
		t.Errorf("ready = %v, want [%s/B5]", h.rec.ready, addr)
	}
	if len(h.rec.states) < 2 || h.rec.states[0] != ble.StateConnecting || h.rec.states[1] != ble.StateConnected {
		t.Errorf("states = %v, want Connecting, Connected", h.rec.states)
	}
	if s, ok := h.o.Session(addr); !ok || s.Product() != "B5" {
		t.Error("Session() should return the B5 session")
	}
}

func TestConnectPINProductBondsBeforeDiscovery(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	s, err := h.o.Connect(ble.Device{Address: addr, Name: "Band7"})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	h.sched.RunPending()
	if !s.Ready() {
		t.Fatalf("session not ready, state %v", s.State())
	}

	got := strings.Join(h.adapter.Last().Calls(), ",")
	if got != "bond,discover,mtu,notify" {
		t.Errorf("calls = %s, want bond,discover,mtu,notify", got)
	}
	if mtu := s.Transport().MTU(); mtu != 185 {
		t.Errorf("MTU = %d, want 185", mtu)
	}
}

func TestConnectReusesSession(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	h.connectB5(t)
	first, _ := h.o.Session(addr)

	s, err := h.o.Connect(ble.Device{Address: addr, Name: "B5-0001"})
	if err != nil {
		t.Fatalf("second Connect() error = %v", err)
	}
	if s != first {
		t.Error("Connect() should reuse the existing session")
	}
	if h.adapter.Connects() != 1 {
		t.Errorf("Connects() = %d, want 1 for an already connected band", h.adapter.Connects())
	}
	if len(h.o.Sessions()) != 1 {
		t.Errorf("Sessions() = %d, want 1", len(h.o.Sessions()))
	}
}

func TestReconnectAfterRemoteDrop(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	h.connectB5(t)

	h.adapter.Last().SimulateDisconnected(ble.StatusRemoteDisconnect)
	h.sched.RunPending()

	if h.adapter.Connects() != 2 {
		t.Fatalf("Connects() = %d, want immediate reconnect", h.adapter.Connects())
	}
	s, _ := h.o.Session(addr)
	if !s.Ready() {
		t.Errorf("session not ready after reconnect, state %v", s.State())
	}
	if len(h.rec.ready) != 2 {
		t.Errorf("ready callbacks = %d, want 2", len(h.rec.ready))
	}
}

func TestReconnectBacksOffWhileFailing(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	h.connectB5(t)

	h.adapter.ConnectErr = errors.New("out of range")
	h.adapter.Last().SimulateDisconnected(ble.StatusRemoteDisconnect)
	h.sched.RunPending()

	// The immediate attempt failed; the next waits 1s, then 2s.
	for _, want := range []time.Duration{time.Second, 2 * time.Second} {
		d, ok := h.sched.NextDeadline()
		if !ok || d != want {
			t.Fatalf("next retry in %v (armed %v), want %v", d, ok, want)
		}
		h.sched.Advance(want)
	}

	h.adapter.ConnectErr = nil
	h.sched.Advance(4 * time.Second)
	s, _ := h.o.Session(addr)
	if !s.Ready() {
		t.Fatalf("session not ready after recovery, state %v", s.State())
	}

	// A later drop starts over with an immediate attempt.
	before := h.adapter.Connects()
	h.adapter.Last().SimulateDisconnected(ble.StatusRemoteDisconnect)
	h.sched.RunPending()
	if h.adapter.Connects() != before+1 {
		t.Errorf("Connects() = %d, want %d", h.adapter.Connects(), before+1)
	}
}

func TestDisconnectStopsReconnecting(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	h.connectB5(t)

	if err := h.o.Disconnect(addr); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	h.sched.Advance(time.Minute)

	s, _ := h.o.Session(addr)
	if s.State() != ble.StateDisconnected {
		t.Errorf("state = %v, want Disconnected", s.State())
	}
	if h.adapter.Connects() != 1 {
		t.Errorf("Connects() = %d, want no reconnect", h.adapter.Connects())
	}
}

func TestAutoReconnectDisabled(t *testing.T) {
	opts := DefaultOptions()
	opts.AutoReconnect = false
	h := newHarness(t, opts)
	h.connectB5(t)

	h.adapter.Last().SimulateDisconnected(ble.StatusRemoteDisconnect)
	h.sched.Advance(time.Minute)
	if h.adapter.Connects() != 1 {
		t.Errorf("Connects() = %d, want 1", h.adapter.Connects())
	}
}

func TestDisconnectUnknownAddress(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	if err := h.o.Disconnect("00:00"); !errors.Is(err, ErrNoSession) {
		t.Errorf("Disconnect() error = %v, want ErrNoSession", err)
	}
}

func TestForgetDropsSession(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	h.connectB5(t)
	if err := h.o.Forget(addr); err != nil {
		t.Fatalf("Forget() error = %v", err)
	}
	h.sched.RunPending()
	if _, ok := h.o.Session(addr); ok {
		t.Error("Session() should miss after Forget")
	}
}

func TestUnsolicitedEventsReachBus(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	ch, unsub := h.bus.Subscribe()
	defer unsub()
	h.connectB5(t)

	h.adapter.Last().SimulateNotification(b5Notify, []byte{0xC1, 0x01})
	h.sched.RunPending()

	select {
	case e := <-ch:
		if e.Name != events.CameraShutter || e.Device != addr {
			t.Errorf("event = %+v", e)
		}
	default:
		t.Fatal("no event published")
	}
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Orchestrator.ScanTimeout = 3 * time.Second
	opts := OptionsFromConfig(cfg)
	if opts.ScanTimeout != 3*time.Second || !opts.AutoReconnect || opts.ReconnectMax != 30*time.Second {
		t.Errorf("OptionsFromConfig() = %+v", opts)
	}
	if opts.Transport != cfg.TransportOptions() {
		t.Error("transport options not carried over")
	}
}
