package session

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/bandlink/internal/ble"
	"github.com/chaz8081/bandlink/internal/ble/bletest"
	"github.com/chaz8081/bandlink/internal/events"
	"github.com/chaz8081/bandlink/internal/protocol"
)

var (
	svcUUID    = uuid.MustParse("6e400001-b5a3-f393-e0a9-e50e24dcca9e")
	writeUUID  = uuid.MustParse("6e400002-b5a3-f393-e0a9-e50e24dcca9e")
	notifyUUID = uuid.MustParse("6e400003-b5a3-f393-e0a9-e50e24dcca9e")
)

func testProfile() ble.Profile {
	return ble.Profile{
		Service: svcUUID,
		Characteristics: []ble.CharacteristicSpec{
			{UUID: writeUUID, Write: true, Required: true},
			{UUID: notifyUUID, Notify: true, Required: true},
		},
	}
}

// bandReplies answers requests the way a healthy band does.
func bandReplies(req []byte) [][]byte {
	if len(req) < 2 {
		return nil
	}
	switch req[1] {
	case protocol.MsgSetStepsTarget:
		return [][]byte{{0x03, protocol.MsgSetStepsTarget, 0x00}}
	case protocol.MsgGetDeviceStatus:
		return [][]byte{{0x03, protocol.MsgGetDeviceStatus, 0b00000111}}
	case protocol.MsgGetBattery:
		return [][]byte{{0x03, protocol.MsgGetBattery, 80}} // one byte short
	case protocol.MsgGetStepsTarget:
		return [][]byte{{0x06, protocol.MsgGetStepsTarget, 0x00, 0x00, 0x1F, 0x40}}
	}
	return nil
}

type stateEvent struct {
	state  ble.State
	status ble.Status
}

type listener struct {
	states []stateEvent
	ready  int
}

func (l *listener) OnStateChanged(_ string, s ble.State, st ble.Status) {
	l.states = append(l.states, stateEvent{s, st})
}
func (l *listener) OnReady(string) { l.ready++ }

type fixture struct {
	sched   *bletest.FakeScheduler
	adapter *bletest.FakeAdapter
	bus     *events.Bus
	l       *listener
	s       *Session
}

// newFixture returns a session on an auto-answering fake link. responder
// may be nil for a band that never answers.
func newFixture(t *testing.T, responder func([]byte) [][]byte) *fixture {
	t.Helper()
	f := &fixture{
		sched: bletest.NewFakeScheduler(),
		adapter: &bletest.FakeAdapter{
			AutoConnect: true,
			Configure: func(g *bletest.FakeGatt) {
				g.Auto = true
				g.Services = []ble.Service{{UUID: svcUUID, Characteristics: []uuid.UUID{writeUUID, notifyUUID}}}
				g.Responder = responder
				g.NotifyChar = notifyUUID
			},
		},
		bus: events.NewBus(16),
		l:   &listener{},
	}
	s, err := New(f.adapter, f.sched, Config{
		Address:  "AA:BB:CC:DD:EE:FF",
		Product:  "B5",
		Profile:  testProfile(),
		Options:  ble.DefaultOptions(),
		Bus:      f.bus,
		Listener: f.l,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	f.s = s
	if err := s.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	f.sched.RunPending()
	if !s.Ready() {
		t.Fatalf("session not ready, state %v", s.State())
	}
	return f
}

func TestSetStepsTargetEndToEnd(t *testing.T) {
	f := newFixture(t, bandReplies)
	cmd := protocol.NewSetStepsTarget(10000)
	if err := f.s.Execute(cmd); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	f.sched.RunPending()

	writes := f.adapter.Last().Writes()
	want := []byte{0x06, 0x06, 0x00, 0x00, 0x27, 0x10}
	if len(writes) != 1 || !bytes.Equal(writes[0].Data, want) {
		t.Fatalf("writes = %v, want one write % x", writes, want)
	}
	if !cmd.Done() {
		t.Fatal("command not resolved")
	}
	if ok, err := cmd.Result(); !ok || err != nil {
		t.Errorf("Result() = %v, %v; want true, nil", ok, err)
	}
	if f.s.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", f.s.Pending())
	}
	if _, ok := f.s.Transport().InFlight(); ok {
		t.Error("operation still in flight after the response")
	}
}

func TestDeviceStatusAllHealthy(t *testing.T) {
	f := newFixture(t, bandReplies)
	cmd := protocol.NewGetDeviceStatus()
	if err := f.s.Execute(cmd); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	f.sched.RunPending()
	st, err := cmd.Result()
	if err != nil {
		t.Fatalf("Result() error = %v", err)
	}
	if !st.Healthy() || len(st.Faults()) != 0 {
		t.Errorf("status = %v, want all subsystems healthy", st)
	}
}

func TestShortResponseFailsWithInvalidLength(t *testing.T) {
	f := newFixture(t, bandReplies)
	cmd := protocol.NewGetBattery()
	calls := 0
	var gotErr error
	cmd.OnResult(func(_ protocol.Battery, err error) {
		calls++
		gotErr = err
	})
	if err := f.s.Execute(cmd); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	f.sched.RunPending()
	f.sched.Advance(5 * time.Second)
	if calls != 1 || !errors.Is(gotErr, protocol.ErrInvalidLength) {
		t.Errorf("callback calls = %d, err = %v; want 1, ErrInvalidLength", calls, gotErr)
	}
	if f.s.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", f.s.Pending())
	}
}

func TestCommandsRunInOrder(t *testing.T) {
	f := newFixture(t, bandReplies)
	set := protocol.NewSetStepsTarget(8000)
	get := protocol.NewGetStepsTarget()
	_ = f.s.Execute(set)
	_ = f.s.Execute(get)
	f.sched.RunPending()

	if _, err := set.Result(); err != nil {
		t.Errorf("set: %v", err)
	}
	if v, err := get.Result(); err != nil || v != 8000 {
		t.Errorf("get = %d, %v; want 8000", v, err)
	}
	writes := f.adapter.Last().Writes()
	if len(writes) != 2 || writes[0].Data[1] != protocol.MsgSetStepsTarget || writes[1].Data[1] != protocol.MsgGetStepsTarget {
		t.Errorf("write order = %v", writes)
	}
}

func TestUnsolicitedEvents(t *testing.T) {
	tests := []struct {
		data []byte
		want events.Name
	}{
		{[]byte{PrefixCamera, 0x01}, events.CameraShutter},
		{[]byte{PrefixCamera, 0x00}, events.CameraExit},
		{[]byte{PrefixFindPhone, 0x01}, events.FindPhoneStart},
		{[]byte{PrefixFindPhone, 0x00}, events.FindPhoneStop},
		{[]byte{PrefixMusic, 0x01}, events.MusicPlayPause},
		{[]byte{PrefixMusic, 0x02}, events.MusicNext},
		{[]byte{PrefixMusic, 0x03}, events.MusicPrevious},
		{[]byte{PrefixMusic, 0x04}, events.MusicVolumeUp},
		{[]byte{PrefixMusic, 0x05}, events.MusicVolumeDown},
	}
	f := newFixture(t, nil)
	ch, unsub := f.bus.Subscribe()
	defer unsub()

	for _, tt := range tests {
		f.adapter.Last().SimulateNotification(notifyUUID, tt.data)
		f.sched.RunPending()
		select {
		case e := <-ch:
			if e.Name != tt.want || e.Device != "AA:BB:CC:DD:EE:FF" {
				t.Errorf("% x: event = %+v, want %v", tt.data, e, tt.want)
			}
		default:
			t.Errorf("% x: no event published", tt.data)
		}
	}

	// Unknown shapes are dropped.
	for _, data := range [][]byte{{PrefixMusic, 0x7F}, {0x42, 0x01}, {PrefixCamera}} {
		f.adapter.Last().SimulateNotification(notifyUUID, data)
		f.sched.RunPending()
	}
	select {
	case e := <-ch:
		t.Errorf("unexpected event %+v", e)
	default:
	}
}

func TestIncompatiblePacketDuringCommandIsAnEvent(t *testing.T) {
	f := newFixture(t, nil)
	ch, unsub := f.bus.Subscribe()
	defer unsub()

	cmd := protocol.NewGetHeartRate()
	_ = f.s.Execute(cmd)
	f.sched.RunPending()

	f.adapter.Last().SimulateNotification(notifyUUID, []byte{PrefixCamera, 0x01})
	f.sched.RunPending()
	select {
	case e := <-ch:
		if e.Name != events.CameraShutter {
			t.Errorf("event = %v", e.Name)
		}
	default:
		t.Fatal("camera packet was not published")
	}
	if cmd.Done() {
		t.Fatal("incompatible packet resolved the pending command")
	}

	f.adapter.Last().SimulateNotification(notifyUUID, []byte{0x03, protocol.MsgGetHeartRate, 72})
	f.sched.RunPending()
	if bpm, err := cmd.Result(); err != nil || bpm != 72 {
		t.Errorf("Result() = %d, %v; want 72", bpm, err)
	}
}

func TestMultiPacketResponseKeepsOperationAlive(t *testing.T) {
	f := newFixture(t, nil)
	cmd, err := protocol.NewGetDailyRecords(0)
	if err != nil {
		t.Fatal(err)
	}
	_ = f.s.Execute(cmd)
	f.sched.RunPending()

	g := f.adapter.Last()
	g.SimulateNotification(notifyUUID, append([]byte{protocol.PacketMore}, make([]byte, 19)...))
	f.sched.RunPending()
	st, ok := f.s.Transport().InFlight()
	if !ok || st.State != ble.Receiving || st.Key != cmd.Key() {
		t.Fatalf("InFlight() = %+v, %v; want receiving for the command", st, ok)
	}

	// Each packet re-arms the response watchdog.
	f.sched.Advance(1500 * time.Millisecond)
	g.SimulateNotification(notifyUUID, append([]byte{protocol.PacketMore}, make([]byte, 19)...))
	f.sched.RunPending()
	f.sched.Advance(1500 * time.Millisecond)
	if cmd.Done() {
		t.Fatal("command timed out while packets were arriving")
	}

	g.SimulateNotification(notifyUUID, []byte{protocol.PacketLast, 0x00})
	f.sched.RunPending()
	if !cmd.Done() {
		t.Fatal("command not resolved by the last packet")
	}
	// 39 bytes cannot hold both header blocks: soft failure, nil record.
	if rec, err := cmd.Result(); rec != nil || err != nil {
		t.Errorf("Result() = %v, %v; want nil, nil", rec, err)
	}
}

func TestUnansweredCommandFails(t *testing.T) {
	f := newFixture(t, nil)
	cmd := protocol.NewGetTime(time.UTC)
	var gotErr error
	cmd.OnDone(func(err error) { gotErr = err })
	_ = f.s.Execute(cmd)
	f.sched.RunPending()

	f.sched.Advance(2 * time.Second)
	if !errors.Is(gotErr, protocol.ErrFailed) {
		t.Errorf("error = %v, want ErrFailed", gotErr)
	}
	if f.s.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", f.s.Pending())
	}
}

func TestDisconnectFailsPendingCommands(t *testing.T) {
	f := newFixture(t, nil)
	cmds := []protocol.Command{protocol.NewGetBattery(), protocol.NewGetDeviceInfo(), protocol.NewReboot()}
	failed := 0
	for _, c := range cmds {
		c.OnDone(func(err error) {
			if errors.Is(err, protocol.ErrFailed) {
				failed++
			}
		})
		if err := f.s.Execute(c); err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
	}
	f.sched.RunPending()

	f.adapter.Last().SimulateDisconnected(ble.StatusRemoteDisconnect)
	f.sched.RunPending()
	if failed != len(cmds) {
		t.Errorf("failed callbacks = %d, want %d", failed, len(cmds))
	}
	if f.s.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", f.s.Pending())
	}
	last := f.l.states[len(f.l.states)-1]
	if last.state != ble.StateDisconnected || last.status != ble.StatusRemoteDisconnect {
		t.Errorf("listener last state = %+v", last)
	}
	if f.l.ready != 1 {
		t.Errorf("listener ready calls = %d, want 1", f.l.ready)
	}
}

func TestReconnectIgnoresEventsOfPreviousLink(t *testing.T) {
	f := newFixture(t, nil)
	f.s.Disconnect()
	if err := f.s.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	// Nothing has run yet: the Disconnected event of the old link is queued
	// ahead of the new attempt.
	ready, down := f.s.attempt()
	f.sched.RunPending()

	select {
	case <-down:
		t.Fatal("new attempt reported down by the previous link's events")
	default:
	}
	select {
	case <-ready:
	default:
		t.Fatalf("new attempt not ready, state %v", f.s.State())
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := f.s.WaitReady(ctx); err != nil {
		t.Errorf("WaitReady() error = %v", err)
	}
	if n := f.adapter.Connects(); n != 2 {
		t.Errorf("links = %d, want 2", n)
	}
}

func TestWaitReadyAfterFailedAttempt(t *testing.T) {
	f := newFixture(t, nil)
	f.adapter.Last().SimulateDisconnected(ble.StatusRemoteDisconnect)
	f.sched.RunPending()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := f.s.WaitReady(ctx); !errors.Is(err, ErrNotReady) {
		t.Fatalf("WaitReady() after drop = %v, want ErrNotReady", err)
	}

	// Reconnecting clears the ended attempt before its Connecting event runs.
	if err := f.s.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	_, down := f.s.attempt()
	select {
	case <-down:
		t.Fatal("new attempt already reported down")
	default:
	}
	f.sched.RunPending()
	if err := f.s.WaitReady(ctx); err != nil {
		t.Errorf("WaitReady() after reconnect = %v", err)
	}
}

func TestExecuteWhenDisconnected(t *testing.T) {
	f := newFixture(t, nil)
	f.s.Disconnect()
	f.sched.RunPending()

	cmd := protocol.NewGetBattery()
	err := f.s.Execute(cmd)
	if !errors.Is(err, ble.ErrNotConnected) {
		t.Errorf("Execute() error = %v, want ErrNotConnected", err)
	}
	if !cmd.Done() {
		t.Error("command not failed")
	}
	if f.s.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", f.s.Pending())
	}
	if err := f.s.Execute(cmd); !errors.Is(err, ble.ErrNotConnected) {
		t.Errorf("re-Execute() error = %v", err)
	}
}

func TestExecuteDuplicateKey(t *testing.T) {
	f := newFixture(t, nil)
	cmd := protocol.NewGetBattery()
	if err := f.s.Execute(cmd); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if err := f.s.Execute(cmd); !errors.Is(err, protocol.ErrDuplicateKey) {
		t.Errorf("second Execute() error = %v, want ErrDuplicateKey", err)
	}
}

func TestNewRejectsAmbiguousMatchers(t *testing.T) {
	decode := func([]byte) (events.Name, bool) { return events.CameraShutter, true }
	tests := []struct {
		name     string
		matchers []Matcher
		wantErr  error
	}{
		{"defaults", DefaultMatchers(), nil},
		{"same prefix", []Matcher{
			{Name: "a", Prefix: []byte{0xC1}, Decode: decode},
			{Name: "b", Prefix: []byte{0xC1}, Decode: decode},
		}, ErrAmbiguousMatchers},
		{"nested prefix", []Matcher{
			{Name: "a", Prefix: []byte{0xC1, 0x01}, Decode: decode},
			{Name: "b", Prefix: []byte{0xC1}, Decode: decode},
		}, ErrAmbiguousMatchers},
		{"disjoint multi-byte", []Matcher{
			{Name: "a", Prefix: []byte{0xC1, 0x01}, Decode: decode},
			{Name: "b", Prefix: []byte{0xC1, 0x02}, Decode: decode},
		}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(&bletest.FakeAdapter{}, bletest.NewFakeScheduler(), Config{Profile: testProfile(), Matchers: tt.matchers})
			if tt.wantErr == nil && err != nil {
				t.Errorf("New() error = %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("New() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if err := ValidateMatchers([]Matcher{{Name: "empty", Decode: decode}}); err == nil {
		t.Error("ValidateMatchers() accepted an empty prefix")
	}
}

func TestNewRequiresWriteCharacteristic(t *testing.T) {
	p := testProfile()
	p.Characteristics = p.Characteristics[1:]
	if _, err := New(&bletest.FakeAdapter{}, bletest.NewFakeScheduler(), Config{Profile: p}); err == nil {
		t.Error("New() accepted a profile without a write characteristic")
	}
}

func TestDoOnEventLoop(t *testing.T) {
	loop := ble.NewLoop()
	defer loop.Close()

	adapter := &bletest.FakeAdapter{
		AutoConnect: true,
		Configure: func(g *bletest.FakeGatt) {
			g.Auto = true
			g.Services = []ble.Service{{UUID: svcUUID, Characteristics: []uuid.UUID{writeUUID, notifyUUID}}}
			g.Responder = bandReplies
			g.NotifyChar = notifyUUID
		},
	}
	s, err := New(adapter, loop, Config{Address: "AA", Profile: testProfile()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := s.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady() error = %v", err)
	}

	cmd := protocol.NewGetDeviceStatus()
	if err := s.Do(ctx, cmd); err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if st, _ := cmd.Result(); !st.Healthy() {
		t.Errorf("status = %v, want healthy", st)
	}

	// The Disconnected transition is reported through the loop.
	s.Disconnect()
	deadline := time.Now().Add(2 * time.Second)
	for {
		err := s.WaitReady(ctx)
		if errors.Is(err, ErrNotReady) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("WaitReady() after disconnect = %v, want ErrNotReady", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDoHonorsContext(t *testing.T) {
	loop := ble.NewLoop()
	defer loop.Close()
	adapter := &bletest.FakeAdapter{
		AutoConnect: true,
		Configure: func(g *bletest.FakeGatt) {
			g.Auto = true
			g.Services = []ble.Service{{UUID: svcUUID, Characteristics: []uuid.UUID{writeUUID, notifyUUID}}}
		},
	}
	s, err := New(adapter, loop, Config{Address: "AA", Profile: testProfile()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	_ = s.Connect()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Do(ctx, protocol.NewGetBattery()); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Do() error = %v, want DeadlineExceeded", err)
	}
	s.Disconnect()
}
