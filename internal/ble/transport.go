package ble

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-collections/go-datastructures/queue"
	"github.com/google/uuid"
)

// DefaultMTU is the ATT MTU before any exchange. Writes carry MTU-3 bytes.
const DefaultMTU = 23

// State is the link state of a Transport.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Options configures the Transport timers and retry budgets.
type Options struct {
	OperationTimeout     time.Duration // watchdog for plain GATT operations
	ResponseTimeout      time.Duration // wait for command response progress
	NotifyTimeout        time.Duration // watchdog for a notification enable
	ConnectTimeout       time.Duration
	BondTimeout          time.Duration
	DisconnectFallback   time.Duration // forced teardown when the platform stays silent
	BondedDiscoveryDelay time.Duration // settle time before discovery on bonded links
	MaxTries             int
	NotifyTries          int
}

// DefaultOptions returns the standard timings.
func DefaultOptions() Options {
	return Options{
		OperationTimeout:   5 * time.Second,
		ResponseTimeout:    2 * time.Second,
		NotifyTimeout:      30 * time.Second,
		ConnectTimeout:     30 * time.Second,
		BondTimeout:        30 * time.Second,
		DisconnectFallback: time.Second,
		MaxTries:           2,
		NotifyTries:        2,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.OperationTimeout <= 0 {
		o.OperationTimeout = d.OperationTimeout
	}
	if o.ResponseTimeout <= 0 {
		o.ResponseTimeout = d.ResponseTimeout
	}
	if o.NotifyTimeout <= 0 {
		o.NotifyTimeout = d.NotifyTimeout
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = d.ConnectTimeout
	}
	if o.BondTimeout <= 0 {
		o.BondTimeout = d.BondTimeout
	}
	if o.DisconnectFallback <= 0 {
		o.DisconnectFallback = d.DisconnectFallback
	}
	if o.BondedDiscoveryDelay < 0 {
		o.BondedDiscoveryDelay = 0
	}
	if o.MaxTries <= 0 {
		o.MaxTries = d.MaxTries
	}
	if o.NotifyTries <= 0 {
		o.NotifyTries = d.NotifyTries
	}
	return o
}

// Handler receives link events. Calls are made on the Transport's scheduler,
// one at a time, never while the Transport holds its lock.
type Handler interface {
	OnStateChanged(state State, status Status)
	// OnReady fires once per link, after setup operations finished.
	OnReady()
	OnNotification(char uuid.UUID, value []byte)
}

// Stats counts finished operations.
type Stats struct {
	Completed int
	Retried   int
	TimedOut  int
	Dropped   int
}

// Transport manages the link to one peripheral and its operation queue.
type Transport struct {
	adapter Adapter
	sched   Scheduler
	address string
	profile Profile
	opts    Options
	handler Handler

	mu       sync.Mutex
	state    State
	gen      uint64 // bumped per link; callbacks from older links are dropped
	gatt     Gatt
	ready    bool
	mtu      int
	services []Service

	connTimer      Timer
	discoveryTimer Timer
	bondTimer      Timer
	fallbackTimer  Timer
	pinBonding     bool // bonding before discovery
	authWait       bool // current op paused until bonding completes

	setup    []*Operation
	setupN   int
	ops      *queue.Queue
	current  *Operation
	status   CommandStatus
	watchdog Timer

	stats Stats
}

// NewTransport creates a Transport for the peripheral at address. Nothing
// happens on the air until Connect.
func NewTransport(adapter Adapter, sched Scheduler, address string, profile Profile, opts Options, h Handler) *Transport {
	opts = opts.withDefaults()
	if profile.ConnectTimeout > 0 {
		opts.ConnectTimeout = profile.ConnectTimeout
	}
	if profile.BondedDiscoveryDelay > 0 {
		opts.BondedDiscoveryDelay = profile.BondedDiscoveryDelay
	}
	return &Transport{
		adapter: adapter,
		sched:   sched,
		address: address,
		profile: profile,
		opts:    opts,
		handler: h,
		mtu:     DefaultMTU,
		ops:     queue.New(16),
	}
}

// Address returns the peripheral address.
func (t *Transport) Address() string { return t.address }

// Profile returns the product profile the link was created with.
func (t *Transport) Profile() Profile { return t.profile }

// State returns the current link state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Ready reports whether setup finished and user operations are flowing.
func (t *Transport) Ready() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ready
}

// MTU returns the negotiated ATT MTU.
func (t *Transport) MTU() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mtu
}

// Services returns the services found by the last discovery.
func (t *Transport) Services() []Service {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Service(nil), t.services...)
}

// Stats returns the operation counters.
func (t *Transport) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// Pending returns the number of queued user operations, excluding the one in
// flight.
func (t *Transport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return int(t.ops.Len())
}

// InFlight returns the status of the operation in progress.
func (t *Transport) InFlight() (CommandStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return CommandStatus{}, false
	}
	return t.status, true
}

// Connect starts a connection attempt. It is a no-op unless the link is
// disconnected, disconnecting or failed.
func (t *Transport) Connect() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case StateDisconnected, StateFailed:
	case StateDisconnecting:
		t.finishDisconnect(StatusLocalDisconnect)
	default:
		return nil
	}

	t.gen++
	gen := t.gen
	t.setState(StateConnecting, StatusSuccess)
	slog.Info("[BLE] connecting", "address", t.address, "timeout", t.opts.ConnectTimeout)

	g, err := t.adapter.Connect(t.address, &callback{t: t, gen: gen})
	if err != nil {
		t.setState(StateFailed, StatusError)
		return fmt.Errorf("ble: connect to %s: %w", t.address, err)
	}
	t.gatt = g
	t.connTimer = t.sched.AfterFunc(t.opts.ConnectTimeout, func() { t.onConnectTimeout(gen) })
	return nil
}

// Disconnect tears the link down. Queued and in-flight operations complete
// with ErrDisconnected. The Disconnected state follows the platform callback,
// or the fallback timer when the platform never reports it.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case StateDisconnected, StateDisconnecting:
		return
	case StateFailed:
		t.closeGatt()
		return
	}

	slog.Info("[BLE] disconnecting", "address", t.address)
	t.setState(StateDisconnecting, StatusLocalDisconnect)
	t.failAll(ErrDisconnected)
	t.stopLinkTimers()

	if t.gatt == nil {
		t.finishDisconnect(StatusLocalDisconnect)
		return
	}
	if err := t.gatt.Disconnect(); err != nil {
		slog.Warn("[BLE] disconnect request failed", "address", t.address, "error", err)
		t.finishDisconnect(StatusLocalDisconnect)
		return
	}
	gen := t.gen
	t.fallbackTimer = t.sched.AfterFunc(t.opts.DisconnectFallback, func() { t.onDisconnectFallback(gen) })
}

// Enqueue adds op to the end of the queue. Operations queued before the link
// is ready start once setup finished.
func (t *Transport) Enqueue(op *Operation) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case StateDisconnected, StateDisconnecting, StateFailed:
		return fmt.Errorf("ble: enqueue %s: %w", op.Kind, ErrNotConnected)
	}
	if op.Service == uuid.Nil {
		op.Service = t.profile.Service
	}
	if op.Characteristic == uuid.Nil && (op.Kind == OpWrite || op.Kind == OpCommand) {
		op.Characteristic, _ = t.profile.WriteCharacteristic()
	}
	if err := t.ops.Put(op); err != nil {
		return fmt.Errorf("ble: enqueue %s: %w", op.Kind, err)
	}
	t.sched.Post(t.kick)
	return nil
}

// Read queues a characteristic read.
func (t *Transport) Read(char uuid.UUID, done func(Result)) error {
	return t.Enqueue(&Operation{Kind: OpRead, Characteristic: char, OnComplete: done})
}

// Write queues a characteristic write.
func (t *Transport) Write(char uuid.UUID, data []byte, done func(Result)) error {
	return t.Enqueue(&Operation{Kind: OpWrite, Characteristic: char, Data: data, OnComplete: done})
}

// ReadRSSI queues a signal strength read.
func (t *Transport) ReadRSSI(done func(Result)) error {
	return t.Enqueue(&Operation{Kind: OpReadRSSI, OnComplete: done})
}

// RequestMTU queues an MTU exchange.
func (t *Transport) RequestMTU(mtu int, done func(Result)) error {
	return t.Enqueue(&Operation{Kind: OpRequestMTU, MTU: mtu, OnComplete: done})
}

// Touch reports response progress for the command op with key. The op moves
// to Receiving and its watchdog restarts.
func (t *Transport) Touch(key uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	op := t.current
	if op == nil || op.Kind != OpCommand || op.Key != key || t.authWait {
		return false
	}
	t.status.State = Receiving
	t.armWatchdog(op, t.opts.ResponseTimeout)
	return true
}

// Complete finishes the command op with key as Received.
func (t *Transport) Complete(key uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	op := t.current
	if op == nil || op.Kind != OpCommand || op.Key != key {
		return false
	}
	t.finish(op, Result{State: Received})
	return true
}

func (t *Transport) kick() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.advance()
}

// advance starts the next operation when nothing is in flight. Setup
// operations go first; user operations wait for ready.
func (t *Transport) advance() {
	if t.current != nil || t.gatt == nil || t.state != StateConnected {
		return
	}
	if len(t.setup) > 0 {
		op := t.setup[0]
		t.setup = t.setup[1:]
		t.start(op)
		return
	}
	if !t.ready || t.ops.Empty() {
		return
	}
	items, err := t.ops.Get(1)
	if err != nil || len(items) == 0 {
		return
	}
	t.start(items[0].(*Operation))
}

func (t *Transport) start(op *Operation) {
	t.current = op
	op.tries++
	state := InProgress
	if op.tries > 1 {
		state = Retry
	}
	t.status = CommandStatus{Key: op.Key, Kind: op.Kind, State: state}
	t.armWatchdog(op, t.timeoutFor(op))
	if err := t.issue(op); err != nil {
		slog.Warn("[BLE] operation not started", "address", t.address, "op", op.Kind, "error", err)
		t.opFailed(op, StatusError)
	}
}

func (t *Transport) timeoutFor(op *Operation) time.Duration {
	if op.Timeout > 0 {
		return op.Timeout
	}
	switch op.Kind {
	case OpEnableNotify:
		return t.opts.NotifyTimeout
	case OpCreateBond:
		return t.opts.BondTimeout
	default:
		return t.opts.OperationTimeout
	}
}

func (t *Transport) issue(op *Operation) error {
	switch op.Kind {
	case OpRead:
		return t.gatt.ReadCharacteristic(op.Service, op.Characteristic)
	case OpWrite, OpCommand:
		op.frags = fragment(op.Data, t.mtu-3)
		op.frag = 0
		return t.gatt.WriteCharacteristic(op.Service, op.Characteristic, op.frags[0])
	case OpEnableNotify:
		return t.gatt.SetNotification(op.Service, op.Characteristic, op.Enable)
	case OpReadRSSI:
		return t.gatt.ReadRemoteRSSI()
	case OpRequestMTU:
		return t.gatt.RequestMTU(op.MTU)
	case OpCreateBond:
		if t.gatt.BondState() == BondBonded {
			t.finish(op, Result{State: Executed})
			return nil
		}
		return t.gatt.CreateBond()
	default:
		return fmt.Errorf("ble: unknown operation kind %d", int(op.Kind))
	}
}

func (t *Transport) armWatchdog(op *Operation, d time.Duration) {
	if t.watchdog != nil {
		t.watchdog.Stop()
	}
	gen := t.gen
	t.watchdog = t.sched.AfterFunc(d, func() { t.onWatchdog(gen, op) })
}

func (t *Transport) stopWatchdog() {
	if t.watchdog != nil {
		t.watchdog.Stop()
		t.watchdog = nil
	}
}

func (t *Transport) onWatchdog(gen uint64, op *Operation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen || t.current != op {
		return
	}
	t.watchdog = nil
	if op.Kind == OpEnableNotify {
		if op.tries < t.opts.NotifyTries {
			slog.Warn("[BLE] notification enable timed out, retrying", "address", t.address, "char", op.Characteristic)
			t.stats.Retried++
			t.start(op)
			return
		}
		if op.setup {
			slog.Error("[BLE] notification enable timed out", "address", t.address, "char", op.Characteristic)
			t.abort(StatusNotifyFailed)
			return
		}
	}
	slog.Warn("[BLE] operation timed out", "address", t.address, "op", op.Kind, "state", t.status.State)
	t.stats.TimedOut++
	t.finish(op, Result{State: Unknown, Err: fmt.Errorf("ble: %s: %w", op.Kind, ErrTimeout)})
}

// opFailed applies the retry policy to a failed attempt of op.
func (t *Transport) opFailed(op *Operation, status Status) {
	if t.current != op {
		return
	}
	if status.needsBond() && !op.bondTried && op.Kind != OpCreateBond && t.gatt != nil {
		op.bondTried = true
		t.pauseForBond(op)
		return
	}

	max := t.opts.MaxTries
	if op.Kind == OpEnableNotify {
		max = t.opts.NotifyTries
	}
	if op.tries < max {
		slog.Warn("[BLE] operation failed, retrying", "address", t.address, "op", op.Kind, "status", status, "try", op.tries)
		t.stats.Retried++
		t.start(op)
		return
	}
	if op.setup && op.Kind == OpEnableNotify {
		slog.Error("[BLE] notification enable failed", "address", t.address, "char", op.Characteristic, "status", status)
		t.abort(StatusNotifyFailed)
		return
	}
	slog.Error("[BLE] operation dropped", "address", t.address, "op", op.Kind, "status", status)
	t.stats.Dropped++
	t.finish(op, Result{State: Unknown, Err: fmt.Errorf("ble: %s (status %s): %w", op.Kind, status, ErrRetriesExhausted)})
}

func (t *Transport) pauseForBond(op *Operation) {
	slog.Info("[BLE] operation needs bonding", "address", t.address, "op", op.Kind)
	t.stopWatchdog()
	t.authWait = true
	t.status.State = Retry
	gen := t.gen
	t.bondTimer = t.sched.AfterFunc(t.opts.BondTimeout, func() { t.onBondTimeout(gen) })
	if err := t.gatt.CreateBond(); err != nil {
		slog.Warn("[BLE] create bond failed", "address", t.address, "error", err)
		t.bondSettled(BondNone)
	}
}

// finish completes op and starts the next one.
func (t *Transport) finish(op *Operation, res Result) {
	if t.current != op {
		return
	}
	t.stopWatchdog()
	if t.authWait {
		// Only the current op can be paused for bonding.
		t.authWait = false
		if t.bondTimer != nil {
			t.bondTimer.Stop()
			t.bondTimer = nil
		}
	}
	t.current = nil
	t.status = CommandStatus{}
	if res.Err == nil {
		t.stats.Completed++
	}
	if op.setup {
		t.setupDone(op, res)
	} else if op.OnComplete != nil {
		cb := op.OnComplete
		t.sched.Post(func() { cb(res) })
	}
	t.advance()
}

func (t *Transport) setupDone(op *Operation, res Result) {
	if op.Kind == OpRequestMTU && res.Err != nil {
		slog.Warn("[BLE] MTU request failed, keeping default", "address", t.address, "error", res.Err)
	}
	t.setupN--
	if t.setupN == 0 && t.state == StateConnected {
		t.markReady()
	}
}

func (t *Transport) markReady() {
	t.ready = true
	slog.Info("[BLE] ready", "address", t.address, "mtu", t.mtu)
	if t.handler != nil {
		h := t.handler
		t.sched.Post(h.OnReady)
	}
}

// failAll completes every pending operation with err.
func (t *Transport) failAll(err error) {
	t.stopWatchdog()
	var failed []*Operation
	if t.current != nil {
		failed = append(failed, t.current)
	}
	t.current = nil
	t.status = CommandStatus{}
	t.authWait = false
	t.setup = nil
	t.setupN = 0
	for !t.ops.Empty() {
		items, qerr := t.ops.Get(1)
		if qerr != nil {
			break
		}
		for _, it := range items {
			failed = append(failed, it.(*Operation))
		}
	}
	for _, op := range failed {
		if op.setup || op.OnComplete == nil {
			continue
		}
		cb := op.OnComplete
		t.sched.Post(func() { cb(Result{State: Unknown, Err: err}) })
	}
	if len(failed) > 0 {
		slog.Debug("[BLE] cleared operation queue", "address", t.address, "count", len(failed))
	}
}

func (t *Transport) stopLinkTimers() {
	for _, tm := range []Timer{t.connTimer, t.discoveryTimer, t.bondTimer, t.fallbackTimer} {
		if tm != nil {
			tm.Stop()
		}
	}
	t.connTimer, t.discoveryTimer, t.bondTimer, t.fallbackTimer = nil, nil, nil, nil
	t.pinBonding = false
}

func (t *Transport) closeGatt() {
	if t.gatt != nil {
		if err := t.gatt.Close(); err != nil {
			slog.Debug("[BLE] close link", "address", t.address, "error", err)
		}
		t.gatt = nil
	}
}

// finishDisconnect releases the link and reports Disconnected.
func (t *Transport) finishDisconnect(status Status) {
	t.failAll(ErrDisconnected)
	t.stopLinkTimers()
	t.closeGatt()
	t.gen++
	t.ready = false
	t.mtu = DefaultMTU
	t.services = nil
	slog.Info("[BLE] disconnected", "address", t.address, "status", status)
	t.setState(StateDisconnected, status)
}

// abort drops a connected link after an unrecoverable error.
func (t *Transport) abort(status Status) {
	t.failAll(ErrDisconnected)
	if t.gatt != nil {
		if err := t.gatt.Disconnect(); err != nil {
			slog.Debug("[BLE] disconnect request failed", "address", t.address, "error", err)
		}
	}
	t.finishDisconnect(status)
}

func (t *Transport) setState(s State, status Status) {
	if t.state == s {
		return
	}
	t.state = s
	if t.handler != nil {
		h := t.handler
		t.sched.Post(func() { h.OnStateChanged(s, status) })
	}
}

func (t *Transport) onConnectTimeout(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen || t.state != StateConnecting {
		return
	}
	slog.Warn("[BLE] connect timed out", "address", t.address)
	t.connTimer = nil
	if t.gatt != nil {
		_ = t.gatt.Disconnect()
	}
	t.closeGatt()
	t.gen++
	t.setState(StateFailed, StatusConnectionTimeout)
}

func (t *Transport) onDisconnectFallback(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen || t.state != StateDisconnecting {
		return
	}
	slog.Warn("[BLE] no disconnect callback, forcing teardown", "address", t.address)
	t.fallbackTimer = nil
	t.finishDisconnect(StatusLocalDisconnect)
}

func (t *Transport) onConnectionState(gen uint64, status Status, connected bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen {
		return
	}

	if connected && status == StatusSuccess {
		if t.state != StateConnecting {
			return
		}
		if t.connTimer != nil {
			t.connTimer.Stop()
			t.connTimer = nil
		}
		slog.Info("[BLE] connected", "address", t.address)
		t.setState(StateConnected, StatusSuccess)
		t.afterConnect(gen)
		return
	}

	switch t.state {
	case StateConnecting:
		// A dropped link reports Disconnected; GATT errors report Failed.
		if status.isDisconnect() {
			if status == StatusSuccess {
				status = StatusRemoteDisconnect
			}
			slog.Warn("[BLE] link lost while connecting", "address", t.address, "status", status)
			t.finishDisconnect(status)
			return
		}
		slog.Warn("[BLE] connect failed", "address", t.address, "status", status)
		t.stopLinkTimers()
		t.closeGatt()
		t.gen++
		t.setState(StateFailed, status)
	case StateDisconnecting:
		t.finishDisconnect(StatusLocalDisconnect)
	case StateConnected:
		if status == StatusSuccess {
			status = StatusRemoteDisconnect
		}
		t.finishDisconnect(status)
	}
}

// afterConnect runs bonding or discovery once the link is up.
func (t *Transport) afterConnect(gen uint64) {
	bond := t.gatt.BondState()
	if t.profile.RequirePIN && bond != BondBonded {
		slog.Info("[BLE] bonding before discovery", "address", t.address)
		t.pinBonding = true
		t.bondTimer = t.sched.AfterFunc(t.opts.BondTimeout, func() { t.onBondTimeout(gen) })
		if bond == BondBonding {
			return
		}
		if err := t.gatt.CreateBond(); err != nil {
			slog.Error("[BLE] create bond failed", "address", t.address, "error", err)
			t.abort(StatusBondFailed)
		}
		return
	}
	if bond == BondBonded && t.opts.BondedDiscoveryDelay > 0 {
		t.discoveryTimer = t.sched.AfterFunc(t.opts.BondedDiscoveryDelay, func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if gen != t.gen {
				return
			}
			t.discoveryTimer = nil
			t.discover()
		})
		return
	}
	t.discover()
}

func (t *Transport) discover() {
	if t.state != StateConnected || t.gatt == nil {
		return
	}
	slog.Debug("[BLE] discovering services", "address", t.address)
	if err := t.gatt.DiscoverServices(); err != nil {
		slog.Error("[BLE] discovery failed", "address", t.address, "error", err)
		t.abort(StatusError)
	}
}

func (t *Transport) onServicesDiscovered(gen uint64, status Status, services []Service) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen || t.state != StateConnected || t.ready || t.setupN > 0 {
		return
	}
	if status != StatusSuccess {
		slog.Error("[BLE] discovery failed", "address", t.address, "status", status)
		t.abort(status)
		return
	}
	t.services = services

	var present map[uuid.UUID]bool
	for _, s := range services {
		if s.UUID == t.profile.Service {
			present = make(map[uuid.UUID]bool, len(s.Characteristics))
			for _, c := range s.Characteristics {
				present[c] = true
			}
		}
	}
	for _, c := range t.profile.Characteristics {
		if c.Required && !present[c.UUID] {
			slog.Error("[BLE] required characteristic missing", "address", t.address, "char", c.UUID)
			t.abort(StatusMissingCharacteristic)
			return
		}
	}

	if t.profile.MTU > DefaultMTU {
		t.setup = append(t.setup, &Operation{Kind: OpRequestMTU, MTU: t.profile.MTU, setup: true})
	}
	for _, c := range t.profile.Characteristics {
		if c.Notify && present[c.UUID] {
			t.setup = append(t.setup, &Operation{
				Kind:           OpEnableNotify,
				Service:        t.profile.Service,
				Characteristic: c.UUID,
				Enable:         true,
				setup:          true,
			})
		}
	}
	t.setupN = len(t.setup)
	slog.Debug("[BLE] services discovered", "address", t.address, "services", len(services), "setup", t.setupN)
	if t.setupN == 0 {
		t.markReady()
	}
	t.advance()
}

func (t *Transport) onRead(gen uint64, char uuid.UUID, value []byte, status Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	op := t.current
	if gen != t.gen || op == nil || op.Kind != OpRead || op.Characteristic != char || t.authWait {
		return
	}
	if status != StatusSuccess {
		t.opFailed(op, status)
		return
	}
	t.finish(op, Result{State: Received, Value: value})
}

func (t *Transport) onWrite(gen uint64, char uuid.UUID, status Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	op := t.current
	if gen != t.gen || op == nil || (op.Kind != OpWrite && op.Kind != OpCommand) || op.Characteristic != char || t.authWait {
		return
	}
	if status != StatusSuccess {
		t.opFailed(op, status)
		return
	}
	op.frag++
	if op.frag < len(op.frags) {
		if err := t.gatt.WriteCharacteristic(op.Service, op.Characteristic, op.frags[op.frag]); err != nil {
			t.opFailed(op, StatusError)
		}
		return
	}
	if op.Kind == OpWrite {
		t.finish(op, Result{State: Executed})
		return
	}
	if t.status.State != Receiving {
		t.status.State = Executed
	}
	t.armWatchdog(op, t.opts.ResponseTimeout)
}

func (t *Transport) onNotifyState(gen uint64, char uuid.UUID, status Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	op := t.current
	if gen != t.gen || op == nil || op.Kind != OpEnableNotify || op.Characteristic != char || t.authWait {
		return
	}
	if status != StatusSuccess {
		t.opFailed(op, status)
		return
	}
	t.finish(op, Result{State: Executed})
}

func (t *Transport) onRSSI(gen uint64, rssi int, status Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	op := t.current
	if gen != t.gen || op == nil || op.Kind != OpReadRSSI {
		return
	}
	if status != StatusSuccess {
		t.opFailed(op, status)
		return
	}
	t.finish(op, Result{State: Executed, RSSI: rssi})
}

func (t *Transport) onMTU(gen uint64, mtu int, status Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen {
		return
	}
	if status == StatusSuccess && mtu >= DefaultMTU {
		t.mtu = mtu
	}
	op := t.current
	if op == nil || op.Kind != OpRequestMTU {
		return
	}
	if status != StatusSuccess {
		t.opFailed(op, status)
		return
	}
	t.finish(op, Result{State: Executed, MTU: t.mtu})
}

func (t *Transport) onBondState(gen uint64, state BondState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen || state == BondBonding {
		return
	}
	t.bondSettled(state)
}

// bondSettled resumes whatever was waiting on the bond.
func (t *Transport) bondSettled(state BondState) {
	if t.bondTimer != nil && (t.pinBonding || t.authWait) {
		t.bondTimer.Stop()
		t.bondTimer = nil
	}
	ok := state == BondBonded

	switch {
	case t.pinBonding:
		t.pinBonding = false
		if !ok {
			slog.Error("[BLE] bonding failed", "address", t.address)
			t.abort(StatusBondFailed)
			return
		}
		slog.Info("[BLE] bonded", "address", t.address)
		t.discover()
	case t.authWait:
		t.authWait = false
		op := t.current
		if op == nil {
			return
		}
		if !ok {
			slog.Warn("[BLE] bonding failed, dropping operation", "address", t.address, "op", op.Kind)
			t.stats.Dropped++
			t.finish(op, Result{State: Unknown, Err: fmt.Errorf("ble: %s: %w", op.Kind, ErrBondFailed)})
			return
		}
		slog.Info("[BLE] bonded, re-issuing operation", "address", t.address, "op", op.Kind)
		t.status.State = Retry
		t.armWatchdog(op, t.timeoutFor(op))
		if err := t.issue(op); err != nil {
			t.opFailed(op, StatusError)
		}
	default:
		op := t.current
		if op == nil || op.Kind != OpCreateBond {
			return
		}
		if !ok {
			t.finish(op, Result{State: Unknown, Err: fmt.Errorf("ble: %s: %w", op.Kind, ErrBondFailed)})
			return
		}
		t.finish(op, Result{State: Executed})
	}
}

func (t *Transport) onBondTimeout(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen || !(t.pinBonding || t.authWait) {
		return
	}
	t.bondTimer = nil
	slog.Warn("[BLE] bonding timed out", "address", t.address)
	t.bondSettled(BondNone)
}

func (t *Transport) onChanged(gen uint64, char uuid.UUID, value []byte) {
	t.mu.Lock()
	stale := gen != t.gen || t.state != StateConnected
	t.mu.Unlock()
	if stale || t.handler == nil {
		return
	}
	t.handler.OnNotification(char, value)
}

// callback binds platform callbacks to one link generation and moves them
// onto the scheduler.
type callback struct {
	t   *Transport
	gen uint64
}

func (c *callback) OnConnectionStateChange(status Status, connected bool) {
	c.t.sched.Post(func() { c.t.onConnectionState(c.gen, status, connected) })
}

func (c *callback) OnServicesDiscovered(status Status, services []Service) {
	c.t.sched.Post(func() { c.t.onServicesDiscovered(c.gen, status, services) })
}

func (c *callback) OnCharacteristicRead(char uuid.UUID, value []byte, status Status) {
	v := append([]byte(nil), value...)
	c.t.sched.Post(func() { c.t.onRead(c.gen, char, v, status) })
}

func (c *callback) OnCharacteristicWrite(char uuid.UUID, status Status) {
	c.t.sched.Post(func() { c.t.onWrite(c.gen, char, status) })
}

func (c *callback) OnCharacteristicChanged(char uuid.UUID, value []byte) {
	v := append([]byte(nil), value...)
	c.t.sched.Post(func() { c.t.onChanged(c.gen, char, v) })
}

func (c *callback) OnNotificationStateChanged(char uuid.UUID, _ bool, status Status) {
	c.t.sched.Post(func() { c.t.onNotifyState(c.gen, char, status) })
}

func (c *callback) OnReadRemoteRSSI(rssi int, status Status) {
	c.t.sched.Post(func() { c.t.onRSSI(c.gen, rssi, status) })
}

func (c *callback) OnMTUChanged(mtu int, status Status) {
	c.t.sched.Post(func() { c.t.onMTU(c.gen, mtu, status) })
}

func (c *callback) OnBondStateChanged(state BondState) {
	c.t.sched.Post(func() { c.t.onBondState(c.gen, state) })
}
