package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pocketmesh/pocketmesh-go/pkg/companion"
	"github.com/pocketmesh/pocketmesh-go/pkg/log"
	"github.com/pocketmesh/pocketmesh-go/pkg/pairing"
	"github.com/pocketmesh/pocketmesh-go/pkg/persistence"
	"github.com/pocketmesh/pocketmesh-go/pkg/transport"
)

// ConnectOptions modify a connect request.
type ConnectOptions struct {
	// ForceFullSync asks the sync coordinator for a full sync on the next
	// hand-off.
	ForceFullSync bool

	// ForceReconnect bypasses an open circuit breaker.
	ForceReconnect bool
}

// Manager owns the connection to one companion radio: the transport, the
// session, the service layer and every recovery task.
//
// All lifecycle fields are guarded by mu and written only by Manager
// methods. No method holds mu across I/O; side effects that must keep
// their order (observer callbacks, event log writes, state saves) go
// through the outbox.
type Manager struct {
	cfg   Config
	deps  Dependencies
	clock *SuspendableClock
	tasks *taskGroup
	out   *outbox

	root   context.Context
	cancel context.CancelFunc
	events chan linkEvent
	loops  sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool
	state   State
	intent  Intent
	breaker *CircuitBreaker

	// epoch increments whenever the current walk or session is
	// invalidated. Work started under an older epoch must not commit.
	epoch   uint64
	walking bool
	connID  string

	// walkExplicit is set while a user-requested walk runs. A failed
	// recovery walk hands back to the watchdog; an explicit one does not.
	walkExplicit bool

	// watchdogDelay survives watchdog restarts so the interval keeps
	// growing until a session is Ready.
	watchdogDelay *Backoff

	link          transport.Transport
	target        target
	session       Session
	services      *Services
	record        *persistence.DeviceRecord
	transportType transport.Type
	forwarders    map[transport.Transport]context.CancelFunc
	lastTeardown  chan struct{}

	autoReconnecting bool
	autoReconnectID  uuid.UUID
	wifiReconnecting bool
	lastWiFiStart    time.Time
	radioPoweredOff  bool
	syncPending      bool
	resyncAttempts   int

	lastDeviceID     uuid.UUID
	lastDeviceName   string
	lastDisconnect   string
	lastDisconnectAt time.Time

	onStateChange  func(old, new State)
	onSyncFailed   func(id uuid.UUID)
	onIntentChange func(old, new Intent)
}

// target is where a connect walk goes.
type target struct {
	id        uuid.UUID
	transport transport.Type
	address   string
	host      string
	port      int
	name      string

	// verifyID rejects a wide-area radio whose key does not match id.
	verifyID bool
}

func (t target) String() string {
	if t.transport == transport.TypeWideArea {
		return fmt.Sprintf("%s:%d", t.host, t.port)
	}
	if t.address != "" {
		return t.address
	}
	return shortID(t.id)
}

func (t target) matchesReady(r Ready) bool {
	if t.id != uuid.Nil {
		return r.DeviceID() == t.id
	}
	return r.transport == transport.TypeWideArea &&
		r.device.Host == t.host && r.device.Port == t.port
}

// detached is what a teardown took off the manager. release disposes of
// it outside the lock, after the previous teardown finished.
type detached struct {
	services *Services
	session  Session
	link     transport.Transport
	prev     <-chan struct{}
	done     chan struct{}
}

// NewManager creates a manager. Call Start before use.
func NewManager(cfg Config, deps Dependencies) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Devices == nil {
		return nil, fmt.Errorf("%w: a device store is required", ErrInvalidConfig)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.EventLog = log.OrNoop(cfg.EventLog)

	if deps.DialWiFi == nil {
		deps.DialWiFi = func(host string, port int) transport.Transport {
			return transport.NewTCP(transport.TCPConfig{
				Host:        host,
				Port:        port,
				DialTimeout: cfg.WiFiDialTimeout,
				EventLog:    cfg.EventLog,
				Logger:      cfg.Logger,
			})
		}
	}
	if deps.NewSession == nil {
		deps.NewSession = func(link companion.Link) Session {
			return companion.NewSession(link, companion.Config{
				ClientID:       cfg.ClientID,
				RequestTimeout: cfg.HandshakeTimeout,
				Logger:         cfg.Logger,
			})
		}
	}

	root, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:        cfg,
		deps:       deps,
		clock:      NewSuspendableClock(nil),
		tasks:      newTaskGroup(root),
		out:        newOutbox(),
		root:       root,
		cancel:     cancel,
		events:     make(chan linkEvent, 32),
		state:      Disconnected{},
		breaker:    NewCircuitBreaker(cfg.BreakerCooldown, cfg.Now),
		forwarders: make(map[transport.Transport]context.CancelFunc),
	}
	m.watchdogDelay = m.watchdogBackoff()
	return m, nil
}

// Start begins event processing, reads the radio power state and restores
// the persisted intent. A persisted wish to be connected starts a
// reconnect to the last device in the background.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	if m.deps.BLE != nil {
		m.forwardLocked(m.deps.BLE)
	}
	m.loops.Add(1)
	go m.dispatch()
	m.mu.Unlock()

	if m.deps.BLE != nil {
		powered, err := m.deps.BLE.Powered()
		if err != nil {
			m.debugLog("radio power unknown", "error", err)
		} else {
			m.handleRadio(powered)
		}
	}
	if m.deps.Pairing != nil {
		if _, err := m.deps.Pairing.PairedDevices(ctx); err != nil {
			m.debugLog("listing paired devices failed", "error", err)
		}
	}
	return m.restore()
}

func (m *Manager) restore() error {
	if m.deps.State == nil {
		return nil
	}
	st, err := m.deps.State.Load()
	if err != nil {
		return fmt.Errorf("load lifecycle state: %w", err)
	}
	if st == nil {
		return nil
	}
	var intent Intent
	if len(st.Intent) > 0 {
		if err := json.Unmarshal(st.Intent, &intent); err != nil {
			m.warn("ignoring persisted intent", "error", err)
			intent = Intent{}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastDeviceID = st.LastDeviceID
	m.lastDeviceName = st.LastDeviceName
	m.lastDisconnect = st.LastDisconnect
	m.lastDisconnectAt = st.LastDisconnectAt
	if intent != m.intent {
		old := m.intent
		m.intent = intent
		m.logEventLocked(log.Event{
			Category: log.CategoryState,
			StateChange: &log.StateChangeEvent{
				Entity: log.StateEntityIntent, OldState: old.String(), NewState: intent.String(), Reason: "restored",
			},
		})
	}
	m.infoLog("lifecycle restored", "intent", intent, "last_device", shortID(m.lastDeviceID))
	if intent.Wants() && m.lastDeviceID != uuid.Nil {
		m.startReconnectLocked(func(ctx context.Context) {
			m.recoverConnection(ctx, transport.TypeNone)
		})
	}
	return nil
}

// Close tears down the connection and stops every task. The persisted
// intent is left as it is, so the next Start resumes.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.tasks.CancelAll()
	m.clearCoordinatorLocked()
	d := m.detachLocked(false)
	m.epoch++
	m.walking = false
	m.setStateLocked(Disconnected{}, ReasonShutdown.String())
	m.mu.Unlock()

	m.release(context.Background(), d)
	m.cancel()
	m.loops.Wait()
	m.tasks.Wait()
	m.out.close()
	return nil
}

// Connect connects to a known device. It is a no-op when that device is
// already Ready or a connect to it is in flight, and switches devices
// when another device is connected.
func (m *Manager) Connect(ctx context.Context, id uuid.UUID, opts ConnectOptions) error {
	tgt, err := m.resolve(ctx, id)
	if err != nil {
		return err
	}
	return m.connect(ctx, tgt, opts, true)
}

// ConnectViaWiFi connects to a radio at host:port. The device identity is
// derived from the radio's public key.
func (m *Manager) ConnectViaWiFi(ctx context.Context, host string, port int, forceFullSync bool) error {
	if port == 0 {
		port = transport.DefaultTCPPort
	}
	tgt := target{transport: transport.TypeWideArea, host: host, port: port}
	if recs, err := m.deps.Devices.FetchDevices(); err == nil {
		for _, r := range recs {
			if r.WideArea() && r.Host == host && r.Port == port {
				tgt.id, tgt.name = r.ID, r.Name
				break
			}
		}
	}
	return m.connect(ctx, tgt, ConnectOptions{ForceFullSync: forceFullSync}, true)
}

// Disconnect tears everything down. User-initiated reasons record that
// the user wants to stay disconnected; other reasons keep the intent and
// let the watchdog bring the connection back.
func (m *Manager) Disconnect(ctx context.Context, reason DisconnectReason) {
	m.disconnect(ctx, reason, 0, false)
}

func (m *Manager) disconnect(ctx context.Context, reason DisconnectReason, epoch uint64, checkEpoch bool) {
	m.mu.Lock()
	if checkEpoch && m.epoch != epoch {
		m.mu.Unlock()
		return
	}
	m.tasks.CancelAll()
	m.clearCoordinatorLocked()
	d := m.detachLocked(false)
	m.epoch++
	m.walking = false
	if reason.UserInitiated() {
		m.setIntentLocked(UserDisconnected())
	}
	m.setStateLocked(Disconnected{}, reason.String())
	m.noteDisconnectLocked(reason, nil)
	if !reason.UserInitiated() && reason != ReasonShutdown {
		m.startWatchdogLocked()
	}
	m.mu.Unlock()

	m.release(ctx, d)
}

// SwitchDevice moves to another device. A BLE to BLE switch keeps the
// transport and lets it retarget. The switch bypasses an open breaker.
func (m *Manager) SwitchDevice(ctx context.Context, id uuid.UUID) error {
	tgt, err := m.resolve(ctx, id)
	if err != nil {
		return err
	}
	return m.switchTo(ctx, tgt, ConnectOptions{ForceReconnect: true})
}

func (m *Manager) switchTo(ctx context.Context, tgt target, opts ConnectOptions) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if r, ok := m.state.(Ready); ok && tgt.matchesReady(r) {
		m.mu.Unlock()
		return nil
	}
	keep := m.transportType == transport.TypeShortRange && tgt.transport == transport.TypeShortRange
	m.tasks.CancelAll()
	m.clearCoordinatorLocked()
	d := m.detachLocked(keep)
	m.epoch++
	m.walking = false
	m.setIntentLocked(UserDisconnected())
	m.setStateLocked(Disconnected{}, ReasonSwitchingDevice.String())
	m.noteDisconnectLocked(ReasonSwitchingDevice, nil)
	m.mu.Unlock()

	m.release(ctx, d)
	opts.ForceReconnect = true
	return m.connect(ctx, tgt, opts, true)
}

// PairNewDevice runs the pairing picker and connects to the chosen radio
// with a full sync.
func (m *Manager) PairNewDevice(ctx context.Context) error {
	if m.deps.Pairing == nil {
		return policy(ErrPairingUnavailable)
	}
	dev, err := m.deps.Pairing.ShowPicker(ctx)
	if err != nil {
		return err
	}
	tgt := target{id: dev.ID, transport: transport.TypeShortRange, address: dev.Address, name: dev.Name}
	return m.connect(ctx, tgt, ConnectOptions{ForceFullSync: true, ForceReconnect: true}, true)
}

// ForgetDevice disconnects from the current (or last) device, removes its
// bond and deletes its record.
func (m *Manager) ForgetDevice(ctx context.Context) error {
	m.mu.Lock()
	id := StateDeviceID(m.state)
	if id == uuid.Nil {
		id = m.lastDeviceID
	}
	m.mu.Unlock()
	if id == uuid.Nil {
		return policy(ErrNoDevice)
	}

	m.disconnect(ctx, ReasonForgetDevice, 0, false)

	rec, err := m.deps.Devices.FetchDevice(id)
	if err != nil && !errors.Is(err, persistence.ErrDeviceNotFound) {
		return err
	}
	if m.deps.Pairing != nil && (rec == nil || !rec.WideArea()) {
		if err := m.deps.Pairing.RemoveDevice(ctx, id); err != nil && !errors.Is(err, pairing.ErrUnknownDevice) {
			m.warn("removing bond failed", "device", shortID(id), "error", err)
		}
	}
	if err := m.deps.Devices.DeleteDevice(id); err != nil && !errors.Is(err, persistence.ErrDeviceNotFound) {
		return fmt.Errorf("delete device record: %w", err)
	}

	m.mu.Lock()
	if m.lastDeviceID == id {
		m.lastDeviceID = uuid.Nil
		m.lastDeviceName = ""
		m.persistLocked()
	}
	m.mu.Unlock()
	return nil
}

// UpdateWiFiEndpoint records a new address for the wide-area device. A
// live connection to the old address is torn down and rebuilt.
func (m *Manager) UpdateWiFiEndpoint(ctx context.Context, host string, port int) error {
	if port == 0 {
		port = transport.DefaultTCPPort
	}
	m.mu.Lock()
	phase := m.state.Phase()
	connected := (phase == PhaseReady || phase == PhaseConnected) && m.transportType == transport.TypeWideArea
	tgt := m.target
	id := m.lastDeviceID
	if connected {
		id = tgt.id
	}
	m.mu.Unlock()
	if id == uuid.Nil {
		return nil
	}

	rec, err := m.deps.Devices.FetchDevice(id)
	if err != nil {
		if errors.Is(err, persistence.ErrDeviceNotFound) {
			return nil
		}
		return err
	}
	if !rec.WideArea() {
		return nil
	}
	moved := rec.Host != host || rec.Port != port
	if connected {
		moved = moved || tgt.host != host || tgt.port != port
	}
	if !moved {
		return nil
	}
	rec.Host, rec.Port = host, port
	if err := m.deps.Devices.SaveDevice(rec); err != nil {
		return fmt.Errorf("save device record: %w", err)
	}
	m.infoLog("wifi endpoint changed", "device", shortID(id), "host", host, "port", port)

	if !connected {
		m.mu.Lock()
		if _, idle := m.state.(Disconnected); idle && m.intent.Wants() && !m.closed {
			m.startReconnectLocked(func(ctx context.Context) {
				m.recoverConnection(ctx, transport.TypeWideArea)
			})
		}
		m.mu.Unlock()
		return nil
	}

	m.disconnect(ctx, ReasonWiFiAddressChanged, 0, false)
	next := target{id: id, transport: transport.TypeWideArea, host: host, port: port, name: rec.Name, verifyID: true}
	return m.connect(ctx, next, ConnectOptions{ForceReconnect: true}, true)
}

// AppDidEnterBackground pauses the suspendable clock.
func (m *Manager) AppDidEnterBackground() {
	m.clock.Suspend()
	m.debugLog("clock suspended")
}

// AppDidBecomeActive resumes the clock and runs the health checks.
func (m *Manager) AppDidBecomeActive() {
	m.clock.Resume()
	m.debugLog("clock resumed")
	m.mu.Lock()
	m.startReconnectLocked(m.checkHealth)
	m.mu.Unlock()
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ConnectedDevice returns a copy of the connected device, or nil unless
// the manager is Ready.
func (m *Manager) ConnectedDevice() *persistence.DeviceRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.state.(Ready); ok {
		return r.Device()
	}
	return nil
}

// CurrentTransportType returns the transport in use, TypeNone when
// nothing is attached.
func (m *Manager) CurrentTransportType() transport.Type {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transportType
}

// Intent returns the user's connection intent.
func (m *Manager) Intent() Intent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.intent
}

// BreakerState returns the circuit breaker state.
func (m *Manager) BreakerState() BreakerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.breaker.State()
}

// Snapshot is a point-in-time view of the manager for diagnostics.
type Snapshot struct {
	State            State
	Intent           Intent
	Transport        transport.Type
	Breaker          BreakerState
	AutoReconnecting bool
	WiFiReconnecting bool
	RadioPoweredOff  bool
	Suspended        bool
	SyncPending      bool
	ResyncAttempts   int
	Tasks            []string
	LastDeviceID     uuid.UUID
	LastDeviceName   string
	LastDisconnect   string
	LastDisconnectAt time.Time
}

// Snapshot returns the current diagnostics.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		State:            m.state,
		Intent:           m.intent,
		Transport:        m.transportType,
		Breaker:          m.breaker.State(),
		AutoReconnecting: m.autoReconnecting,
		WiFiReconnecting: m.wifiReconnecting,
		RadioPoweredOff:  m.radioPoweredOff,
		Suspended:        m.clock.Suspended(),
		SyncPending:      m.syncPending,
		ResyncAttempts:   m.resyncAttempts,
		Tasks:            m.tasks.Names(),
		LastDeviceID:     m.lastDeviceID,
		LastDeviceName:   m.lastDeviceName,
		LastDisconnect:   m.lastDisconnect,
		LastDisconnectAt: m.lastDisconnectAt,
	}
}

// OnStateChange sets a callback for state changes. Callbacks run in
// order on a single goroutine.
func (m *Manager) OnStateChange(fn func(old, new State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStateChange = fn
}

// OnSyncFailed sets a callback for a resync that gave up.
func (m *Manager) OnSyncFailed(fn func(id uuid.UUID)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSyncFailed = fn
}

// OnIntentChange sets a callback for intent changes.
func (m *Manager) OnIntentChange(fn func(old, new Intent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onIntentChange = fn
}

// flush waits until every queued callback and write has run.
func (m *Manager) flush() { m.out.flush() }

func (m *Manager) setStateLocked(s State, reason string) {
	old := m.state
	m.state = s
	if sameState(old, s) {
		return
	}
	m.logEventLocked(log.Event{
		Category: log.CategoryState,
		StateChange: &log.StateChangeEvent{
			Entity: log.StateEntityConnection, OldState: old.String(), NewState: s.String(), Reason: reason,
		},
	})
	m.infoLog("connection state", "from", old, "to", s, "reason", reason)
	if fn := m.onStateChange; fn != nil {
		m.out.post(func() { fn(old, s) })
	}
}

func (m *Manager) setIntentLocked(i Intent) {
	old := m.intent
	if old == i {
		return
	}
	m.intent = i
	m.logEventLocked(log.Event{
		Category: log.CategoryState,
		StateChange: &log.StateChangeEvent{
			Entity: log.StateEntityIntent, OldState: old.String(), NewState: i.String(),
		},
	})
	if fn := m.onIntentChange; fn != nil {
		m.out.post(func() { fn(old, i) })
	}
	m.persistLocked()
}

func (m *Manager) noteDisconnectLocked(reason DisconnectReason, cause error) {
	msg := reason.String()
	if cause != nil {
		msg += ": " + cause.Error()
	}
	m.lastDisconnect = msg
	m.lastDisconnectAt = m.cfg.Now()
	m.persistLocked()
}

func (m *Manager) persistLocked() {
	store := m.deps.State
	if store == nil {
		return
	}
	intent, err := json.Marshal(m.intent)
	if err != nil {
		m.warn("encoding intent failed", "error", err)
		return
	}
	st := &persistence.LifecycleState{
		LastDeviceID:     m.lastDeviceID,
		LastDeviceName:   m.lastDeviceName,
		Intent:           intent,
		LastDisconnect:   m.lastDisconnect,
		LastDisconnectAt: m.lastDisconnectAt,
	}
	m.out.post(func() {
		if err := store.Save(st); err != nil {
			m.warn("saving lifecycle state failed", "error", err)
		}
	})
}

func (m *Manager) allowLocked(force bool) bool {
	old := m.breaker.State()
	ok := m.breaker.ShouldAllow(force)
	m.noteBreakerLocked(old)
	return ok
}

func (m *Manager) breakerFailureLocked() {
	old := m.breaker.State()
	m.breaker.RecordFailure()
	m.noteBreakerLocked(old)
}

func (m *Manager) breakerSuccessLocked() {
	old := m.breaker.State()
	m.breaker.RecordSuccess()
	m.noteBreakerLocked(old)
}

func (m *Manager) noteBreakerLocked(old BreakerState) {
	s := m.breaker.State()
	if s == old {
		return
	}
	m.logEventLocked(log.Event{
		Category: log.CategoryState,
		StateChange: &log.StateChangeEvent{
			Entity: log.StateEntityBreaker, OldState: old.String(), NewState: s.String(),
		},
	})
	m.infoLog("circuit breaker", "from", old, "to", s)
}

// detachLocked takes the session, services and (unless keepLink) the
// transport off the manager. It does not bump the epoch.
func (m *Manager) detachLocked(keepLink bool) *detached {
	d := &detached{
		services: m.services,
		session:  m.session,
		prev:     m.lastTeardown,
		done:     make(chan struct{}),
	}
	m.lastTeardown = d.done
	m.tasks.Cancel(taskHeartbeat, taskResync)
	m.session, m.services, m.record = nil, nil, nil
	m.syncPending = false
	m.resyncAttempts = 0
	m.transportType = transport.TypeNone
	if !keepLink && m.link != nil {
		d.link = m.link
		if cancel, ok := m.forwarders[m.link]; ok && !m.isShared(m.link) {
			cancel()
			delete(m.forwarders, m.link)
		}
		m.link = nil
	}
	return d
}

// release disposes of a teardown in order: services, sync, session, link.
func (m *Manager) release(ctx context.Context, d *detached) {
	defer close(d.done)
	if d.prev != nil {
		select {
		case <-d.prev:
		case <-ctx.Done():
		}
	}
	if d.services != nil {
		d.services.PrepareForDisconnect()
		if m.deps.Sync != nil {
			m.deps.Sync.OnDisconnected(d.services)
		}
	}
	if d.session != nil {
		d.session.Stop()
	}
	if d.link != nil {
		if err := d.link.Disconnect(); err != nil {
			m.debugLog("transport disconnect failed", "error", err)
		}
	}
}

// awaitReleased waits for the last teardown to finish so a new
// connection never overlaps a dying one.
func (m *Manager) awaitReleased(ctx context.Context) error {
	m.mu.Lock()
	ch := m.lastTeardown
	m.mu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) clearCoordinatorLocked() {
	m.autoReconnecting = false
	m.autoReconnectID = uuid.Nil
	m.wifiReconnecting = false
}

func (m *Manager) isShared(link transport.Transport) bool {
	return m.deps.BLE != nil && link == transport.Transport(m.deps.BLE)
}

func (m *Manager) startTaskLocked(name string, fn func(ctx context.Context)) {
	if m.closed {
		return
	}
	m.tasks.Start(name, fn)
}

// startRecoveryLocked starts one of the exclusive recovery tasks and
// cancels the others.
func (m *Manager) startRecoveryLocked(name string, fn func(ctx context.Context)) {
	if m.closed {
		return
	}
	for _, other := range recoveryTasks {
		if other == name {
			continue
		}
		m.tasks.Cancel(other)
		if other == taskWiFiReconnect {
			m.wifiReconnecting = false
		}
	}
	m.tasks.Start(name, fn)
	m.recoveryEventLocked(name, log.RecoveryStarted, 0, 0)
}

// startReconnectLocked runs fn as the reconnect task unless one is
// already running.
func (m *Manager) startReconnectLocked(fn func(ctx context.Context)) {
	if m.tasks.Running(taskReconnect) {
		return
	}
	m.startTaskLocked(taskReconnect, fn)
}

func (m *Manager) logEventLocked(ev log.Event) {
	ev.Timestamp = m.cfg.Now()
	ev.Layer = log.LayerLifecycle
	if ev.ConnectionID == "" {
		ev.ConnectionID = m.connID
	}
	if ev.DeviceID == "" {
		if id := StateDeviceID(m.state); id != uuid.Nil {
			ev.DeviceID = id.String()
		}
	}
	if ev.Transport == "" && m.transportType != transport.TypeNone {
		ev.Transport = m.transportType.String()
	}
	sink := m.cfg.EventLog
	m.out.post(func() { sink.Log(ev) })
}

func (m *Manager) logEvent(ev log.Event) {
	m.mu.Lock()
	m.logEventLocked(ev)
	m.mu.Unlock()
}

func (m *Manager) recoveryEventLocked(task string, action log.RecoveryAction, attempt int, delay time.Duration) {
	m.logEventLocked(log.Event{
		Category: log.CategoryRecovery,
		Recovery: &log.RecoveryEvent{Task: task, Action: action, Attempt: attempt, Delay: delay},
	})
}

func (m *Manager) recoveryEvent(task string, action log.RecoveryAction, attempt int, delay time.Duration) {
	m.mu.Lock()
	m.recoveryEventLocked(task, action, attempt, delay)
	m.mu.Unlock()
}

func (m *Manager) errorEventLocked(err error, op string) {
	m.logEventLocked(log.Event{
		Category: log.CategoryError,
		Error:    &log.ErrorEventData{Message: err.Error(), Class: Classify(err).String(), Context: op},
	})
}

func (m *Manager) debugLog(msg string, args ...any) {
	if m.cfg.Logger != nil {
		m.cfg.Logger.Debug(msg, args...)
	}
}

func (m *Manager) infoLog(msg string, args ...any) {
	if m.cfg.Logger != nil {
		m.cfg.Logger.Info(msg, args...)
	}
}

func (m *Manager) warn(msg string, args ...any) {
	if m.cfg.Logger != nil {
		m.cfg.Logger.Warn(msg, args...)
	}
}
