package connection

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/pocketmesh/pocketmesh-go/pkg/companion"
	"github.com/pocketmesh/pocketmesh-go/pkg/devicesync"
	"github.com/pocketmesh/pocketmesh-go/pkg/log"
	"github.com/pocketmesh/pocketmesh-go/pkg/pairing"
	"github.com/pocketmesh/pocketmesh-go/pkg/persistence"
	"github.com/pocketmesh/pocketmesh-go/pkg/transport"
)

const (
	addrA = "AA:BB:CC:00:00:01"
	addrB = "AA:BB:CC:00:00:02"
)

var errRefused = errors.New("connection refused")

// fakeLink is a scripted transport. With typ TypeShortRange it also
// stands in for the BlueZ transport.
type fakeLink struct {
	typ    transport.Type
	host   string
	events chan transport.Event
	frames chan []byte

	mu              sync.Mutex
	connected       bool
	address         string
	connectErr      error
	connectCalls    int
	disconnectCalls int
	switchCalls     int
	powered         bool
}

func newFakeBLE() *fakeLink {
	return &fakeLink{
		typ:     transport.TypeShortRange,
		events:  make(chan transport.Event, 16),
		frames:  make(chan []byte),
		powered: true,
	}
}

func (l *fakeLink) Type() transport.Type { return l.typ }

func (l *fakeLink) Connect(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connectCalls++
	if l.connectErr != nil {
		return l.connectErr
	}
	if l.connected {
		return transport.ErrAlreadyConnected
	}
	l.connected = true
	return nil
}

func (l *fakeLink) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected = false
	l.disconnectCalls++
	return nil
}

func (l *fakeLink) Send(context.Context, []byte) error { return nil }
func (l *fakeLink) Frames() <-chan []byte               { return l.frames }
func (l *fakeLink) Events() <-chan transport.Event      { return l.events }

func (l *fakeLink) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

func (l *fakeLink) Address() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.address
}

func (l *fakeLink) SetDeviceAddress(addr string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.address = addr
	return nil
}

func (l *fakeLink) SwitchDevice(_ context.Context, addr string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.switchCalls++
	l.address = addr
	l.connected = true
	return nil
}

func (l *fakeLink) Discover(context.Context) <-chan transport.Discovery {
	ch := make(chan transport.Discovery)
	close(ch)
	return ch
}

func (l *fakeLink) Powered() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.powered, nil
}

func (l *fakeLink) setConnectErr(err error) {
	l.mu.Lock()
	l.connectErr = err
	l.mu.Unlock()
}

// emit delivers a link event, updating the link state the way BlueZ
// would.
func (l *fakeLink) emit(kind transport.EventKind) {
	l.mu.Lock()
	switch kind {
	case transport.EventDisconnected, transport.EventAutoReconnecting:
		l.connected = false
	case transport.EventAutoReconnected:
		l.connected = true
	}
	addr := l.address
	l.mu.Unlock()
	l.events <- transport.Event{Kind: kind, Address: addr}
}

func (l *fakeLink) counts() (connects, disconnects, switches int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connectCalls, l.disconnectCalls, l.switchCalls
}

// fakeSession answers from the harness script.
type fakeSession struct {
	h *harness

	mu      sync.Mutex
	stopped bool
}

func (s *fakeSession) Start(ctx context.Context) (*companion.SelfInfo, error) {
	if err := s.h.takeStartErr(); err != nil {
		return nil, err
	}
	return &companion.SelfInfo{PublicKey: s.h.pubKey, Name: "Pocket", Frequency: 869.525}, nil
}

func (s *fakeSession) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

func (s *fakeSession) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *fakeSession) QueryDevice(ctx context.Context) (*companion.DeviceInfo, error) {
	if s.h != nil {
		if hold, entered := s.h.queryHold(); hold != nil {
			entered <- struct{}{}
			select {
			case <-hold:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return &companion.DeviceInfo{FirmwareVersion: 8, Model: "T1000-E", Version: "v1.7.0", MaxContacts: 350}, nil
}

func (s *fakeSession) GetTime(context.Context) (time.Time, error) {
	if s.h != nil && s.h.takeProbeFailure() {
		return time.Time{}, errors.New("no response")
	}
	return time.Now(), nil
}

func (s *fakeSession) SetTime(context.Context, time.Time) error { return nil }

func (s *fakeSession) Battery(context.Context) (*companion.BatteryInfo, error) {
	return &companion.BatteryInfo{MilliVolts: 4000}, nil
}

// fakeSync scripts the sync coordinator.
type fakeSync struct {
	mu            sync.Mutex
	establishErr  error
	resyncResults []bool
	established   int
	forced        []bool
	resyncs       int
	disconnected  int
}

func (s *fakeSync) OnConnectionEstablished(_ context.Context, _ uuid.UUID, _ devicesync.Services, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.established++
	s.forced = append(s.forced, force)
	return s.establishErr
}

func (s *fakeSync) PerformResync(context.Context, uuid.UUID, devicesync.Services) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resyncs++
	if len(s.resyncResults) == 0 {
		return false
	}
	ok := s.resyncResults[0]
	s.resyncResults = s.resyncResults[1:]
	return ok
}

func (s *fakeSync) OnDisconnected(devicesync.Services) {
	s.mu.Lock()
	s.disconnected++
	s.mu.Unlock()
}

func (s *fakeSync) snapshot() (established, resyncs, disconnected int, forced []bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.established, s.resyncs, s.disconnected, append([]bool(nil), s.forced...)
}

// mockPairing is the pairing service.
type mockPairing struct {
	mock.Mock
	events chan pairing.Event
}

func newMockPairing() *mockPairing {
	p := &mockPairing{events: make(chan pairing.Event, 4)}
	p.On("PairedDevices", mock.Anything).Return([]pairing.Device(nil), nil).Maybe()
	p.On("Lookup", mock.Anything).Return(pairing.Device{}, false).Maybe()
	return p
}

func (p *mockPairing) PairedDevices(ctx context.Context) ([]pairing.Device, error) {
	args := p.Called(ctx)
	devs, _ := args.Get(0).([]pairing.Device)
	return devs, args.Error(1)
}

func (p *mockPairing) ShowPicker(ctx context.Context) (pairing.Device, error) {
	args := p.Called(ctx)
	return args.Get(0).(pairing.Device), args.Error(1)
}

func (p *mockPairing) RemoveDevice(ctx context.Context, id uuid.UUID) error {
	return p.Called(ctx, id).Error(0)
}

func (p *mockPairing) Lookup(id uuid.UUID) (pairing.Device, bool) {
	args := p.Called(id)
	return args.Get(0).(pairing.Device), args.Bool(1)
}

func (p *mockPairing) Events() <-chan pairing.Event { return p.events }

// recordingLog keeps lifecycle events for assertions.
type recordingLog struct {
	mu     sync.Mutex
	events []log.Event
}

func (r *recordingLog) Log(ev log.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingLog) recoveries(task string, action log.RecoveryAction) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Recovery != nil && ev.Recovery.Task == task && ev.Recovery.Action == action {
			n++
		}
	}
	return n
}

type harness struct {
	t       *testing.T
	ble     *fakeLink
	devices *persistence.DeviceStore
	state   *persistence.LifecycleStore
	sync    *fakeSync
	pairing *mockPairing
	events  *recordingLog
	cfg     Config
	m       *Manager

	mu            sync.Mutex
	pubKey        [32]byte
	sessions      []*fakeSession
	wifiLinks     []*fakeLink
	wifiErr       error
	startErrs     []error
	probeFailures int
	holdQuery     chan struct{}
	queryEntered  chan struct{}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ConnectBaseDelay = time.Millisecond
	cfg.ConnectJitter = 0
	cfg.BreakerCooldown = time.Hour
	cfg.HandshakeTimeout = time.Second
	cfg.AutoReconnectTimeout = time.Second
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.HeartbeatTimeout = 200 * time.Millisecond
	cfg.WiFiBudget = 300 * time.Millisecond
	cfg.WiFiBaseDelay = 5 * time.Millisecond
	cfg.WiFiMaxDelay = 20 * time.Millisecond
	cfg.WiFiDialTimeout = 100 * time.Millisecond
	cfg.ResyncInterval = 5 * time.Millisecond
	cfg.SyncTimeout = time.Second
	cfg.WatchdogInitial = 20 * time.Millisecond
	cfg.WatchdogMax = 50 * time.Millisecond
	return cfg
}

// newHarness builds a manager on fakes and real stores. The manager is
// not started.
func newHarness(t *testing.T, tweak ...func(h *harness)) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{
		t:       t,
		ble:     newFakeBLE(),
		devices: persistence.NewDeviceStore(filepath.Join(dir, "devices.json")),
		state:   persistence.NewLifecycleStore(filepath.Join(dir, "state.json")),
		sync:    &fakeSync{},
		pairing: newMockPairing(),
		events:  &recordingLog{},
		cfg:     testConfig(),
	}
	h.pubKey[0] = 0x42
	for _, fn := range tweak {
		fn(h)
	}
	h.cfg.EventLog = h.events

	m, err := NewManager(h.cfg, Dependencies{
		BLE:        h.ble,
		DialWiFi:   h.dial,
		NewSession: h.newSession,
		Pairing:    h.pairing,
		Devices:    h.devices,
		State:      h.state,
		Sync:       h.sync,
	})
	require.NoError(t, err)
	h.m = m
	t.Cleanup(func() { _ = m.Close() })
	return h
}

func (h *harness) start() *harness {
	h.t.Helper()
	require.NoError(h.t, h.m.Start(context.Background()))
	return h
}

func (h *harness) dial(host string, port int) transport.Transport {
	h.mu.Lock()
	defer h.mu.Unlock()
	l := &fakeLink{
		typ:        transport.TypeWideArea,
		host:       host,
		events:     make(chan transport.Event, 4),
		frames:     make(chan []byte),
		connectErr: h.wifiErr,
	}
	h.wifiLinks = append(h.wifiLinks, l)
	return l
}

func (h *harness) newSession(companion.Link) Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := &fakeSession{h: h}
	h.sessions = append(h.sessions, s)
	return s
}

func (h *harness) takeStartErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.startErrs) == 0 {
		return nil
	}
	err := h.startErrs[0]
	h.startErrs = h.startErrs[1:]
	return err
}

func (h *harness) takeProbeFailure() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.probeFailures == 0 {
		return false
	}
	h.probeFailures--
	return true
}

func (h *harness) failProbes(n int) {
	h.mu.Lock()
	h.probeFailures = n
	h.mu.Unlock()
}

func (h *harness) setWiFiErr(err error) {
	h.mu.Lock()
	h.wifiErr = err
	h.mu.Unlock()
}

func (h *harness) failStarts(errs ...error) {
	h.mu.Lock()
	h.startErrs = append(h.startErrs, errs...)
	h.mu.Unlock()
}

// holdQueries blocks every later QueryDevice until the returned func is
// called.
func (h *harness) holdQueries() (release func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	hold := make(chan struct{})
	h.holdQuery = hold
	h.queryEntered = make(chan struct{}, 8)
	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			h.holdQuery = nil
			h.mu.Unlock()
			close(hold)
		})
	}
}

func (h *harness) queryHold() (hold, entered chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.holdQuery, h.queryEntered
}

// waitQuery waits until a session is blocked in QueryDevice.
func (h *harness) waitQuery() {
	h.t.Helper()
	h.mu.Lock()
	entered := h.queryEntered
	h.mu.Unlock()
	select {
	case <-entered:
	case <-time.After(3 * time.Second):
		h.t.Fatal("no session reached QueryDevice")
	}
}

// connectAsync runs an explicit Connect in the background.
func (h *harness) connectAsync(id uuid.UUID) <-chan error {
	done := make(chan error, 1)
	go func() { done <- h.m.Connect(context.Background(), id, ConnectOptions{}) }()
	return done
}

func waitErr(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("connect did not return")
		return nil
	}
}

func (h *harness) sessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

func (h *harness) session(i int) *fakeSession {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessions[i]
}

func (h *harness) dials() []*fakeLink {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*fakeLink(nil), h.wifiLinks...)
}

func (h *harness) addBLE(addr string) uuid.UUID {
	h.t.Helper()
	id := companion.DeviceIDFromBLEAddress(addr)
	require.NoError(h.t, h.devices.SaveDevice(&persistence.DeviceRecord{
		ID: id, Name: "Radio " + addr[len(addr)-2:], Transport: transport.TypeShortRange, BLEAddress: addr,
	}))
	return id
}

func (h *harness) addWiFi(host string, port int) uuid.UUID {
	h.t.Helper()
	id := companion.DeviceIDFromPublicKey(h.pubKey[:])
	require.NoError(h.t, h.devices.SaveDevice(&persistence.DeviceRecord{
		ID: id, Name: "Base", Transport: transport.TypeWideArea, Host: host, Port: port,
	}))
	return id
}

func (h *harness) waitPhase(p Phase) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.m.State().Phase() == p },
		3*time.Second, 5*time.Millisecond, "never reached %s", p)
}

func (h *harness) waitReady(id uuid.UUID) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		r, ok := h.m.State().(Ready)
		return ok && r.DeviceID() == id
	}, 3*time.Second, 5*time.Millisecond, "never became ready for %s", shortID(id))
}

func (h *harness) hasTask(name string) bool {
	for _, n := range h.m.Snapshot().Tasks {
		if n == name {
			return true
		}
	}
	return false
}
