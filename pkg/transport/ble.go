package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/pocketmesh/pocketmesh-go/internal/bluez"
	"github.com/pocketmesh/pocketmesh-go/pkg/log"
)

// Nordic UART service used by MeshCore companion firmware.
const (
	NUSServiceUUID = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	NUSRxUUID      = "6e400002-b5a3-f393-e0a9-e50e24dcca9e" // write
	NUSTxUUID      = "6e400003-b5a3-f393-e0a9-e50e24dcca9e" // notify
)

// BLE defaults.
const (
	DefaultBLEConnectTimeout = 20 * time.Second
	DefaultScanTimeout       = 10 * time.Second
)

// BLEConfig configures the short-range transport.
type BLEConfig struct {
	// Adapter is the BlueZ adapter name (default "hci0").
	Adapter string

	// ConnectTimeout bounds Connect when ctx has no deadline.
	ConnectTimeout time.Duration

	// ScanTimeout bounds the implicit scan Connect runs when BlueZ does not
	// know the device yet.
	ScanTimeout time.Duration

	// WriteWithoutResponse selects GATT write commands instead of requests.
	WriteWithoutResponse bool

	EventLog log.Logger
	Logger   *slog.Logger
}

// BLE is the short-range transport: MeshCore's Nordic UART service driven
// through BlueZ over the system D-Bus.
//
// A BLE object is long-lived. It survives device switches and BlueZ
// auto-reconnects: after an unplanned link loss on a bonded device it emits
// EventAutoReconnecting and, once BlueZ has re-established the link and
// resolved services, EventAutoReconnected. Close releases it.
type BLE struct {
	cfg    BLEConfig
	frames chan []byte
	events chan Event

	mu               sync.Mutex
	bus              *dbus.Conn
	sigCh            chan *dbus.Signal
	stop             chan struct{}
	address          string
	devicePath       dbus.ObjectPath
	rxPath           dbus.ObjectPath
	txPath           dbus.ObjectPath
	connected        bool
	reconnecting     bool
	expectDisconnect bool
	scanners         map[chan Discovery]struct{}
	workers          sync.WaitGroup
}

// NewBLE creates a BLE transport. No D-Bus connection is made until the
// first Connect, Discover or Powered call.
func NewBLE(cfg BLEConfig) *BLE {
	if cfg.Adapter == "" {
		cfg.Adapter = bluez.DefaultAdapter
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = DefaultBLEConnectTimeout
	}
	if cfg.ScanTimeout == 0 {
		cfg.ScanTimeout = DefaultScanTimeout
	}
	cfg.EventLog = log.OrNoop(cfg.EventLog)
	return &BLE{
		cfg:      cfg,
		frames:   make(chan []byte, 32),
		events:   make(chan Event, eventBuffer),
		scanners: make(map[chan Discovery]struct{}),
	}
}

func (b *BLE) debugLog(msg string, args ...any) {
	if b.cfg.Logger != nil {
		b.cfg.Logger.Debug(msg, args...)
	}
}

// Type implements Transport.
func (b *BLE) Type() Type { return TypeShortRange }

// Frames implements Transport.
func (b *BLE) Frames() <-chan []byte { return b.frames }

// Events implements Transport.
func (b *BLE) Events() <-chan Event { return b.events }

// Connected implements Transport.
func (b *BLE) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Address returns the current device address.
func (b *BLE) Address() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.address
}

// SetDeviceAddress selects the device the next Connect targets.
func (b *BLE) SetDeviceAddress(addr string) error {
	if !bluez.ValidAddress(addr) {
		return fmt.Errorf("%w: %q", bluez.ErrInvalidAddress, addr)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.address = strings.ToUpper(addr)
	b.devicePath = bluez.DevicePath(b.cfg.Adapter, b.address)
	return nil
}

// ensureBus connects to the system bus and starts the signal loop once.
func (b *BLE) ensureBus() (*dbus.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bus != nil {
		return b.bus, nil
	}

	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRadioUnavailable, err)
	}
	matches := [][]dbus.MatchOption{
		{dbus.WithMatchSender(bluez.Service), dbus.WithMatchInterface(bluez.PropertiesIface), dbus.WithMatchMember("PropertiesChanged")},
		{dbus.WithMatchSender(bluez.Service), dbus.WithMatchInterface(bluez.ObjectManagerIface), dbus.WithMatchMember("InterfacesAdded")},
	}
	for _, m := range matches {
		if err := conn.AddMatchSignal(m...); err != nil {
			return nil, fmt.Errorf("ble: add match: %w", err)
		}
	}

	b.bus = conn
	b.sigCh = make(chan *dbus.Signal, 64)
	b.stop = make(chan struct{})
	conn.Signal(b.sigCh)

	b.workers.Add(1)
	go b.signalLoop(b.sigCh, b.stop)
	return conn, nil
}

// Powered reports whether the adapter is powered.
func (b *BLE) Powered() (bool, error) {
	conn, err := b.ensureBus()
	if err != nil {
		return false, err
	}
	powered, err := bluez.Property[bool](conn, bluez.AdapterPath(b.cfg.Adapter), bluez.AdapterIface, "Powered")
	if err != nil {
		if bluez.IsUnknownObject(err) {
			return false, ErrRadioUnavailable
		}
		return false, err
	}
	return powered, nil
}

// Connect opens the GATT link to the configured device and subscribes to
// the TX characteristic.
func (b *BLE) Connect(ctx context.Context) error {
	conn, err := b.ensureBus()
	if err != nil {
		return err
	}

	b.mu.Lock()
	if b.connected {
		b.mu.Unlock()
		return ErrAlreadyConnected
	}
	if b.address == "" {
		b.mu.Unlock()
		return ErrNoDeviceAddress
	}
	devicePath := b.devicePath
	addr := b.address
	b.mu.Unlock()

	powered, err := b.Powered()
	if err != nil {
		return err
	}
	if !powered {
		return ErrRadioPoweredOff
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.ConnectTimeout)
		defer cancel()
	}

	if err := b.ensureKnown(ctx, conn, devicePath); err != nil {
		return err
	}

	call := conn.Object(bluez.Service, devicePath).CallWithContext(ctx, bluez.DeviceIface+".Connect", 0)
	if call.Err != nil && !bluez.IsAlreadyConnected(call.Err) {
		return fmt.Errorf("ble connect %s: %w", addr, call.Err)
	}

	if err := b.attach(ctx, conn, devicePath); err != nil {
		_ = bluez.Call(conn, devicePath, bluez.DeviceIface+".Disconnect")
		return err
	}

	b.mu.Lock()
	b.connected = true
	b.reconnecting = false
	b.expectDisconnect = false
	b.mu.Unlock()

	b.debugLog("ble connected", "addr", addr)
	return nil
}

// ensureKnown scans until BlueZ has an object for the device.
func (b *BLE) ensureKnown(ctx context.Context, conn *dbus.Conn, devicePath dbus.ObjectPath) error {
	if _, err := bluez.Property[string](conn, devicePath, bluez.DeviceIface, "Address"); err == nil {
		return nil
	}

	scanCtx, cancel := context.WithTimeout(ctx, b.cfg.ScanTimeout)
	defer cancel()
	want := bluez.AddressFromPath(devicePath)
	for d := range b.Discover(scanCtx) {
		if strings.EqualFold(d.Address, want) {
			return nil
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return ErrDeviceNotFound
}

// attach waits for service resolution, resolves the NUS characteristics and
// enables notifications.
func (b *BLE) attach(ctx context.Context, conn *dbus.Conn, devicePath dbus.ObjectPath) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		resolved, err := bluez.Property[bool](conn, devicePath, bluez.DeviceIface, "ServicesResolved")
		if err == nil && resolved {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("ble: waiting for services: %w", ctx.Err())
		case <-ticker.C:
		}
	}

	rx, tx, err := findNUS(conn, devicePath)
	if err != nil {
		return err
	}
	if err := bluez.Call(conn, tx, bluez.GattCharacteristic+".StartNotify"); err != nil {
		return fmt.Errorf("ble: StartNotify: %w", err)
	}

	b.mu.Lock()
	b.rxPath, b.txPath = rx, tx
	b.mu.Unlock()
	return nil
}

func findNUS(conn *dbus.Conn, devicePath dbus.ObjectPath) (rx, tx dbus.ObjectPath, err error) {
	objs, err := bluez.GetManagedObjects(conn)
	if err != nil {
		return "", "", err
	}
	prefix := string(devicePath) + "/"
	for path, ifaces := range objs {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		props, ok := ifaces[bluez.GattCharacteristic]
		if !ok {
			continue
		}
		uuid, _ := bluez.Prop[string](props, "UUID")
		switch strings.ToLower(uuid) {
		case NUSRxUUID:
			rx = path
		case NUSTxUUID:
			tx = path
		}
	}
	if rx == "" || tx == "" {
		return "", "", ErrServiceNotFound
	}
	return rx, tx, nil
}

// Disconnect drops the link without emitting an event. It also abandons a
// BlueZ auto-reconnect in progress.
func (b *BLE) Disconnect() error {
	b.mu.Lock()
	conn := b.bus
	devicePath, tx := b.devicePath, b.txPath
	wasActive := b.connected || b.reconnecting
	if b.connected {
		b.expectDisconnect = true
	}
	b.connected = false
	b.reconnecting = false
	b.rxPath, b.txPath = "", ""
	b.mu.Unlock()

	if conn == nil || !wasActive {
		return nil
	}
	if tx != "" {
		_ = bluez.Call(conn, tx, bluez.GattCharacteristic+".StopNotify")
	}
	if err := bluez.Call(conn, devicePath, bluez.DeviceIface+".Disconnect"); err != nil && !bluez.IsUnknownObject(err) {
		return fmt.Errorf("ble disconnect: %w", err)
	}
	b.debugLog("ble disconnected", "path", devicePath)
	return nil
}

// SwitchDevice moves the link object to another device.
func (b *BLE) SwitchDevice(ctx context.Context, addr string) error {
	if err := b.Disconnect(); err != nil {
		b.debugLog("ble switch: disconnect failed", "error", err)
	}
	if err := b.SetDeviceAddress(addr); err != nil {
		return err
	}
	return b.Connect(ctx)
}

// Send writes one companion frame to the RX characteristic.
func (b *BLE) Send(ctx context.Context, payload []byte) error {
	b.mu.Lock()
	conn, rx, connected := b.bus, b.rxPath, b.connected
	b.mu.Unlock()
	if !connected || rx == "" {
		return ErrNotConnected
	}

	writeType := "request"
	if b.cfg.WriteWithoutResponse {
		writeType = "command"
	}
	opts := map[string]dbus.Variant{"type": dbus.MakeVariant(writeType)}
	call := conn.Object(bluez.Service, rx).CallWithContext(ctx, bluez.GattCharacteristic+".WriteValue", 0, payload, opts)
	if call.Err != nil {
		return fmt.Errorf("ble write: %w", call.Err)
	}
	b.cfg.EventLog.Log(log.FrameRecord(TypeShortRange.String(), log.DirectionOut, payload))
	return nil
}

// Discover scans for companions advertising the Nordic UART service until
// ctx is done. The returned channel is closed when the scan stops.
func (b *BLE) Discover(ctx context.Context) <-chan Discovery {
	out := make(chan Discovery, 16)
	conn, err := b.ensureBus()
	if err != nil {
		close(out)
		return out
	}

	adapter := bluez.AdapterPath(b.cfg.Adapter)
	filter := map[string]dbus.Variant{
		"Transport": dbus.MakeVariant("le"),
		"UUIDs":     dbus.MakeVariant([]string{NUSServiceUUID}),
	}
	if err := bluez.Call(conn, adapter, bluez.AdapterIface+".SetDiscoveryFilter", filter); err != nil {
		b.debugLog("ble: SetDiscoveryFilter failed", "error", err)
	}

	results := make(chan Discovery, 16)
	b.mu.Lock()
	b.scanners[results] = struct{}{}
	b.mu.Unlock()

	if err := bluez.Call(conn, adapter, bluez.AdapterIface+".StartDiscovery"); err != nil {
		b.debugLog("ble: StartDiscovery failed", "error", err)
	}

	go func() {
		defer close(out)
		defer func() {
			b.mu.Lock()
			delete(b.scanners, results)
			b.mu.Unlock()
			_ = bluez.Call(conn, adapter, bluez.AdapterIface+".StopDiscovery")
		}()

		seen := make(map[string]bool)
		forward := func(d Discovery) bool {
			if seen[d.Address] {
				return true
			}
			seen[d.Address] = true
			select {
			case out <- d:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if objs, err := bluez.GetManagedObjects(conn); err == nil {
			for path, ifaces := range objs {
				if d, ok := discoveryFromProps(path, ifaces[bluez.DeviceIface]); ok {
					if !forward(d) {
						return
					}
				}
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case d := <-results:
				if !forward(d) {
					return
				}
			}
		}
	}()
	return out
}

func discoveryFromProps(path dbus.ObjectPath, props map[string]dbus.Variant) (Discovery, bool) {
	if props == nil {
		return Discovery{}, false
	}
	uuids, _ := bluez.Prop[[]string](props, "UUIDs")
	if !bluez.ContainsUUID(uuids, NUSServiceUUID) {
		return Discovery{}, false
	}
	addr, _ := bluez.Prop[string](props, "Address")
	if addr == "" {
		addr = bluez.AddressFromPath(path)
	}
	name, _ := bluez.Prop[string](props, "Alias")
	if name == "" {
		name, _ = bluez.Prop[string](props, "Name")
	}
	rssi, _ := bluez.Prop[int16](props, "RSSI")
	return Discovery{Address: addr, Name: name, RSSI: rssi}, true
}

// Close disconnects and releases the signal subscription. The shared
// system bus connection is not closed.
func (b *BLE) Close() error {
	err := b.Disconnect()

	b.mu.Lock()
	conn, sigCh, stop := b.bus, b.sigCh, b.stop
	b.bus, b.sigCh, b.stop = nil, nil, nil
	b.mu.Unlock()

	if conn != nil {
		conn.RemoveSignal(sigCh)
		close(stop)
	}
	b.workers.Wait()
	return err
}

func (b *BLE) signalLoop(sigCh chan *dbus.Signal, stop chan struct{}) {
	defer b.workers.Done()
	adapterPath := bluez.AdapterPath(b.cfg.Adapter)

	for {
		select {
		case <-stop:
			return
		case sig, ok := <-sigCh:
			if !ok {
				return
			}
			switch sig.Name {
			case bluez.InterfacesAdded:
				b.handleInterfacesAdded(sig)
			case bluez.PropertiesChanged:
				iface, changed, ok := bluez.ChangedProps(sig)
				if !ok {
					continue
				}
				switch {
				case iface == bluez.GattCharacteristic:
					b.handleValue(sig.Path, changed, stop)
				case iface == bluez.DeviceIface:
					b.handleDevice(sig.Path, changed)
				case iface == bluez.AdapterIface && sig.Path == adapterPath:
					b.handleAdapter(changed)
				}
			}
		}
	}
}

func (b *BLE) handleValue(path dbus.ObjectPath, changed map[string]dbus.Variant, stop chan struct{}) {
	b.mu.Lock()
	tx := b.txPath
	b.mu.Unlock()
	if tx == "" || path != tx {
		return
	}
	value, ok := bluez.Prop[[]byte](changed, "Value")
	if !ok || len(value) == 0 {
		return
	}
	payload := append([]byte(nil), value...)
	b.cfg.EventLog.Log(log.FrameRecord(TypeShortRange.String(), log.DirectionIn, payload))
	select {
	case b.frames <- payload:
	case <-stop:
	}
}

func (b *BLE) handleDevice(path dbus.ObjectPath, changed map[string]dbus.Variant) {
	if rssi, ok := bluez.Prop[int16](changed, "RSSI"); ok {
		b.scanUpdate(path, rssi)
	}

	b.mu.Lock()
	if path != b.devicePath {
		b.mu.Unlock()
		return
	}
	addr := b.address

	if connected, ok := bluez.Prop[bool](changed, "Connected"); ok && !connected {
		if b.expectDisconnect {
			b.expectDisconnect = false
			b.mu.Unlock()
			return
		}
		if !b.connected {
			b.mu.Unlock()
			return
		}
		b.connected = false
		b.rxPath, b.txPath = "", ""
		conn := b.bus
		b.mu.Unlock()

		paired, _ := bluez.Property[bool](conn, path, bluez.DeviceIface, "Paired")
		if paired {
			b.mu.Lock()
			b.reconnecting = true
			b.mu.Unlock()
			b.debugLog("ble link lost, waiting for auto-reconnect", "addr", addr)
			emit(b.events, Event{Kind: EventAutoReconnecting, Address: addr})
			return
		}
		b.debugLog("ble link lost", "addr", addr)
		emit(b.events, Event{Kind: EventDisconnected, Address: addr, Err: ErrConnectionClosed})
		return
	}

	if resolved, ok := bluez.Prop[bool](changed, "ServicesResolved"); ok && resolved && b.reconnecting {
		conn := b.bus
		b.workers.Add(1)
		b.mu.Unlock()
		go b.completeReconnect(conn, path, addr)
		return
	}
	b.mu.Unlock()
}

// scanUpdate forwards RSSI updates of known companions to active scans.
func (b *BLE) scanUpdate(path dbus.ObjectPath, rssi int16) {
	b.mu.Lock()
	scanning, conn := len(b.scanners) > 0, b.bus
	b.mu.Unlock()
	if !scanning || conn == nil {
		return
	}

	uuids, err := bluez.Property[[]string](conn, path, bluez.DeviceIface, "UUIDs")
	if err != nil || !bluez.ContainsUUID(uuids, NUSServiceUUID) {
		return
	}
	name, _ := bluez.Property[string](conn, path, bluez.DeviceIface, "Alias")

	b.mu.Lock()
	b.publishScan(Discovery{Address: bluez.AddressFromPath(path), Name: name, RSSI: rssi})
	b.mu.Unlock()
}

func (b *BLE) handleInterfacesAdded(sig *dbus.Signal) {
	if len(sig.Body) < 2 {
		return
	}
	path, _ := sig.Body[0].(dbus.ObjectPath)
	ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
	d, ok := discoveryFromProps(path, ifaces[bluez.DeviceIface])
	if !ok {
		return
	}
	b.mu.Lock()
	b.publishScan(d)
	b.mu.Unlock()
}

// publishScan fans a discovery out without blocking. Caller holds b.mu.
func (b *BLE) publishScan(d Discovery) {
	for ch := range b.scanners {
		select {
		case ch <- d:
		default:
		}
	}
}

func (b *BLE) completeReconnect(conn *dbus.Conn, path dbus.ObjectPath, addr string) {
	defer b.workers.Done()

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.ConnectTimeout)
	defer cancel()
	if err := b.attach(ctx, conn, path); err != nil {
		b.debugLog("ble auto-reconnect attach failed", "addr", addr, "error", err)
		return
	}

	b.mu.Lock()
	if !b.reconnecting || path != b.devicePath {
		b.mu.Unlock()
		return
	}
	b.reconnecting = false
	b.connected = true
	b.mu.Unlock()

	b.debugLog("ble auto-reconnected", "addr", addr)
	emit(b.events, Event{Kind: EventAutoReconnected, Address: addr})
}

func (b *BLE) handleAdapter(changed map[string]dbus.Variant) {
	powered, ok := bluez.Prop[bool](changed, "Powered")
	if !ok {
		return
	}
	kind := EventRadioUnpowered
	if powered {
		kind = EventRadioPowered
	}
	b.debugLog("ble adapter power changed", "powered", powered)
	emit(b.events, Event{Kind: kind})
}

var _ Transport = (*BLE)(nil)
