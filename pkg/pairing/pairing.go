package pairing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"github.com/pocketmesh/pocketmesh-go/internal/bluez"
	"github.com/pocketmesh/pocketmesh-go/pkg/companion"
	"github.com/pocketmesh/pocketmesh-go/pkg/transport"
)

// Pairing errors.
var (
	ErrCancelled     = errors.New("pairing: cancelled")
	ErrNoCandidates  = errors.New("pairing: no companion radios found")
	ErrUnknownDevice = errors.New("pairing: unknown device")
	ErrNoChooser     = errors.New("pairing: no chooser configured")
)

// Device is a bonded (or bondable) companion radio.
type Device struct {
	ID      uuid.UUID
	Address string
	Name    string
	RSSI    int16
}

// EventKind distinguishes pairing events.
type EventKind uint8

const (
	// EventDeviceRemoved reports that a bond disappeared outside of
	// RemoveDevice (for example removed in system settings).
	EventDeviceRemoved EventKind = iota + 1

	// EventPairingFailed reports that bonding with a device failed.
	EventPairingFailed
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case EventDeviceRemoved:
		return "deviceRemoved"
	case EventPairingFailed:
		return "pairingFailed"
	default:
		return "unknown"
	}
}

// Event is an asynchronous pairing notification.
type Event struct {
	Kind     EventKind
	DeviceID uuid.UUID
	Address  string
	Err      error
}

// Scanner discovers advertising companions. *transport.BLE satisfies it.
type Scanner interface {
	Discover(ctx context.Context) <-chan transport.Discovery
}

// Chooser picks one of the discovered candidates. It returns ErrCancelled
// if the user declines.
type Chooser func(ctx context.Context, candidates []Device) (Device, error)

// Config configures the BlueZ pairing service.
type Config struct {
	// Adapter is the BlueZ adapter name (default "hci0").
	Adapter string

	// ScanTimeout is how long ShowPicker scans before choosing (default 8s).
	ScanTimeout time.Duration

	// Choose is asked to pick a device in ShowPicker.
	Choose Chooser

	Logger *slog.Logger
}

// BlueZ is the pairing service backed by BlueZ.
type BlueZ struct {
	cfg     Config
	scanner Scanner
	events  chan Event

	mu       sync.Mutex
	bus      *dbus.Conn
	sigCh    chan *dbus.Signal
	stop     chan struct{}
	known    map[uuid.UUID]Device
	removing map[uuid.UUID]bool
	wg       sync.WaitGroup
}

// New creates the pairing service.
func New(scanner Scanner, cfg Config) *BlueZ {
	if cfg.Adapter == "" {
		cfg.Adapter = bluez.DefaultAdapter
	}
	if cfg.ScanTimeout == 0 {
		cfg.ScanTimeout = 8 * time.Second
	}
	return &BlueZ{
		cfg:      cfg,
		scanner:  scanner,
		events:   make(chan Event, 8),
		known:    make(map[uuid.UUID]Device),
		removing: make(map[uuid.UUID]bool),
	}
}

func (p *BlueZ) debugLog(msg string, args ...any) {
	if p.cfg.Logger != nil {
		p.cfg.Logger.Debug(msg, args...)
	}
}

// Events delivers removal and pairing-failure events.
func (p *BlueZ) Events() <-chan Event { return p.events }

func (p *BlueZ) ensureBus() (*dbus.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bus != nil {
		return p.bus, nil
	}

	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transport.ErrRadioUnavailable, err)
	}
	if err := conn.AddMatchSignal(
		dbus.WithMatchSender(bluez.Service),
		dbus.WithMatchInterface(bluez.ObjectManagerIface),
		dbus.WithMatchMember("InterfacesRemoved"),
	); err != nil {
		return nil, fmt.Errorf("pairing: add match: %w", err)
	}
	if err := conn.AddMatchSignal(
		dbus.WithMatchSender(bluez.Service),
		dbus.WithMatchInterface(bluez.PropertiesIface),
		dbus.WithMatchMember("PropertiesChanged"),
	); err != nil {
		return nil, fmt.Errorf("pairing: add match: %w", err)
	}

	p.bus = conn
	p.sigCh = make(chan *dbus.Signal, 32)
	p.stop = make(chan struct{})
	conn.Signal(p.sigCh)
	p.wg.Add(1)
	go p.watch(p.sigCh, p.stop)
	return conn, nil
}

// PairedDevices lists bonded devices that expose the companion service.
func (p *BlueZ) PairedDevices(ctx context.Context) ([]Device, error) {
	conn, err := p.ensureBus()
	if err != nil {
		return nil, err
	}
	objs, err := bluez.GetManagedObjects(conn)
	if err != nil {
		return nil, err
	}

	adapterPrefix := string(bluez.AdapterPath(p.cfg.Adapter)) + "/"
	var out []Device
	for path, ifaces := range objs {
		if !strings.HasPrefix(string(path), adapterPrefix) {
			continue
		}
		if d, ok := pairedFromProps(path, ifaces[bluez.DeviceIface]); ok {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	p.mu.Lock()
	for _, d := range out {
		p.known[d.ID] = d
	}
	p.mu.Unlock()
	return out, nil
}

func pairedFromProps(path dbus.ObjectPath, props map[string]dbus.Variant) (Device, bool) {
	if props == nil {
		return Device{}, false
	}
	paired, _ := bluez.Prop[bool](props, "Paired")
	uuids, _ := bluez.Prop[[]string](props, "UUIDs")
	if !paired || !bluez.ContainsUUID(uuids, transport.NUSServiceUUID) {
		return Device{}, false
	}
	addr, _ := bluez.Prop[string](props, "Address")
	if addr == "" {
		addr = bluez.AddressFromPath(path)
	}
	name, _ := bluez.Prop[string](props, "Alias")
	return newDevice(addr, name, 0), true
}

func newDevice(addr, name string, rssi int16) Device {
	addr = strings.ToUpper(addr)
	return Device{ID: companion.DeviceIDFromBLEAddress(addr), Address: addr, Name: name, RSSI: rssi}
}

// Lookup returns a device seen by PairedDevices or ShowPicker.
func (p *BlueZ) Lookup(id uuid.UUID) (Device, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.known[id]
	return d, ok
}

// ShowPicker scans for companions, lets the Chooser pick one and bonds
// with it.
func (p *BlueZ) ShowPicker(ctx context.Context) (Device, error) {
	if p.cfg.Choose == nil {
		return Device{}, ErrNoChooser
	}
	conn, err := p.ensureBus()
	if err != nil {
		return Device{}, err
	}

	scanCtx, cancel := context.WithTimeout(ctx, p.cfg.ScanTimeout)
	candidates := collect(p.scanner.Discover(scanCtx))
	cancel()
	if ctx.Err() != nil {
		return Device{}, ctx.Err()
	}
	if len(candidates) == 0 {
		return Device{}, ErrNoCandidates
	}

	choice, err := p.cfg.Choose(ctx, candidates)
	if err != nil {
		return Device{}, err
	}

	if err := p.pair(ctx, conn, choice); err != nil {
		p.publish(Event{Kind: EventPairingFailed, DeviceID: choice.ID, Address: choice.Address, Err: err})
		return Device{}, err
	}

	p.mu.Lock()
	p.known[choice.ID] = choice
	p.mu.Unlock()
	return choice, nil
}

// collect drains a discovery stream into candidates ordered by signal
// strength.
func collect(ch <-chan transport.Discovery) []Device {
	seen := make(map[string]int)
	var out []Device
	for d := range ch {
		dev := newDevice(d.Address, d.Name, d.RSSI)
		if i, ok := seen[dev.Address]; ok {
			out[i] = dev
			continue
		}
		seen[dev.Address] = len(out)
		out = append(out, dev)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RSSI > out[j].RSSI })
	return out
}

func (p *BlueZ) pair(ctx context.Context, conn *dbus.Conn, d Device) error {
	path := bluez.DevicePath(p.cfg.Adapter, d.Address)
	if paired, err := bluez.Property[bool](conn, path, bluez.DeviceIface, "Paired"); err == nil && paired {
		return nil
	}

	call := conn.Object(bluez.Service, path).CallWithContext(ctx, bluez.DeviceIface+".Pair", 0)
	if call.Err != nil && bluez.ErrorName(call.Err) != "org.bluez.Error.AlreadyExists" {
		return fmt.Errorf("pair %s: %w", d.Address, call.Err)
	}
	trusted := conn.Object(bluez.Service, path).SetProperty(bluez.DeviceIface+".Trusted", dbus.MakeVariant(true))
	if trusted != nil {
		p.debugLog("pairing: could not mark device trusted", "addr", d.Address, "error", trusted)
	}
	p.debugLog("pairing: bonded", "addr", d.Address, "id", d.ID)
	return nil
}

// RemoveDevice removes the bond for id. No EventDeviceRemoved is emitted
// for it.
func (p *BlueZ) RemoveDevice(ctx context.Context, id uuid.UUID) error {
	conn, err := p.ensureBus()
	if err != nil {
		return err
	}
	p.mu.Lock()
	d, ok := p.known[id]
	if ok {
		p.removing[id] = true
	}
	p.mu.Unlock()
	if !ok {
		return ErrUnknownDevice
	}

	path := bluez.DevicePath(p.cfg.Adapter, d.Address)
	call := conn.Object(bluez.Service, bluez.AdapterPath(p.cfg.Adapter)).
		CallWithContext(ctx, bluez.AdapterIface+".RemoveDevice", 0, path)
	if call.Err != nil && !bluez.IsUnknownObject(call.Err) {
		p.mu.Lock()
		delete(p.removing, id)
		p.mu.Unlock()
		return fmt.Errorf("remove %s: %w", d.Address, call.Err)
	}

	p.mu.Lock()
	delete(p.known, id)
	p.mu.Unlock()
	return nil
}

// Close stops watching BlueZ signals.
func (p *BlueZ) Close() error {
	p.mu.Lock()
	conn, sigCh, stop := p.bus, p.sigCh, p.stop
	p.bus, p.sigCh, p.stop = nil, nil, nil
	p.mu.Unlock()

	if conn != nil {
		conn.RemoveSignal(sigCh)
		close(stop)
	}
	p.wg.Wait()
	return nil
}

func (p *BlueZ) publish(ev Event) {
	select {
	case p.events <- ev:
	default:
		p.debugLog("pairing: event dropped", "kind", ev.Kind)
	}
}

func (p *BlueZ) watch(sigCh chan *dbus.Signal, stop chan struct{}) {
	defer p.wg.Done()
	for {
		select {
		case <-stop:
			return
		case sig, ok := <-sigCh:
			if !ok {
				return
			}
			switch sig.Name {
			case bluez.InterfacesRemoved:
				if len(sig.Body) < 2 {
					continue
				}
				path, _ := sig.Body[0].(dbus.ObjectPath)
				ifaces, _ := sig.Body[1].([]string)
				for _, iface := range ifaces {
					if iface == bluez.DeviceIface {
						p.bondLost(bluez.AddressFromPath(path))
					}
				}
			case bluez.PropertiesChanged:
				iface, changed, ok := bluez.ChangedProps(sig)
				if !ok || iface != bluez.DeviceIface {
					continue
				}
				if paired, ok := bluez.Prop[bool](changed, "Paired"); ok && !paired {
					p.bondLost(bluez.AddressFromPath(sig.Path))
				}
			}
		}
	}
}

// bondLost reports a known device whose bond vanished.
func (p *BlueZ) bondLost(addr string) {
	if addr == "" {
		return
	}
	id := companion.DeviceIDFromBLEAddress(addr)

	p.mu.Lock()
	_, known := p.known[id]
	expected := p.removing[id]
	delete(p.removing, id)
	delete(p.known, id)
	p.mu.Unlock()

	if !known || expected {
		return
	}
	p.debugLog("pairing: bond removed externally", "addr", addr)
	p.publish(Event{Kind: EventDeviceRemoved, DeviceID: id, Address: strings.ToUpper(addr)})
}
