package persistence

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pocketmesh/pocketmesh-go/pkg/transport"
)

// ErrDeviceNotFound is returned when no record exists for a device.
var ErrDeviceNotFound = errors.New("persistence: device not found")

// DeviceRecord is everything known about one companion radio.
type DeviceRecord struct {
	ID        uuid.UUID      `json:"id"`
	Name      string         `json:"name"`
	PublicKey []byte         `json:"public_key,omitempty"`
	Transport transport.Type `json:"transport"`

	// BLEAddress is set for short-range devices.
	BLEAddress string `json:"ble_address,omitempty"`

	// Host and Port are set for wide-area devices.
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`

	FirmwareVersion uint8  `json:"firmware_version,omitempty"`
	FirmwareBuild   string `json:"firmware_build,omitempty"`
	Model           string `json:"model,omitempty"`
	MaxContacts     int    `json:"max_contacts,omitempty"`
	MaxChannels     int    `json:"max_channels,omitempty"`

	Frequency       float64 `json:"frequency_mhz,omitempty"`
	Bandwidth       float64 `json:"bandwidth_khz,omitempty"`
	SpreadingFactor uint8   `json:"spreading_factor,omitempty"`
	CodingRate      uint8   `json:"coding_rate,omitempty"`
	TxPower         uint8   `json:"tx_power,omitempty"`

	BatteryMilliVolts uint16 `json:"battery_mv,omitempty"`

	// ClockOffset is device clock minus host clock at the last sync.
	ClockOffset time.Duration `json:"clock_offset,omitempty"`

	LastConnected time.Time `json:"last_connected,omitempty"`
	LastSynced    time.Time `json:"last_synced,omitempty"`
}

// WideArea reports whether the device is reached over TCP.
func (r *DeviceRecord) WideArea() bool {
	return r.Transport == transport.TypeWideArea
}

// Clone returns a deep copy.
func (r *DeviceRecord) Clone() *DeviceRecord {
	c := *r
	c.PublicKey = append([]byte(nil), r.PublicKey...)
	return &c
}

type deviceFile struct {
	Version int             `json:"version"`
	SavedAt time.Time       `json:"saved_at"`
	Devices []*DeviceRecord `json:"devices"`
}

// DeviceStore keeps device records in a single JSON file.
type DeviceStore struct {
	mu      sync.Mutex
	path    string
	loaded  bool
	devices map[uuid.UUID]*DeviceRecord
}

// NewDeviceStore creates a device store backed by path.
func NewDeviceStore(path string) *DeviceStore {
	return &DeviceStore{path: path, devices: make(map[uuid.UUID]*DeviceRecord)}
}

// load reads the file once. Caller holds s.mu.
func (s *DeviceStore) load() error {
	if s.loaded {
		return nil
	}
	var f deviceFile
	if _, err := readJSON(s.path, &f); err != nil {
		return err
	}
	for _, d := range f.Devices {
		s.devices[d.ID] = d
	}
	s.loaded = true
	return nil
}

// flush writes all records. Caller holds s.mu.
func (s *DeviceStore) flush() error {
	f := deviceFile{Version: StateVersion, SavedAt: time.Now()}
	for _, d := range s.devices {
		f.Devices = append(f.Devices, d)
	}
	sort.Slice(f.Devices, func(i, j int) bool {
		return f.Devices[i].ID.String() < f.Devices[j].ID.String()
	})
	return writeJSON(s.path, f)
}

// SaveDevice inserts or replaces a record.
func (s *DeviceStore) SaveDevice(rec *DeviceRecord) error {
	if rec == nil || rec.ID == uuid.Nil {
		return errors.New("persistence: device record needs an id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(); err != nil {
		return err
	}
	s.devices[rec.ID] = rec.Clone()
	return s.flush()
}

// FetchDevice returns a copy of the record for id.
func (s *DeviceStore) FetchDevice(id uuid.UUID) (*DeviceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(); err != nil {
		return nil, err
	}
	rec, ok := s.devices[id]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	return rec.Clone(), nil
}

// FetchDeviceByAddress finds a short-range record by BLE address.
func (s *DeviceStore) FetchDeviceByAddress(addr string) (*DeviceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(); err != nil {
		return nil, err
	}
	for _, rec := range s.devices {
		if rec.BLEAddress != "" && strings.EqualFold(rec.BLEAddress, addr) {
			return rec.Clone(), nil
		}
	}
	return nil, ErrDeviceNotFound
}

// FetchDevices returns all records, most recently connected first.
func (s *DeviceStore) FetchDevices() ([]*DeviceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(); err != nil {
		return nil, err
	}
	out := make([]*DeviceRecord, 0, len(s.devices))
	for _, rec := range s.devices {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastConnected.Equal(out[j].LastConnected) {
			return out[i].LastConnected.After(out[j].LastConnected)
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// DeleteDevice removes a record. Deleting an unknown id is not an error.
func (s *DeviceStore) DeleteDevice(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(); err != nil {
		return err
	}
	if _, ok := s.devices[id]; !ok {
		return nil
	}
	delete(s.devices, id)
	return s.flush()
}
