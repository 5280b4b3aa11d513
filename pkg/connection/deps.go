package connection

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/pocketmesh/pocketmesh-go/pkg/companion"
	"github.com/pocketmesh/pocketmesh-go/pkg/devicesync"
	"github.com/pocketmesh/pocketmesh-go/pkg/pairing"
	"github.com/pocketmesh/pocketmesh-go/pkg/persistence"
	"github.com/pocketmesh/pocketmesh-go/pkg/transport"
)

// Session is the companion protocol session. *companion.Session
// implements it.
type Session interface {
	Start(ctx context.Context) (*companion.SelfInfo, error)
	Stop()
	QueryDevice(ctx context.Context) (*companion.DeviceInfo, error)
	GetTime(ctx context.Context) (time.Time, error)
	SetTime(ctx context.Context, t time.Time) error
	Battery(ctx context.Context) (*companion.BatteryInfo, error)
}

// ShortRangeLink is the long-lived BLE transport. *transport.BLE
// implements it. Radio power changes arrive on its event stream.
type ShortRangeLink interface {
	transport.Transport
	Address() string
	SetDeviceAddress(addr string) error
	SwitchDevice(ctx context.Context, addr string) error
	Discover(ctx context.Context) <-chan transport.Discovery
	Powered() (bool, error)
}

// PairingService manages BLE bonds. *pairing.BlueZ implements it.
type PairingService interface {
	PairedDevices(ctx context.Context) ([]pairing.Device, error)
	ShowPicker(ctx context.Context) (pairing.Device, error)
	RemoveDevice(ctx context.Context, id uuid.UUID) error
	Lookup(id uuid.UUID) (pairing.Device, bool)
	Events() <-chan pairing.Event
}

// DeviceStore persists device records. *persistence.DeviceStore
// implements it.
type DeviceStore interface {
	SaveDevice(rec *persistence.DeviceRecord) error
	FetchDevice(id uuid.UUID) (*persistence.DeviceRecord, error)
	FetchDevices() ([]*persistence.DeviceRecord, error)
	DeleteDevice(id uuid.UUID) error
}

// StateStore persists the lifecycle state. *persistence.LifecycleStore
// implements it.
type StateStore interface {
	Load() (*persistence.LifecycleState, error)
	Save(state *persistence.LifecycleState) error
}

// SyncCoordinator runs the post-connect sync. *devicesync.Coordinator
// implements it.
type SyncCoordinator interface {
	OnConnectionEstablished(ctx context.Context, id uuid.UUID, svc devicesync.Services, forceFullSync bool) error
	PerformResync(ctx context.Context, id uuid.UUID, svc devicesync.Services) bool
	OnDisconnected(svc devicesync.Services)
}

// Dependencies are the collaborators a Manager drives.
type Dependencies struct {
	// BLE is the short-range transport. Nil disables short-range devices.
	BLE ShortRangeLink

	// DialWiFi builds a fresh wide-area transport. Defaults to a
	// transport.TCP using the manager's config.
	DialWiFi func(host string, port int) transport.Transport

	// NewSession builds a session on a link. Defaults to
	// companion.NewSession.
	NewSession func(link companion.Link) Session

	// Pairing is optional; without it only stored BLE devices connect.
	Pairing PairingService

	// Devices is required.
	Devices DeviceStore

	// State is optional; without it nothing survives a restart.
	State StateStore

	// Sync is optional; without it the sync hand-off always succeeds.
	Sync SyncCoordinator
}

var (
	_ Session         = (*companion.Session)(nil)
	_ ShortRangeLink  = (*transport.BLE)(nil)
	_ PairingService  = (*pairing.BlueZ)(nil)
	_ DeviceStore     = (*persistence.DeviceStore)(nil)
	_ StateStore      = (*persistence.LifecycleStore)(nil)
	_ SyncCoordinator = (*devicesync.Coordinator)(nil)
)
