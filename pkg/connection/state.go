package connection

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/pocketmesh/pocketmesh-go/pkg/persistence"
	"github.com/pocketmesh/pocketmesh-go/pkg/transport"
)

// Phase is the coarse connection phase.
type Phase uint8

const (
	PhaseDisconnected Phase = iota
	PhaseConnecting
	PhaseConnected
	PhaseReady
)

// String returns a human-readable phase name.
func (p Phase) String() string {
	switch p {
	case PhaseDisconnected:
		return "DISCONNECTED"
	case PhaseConnecting:
		return "CONNECTING"
	case PhaseConnected:
		return "CONNECTED"
	case PhaseReady:
		return "READY"
	default:
		return "UNKNOWN"
	}
}

// State is the connection state. It is one of Disconnected, Connecting,
// Connected or Ready.
type State interface {
	Phase() Phase
	String() string
	isState()
}

// Disconnected means no transport session is owned.
type Disconnected struct{}

// Connecting means a walk toward Ready is in flight, or BlueZ is
// re-establishing a dropped link. DeviceID is uuid.Nil for a WiFi connect
// whose radio identity is not known until the handshake.
type Connecting struct {
	DeviceID  uuid.UUID
	Transport transport.Type
}

// Connected means the transport is open and the session is being built.
type Connected struct {
	DeviceID  uuid.UUID
	Transport transport.Type
}

// Ready means the session handshake completed and the service layer is
// usable. Only the manager creates Ready values.
type Ready struct {
	session   Session
	device    *persistence.DeviceRecord
	services  *Services
	transport transport.Type
}

func newReady(session Session, device *persistence.DeviceRecord, services *Services, t transport.Type) Ready {
	if session == nil || device == nil || services == nil {
		panic("connection: Ready requires a session, a device record and services")
	}
	return Ready{session: session, device: device, services: services, transport: t}
}

func (Disconnected) Phase() Phase { return PhaseDisconnected }
func (Connecting) Phase() Phase   { return PhaseConnecting }
func (Connected) Phase() Phase    { return PhaseConnected }
func (Ready) Phase() Phase        { return PhaseReady }

func (Disconnected) isState() {}
func (Connecting) isState()   {}
func (Connected) isState()    {}
func (Ready) isState()        {}

func (Disconnected) String() string { return PhaseDisconnected.String() }

func (s Connecting) String() string {
	return fmt.Sprintf("%s(%s, %s)", PhaseConnecting, shortID(s.DeviceID), s.Transport)
}

func (s Connected) String() string {
	return fmt.Sprintf("%s(%s, %s)", PhaseConnected, shortID(s.DeviceID), s.Transport)
}

func (r Ready) String() string {
	return fmt.Sprintf("%s(%s, %s)", PhaseReady, shortID(r.device.ID), r.transport)
}

// DeviceID returns the identity of the connected radio.
func (r Ready) DeviceID() uuid.UUID { return r.device.ID }

// Device returns a copy of the device record.
func (r Ready) Device() *persistence.DeviceRecord { return r.device.Clone() }

// Session returns the companion session.
func (r Ready) Session() Session { return r.session }

// Services returns the service layer bound to the session.
func (r Ready) Services() *Services { return r.services }

// Transport returns the transport type of the session.
func (r Ready) Transport() transport.Type { return r.transport }

// StateDeviceID returns the device a state refers to, or uuid.Nil.
func StateDeviceID(s State) uuid.UUID {
	switch s := s.(type) {
	case Connecting:
		return s.DeviceID
	case Connected:
		return s.DeviceID
	case Ready:
		return s.DeviceID()
	default:
		return uuid.Nil
	}
}

func stateTransport(s State) transport.Type {
	switch s := s.(type) {
	case Connecting:
		return s.Transport
	case Connected:
		return s.Transport
	case Ready:
		return s.Transport()
	default:
		return transport.TypeNone
	}
}

func sameState(a, b State) bool {
	return a.Phase() == b.Phase() && StateDeviceID(a) == StateDeviceID(b) && stateTransport(a) == stateTransport(b)
}

func shortID(id uuid.UUID) string {
	if id == uuid.Nil {
		return "?"
	}
	return id.String()[:8]
}
