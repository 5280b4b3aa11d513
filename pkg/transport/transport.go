package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Transport errors.
var (
	ErrNotConnected      = errors.New("transport: not connected")
	ErrAlreadyConnected  = errors.New("transport: already connected")
	ErrConnectionClosed  = errors.New("transport: connection closed")
	ErrNoDeviceAddress   = errors.New("transport: no device address set")
	ErrDeviceNotFound    = errors.New("transport: device not found")
	ErrServiceNotFound   = errors.New("transport: companion service not found on device")
	ErrRadioPoweredOff   = errors.New("transport: bluetooth radio is powered off")
	ErrRadioUnauthorized = errors.New("transport: not authorized to use bluetooth")
	ErrRadioUnavailable  = errors.New("transport: bluetooth not available")
)

// IsPrecondition reports whether err is a radio precondition failure that
// retrying cannot fix.
func IsPrecondition(err error) bool {
	return errors.Is(err, ErrRadioPoweredOff) ||
		errors.Is(err, ErrRadioUnauthorized) ||
		errors.Is(err, ErrRadioUnavailable)
}

// Type identifies the physical transport technology.
type Type uint8

const (
	TypeNone Type = iota
	TypeShortRange
	TypeWideArea
)

// String returns "none", "ble" or "wifi".
func (t Type) String() string {
	switch t {
	case TypeShortRange:
		return "ble"
	case TypeWideArea:
		return "wifi"
	default:
		return "none"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Type) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "", "none":
		*t = TypeNone
	case "ble", "shortrange":
		*t = TypeShortRange
	case "wifi", "tcp", "widearea":
		*t = TypeWideArea
	default:
		return fmt.Errorf("transport: unknown type %q", string(b))
	}
	return nil
}

// EventKind distinguishes transport events.
type EventKind uint8

const (
	// EventDisconnected reports an unsolicited link loss with no OS-level
	// recovery in progress.
	EventDisconnected EventKind = iota + 1

	// EventAutoReconnecting reports a link loss on a bonded BLE device that
	// BlueZ will try to reconnect in the background.
	EventAutoReconnecting

	// EventAutoReconnected reports that a background reconnect completed and
	// the companion service is usable again on the same transport object.
	EventAutoReconnected

	// EventRadioPowered reports the Bluetooth adapter became powered.
	EventRadioPowered

	// EventRadioUnpowered reports the Bluetooth adapter was powered off.
	EventRadioUnpowered
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case EventDisconnected:
		return "disconnected"
	case EventAutoReconnecting:
		return "autoReconnecting"
	case EventAutoReconnected:
		return "autoReconnected"
	case EventRadioPowered:
		return "radioPowered"
	case EventRadioUnpowered:
		return "radioUnpowered"
	default:
		return "unknown"
	}
}

// Event is an asynchronous notification from a transport.
type Event struct {
	Kind EventKind

	// Address is the BLE address or host:port the event refers to.
	Address string

	// Err is the cause of a disconnect, if known.
	Err error
}

// Transport is a frame-oriented link to one companion radio.
type Transport interface {
	// Type returns the transport technology.
	Type() Type

	// Connect opens the link. It blocks until the link is usable or ctx ends.
	Connect(ctx context.Context) error

	// Disconnect closes the link. It does not produce an EventDisconnected.
	Disconnect() error

	// Send writes one companion frame.
	Send(ctx context.Context, payload []byte) error

	// Frames delivers received companion frames. The channel lives as long
	// as the transport object.
	Frames() <-chan []byte

	// Events delivers link events. The channel lives as long as the
	// transport object.
	Events() <-chan Event

	// Connected reports whether the link is currently up.
	Connected() bool
}

// Discovery is one advertisement seen while scanning.
type Discovery struct {
	Address string
	Name    string
	RSSI    int16
}

const eventBuffer = 16

// emit delivers ev without blocking. Events are only dropped when nobody
// has drained the buffer, which means the owner is gone.
func emit(ch chan Event, ev Event) bool {
	select {
	case ch <- ev:
		return true
	default:
		return false
	}
}
