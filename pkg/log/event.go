package log

import (
	"strings"
	"time"
)

// Event is a single lifecycle log record.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// ConnectionID identifies one connect walk (UUID). Empty for events
	// that happen outside of a walk, such as intent changes while idle.
	ConnectionID string `cbor:"2,keyasint,omitempty"`

	// DeviceID is the device identity the event refers to, if known.
	DeviceID string `cbor:"3,keyasint,omitempty"`

	// Transport is "ble" or "wifi" when a transport is involved.
	Transport string `cbor:"4,keyasint,omitempty"`

	// Layer where the event was captured.
	Layer Layer `cbor:"5,keyasint"`

	// Category classifies the event type.
	Category Category `cbor:"6,keyasint"`

	// Direction of frame flow. Only meaningful for frame events.
	Direction Direction `cbor:"7,keyasint"`

	// Type-specific payload (one of these will be set).
	Frame       *FrameEvent       `cbor:"10,keyasint,omitempty"`
	StateChange *StateChangeEvent `cbor:"11,keyasint,omitempty"`
	Recovery    *RecoveryEvent    `cbor:"12,keyasint,omitempty"`
	Probe       *ProbeEvent       `cbor:"13,keyasint,omitempty"`
	Error       *ErrorEventData   `cbor:"14,keyasint,omitempty"`
}

// Direction indicates the direction of frame flow.
type Direction uint8

const (
	// DirectionIn is a frame received from the device.
	DirectionIn Direction = 0
	// DirectionOut is a frame sent to the device.
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Layer indicates which component captured the event.
type Layer uint8

const (
	// LayerTransport is the byte/frame level (BLE or TCP).
	LayerTransport Layer = 0
	// LayerSession is the companion protocol session.
	LayerSession Layer = 1
	// LayerLifecycle is the connection lifecycle manager.
	LayerLifecycle Layer = 2
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerTransport:
		return "TRANSPORT"
	case LayerSession:
		return "SESSION"
	case LayerLifecycle:
		return "LIFECYCLE"
	default:
		return "UNKNOWN"
	}
}

// ParseLayer parses a layer name as produced by String (case-insensitive).
func ParseLayer(s string) (Layer, bool) {
	for _, l := range []Layer{LayerTransport, LayerSession, LayerLifecycle} {
		if strings.EqualFold(l.String(), s) {
			return l, true
		}
	}
	return 0, false
}

// Category classifies the event type.
type Category uint8

const (
	// CategoryFrame is a raw companion frame.
	CategoryFrame Category = 0
	// CategoryState is a state transition (connection, intent, breaker, radio).
	CategoryState Category = 1
	// CategoryRecovery is recovery task activity.
	CategoryRecovery Category = 2
	// CategoryProbe is a heartbeat probe result.
	CategoryProbe Category = 3
	// CategoryError is an error at any layer.
	CategoryError Category = 4
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryFrame:
		return "FRAME"
	case CategoryState:
		return "STATE"
	case CategoryRecovery:
		return "RECOVERY"
	case CategoryProbe:
		return "PROBE"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseCategory parses a category name as produced by String (case-insensitive).
func ParseCategory(s string) (Category, bool) {
	for _, c := range []Category{CategoryFrame, CategoryState, CategoryRecovery, CategoryProbe, CategoryError} {
		if strings.EqualFold(c.String(), s) {
			return c, true
		}
	}
	return 0, false
}

// FrameEvent captures a raw companion frame.
type FrameEvent struct {
	// Code is the first payload byte (command or response code).
	Code uint8 `cbor:"1,keyasint"`

	// Size is the payload size in bytes.
	Size int `cbor:"2,keyasint"`

	// Data is the raw payload (may be truncated).
	Data []byte `cbor:"3,keyasint,omitempty"`

	// Truncated indicates if Data was truncated.
	Truncated bool `cbor:"4,keyasint,omitempty"`
}

// StateChangeEvent captures a transition of one lifecycle entity.
type StateChangeEvent struct {
	Entity   StateEntity `cbor:"1,keyasint"`
	OldState string      `cbor:"2,keyasint,omitempty"`
	NewState string      `cbor:"3,keyasint"`
	Reason   string      `cbor:"4,keyasint,omitempty"`
}

// StateEntity indicates what entity changed state.
type StateEntity uint8

const (
	StateEntityConnection StateEntity = 0
	StateEntityIntent     StateEntity = 1
	StateEntityBreaker    StateEntity = 2
	StateEntityRadio      StateEntity = 3
)

// String returns the state entity name.
func (s StateEntity) String() string {
	switch s {
	case StateEntityConnection:
		return "CONNECTION"
	case StateEntityIntent:
		return "INTENT"
	case StateEntityBreaker:
		return "BREAKER"
	case StateEntityRadio:
		return "RADIO"
	default:
		return "UNKNOWN"
	}
}

// RecoveryEvent captures activity of a supervised recovery task.
type RecoveryEvent struct {
	// Task is the task name (e.g. "watchdog", "wifiReconnect").
	Task string `cbor:"1,keyasint"`

	Action RecoveryAction `cbor:"2,keyasint"`

	// Attempt is the 1-based attempt number for attempt events.
	Attempt int `cbor:"3,keyasint,omitempty"`

	// Delay is the wait before the next attempt, if any.
	Delay time.Duration `cbor:"4,keyasint,omitempty"`
}

// RecoveryAction is what a recovery task did.
type RecoveryAction uint8

const (
	RecoveryStarted   RecoveryAction = 0
	RecoveryAttempt   RecoveryAction = 1
	RecoverySucceeded RecoveryAction = 2
	RecoveryGaveUp    RecoveryAction = 3
	RecoveryCancelled RecoveryAction = 4
	RecoverySkipped   RecoveryAction = 5
)

// String returns the action name.
func (a RecoveryAction) String() string {
	switch a {
	case RecoveryStarted:
		return "STARTED"
	case RecoveryAttempt:
		return "ATTEMPT"
	case RecoverySucceeded:
		return "SUCCEEDED"
	case RecoveryGaveUp:
		return "GAVE_UP"
	case RecoveryCancelled:
		return "CANCELLED"
	case RecoverySkipped:
		return "SKIPPED"
	default:
		return "UNKNOWN"
	}
}

// ProbeEvent captures a heartbeat round trip.
type ProbeEvent struct {
	OK      bool          `cbor:"1,keyasint"`
	Latency time.Duration `cbor:"2,keyasint,omitempty"`
}

// ErrorEventData captures errors at any layer.
type ErrorEventData struct {
	// Message is the error message.
	Message string `cbor:"1,keyasint"`

	// Class is the error class ("transient", "precondition", ...).
	Class string `cbor:"2,keyasint,omitempty"`

	// Context describes what operation was being performed.
	Context string `cbor:"3,keyasint,omitempty"`
}
