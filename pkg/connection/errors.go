package connection

import (
	"context"
	"errors"

	"github.com/pocketmesh/pocketmesh-go/internal/bluez"
	"github.com/pocketmesh/pocketmesh-go/pkg/companion"
	"github.com/pocketmesh/pocketmesh-go/pkg/devicesync"
	"github.com/pocketmesh/pocketmesh-go/pkg/transport"
)

// Lifecycle errors.
var (
	ErrCoolingDown          = errors.New("connection: cooling down after repeated failures")
	ErrConnectFailed        = errors.New("connection: connect failed")
	ErrSuperseded           = errors.New("connection: superseded by a newer request")
	ErrNoDevice             = errors.New("connection: no such device")
	ErrManagerClosed        = errors.New("connection: manager closed")
	ErrSyncFailed           = errors.New("connection: sync failed")
	ErrOperationTimeout     = errors.New("connection: operation timed out")
	ErrIdentityMismatch     = errors.New("connection: radio identity does not match")
	ErrAutoReconnectTimeout = errors.New("connection: auto-reconnect timed out")
	ErrServicesClosed       = errors.New("connection: services disconnected")
	ErrPairingUnavailable   = errors.New("connection: no pairing service")
	ErrInvalidConfig        = errors.New("connection: invalid configuration")
)

// ErrorClass drives the retry decision for a failure.
type ErrorClass uint8

const (
	// ClassTransient failures are retried with backoff.
	ClassTransient ErrorClass = iota

	// ClassPrecondition failures (radio off or unauthorized) abort at once
	// and do not trip the breaker. A radio power event retries later.
	ClassPrecondition

	// ClassPolicy rejections (cooling down, device owned by another
	// controller) fail fast.
	ClassPolicy

	// ClassData failures come from the sync layer and never affect
	// transport state directly.
	ClassData
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPrecondition:
		return "precondition"
	case ClassPolicy:
		return "policy"
	case ClassData:
		return "data"
	default:
		return "unknown"
	}
}

// ClassifiedError wraps an error with its class.
type ClassifiedError struct {
	Class ErrorClass
	Err   error
}

func (e *ClassifiedError) Error() string { return e.Err.Error() }
func (e *ClassifiedError) Unwrap() error { return e.Err }

func policy(err error) error { return &ClassifiedError{Class: ClassPolicy, Err: err} }

// Classify returns the class of err. Explicitly classified errors keep
// their class; unknown errors are transient.
func Classify(err error) ErrorClass {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	switch {
	case transport.IsPrecondition(err):
		return ClassPrecondition
	case errors.Is(err, ErrCoolingDown),
		errors.Is(err, companion.ErrDeviceBusy),
		errors.Is(err, ErrIdentityMismatch),
		errors.Is(err, ErrNoDevice),
		errors.Is(err, ErrPairingUnavailable),
		errors.Is(err, bluez.ErrInvalidAddress):
		return ClassPolicy
	case errors.Is(err, ErrSyncFailed),
		errors.Is(err, devicesync.ErrSyncCancelled):
		return ClassData
	default:
		return ClassTransient
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, ErrSuperseded)
}
