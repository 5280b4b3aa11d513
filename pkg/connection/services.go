package connection

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pocketmesh/pocketmesh-go/pkg/companion"
	"github.com/pocketmesh/pocketmesh-go/pkg/devicesync"
)

// Services is the service layer bound to one Ready session. Once the
// manager tears the session down, every call fails with ErrServicesClosed
// instead of waiting on a dead link.
type Services struct {
	id      uuid.UUID
	session Session

	mu     sync.Mutex
	closed bool
}

func newServices(id uuid.UUID, session Session) *Services {
	return &Services{id: id, session: session}
}

// DeviceID returns the radio the services talk to.
func (s *Services) DeviceID() uuid.UUID { return s.id }

// PrepareForDisconnect marks the services disconnected. Called by the
// manager before the session stops.
func (s *Services) PrepareForDisconnect() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Disconnected reports whether PrepareForDisconnect has run.
func (s *Services) Disconnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Services) check() error {
	if s.Disconnected() {
		return ErrServicesClosed
	}
	return nil
}

// GetTime reads the radio clock.
func (s *Services) GetTime(ctx context.Context) (time.Time, error) {
	if err := s.check(); err != nil {
		return time.Time{}, err
	}
	return s.session.GetTime(ctx)
}

// SetTime sets the radio clock.
func (s *Services) SetTime(ctx context.Context, t time.Time) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.session.SetTime(ctx, t)
}

// Battery reads the battery report.
func (s *Services) Battery(ctx context.Context) (*companion.BatteryInfo, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.session.Battery(ctx)
}

// QueryDevice reads the capability report.
func (s *Services) QueryDevice(ctx context.Context) (*companion.DeviceInfo, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.session.QueryDevice(ctx)
}

var _ devicesync.Services = (*Services)(nil)
