// Package devicesync runs the post-connect synchronization step: it aligns
// the radio clock with the host and refreshes the stored device record.
package devicesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pocketmesh/pocketmesh-go/pkg/companion"
	"github.com/pocketmesh/pocketmesh-go/pkg/log"
	"github.com/pocketmesh/pocketmesh-go/pkg/persistence"
)

// DefaultClockDriftThreshold is the clock offset tolerated before the radio
// clock is corrected.
const DefaultClockDriftThreshold = 5 * time.Second

// ErrSyncCancelled is returned when OnDisconnected aborts a running sync.
var ErrSyncCancelled = errors.New("devicesync: sync cancelled by disconnect")

// Services is the session-level API a sync runs through.
type Services interface {
	DeviceID() uuid.UUID
	GetTime(ctx context.Context) (time.Time, error)
	SetTime(ctx context.Context, t time.Time) error
	Battery(ctx context.Context) (*companion.BatteryInfo, error)
}

// RecordStore is the subset of persistence.DeviceStore the coordinator uses.
type RecordStore interface {
	FetchDevice(id uuid.UUID) (*persistence.DeviceRecord, error)
	SaveDevice(rec *persistence.DeviceRecord) error
}

// Config configures a Coordinator.
type Config struct {
	Store RecordStore

	// ClockDriftThreshold defaults to DefaultClockDriftThreshold.
	ClockDriftThreshold time.Duration

	// Now defaults to time.Now.
	Now func() time.Time

	EventLog log.Logger
	Logger   *slog.Logger
}

// Coordinator performs device syncs. It is safe for concurrent use.
type Coordinator struct {
	cfg Config

	mu     sync.Mutex
	active map[Services]context.CancelFunc
	last   map[uuid.UUID]time.Time
}

// NewCoordinator creates a sync coordinator.
func NewCoordinator(cfg Config) *Coordinator {
	if cfg.ClockDriftThreshold == 0 {
		cfg.ClockDriftThreshold = DefaultClockDriftThreshold
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.EventLog = log.OrNoop(cfg.EventLog)
	return &Coordinator{
		cfg:    cfg,
		active: make(map[Services]context.CancelFunc),
		last:   make(map[uuid.UUID]time.Time),
	}
}

func (c *Coordinator) debugLog(msg string, args ...any) {
	if c.cfg.Logger != nil {
		c.cfg.Logger.Debug(msg, args...)
	}
}

// OnConnectionEstablished runs the initial sync for a device that just
// became ready. forceFullSync always rewrites the radio clock.
func (c *Coordinator) OnConnectionEstablished(ctx context.Context, id uuid.UUID, svc Services, forceFullSync bool) error {
	return c.run(ctx, id, svc, forceFullSync)
}

// PerformResync retries the sync and reports whether it succeeded.
func (c *Coordinator) PerformResync(ctx context.Context, id uuid.UUID, svc Services) bool {
	if err := c.run(ctx, id, svc, false); err != nil {
		c.debugLog("resync failed", "device_id", id, "error", err)
		return false
	}
	return true
}

// OnDisconnected aborts any sync running on svc.
func (c *Coordinator) OnDisconnected(svc Services) {
	c.mu.Lock()
	cancel, ok := c.active[svc]
	delete(c.active, svc)
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

// LastSync returns when id last synced successfully.
func (c *Coordinator) LastSync(id uuid.UUID) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.last[id]
	return t, ok
}

func (c *Coordinator) run(ctx context.Context, id uuid.UUID, svc Services, force bool) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if prev, ok := c.active[svc]; ok {
		prev()
	}
	c.active[svc] = cancel
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.active, svc)
		c.mu.Unlock()
		cancel()
	}()

	err := c.sync(ctx, id, svc, force)
	if err != nil && ctx.Err() != nil && errors.Is(err, context.Canceled) {
		err = ErrSyncCancelled
	}
	if err != nil {
		c.cfg.EventLog.Log(log.Event{
			Timestamp: c.cfg.Now(),
			DeviceID:  id.String(),
			Layer:     log.LayerSession,
			Category:  log.CategoryError,
			Error:     &log.ErrorEventData{Message: err.Error(), Class: "data", Context: "sync"},
		})
		return err
	}

	c.mu.Lock()
	c.last[id] = c.cfg.Now()
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) sync(ctx context.Context, id uuid.UUID, svc Services, force bool) error {
	deviceTime, err := svc.GetTime(ctx)
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	now := c.cfg.Now()
	offset := deviceTime.Sub(now)

	if force || absDuration(offset) > c.cfg.ClockDriftThreshold {
		if err := svc.SetTime(ctx, now); err != nil {
			return fmt.Errorf("sync: %w", err)
		}
		c.debugLog("radio clock corrected", "device_id", id, "offset", offset)
		offset = 0
	}

	battery, err := svc.Battery(ctx)
	var perr *companion.ProtocolError
	switch {
	case errors.As(err, &perr):
		// Firmware without a battery report.
		battery = nil
	case err != nil:
		return fmt.Errorf("sync: %w", err)
	}

	if c.cfg.Store == nil {
		return nil
	}
	rec, err := c.cfg.Store.FetchDevice(id)
	if errors.Is(err, persistence.ErrDeviceNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	rec.ClockOffset = offset
	rec.LastSynced = now
	if battery != nil {
		rec.BatteryMilliVolts = battery.MilliVolts
	}
	if err := c.cfg.Store.SaveDevice(rec); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	return nil
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
