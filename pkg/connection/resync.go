package connection

import (
	"context"

	"github.com/google/uuid"

	"github.com/pocketmesh/pocketmesh-go/pkg/log"
)

func (m *Manager) startResyncLocked(epoch uint64, id uuid.UUID, svc *Services) {
	if m.deps.Sync == nil {
		return
	}
	m.startTaskLocked(taskResync, func(ctx context.Context) {
		m.resync(ctx, epoch, id, svc)
	})
}

// resync retries a failed sync while the session stays up. When every
// attempt fails the session is torn down so the next connect starts
// clean.
func (m *Manager) resync(ctx context.Context, epoch uint64, id uuid.UUID, svc *Services) {
	m.recoveryEvent(taskResync, log.RecoveryStarted, 0, 0)
	for attempt := 1; attempt <= m.cfg.ResyncAttempts; attempt++ {
		if err := sleepCtx(ctx, m.cfg.ResyncInterval); err != nil {
			return
		}
		m.mu.Lock()
		if m.epoch != epoch || m.closed {
			m.mu.Unlock()
			return
		}
		m.resyncAttempts = attempt
		m.recoveryEventLocked(taskResync, log.RecoveryAttempt, attempt, m.cfg.ResyncInterval)
		m.mu.Unlock()

		err := raceTimeout(ctx, m.clock, m.cfg.SyncTimeout, func(ctx context.Context) error {
			if m.deps.Sync.PerformResync(ctx, id, svc) {
				return nil
			}
			return ErrSyncFailed
		})
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			m.mu.Lock()
			if m.epoch == epoch {
				m.resyncAttempts = 0
				m.syncPending = false
				m.recoveryEventLocked(taskResync, log.RecoverySucceeded, attempt, 0)
			}
			m.mu.Unlock()
			return
		}
		m.debugLog("resync failed", "device", shortID(id), "attempt", attempt, "error", err)
	}

	m.mu.Lock()
	if m.epoch != epoch || m.closed {
		m.mu.Unlock()
		return
	}
	m.recoveryEventLocked(taskResync, log.RecoveryGaveUp, m.cfg.ResyncAttempts, 0)
	m.warn("resync gave up", "device", shortID(id), "attempts", m.cfg.ResyncAttempts)
	if fn := m.onSyncFailed; fn != nil {
		m.out.post(func() { fn(id) })
	}
	m.mu.Unlock()

	m.disconnect(context.Background(), ReasonResyncFailed, epoch, true)
}
