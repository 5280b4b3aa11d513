package connection

import (
	"context"

	"github.com/google/uuid"

	"github.com/pocketmesh/pocketmesh-go/pkg/log"
	"github.com/pocketmesh/pocketmesh-go/pkg/transport"
)

// startWatchdogLocked starts the watchdog when a connection is wanted.
func (m *Manager) startWatchdogLocked() {
	if !m.intent.Wants() || m.closed {
		return
	}
	m.startRecoveryLocked(taskWatchdog, m.watchdog)
}

// watchdog is the backstop: while the manager sits in Disconnected with
// a wanted connection, it retries at a growing interval. It ends as soon
// as the state leaves Disconnected; a walk that fails starts it again.
func (m *Manager) watchdog(ctx context.Context) {
	for {
		delay := m.watchdogDelay.Next()
		tick := m.watchdogDelay.Attempts()
		if err := sleepCtx(ctx, delay); err != nil {
			return
		}

		m.mu.Lock()
		_, idle := m.state.(Disconnected)
		if !idle || !m.intent.Wants() || m.closed {
			m.mu.Unlock()
			return
		}
		if m.radioPoweredOff {
			m.recoveryEventLocked(taskWatchdog, log.RecoverySkipped, tick, delay)
			m.mu.Unlock()
			continue
		}
		m.recoveryEventLocked(taskWatchdog, log.RecoveryAttempt, tick, delay)
		m.startReconnectLocked(m.checkHealth)
		m.mu.Unlock()
	}
}

func (m *Manager) checkHealth(ctx context.Context) {
	m.CheckBLEConnectionHealth(ctx)
	m.CheckWiFiConnectionHealth(ctx)
	m.CheckSyncHealth(ctx)
}

// CheckBLEConnectionHealth catches a BLE link that died without an event
// and reconnects a wanted short-range device.
func (m *Manager) CheckBLEConnectionHealth(ctx context.Context) {
	m.mu.Lock()
	link := m.link
	_, ready := m.state.(Ready)
	ble := m.transportType == transport.TypeShortRange
	m.mu.Unlock()

	if ready && ble {
		if link.Connected() {
			return
		}
		m.handleLinkLost(link, errLinkDown)
	}
	m.reconnectWanted(ctx, transport.TypeShortRange)
}

// CheckWiFiConnectionHealth probes a live wide-area session and
// reconnects a wanted wide-area device.
func (m *Manager) CheckWiFiConnectionHealth(ctx context.Context) {
	m.mu.Lock()
	link, svc := m.link, m.services
	_, ready := m.state.(Ready)
	wifi := m.transportType == transport.TypeWideArea
	m.mu.Unlock()

	if ready && wifi {
		if err := m.probe(ctx, svc); err != nil && ctx.Err() == nil {
			m.handleWiFiDrop(link, ReasonHeartbeatFailed, err)
		}
		return
	}
	m.reconnectWanted(ctx, transport.TypeWideArea)
}

// CheckSyncHealth restarts the resync loop when a sync is still owed.
func (m *Manager) CheckSyncHealth(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.state.(Ready)
	if !ok || !m.syncPending || m.deps.Sync == nil || m.tasks.Running(taskResync) {
		return
	}
	m.startResyncLocked(m.epoch, r.DeviceID(), r.Services())
}

// reconnectWanted reconnects the last device when the intent wants a
// connection and nothing else is already recovering. want restricts the
// transport; TypeNone accepts either.
func (m *Manager) reconnectWanted(ctx context.Context, want transport.Type) {
	m.mu.Lock()
	_, idle := m.state.(Disconnected)
	ok := idle && m.intent.Wants() && !m.autoReconnecting && !m.wifiReconnecting && !m.closed
	id := m.lastDeviceID
	poweredOff := m.radioPoweredOff
	force := m.intent.ForceFullSync
	m.mu.Unlock()
	if !ok || id == uuid.Nil {
		return
	}

	tgt, err := m.resolve(ctx, id)
	if err != nil {
		m.debugLog("recovery target unknown", "device", shortID(id), "error", err)
		return
	}
	if want != transport.TypeNone && tgt.transport != want {
		return
	}
	if tgt.transport == transport.TypeShortRange && poweredOff {
		return
	}
	if err := m.connect(ctx, tgt, ConnectOptions{ForceFullSync: force}, false); err != nil {
		m.debugLog("recovery connect failed", "device", shortID(id), "error", err)
	}
}

// recoverConnection reconnects and falls back to the watchdog.
func (m *Manager) recoverConnection(ctx context.Context, want transport.Type) {
	m.reconnectWanted(ctx, want)
	m.mu.Lock()
	defer m.mu.Unlock()
	_, idle := m.state.(Disconnected)
	if idle && ctx.Err() == nil && !m.wifiReconnecting && !m.autoReconnecting && !m.tasks.Running(taskWatchdog) {
		m.startWatchdogLocked()
	}
}

// handleRadio tracks adapter power. Power returning retries a wanted
// short-range connection.
func (m *Manager) handleRadio(powered bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.radioPoweredOff == powered {
		old, next := "POWERED", "OFF"
		if powered {
			old, next = next, old
		}
		m.radioPoweredOff = !powered
		m.logEventLocked(log.Event{
			Category:    log.CategoryState,
			StateChange: &log.StateChangeEvent{Entity: log.StateEntityRadio, OldState: old, NewState: next},
		})
		m.infoLog("bluetooth radio", "powered", powered)
	}
	if !powered || m.closed {
		return
	}
	if _, idle := m.state.(Disconnected); idle && m.intent.Wants() && !m.autoReconnecting {
		m.startReconnectLocked(func(ctx context.Context) {
			m.recoverConnection(ctx, transport.TypeShortRange)
		})
	}
}
