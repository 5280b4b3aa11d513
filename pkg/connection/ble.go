package connection

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/pocketmesh/pocketmesh-go/pkg/companion"
	"github.com/pocketmesh/pocketmesh-go/pkg/log"
	"github.com/pocketmesh/pocketmesh-go/pkg/transport"
)

// BlueZ reconnects a dropped bonded device on its own. While it does, the
// manager keeps the transport, drops the session and waits for either
// EventAutoReconnected or the auto-reconnect timeout.

func (m *Manager) handleAutoReconnecting(link transport.Transport) {
	m.mu.Lock()
	if link != m.link || m.walking || m.autoReconnecting || m.closed {
		m.mu.Unlock()
		return
	}
	var id uuid.UUID
	switch s := m.state.(type) {
	case Ready:
		id = s.DeviceID()
	case Connected:
		id = s.DeviceID
	default:
		m.mu.Unlock()
		return
	}

	d := m.detachLocked(true)
	m.epoch++
	m.transportType = transport.TypeShortRange
	m.autoReconnecting = true
	m.autoReconnectID = id
	m.setStateLocked(Connecting{DeviceID: id, Transport: transport.TypeShortRange}, "auto-reconnecting")
	m.armAutoReconnectTimeoutLocked()
	m.mu.Unlock()

	m.release(context.Background(), d)
}

// armAutoReconnectTimeoutLocked (re)starts the auto-reconnect deadline.
func (m *Manager) armAutoReconnectTimeoutLocked() {
	epoch := m.epoch
	m.startRecoveryLocked(taskAutoReconnectTimeout, func(ctx context.Context) {
		if err := sleepCtx(ctx, m.cfg.AutoReconnectTimeout); err != nil {
			return
		}
		m.mu.Lock()
		if !m.autoReconnecting || m.epoch != epoch {
			m.mu.Unlock()
			return
		}
		m.recoveryEventLocked(taskAutoReconnectTimeout, log.RecoveryGaveUp, 0, 0)
		d := m.failRecoveryLocked(ReasonAutoReconnectTimeout, ErrAutoReconnectTimeout)
		m.mu.Unlock()
		m.release(context.Background(), d)
	})
}

// abandonAutoReconnectLocked gives up on BlueZ's reconnect so another
// device can be connected.
func (m *Manager) abandonAutoReconnectLocked() *detached {
	m.tasks.Cancel(taskAutoReconnectTimeout)
	m.recoveryEventLocked(taskAutoReconnectTimeout, log.RecoveryCancelled, 0, 0)
	m.clearCoordinatorLocked()
	d := m.detachLocked(false)
	m.epoch++
	m.setStateLocked(Disconnected{}, "auto-reconnect abandoned")
	return d
}

func (m *Manager) handleAutoReconnected(link transport.Transport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if link != m.link || !m.autoReconnecting || m.closed {
		return
	}
	m.tasks.Cancel(taskAutoReconnectTimeout)
	id := m.autoReconnectID
	m.autoReconnecting = false
	m.autoReconnectID = uuid.Nil
	m.epoch++
	epoch := m.epoch
	m.walking = true
	tgt := m.target
	tgt.id = id
	m.setStateLocked(Connected{DeviceID: id, Transport: transport.TypeShortRange}, "auto-reconnected")
	m.startTaskLocked(taskSessionRebuild, func(ctx context.Context) {
		m.rebuildSession(ctx, epoch, tgt, link)
	})
}

// rebuildSession runs the handshake on the link BlueZ brought back.
func (m *Manager) rebuildSession(ctx context.Context, epoch uint64, tgt target, link transport.Transport) {
	m.recoveryEvent(taskSessionRebuild, log.RecoveryStarted, 0, 0)
	if err := m.awaitReleased(ctx); err != nil {
		return
	}
	err := m.establish(ctx, epoch, tgt, link)
	if err == nil {
		m.recoveryEvent(taskSessionRebuild, log.RecoverySucceeded, 0, 0)
		return
	}
	if isCancellation(err) || ctx.Err() != nil {
		return
	}

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return
	}
	m.recoveryEventLocked(taskSessionRebuild, log.RecoveryGaveUp, 0, 0)
	if errors.Is(err, companion.ErrDeviceBusy) {
		// Another controller owns the radio. Stop trying until the user
		// asks again.
		m.setIntentLocked(Intent{})
	}
	d := m.failRecoveryLocked(ReasonSessionRebuildFailed, err)
	m.mu.Unlock()
	m.release(context.Background(), d)
}

// failRecoveryLocked ends a recovery in Disconnected, keeping the intent,
// and hands over to the watchdog when a connection is still wanted.
func (m *Manager) failRecoveryLocked(reason DisconnectReason, cause error) *detached {
	m.clearCoordinatorLocked()
	d := m.detachLocked(false)
	m.epoch++
	m.walking = false
	if cause != nil {
		m.errorEventLocked(cause, reason.String())
	}
	m.setStateLocked(Disconnected{}, reason.String())
	m.noteDisconnectLocked(reason, cause)
	m.startWatchdogLocked()
	return d
}

// handleLinkLost reacts to the current transport going away.
func (m *Manager) handleLinkLost(link transport.Transport, cause error) {
	if cause == nil {
		cause = errLinkDown
	}
	m.mu.Lock()
	if link != m.link || m.closed {
		m.mu.Unlock()
		return
	}
	if m.autoReconnecting {
		m.tasks.Cancel(taskAutoReconnectTimeout)
		d := m.failRecoveryLocked(ReasonConnectionLost, cause)
		m.mu.Unlock()
		m.release(context.Background(), d)
		return
	}
	if m.walking {
		// The walk holds a session on a dead link. Moving the epoch makes
		// it stop that session and return ErrSuperseded instead of
		// committing Ready.
		if m.wifiReconnecting {
			m.tasks.Cancel(taskWiFiReconnect)
			m.wifiReconnecting = false
		}
		m.tasks.Cancel(taskSessionRebuild)
		d := m.failRecoveryLocked(ReasonConnectionLost, cause)
		m.mu.Unlock()
		m.release(context.Background(), d)
		return
	}
	switch m.state.(type) {
	case Connected, Ready:
	default:
		m.mu.Unlock()
		return
	}
	if link.Type() == transport.TypeWideArea {
		m.mu.Unlock()
		m.handleWiFiDrop(link, ReasonConnectionLost, cause)
		return
	}
	d := m.failRecoveryLocked(ReasonConnectionLost, cause)
	m.mu.Unlock()
	m.release(context.Background(), d)
}

var errLinkDown = errors.New("connection: transport link down")
