package connection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pocketmesh/pocketmesh-go/pkg/log"
	"github.com/pocketmesh/pocketmesh-go/pkg/transport"
)

// handleWiFiDrop tears down a dead wide-area connection and starts the
// WiFi reconnect loop, unless one ran too recently.
func (m *Manager) handleWiFiDrop(link transport.Transport, reason DisconnectReason, cause error) {
	m.mu.Lock()
	if link != m.link || m.walking || m.closed {
		m.mu.Unlock()
		return
	}
	switch m.state.(type) {
	case Connected, Ready:
	default:
		m.mu.Unlock()
		return
	}
	tgt := m.target
	d := m.detachLocked(false)
	m.epoch++
	if cause != nil {
		m.errorEventLocked(cause, reason.String())
	}
	m.setStateLocked(Disconnected{}, reason.String())
	m.noteDisconnectLocked(reason, cause)
	m.startWiFiReconnectLocked(tgt)
	m.mu.Unlock()

	m.release(context.Background(), d)
}

func (m *Manager) startWiFiReconnectLocked(tgt target) {
	if !m.intent.Wants() || m.closed || m.wifiReconnecting {
		return
	}
	now := m.cfg.Now()
	if !m.lastWiFiStart.IsZero() && now.Sub(m.lastWiFiStart) < m.cfg.WiFiCooldown {
		m.recoveryEventLocked(taskWiFiReconnect, log.RecoverySkipped, 0, 0)
		m.debugLog("wifi reconnect suppressed", "since_last", now.Sub(m.lastWiFiStart))
		m.startWatchdogLocked()
		return
	}
	m.wifiReconnecting = true
	m.lastWiFiStart = now
	epoch := m.epoch
	m.startRecoveryLocked(taskWiFiReconnect, func(ctx context.Context) {
		m.wifiReconnect(ctx, epoch, tgt)
	})
}

// wifiReconnect dials a fresh TCP transport per attempt until one
// succeeds or the wall-clock budget runs out.
func (m *Manager) wifiReconnect(ctx context.Context, epoch uint64, tgt target) {
	budget, cancel := context.WithTimeout(ctx, m.cfg.WiFiBudget)
	defer cancel()

	m.mu.Lock()
	if m.epoch != epoch || !m.intent.Wants() {
		m.wifiReconnecting = false
		m.mu.Unlock()
		return
	}
	m.epoch++
	epoch = m.epoch
	m.walking = true
	m.connID = uuid.NewString()
	m.setStateLocked(Connecting{DeviceID: tgt.id, Transport: transport.TypeWideArea}, "wifi reconnect")
	m.mu.Unlock()

	backoff := m.wifiBackoff()
	var lastErr error
	for attempt := 1; ; attempt++ {
		m.recoveryEvent(taskWiFiReconnect, log.RecoveryAttempt, attempt, 0)
		err := m.attempt(budget, epoch, tgt)
		if err == nil {
			m.mu.Lock()
			m.wifiReconnecting = false
			m.recoveryEventLocked(taskWiFiReconnect, log.RecoverySucceeded, attempt, 0)
			m.mu.Unlock()
			return
		}
		if errors.Is(err, ErrSuperseded) || ctx.Err() != nil {
			return
		}
		lastErr = err
		m.debugLog("wifi reconnect attempt failed", "target", tgt, "attempt", attempt, "error", err)
		if Classify(err) == ClassPolicy || budget.Err() != nil {
			break
		}
		if !m.clearPartial(epoch, tgt) {
			return
		}
		if err := sleepCtx(budget, backoff.Next()); err != nil {
			if ctx.Err() != nil {
				return
			}
			break
		}
	}

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return
	}
	m.breakerFailureLocked()
	m.recoveryEventLocked(taskWiFiReconnect, log.RecoveryGaveUp, 0, 0)
	d := m.failRecoveryLocked(ReasonWiFiReconnectFailed, lastErr)
	m.mu.Unlock()
	m.release(context.Background(), d)
}

func (m *Manager) startHeartbeatLocked(epoch uint64, link transport.Transport, svc *Services) {
	m.startTaskLocked(taskHeartbeat, func(ctx context.Context) {
		m.heartbeat(ctx, epoch, link, svc)
	})
}

// heartbeat probes a wide-area session. TCP can stay half-open for a long
// time, so a missed probe counts as a drop.
func (m *Manager) heartbeat(ctx context.Context, epoch uint64, link transport.Transport, svc *Services) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !m.isEpoch(epoch) {
			return
		}
		if err := m.probe(ctx, svc); err != nil {
			if ctx.Err() != nil {
				return
			}
			m.handleWiFiDrop(link, ReasonHeartbeatFailed, fmt.Errorf("heartbeat: %w", err))
			return
		}
	}
}

func (m *Manager) probe(ctx context.Context, svc *Services) error {
	start := time.Now()
	err := raceTimeout(ctx, m.clock, m.cfg.HeartbeatTimeout, func(ctx context.Context) error {
		_, err := svc.GetTime(ctx)
		return err
	})
	m.logEvent(log.Event{
		Category: log.CategoryProbe,
		Probe:    &log.ProbeEvent{OK: err == nil, Latency: time.Since(start)},
	})
	return err
}
