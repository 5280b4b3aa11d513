package connection

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/pocketmesh/pocketmesh-go/pkg/companion"
	"github.com/pocketmesh/pocketmesh-go/pkg/log"
	"github.com/pocketmesh/pocketmesh-go/pkg/persistence"
	"github.com/pocketmesh/pocketmesh-go/pkg/transport"
)

// resolve finds where a device lives: a stored record first, then the
// pairing service.
func (m *Manager) resolve(ctx context.Context, id uuid.UUID) (target, error) {
	rec, err := m.deps.Devices.FetchDevice(id)
	switch {
	case err == nil:
		if rec.WideArea() {
			return target{
				id: id, transport: transport.TypeWideArea,
				host: rec.Host, port: rec.Port, name: rec.Name, verifyID: true,
			}, nil
		}
		if rec.BLEAddress != "" {
			return target{id: id, transport: transport.TypeShortRange, address: rec.BLEAddress, name: rec.Name}, nil
		}
	case !errors.Is(err, persistence.ErrDeviceNotFound):
		return target{}, fmt.Errorf("fetch device: %w", err)
	}

	if m.deps.Pairing != nil {
		dev, ok := m.deps.Pairing.Lookup(id)
		if !ok {
			if _, err := m.deps.Pairing.PairedDevices(ctx); err == nil {
				dev, ok = m.deps.Pairing.Lookup(id)
			}
		}
		if ok {
			return target{id: id, transport: transport.TypeShortRange, address: dev.Address, name: dev.Name}, nil
		}
	}
	return target{}, policy(fmt.Errorf("%w: %s", ErrNoDevice, id))
}

// connect starts a connect walk to tgt. Explicit calls come from the user
// and record the wish to be connected; recovery calls require that wish
// and never change it.
func (m *Manager) connect(ctx context.Context, tgt target, opts ConnectOptions, explicit bool) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}

	if s, ok := m.state.(Connecting); ok && m.autoReconnecting {
		if tgt.id == s.DeviceID {
			// BlueZ is already bringing this device back.
			m.armAutoReconnectTimeoutLocked()
			m.mu.Unlock()
			return nil
		}
		if !explicit {
			m.mu.Unlock()
			return nil
		}
		d := m.abandonAutoReconnectLocked()
		m.mu.Unlock()
		m.release(ctx, d)
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return ErrManagerClosed
		}
	}

	switch s := m.state.(type) {
	case Ready:
		m.mu.Unlock()
		if tgt.matchesReady(s) || !explicit {
			return nil
		}
		return m.switchTo(ctx, tgt, opts)
	case Connected:
		m.mu.Unlock()
		if (tgt.id != uuid.Nil && tgt.id == s.DeviceID) || !explicit {
			return nil
		}
		return m.switchTo(ctx, tgt, opts)
	case Connecting:
		m.mu.Unlock()
		return nil
	}

	if !explicit && !m.intent.Wants() {
		m.mu.Unlock()
		return nil
	}
	if !m.allowLocked(opts.ForceReconnect) {
		err := policy(ErrCoolingDown)
		m.errorEventLocked(err, "connect "+tgt.String())
		m.mu.Unlock()
		return err
	}
	if explicit {
		m.tasks.Cancel(taskWatchdog, taskWiFiReconnect, taskAutoReconnectTimeout)
		m.wifiReconnecting = false
		m.setIntentLocked(WantsConnection(opts.ForceFullSync || (m.intent.Wants() && m.intent.ForceFullSync)))
		if tgt.id != uuid.Nil {
			m.lastDeviceID = tgt.id
			if tgt.name != "" {
				m.lastDeviceName = tgt.name
			}
			m.persistLocked()
		}
	}
	epoch := m.beginWalkLocked(tgt, explicit)
	m.mu.Unlock()

	return m.runWalk(ctx, epoch, tgt)
}

// beginWalkLocked leaves Disconnected, which ends the watchdog.
func (m *Manager) beginWalkLocked(tgt target, explicit bool) uint64 {
	m.tasks.Cancel(taskWatchdog)
	if explicit {
		m.watchdogDelay.Reset()
	}
	m.epoch++
	m.walking = true
	m.walkExplicit = explicit
	m.connID = uuid.NewString()
	m.setStateLocked(Connecting{DeviceID: tgt.id, Transport: tgt.transport}, "connect "+tgt.String())
	return m.epoch
}

// runWalk makes up to ConnectAttempts attempts with exponential backoff.
// Exhausting the attempts trips the breaker.
func (m *Manager) runWalk(ctx context.Context, epoch uint64, tgt target) error {
	backoff := m.connectBackoff()
	var lastErr error
	for attempt := 1; attempt <= m.cfg.ConnectAttempts; attempt++ {
		err := m.attempt(ctx, epoch, tgt)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrSuperseded) {
			return err
		}
		if ctx.Err() != nil {
			m.abortWalk(epoch, ReasonConnectFailed, err)
			return ctx.Err()
		}
		lastErr = err
		m.debugLog("connect attempt failed", "target", tgt, "attempt", attempt, "error", err)

		switch Classify(err) {
		case ClassPrecondition:
			if errors.Is(err, transport.ErrRadioPoweredOff) {
				m.mu.Lock()
				m.radioPoweredOff = true
				m.mu.Unlock()
			}
			m.abortWalk(epoch, ReasonConnectFailed, err)
			return err
		case ClassPolicy:
			m.abortWalk(epoch, ReasonConnectFailed, err)
			return err
		}

		if !m.clearPartial(epoch, tgt) {
			return ErrSuperseded
		}
		if attempt == m.cfg.ConnectAttempts {
			break
		}
		delay := backoff.Next()
		m.recoveryEvent(taskReconnect, log.RecoveryAttempt, attempt, delay)
		if err := sleepCtx(ctx, delay); err != nil {
			m.abortWalk(epoch, ReasonConnectFailed, err)
			return err
		}
		if !m.isEpoch(epoch) {
			return ErrSuperseded
		}
	}

	m.mu.Lock()
	if m.epoch == epoch {
		m.breakerFailureLocked()
	}
	m.mu.Unlock()
	m.abortWalk(epoch, ReasonConnectFailed, lastErr)
	return fmt.Errorf("%w after %d attempts: %w", ErrConnectFailed, m.cfg.ConnectAttempts, lastErr)
}

// abortWalk ends a failed walk in Disconnected. The intent is kept. A
// recovery walk hands back to the watchdog.
func (m *Manager) abortWalk(epoch uint64, reason DisconnectReason, cause error) {
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return
	}
	d := m.detachLocked(false)
	m.epoch++
	m.walking = false
	if cause != nil {
		m.errorEventLocked(cause, "connect")
	}
	m.setStateLocked(Disconnected{}, reason.String())
	m.noteDisconnectLocked(reason, cause)
	if !m.walkExplicit {
		m.startWatchdogLocked()
	}
	m.mu.Unlock()
	m.release(context.Background(), d)
}

// clearPartial drops what a failed attempt left behind before the next
// one. It reports false when the walk was superseded.
func (m *Manager) clearPartial(epoch uint64, tgt target) bool {
	m.mu.Lock()
	if m.epoch != epoch || m.closed {
		m.mu.Unlock()
		return false
	}
	d := m.detachLocked(false)
	m.setStateLocked(Connecting{DeviceID: tgt.id, Transport: tgt.transport}, "retry")
	m.mu.Unlock()
	m.release(context.Background(), d)
	return true
}

func (m *Manager) isEpoch(epoch uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch == epoch && !m.closed
}

func (m *Manager) validLocked(epoch uint64) bool {
	return !m.closed && m.epoch == epoch && m.intent.Wants()
}

// attempt opens the transport and brings the session up.
func (m *Manager) attempt(ctx context.Context, epoch uint64, tgt target) error {
	if err := m.awaitReleased(ctx); err != nil {
		return err
	}
	link, err := m.openLink(ctx, tgt)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if !m.validLocked(epoch) {
		shared := m.isShared(link) && m.link == link
		m.mu.Unlock()
		if !shared {
			_ = link.Disconnect()
		}
		return ErrSuperseded
	}
	m.adoptLinkLocked(link, tgt)
	m.setStateLocked(Connected{DeviceID: tgt.id, Transport: link.Type()}, "transport open")
	m.mu.Unlock()

	return m.establish(ctx, epoch, tgt, link)
}

func (m *Manager) openLink(ctx context.Context, tgt target) (transport.Transport, error) {
	if tgt.transport == transport.TypeWideArea {
		link := m.deps.DialWiFi(tgt.host, tgt.port)
		if err := link.Connect(ctx); err != nil {
			return nil, err
		}
		return link, nil
	}

	ble := m.deps.BLE
	if ble == nil {
		return nil, transport.ErrRadioUnavailable
	}
	if ble.Connected() {
		if ble.Address() == tgt.address {
			return ble, nil
		}
		if err := ble.SwitchDevice(ctx, tgt.address); err != nil {
			return nil, err
		}
		return ble, nil
	}
	if err := ble.SetDeviceAddress(tgt.address); err != nil {
		return nil, err
	}
	if err := ble.Connect(ctx); err != nil && !errors.Is(err, transport.ErrAlreadyConnected) {
		return nil, err
	}
	return ble, nil
}

func (m *Manager) adoptLinkLocked(link transport.Transport, tgt target) {
	m.link = link
	m.target = tgt
	m.transportType = link.Type()
	if !m.isShared(link) {
		m.forwardLocked(link)
	}
}

// establish runs the handshake on an open link, records the device and
// commits Ready, then hands off to sync.
func (m *Manager) establish(ctx context.Context, epoch uint64, tgt target, link transport.Transport) error {
	sess := m.deps.NewSession(link)

	var self *companion.SelfInfo
	err := raceTimeout(ctx, m.clock, m.cfg.HandshakeTimeout, func(ctx context.Context) error {
		var err error
		self, err = sess.Start(ctx)
		return err
	})
	if err != nil {
		sess.Stop()
		return fmt.Errorf("handshake: %w", err)
	}

	var info *companion.DeviceInfo
	err = raceTimeout(ctx, m.clock, m.cfg.HandshakeTimeout, func(ctx context.Context) error {
		var err error
		info, err = sess.QueryDevice(ctx)
		return err
	})
	if err != nil {
		sess.Stop()
		return fmt.Errorf("device query: %w", err)
	}

	id := tgt.id
	if link.Type() == transport.TypeWideArea {
		derived := companion.DeviceIDFromPublicKey(self.PublicKey[:])
		if tgt.verifyID && id != uuid.Nil && id != derived {
			sess.Stop()
			return policy(fmt.Errorf("%w: %s answered as %s", ErrIdentityMismatch, tgt, derived))
		}
		id = derived
	} else if id == uuid.Nil {
		id = companion.DeviceIDFromBLEAddress(tgt.address)
	}

	rec := m.saveRecord(id, tgt, link.Type(), self, info)
	svc := newServices(id, sess)

	m.mu.Lock()
	if !m.validLocked(epoch) || m.link != link {
		m.mu.Unlock()
		svc.PrepareForDisconnect()
		sess.Stop()
		return ErrSuperseded
	}
	m.session, m.services, m.record = sess, svc, rec
	m.walking = false
	m.autoReconnecting = false
	m.autoReconnectID = uuid.Nil
	m.target.id = id
	m.breakerSuccessLocked()
	m.tasks.Cancel(taskWatchdog, taskAutoReconnectTimeout)
	m.watchdogDelay.Reset()
	m.lastDeviceID, m.lastDeviceName = id, rec.Name
	force := m.intent.ForceFullSync
	if force {
		m.setIntentLocked(WantsConnection(false))
	}
	m.setStateLocked(newReady(sess, rec.Clone(), svc, link.Type()), "session ready")
	m.persistLocked()
	if link.Type() == transport.TypeWideArea {
		m.startHeartbeatLocked(epoch, link, svc)
	}
	m.mu.Unlock()

	m.handOffSync(ctx, epoch, id, svc, force)
	return nil
}

func (m *Manager) saveRecord(id uuid.UUID, tgt target, tt transport.Type, self *companion.SelfInfo, info *companion.DeviceInfo) *persistence.DeviceRecord {
	rec, err := m.deps.Devices.FetchDevice(id)
	if err != nil {
		rec = &persistence.DeviceRecord{ID: id}
	}
	rec.Name = self.Name
	if rec.Name == "" {
		rec.Name = tgt.name
	}
	rec.PublicKey = append([]byte(nil), self.PublicKey[:]...)
	rec.Transport = tt
	if tt == transport.TypeWideArea {
		rec.Host, rec.Port = tgt.host, tgt.port
	} else {
		rec.BLEAddress = tgt.address
	}
	rec.Frequency = self.Frequency
	rec.Bandwidth = self.Bandwidth
	rec.SpreadingFactor = self.SpreadingFactor
	rec.CodingRate = self.CodingRate
	rec.TxPower = self.TxPower
	rec.FirmwareVersion = info.FirmwareVersion
	rec.FirmwareBuild = info.Version
	if rec.FirmwareBuild == "" {
		rec.FirmwareBuild = info.BuildDate
	}
	rec.Model = info.Model
	rec.MaxContacts = info.MaxContacts
	rec.MaxChannels = info.MaxChannels
	rec.LastConnected = m.cfg.Now()

	if err := m.deps.Devices.SaveDevice(rec); err != nil {
		m.warn("saving device record failed", "device", shortID(id), "error", err)
	}
	return rec
}

// handOffSync runs the post-connect sync. A failure leaves the session up
// and schedules resyncs.
func (m *Manager) handOffSync(ctx context.Context, epoch uint64, id uuid.UUID, svc *Services, force bool) {
	if m.deps.Sync == nil {
		return
	}
	err := raceTimeout(ctx, m.clock, m.cfg.SyncTimeout, func(ctx context.Context) error {
		return m.deps.Sync.OnConnectionEstablished(ctx, id, svc, force)
	})
	if err == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch || m.closed {
		return
	}
	m.warn("sync failed", "device", shortID(id), "error", err)
	m.errorEventLocked(fmt.Errorf("%w: %w", ErrSyncFailed, err), "sync")
	m.syncPending = true
	m.startResyncLocked(epoch, id, svc)
}
