package connection

import (
	"context"

	"github.com/google/uuid"

	"github.com/pocketmesh/pocketmesh-go/pkg/pairing"
	"github.com/pocketmesh/pocketmesh-go/pkg/transport"
)

type linkEvent struct {
	link transport.Transport
	ev   transport.Event
}

// forwardLocked copies a transport's events into the dispatch loop,
// tagged with the transport they came from.
func (m *Manager) forwardLocked(link transport.Transport) {
	if _, ok := m.forwarders[link]; ok {
		return
	}
	ctx, cancel := context.WithCancel(m.root)
	m.forwarders[link] = cancel
	m.loops.Add(1)
	go m.forward(ctx, link)
}

func (m *Manager) forward(ctx context.Context, link transport.Transport) {
	defer m.loops.Done()
	events := link.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			select {
			case m.events <- linkEvent{link: link, ev: ev}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// dispatch handles transport and pairing events one at a time.
func (m *Manager) dispatch() {
	defer m.loops.Done()
	var pairingEvents <-chan pairing.Event
	if m.deps.Pairing != nil {
		pairingEvents = m.deps.Pairing.Events()
	}
	for {
		select {
		case <-m.root.Done():
			return
		case le := <-m.events:
			m.handleLinkEvent(le)
		case ev, ok := <-pairingEvents:
			if !ok {
				pairingEvents = nil
				continue
			}
			m.handlePairingEvent(ev)
		}
	}
}

func (m *Manager) handleLinkEvent(le linkEvent) {
	m.debugLog("transport event", "kind", le.ev.Kind, "transport", le.link.Type(), "address", le.ev.Address)
	switch le.ev.Kind {
	case transport.EventRadioPowered:
		m.handleRadio(true)
	case transport.EventRadioUnpowered:
		m.handleRadio(false)
	case transport.EventAutoReconnecting:
		m.handleAutoReconnecting(le.link)
	case transport.EventAutoReconnected:
		m.handleAutoReconnected(le.link)
	case transport.EventDisconnected:
		m.handleLinkLost(le.link, le.ev.Err)
	}
}

// handlePairingEvent reacts to bond changes made outside the app.
func (m *Manager) handlePairingEvent(ev pairing.Event) {
	if ev.DeviceID == uuid.Nil {
		return
	}
	m.mu.Lock()
	current := StateDeviceID(m.state)
	last := m.lastDeviceID
	m.mu.Unlock()

	switch ev.Kind {
	case pairing.EventDeviceRemoved:
		if ev.DeviceID != current && ev.DeviceID != last {
			return
		}
		m.infoLog("bond removed externally", "device", shortID(ev.DeviceID))
		m.Disconnect(context.Background(), ReasonDeviceRemovedExternally)
	case pairing.EventPairingFailed:
		if ev.DeviceID != current {
			return
		}
		m.warn("pairing failed", "device", shortID(ev.DeviceID), "error", ev.Err)
		m.Disconnect(context.Background(), ReasonPairingFailed)
	}
}
