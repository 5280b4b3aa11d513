package connection

import (
	"encoding/json"
	"fmt"
)

// IntentKind is the connectivity goal.
type IntentKind uint8

const (
	// IntentNone means no goal: nothing has been asked for, or the device
	// declined a session because another controller owns it.
	IntentNone IntentKind = iota

	// IntentWantsConnection means recovery may reconnect.
	IntentWantsConnection

	// IntentUserDisconnected means the user ended the connection and no
	// recovery may run.
	IntentUserDisconnected
)

func (k IntentKind) String() string {
	switch k {
	case IntentNone:
		return "none"
	case IntentWantsConnection:
		return "wantsConnection"
	case IntentUserDisconnected:
		return "userDisconnected"
	default:
		return "unknown"
	}
}

// Intent is what the user or system wants, independent of the state that
// has actually been reached. It is persisted across restarts.
type Intent struct {
	Kind IntentKind

	// ForceFullSync asks the next sync hand-off to rewrite device state.
	// It is consumed by that hand-off.
	ForceFullSync bool
}

// WantsConnection returns a wants-connection intent.
func WantsConnection(forceFullSync bool) Intent {
	return Intent{Kind: IntentWantsConnection, ForceFullSync: forceFullSync}
}

// UserDisconnected returns a user-disconnected intent.
func UserDisconnected() Intent {
	return Intent{Kind: IntentUserDisconnected}
}

// Wants reports whether recovery may reconnect.
func (i Intent) Wants() bool { return i.Kind == IntentWantsConnection }

func (i Intent) String() string {
	if i.Kind == IntentWantsConnection && i.ForceFullSync {
		return "wantsConnection(forceFullSync)"
	}
	return i.Kind.String()
}

type intentJSON struct {
	Kind          string `json:"kind"`
	ForceFullSync bool   `json:"force_full_sync,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (i Intent) MarshalJSON() ([]byte, error) {
	return json.Marshal(intentJSON{Kind: i.Kind.String(), ForceFullSync: i.ForceFullSync})
}

// UnmarshalJSON implements json.Unmarshaler.
func (i *Intent) UnmarshalJSON(b []byte) error {
	var v intentJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch v.Kind {
	case "none", "":
		*i = Intent{}
	case "wantsConnection":
		*i = WantsConnection(v.ForceFullSync)
	case "userDisconnected":
		*i = UserDisconnected()
	default:
		return fmt.Errorf("connection: unknown intent %q", v.Kind)
	}
	return nil
}

// DisconnectReason says why a connection ended.
type DisconnectReason uint8

const (
	ReasonUserInitiated DisconnectReason = iota + 1
	ReasonForgetDevice
	ReasonDeviceRemovedExternally
	ReasonFactoryReset
	ReasonSwitchingDevice

	ReasonResyncFailed
	ReasonWiFiAddressChanged
	ReasonPairingFailed
	ReasonConnectionLost
	ReasonHeartbeatFailed
	ReasonAutoReconnectTimeout
	ReasonWiFiReconnectFailed
	ReasonSessionRebuildFailed
	ReasonConnectFailed
	ReasonShutdown
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonUserInitiated:
		return "userInitiated"
	case ReasonForgetDevice:
		return "forgetDevice"
	case ReasonDeviceRemovedExternally:
		return "deviceRemovedExternally"
	case ReasonFactoryReset:
		return "factoryReset"
	case ReasonSwitchingDevice:
		return "switchingDevice"
	case ReasonResyncFailed:
		return "resyncFailed"
	case ReasonWiFiAddressChanged:
		return "wifiAddressChanged"
	case ReasonPairingFailed:
		return "pairingFailed"
	case ReasonConnectionLost:
		return "connectionLost"
	case ReasonHeartbeatFailed:
		return "heartbeatFailed"
	case ReasonAutoReconnectTimeout:
		return "autoReconnectTimeout"
	case ReasonWiFiReconnectFailed:
		return "wifiReconnectFailed"
	case ReasonSessionRebuildFailed:
		return "sessionRebuildFailed"
	case ReasonConnectFailed:
		return "connectFailed"
	case ReasonShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// UserInitiated reports whether the reason ends the user's wish to be
// connected. Removal of the bond and factory reset count as user actions:
// the device is gone, so recovery has nothing to reconnect to.
func (r DisconnectReason) UserInitiated() bool {
	switch r {
	case ReasonUserInitiated, ReasonForgetDevice, ReasonDeviceRemovedExternally,
		ReasonFactoryReset, ReasonSwitchingDevice:
		return true
	default:
		return false
	}
}
