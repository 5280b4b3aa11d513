// Package bluez holds the small set of BlueZ D-Bus helpers shared by the
// BLE transport and the pairing service.
package bluez

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/godbus/dbus/v5"
)

// D-Bus names.
const (
	Service = "org.bluez"

	AdapterIface        = "org.bluez.Adapter1"
	DeviceIface         = "org.bluez.Device1"
	GattServiceIface    = "org.bluez.GattService1"
	GattCharacteristic  = "org.bluez.GattCharacteristic1"
	ObjectManagerIface  = "org.freedesktop.DBus.ObjectManager"
	PropertiesIface     = "org.freedesktop.DBus.Properties"
	PropertiesChanged   = PropertiesIface + ".PropertiesChanged"
	InterfacesAdded     = ObjectManagerIface + ".InterfacesAdded"
	InterfacesRemoved   = ObjectManagerIface + ".InterfacesRemoved"
	DefaultAdapter      = "hci0"
	errAlreadyConnected = "org.bluez.Error.AlreadyConnected"
)

// ManagedObjects is the GetManagedObjects reply shape.
type ManagedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

var addrPattern = regexp.MustCompile(`^[0-9A-Fa-f]{2}(:[0-9A-Fa-f]{2}){5}$`)

// ErrInvalidAddress is returned for malformed BLE addresses.
var ErrInvalidAddress = errors.New("bluez: invalid device address")

// ValidAddress reports whether addr looks like AA:BB:CC:DD:EE:FF.
func ValidAddress(addr string) bool {
	return addrPattern.MatchString(addr)
}

// AdapterPath returns the object path of an adapter ("hci0" → /org/bluez/hci0).
func AdapterPath(adapter string) dbus.ObjectPath {
	if adapter == "" {
		adapter = DefaultAdapter
	}
	return dbus.ObjectPath("/org/bluez/" + adapter)
}

// DevicePath returns the object path of a device under an adapter.
func DevicePath(adapter, addr string) dbus.ObjectPath {
	return dbus.ObjectPath(fmt.Sprintf("%s/dev_%s", AdapterPath(adapter),
		strings.ReplaceAll(strings.ToUpper(addr), ":", "_")))
}

// AddressFromPath extracts the address from a .../dev_XX_XX_.. path.
func AddressFromPath(p dbus.ObjectPath) string {
	s := string(p)
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return ""
	}
	rest := s[idx+5:]
	if slash := strings.IndexByte(rest, '/'); slash >= 0 {
		rest = rest[:slash]
	}
	return strings.ReplaceAll(rest, "_", ":")
}

// GetManagedObjects returns every object BlueZ exports.
func GetManagedObjects(conn *dbus.Conn) (ManagedObjects, error) {
	var objs ManagedObjects
	call := conn.Object(Service, "/").Call(ObjectManagerIface+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("bluez: GetManagedObjects: %w", call.Err)
	}
	if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("bluez: decode GetManagedObjects: %w", err)
	}
	return objs, nil
}

// Property reads one D-Bus property.
func Property[T any](conn *dbus.Conn, path dbus.ObjectPath, iface, prop string) (T, error) {
	var zero T
	v, err := conn.Object(Service, path).GetProperty(iface + "." + prop)
	if err != nil {
		return zero, fmt.Errorf("bluez: get %s.%s: %w", iface, prop, err)
	}
	val, ok := v.Value().(T)
	if !ok {
		return zero, fmt.Errorf("bluez: %s.%s has type %T", iface, prop, v.Value())
	}
	return val, nil
}

// Prop extracts a typed value from a property map.
func Prop[T any](props map[string]dbus.Variant, name string) (T, bool) {
	var zero T
	v, ok := props[name]
	if !ok {
		return zero, false
	}
	val, ok := v.Value().(T)
	return val, ok
}

// Call invokes a method and returns its error.
func Call(conn *dbus.Conn, path dbus.ObjectPath, method string, args ...interface{}) error {
	return conn.Object(Service, path).Call(method, 0, args...).Err
}

// ErrorName returns the D-Bus error name of err, or "".
func ErrorName(err error) string {
	var dbusErr dbus.Error
	if errors.As(err, &dbusErr) {
		return dbusErr.Name
	}
	var dbusErrPtr *dbus.Error
	if errors.As(err, &dbusErrPtr) {
		return dbusErrPtr.Name
	}
	return ""
}

// IsAlreadyConnected reports whether err is BlueZ's AlreadyConnected error.
func IsAlreadyConnected(err error) bool {
	return ErrorName(err) == errAlreadyConnected
}

// IsUnknownObject reports whether err says the object path does not exist.
func IsUnknownObject(err error) bool {
	name := ErrorName(err)
	return name == "org.freedesktop.DBus.Error.UnknownObject" ||
		name == "org.freedesktop.DBus.Error.UnknownMethod" ||
		name == "org.bluez.Error.DoesNotExist"
}

// ContainsUUID reports whether list holds target (case-insensitive).
func ContainsUUID(list []string, target string) bool {
	for _, s := range list {
		if strings.EqualFold(s, target) {
			return true
		}
	}
	return false
}

// ChangedProps decodes a PropertiesChanged signal body.
func ChangedProps(sig *dbus.Signal) (iface string, changed map[string]dbus.Variant, ok bool) {
	if sig == nil || sig.Name != PropertiesChanged || len(sig.Body) < 2 {
		return "", nil, false
	}
	iface, ok = sig.Body[0].(string)
	if !ok {
		return "", nil, false
	}
	changed, ok = sig.Body[1].(map[string]dbus.Variant)
	return iface, changed, ok
}
