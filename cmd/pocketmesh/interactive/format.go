package interactive

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pocketmesh/pocketmesh-go/pkg/connection"
	"github.com/pocketmesh/pocketmesh-go/pkg/persistence"
)

// Errors returned by MatchDevice.
var (
	ErrNoMatch        = errors.New("no stored device matches")
	ErrAmbiguousMatch = errors.New("more than one stored device matches")
)

// ParseEndpoint splits "host" or "host:port". IPv6 hosts need brackets
// when a port is given.
func ParseEndpoint(s string, defaultPort int) (string, int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", 0, errors.New("empty endpoint")
	}
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		// No port.
		return strings.Trim(s, "[]"), defaultPort, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	if host == "" {
		return "", 0, errors.New("empty host")
	}
	return host, port, nil
}

// MatchDevice finds a record by full id, id prefix or case-insensitive
// name.
func MatchDevice(recs []*persistence.DeviceRecord, arg string) (*persistence.DeviceRecord, error) {
	arg = strings.ToLower(strings.TrimSpace(arg))
	var matches []*persistence.DeviceRecord
	for _, r := range recs {
		id := r.ID.String()
		if id == arg {
			return r, nil
		}
		if strings.HasPrefix(id, arg) || strings.ToLower(r.Name) == arg {
			matches = append(matches, r)
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w %q", ErrNoMatch, arg)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("%w %q", ErrAmbiguousMatch, arg)
	}
}

// FormatStatus renders a manager snapshot for the console.
func FormatStatus(snap connection.Snapshot, dev *persistence.DeviceRecord) string {
	var b strings.Builder
	b.WriteString("\nConnection Status\n")
	b.WriteString("-------------------------------------------\n")
	fmt.Fprintf(&b, "  State:          %s\n", snap.State)
	fmt.Fprintf(&b, "  Intent:         %s\n", snap.Intent)
	fmt.Fprintf(&b, "  Transport:      %s\n", snap.Transport)
	fmt.Fprintf(&b, "  Breaker:        %s\n", snap.Breaker)

	if dev != nil {
		fmt.Fprintf(&b, "  Device:         %s (%s)\n", dev.Name, dev.ID.String()[:8])
		if dev.Model != "" {
			fmt.Fprintf(&b, "  Model:          %s, firmware %d\n", dev.Model, dev.FirmwareVersion)
		}
		if dev.BatteryMilliVolts > 0 {
			fmt.Fprintf(&b, "  Battery:        %.2f V\n", float64(dev.BatteryMilliVolts)/1000)
		}
	} else if snap.LastDeviceName != "" {
		fmt.Fprintf(&b, "  Last device:    %s\n", snap.LastDeviceName)
	}

	var flags []string
	if snap.AutoReconnecting {
		flags = append(flags, "ble-auto-reconnect")
	}
	if snap.WiFiReconnecting {
		flags = append(flags, "wifi-reconnect")
	}
	if snap.RadioPoweredOff {
		flags = append(flags, "radio-off")
	}
	if snap.Suspended {
		flags = append(flags, "suspended")
	}
	if snap.SyncPending {
		flags = append(flags, fmt.Sprintf("sync-pending(%d)", snap.ResyncAttempts))
	}
	if len(flags) > 0 {
		fmt.Fprintf(&b, "  Flags:          %s\n", strings.Join(flags, ", "))
	}
	if len(snap.Tasks) > 0 {
		fmt.Fprintf(&b, "  Tasks:          %s\n", strings.Join(snap.Tasks, ", "))
	}
	if snap.LastDisconnect != "" {
		fmt.Fprintf(&b, "  Last disconnect: %s (%s ago)\n",
			snap.LastDisconnect, time.Since(snap.LastDisconnectAt).Truncate(time.Second))
	}
	b.WriteString("\n")
	return b.String()
}
