package discovery

import (
	"errors"
	"log/slog"
	"net"
	"strconv"
	"time"
)

// Service constants.
const (
	ServiceType = "_meshcore._tcp"
	Domain      = "local."

	// BrowseTimeout is the default for Find.
	BrowseTimeout = 10 * time.Second
)

// TXT record keys.
const (
	TXTKeyName      = "name"
	TXTKeyPublicKey = "pk"
	TXTKeyFirmware  = "fw"
)

// Discovery errors.
var (
	ErrNotFound       = errors.New("discovery: companion not found")
	ErrBrowserStopped = errors.New("discovery: browser stopped")
)

// Companion is one advertised companion radio.
type Companion struct {
	Instance  string
	Host      string
	Port      int
	Addresses []string

	Name            string
	PublicKeyPrefix string
	Firmware        string
}

// Endpoint returns the address to dial, preferring IPv4, and the port.
// The advertised host name is used when no address is known.
func (c *Companion) Endpoint() (string, int) {
	for _, a := range c.Addresses {
		if ip := net.ParseIP(a); ip != nil && ip.To4() != nil {
			return a, c.Port
		}
	}
	if len(c.Addresses) > 0 {
		return c.Addresses[0], c.Port
	}
	return c.Host, c.Port
}

// Address returns Endpoint as host:port.
func (c *Companion) Address() string {
	host, port := c.Endpoint()
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func (c *Companion) clone() *Companion {
	cp := *c
	cp.Addresses = append([]string(nil), c.Addresses...)
	return &cp
}

// UpdateKind classifies browse updates.
type UpdateKind uint8

const (
	// UpdateAdded is the first sighting of an instance.
	UpdateAdded UpdateKind = iota + 1
	// UpdateChanged reports a changed address set or port.
	UpdateChanged
	// UpdateRemoved reports that no address of the instance remains.
	UpdateRemoved
)

// String returns the update kind name.
func (k UpdateKind) String() string {
	switch k {
	case UpdateAdded:
		return "added"
	case UpdateChanged:
		return "changed"
	case UpdateRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Update is one browse result.
type Update struct {
	Kind      UpdateKind
	Companion *Companion
}

// BrowserConfig configures browser behavior.
type BrowserConfig struct {
	// Interface specifies which network interface to use.
	// Empty string means all interfaces.
	Interface string

	// BrowseTimeout bounds Find when ctx has no deadline.
	BrowseTimeout time.Duration

	Logger *slog.Logger
}

// DefaultBrowserConfig returns the default browser configuration.
func DefaultBrowserConfig() BrowserConfig {
	return BrowserConfig{BrowseTimeout: BrowseTimeout}
}
