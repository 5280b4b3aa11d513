package connection

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/pocketmesh/pocketmesh-go/pkg/log"
)

// Config configures a Manager.
type Config struct {
	// ConnectAttempts is the number of attempts per connect walk.
	ConnectAttempts int

	// ConnectBaseDelay is the first retry delay; it doubles per attempt.
	ConnectBaseDelay time.Duration

	// ConnectJitter is the maximum added jitter as a fraction of the delay.
	ConnectJitter float64

	// BreakerCooldown is how long the breaker stays open.
	BreakerCooldown time.Duration

	// HandshakeTimeout bounds the handshake and the capability query.
	// It runs on the suspendable clock.
	HandshakeTimeout time.Duration

	// AutoReconnectTimeout bounds a BlueZ background reconnect.
	AutoReconnectTimeout time.Duration

	// HeartbeatInterval and HeartbeatTimeout drive WiFi liveness probes.
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// WiFiCooldown is the minimum time between WiFi reconnect loop starts.
	WiFiCooldown time.Duration

	// WiFiBudget is the wall-clock budget of one WiFi reconnect loop.
	WiFiBudget time.Duration

	WiFiBaseDelay time.Duration
	WiFiMaxDelay  time.Duration

	// WiFiDialTimeout bounds the default TCP dial.
	WiFiDialTimeout time.Duration

	ResyncInterval time.Duration
	ResyncAttempts int

	// SyncTimeout bounds each sync and resync.
	SyncTimeout time.Duration

	WatchdogInitial time.Duration
	WatchdogMax     time.Duration

	// ClientID is announced in the companion handshake.
	ClientID string

	// Now defaults to time.Now.
	Now func() time.Time

	// EventLog receives lifecycle events (optional).
	EventLog log.Logger

	// Logger is the optional operational logger.
	Logger *slog.Logger
}

// DefaultConfig returns the default lifecycle timing.
func DefaultConfig() Config {
	return Config{
		ConnectAttempts:      4,
		ConnectBaseDelay:     300 * time.Millisecond,
		ConnectJitter:        0.1,
		BreakerCooldown:      DefaultBreakerCooldown,
		HandshakeTimeout:     10 * time.Second,
		AutoReconnectTimeout: 30 * time.Second,
		HeartbeatInterval:    30 * time.Second,
		HeartbeatTimeout:     5 * time.Second,
		WiFiCooldown:         35 * time.Second,
		WiFiBudget:           30 * time.Second,
		WiFiBaseDelay:        500 * time.Millisecond,
		WiFiMaxDelay:         4 * time.Second,
		WiFiDialTimeout:      5 * time.Second,
		ResyncInterval:       2 * time.Second,
		ResyncAttempts:       3,
		SyncTimeout:          60 * time.Second,
		WatchdogInitial:      30 * time.Second,
		WatchdogMax:          120 * time.Second,
		ClientID:             "PMesh",
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.ConnectAttempts < 1 {
		return fmt.Errorf("%w: connect attempts must be at least 1", ErrInvalidConfig)
	}
	if c.ResyncAttempts < 1 {
		return fmt.Errorf("%w: resync attempts must be at least 1", ErrInvalidConfig)
	}
	if c.ConnectJitter < 0 || c.ConnectJitter > 1 {
		return fmt.Errorf("%w: connect jitter must be within [0, 1]", ErrInvalidConfig)
	}
	durations := []struct {
		name string
		d    time.Duration
	}{
		{"connect base delay", c.ConnectBaseDelay},
		{"breaker cooldown", c.BreakerCooldown},
		{"handshake timeout", c.HandshakeTimeout},
		{"auto-reconnect timeout", c.AutoReconnectTimeout},
		{"heartbeat interval", c.HeartbeatInterval},
		{"heartbeat timeout", c.HeartbeatTimeout},
		{"wifi budget", c.WiFiBudget},
		{"wifi base delay", c.WiFiBaseDelay},
		{"wifi max delay", c.WiFiMaxDelay},
		{"resync interval", c.ResyncInterval},
		{"sync timeout", c.SyncTimeout},
		{"watchdog initial", c.WatchdogInitial},
		{"watchdog max", c.WatchdogMax},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, d.name)
		}
	}
	if c.WiFiCooldown < 0 {
		return fmt.Errorf("%w: wifi cooldown must not be negative", ErrInvalidConfig)
	}
	if c.WiFiMaxDelay < c.WiFiBaseDelay {
		return fmt.Errorf("%w: wifi max delay below base delay", ErrInvalidConfig)
	}
	if c.WatchdogMax < c.WatchdogInitial {
		return fmt.Errorf("%w: watchdog max below initial", ErrInvalidConfig)
	}
	return nil
}
