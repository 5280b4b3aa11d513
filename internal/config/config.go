package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/pocketmesh/pocketmesh-go/pkg/connection"
	"github.com/pocketmesh/pocketmesh-go/pkg/devicesync"
	"github.com/pocketmesh/pocketmesh-go/pkg/discovery"
	"github.com/pocketmesh/pocketmesh-go/pkg/transport"
)

const (
	// DefaultPath is read when no config path is given.
	DefaultPath = "~/.config/pocketmesh/config.yaml"

	defaultStateDir  = "~/.local/share/pocketmesh"
	defaultEventLog  = "events.plog"
	defaultLogLevel  = "info"
	defaultLogFormat = "text"
)

// ErrUnsupportedFormat is returned for config files that are neither YAML
// nor TOML.
var ErrUnsupportedFormat = errors.New("config: unsupported file format")

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration time.Duration

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText formats the duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Config is the pocketmesh configuration file.
type Config struct {
	// StateDir holds the device records, the lifecycle state and, unless
	// EventLog is absolute, the event log.
	StateDir string `yaml:"state_dir" toml:"state_dir"`

	LogLevel  string `yaml:"log_level" toml:"log_level"`
	LogFormat string `yaml:"log_format" toml:"log_format"`

	// EventLog is the CBOR event log path. Empty disables it.
	EventLog string `yaml:"event_log" toml:"event_log"`

	BLE       BLE       `yaml:"ble" toml:"ble"`
	WiFi      WiFi      `yaml:"wifi" toml:"wifi"`
	Discovery Discovery `yaml:"discovery" toml:"discovery"`
	Lifecycle Lifecycle `yaml:"lifecycle" toml:"lifecycle"`
	Sync      Sync      `yaml:"sync" toml:"sync"`
}

// BLE configures the short-range transport.
type BLE struct {
	Adapter              string   `yaml:"adapter" toml:"adapter"`
	ScanTimeout          Duration `yaml:"scan_timeout" toml:"scan_timeout"`
	WriteWithoutResponse bool     `yaml:"write_without_response" toml:"write_without_response"`
}

// WiFi configures the wide-area transport.
type WiFi struct {
	DefaultPort int      `yaml:"default_port" toml:"default_port"`
	DialTimeout Duration `yaml:"dial_timeout" toml:"dial_timeout"`
}

// Discovery configures mDNS browsing.
type Discovery struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Interface string `yaml:"interface" toml:"interface"`
}

// Lifecycle holds the connection manager timing.
type Lifecycle struct {
	ConnectAttempts      int      `yaml:"connect_attempts" toml:"connect_attempts"`
	ConnectBaseDelay     Duration `yaml:"connect_base_delay" toml:"connect_base_delay"`
	BreakerCooldown      Duration `yaml:"breaker_cooldown" toml:"breaker_cooldown"`
	HandshakeTimeout     Duration `yaml:"handshake_timeout" toml:"handshake_timeout"`
	AutoReconnectTimeout Duration `yaml:"auto_reconnect_timeout" toml:"auto_reconnect_timeout"`
	HeartbeatInterval    Duration `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	HeartbeatTimeout     Duration `yaml:"heartbeat_timeout" toml:"heartbeat_timeout"`
	WiFiCooldown         Duration `yaml:"wifi_cooldown" toml:"wifi_cooldown"`
	WiFiBudget           Duration `yaml:"wifi_budget" toml:"wifi_budget"`
	WiFiBaseDelay        Duration `yaml:"wifi_base_delay" toml:"wifi_base_delay"`
	WiFiMaxDelay         Duration `yaml:"wifi_max_delay" toml:"wifi_max_delay"`
	ResyncInterval       Duration `yaml:"resync_interval" toml:"resync_interval"`
	ResyncAttempts       int      `yaml:"resync_attempts" toml:"resync_attempts"`
	SyncTimeout          Duration `yaml:"sync_timeout" toml:"sync_timeout"`
	WatchdogInitial      Duration `yaml:"watchdog_initial" toml:"watchdog_initial"`
	WatchdogMax          Duration `yaml:"watchdog_max" toml:"watchdog_max"`
}

// Sync configures the sync coordinator.
type Sync struct {
	ClockDriftThreshold Duration `yaml:"clock_drift_threshold" toml:"clock_drift_threshold"`
}

// Default returns the built-in configuration.
func Default() Config {
	lc := connection.DefaultConfig()
	return Config{
		StateDir:  defaultStateDir,
		LogLevel:  defaultLogLevel,
		LogFormat: defaultLogFormat,
		EventLog:  defaultEventLog,
		BLE: BLE{
			ScanTimeout: Duration(transport.DefaultScanTimeout),
		},
		WiFi: WiFi{
			DefaultPort: transport.DefaultTCPPort,
			DialTimeout: Duration(lc.WiFiDialTimeout),
		},
		Discovery: Discovery{Enabled: true},
		Lifecycle: Lifecycle{
			ConnectAttempts:      lc.ConnectAttempts,
			ConnectBaseDelay:     Duration(lc.ConnectBaseDelay),
			BreakerCooldown:      Duration(lc.BreakerCooldown),
			HandshakeTimeout:     Duration(lc.HandshakeTimeout),
			AutoReconnectTimeout: Duration(lc.AutoReconnectTimeout),
			HeartbeatInterval:    Duration(lc.HeartbeatInterval),
			HeartbeatTimeout:     Duration(lc.HeartbeatTimeout),
			WiFiCooldown:         Duration(lc.WiFiCooldown),
			WiFiBudget:           Duration(lc.WiFiBudget),
			WiFiBaseDelay:        Duration(lc.WiFiBaseDelay),
			WiFiMaxDelay:         Duration(lc.WiFiMaxDelay),
			ResyncInterval:       Duration(lc.ResyncInterval),
			ResyncAttempts:       lc.ResyncAttempts,
			SyncTimeout:          Duration(lc.SyncTimeout),
			WatchdogInitial:      Duration(lc.WatchdogInitial),
			WatchdogMax:          Duration(lc.WatchdogMax),
		},
		Sync: Sync{ClockDriftThreshold: Duration(devicesync.DefaultClockDriftThreshold)},
	}
}

// Load reads the config file at path, or DefaultPath when path is empty.
// A missing file yields the defaults. Keys absent from the file keep
// their defaults. The format follows the extension: .yaml/.yml or .toml.
func Load(path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		path = DefaultPath
	}
	resolved, err := expandPath(path)
	if err != nil {
		return Config{}, err
	}

	cfg := Default()
	data, err := os.ReadFile(resolved)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, cfg.normalize()
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(resolved)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	case ".toml":
		err = toml.Unmarshal(data, &cfg)
	default:
		return Config{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Base(resolved))
	}
	if err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", filepath.Base(resolved), err)
	}

	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	lc := cfg.ConnectionConfig()
	if err := lc.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// normalize trims strings, restores defaults for blanked values and
// expands paths.
func (c *Config) normalize() error {
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	if c.LogFormat == "" {
		c.LogFormat = defaultLogFormat
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("config: log_format must be text or json, got %q", c.LogFormat)
	}
	if c.WiFi.DefaultPort == 0 {
		c.WiFi.DefaultPort = transport.DefaultTCPPort
	}
	if c.WiFi.DefaultPort < 0 || c.WiFi.DefaultPort > 65535 {
		return fmt.Errorf("config: wifi.default_port out of range: %d", c.WiFi.DefaultPort)
	}

	c.StateDir = strings.TrimSpace(c.StateDir)
	if c.StateDir == "" {
		c.StateDir = defaultStateDir
	}
	dir, err := expandPath(c.StateDir)
	if err != nil {
		return fmt.Errorf("state_dir: %w", err)
	}
	c.StateDir = dir

	c.EventLog = strings.TrimSpace(c.EventLog)
	if c.EventLog != "" {
		if !strings.HasPrefix(c.EventLog, "~") && !filepath.IsAbs(c.EventLog) {
			c.EventLog = filepath.Join(c.StateDir, c.EventLog)
		}
		if c.EventLog, err = expandPath(c.EventLog); err != nil {
			return fmt.Errorf("event_log: %w", err)
		}
	}
	return nil
}

// DevicesPath is the device record file.
func (c Config) DevicesPath() string { return filepath.Join(c.StateDir, "devices.json") }

// StatePath is the lifecycle state file.
func (c Config) StatePath() string { return filepath.Join(c.StateDir, "state.json") }

// ConnectionConfig returns the lifecycle manager configuration.
func (c Config) ConnectionConfig() connection.Config {
	lc := connection.DefaultConfig()
	l := c.Lifecycle
	lc.ConnectAttempts = l.ConnectAttempts
	lc.ConnectBaseDelay = time.Duration(l.ConnectBaseDelay)
	lc.BreakerCooldown = time.Duration(l.BreakerCooldown)
	lc.HandshakeTimeout = time.Duration(l.HandshakeTimeout)
	lc.AutoReconnectTimeout = time.Duration(l.AutoReconnectTimeout)
	lc.HeartbeatInterval = time.Duration(l.HeartbeatInterval)
	lc.HeartbeatTimeout = time.Duration(l.HeartbeatTimeout)
	lc.WiFiCooldown = time.Duration(l.WiFiCooldown)
	lc.WiFiBudget = time.Duration(l.WiFiBudget)
	lc.WiFiBaseDelay = time.Duration(l.WiFiBaseDelay)
	lc.WiFiMaxDelay = time.Duration(l.WiFiMaxDelay)
	lc.WiFiDialTimeout = time.Duration(c.WiFi.DialTimeout)
	lc.ResyncInterval = time.Duration(l.ResyncInterval)
	lc.ResyncAttempts = l.ResyncAttempts
	lc.SyncTimeout = time.Duration(l.SyncTimeout)
	lc.WatchdogInitial = time.Duration(l.WatchdogInitial)
	lc.WatchdogMax = time.Duration(l.WatchdogMax)
	return lc
}

// BLEConfig returns the short-range transport configuration.
func (c Config) BLEConfig() transport.BLEConfig {
	return transport.BLEConfig{
		Adapter:              c.BLE.Adapter,
		ScanTimeout:          time.Duration(c.BLE.ScanTimeout),
		WriteWithoutResponse: c.BLE.WriteWithoutResponse,
	}
}

// BrowserConfig returns the mDNS browser configuration.
func (c Config) BrowserConfig() discovery.BrowserConfig {
	bc := discovery.DefaultBrowserConfig()
	bc.Interface = c.Discovery.Interface
	return bc
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", fmt.Errorf("path is empty")
	}
	if strings.HasPrefix(trimmed, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		trimmed = filepath.Join(home, strings.TrimPrefix(trimmed, "~"))
	}
	return filepath.Abs(trimmed)
}
