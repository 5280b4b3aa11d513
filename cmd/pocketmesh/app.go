package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pocketmesh/pocketmesh-go/cmd/pocketmesh/interactive"
	"github.com/pocketmesh/pocketmesh-go/cmd/pocketmesh/monitor"
	"github.com/pocketmesh/pocketmesh-go/internal/config"
	"github.com/pocketmesh/pocketmesh-go/pkg/connection"
	"github.com/pocketmesh/pocketmesh-go/pkg/devicesync"
	"github.com/pocketmesh/pocketmesh-go/pkg/discovery"
	"github.com/pocketmesh/pocketmesh-go/pkg/log"
	"github.com/pocketmesh/pocketmesh-go/pkg/pairing"
	"github.com/pocketmesh/pocketmesh-go/pkg/persistence"
	"github.com/pocketmesh/pocketmesh-go/pkg/transport"
)

type options struct {
	ConfigPath  string
	StateDir    string
	LogLevel    string
	LogFormat   string
	Interactive bool
	Monitor     bool
	Connect     string
	WiFi        string
	Follow      string
	Reset       bool
}

func runApp(ctx context.Context, cancel context.CancelFunc, opts options) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	if opts.StateDir != "" {
		dir, err := filepath.Abs(opts.StateDir)
		if err != nil {
			return fmt.Errorf("state dir: %w", err)
		}
		if rel, err := filepath.Rel(cfg.StateDir, cfg.EventLog); cfg.EventLog != "" && err == nil && !strings.HasPrefix(rel, "..") {
			cfg.EventLog = filepath.Join(dir, rel)
		}
		cfg.StateDir = dir
	}
	if opts.LogLevel != "" {
		cfg.LogLevel = opts.LogLevel
	}
	if opts.LogFormat != "" {
		cfg.LogFormat = opts.LogFormat
	}
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	// The dashboard owns the terminal, so operational logs go to a file.
	logOut := io.Writer(os.Stderr)
	if opts.Monitor {
		f, err := os.OpenFile(filepath.Join(cfg.StateDir, "pocketmesh.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		logOut = f
	}
	logger, err := newLogger(logOut, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}

	eventLogs := []log.Logger{log.NewSlogAdapter(logger)}
	if cfg.EventLog != "" {
		fl, err := log.NewFileLogger(cfg.EventLog)
		if err != nil {
			return fmt.Errorf("open event log: %w", err)
		}
		defer func() {
			if n := fl.Dropped(); n > 0 {
				logger.Warn("event log dropped events", "count", n)
			}
			fl.Close()
		}()
		eventLogs = append(eventLogs, fl)
	}
	feed := monitor.NewFeed(500)
	if opts.Monitor {
		eventLogs = append(eventLogs, feed)
	}
	events := log.NewMultiLogger(eventLogs...)

	devices := persistence.NewDeviceStore(cfg.DevicesPath())
	state := persistence.NewLifecycleStore(cfg.StatePath())
	if opts.Reset {
		if err := state.Clear(); err != nil {
			return fmt.Errorf("reset lifecycle state: %w", err)
		}
		logger.Info("lifecycle state cleared")
	}

	bleCfg := cfg.BLEConfig()
	bleCfg.EventLog = events
	bleCfg.Logger = logger
	ble := transport.NewBLE(bleCfg)
	defer ble.Close()

	// The console needs the manager, so the chooser resolves it late.
	var console *interactive.Console
	bluez := pairing.New(ble, pairing.Config{
		Adapter:     cfg.BLE.Adapter,
		ScanTimeout: bleCfg.ScanTimeout,
		Choose: func(ctx context.Context, candidates []pairing.Device) (pairing.Device, error) {
			if console == nil {
				return pairing.Device{}, pairing.ErrNoChooser
			}
			return console.Choose(ctx, candidates)
		},
		Logger: logger,
	})
	defer bluez.Close()

	syncer := devicesync.NewCoordinator(devicesync.Config{
		Store:               devices,
		ClockDriftThreshold: time.Duration(cfg.Sync.ClockDriftThreshold),
		EventLog:            events,
		Logger:              logger,
	})

	lc := cfg.ConnectionConfig()
	lc.EventLog = events
	lc.Logger = logger
	mgr, err := connection.NewManager(lc, connection.Dependencies{
		BLE:     ble,
		Pairing: bluez,
		Devices: devices,
		State:   state,
		Sync:    syncer,
	})
	if err != nil {
		return err
	}
	defer mgr.Close()

	mgr.OnSyncFailed(func(id uuid.UUID) {
		logger.Warn("device sync gave up", "device", id.String())
	})

	if opts.Interactive {
		var browser interactive.Browser
		if cfg.Discovery.Enabled {
			browser = discovery.NewMDNSBrowser(cfg.BrowserConfig())
		}
		console, err = interactive.New(interactive.Options{
			Manager:     mgr,
			Devices:     devices,
			Scanner:     ble,
			Browser:     browser,
			DefaultPort: cfg.WiFi.DefaultPort,
		})
		if err != nil {
			return err
		}
	}

	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("start connection manager: %w", err)
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	if opts.Follow != "" {
		if !cfg.Discovery.Enabled {
			return errors.New("-follow needs discovery.enabled")
		}
		browser := discovery.NewMDNSBrowser(cfg.BrowserConfig())
		defer browser.Stop()
		updates, err := browser.Browse(ctx)
		if err != nil {
			return fmt.Errorf("browse: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			discovery.FollowEndpoint(ctx, updates, opts.Follow, func(host string, port int) {
				logger.Info("companion endpoint changed", "instance", opts.Follow, "host", host, "port", port)
				if err := mgr.UpdateWiFiEndpoint(ctx, host, port); err != nil {
					logger.Warn("endpoint update failed", "error", err)
				}
			})
		}()
	}

	if err := initialConnect(ctx, mgr, devices, cfg, opts); err != nil {
		logger.Error("initial connect failed", "error", err, "class", connection.Classify(err))
	}

	switch {
	case opts.Interactive:
		console.Run(ctx, cancel)
	case opts.Monitor:
		if err := monitor.Run(ctx, monitor.Options{
			Controller: mgr,
			Devices:    devices,
			Feed:       feed,
		}); err != nil {
			return err
		}
		cancel()
	default:
		logger.Info("running, press Ctrl+C to stop")
		<-ctx.Done()
	}

	logger.Info("shutting down")
	return nil
}

func initialConnect(ctx context.Context, mgr *connection.Manager, devices *persistence.DeviceStore, cfg config.Config, opts options) error {
	switch {
	case opts.WiFi != "":
		host, port, err := interactive.ParseEndpoint(opts.WiFi, cfg.WiFi.DefaultPort)
		if err != nil {
			return err
		}
		return mgr.ConnectViaWiFi(ctx, host, port, false)
	case opts.Connect != "":
		recs, err := devices.FetchDevices()
		if err != nil {
			return err
		}
		rec, err := interactive.MatchDevice(recs, opts.Connect)
		if err != nil {
			return err
		}
		return mgr.Connect(ctx, rec.ID, connection.ConnectOptions{ForceReconnect: true})
	}
	return nil
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	handlerOpts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, handlerOpts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, handlerOpts)), nil
	default:
		return nil, fmt.Errorf("log format %q: want text or json", format)
	}
}
