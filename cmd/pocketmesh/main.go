// Command pocketmesh keeps a connection to a MeshCore companion radio over
// BLE or TCP and recovers it when it drops.
//
// Usage:
//
//	pocketmesh [flags]
//
// Flags:
//
//	-config string      Configuration file (YAML or TOML)
//	-state-dir string   Override the state directory
//	-log-level string   Log level: debug, info, warn, error
//	-log-format string  Log format: text, json
//	-interactive        Start the interactive console
//	-monitor            Start the dashboard
//	-connect string     Connect to a stored device (id, id prefix or name)
//	-wifi string        Connect to a companion at host[:port]
//	-follow string      Follow an mDNS instance and move the WiFi endpoint
//	-reset              Clear the persisted lifecycle state before starting
//
// Examples:
//
//	# Resume the previous connection and open the console
//	pocketmesh -interactive
//
//	# Connect to a WiFi companion and watch it in the dashboard
//	pocketmesh -wifi 192.168.1.40 -monitor
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pocketmesh/pocketmesh-go/internal/config"
)

func main() {
	os.Exit(run())
}

func run() int {
	var opts options
	flag.StringVar(&opts.ConfigPath, "config", config.DefaultPath, "Configuration file (YAML or TOML)")
	flag.StringVar(&opts.StateDir, "state-dir", "", "Override the state directory")
	flag.StringVar(&opts.LogLevel, "log-level", "", "Log level: debug, info, warn, error")
	flag.StringVar(&opts.LogFormat, "log-format", "", "Log format: text, json")
	flag.BoolVar(&opts.Interactive, "interactive", false, "Start the interactive console")
	flag.BoolVar(&opts.Monitor, "monitor", false, "Start the dashboard")
	flag.StringVar(&opts.Connect, "connect", "", "Connect to a stored device (id, id prefix or name)")
	flag.StringVar(&opts.WiFi, "wifi", "", "Connect to a companion at host[:port]")
	flag.StringVar(&opts.Follow, "follow", "", "Follow an mDNS instance and move the WiFi endpoint")
	flag.BoolVar(&opts.Reset, "reset", false, "Clear the persisted lifecycle state before starting")
	flag.Parse()

	if opts.Interactive && opts.Monitor {
		fmt.Fprintln(os.Stderr, "pocketmesh: -interactive and -monitor are exclusive")
		return 2
	}
	if opts.Connect != "" && opts.WiFi != "" {
		fmt.Fprintln(os.Stderr, "pocketmesh: -connect and -wifi are exclusive")
		return 2
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := runApp(ctx, cancel, opts); err != nil {
		fmt.Fprintf(os.Stderr, "pocketmesh: %v\n", err)
		return 1
	}
	return 0
}
