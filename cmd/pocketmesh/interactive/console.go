// Package interactive provides the interactive command-line interface
// for pocketmesh.
package interactive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/google/uuid"

	"github.com/pocketmesh/pocketmesh-go/pkg/connection"
	"github.com/pocketmesh/pocketmesh-go/pkg/discovery"
	"github.com/pocketmesh/pocketmesh-go/pkg/pairing"
	"github.com/pocketmesh/pocketmesh-go/pkg/persistence"
	"github.com/pocketmesh/pocketmesh-go/pkg/transport"
)

// Manager is the part of *connection.Manager the console drives.
type Manager interface {
	Connect(ctx context.Context, id uuid.UUID, opts connection.ConnectOptions) error
	ConnectViaWiFi(ctx context.Context, host string, port int, forceFullSync bool) error
	Disconnect(ctx context.Context, reason connection.DisconnectReason)
	SwitchDevice(ctx context.Context, id uuid.UUID) error
	PairNewDevice(ctx context.Context) error
	ForgetDevice(ctx context.Context) error
	AppDidEnterBackground()
	AppDidBecomeActive()
	CheckBLEConnectionHealth(ctx context.Context)
	CheckWiFiConnectionHealth(ctx context.Context)
	CheckSyncHealth(ctx context.Context)
	Snapshot() connection.Snapshot
	ConnectedDevice() *persistence.DeviceRecord
}

// DeviceLister lists stored device records.
type DeviceLister interface {
	FetchDevices() ([]*persistence.DeviceRecord, error)
}

// Scanner discovers nearby BLE companions.
type Scanner interface {
	Discover(ctx context.Context) <-chan transport.Discovery
}

// Browser browses for TCP companions over mDNS.
type Browser interface {
	Browse(ctx context.Context) (<-chan discovery.Update, error)
}

// Options configures a Console. Scanner and Browser are optional.
type Options struct {
	Manager     Manager
	Devices     DeviceLister
	Scanner     Scanner
	Browser     Browser
	DefaultPort int

	// ScanTime bounds the scan and browse commands (default 5s).
	ScanTime time.Duration
}

// Console handles interactive mode.
type Console struct {
	opts Options
	rl   *readline.Instance
}

// New creates a console on the terminal.
func New(opts Options) (*Console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "mesh> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	if opts.ScanTime == 0 {
		opts.ScanTime = 5 * time.Second
	}
	if opts.DefaultPort == 0 {
		opts.DefaultPort = transport.DefaultTCPPort
	}
	return &Console{opts: opts, rl: rl}, nil
}

func completer() *readline.PrefixCompleter {
	return readline.NewPrefixCompleter(
		readline.PcItem("connect"),
		readline.PcItem("wifi"),
		readline.PcItem("disconnect"),
		readline.PcItem("switch"),
		readline.PcItem("pair"),
		readline.PcItem("forget"),
		readline.PcItem("devices"),
		readline.PcItem("scan"),
		readline.PcItem("browse"),
		readline.PcItem("status"),
		readline.PcItem("background"),
		readline.PcItem("foreground"),
		readline.PcItem("health"),
		readline.PcItem("help"),
		readline.PcItem("quit"),
	)
}

// Stdout returns a writer that coordinates with the readline prompt.
// Use it for log output.
func (c *Console) Stdout() io.Writer {
	return c.rl.Stdout()
}

// Stderr returns a writer that coordinates with the readline prompt.
func (c *Console) Stderr() io.Writer {
	return c.rl.Stderr()
}

// Choose is a pairing.Chooser that asks on the console. It is called
// from the pair command, while the command loop waits.
func (c *Console) Choose(_ context.Context, candidates []pairing.Device) (pairing.Device, error) {
	out := c.rl.Stdout()
	fmt.Fprintln(out, "\nCompanion radios in range:")
	for i, d := range candidates {
		fmt.Fprintf(out, "  %d) %-20s %s  %d dBm\n", i+1, d.Name, d.Address, d.RSSI)
	}

	c.rl.SetPrompt("choose (empty to cancel)> ")
	defer c.rl.SetPrompt("mesh> ")
	line, err := c.rl.Readline()
	if err != nil {
		return pairing.Device{}, pairing.ErrCancelled
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return pairing.Device{}, pairing.ErrCancelled
	}
	n, err := strconv.Atoi(line)
	if err != nil || n < 1 || n > len(candidates) {
		fmt.Fprintf(out, "Invalid choice: %s\n", line)
		return pairing.Device{}, pairing.ErrCancelled
	}
	return candidates[n-1], nil
}

// Run starts the interactive command loop.
func (c *Console) Run(ctx context.Context, cancel context.CancelFunc) {
	defer c.rl.Close()

	c.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := c.rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			fmt.Fprintln(c.rl.Stdout(), "Exiting...")
			cancel()
			return
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		parts := strings.Fields(input)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "help", "?":
			c.printHelp()
		case "connect", "c":
			c.cmdConnect(ctx, args)
		case "wifi", "w":
			c.cmdWiFi(ctx, args)
		case "disconnect", "d":
			c.opts.Manager.Disconnect(ctx, connection.ReasonUserInitiated)
			fmt.Fprintln(c.rl.Stdout(), "Disconnected")
		case "switch":
			c.cmdSwitch(ctx, args)
		case "pair":
			c.report("Paired", c.opts.Manager.PairNewDevice(ctx))
		case "forget":
			c.report("Device forgotten", c.opts.Manager.ForgetDevice(ctx))
		case "devices", "ls":
			c.cmdDevices()
		case "scan":
			c.cmdScan(ctx)
		case "browse":
			c.cmdBrowse(ctx)
		case "status", "s":
			c.cmdStatus()
		case "background", "bg":
			c.opts.Manager.AppDidEnterBackground()
			fmt.Fprintln(c.rl.Stdout(), "Timeouts paused")
		case "foreground", "fg":
			c.opts.Manager.AppDidBecomeActive()
			fmt.Fprintln(c.rl.Stdout(), "Timeouts resumed, health check started")
		case "health":
			c.cmdHealth(ctx)
		case "quit", "exit", "q":
			fmt.Fprintln(c.rl.Stdout(), "Exiting...")
			cancel()
			return
		default:
			fmt.Fprintf(c.rl.Stdout(), "Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}
}

func (c *Console) printHelp() {
	fmt.Fprintln(c.rl.Stdout(), `
pocketmesh Commands:
  Connection:
    connect <device> [full]   - Connect to a stored device (id prefix or name)
    wifi <host[:port]> [full] - Connect to a radio over TCP
    disconnect                - Disconnect and stay disconnected
    switch <device>           - Switch to another stored device
    pair                      - Scan, pick and pair a new BLE radio
    forget                    - Disconnect, unpair and delete the device

  Discovery:
    devices                   - List stored devices
    scan                      - Scan for BLE radios
    browse                    - Browse for TCP radios over mDNS

  Lifecycle:
    status                    - Show connection status
    background                - Pause operation timeouts
    foreground                - Resume timeouts and check health
    health                    - Run the health checks now

  General:
    help                      - Show this help
    quit                      - Exit

  'full' requests a full device sync after connecting.`)
}

func (c *Console) report(done string, err error) {
	if err != nil {
		fmt.Fprintf(c.rl.Stdout(), "Error: %v (%s)\n", err, connection.Classify(err))
		return
	}
	fmt.Fprintln(c.rl.Stdout(), done)
}

func (c *Console) cmdConnect(ctx context.Context, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(c.rl.Stdout(), "Usage: connect <device> [full]")
		fmt.Fprintln(c.rl.Stdout(), "  Use 'devices' to list stored devices")
		return
	}
	rec, err := c.findDevice(args[0])
	if err != nil {
		fmt.Fprintf(c.rl.Stdout(), "Error: %v\n", err)
		return
	}
	full := len(args) > 1 && args[1] == "full"
	fmt.Fprintf(c.rl.Stdout(), "Connecting to %s...\n", rec.Name)
	c.report("Connected", c.opts.Manager.Connect(ctx, rec.ID, connection.ConnectOptions{ForceFullSync: full}))
}

func (c *Console) cmdWiFi(ctx context.Context, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(c.rl.Stdout(), "Usage: wifi <host[:port]> [full]")
		return
	}
	host, port, err := ParseEndpoint(args[0], c.opts.DefaultPort)
	if err != nil {
		fmt.Fprintf(c.rl.Stdout(), "Invalid endpoint: %v\n", err)
		return
	}
	full := len(args) > 1 && args[1] == "full"
	fmt.Fprintf(c.rl.Stdout(), "Connecting to %s:%d...\n", host, port)
	c.report("Connected", c.opts.Manager.ConnectViaWiFi(ctx, host, port, full))
}

func (c *Console) cmdSwitch(ctx context.Context, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(c.rl.Stdout(), "Usage: switch <device>")
		return
	}
	rec, err := c.findDevice(args[0])
	if err != nil {
		fmt.Fprintf(c.rl.Stdout(), "Error: %v\n", err)
		return
	}
	fmt.Fprintf(c.rl.Stdout(), "Switching to %s...\n", rec.Name)
	c.report("Switched", c.opts.Manager.SwitchDevice(ctx, rec.ID))
}

func (c *Console) findDevice(arg string) (*persistence.DeviceRecord, error) {
	recs, err := c.opts.Devices.FetchDevices()
	if err != nil {
		return nil, err
	}
	return MatchDevice(recs, arg)
}

func (c *Console) cmdDevices() {
	recs, err := c.opts.Devices.FetchDevices()
	if err != nil {
		fmt.Fprintf(c.rl.Stdout(), "Error: %v\n", err)
		return
	}
	if len(recs) == 0 {
		fmt.Fprintln(c.rl.Stdout(), "No stored devices (use 'pair' or 'wifi')")
		return
	}

	current := c.opts.Manager.Snapshot().LastDeviceID
	fmt.Fprintf(c.rl.Stdout(), "\nStored Devices (%d):\n", len(recs))
	fmt.Fprintln(c.rl.Stdout(), "-------------------------------------------")
	for _, r := range recs {
		marker := " "
		if r.ID == current {
			marker = "*"
		}
		fmt.Fprintf(c.rl.Stdout(), "%s %s  %s\n", marker, r.ID.String()[:8], r.Name)
		fmt.Fprintf(c.rl.Stdout(), "      Transport: %s (%s)\n", r.Transport, endpointOf(r))
		if r.Model != "" {
			fmt.Fprintf(c.rl.Stdout(), "      Model: %s, firmware %d %s\n", r.Model, r.FirmwareVersion, r.FirmwareBuild)
		}
		if !r.LastConnected.IsZero() {
			fmt.Fprintf(c.rl.Stdout(), "      Last connected: %s\n", r.LastConnected.Format("2006-01-02 15:04:05"))
		}
	}
}

func endpointOf(r *persistence.DeviceRecord) string {
	if r.WideArea() {
		return fmt.Sprintf("%s:%d", r.Host, r.Port)
	}
	return r.BLEAddress
}

func (c *Console) cmdScan(ctx context.Context) {
	if c.opts.Scanner == nil {
		fmt.Fprintln(c.rl.Stdout(), "BLE is not available")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.ScanTime)
	defer cancel()

	fmt.Fprintf(c.rl.Stdout(), "Scanning for %s...\n", c.opts.ScanTime)
	seen := make(map[string]transport.Discovery)
	for d := range c.opts.Scanner.Discover(ctx) {
		if _, ok := seen[d.Address]; !ok {
			fmt.Fprintf(c.rl.Stdout(), "  %-20s %s  %d dBm\n", d.Name, d.Address, d.RSSI)
		}
		seen[d.Address] = d
	}
	fmt.Fprintf(c.rl.Stdout(), "%d radio(s) found\n", len(seen))
}

func (c *Console) cmdBrowse(ctx context.Context) {
	if c.opts.Browser == nil {
		fmt.Fprintln(c.rl.Stdout(), "mDNS discovery is disabled")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.ScanTime)
	defer cancel()

	updates, err := c.opts.Browser.Browse(ctx)
	if err != nil {
		fmt.Fprintf(c.rl.Stdout(), "Browse failed: %v\n", err)
		return
	}
	fmt.Fprintf(c.rl.Stdout(), "Browsing for %s...\n", c.opts.ScanTime)
	found := make(map[string]*discovery.Companion)
	for upd := range updates {
		if upd.Kind == discovery.UpdateRemoved {
			delete(found, upd.Companion.Instance)
			continue
		}
		found[upd.Companion.Instance] = upd.Companion
	}

	names := make([]string, 0, len(found))
	for name := range found {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		comp := found[name]
		fmt.Fprintf(c.rl.Stdout(), "  %-20s %s  fw %s\n", comp.Name, comp.Address(), comp.Firmware)
	}
	fmt.Fprintf(c.rl.Stdout(), "%d radio(s) found\n", len(found))
}

func (c *Console) cmdStatus() {
	fmt.Fprint(c.rl.Stdout(), FormatStatus(c.opts.Manager.Snapshot(), c.opts.Manager.ConnectedDevice()))
}

func (c *Console) cmdHealth(ctx context.Context) {
	c.opts.Manager.CheckBLEConnectionHealth(ctx)
	c.opts.Manager.CheckWiFiConnectionHealth(ctx)
	c.opts.Manager.CheckSyncHealth(ctx)
	c.cmdStatus()
}
