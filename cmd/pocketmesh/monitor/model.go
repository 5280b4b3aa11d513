// Package monitor provides a Bubble Tea dashboard for the connection
// manager: live state, recovery flags, stored devices and recent lifecycle
// events.
package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"

	"github.com/pocketmesh/pocketmesh-go/pkg/connection"
	"github.com/pocketmesh/pocketmesh-go/pkg/persistence"
)

// Controller is the part of the connection manager the dashboard drives.
type Controller interface {
	Snapshot() connection.Snapshot
	ConnectedDevice() *persistence.DeviceRecord
	Connect(ctx context.Context, id uuid.UUID, opts connection.ConnectOptions) error
	Disconnect(ctx context.Context, reason connection.DisconnectReason)
	CheckBLEConnectionHealth(ctx context.Context)
	CheckWiFiConnectionHealth(ctx context.Context)
	CheckSyncHealth(ctx context.Context)
}

// DeviceLister lists stored devices.
type DeviceLister interface {
	FetchDevices() ([]*persistence.DeviceRecord, error)
}

// Options configures the dashboard.
type Options struct {
	Context    context.Context
	Controller Controller
	Devices    DeviceLister
	Feed       *Feed
	PollTick   time.Duration
}

type pane int

const (
	paneDevices pane = iota
	paneEvents
)

type tickMsg time.Time

type actionMsg struct {
	what string
	err  error
}

// Model is the root Bubble Tea model.
type Model struct {
	ctx      context.Context
	ctrl     Controller
	devices  DeviceLister
	feed     *Feed
	pollTick time.Duration

	keys   keyMap
	help   help.Model
	styles styles

	width  int
	height int
	ready  bool
	focus  pane

	snap     connection.Snapshot
	device   *persistence.DeviceRecord
	records  []*persistence.DeviceRecord
	selected int

	events  viewport.Model
	feedSeq uint64

	busy   bool
	status string
}

// New creates the dashboard model.
func New(opts Options) Model {
	ctx := opts.Context
	if ctx == nil {
		ctx = context.Background()
	}
	pollTick := opts.PollTick
	if pollTick == 0 {
		pollTick = 500 * time.Millisecond
	}
	feed := opts.Feed
	if feed == nil {
		feed = NewFeed(0)
	}
	return Model{
		ctx:      ctx,
		ctrl:     opts.Controller,
		devices:  opts.Devices,
		feed:     feed,
		pollTick: pollTick,
		keys:     defaultKeyMap(),
		help:     help.New(),
		styles:   newStyles(),
	}
}

// Run starts the dashboard and blocks until the user quits or ctx ends.
func Run(ctx context.Context, opts Options) error {
	opts.Context = ctx
	p := tea.NewProgram(New(opts), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

func tickCmd(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tickCmd(m.pollTick)
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		if !m.ready {
			m.events = viewport.New(m.eventsSize())
		} else {
			m.events.Width, m.events.Height = m.eventsSize()
		}
		m.ready = true
		m.refresh()
		return m, nil

	case tickMsg:
		m.refresh()
		return m, tickCmd(m.pollTick)

	case actionMsg:
		m.busy = false
		if msg.err != nil {
			m.status = fmt.Sprintf("%s: %v", msg.what, msg.err)
		} else {
			m.status = msg.what + ": done"
		}
		m.refresh()
		return m, nil
	}

	var cmd tea.Cmd
	if m.focus == paneEvents {
		m.events, cmd = m.events.Update(msg)
	}
	return m, cmd
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll
		if m.ready {
			m.events.Width, m.events.Height = m.eventsSize()
		}
		return m, nil

	case key.Matches(msg, m.keys.Tab):
		if m.focus == paneDevices {
			m.focus = paneEvents
		} else {
			m.focus = paneDevices
		}
		return m, nil
	}

	if m.focus == paneEvents {
		var cmd tea.Cmd
		m.events, cmd = m.events.Update(msg)
		return m, cmd
	}

	switch {
	case key.Matches(msg, m.keys.Up):
		if m.selected > 0 {
			m.selected--
		}
		return m, nil

	case key.Matches(msg, m.keys.Down):
		if m.selected < len(m.records)-1 {
			m.selected++
		}
		return m, nil

	case key.Matches(msg, m.keys.Connect):
		if m.selected >= len(m.records) {
			return m, nil
		}
		rec := m.records[m.selected]
		return m.run("connect "+rec.Name, func(ctx context.Context) error {
			return m.ctrl.Connect(ctx, rec.ID, connection.ConnectOptions{ForceReconnect: true})
		})

	case key.Matches(msg, m.keys.Reconnect):
		id := m.snap.LastDeviceID
		if id == uuid.Nil {
			m.status = "no device to reconnect"
			return m, nil
		}
		return m.run("reconnect", func(ctx context.Context) error {
			return m.ctrl.Connect(ctx, id, connection.ConnectOptions{ForceReconnect: true})
		})

	case key.Matches(msg, m.keys.Disconnect):
		return m.run("disconnect", func(ctx context.Context) error {
			m.ctrl.Disconnect(ctx, connection.ReasonUserInitiated)
			return nil
		})

	case key.Matches(msg, m.keys.Health):
		return m.run("health check", func(ctx context.Context) error {
			m.ctrl.CheckBLEConnectionHealth(ctx)
			m.ctrl.CheckWiFiConnectionHealth(ctx)
			m.ctrl.CheckSyncHealth(ctx)
			return nil
		})
	}
	return m, nil
}

// run executes a manager call off the UI goroutine. One action runs at a
// time.
func (m Model) run(what string, fn func(ctx context.Context) error) (tea.Model, tea.Cmd) {
	if m.busy || m.ctrl == nil {
		return m, nil
	}
	m.busy = true
	m.status = what + "..."
	ctx := m.ctx
	return m, func() tea.Msg {
		return actionMsg{what: what, err: fn(ctx)}
	}
}

// refresh pulls a fresh snapshot, the device list and new feed lines.
func (m *Model) refresh() {
	if m.ctrl != nil {
		m.snap = m.ctrl.Snapshot()
		m.device = m.ctrl.ConnectedDevice()
	}
	if m.devices != nil {
		if recs, err := m.devices.FetchDevices(); err == nil {
			m.records = recs
		}
	}
	if m.selected >= len(m.records) {
		m.selected = max(len(m.records)-1, 0)
	}

	lines, seq := m.feed.Lines()
	if seq != m.feedSeq && m.ready {
		atBottom := m.events.AtBottom() || m.feedSeq == 0
		m.events.SetContent(strings.Join(lines, "\n"))
		if atBottom {
			m.events.GotoBottom()
		}
		m.feedSeq = seq
	}
}

const (
	headerHeight = 1
	statusHeight = 9
)

func (m Model) eventsSize() (int, int) {
	w := max(m.width-4, 10)
	h := m.height - headerHeight - statusHeight - lipgloss.Height(m.help.View(m.keys)) - 4
	return w, max(h, 3)
}

// View implements tea.Model.
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	sections := []string{
		m.renderHeader(),
		m.renderTop(),
		m.renderEvents(),
		m.styles.StatusLine.Render(m.help.View(m.keys)),
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) renderHeader() string {
	phase := connection.PhaseDisconnected
	if m.snap.State != nil {
		phase = m.snap.State.Phase()
	}
	left := m.styles.Logo.Render("pocketmesh") + "  " + phaseBadge(phase)
	right := m.styles.Muted.Render(m.status)
	gap := max(m.width-lipgloss.Width(left)-lipgloss.Width(right)-2, 1)
	return m.styles.Header.Width(m.width).Render(left + strings.Repeat(" ", gap) + right)
}

func (m Model) renderTop() string {
	half := max(m.width/2-2, 20)
	status := m.styles.Pane.Width(half).Height(statusHeight - 2).Render(m.renderStatus())
	devStyle := m.styles.Pane
	if m.focus == paneDevices {
		devStyle = m.styles.PaneFocus
	}
	devices := devStyle.Width(half).Height(statusHeight - 2).Render(m.renderDevices())
	return lipgloss.JoinHorizontal(lipgloss.Top, status, devices)
}

func (m Model) renderStatus() string {
	s := m.styles
	row := func(label, value string) string {
		return s.Label.Render(label) + s.Text.Render(value)
	}
	snap := m.snap

	device := "-"
	if m.device != nil {
		device = m.device.Name
	} else if snap.LastDeviceName != "" {
		device = snap.LastDeviceName + " (last)"
	}

	var flags []string
	if snap.AutoReconnecting {
		flags = append(flags, "auto-reconnect")
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
		flags = append(flags, "sync-pending")
	}

	tasks := "-"
	if len(snap.Tasks) > 0 {
		tasks = strings.Join(snap.Tasks, ", ")
	}
	last := "-"
	if snap.LastDisconnect != "" {
		last = fmt.Sprintf("%s at %s", snap.LastDisconnect, snap.LastDisconnectAt.Format("15:04:05"))
	}

	lines := []string{
		s.PaneTitle.Render("Connection"),
		row("Device", device),
		row("Transport", snap.Transport.String()),
		row("Intent", snap.Intent.String()),
		s.Label.Render("Breaker") + breakerStyle(s, snap.Breaker).Render(snap.Breaker.String()),
		row("Tasks", tasks),
		row("Flags", strings.Join(flags, " ")),
		row("Last drop", last),
	}
	return strings.Join(lines, "\n")
}

func (m Model) renderDevices() string {
	s := m.styles
	lines := []string{s.PaneTitle.Render("Devices")}
	if len(m.records) == 0 {
		lines = append(lines, s.Muted.Render("no paired devices"))
		return strings.Join(lines, "\n")
	}
	for i, rec := range m.records {
		line := fmt.Sprintf("%-20s %s", truncate(rec.Name, 20), rec.Transport)
		if m.device != nil && rec.ID == m.device.ID {
			line += " *"
		}
		if i == m.selected && m.focus == paneDevices {
			line = s.Selected.Render(line)
		} else {
			line = s.Text.Render(line)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func (m Model) renderEvents() string {
	style := m.styles.Pane
	if m.focus == paneEvents {
		style = m.styles.PaneFocus
	}
	title := m.styles.PaneTitle.Render("Events")
	return style.Width(m.width - 2).Render(title + "\n" + m.events.View())
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
