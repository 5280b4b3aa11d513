package monitor

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/pocketmesh/pocketmesh-go/pkg/connection"
)

// Colors follow the Dracula palette.
const (
	colorSurface = "#282a36"
	colorText    = "#f8f8f2"
	colorMuted   = "#6272a4"
	colorAccent  = "#bd93f9"
	colorSuccess = "#50fa7b"
	colorWarning = "#f1fa8c"
	colorDanger  = "#ff5555"
	colorInfo    = "#8be9fd"
)

type styles struct {
	Header     lipgloss.Style
	Logo       lipgloss.Style
	Label      lipgloss.Style
	Text       lipgloss.Style
	Muted      lipgloss.Style
	Danger     lipgloss.Style
	Warning    lipgloss.Style
	Selected   lipgloss.Style
	Pane       lipgloss.Style
	PaneFocus  lipgloss.Style
	PaneTitle  lipgloss.Style
	StatusLine lipgloss.Style
}

func newStyles() styles {
	pane := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color(colorMuted)).
		Padding(0, 1)
	return styles{
		Header: lipgloss.NewStyle().
			Background(lipgloss.Color(colorSurface)).
			Foreground(lipgloss.Color(colorText)).
			Padding(0, 1),
		Logo: lipgloss.NewStyle().
			Foreground(lipgloss.Color(colorAccent)).
			Bold(true),
		Label: lipgloss.NewStyle().
			Foreground(lipgloss.Color(colorMuted)).
			Width(12),
		Text:    lipgloss.NewStyle().Foreground(lipgloss.Color(colorText)),
		Muted:   lipgloss.NewStyle().Foreground(lipgloss.Color(colorMuted)),
		Danger:  lipgloss.NewStyle().Foreground(lipgloss.Color(colorDanger)).Bold(true),
		Warning: lipgloss.NewStyle().Foreground(lipgloss.Color(colorWarning)),
		Selected: lipgloss.NewStyle().
			Background(lipgloss.Color(colorAccent)).
			Foreground(lipgloss.Color(colorSurface)),
		Pane:      pane,
		PaneFocus: pane.BorderForeground(lipgloss.Color(colorAccent)),
		PaneTitle: lipgloss.NewStyle().
			Foreground(lipgloss.Color(colorInfo)).
			Bold(true),
		StatusLine: lipgloss.NewStyle().
			Foreground(lipgloss.Color(colorMuted)).
			Padding(0, 1),
	}
}

// phaseBadge renders the connection phase in its color.
func phaseBadge(p connection.Phase) string {
	color := colorMuted
	switch p {
	case connection.PhaseReady:
		color = colorSuccess
	case connection.PhaseConnected:
		color = colorInfo
	case connection.PhaseConnecting:
		color = colorWarning
	}
	return lipgloss.NewStyle().
		Background(lipgloss.Color(color)).
		Foreground(lipgloss.Color(colorSurface)).
		Bold(true).
		Padding(0, 1).
		Render(p.String())
}

func breakerStyle(s styles, b connection.BreakerState) lipgloss.Style {
	switch b {
	case connection.BreakerOpen:
		return s.Danger
	case connection.BreakerClosed:
		return s.Text
	default:
		return s.Warning
	}
}
