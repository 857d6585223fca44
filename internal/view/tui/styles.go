package tui

import "github.com/charmbracelet/lipgloss"

var (
	colorSuccess = lipgloss.AdaptiveColor{Light: "#2e7d32", Dark: "#66bb6a"}
	colorError   = lipgloss.AdaptiveColor{Light: "#c62828", Dark: "#ef5350"}
	colorWarning = lipgloss.AdaptiveColor{Light: "#e65100", Dark: "#ffa726"}
	colorInfo    = lipgloss.AdaptiveColor{Light: "#0277bd", Dark: "#4fc3f7"}
	colorMuted   = lipgloss.AdaptiveColor{Light: "#757575", Dark: "#9e9e9e"}
	colorBorder  = lipgloss.AdaptiveColor{Light: "#bdbdbd", Dark: "#616161"}
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(colorInfo)
	labelStyle = lipgloss.NewStyle().Foreground(colorMuted).Width(13)
	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorBorder).
			Padding(0, 1)

	goStyle    = lipgloss.NewStyle().Bold(true).Foreground(colorSuccess)
	idleStyle  = lipgloss.NewStyle().Bold(true).Foreground(colorMuted)
	readyStyle = lipgloss.NewStyle().Foreground(colorSuccess)
	busyStyle  = lipgloss.NewStyle().Foreground(colorWarning)
	downStyle  = lipgloss.NewStyle().Foreground(colorError)
	alertStyle = lipgloss.NewStyle().Foreground(colorError)
	hintKey    = lipgloss.NewStyle().Bold(true).Foreground(colorInfo)
	dimStyle   = lipgloss.NewStyle().Foreground(colorMuted)
)
