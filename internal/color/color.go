package color

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	Success = lipgloss.AdaptiveColor{Light: "#2E7D32", Dark: "#81C784"}
	Warning = lipgloss.AdaptiveColor{Light: "#EF6C00", Dark: "#FFB74D"}
	Error   = lipgloss.AdaptiveColor{Light: "#C62828", Dark: "#E57373"}
	Info    = lipgloss.AdaptiveColor{Light: "#1565C0", Dark: "#64B5F6"}
	Muted   = lipgloss.AdaptiveColor{Light: "#757575", Dark: "#9E9E9E"}
)

var (
	SuccessStyle = lipgloss.NewStyle().Foreground(Success)
	WarningStyle = lipgloss.NewStyle().Foreground(Warning)
	ErrorStyle   = lipgloss.NewStyle().Foreground(Error).Bold(true)
	InfoStyle    = lipgloss.NewStyle().Foreground(Info)
	MutedStyle   = lipgloss.NewStyle().Foreground(Muted)
)

// Initialize tells lipgloss which background the adaptive colours are
// picked for.
func Initialize(isDarkMode bool) {
	lipgloss.SetHasDarkBackground(isDarkMode)
}

// ForState returns the style of a service state, health status or phase.
func ForState(state string) lipgloss.Style {
	switch strings.ToLower(state) {
	case "running", "healthy", "true":
		return SuccessStyle
	case "starting", "stopping", "draining", "initialized":
		return WarningStyle
	case "failed", "unhealthy", "false":
		return ErrorStyle
	case "stopped", "registered", "unknown", "":
		return MutedStyle
	default:
		return lipgloss.NewStyle()
	}
}

// State renders state in the colour of ForState.
func State(state string) string {
	return ForState(state).Render(state)
}
