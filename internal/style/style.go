// Package style provides consistent terminal styling using Lipgloss.
package style

import "github.com/charmbracelet/lipgloss"

// Shared styles for CLI output.
var (
	Bold = lipgloss.NewStyle().Bold(true)
	Dim  = lipgloss.NewStyle().Faint(true)

	Running = lipgloss.NewStyle().Foreground(lipgloss.Color("10")) // green
	Idle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11")) // yellow
	Stopped = lipgloss.NewStyle().Faint(true)

	ErrorText = lipgloss.NewStyle().Foreground(lipgloss.Color("9")) // red
)

// Status renders a session status with its color.
func Status(status string) string {
	switch status {
	case "running":
		return Running.Render(status)
	case "idle":
		return Idle.Render(status)
	case "stopped":
		return Stopped.Render(status)
	}
	return status
}
