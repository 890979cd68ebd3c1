// Package tui provides the Bubble Tea TUI for Ralph.
package tui

import (
	"github.com/charmbracelet/lipgloss"
)

// Monokai Pro palette, dimmed variants for secondary elements.
var (
	colorForeground = lipgloss.Color("#fcfcfa")
	colorCyan       = lipgloss.Color("#78dce8")
	colorGreen      = lipgloss.Color("#a9dc76")
	colorYellow     = lipgloss.Color("#ffd866")
	colorRed        = lipgloss.Color("#ff6188")
	colorGray       = lipgloss.Color("#727072")
	colorDimGray    = lipgloss.Color("#5b595c")
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(colorForeground).
			Bold(true)

	headerInfoStyle = lipgloss.NewStyle().
			Foreground(colorGray)

	taskListStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(colorDimGray).
			Padding(0, 1).
			Width(30)

	outputStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(colorDimGray).
			Padding(0, 1)

	emptyStateStyle = lipgloss.NewStyle().
			Foreground(colorDimGray).
			Italic(true)

	helpStyle = lipgloss.NewStyle().
			Foreground(colorGray)

	statusPendingStyle = lipgloss.NewStyle().
				Foreground(colorGray)

	statusWorkingStyle = lipgloss.NewStyle().
				Foreground(colorYellow)

	statusPassStyle = lipgloss.NewStyle().
			Foreground(colorGreen)

	statusFailStyle = lipgloss.NewStyle().
			Foreground(colorRed)

	advisoryStyle = lipgloss.NewStyle().
			Foreground(colorCyan)
)
