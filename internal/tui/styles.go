package tui

import (
	"github.com/charmbracelet/lipgloss"
)

// Color palette
var (
	PrimaryColor   = lipgloss.Color("#7D56F4") // Purple
	SecondaryColor = lipgloss.Color("#43BF6D") // Green
	WarningColor   = lipgloss.Color("#FFA500") // Orange
	ErrorColor     = lipgloss.Color("#FF5555") // Red

	TextColor      = lipgloss.Color("#FFFFFF") // White
	SubtleColor    = lipgloss.Color("#626262") // Gray
	HighlightColor = lipgloss.Color("#43BF6D") // Green
)

// Shared styles
var (
	// TitleStyle is for the dashboard header
	TitleStyle = lipgloss.NewStyle().
			Foreground(PrimaryColor).
			Bold(true)

	// SubtitleStyle is for the hub summary line under the title
	SubtitleStyle = lipgloss.NewStyle().
			Foreground(SubtleColor)

	// HeaderRowStyle is for the device table column headers
	HeaderRowStyle = lipgloss.NewStyle().
			Foreground(SubtleColor).
			Bold(true)

	// SelectedRowStyle is for the focused device row
	SelectedRowStyle = lipgloss.NewStyle().
				Foreground(HighlightColor).
				Bold(true)

	// RowStyle is for unfocused device rows
	RowStyle = lipgloss.NewStyle().
			Foreground(TextColor)

	// StatusOKStyle is for successful command feedback
	StatusOKStyle = lipgloss.NewStyle().
			Foreground(SecondaryColor)

	// StatusErrStyle is for failed command feedback
	StatusErrStyle = lipgloss.NewStyle().
			Foreground(ErrorColor)

	// SpinnerStyle is for the scanning spinner
	SpinnerStyle = lipgloss.NewStyle().
			Foreground(PrimaryColor)
)
