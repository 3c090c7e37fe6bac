package tui

import "github.com/charmbracelet/lipgloss"

// Connection colors.
var (
	ColorConnected    = lipgloss.Color("#22c55e")
	ColorConnecting   = lipgloss.Color("#fbbf24")
	ColorDisconnected = lipgloss.Color("#ef4444")
)

// Intensity gauge bands.
var (
	ColorIntensityLow  = lipgloss.Color("#22c55e")
	ColorIntensityMid  = lipgloss.Color("#d97706")
	ColorIntensityHigh = lipgloss.Color("#dc2626")
)

// UI chrome colors.
var (
	ColorBorder = lipgloss.Color("#4b5563")
	ColorDimmed = lipgloss.Color("#6b7280")
	ColorBright = lipgloss.Color("#f9fafb")
	ColorAccent = lipgloss.Color("#3b82f6")
	ColorDanger = lipgloss.Color("#dc2626")
)

var (
	StyleTitle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorBright)

	StyleDimmed = lipgloss.NewStyle().
			Foreground(ColorDimmed)

	StyleLabel = lipgloss.NewStyle().
			Foreground(ColorDimmed).
			Width(12)

	StyleValue = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorBright)

	StyleError = lipgloss.NewStyle().
			Foreground(ColorDanger)

	StylePanel = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(ColorBorder).
			Padding(0, 1)
)
