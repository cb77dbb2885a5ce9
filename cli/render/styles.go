package render

import "github.com/charmbracelet/lipgloss"

// Color palette.
var (
	successColor = lipgloss.Color("#10B981") // Green
	warningColor = lipgloss.Color("#F59E0B") // Amber
	errorColor   = lipgloss.Color("#EF4444") // Red
	mutedColor   = lipgloss.Color("#6B7280") // Gray
)

// Styles for table cells.
var (
	// SuccessStyle for acknowledged and completed transfers.
	SuccessStyle = lipgloss.NewStyle().Foreground(successColor).Bold(true)

	// WarningStyle for transfers still in flight.
	WarningStyle = lipgloss.NewStyle().Foreground(warningColor)

	// ErrorStyle for abandoned or failed transfers.
	ErrorStyle = lipgloss.NewStyle().Foreground(errorColor).Bold(true)

	// MutedStyle for skipped entries.
	MutedStyle = lipgloss.NewStyle().Foreground(mutedColor)
)

// OutcomeStyle returns a style based on an outcome or phase string.
func OutcomeStyle(outcome string) lipgloss.Style {
	switch outcome {
	case "acknowledged", "completed", "succeeded":
		return SuccessStyle
	case "metadata_sent", "chunks_sent", "awaiting_ack", "retrying", "in_flight":
		return WarningStyle
	case "abandoned", "failed", "error":
		return ErrorStyle
	case "skipped", "idle":
		return MutedStyle
	default:
		return lipgloss.NewStyle()
	}
}
