package color

import (
	"fmt"
	"strings"

	"kernelbridge/internal/wire"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
)

var (
	ColorPrimary = lipgloss.AdaptiveColor{Light: "#5A56E0", Dark: "#7571F9"}
	ColorSuccess = lipgloss.AdaptiveColor{Light: "#059669", Dark: "#10B981"}
	ColorError   = lipgloss.AdaptiveColor{Light: "#DC2626", Dark: "#EF4444"}
	ColorWarning = lipgloss.AdaptiveColor{Light: "#D97706", Dark: "#F59E0B"}
	ColorInfo    = lipgloss.AdaptiveColor{Light: "#2563EB", Dark: "#3B82F6"}
	ColorMuted   = lipgloss.AdaptiveColor{Light: "#6B7280", Dark: "#9CA3AF"}
)

var (
	HeaderStyle  = lipgloss.NewStyle().Bold(true).Foreground(ColorPrimary)
	SuccessStyle = lipgloss.NewStyle().Foreground(ColorSuccess)
	ErrorStyle   = lipgloss.NewStyle().Foreground(ColorError).Bold(true)
	WarningStyle = lipgloss.NewStyle().Foreground(ColorWarning)
	InfoStyle    = lipgloss.NewStyle().Foreground(ColorInfo)
	MutedStyle   = lipgloss.NewStyle().Foreground(ColorMuted)
)

// Icons used in state lines.
const (
	IconCheck     = "✔"
	IconCross     = "✖"
	IconWarning   = "⚠"
	IconHourglass = "⏳"
	IconDot       = "•"
)

// Initialize forces the dark or light variant of every adaptive color.
func Initialize(isDarkMode bool) {
	lipgloss.SetHasDarkBackground(isDarkMode)
}

// StateStyle returns the style for a connection state.
func StateStyle(state wire.State) lipgloss.Style {
	switch state {
	case wire.Connected:
		return SuccessStyle
	case wire.Binding:
		return InfoStyle
	case wire.Unresponsive:
		return WarningStyle
	default:
		return MutedStyle
	}
}

// StateIcon returns the icon for a connection state.
func StateIcon(state wire.State) string {
	switch state {
	case wire.Connected:
		return IconCheck
	case wire.Binding:
		return IconHourglass
	case wire.Unresponsive:
		return IconWarning
	case wire.Closed:
		return IconCross
	default:
		return IconDot
	}
}

// RenderState renders a styled "icon State" label.
func RenderState(state wire.State) string {
	return StateStyle(state).Render(IconText(StateIcon(state), state.String()))
}

// SafeIcon appends enough spaces after icon that one stays visible even when
// the terminal draws the icon two cells wide.
func SafeIcon(icon string) string {
	spaces := 1
	if runewidth.StringWidth(icon) >= 2 {
		spaces = 2
	}
	return icon + strings.Repeat(" ", spaces)
}

// IconText formats an icon followed by text.
func IconText(icon, text string) string {
	return fmt.Sprintf("%s%s", SafeIcon(icon), text)
}

// Truncate shortens s to at most width cells, ending with "…" when cut.
func Truncate(s string, width int) string {
	if width <= 0 {
		return ""
	}
	return runewidth.Truncate(s, width, "…")
}

// Table renders rows as left aligned columns separated by two spaces. Cells
// longer than maxWidth cells are truncated; maxWidth <= 0 disables that.
func Table(headers []string, rows [][]string, maxWidth int) string {
	widths := make([]int, len(headers))
	fit := func(cell string) string {
		if maxWidth > 0 {
			return Truncate(cell, maxWidth)
		}
		return cell
	}
	for i, h := range headers {
		widths[i] = runewidth.StringWidth(h)
	}
	for _, row := range rows {
		for i := 0; i < len(row) && i < len(widths); i++ {
			widths[i] = max(widths[i], runewidth.StringWidth(fit(row[i])))
		}
	}

	var b strings.Builder
	writeRow := func(cells []string, style *lipgloss.Style) {
		for i := range widths {
			cell := ""
			if i < len(cells) {
				cell = fit(cells[i])
			}
			if i < len(widths)-1 {
				cell = runewidth.FillRight(cell, widths[i]) + "  "
			}
			if style != nil {
				cell = style.Render(cell)
			}
			b.WriteString(cell)
		}
		b.WriteString("\n")
	}
	writeRow(headers, &HeaderStyle)
	for _, row := range rows {
		writeRow(row, nil)
	}
	return b.String()
}
