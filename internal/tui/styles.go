package tui

import "github.com/charmbracelet/lipgloss"

// Color palette - dark theme inspired by Catppuccin Mocha
var (
	colorBase     = lipgloss.Color("#1e1e2e")
	colorSurface0 = lipgloss.Color("#313244")
	colorOverlay0 = lipgloss.Color("#6c7086")
	colorText     = lipgloss.Color("#cdd6f4")
	colorSubtext0 = lipgloss.Color("#a6adc8")

	colorRed      = lipgloss.Color("#f38ba8")
	colorGreen    = lipgloss.Color("#a6e3a1")
	colorYellow   = lipgloss.Color("#f9e2af")
	colorBlue     = lipgloss.Color("#89b4fa")
	colorMauve    = lipgloss.Color("#cba6f7")
	colorTeal     = lipgloss.Color("#94e2d5")
	colorLavender = lipgloss.Color("#b4befe")
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorBase).
			Background(colorBlue).
			Padding(0, 2)

	statusBarStyle = lipgloss.NewStyle().
			Foreground(colorSubtext0).
			Background(colorSurface0).
			Padding(0, 1)

	agentLabelStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorMauve)

	userLabelStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorTeal)

	proseStyle = lipgloss.NewStyle().
			Foreground(colorText)

	actionStyle = lipgloss.NewStyle().
			Foreground(colorYellow)

	infoStyle = lipgloss.NewStyle().
			Foreground(colorRed).
			Italic(true)

	relayStyle = lipgloss.NewStyle().
			Foreground(colorLavender)

	dimStyle = lipgloss.NewStyle().
			Foreground(colorOverlay0)

	taskOpenStyle = lipgloss.NewStyle().
			Foreground(colorSubtext0)

	taskDoneStyle = lipgloss.NewStyle().
			Foreground(colorGreen).
			Strikethrough(true)
)

// statusDot renders a colored indicator for an agent lifecycle state.
func statusDot(status string) string {
	style := lipgloss.NewStyle().Bold(true)
	switch status {
	case "running":
		return style.Foreground(colorYellow).Render("●")
	case "waiting":
		return style.Foreground(colorGreen).Render("●")
	case "error":
		return style.Foreground(colorRed).Render("●")
	case "stopped":
		return style.Foreground(colorOverlay0).Render("○")
	default: // idle
		return style.Foreground(colorOverlay0).Render("●")
	}
}
