// Package theme provides the Lip Gloss color palette and reusable styles
// for the watch TUI. It is a leaf package with no internal imports to avoid
// import cycles.
package theme

import "github.com/charmbracelet/lipgloss"

// Status colors.
var (
	ColorNotStarted   = lipgloss.Color("#4b5563")
	ColorConnecting   = lipgloss.Color("#d97706")
	ColorConnected    = lipgloss.Color("#22c55e")
	ColorDisconnected = lipgloss.Color("#dc2626")
)

// Class colors.
var (
	ColorService = lipgloss.Color("#a855f7")
	ColorScript  = lipgloss.Color("#3b82f6")
	ColorPart    = lipgloss.Color("#06b6d4")
	ColorFolder  = lipgloss.Color("#d97706")
	ColorDefault = lipgloss.Color("#9ca3af")
)

// UI chrome colors.
var (
	ColorBorder  = lipgloss.Color("#4b5563")
	ColorDimmed  = lipgloss.Color("#6b7280")
	ColorBright  = lipgloss.Color("#f9fafb")
	ColorBg      = lipgloss.Color("#111827")
	ColorInfo    = lipgloss.Color("#2563eb")
	ColorEdit    = lipgloss.Color("#7c3aed")
	ColorWarning = lipgloss.Color("#d97706")
	ColorDanger  = lipgloss.Color("#dc2626")
)

// StatusColor returns the color for a session status name.
func StatusColor(status string) lipgloss.Color {
	switch status {
	case "not started":
		return ColorNotStarted
	case "connecting":
		return ColorConnecting
	case "connected":
		return ColorConnected
	case "disconnected":
		return ColorDisconnected
	default:
		return ColorDefault
	}
}

// StatusGlyph returns a Unicode glyph for a session status name.
func StatusGlyph(status string) string {
	switch status {
	case "connecting":
		return "◌"
	case "connected":
		return "●"
	case "disconnected":
		return "✗"
	default:
		return "○"
	}
}

// ClassColor returns the Lip Gloss color for an instance class.
func ClassColor(className string) lipgloss.Color {
	switch className {
	case "DataModel", "Workspace", "Lighting", "ServerScriptService",
		"ServerStorage", "ReplicatedStorage", "StarterPlayer":
		return ColorService
	case "Script", "LocalScript", "ModuleScript":
		return ColorScript
	case "Part", "MeshPart", "Model":
		return ColorPart
	case "Folder":
		return ColorFolder
	default:
		return ColorDefault
	}
}

// ClassGlyph returns a short glyph for an instance class.
func ClassGlyph(className string) string {
	switch className {
	case "Script", "LocalScript", "ModuleScript":
		return "≡"
	case "Folder":
		return "▸"
	case "Part", "MeshPart":
		return "■"
	case "Model":
		return "◆"
	default:
		return "·"
	}
}

// Reusable styles.
var (
	StyleBorder = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(ColorBorder)

	StyleHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorBright)

	StyleDimmed = lipgloss.NewStyle().
			Foreground(ColorDimmed)

	StyleSelected = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorBright)
)
