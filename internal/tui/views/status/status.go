package status

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/harmonica"
	"github.com/charmbracelet/lipgloss"

	"github.com/livetree/livetree/internal/tui/theme"
)

const (
	// FPS is the rate Tick is expected to be called at.
	FPS        = 20
	pulseWidth = 8
)

// Model holds the status bar state.
type Model struct {
	Status    string
	Err       string
	ServerURL string
	TwoWay    bool
	Instances int
	Width     int

	spring harmonica.Spring
	pos    float64
	vel    float64
	target float64
}

func New() Model {
	return Model{
		Status: "not started",
		spring: harmonica.NewSpring(harmonica.FPS(FPS), 6.0, 0.5),
		target: 1,
	}
}

// Tick advances the connecting pulse by one frame. The marker springs
// between the two ends of the track.
func (m *Model) Tick() {
	if m.Status != "connecting" {
		m.pos, m.vel, m.target = 0, 0, 1
		return
	}
	m.pos, m.vel = m.spring.Update(m.pos, m.vel, m.target)
	if abs(m.target-m.pos) < 0.05 {
		m.target = 1 - m.target
	}
}

func (m Model) pulse() string {
	cell := int(m.pos*float64(pulseWidth-1) + 0.5)
	cell = min(max(cell, 0), pulseWidth-1)
	track := []rune(strings.Repeat("·", pulseWidth))
	track[cell] = '●'
	return lipgloss.NewStyle().Foreground(theme.ColorConnecting).Render(string(track))
}

// View renders the status bar.
func (m Model) View() string {
	width := max(m.Width, 40)

	color := theme.StatusColor(m.Status)
	statusStr := lipgloss.NewStyle().Foreground(color).Render(theme.StatusGlyph(m.Status) + " " + m.Status)
	if m.Status == "connecting" {
		statusStr += " " + m.pulse()
	}

	sync := "one-way"
	if m.TwoWay {
		sync = "two-way"
	}
	parts := []string{
		statusStr,
		fmt.Sprintf("%d instances", m.Instances),
		sync,
	}
	if m.ServerURL != "" {
		parts = append(parts, theme.StyleDimmed.Render(m.ServerURL))
	}
	if m.Err != "" {
		parts = append(parts, lipgloss.NewStyle().Foreground(theme.ColorDanger).Render(m.Err))
	}

	sep := lipgloss.NewStyle().Foreground(theme.ColorBorder).Render(" | ")
	return lipgloss.NewStyle().
		Width(width).
		Padding(0, 1).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(theme.ColorBorder).
		Render(strings.Join(parts, sep))
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
