// Package detail renders the instance info overlay.
package detail

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/livetree/livetree/internal/dom"
	"github.com/livetree/livetree/internal/patch"
	"github.com/livetree/livetree/internal/tui/theme"
)

const panelWidth = 64

var stylePanel = lipgloss.NewStyle().
	BorderStyle(lipgloss.RoundedBorder()).
	BorderForeground(theme.ColorBorder).
	Padding(0, 1)

// Model holds the state for the detail overlay.
type Model struct {
	Inst *dom.Instance
	// ID is empty for instances the session does not track.
	ID patch.Ref
}

func New(inst *dom.Instance, id patch.Ref) Model {
	return Model{Inst: inst, ID: id}
}

// Markdown describes the instance.
func (m Model) Markdown() string {
	inst := m.Inst
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", inst.Name())
	fmt.Fprintf(&b, "- **Class**: %s\n", inst.ClassName())
	fmt.Fprintf(&b, "- **Path**: `%s`\n", inst.FullName())
	if m.ID != "" {
		fmt.Fprintf(&b, "- **ID**: `%s`\n", m.ID)
	} else {
		b.WriteString("- **ID**: *untracked*\n")
	}
	fmt.Fprintf(&b, "- **Children**: %d\n", len(inst.Children()))

	names := inst.PropertyNames()
	if len(names) == 0 {
		b.WriteString("\n*No properties*\n")
		return b.String()
	}
	b.WriteString("\n| Property | Value |\n|---|---|\n")
	for _, name := range names {
		v, _ := inst.Get(name)
		fmt.Fprintf(&b, "| %s | %s |\n", name, formatValue(v))
	}
	return b.String()
}

// View renders the detail panel. Returns an empty string if no instance is
// set.
func (m Model) View() string {
	if m.Inst == nil {
		return ""
	}
	md := m.Markdown()
	body := md
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("dark"),
		glamour.WithWordWrap(panelWidth-4),
	)
	if err == nil {
		if out, err := r.Render(md); err == nil {
			body = strings.TrimSpace(out)
		}
	}
	footer := theme.StyleDimmed.Render("[esc] close")
	return stylePanel.Width(panelWidth).Render(body + "\n\n" + footer)
}

func formatValue(v any) string {
	switch v := v.(type) {
	case *dom.Instance:
		if v == nil {
			return "nil"
		}
		return "→ " + v.FullName()
	case dom.Vector3:
		return fmt.Sprintf("(%g, %g, %g)", v.X, v.Y, v.Z)
	case dom.Color3:
		return fmt.Sprintf("rgb(%g, %g, %g)", v.R, v.G, v.B)
	case string:
		return fmt.Sprintf("%q", v)
	}
	return fmt.Sprintf("%v", v)
}
