// Package tree renders the live instance tree as an indented, selectable
// list.
package tree

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/livetree/livetree/internal/dom"
	"github.com/livetree/livetree/internal/tui/theme"
)

// Row is one visible instance.
type Row struct {
	Inst  *dom.Instance
	Depth int
}

// Model holds the flattened tree and the selection.
type Model struct {
	Rows     []Row
	Selected int
	Width    int
}

func New() Model {
	return Model{}
}

// Refresh rebuilds the rows from root, keeping the selected instance
// selected when it is still in the tree.
func (m *Model) Refresh(root *dom.Instance) {
	current := m.SelectedInstance()
	m.Rows = m.Rows[:0]
	var walk func(inst *dom.Instance, depth int)
	walk = func(inst *dom.Instance, depth int) {
		m.Rows = append(m.Rows, Row{Inst: inst, Depth: depth})
		for _, child := range inst.Children() {
			walk(child, depth+1)
		}
	}
	walk(root, 0)

	for i, row := range m.Rows {
		if row.Inst == current {
			m.Selected = i
			return
		}
	}
	m.Selected = min(m.Selected, len(m.Rows)-1)
}

func (m *Model) Up() {
	if len(m.Rows) > 0 {
		m.Selected = (m.Selected - 1 + len(m.Rows)) % len(m.Rows)
	}
}

func (m *Model) Down() {
	if len(m.Rows) > 0 {
		m.Selected = (m.Selected + 1) % len(m.Rows)
	}
}

// SelectedInstance returns nil when the tree is empty.
func (m Model) SelectedInstance() *dom.Instance {
	if m.Selected < 0 || m.Selected >= len(m.Rows) {
		return nil
	}
	return m.Rows[m.Selected].Inst
}

// View renders at most height rows, scrolled so the selection is visible.
func (m Model) View(height int) string {
	if len(m.Rows) == 0 {
		return theme.StyleDimmed.Render("  Empty tree")
	}
	height = max(height, 1)
	start := 0
	if m.Selected >= height {
		start = m.Selected - height + 1
	}
	end := min(start+height, len(m.Rows))

	lines := make([]string, 0, end-start)
	for i := start; i < end; i++ {
		row := m.Rows[i]
		prefix := "  "
		name := row.Inst.Name()
		if i == m.Selected {
			prefix = "> "
			name = theme.StyleSelected.Render(name)
		}
		class := row.Inst.ClassName()
		glyph := lipgloss.NewStyle().Foreground(theme.ClassColor(class)).Render(theme.ClassGlyph(class))
		lines = append(lines, prefix+strings.Repeat("  ", row.Depth)+glyph+" "+name+" "+
			theme.StyleDimmed.Render(class))
	}
	return strings.Join(lines, "\n")
}
