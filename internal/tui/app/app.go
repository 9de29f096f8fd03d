package app

import (
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/golang/glog"

	"github.com/livetree/livetree/internal/dom"
	"github.com/livetree/livetree/internal/patch"
	"github.com/livetree/livetree/internal/session"
	"github.com/livetree/livetree/internal/tui/theme"
	"github.com/livetree/livetree/internal/tui/views/debug"
	"github.com/livetree/livetree/internal/tui/views/detail"
	"github.com/livetree/livetree/internal/tui/views/status"
	"github.com/livetree/livetree/internal/tui/views/tree"
)

// Overlay identifies which modal is active.
type Overlay int

const (
	OverlayNone Overlay = iota
	OverlayDetail
	OverlayDebug
)

// StatusMsg carries a session status change into the program.
type StatusMsg struct {
	Status session.Status
	Err    error
}

type tickMsg time.Time

const feedSize = 64

// Feed hands session status changes to the program. OnStatus never blocks,
// so it is safe to use as a session status observer.
type Feed struct {
	ch chan tea.Msg
}

func NewFeed() *Feed {
	return &Feed{ch: make(chan tea.Msg, feedSize)}
}

// OnStatus matches session.StatusFunc.
func (f *Feed) OnStatus(s session.Status, err error) {
	select {
	case f.ch <- StatusMsg{Status: s, Err: err}:
	default:
		glog.Warningf("tui feed full, dropping status %s", s)
	}
}

// Next waits for the next message.
func (f *Feed) Next() tea.Cmd {
	return func() tea.Msg {
		return <-f.ch
	}
}

type Options struct {
	Root   *dom.Instance
	Editor *dom.ScriptEditor
	// Lookup resolves the authority ID of a live instance.
	Lookup    func(*dom.Instance) (patch.Ref, bool)
	Feed      *Feed
	ServerURL string
	TwoWay    bool
}

// Model is the root Bubble Tea model.
type Model struct {
	root   *dom.Instance
	editor *dom.ScriptEditor
	lookup func(*dom.Instance) (patch.Ref, bool)
	feed   *Feed

	keys   KeyMap
	width  int
	height int

	overlay Overlay

	statusBar status.Model
	tree      tree.Model
	debug     debug.Model
	detail    detail.Model
}

func New(opts Options) Model {
	m := Model{
		root:      opts.Root,
		editor:    opts.Editor,
		lookup:    opts.Lookup,
		feed:      opts.Feed,
		keys:      DefaultKeyMap(),
		statusBar: status.New(),
		tree:      tree.New(),
		debug:     debug.New(),
	}
	if m.lookup == nil {
		m.lookup = func(*dom.Instance) (patch.Ref, bool) { return "", false }
	}
	m.statusBar.ServerURL = opts.ServerURL
	m.statusBar.TwoWay = opts.TwoWay
	m.refresh()
	return m
}

func tick() tea.Cmd {
	return tea.Tick(time.Second/status.FPS, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Init starts the refresh ticker and listens for status changes.
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{tick()}
	if m.feed != nil {
		cmds = append(cmds, m.feed.Next())
	}
	return tea.Batch(cmds...)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.statusBar.Width = msg.Width
		m.tree.Width = msg.Width
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case tickMsg:
		m.statusBar.Tick()
		m.refresh()
		return m, tick()

	case StatusMsg:
		m.statusBar.Status = msg.Status.String()
		m.statusBar.Err = ""
		if msg.Err != nil {
			m.statusBar.Err = msg.Err.Error()
			m.debug.Addf(debug.KindError, "%s: %v", msg.Status, msg.Err)
		} else {
			m.debug.Addf(debug.KindSession, "%s", msg.Status)
		}
		var next tea.Cmd
		if m.feed != nil {
			next = m.feed.Next()
		}
		return m, next
	}

	return m, nil
}

func (m *Model) refresh() {
	m.tree.Refresh(m.root)
	m.statusBar.Instances = len(m.tree.Rows)
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Matches(msg, m.keys.Quit) {
		return m, tea.Quit
	}

	switch m.overlay {
	case OverlayDebug:
		switch {
		case key.Matches(msg, m.keys.Escape), key.Matches(msg, m.keys.Debug):
			m.overlay = OverlayNone
		case key.Matches(msg, m.keys.Up):
			m.debug.ScrollUp(1)
		case key.Matches(msg, m.keys.Down):
			m.debug.ScrollDown(1)
		}
		return m, nil
	case OverlayDetail:
		if key.Matches(msg, m.keys.Escape) || key.Matches(msg, m.keys.Enter) {
			m.overlay = OverlayNone
		}
		return m, nil
	}

	inst := m.tree.SelectedInstance()
	switch {
	case key.Matches(msg, m.keys.Down):
		m.tree.Down()

	case key.Matches(msg, m.keys.Up):
		m.tree.Up()

	case key.Matches(msg, m.keys.Debug):
		m.overlay = OverlayDebug

	case key.Matches(msg, m.keys.Enter):
		if inst != nil {
			id, _ := m.lookup(inst)
			m.detail = detail.New(inst, id)
			m.overlay = OverlayDetail
		}

	case key.Matches(msg, m.keys.Rename):
		m.rename(inst)

	case key.Matches(msg, m.keys.Detach):
		m.detach(inst)

	case key.Matches(msg, m.keys.Open):
		m.open(inst)
	}
	return m, nil
}

func (m *Model) rename(inst *dom.Instance) {
	if inst == nil || inst == m.root {
		m.debug.Add(debug.KindError, "the root cannot be renamed")
		return
	}
	old := inst.Name()
	inst.SetName(old + "_")
	m.debug.Addf(debug.KindEdit, "renamed %s to %s", old, inst.Name())
	m.refresh()
}

func (m *Model) detach(inst *dom.Instance) {
	if inst == nil || inst == m.root {
		m.debug.Add(debug.KindError, "the root cannot be detached")
		return
	}
	name := inst.FullName()
	if err := inst.SetParent(nil); err != nil {
		m.debug.Addf(debug.KindError, "detach %s: %v", name, err)
		return
	}
	m.debug.Addf(debug.KindEdit, "detached %s", name)
	m.refresh()
}

func (m *Model) open(inst *dom.Instance) {
	switch {
	case inst == nil || !inst.IsScript():
		m.debug.Add(debug.KindError, "only scripts can be opened")
	case m.editor == nil:
		m.debug.Add(debug.KindError, "no script editor")
	default:
		m.editor.OpenScript(inst)
		m.debug.Addf(debug.KindEdit, "opened %s", inst.FullName())
	}
}

// View renders the full TUI.
func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	help := theme.StyleDimmed.Render("  j/k:navigate  enter:detail  r:rename  x:detach  o:open  d:events  q:quit")
	var body string
	switch m.overlay {
	case OverlayDebug:
		body = m.debug.View(m.width, m.height-4)
	case OverlayDetail:
		body = m.detail.View()
	default:
		body = m.tree.View(m.height - 5)
	}

	sections := []string{m.statusBar.View(), body}
	if last, ok := m.debug.Last(); ok && m.overlay == OverlayNone {
		sections = append(sections, theme.StyleDimmed.Render("  "+last.Message))
	}
	sections = append(sections, help)
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}
