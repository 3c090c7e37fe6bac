// Package tui is the interactive front end of a device: a live view of
// the session and the telemetry link, with keys to drive both.
package tui

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/stride-relay/stride/internal/engine"
	"github.com/stride-relay/stride/internal/session"
	"github.com/stride-relay/stride/internal/transport"
)

const (
	refreshInterval = 250 * time.Millisecond
	actionTimeout   = 5 * time.Second
)

// Runtime is the part of the engine the UI drives.
type Runtime interface {
	StartSession(ctx context.Context) error
	StopSession(ctx context.Context) error
	Reconnect()
	View(ctx context.Context) (engine.View, error)
}

type viewMsg struct {
	view engine.View
	err  error
}

type refreshTickMsg time.Time

type gaugeFrameMsg time.Time

type actionMsg struct {
	action string
	err    error
}

// Model is the root Bubble Tea model.
type Model struct {
	rt  Runtime
	ctx context.Context

	keys    KeyMap
	help    help.Model
	spinner spinner.Model
	gauge   gauge
	width   int
	height  int

	view      engine.View
	haveView  bool
	lastErr   error
	viewErr   error
	showHelp  bool
	helpCache string
	animating bool
}

func New(ctx context.Context, rt Runtime) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(ColorConnecting)
	return Model{
		rt:      rt,
		ctx:     ctx,
		keys:    DefaultKeyMap(),
		help:    help.New(),
		spinner: sp,
		gauge:   newGauge(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.refresh(), refreshTick(), m.spinner.Tick)
}

func refreshTick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return refreshTickMsg(t) })
}

func gaugeFrame() tea.Cmd {
	return tea.Tick(time.Second/gaugeFPS, func(t time.Time) tea.Msg { return gaugeFrameMsg(t) })
}

func (m Model) refresh() tea.Cmd {
	rt, parent := m.rt, m.ctx
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(parent, actionTimeout)
		defer cancel()
		v, err := rt.View(ctx)
		return viewMsg{view: v, err: err}
	}
}

func (m Model) run(action string, fn func(context.Context) error) tea.Cmd {
	parent := m.ctx
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(parent, actionTimeout)
		defer cancel()
		return actionMsg{action: action, err: fn(ctx)}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		m.helpCache = ""
		if m.showHelp {
			m.helpCache = renderHelp(m.width)
		}
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case refreshTickMsg:
		return m, tea.Batch(m.refresh(), refreshTick())

	case viewMsg:
		m.viewErr = msg.err
		if msg.err != nil {
			return m, nil
		}
		m.view = msg.view
		m.haveView = true
		avg, ok := 0.0, false
		if msg.view.Snapshot != nil {
			avg, ok = msg.view.Snapshot.Intensity()
		}
		m.gauge.SetTarget(avg, ok)
		if !m.animating && !m.gauge.Settled() {
			m.animating = true
			return m, gaugeFrame()
		}
		return m, nil

	case gaugeFrameMsg:
		m.gauge.Step()
		if m.gauge.Settled() {
			m.animating = false
			return m, nil
		}
		return m, gaugeFrame()

	case actionMsg:
		m.lastErr = msg.err
		return m, m.refresh()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, m.keys.Help):
		m.showHelp = !m.showHelp
		if m.showHelp && m.helpCache == "" {
			m.helpCache = renderHelp(m.width)
		}
		return m, nil

	case key.Matches(msg, m.keys.Start):
		return m, m.run("start", m.rt.StartSession)

	case key.Matches(msg, m.keys.Stop):
		return m, m.run("stop", m.rt.StopSession)

	case key.Matches(msg, m.keys.Reconnect):
		m.rt.Reconnect()
		return m, m.refresh()
	}
	return m, nil
}

// View renders the full TUI.
func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	if m.showHelp {
		page := m.helpCache
		if page == "" {
			page = renderHelp(m.width)
		}
		return lipgloss.JoinVertical(lipgloss.Left,
			page,
			StyleDimmed.Render("  ?: close help"),
		)
	}

	sections := []string{
		m.renderHeader(),
		StylePanel.Width(max(m.width-2, 40)).Render(m.renderSession()),
		m.renderStatus(),
		m.help.View(m.keys),
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) renderHeader() string {
	return StyleTitle.Render("STRIDE") + "  " + m.renderConnection()
}

func (m Model) renderConnection() string {
	if !m.haveView {
		return StyleDimmed.Render("…")
	}
	var glyph string
	var color lipgloss.Color
	switch m.view.Connection {
	case transport.Connected:
		glyph, color = "●", ColorConnected
	case transport.Connecting:
		glyph, color = m.spinner.View(), ColorConnecting
	default:
		glyph, color = "○", ColorDisconnected
	}
	label := lipgloss.NewStyle().Foreground(color).Render(glyph + " " + m.view.Connection.String())
	return label + StyleDimmed.Render("  "+m.view.Endpoint)
}

func (m Model) renderSession() string {
	v := m.view
	id := "—"
	if v.State == session.Running && v.Snapshot != nil {
		id = v.Snapshot.SessionID
	} else if v.Snapshot != nil {
		id = v.Snapshot.SessionID + StyleDimmed.Render(" (ended)")
	}

	var steps uint64
	var duration uint32
	if v.Snapshot != nil {
		steps = v.Snapshot.Steps
		duration = v.Snapshot.DurationSeconds
	}

	rows := []string{
		row("Session", id),
		row("State", v.State.String()),
		row("Steps", humanize.Comma(int64(steps))),
		row("Duration", formatDuration(duration)),
		row("Intensity", m.gauge.Render(24)),
		row("Sent", fmt.Sprintf("%d delivered, %d dropped",
			v.Telemetry.Delivered, v.Telemetry.Dropped)),
	}
	return lipgloss.JoinVertical(lipgloss.Left, rows...)
}

func row(label, value string) string {
	return StyleLabel.Render(label) + StyleValue.Render(value)
}

func (m Model) renderStatus() string {
	if m.lastErr != nil {
		return StyleError.Render("  " + m.lastErr.Error())
	}
	if m.viewErr != nil {
		return StyleError.Render("  " + m.viewErr.Error())
	}
	if m.view.Status == "" {
		return StyleDimmed.Render("  Press s to start a session")
	}
	return "  " + m.view.Status
}

// formatDuration renders whole seconds as m:ss, or h:mm:ss past an hour.
func formatDuration(seconds uint32) string {
	h := seconds / 3600
	mnt := (seconds % 3600) / 60
	s := seconds % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, mnt, s)
	}
	return fmt.Sprintf("%d:%02d", mnt, s)
}
