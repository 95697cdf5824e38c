package shell

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/sidecar/internal/events"
	"github.com/mattjoyce/sidecar/internal/orchestrator"
)

const maxWindowLines = 12

var (
	windowBorder = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#874BFD")).
			Padding(0, 1)
	windowTitle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FAFAFA"))
	styleOK     = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00"))
	styleFailed = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))
	styleDim    = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
)

type eventMsg events.Event
type statusMsg orchestrator.Status
type feedClosedMsg struct{}

type windowModel struct {
	bridge  *Bridge
	feed    <-chan events.Event
	spinner spinner.Model
	status  orchestrator.Status
	lines   []string
	closing bool
}

func newWindowModel(bridge *Bridge, feed <-chan events.Event) windowModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	return windowModel{
		bridge:  bridge,
		feed:    feed,
		spinner: sp,
		status:  bridge.Status(),
	}
}

func (m windowModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.nextEvent(), m.pollStatus(0))
}

func (m windowModel) nextEvent() tea.Cmd {
	if m.feed == nil {
		return nil
	}
	feed := m.feed
	return func() tea.Msg {
		ev, ok := <-feed
		if !ok {
			return feedClosedMsg{}
		}
		return eventMsg(ev)
	}
}

func (m windowModel) pollStatus(after time.Duration) tea.Cmd {
	bridge := m.bridge
	return tea.Tick(after, func(time.Time) tea.Msg {
		return statusMsg(bridge.Status())
	})
}

func (m windowModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			m.closing = true
			return m, tea.Quit
		}
	case eventMsg:
		m.lines = append(m.lines, formatEvent(events.Event(msg)))
		if len(m.lines) > maxWindowLines {
			m.lines = m.lines[len(m.lines)-maxWindowLines:]
		}
		return m, m.nextEvent()
	case feedClosedMsg:
		m.feed = nil
	case statusMsg:
		m.status = orchestrator.Status(msg)
		return m, m.pollStatus(time.Second)
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m windowModel) View() string {
	if m.closing {
		return ""
	}
	var b strings.Builder
	b.WriteString(windowTitle.Render(m.bridge.AppInfo()))
	b.WriteString("\n\n")
	b.WriteString(m.phaseLine())
	b.WriteString("\n")
	if srv := m.status.Server; srv != nil {
		b.WriteString(styleDim.Render(fmt.Sprintf("pid %d  rss %s  up %s",
			srv.PID, formatBytes(srv.RSSBytes), time.Since(srv.StartedAt).Round(time.Second))))
		b.WriteString("\n")
	}
	if len(m.lines) > 0 {
		b.WriteString("\n")
		b.WriteString(strings.Join(m.lines, "\n"))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(styleDim.Render("q: close window and stop the server"))
	return windowBorder.Render(b.String())
}

func (m windowModel) phaseLine() string {
	switch m.status.Phase {
	case "finished":
		if m.status.Outcome == orchestrator.Success.String() {
			return styleOK.Render("● running")
		}
		return styleFailed.Render("✗ " + m.status.Detail)
	case "dev":
		return styleDim.Render("dev mode: server managed externally")
	default:
		return m.spinner.View() + " starting"
	}
}

func formatEvent(ev events.Event) string {
	ts := ev.At.Local().Format("15:04:05")
	data := string(ev.Data)
	if data == "{}" {
		data = ""
	}
	return styleDim.Render(ts) + " " + ev.Type + " " + styleDim.Render(data)
}

func formatBytes(n uint64) string {
	const mb = 1 << 20
	if n == 0 {
		return "-"
	}
	return fmt.Sprintf("%.1fMB", float64(n)/mb)
}

// RunWindow shows the terminal window until the user closes it or ctx is
// done, then delivers the window-close event to the bridge.
func RunWindow(ctx context.Context, bridge *Bridge, hub *events.Hub, opts ...tea.ProgramOption) error {
	var feed <-chan events.Event
	if hub != nil {
		ch, cancel := hub.Subscribe()
		defer cancel()
		feed = ch
	}

	opts = append([]tea.ProgramOption{tea.WithContext(ctx), tea.WithAltScreen()}, opts...)
	_, runErr := tea.NewProgram(newWindowModel(bridge, feed), opts...).Run()
	if errors.Is(runErr, tea.ErrProgramKilled) {
		runErr = nil
	}
	return errors.Join(runErr, bridge.WindowClosing())
}
