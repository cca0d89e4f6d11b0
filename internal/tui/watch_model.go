package tui

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// WatchModel is the live event dashboard. It renders the server's SSE
// stream as a scrolling log with per-event styling.
type WatchModel struct {
	width  int
	height int

	viewport viewport.Model
	ready    bool

	connected    bool
	subscriberID string
	streamErr    error

	lines      []string
	eventCount int
	lastBeat   time.Time
}

// eventMsg wraps one SSE frame for the update loop.
type eventMsg streamEvent

// streamClosedMsg reports the stream ending, with its terminal error.
type streamClosedMsg struct{ err error }

// NewWatchModel creates the dashboard model.
func NewWatchModel() WatchModel {
	return WatchModel{}
}

// Init initializes the watch model
func (m WatchModel) Init() tea.Cmd {
	return nil
}

// Update handles incoming messages
func (m WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		logHeight := msg.Height - 6
		if logHeight < 3 {
			logHeight = 3
		}
		if !m.ready {
			m.viewport = viewport.New(msg.Width-4, logHeight)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width - 4
			m.viewport.Height = logHeight
		}
		m.viewport.SetContent(strings.Join(m.lines, "\n"))

	case eventMsg:
		m = m.applyEvent(streamEvent(msg))

	case streamClosedMsg:
		m.connected = false
		m.streamErr = msg.err
	}

	var cmd tea.Cmd
	if m.ready {
		m.viewport, cmd = m.viewport.Update(msg)
	}
	return m, cmd
}

func (m WatchModel) applyEvent(event streamEvent) WatchModel {
	now := time.Now()
	switch event.Event {
	case "connected":
		m.connected = true
		var payload struct {
			SubscriberID string `json:"subscriberId"`
		}
		if err := json.Unmarshal([]byte(event.Data), &payload); err == nil {
			m.subscriberID = payload.SubscriberID
		}
	case "heartbeat":
		m.lastBeat = now
		return m // keep heartbeats out of the log
	}

	m.eventCount++
	stamp := lipgloss.NewStyle().Foreground(lipgloss.Color(ColorSecondaryText)).
		Render(now.Format("15:04:05"))
	name := eventStyle(event.Event).Render(fmt.Sprintf("%-20s", event.Event))
	line := fmt.Sprintf("%s  %s %s", stamp, name, event.Data)

	m.lines = append(m.lines, line)
	if len(m.lines) > 500 {
		m.lines = m.lines[len(m.lines)-500:]
	}
	if m.ready {
		m.viewport.SetContent(strings.Join(m.lines, "\n"))
		m.viewport.GotoBottom()
	}
	return m
}

func eventStyle(event string) lipgloss.Style {
	color := ColorPrimaryText
	switch event {
	case "session_created", "connected":
		color = ColorSuccess
	case "session_updated":
		color = ColorWarning
	case "session_closed":
		color = ColorAccentBright
	case "time_request", "time_request_result":
		color = ColorAccentMain
	case "invalidate":
		color = ColorError
	}
	return lipgloss.NewStyle().Foreground(lipgloss.Color(color)).Bold(true)
}

// View renders the dashboard
func (m WatchModel) View() string {
	if !m.ready {
		return "Connecting..."
	}

	titleStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color(ColorAccentMain)).
		Bold(true)
	statusStyle := lipgloss.NewStyle().Foreground(lipgloss.Color(ColorSuccess))
	status := statusStyle.Render("● connected")
	if m.subscriberID != "" {
		status += " " + lipgloss.NewStyle().Foreground(lipgloss.Color(ColorDisabledText)).
			Render(m.subscriberID)
	}
	if !m.connected {
		status = lipgloss.NewStyle().Foreground(lipgloss.Color(ColorDisabledText)).
			Render("○ disconnected")
		if m.streamErr != nil {
			status += " " + lipgloss.NewStyle().Foreground(lipgloss.Color(ColorError)).
				Render(m.streamErr.Error())
		}
	}

	beat := ""
	if !m.lastBeat.IsZero() {
		beat = lipgloss.NewStyle().Foreground(lipgloss.Color(ColorSecondaryText)).
			Render("  beat " + m.lastBeat.Format("15:04:05"))
	}
	header := fmt.Sprintf("%s  %s  %d events%s",
		titleStyle.Render("timekeep watch"), status, m.eventCount, beat)

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color(ColorBorder)).
		Padding(0, 1)

	help := lipgloss.NewStyle().Foreground(lipgloss.Color(ColorHelpText)).
		Render("↑/↓ scroll • q quit")

	return fmt.Sprintf("%s\n%s\n%s\n", header, boxStyle.Render(m.viewport.View()), help)
}
