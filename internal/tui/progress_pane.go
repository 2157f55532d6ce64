package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/aristath/autopilot/internal/events"
)

// ProgressPaneModel shows the counters of the top-level session and the
// state of improvement cycles.
type ProgressPaneModel struct {
	sessionID   string
	total       int
	completed   int
	skipped     int
	pending     int
	dispatches  int
	consecutive int
	cycles      int

	cycle      int  // Current or last improvement cycle
	cycleDepth int
	improving  bool
	cycleNote  string

	ended   bool
	status  string
	reason  string
	blocked []string

	width   int
	height  int
	focused bool
}

// NewProgressPaneModel creates a new progress pane model.
func NewProgressPaneModel() ProgressPaneModel {
	return ProgressPaneModel{}
}

// Update handles messages for the progress pane.
func (m ProgressPaneModel) Update(msg tea.Msg) (ProgressPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case events.SessionProgressEvent:
		// Nested loops report their own counters; the pane tracks the session.
		if msg.Depth != 0 {
			break
		}
		m.sessionID = msg.SessionID
		m.total = msg.Total
		m.completed = msg.Completed
		m.skipped = msg.Skipped
		m.pending = msg.Pending
		m.dispatches = msg.Dispatches
		m.consecutive = msg.ConsecutiveFailures
		m.cycles = msg.CyclesRun

	case events.ImprovementStartedEvent:
		m.improving = true
		m.cycle = msg.Cycle
		m.cycleDepth = msg.Depth
		kind := "milestone"
		if msg.Final {
			kind = "final"
		}
		m.cycleNote = fmt.Sprintf("%s cycle, %s", kind, pluralTasks(len(msg.Tasks)))

	case events.ImprovementFinishedEvent:
		m.improving = false
		m.cycle = msg.Cycle
		m.cycleDepth = msg.Depth
		m.cycleNote = fmt.Sprintf("%s: %d done, %d skipped", msg.Reason, msg.Completed, msg.Skipped)

	case events.SessionEndedEvent:
		if msg.Depth != 0 {
			break
		}
		m.ended = true
		m.status = msg.Status
		m.reason = msg.Reason
		m.blocked = msg.Blocked
	}

	return m, nil
}

func pluralTasks(n int) string {
	if n == 1 {
		return "1 task"
	}
	return humanize.Comma(int64(n)) + " tasks"
}

// View renders the progress pane.
func (m ProgressPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder

	title := StyleTitle.Render("Session")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	row := func(label, value string) {
		b.WriteString(StyleLabel.Render(label))
		b.WriteString(value)
		b.WriteString("\n")
	}

	if m.sessionID != "" {
		row("ID", m.sessionID)
	}
	row("Total", humanize.Comma(int64(m.total)))
	row("Completed", StyleStatusComplete.Render(humanize.Comma(int64(m.completed))))
	row("Skipped", StyleStatusSkipped.Render(humanize.Comma(int64(m.skipped))))
	row("Pending", StyleStatusPending.Render(humanize.Comma(int64(m.pending))))
	row("Dispatches", humanize.Comma(int64(m.dispatches)))

	failures := fmt.Sprintf("%d", m.consecutive)
	if m.consecutive > 0 {
		failures = StyleStatusFailed.Render(failures)
	}
	row("Failing run", failures)
	row("Cycles", fmt.Sprintf("%d", m.cycles))

	if m.cycle > 0 {
		state := "last"
		if m.improving {
			state = StyleStatusRunning.Render("running")
		}
		row("Improvement", fmt.Sprintf("#%d at depth %d (%s) %s", m.cycle, m.cycleDepth, state, m.cycleNote))
	}

	b.WriteString("\n")
	if m.total > 0 {
		b.WriteString(m.renderBar(min(m.width-16, 40)))
		b.WriteString("\n")
	}

	if m.ended {
		b.WriteString("\n")
		end := fmt.Sprintf("%s (%s)", m.status, m.reason)
		switch m.status {
		case "completed":
			end = StyleStatusComplete.Render(end)
		case "deadlocked":
			end = StyleStatusFailed.Render(end)
		default:
			end = StyleStatusRunning.Render(end)
		}
		row("Ended", end)
		if len(m.blocked) > 0 {
			row("Blocked", strings.Join(m.blocked, ", "))
		}
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}

	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

func (m ProgressPaneModel) renderBar(width int) string {
	width = max(width, 10)
	doneWidth := (m.completed * width) / m.total
	skippedWidth := (m.skipped * width) / m.total
	restWidth := max(0, width-doneWidth-skippedWidth)

	bar := StyleStatusComplete.Render(strings.Repeat("=", doneWidth))
	bar += StyleStatusSkipped.Render(strings.Repeat("x", skippedWidth))
	bar += StyleStatusPending.Render(strings.Repeat(".", restWidth))

	resolved := m.completed + m.skipped
	return fmt.Sprintf("[%s] %d/%d (%.0f%%)", bar, resolved, m.total, 100*float64(resolved)/float64(m.total))
}

// Ended reports whether the top-level session has stopped.
func (m ProgressPaneModel) Ended() bool {
	return m.ended
}

// SetSize updates the pane dimensions.
func (m *ProgressPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *ProgressPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
