package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/aristath/autopilot/internal/events"
)

// Task row statuses.
const (
	statusRunning   = "running"
	statusCompleted = "completed"
	statusFailed    = "failed"
	statusSkipped   = "skipped"
)

// TaskState is what the pane knows about one task.
type TaskState struct {
	TaskID    string
	Title     string
	Depth     int
	Status    string
	Attempt   int
	Output    []string
	StartTime time.Time
	Duration  time.Duration
}

// TaskPaneModel lists dispatched tasks and shows the log of the selected one.
type TaskPaneModel struct {
	tasks       map[string]*TaskState // row key -> state
	taskOrder   []string              // first-dispatch order for display
	selectedIdx int
	follow      bool // Keep the newest task selected
	viewport    viewport.Model
	spinner     spinner.Model
	width       int
	height      int
	focused     bool
}

// NewTaskPaneModel creates a new task pane model.
func NewTaskPaneModel() TaskPaneModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = StyleStatusRunning
	return TaskPaneModel{
		tasks:    make(map[string]*TaskState),
		follow:   true,
		viewport: viewport.New(0, 0),
		spinner:  sp,
	}
}

// Task IDs repeat across nesting depths, so rows are keyed by both.
func rowKey(depth int, id string) string {
	return fmt.Sprintf("%d/%s", depth, id)
}

// Init starts the spinner.
func (m TaskPaneModel) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles messages for the task pane.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case spinner.TickMsg:
		m.spinner, cmd = m.spinner.Update(msg)

	case tea.KeyMsg:
		if !m.focused {
			break
		}

		switch {
		case key.Matches(msg, keys.Down):
			if m.selectedIdx < len(m.taskOrder)-1 {
				m.selectedIdx++
				m.follow = m.selectedIdx == len(m.taskOrder)-1
				m.updateViewportContent()
			}
		case key.Matches(msg, keys.Up):
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.follow = false
				m.updateViewportContent()
			}
		case key.Matches(msg, keys.Follow):
			m.follow = true
			m.selectedIdx = len(m.taskOrder) - 1
			m.updateViewportContent()
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.TaskDispatchedEvent:
		rk := rowKey(msg.Depth, msg.ID)
		task, exists := m.tasks[rk]
		if !exists {
			task = &TaskState{TaskID: msg.ID, Title: msg.Title, Depth: msg.Depth}
			m.tasks[rk] = task
			m.taskOrder = append(m.taskOrder, rk)
		}
		task.Status = statusRunning
		task.Attempt = msg.Attempt
		task.StartTime = msg.Timestamp
		task.Output = append(task.Output, fmt.Sprintf("[%s] attempt %d started", msg.Timestamp.Format(time.Kitchen), msg.Attempt))
		if m.follow {
			m.selectedIdx = indexOf(m.taskOrder, rk)
		}
		m.refresh(rk)

	case events.TaskCompletedEvent:
		rk := rowKey(msg.Depth, msg.ID)
		if task, exists := m.tasks[rk]; exists {
			task.Status = statusCompleted
			task.Duration = msg.Duration
			if obs := strings.TrimSpace(msg.Observations); obs != "" {
				task.Output = append(task.Output, obs)
			}
			task.Output = append(task.Output, fmt.Sprintf("[completed in %s]", msg.Duration.Round(time.Second)))
			m.refresh(rk)
		}

	case events.TaskFailedEvent:
		rk := rowKey(msg.Depth, msg.ID)
		if task, exists := m.tasks[rk]; exists {
			task.Status = statusFailed
			task.Duration = msg.Duration
			task.Output = append(task.Output, fmt.Sprintf("[%s attempt failed: %s]", humanize.Ordinal(msg.BlockerCount), msg.Err))
			m.refresh(rk)
		}

	case events.TaskSkippedEvent:
		rk := rowKey(msg.Depth, msg.ID)
		if task, exists := m.tasks[rk]; exists {
			task.Status = statusSkipped
			task.Output = append(task.Output, fmt.Sprintf("[skipped: %s]", msg.Reason))
			m.refresh(rk)
		}
	}

	return m, cmd
}

func (m *TaskPaneModel) refresh(rk string) {
	if m.selectedKey() == rk {
		m.updateViewportContent()
	}
}

func indexOf(keys []string, rk string) int {
	for i, k := range keys {
		if k == rk {
			return i
		}
	}
	return 0
}

// View renders the task pane.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	listWidth := 30
	viewportWidth := m.width - listWidth - 4

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderTaskList(listWidth),
		lipgloss.NewStyle().
			Width(viewportWidth).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}

	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m TaskPaneModel) renderTaskList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render("Tasks")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.taskOrder) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	}

	// Keep the selection on screen when the list is longer than the pane.
	visible := max(1, m.height-6)
	start := 0
	if m.selectedIdx >= visible {
		start = m.selectedIdx - visible + 1
	}
	for i := start; i < len(m.taskOrder) && i < start+visible; i++ {
		task := m.tasks[m.taskOrder[i]]
		name := strings.Repeat("  ", task.Depth) + task.TaskID
		if task.Title != "" {
			name += " " + task.Title
		}
		if len(name) > width-4 {
			name = name[:width-7] + "..."
		}

		line := fmt.Sprintf("%s %s", m.StatusIcon(task.Status), name)
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

// StatusIcon returns a styled status indicator.
func (m TaskPaneModel) StatusIcon(status string) string {
	switch status {
	case statusRunning:
		return m.spinner.View()
	case statusCompleted:
		return StyleStatusComplete.Render("✓")
	case statusFailed:
		return StyleStatusFailed.Render("✗")
	case statusSkipped:
		return StyleStatusSkipped.Render("⊘")
	default:
		return StyleStatusPending.Render("○")
	}
}

func (m TaskPaneModel) selectedKey() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.taskOrder) {
		return m.taskOrder[m.selectedIdx]
	}
	return ""
}

// Selected returns the selected task, if any.
func (m TaskPaneModel) Selected() (TaskState, bool) {
	task, ok := m.tasks[m.selectedKey()]
	if !ok {
		return TaskState{}, false
	}
	return *task, true
}

func (m *TaskPaneModel) updateViewportContent() {
	task, exists := m.tasks[m.selectedKey()]
	if !exists {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}
	m.viewport.SetContent(strings.Join(task.Output, "\n"))
	m.viewport.GotoBottom()
}

func (m *TaskPaneModel) resizeViewport() {
	m.viewport.Width = max(10, m.width-30-4)
	m.viewport.Height = max(5, m.height-4)
}

// SetSize updates the pane dimensions.
func (m *TaskPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *TaskPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
