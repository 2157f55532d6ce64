package tui

import (
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/aristath/autopilot/internal/events"
	"github.com/aristath/autopilot/internal/scheduler"
	"github.com/aristath/autopilot/internal/session"
)

func update(t *testing.T, m Model, msgs ...tea.Msg) Model {
	t.Helper()
	for _, msg := range msgs {
		next, _ := m.Update(msg)
		m = next.(Model)
	}
	return m
}

func TestModelRoutesTaskEvents(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()

	now := time.Now()
	m := update(t, New(bus),
		tea.WindowSizeMsg{Width: 120, Height: 30},
		events.TaskDispatchedEvent{ID: "1", Title: "first", Attempt: 1, Timestamp: now},
		events.TaskDispatchedEvent{ID: "1", Title: "nested", Attempt: 1, Depth: 1, Timestamp: now},
		events.TaskCompletedEvent{ID: "1", Observations: "edited main.go", Depth: 1, Duration: time.Second},
		events.TaskFailedEvent{ID: "1", Err: "tests fail", BlockerCount: 1},
	)

	if len(m.taskPane.taskOrder) != 2 {
		t.Fatalf("rows = %v, want one per depth", m.taskPane.taskOrder)
	}
	top := m.taskPane.tasks[rowKey(0, "1")]
	nested := m.taskPane.tasks[rowKey(1, "1")]
	if top.Status != statusFailed || nested.Status != statusCompleted {
		t.Errorf("statuses = %s / %s", top.Status, nested.Status)
	}
	if !strings.Contains(strings.Join(top.Output, "\n"), "1st attempt failed: tests fail") {
		t.Errorf("output = %q", top.Output)
	}

	// Follow mode keeps the newest row selected.
	sel, ok := m.taskPane.Selected()
	if !ok || sel.Depth != 1 {
		t.Errorf("selected = %+v, %v", sel, ok)
	}
}

func TestModelFocusAndSelection(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()

	m := update(t, New(bus),
		tea.WindowSizeMsg{Width: 120, Height: 30},
		events.TaskDispatchedEvent{ID: "a"},
		events.TaskDispatchedEvent{ID: "b"},
		tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("k")},
	)
	if sel, _ := m.taskPane.Selected(); sel.TaskID != "a" {
		t.Errorf("selected %q after k, want a", sel.TaskID)
	}

	// New dispatches no longer move the selection once follow is off.
	m = update(t, m, events.TaskDispatchedEvent{ID: "c"})
	if sel, _ := m.taskPane.Selected(); sel.TaskID != "a" {
		t.Errorf("selected %q, want a", sel.TaskID)
	}
	m = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("f")})
	if sel, _ := m.taskPane.Selected(); sel.TaskID != "c" {
		t.Errorf("selected %q after f, want c", sel.TaskID)
	}

	m = update(t, m, tea.KeyMsg{Type: tea.KeyTab})
	if m.focusedPane != PaneProgress || m.taskPane.focused || !m.progressPane.focused {
		t.Errorf("focus = %d", m.focusedPane)
	}
	// Keys are not routed to an unfocused task pane.
	m = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("k")})
	if sel, _ := m.taskPane.Selected(); sel.TaskID != "c" {
		t.Errorf("selected %q, want c", sel.TaskID)
	}
}

func TestModelPaneBindings(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()

	tests := []struct {
		name string
		from PaneID
		msg  tea.KeyMsg
		want PaneID
	}{
		{"2 jumps to progress", PaneTasks, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("2")}, PaneProgress},
		{"1 jumps to tasks", PaneProgress, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("1")}, PaneTasks},
		{"shift+tab wraps backwards", PaneTasks, tea.KeyMsg{Type: tea.KeyShiftTab}, PaneProgress},
		{"tab wraps forwards", PaneProgress, tea.KeyMsg{Type: tea.KeyTab}, PaneTasks},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := update(t, New(bus), tea.WindowSizeMsg{Width: 120, Height: 30})
			m.focusedPane = tt.from
			m.updateFocusStates()

			m = update(t, m, tt.msg)
			if m.focusedPane != tt.want {
				t.Errorf("focus = %d, want %d", m.focusedPane, tt.want)
			}
		})
	}

	next, cmd := update(t, New(bus)).Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	if cmd == nil || !next.(Model).quitting {
		t.Error("ctrl+c should detach")
	}

	helpBar := HelpView()
	for _, want := range []string{"tab", "cycle focus", "select task", "follow newest", "detach"} {
		if !strings.Contains(helpBar, want) {
			t.Errorf("help bar %q missing %q", helpBar, want)
		}
	}
}

func TestModelProgressEvents(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()

	m := update(t, New(bus),
		tea.WindowSizeMsg{Width: 160, Height: 30},
		events.SessionProgressEvent{SessionID: "s1", Total: 10, Completed: 4, Skipped: 1, Pending: 5, Dispatches: 7},
		events.SessionProgressEvent{SessionID: "nested", Depth: 1, Total: 2, Completed: 2},
		events.ImprovementStartedEvent{Cycle: 1, Depth: 1, Tasks: []string{"improve-1", "improve-2"}},
		events.SessionEndedEvent{Depth: 1, Status: "completed", Reason: "COMPLETED"},
	)

	p := m.progressPane
	if p.sessionID != "s1" || p.total != 10 || p.completed != 4 {
		t.Errorf("progress = %+v, nested loop leaked into session counters", p)
	}
	if p.Ended() {
		t.Error("a nested loop ending should not end the session")
	}
	if !p.improving || p.cycleNote != "milestone cycle, 2 tasks" {
		t.Errorf("cycle = %v %q", p.improving, p.cycleNote)
	}

	m = update(t, m, events.SessionEndedEvent{Status: "deadlocked", Reason: "DEADLOCK", Blocked: []string{"7"}})
	view := m.View()
	for _, want := range []string{"s1", "deadlocked (DEADLOCK)", "5/10"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}

	m = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if m.View() != "Session ended.\n" {
		t.Errorf("quit view = %q", m.View())
	}
}

func TestRenderStatus(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st := session.New("docs", 3, 2, now.Add(-3*time.Hour))
	st.CompletedCount = 1
	st.SkippedCount = 1
	st.Status = session.StatusTerminated
	st.LastError = string(session.ReasonTimeLimit)
	st.LastHeartbeat = now.Add(-10 * time.Minute)

	tasks := []*scheduler.Task{
		{ID: "1", Title: "one", Status: scheduler.TaskDone},
		{ID: "2", Title: "two", Status: scheduler.TaskSkipped, BlockerCount: 3, SkipReason: "blocked 3 times"},
		{ID: "3", Title: "three", Status: scheduler.TaskPending, BlockerCount: 1},
	}

	out := RenderStatus(st, tasks, now)
	for _, want := range []string{
		"terminated",
		"1/3 done, 1 skipped",
		"10 minutes ago",
		"TIME_LIMIT",
		"2 two: blocked 3 times",
		"3 three: 2nd attempt next",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("status missing %q:\n%s", want, out)
		}
	}
}
