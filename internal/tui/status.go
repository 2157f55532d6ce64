package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/aristath/autopilot/internal/scheduler"
	"github.com/aristath/autopilot/internal/session"
)

// RenderStatus formats a persisted session for the status command.
func RenderStatus(state *session.State, tasks []*scheduler.Task, now time.Time) string {
	var b strings.Builder

	b.WriteString(StyleTitle.Render("Session " + state.SessionID))
	b.WriteString("\n\n")

	row := func(label, value string) {
		b.WriteString(StyleLabel.Render(label))
		b.WriteString(value)
		b.WriteString("\n")
	}

	if state.Spec != "" {
		row("Spec", state.Spec)
	}
	row("Status", statusStyle(state.Status).Render(string(state.Status)))
	row("Phase", string(state.Phase))
	row("Started", fmt.Sprintf("%s (%s)", state.StartedAt.Format(time.RFC3339), humanize.RelTime(state.StartedAt, now, "ago", "from now")))
	row("Heartbeat", humanize.RelTime(state.LastHeartbeat, now, "ago", "from now"))
	row("Progress", fmt.Sprintf("%d/%d done, %d skipped", state.CompletedCount, state.TotalTasks, state.SkippedCount))
	row("Dispatches", humanize.Comma(int64(state.TotalDispatches)))
	row("Failing run", fmt.Sprintf("%d", state.ConsecutiveFailures))
	row("Cycles", fmt.Sprintf("%d/%d", state.CyclesRun, state.MaxCycles))
	if state.CurrentTaskID != "" {
		row("In flight", state.CurrentTaskID)
	}
	if state.LastSuccessfulTaskID != "" {
		row("Last success", state.LastSuccessfulTaskID)
	}
	if state.LastError != "" {
		row("Last error", StyleStatusFailed.Render(state.LastError))
	}
	resume := "no"
	if state.Resumable() {
		resume = "yes"
	}
	row("Resumable", resume)

	var skipped, retried []*scheduler.Task
	for _, t := range tasks {
		switch {
		case t.Skipped():
			skipped = append(skipped, t)
		case t.BlockerCount > 0 && !t.Status.Terminal():
			retried = append(retried, t)
		}
	}

	if len(skipped) > 0 {
		b.WriteString("\n")
		b.WriteString(StyleStatusSkipped.Render("Skipped"))
		b.WriteString("\n")
		for _, t := range skipped {
			fmt.Fprintf(&b, "  %s %s: %s\n", t.ID, t.Title, t.SkipReason)
		}
	}
	if len(retried) > 0 {
		b.WriteString("\n")
		b.WriteString(StyleStatusRunning.Render("Retrying"))
		b.WriteString("\n")
		for _, t := range retried {
			fmt.Fprintf(&b, "  %s %s: %s\n", t.ID, t.Title, humanize.Ordinal(t.BlockerCount+1)+" attempt next")
		}
	}

	return b.String()
}

func statusStyle(s session.Status) lipgloss.Style {
	switch s {
	case session.StatusCompleted:
		return StyleStatusComplete
	case session.StatusDeadlocked:
		return StyleStatusFailed
	case session.StatusTerminated:
		return StyleStatusSkipped
	default:
		return StyleStatusRunning
	}
}
