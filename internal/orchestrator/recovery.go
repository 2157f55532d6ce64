package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aristath/autopilot/internal/persistence"
	"github.com/aristath/autopilot/internal/scheduler"
	"github.com/aristath/autopilot/internal/session"
)

// DefaultStaleAfter is the heartbeat age after which an in-progress session
// is presumed dead.
const DefaultStaleAfter = 30 * time.Minute

var (
	// ErrSessionActive means the saved session is in progress and its
	// heartbeat is fresh, so another process may still own it.
	ErrSessionActive = errors.New("session is still active")

	// ErrNotResumable means the saved session completed, deadlocked or was
	// otherwise marked as not resumable.
	ErrNotResumable = errors.New("session cannot be resumed")
)

// RecoverOptions tune Recover.
type RecoverOptions struct {
	MaxBlockers int
	StaleAfter  time.Duration
	Logger      *slog.Logger
	Clock       func() time.Time
}

// Recovered is a session loaded from a store and made ready for a Loop.
type Recovered struct {
	State *session.State
	Graph *scheduler.Graph
	Reset []string // Tasks moved from in_progress back to pending
	Stale bool
}

// Recover loads the persisted session, resets any in-flight task to pending
// without counting a failure, and persists the repaired snapshot. Counters
// and completed tasks are left untouched, so nothing done is replayed.
// persistence.ErrNotFound is returned when there is nothing to recover.
func Recover(ctx context.Context, store persistence.Store, opts RecoverOptions) (*Recovered, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now
	if opts.Clock != nil {
		now = opts.Clock
	}
	staleAfter := opts.StaleAfter
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}

	state, err := store.LoadState(ctx)
	if err != nil {
		return nil, err
	}
	if !state.Resumable() {
		return nil, fmt.Errorf("%w: status %s", ErrNotResumable, state.Status)
	}

	stale := state.Stale(now(), staleAfter)
	if state.Status == session.StatusInProgress && !stale {
		return nil, fmt.Errorf("%w: last heartbeat %s ago", ErrSessionActive, now().Sub(state.LastHeartbeat).Round(time.Second))
	}

	tasks, err := store.LoadTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading tasks: %w", err)
	}
	graph := scheduler.NewGraph(opts.MaxBlockers)
	if err := graph.Restore(tasks); err != nil {
		return nil, fmt.Errorf("restoring task graph: %w", err)
	}

	// A single-threaded loop has at most one task in flight, and whatever it
	// was doing died with the process.
	var reset []string
	for _, t := range graph.Tasks() {
		if t.Status != scheduler.TaskInProgress {
			continue
		}
		if _, err := graph.ResetInProgress(t.ID); err != nil {
			return nil, fmt.Errorf("resetting task %s: %w", t.ID, err)
		}
		reset = append(reset, t.ID)
	}
	if len(reset) > 0 {
		logger.Warn("reset in-flight tasks to pending", "tasks", reset, "current", state.CurrentTaskID, "stale", stale)
	}
	state.ClearTask()

	// A stalled run would trip the same guard rail immediately; the
	// operator resuming it is the signal to try again.
	if state.LastError == string(session.ReasonStall) {
		state.ConsecutiveFailures = 0
	}

	t := now()
	state.Status = session.StatusInProgress
	state.RunStartedAt = t
	state.CanResume = true
	state.Touch(t)

	if err := store.SaveTasks(ctx, graph.Tasks()); err != nil {
		return nil, fmt.Errorf("persisting recovered tasks: %w", err)
	}
	if err := store.SaveState(ctx, state); err != nil {
		return nil, fmt.Errorf("persisting recovered state: %w", err)
	}

	logger.Info("session recovered",
		"session", state.SessionID, "completed", state.CompletedCount,
		"dispatches", state.TotalDispatches, "last_error", state.LastError)
	return &Recovered{State: state, Graph: graph, Reset: reset, Stale: stale}, nil
}
