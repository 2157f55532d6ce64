package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aristath/autopilot/internal/events"
	"github.com/aristath/autopilot/internal/feedback"
	"github.com/aristath/autopilot/internal/persistence"
	"github.com/aristath/autopilot/internal/scheduler"
	"github.com/aristath/autopilot/internal/session"
)

const commitTimeout = 2 * time.Minute

// LoopConfig holds the knobs of one execution loop. Zero values disable the
// corresponding behaviour, except StallThreshold which falls back to
// session.DefaultStallThreshold.
type LoopConfig struct {
	MaxTasks                    int
	MaxDuration                 time.Duration
	StallThreshold              int
	TaskTimeout                 time.Duration
	CheckpointInterval          int
	ImprovementMilestone        int
	MaxImprovementCycles        int
	FeedbackRotationInterval    int
	FinalCycleRequiresMilestone bool
}

// DefaultLoopConfig mirrors the configuration defaults.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		MaxTasks:                 200,
		MaxDuration:              8 * time.Hour,
		StallThreshold:           session.DefaultStallThreshold,
		TaskTimeout:              30 * time.Minute,
		CheckpointInterval:       5,
		ImprovementMilestone:     10,
		MaxImprovementCycles:     3,
		FeedbackRotationInterval: 25,
	}
}

func (c LoopConfig) limits() session.Limits {
	return session.Limits{
		MaxDuration:    c.MaxDuration,
		MaxTasks:       c.MaxTasks,
		StallThreshold: c.StallThreshold,
	}
}

// CycleRequest describes the improvement cycle the loop wants to run.
type CycleRequest struct {
	Cycle int  // 1-based number within the owning session
	Final bool // Run at natural session end rather than at a milestone
}

// CycleReport is returned by an Improver.
type CycleReport struct {
	Ran     bool // False when there was nothing to improve
	Tasks   []string
	Outcome Outcome
}

// Improver runs one improvement cycle for a loop.
type Improver interface {
	Improve(ctx context.Context, fb *feedback.Log, req CycleRequest) (CycleReport, error)
}

// Deps are the collaborators of a Loop. Graph, State, Store, Feedback and
// Worker are required.
type Deps struct {
	Graph     *scheduler.Graph
	State     *session.State
	Store     persistence.Store
	Feedback  *feedback.Log
	Worker    Worker
	Committer Committer
	Improver  Improver
	Events    events.Publisher
	Logger    *slog.Logger
	Clock     func() time.Time
}

// Outcome summarises why and how a loop stopped.
type Outcome struct {
	Reason     session.Reason
	Status     session.Status
	Completed  int
	Skipped    int
	Dispatches int
	CyclesRun  int
	Blocked    []string // Pending tasks that can never run (deadlock only)
}

// Loop is the single-threaded scheduler. It owns its graph, state and
// feedback log exclusively for the duration of Run.
type Loop struct {
	cfg       LoopConfig
	graph     *scheduler.Graph
	state     *session.State
	store     persistence.Store
	feedback  *feedback.Log
	worker    Worker
	committer Committer
	improver  Improver
	events    events.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

var errInterrupted = errors.New("dispatch interrupted")

// NewLoop validates deps and returns a loop ready to Run.
func NewLoop(cfg LoopConfig, deps Deps) (*Loop, error) {
	switch {
	case deps.Graph == nil:
		return nil, fmt.Errorf("loop requires a task graph")
	case deps.State == nil:
		return nil, fmt.Errorf("loop requires session state")
	case deps.Store == nil:
		return nil, fmt.Errorf("loop requires a store")
	case deps.Feedback == nil:
		return nil, fmt.Errorf("loop requires a feedback log")
	case deps.Worker == nil:
		return nil, fmt.Errorf("loop requires a worker")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Loop{
		cfg:       cfg,
		graph:     deps.Graph,
		state:     deps.State,
		store:     deps.Store,
		feedback:  deps.Feedback,
		worker:    deps.Worker,
		committer: deps.Committer,
		improver:  deps.Improver,
		events:    deps.Events,
		logger:    logger,
		now:       clock,
	}, nil
}

// State returns a copy of the current session state.
func (l *Loop) State() *session.State {
	return l.state.Clone()
}

// Run drives the loop until the graph is resolved, a guard rail trips, the
// graph deadlocks or ctx is cancelled. Only persistence failures are
// returned as errors; every other stop is described by the Outcome.
func (l *Loop) Run(ctx context.Context) (Outcome, error) {
	// Snapshots must still be written while shutting down after a cancel.
	pctx := context.WithoutCancel(ctx)

	depth := DepthFrom(ctx)
	l.state.Depth = depth
	l.state.TotalTasks = l.graph.Len()
	l.state.MaxCycles = l.cfg.MaxImprovementCycles
	l.state.Status = session.StatusInProgress
	l.state.Phase = session.PhaseExecuting
	l.syncCounts()
	if err := l.persist(pctx); err != nil {
		return Outcome{}, err
	}

	l.logger.Info("session loop started",
		"session", l.state.SessionID, "depth", depth,
		"tasks", l.state.TotalTasks, "completed", l.state.CompletedCount)

	// A crash between persisting a milestone completion and starting its
	// cycle leaves the cycle owed.
	if err := l.milestone(ctx, pctx); err != nil {
		return Outcome{}, err
	}

	limits := l.cfg.limits()
	for {
		if ctx.Err() != nil {
			return l.terminate(pctx, session.ReasonInterrupted)
		}
		if reason := limits.Check(l.state, l.now()); reason != session.ReasonNone {
			return l.terminate(pctx, reason)
		}

		l.state.Touch(l.now())
		l.state.Phase = session.PhaseExecuting
		if err := l.persistState(pctx); err != nil {
			return Outcome{}, err
		}

		task, ok := l.graph.NextUnblocked()
		if !ok {
			if l.graph.AllResolved() {
				if err := l.finalCycle(ctx, pctx); err != nil {
					return Outcome{}, err
				}
				return l.complete(pctx)
			}
			return l.deadlock(pctx)
		}

		err := l.dispatch(ctx, pctx, task)
		if errors.Is(err, errInterrupted) {
			return l.terminate(pctx, session.ReasonInterrupted)
		}
		if err != nil {
			return Outcome{}, err
		}

		if err := l.milestone(ctx, pctx); err != nil {
			return Outcome{}, err
		}
	}
}

// dispatch runs one task through the worker and records the result.
func (l *Loop) dispatch(ctx, pctx context.Context, task *scheduler.Task) error {
	if err := l.graph.MarkInProgress(task.ID); err != nil {
		return fmt.Errorf("starting task %s: %w", task.ID, err)
	}
	started := l.now()
	l.state.StartTask(task.ID, started)
	if err := l.persist(pctx); err != nil {
		return err
	}

	attempt := task.BlockerCount + 1
	l.publish(events.TaskDispatchedEvent{
		ID:        task.ID,
		Title:     task.Title,
		Attempt:   attempt,
		Depth:     l.state.Depth,
		Timestamp: started,
	})
	l.logger.Debug("dispatching task", "task", scheduler.Describe(task), "attempt", attempt)

	out := l.await(ctx, *task)
	res, err, timedOut := out.res, out.err, out.timedOut
	elapsed := l.now().Sub(started)

	// A result that lands after the deadline is still a timeout.
	succeeded := err == nil && res.Success && !timedOut

	// The in-flight attempt is abandoned, not failed; resume will rerun it.
	if ctx.Err() != nil && !succeeded {
		if _, rerr := l.graph.ResetInProgress(task.ID); rerr != nil {
			return fmt.Errorf("resetting task %s: %w", task.ID, rerr)
		}
		l.state.ClearTask()
		if err := l.persist(pctx); err != nil {
			return err
		}
		return errInterrupted
	}

	entry := feedback.Entry{
		TaskID:       task.ID,
		Title:        task.Title,
		Attempt:      attempt,
		DurationMS:   elapsed.Milliseconds(),
		Observations: res.Observations,
	}

	if succeeded {
		if err := l.graph.MarkDone(task.ID); err != nil {
			return fmt.Errorf("completing task %s: %w", task.ID, err)
		}
		l.state.CompletedCount++
		l.state.ConsecutiveFailures = 0
		l.state.LastSuccessfulTaskID = task.ID
		entry.Outcome = feedback.OutcomeSuccess
		l.appendFeedback(entry)

		l.publish(events.TaskCompletedEvent{
			ID:           task.ID,
			Observations: res.Observations,
			Depth:        l.state.Depth,
			Duration:     elapsed,
			Timestamp:    l.now(),
		})
		l.logger.Info("task completed", "task", task.ID, "duration", elapsed.Round(time.Millisecond))

		l.maybeRotate()
		if n := l.cfg.CheckpointInterval; n > 0 && l.state.CompletedCount%n == 0 {
			l.commit(pctx, fmt.Sprintf("autopilot: checkpoint after %d tasks (last: %s)", l.state.CompletedCount, task.ID))
		}
	} else {
		msg := failureMessage(res, err, timedOut, l.cfg.TaskTimeout)
		skipped, merr := l.graph.MarkFailed(task.ID)
		if merr != nil {
			return fmt.Errorf("failing task %s: %w", task.ID, merr)
		}
		l.state.ConsecutiveFailures++
		entry.Outcome = feedback.OutcomeFailure
		entry.Error = msg

		current, _ := l.graph.Get(task.ID)
		if skipped {
			l.state.SkippedCount++
			entry.Outcome = feedback.OutcomeSkipped
			l.publish(events.TaskSkippedEvent{
				ID:        task.ID,
				Reason:    current.SkipReason,
				Depth:     l.state.Depth,
				Timestamp: l.now(),
			})
			l.logger.Warn("task skipped", "task", task.ID, "reason", current.SkipReason)
		} else {
			l.publish(events.TaskFailedEvent{
				ID:           task.ID,
				Err:          msg,
				BlockerCount: current.BlockerCount,
				Depth:        l.state.Depth,
				Duration:     elapsed,
				Timestamp:    l.now(),
			})
			l.logger.Warn("task failed", "task", task.ID,
				"blockers", fmt.Sprintf("%d/%d", current.BlockerCount, l.graph.MaxBlockers()), "err", msg)
		}
		l.appendFeedback(entry)
	}

	l.state.TotalDispatches++
	l.state.ClearTask()
	l.state.Touch(l.now())
	if err := l.persist(pctx); err != nil {
		return err
	}
	l.publishProgress()
	return nil
}

// interruptGrace bounds how long an interrupted dispatch may take to report
// before its task is abandoned.
const interruptGrace = 5 * time.Second

type dispatchResult struct {
	res      Result
	err      error
	timedOut bool
}

// await runs the worker and waits for its result, the task deadline or an
// interrupt, whichever comes first. A worker still running at the deadline
// is abandoned and its late result discarded, so the timeout holds even for
// workers that ignore ctx.
func (l *Loop) await(ctx context.Context, task scheduler.Task) dispatchResult {
	dctx, cancel := ctx, context.CancelFunc(func() {})
	if l.cfg.TaskTimeout > 0 {
		dctx, cancel = context.WithTimeout(ctx, l.cfg.TaskTimeout)
	}
	defer cancel()

	done := make(chan dispatchResult, 1)
	go func() {
		res, err := l.worker.Dispatch(dctx, task)
		done <- dispatchResult{res: res, err: err}
	}()

	select {
	case r := <-done:
		r.timedOut = ctx.Err() == nil && errors.Is(dctx.Err(), context.DeadlineExceeded)
		return r
	case <-dctx.Done():
	}
	if ctx.Err() == nil {
		return dispatchResult{timedOut: true}
	}

	// Interrupted: keep a result the worker is about to report.
	grace := time.NewTimer(interruptGrace)
	defer grace.Stop()
	select {
	case r := <-done:
		return r
	case <-grace.C:
		return dispatchResult{err: ctx.Err()}
	}
}

func failureMessage(res Result, err error, timedOut bool, timeout time.Duration) string {
	var parts []string
	if timedOut {
		parts = append(parts, fmt.Sprintf("timed out after %s", timeout))
	}
	if err != nil {
		parts = append(parts, err.Error())
	}
	if res.Error != "" {
		parts = append(parts, res.Error)
	}
	if len(parts) == 0 {
		return "worker reported failure"
	}
	return strings.Join(parts, ": ")
}

func (l *Loop) appendFeedback(e feedback.Entry) {
	if _, err := l.feedback.Append(e); err != nil {
		l.logger.Warn("feedback append failed", "task", e.TaskID, "err", err)
	}
}

func (l *Loop) maybeRotate() {
	n := l.cfg.FeedbackRotationInterval
	if n <= 0 || l.state.CompletedCount%n != 0 {
		return
	}
	archive, err := l.feedback.Rotate()
	if err != nil {
		l.logger.Warn("feedback rotation failed", "err", err)
		return
	}
	l.state.FeedbackRotations++
	l.logger.Info("feedback log rotated", "archive", archive, "rotations", l.state.FeedbackRotations)
}

// milestone runs an improvement cycle when the completed count crosses a
// new multiple of the milestone and the session cap allows it.
func (l *Loop) milestone(ctx, pctx context.Context) error {
	m := l.cfg.ImprovementMilestone
	c := l.state.CompletedCount
	if l.improver == nil || m <= 0 || c == 0 || c%m != 0 {
		return nil
	}
	if c <= l.state.LastMilestone || l.state.CyclesRun >= l.cfg.MaxImprovementCycles {
		return nil
	}
	return l.runCycle(ctx, pctx, false)
}

// finalCycle gives the session one last improvement cycle at natural end.
// Only the top-level loop does this.
func (l *Loop) finalCycle(ctx, pctx context.Context) error {
	if l.improver == nil || l.state.Depth != 0 || l.state.CyclesRun >= l.cfg.MaxImprovementCycles {
		return nil
	}
	if l.cfg.FinalCycleRequiresMilestone && l.state.CompletedCount < l.cfg.ImprovementMilestone {
		return nil
	}
	return l.runCycle(ctx, pctx, true)
}

func (l *Loop) runCycle(ctx, pctx context.Context, final bool) error {
	if final {
		l.state.Phase = session.PhaseFinalizing
	} else {
		l.state.Phase = session.PhaseImproving
	}
	l.state.Touch(l.now())
	if err := l.persistState(pctx); err != nil {
		return err
	}

	cycle := l.state.CyclesRun + 1
	report, err := l.improver.Improve(ctx, l.feedback, CycleRequest{Cycle: cycle, Final: final})
	switch {
	case errors.Is(err, ErrMaxDepth):
		l.logger.Debug("improvement cycle not nested", "depth", l.state.Depth)
	case err != nil:
		l.logger.Warn("improvement cycle failed", "cycle", cycle, "err", err)
	case !report.Ran:
		l.logger.Info("improvement cycle found nothing to do", "cycle", cycle)
	case report.Outcome.Reason == session.ReasonInterrupted:
		l.logger.Info("improvement cycle interrupted", "cycle", cycle)
	default:
		l.state.CyclesRun++
		l.logger.Info("improvement cycle finished",
			"cycle", cycle, "reason", report.Outcome.Reason,
			"completed", report.Outcome.Completed, "skipped", report.Outcome.Skipped)
	}

	// Recorded even when nothing ran so the same milestone is not retried.
	if !final && report.Outcome.Reason != session.ReasonInterrupted {
		l.state.LastMilestone = l.state.CompletedCount
	}
	l.state.Phase = session.PhaseExecuting
	l.state.Touch(l.now())
	return l.persistState(pctx)
}

// terminate stops the loop on a guard rail or interrupt. The session stays
// resumable.
func (l *Loop) terminate(pctx context.Context, reason session.Reason) (Outcome, error) {
	l.state.Status = session.StatusTerminated
	l.state.Phase = session.PhaseStopped
	l.state.LastError = string(reason)
	l.state.CanResume = true
	l.state.Touch(l.now())
	if err := l.persist(pctx); err != nil {
		return Outcome{}, err
	}

	l.logger.Warn("session terminated", "reason", reason,
		"dispatches", l.state.TotalDispatches, "completed", l.state.CompletedCount)
	l.commit(pctx, fmt.Sprintf("autopilot: checkpoint on termination (%s)", reason))
	return l.finish(reason, nil), nil
}

func (l *Loop) complete(pctx context.Context) (Outcome, error) {
	l.state.Status = session.StatusCompleted
	l.state.Phase = session.PhaseStopped
	l.state.CanResume = false
	l.state.Touch(l.now())
	if err := l.persist(pctx); err != nil {
		return Outcome{}, err
	}

	l.logger.Info("session completed",
		"completed", l.state.CompletedCount, "skipped", l.state.SkippedCount, "cycles", l.state.CyclesRun)
	l.commit(pctx, fmt.Sprintf("autopilot: session complete (%d done, %d skipped)", l.state.CompletedCount, l.state.SkippedCount))
	return l.finish(session.ReasonCompleted, nil), nil
}

// deadlock reports pending tasks that can never become eligible, typically
// because a dependency was skipped.
func (l *Loop) deadlock(pctx context.Context) (Outcome, error) {
	blocked := l.graph.Blocked()
	l.state.Status = session.StatusDeadlocked
	l.state.Phase = session.PhaseStopped
	l.state.LastError = fmt.Sprintf("%s: %s blocked", session.ReasonDeadlock, strings.Join(blocked, ", "))
	l.state.CanResume = false
	l.state.Touch(l.now())
	if err := l.persist(pctx); err != nil {
		return Outcome{}, err
	}

	l.logger.Error("session deadlocked", "blocked", blocked)
	return l.finish(session.ReasonDeadlock, blocked), nil
}

func (l *Loop) finish(reason session.Reason, blocked []string) Outcome {
	l.publish(events.SessionEndedEvent{
		SessionID: l.state.SessionID,
		Depth:     l.state.Depth,
		Status:    string(l.state.Status),
		Reason:    string(reason),
		Blocked:   blocked,
		Timestamp: l.now(),
	})
	return Outcome{
		Reason:     reason,
		Status:     l.state.Status,
		Completed:  l.state.CompletedCount,
		Skipped:    l.state.SkippedCount,
		Dispatches: l.state.TotalDispatches,
		CyclesRun:  l.state.CyclesRun,
		Blocked:    blocked,
	}
}

func (l *Loop) commit(pctx context.Context, message string) {
	if l.committer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(pctx, commitTimeout)
	defer cancel()
	if err := l.committer.Commit(ctx, message); err != nil {
		l.logger.Warn("checkpoint commit failed", "err", err)
	}
}

// syncCounts derives completed/skipped from the graph. On a fresh graph
// this is zero; on a restored one it matches what was persisted.
func (l *Loop) syncCounts() {
	counts := l.graph.Counts()
	l.state.CompletedCount = counts.Done
	l.state.SkippedCount = counts.Skipped
}

func (l *Loop) persist(ctx context.Context) error {
	if err := l.store.SaveTasks(ctx, l.graph.Tasks()); err != nil {
		return fmt.Errorf("persisting tasks: %w", err)
	}
	return l.persistState(ctx)
}

func (l *Loop) persistState(ctx context.Context) error {
	l.state.UpdatedAt = l.now()
	if err := l.store.SaveState(ctx, l.state); err != nil {
		return fmt.Errorf("persisting session state: %w", err)
	}
	return nil
}

func (l *Loop) publish(ev events.Event) {
	if l.events != nil {
		l.events.Publish(ev)
	}
}

func (l *Loop) publishProgress() {
	if l.events == nil {
		return
	}
	counts := l.graph.Counts()
	l.events.Publish(events.SessionProgressEvent{
		SessionID:           l.state.SessionID,
		Depth:               l.state.Depth,
		Total:               counts.Total,
		Completed:           counts.Done,
		Skipped:             counts.Skipped,
		Pending:             counts.Pending,
		Dispatches:          l.state.TotalDispatches,
		ConsecutiveFailures: l.state.ConsecutiveFailures,
		CyclesRun:           l.state.CyclesRun,
		Timestamp:           l.now(),
	})
}
