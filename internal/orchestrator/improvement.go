package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aristath/autopilot/internal/events"
	"github.com/aristath/autopilot/internal/feedback"
	"github.com/aristath/autopilot/internal/persistence"
	"github.com/aristath/autopilot/internal/scheduler"
	"github.com/aristath/autopilot/internal/session"
)

const (
	// DefaultMaxImprovementTasks caps the tasks generated for one cycle.
	DefaultMaxImprovementTasks = 5

	// feedbackWindow is how many recent entries an analysis looks at.
	feedbackWindow = 50

	// slowFactor marks a task as slow when it took this many times the median.
	slowFactor = 3
)

// ImprovementConfig configures an ImprovementController.
type ImprovementConfig struct {
	Loop        LoopConfig // Template for nested loops
	MaxTasks    int
	MaxDepth    int
	MaxBlockers int
	WorkDir     string // Nested graphs, state and feedback live under here
}

// ImprovementController turns recent feedback into a short nested task
// graph and runs it through its own Loop one level deeper.
type ImprovementController struct {
	cfg       ImprovementConfig
	worker    Worker
	committer Committer
	events    events.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewImprovementController returns a controller. committer and bus may be nil.
func NewImprovementController(cfg ImprovementConfig, worker Worker, committer Committer, bus events.Publisher, logger *slog.Logger) *ImprovementController {
	if cfg.MaxTasks <= 0 {
		cfg.MaxTasks = DefaultMaxImprovementTasks
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	if cfg.MaxBlockers <= 0 {
		cfg.MaxBlockers = scheduler.DefaultMaxBlockers
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ImprovementController{
		cfg:       cfg,
		worker:    worker,
		committer: committer,
		events:    bus,
		logger:    logger,
		now:       time.Now,
	}
}

// Improve implements Improver. The depth check happens before anything is
// built, so an over-deep request has no side effects.
func (c *ImprovementController) Improve(ctx context.Context, fb *feedback.Log, req CycleRequest) (CycleReport, error) {
	depth := DepthFrom(ctx)
	if depth+1 > c.cfg.MaxDepth {
		return CycleReport{}, fmt.Errorf("%w (depth %d, max %d)", ErrMaxDepth, depth, c.cfg.MaxDepth)
	}

	entries, err := fb.Recent(feedbackWindow)
	if err != nil {
		return CycleReport{}, fmt.Errorf("reading feedback: %w", err)
	}
	tasks := Analyze(entries, c.cfg.MaxTasks)
	if len(tasks) == 0 {
		return CycleReport{}, nil
	}

	graph, err := scheduler.BuildGraph(tasks, c.cfg.MaxBlockers)
	if err != nil {
		return CycleReport{}, fmt.Errorf("building improvement graph: %w", err)
	}

	// Each cycle starts from a clean directory; nested runs are not resumable.
	dir := filepath.Join(c.cfg.WorkDir, fmt.Sprintf("depth-%d", depth+1))
	if err := os.RemoveAll(dir); err != nil {
		return CycleReport{}, fmt.Errorf("clearing improvement directory: %w", err)
	}
	store, err := persistence.NewFileStore(filepath.Join(dir, "state"))
	if err != nil {
		return CycleReport{}, err
	}
	defer store.Close()
	nestedLog, err := feedback.Open(filepath.Join(dir, "feedback"))
	if err != nil {
		return CycleReport{}, err
	}

	loopCfg := c.cfg.Loop
	loopCfg.MaxTasks = len(tasks) * c.cfg.MaxBlockers
	loopCfg.FinalCycleRequiresMilestone = false

	state := session.New(fmt.Sprintf("improvement-%d", req.Cycle), len(tasks), loopCfg.MaxImprovementCycles, c.now())
	loop, err := NewLoop(loopCfg, Deps{
		Graph:     graph,
		State:     state,
		Store:     store,
		Feedback:  nestedLog,
		Worker:    c.worker,
		Committer: c.committer,
		Improver:  c,
		Events:    c.events,
		Logger:    c.logger.With("depth", depth+1),
		Clock:     c.now,
	})
	if err != nil {
		return CycleReport{}, err
	}

	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	c.publish(events.ImprovementStartedEvent{
		Cycle:     req.Cycle,
		Depth:     depth + 1,
		Final:     req.Final,
		Tasks:     ids,
		Timestamp: c.now(),
	})
	c.logger.Info("improvement cycle started", "cycle", req.Cycle, "depth", depth+1, "final", req.Final, "tasks", len(tasks))

	outcome, err := loop.Run(WithDepth(ctx, depth+1))
	if err != nil {
		return CycleReport{Ran: true, Tasks: ids}, fmt.Errorf("running improvement loop: %w", err)
	}

	c.publish(events.ImprovementFinishedEvent{
		Cycle:     req.Cycle,
		Depth:     depth + 1,
		Reason:    string(outcome.Reason),
		Completed: outcome.Completed,
		Skipped:   outcome.Skipped,
		Timestamp: c.now(),
	})
	return CycleReport{Ran: true, Tasks: ids, Outcome: outcome}, nil
}

func (c *ImprovementController) publish(ev events.Event) {
	if c.events != nil {
		c.events.Publish(ev)
	}
}

// Analyze derives up to limit improvement tasks from feedback entries:
// skipped tasks first, then tasks that failed, then unusually slow tasks.
// With nothing notable it proposes a single general review.
func Analyze(entries []feedback.Entry, limit int) []*scheduler.Task {
	if limit <= 0 {
		limit = DefaultMaxImprovementTasks
	}

	type stat struct {
		id, title string
		failures  int
		skipped   bool
		lastError string
		slowest   time.Duration
	}
	stats := map[string]*stat{}
	var order []string
	var durations []time.Duration

	for _, e := range entries {
		s, ok := stats[e.TaskID]
		if !ok {
			s = &stat{id: e.TaskID, title: e.Title}
			stats[e.TaskID] = s
			order = append(order, e.TaskID)
		}
		switch e.Outcome {
		case feedback.OutcomeSkipped:
			s.skipped = true
			s.failures++
			s.lastError = e.Error
		case feedback.OutcomeFailure:
			s.failures++
			s.lastError = e.Error
		case feedback.OutcomeSuccess:
			durations = append(durations, e.Duration())
			if e.Duration() > s.slowest {
				s.slowest = e.Duration()
			}
		}
	}

	var skipped, failed, slow []*stat
	median := medianDuration(durations)
	for _, id := range order {
		s := stats[id]
		switch {
		case s.skipped:
			skipped = append(skipped, s)
		case s.failures > 0:
			failed = append(failed, s)
		case median > 0 && len(durations) >= 3 && s.slowest > slowFactor*median:
			slow = append(slow, s)
		}
	}
	sort.SliceStable(failed, func(i, j int) bool { return failed[i].failures > failed[j].failures })
	sort.SliceStable(slow, func(i, j int) bool { return slow[i].slowest > slow[j].slowest })

	var tasks []*scheduler.Task
	add := func(title, desc string, priority int) {
		if len(tasks) >= limit {
			return
		}
		tasks = append(tasks, &scheduler.Task{
			ID:          fmt.Sprintf("improve-%d", len(tasks)+1),
			Title:       title,
			Description: desc,
			Priority:    priority,
		})
	}

	for _, s := range skipped {
		add(fmt.Sprintf("Unblock skipped task %s", label(s.id, s.title)),
			fmt.Sprintf("Task %s was skipped after %d failed attempts. Last error: %s. Find the root cause and fix it so the work can be completed.", s.id, s.failures, orNone(s.lastError)), 0)
	}
	for _, s := range failed {
		add(fmt.Sprintf("Investigate failures in task %s", label(s.id, s.title)),
			fmt.Sprintf("Task %s failed %d time(s) before succeeding or is still pending. Last error: %s. Make the failure mode less likely.", s.id, s.failures, orNone(s.lastError)), 1)
	}
	for _, s := range slow {
		add(fmt.Sprintf("Reduce runtime of task %s", label(s.id, s.title)),
			fmt.Sprintf("Task %s took %s against a median of %s. Look for redundant work.", s.id, s.slowest.Round(time.Second), median.Round(time.Second)), 2)
	}
	if len(tasks) == 0 && len(entries) > 0 {
		add("Review recent changes",
			fmt.Sprintf("Review the last %d completed tasks for regressions, missing tests and inconsistencies.", len(entries)), 3)
	}
	return tasks
}

func medianDuration(ds []time.Duration) time.Duration {
	if len(ds) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), ds...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[len(sorted)/2]
}

func label(id, title string) string {
	if title == "" {
		return id
	}
	return fmt.Sprintf("%s (%s)", id, strings.TrimSpace(title))
}

func orNone(s string) string {
	if s == "" {
		return "none recorded"
	}
	return s
}
