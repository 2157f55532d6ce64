package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aristath/autopilot/internal/feedback"
	"github.com/aristath/autopilot/internal/persistence"
	"github.com/aristath/autopilot/internal/scheduler"
	"github.com/aristath/autopilot/internal/session"
)

// fakeClock advances only when told to.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// scriptedWorker records every dispatch and asks decide for the outcome.
// A nil decide succeeds every task.
type scriptedWorker struct {
	mu     sync.Mutex
	calls  []string
	decide func(call int, task scheduler.Task) (Result, error)
}

func (w *scriptedWorker) Dispatch(ctx context.Context, task scheduler.Task) (Result, error) {
	w.mu.Lock()
	w.calls = append(w.calls, task.ID)
	call := len(w.calls)
	w.mu.Unlock()

	if w.decide == nil {
		return Result{Success: true, Observations: "done " + task.ID}, nil
	}
	return w.decide(call, task)
}

func (w *scriptedWorker) Calls() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.calls...)
}

// failIDs fails every dispatch of the listed tasks.
func failIDs(ids ...string) func(int, scheduler.Task) (Result, error) {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return func(_ int, task scheduler.Task) (Result, error) {
		if set[task.ID] {
			return Result{Success: false, Error: "boom " + task.ID}, nil
		}
		return Result{Success: true}, nil
	}
}

type fakeCommitter struct {
	mu       sync.Mutex
	messages []string
	err      error
}

func (c *fakeCommitter) Commit(ctx context.Context, message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, message)
	return c.err
}

func (c *fakeCommitter) Messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.messages...)
}

// recordingImprover remembers each request and the completed count the
// loop had persisted when the cycle started.
type recordingImprover struct {
	store     persistence.Store
	requests  []CycleRequest
	completed []int
	idle      bool // Report that there was nothing to improve
	err       error
}

func (r *recordingImprover) Improve(ctx context.Context, fb *feedback.Log, req CycleRequest) (CycleReport, error) {
	r.requests = append(r.requests, req)
	if r.store != nil {
		st, err := r.store.LoadState(ctx)
		if err != nil {
			return CycleReport{}, err
		}
		r.completed = append(r.completed, st.CompletedCount)
	}
	if r.err != nil {
		return CycleReport{}, r.err
	}
	if r.idle {
		return CycleReport{}, nil
	}
	return CycleReport{Ran: true, Outcome: Outcome{Reason: session.ReasonCompleted}}, nil
}

type harness struct {
	dir      string
	store    *persistence.FileStore
	feedback *feedback.Log
	clock    *fakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	store, err := persistence.NewFileStore(filepath.Join(dir, "state"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	fb, err := feedback.Open(filepath.Join(dir, "feedback"))
	if err != nil {
		t.Fatalf("feedback.Open: %v", err)
	}
	return &harness{dir: dir, store: store, feedback: fb, clock: newFakeClock()}
}

// newLoop builds a loop over graph with a fresh session.
func (h *harness) newLoop(t *testing.T, cfg LoopConfig, graph *scheduler.Graph, deps Deps) *Loop {
	t.Helper()
	deps.Graph = graph
	if deps.State == nil {
		deps.State = session.New("test", graph.Len(), cfg.MaxImprovementCycles, h.clock.Now())
	}
	deps.Store = h.store
	deps.Feedback = h.feedback
	if deps.Clock == nil {
		deps.Clock = h.clock.Now
	}
	loop, err := NewLoop(cfg, deps)
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	return loop
}

// linearGraph returns n independent tasks "1".."n" of equal priority.
func linearGraph(t *testing.T, n, maxBlockers int) *scheduler.Graph {
	t.Helper()
	tasks := make([]*scheduler.Task, n)
	for i := range tasks {
		id := fmt.Sprint(i + 1)
		tasks[i] = &scheduler.Task{ID: id, Title: "task " + id}
	}
	graph, err := scheduler.BuildGraph(tasks, maxBlockers)
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}
	return graph
}

// testConfig is a loop config with every optional behaviour turned off.
func testConfig() LoopConfig {
	return LoopConfig{StallThreshold: session.DefaultStallThreshold}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
