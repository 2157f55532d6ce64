package scheduler

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/gammazero/toposort"
)

// DefaultMaxBlockers is used when a graph is created without an explicit limit.
const DefaultMaxBlockers = 3

// Graph is the dependency-annotated task collection for one session or one
// improvement cycle. Insertion order is preserved so the persisted task list
// stays stable between rewrites.
type Graph struct {
	mu          sync.RWMutex
	order       []string           // Insertion order
	tasks       map[string]*Task   // All tasks indexed by ID
	dependents  map[string][]string // Maps taskID -> tasks that depend on it
	maxBlockers int
}

// Counts summarizes task statuses in a graph.
type Counts struct {
	Total      int
	Pending    int
	InProgress int
	Done       int
	Skipped    int
}

// NewGraph creates an empty graph. maxBlockers <= 0 selects DefaultMaxBlockers.
func NewGraph(maxBlockers int) *Graph {
	if maxBlockers <= 0 {
		maxBlockers = DefaultMaxBlockers
	}
	return &Graph{
		tasks:       make(map[string]*Task),
		dependents:  make(map[string][]string),
		maxBlockers: maxBlockers,
	}
}

// MaxBlockers returns the failure count at which a task is auto-skipped.
func (g *Graph) MaxBlockers() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.maxBlockers
}

// AddTask inserts a task as pending. Dependencies may name tasks that are not
// in the graph yet. Returns *CycleError if the new edges close a cycle back
// to task.ID; the graph is left unchanged in that case.
func (g *Graph) AddTask(task *Task) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("task must have a non-empty ID")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.tasks[task.ID]; exists {
		return fmt.Errorf("task with ID %q already exists", task.ID)
	}

	t := cloneTask(task)
	t.Status = TaskPending
	t.BlockerCount = 0
	t.SkipReason = ""
	t.DependsOn = dedupe(t.DependsOn)

	g.tasks[t.ID] = t
	if path := g.cycleFrom(t.ID); path != nil {
		delete(g.tasks, t.ID)
		return &CycleError{Path: path}
	}

	g.order = append(g.order, t.ID)
	for _, depID := range t.DependsOn {
		g.dependents[depID] = append(g.dependents[depID], t.ID)
	}
	return nil
}

// AddDependency makes taskID depend on depID, rejecting edges that would
// create a cycle.
func (g *Graph) AddDependency(taskID, depID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, exists := g.tasks[taskID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	for _, existing := range task.DependsOn {
		if existing == depID {
			return nil
		}
	}

	task.DependsOn = append(task.DependsOn, depID)
	if path := g.cycleFrom(taskID); path != nil {
		task.DependsOn = task.DependsOn[:len(task.DependsOn)-1]
		return &CycleError{Path: path}
	}
	g.dependents[depID] = append(g.dependents[depID], taskID)
	return nil
}

// Restore inserts tasks exactly as persisted, keeping status and blocker
// counts. Used when reloading a session; the result is validated for cycles.
func (g *Graph) Restore(tasks []*Task) error {
	g.mu.Lock()
	for _, task := range tasks {
		if _, exists := g.tasks[task.ID]; exists {
			g.mu.Unlock()
			return fmt.Errorf("task with ID %q already exists", task.ID)
		}
		t := cloneTask(task)
		if t.Status == "" {
			t.Status = TaskPending
		}
		g.tasks[t.ID] = t
		g.order = append(g.order, t.ID)
		for _, depID := range t.DependsOn {
			g.dependents[depID] = append(g.dependents[depID], t.ID)
		}
	}
	g.mu.Unlock()

	if path := g.DetectCycle(); path != nil {
		return &CycleError{Path: path}
	}
	return nil
}

// IsBlocked reports whether any dependency of id is not done. A dependency
// that is missing from the graph counts as not done.
func (g *Graph) IsBlocked(id string) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	task, exists := g.tasks[id]
	if !exists {
		return false, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return g.isBlocked(task), nil
}

func (g *Graph) isBlocked(task *Task) bool {
	for _, depID := range task.DependsOn {
		dep, exists := g.tasks[depID]
		if !exists || dep.Status != TaskDone {
			return true
		}
	}
	return false
}

// NextUnblocked returns the pending, unblocked task with the lowest priority
// value, breaking ties on the lowest ID. It does not mutate the graph.
func (g *Graph) NextUnblocked() (*Task, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var best *Task
	for _, id := range g.order {
		task := g.tasks[id]
		if task.Status != TaskPending || g.isBlocked(task) {
			continue
		}
		if best == nil ||
			task.Priority < best.Priority ||
			(task.Priority == best.Priority && lessID(task.ID, best.ID)) {
			best = task
		}
	}
	if best == nil {
		return nil, false
	}
	return cloneTask(best), true
}

// DetectCycle runs a depth-first search over dependency edges and returns
// the first cycle found as a closed path (first element == last element),
// or nil if the graph is acyclic.
func (g *Graph) DetectCycle() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ids := make([]string, 0, len(g.tasks))
	for id := range g.tasks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return lessID(ids[i], ids[j]) })

	state := make(map[string]int, len(ids)) // 0 unvisited, 1 on stack, 2 finished
	for _, id := range ids {
		if state[id] != 0 {
			continue
		}
		if path := g.dfs(id, state, nil); path != nil {
			return path
		}
	}
	return nil
}

// cycleFrom searches only from start. Caller holds the lock.
func (g *Graph) cycleFrom(start string) []string {
	return g.dfs(start, make(map[string]int), nil)
}

func (g *Graph) dfs(id string, state map[string]int, stack []string) []string {
	state[id] = 1
	stack = append(stack, id)

	task := g.tasks[id]
	deps := append([]string(nil), task.DependsOn...)
	sort.Slice(deps, func(i, j int) bool { return lessID(deps[i], deps[j]) })

	for _, depID := range deps {
		if _, exists := g.tasks[depID]; !exists {
			continue
		}
		switch state[depID] {
		case 1:
			// Back-edge: slice the stack from depID and close the loop.
			for i, onStack := range stack {
				if onStack == depID {
					path := append([]string(nil), stack[i:]...)
					return append(path, depID)
				}
			}
		case 0:
			if path := g.dfs(depID, state, stack); path != nil {
				return path
			}
		}
	}

	state[id] = 2
	return nil
}

// Validate checks that every dependency exists and that the graph is
// acyclic, then returns task IDs in topological order.
func (g *Graph) Validate() ([]string, error) {
	g.mu.RLock()
	for _, id := range g.order {
		for _, depID := range g.tasks[id].DependsOn {
			if _, exists := g.tasks[depID]; !exists {
				g.mu.RUnlock()
				return nil, fmt.Errorf("task %q depends on non-existent task %q", id, depID)
			}
		}
	}
	g.mu.RUnlock()

	if path := g.DetectCycle(); path != nil {
		return nil, &CycleError{Path: path}
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	var edges []toposort.Edge
	for _, id := range g.order {
		task := g.tasks[id]
		if len(task.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, id})
			continue
		}
		for _, depID := range task.DependsOn {
			// Edge (depID, id) means depID must come before id
			edges = append(edges, toposort.Edge{depID, id})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("graph contains cycle: %w", err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}
	if len(order) != len(g.tasks) {
		return nil, fmt.Errorf("topological sort lost %d tasks", len(g.tasks)-len(order))
	}
	return order, nil
}

// MarkInProgress moves a pending task to in_progress.
func (g *Graph) MarkInProgress(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, err := g.lookup(id)
	if err != nil {
		return err
	}
	if task.Status != TaskPending {
		return &TransitionError{TaskID: id, From: task.Status, To: TaskInProgress}
	}
	task.Status = TaskInProgress
	return nil
}

// MarkDone marks a task as finished successfully.
func (g *Graph) MarkDone(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, err := g.lookup(id)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return &TransitionError{TaskID: id, From: task.Status, To: TaskDone}
	}
	task.Status = TaskDone
	return nil
}

// MarkFailed records a failed attempt. The task returns to pending unless
// its blocker count has reached the graph's max blockers, in which case it
// is skipped. Reports whether the task was skipped.
func (g *Graph) MarkFailed(id string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, err := g.lookup(id)
	if err != nil {
		return false, err
	}
	if task.Status.Terminal() {
		return false, &TransitionError{TaskID: id, From: task.Status, To: TaskPending}
	}

	task.BlockerCount++
	if task.BlockerCount >= g.maxBlockers {
		task.Status = TaskSkipped
		task.SkipReason = fmt.Sprintf("failed %d times (max blockers %d)", task.BlockerCount, g.maxBlockers)
		return true, nil
	}
	task.Status = TaskPending
	return false, nil
}

// MarkSkipped skips a task with the given reason. Skipping an already
// skipped task is a no-op.
func (g *Graph) MarkSkipped(id, reason string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, err := g.lookup(id)
	if err != nil {
		return err
	}
	switch task.Status {
	case TaskSkipped:
		return nil
	case TaskDone:
		return &TransitionError{TaskID: id, From: task.Status, To: TaskSkipped}
	}
	task.Status = TaskSkipped
	task.SkipReason = reason
	return nil
}

// ResetInProgress returns an in_progress task to pending without touching
// its blocker count. Reports whether a reset happened.
func (g *Graph) ResetInProgress(id string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, err := g.lookup(id)
	if err != nil {
		return false, err
	}
	if task.Status != TaskInProgress {
		return false, nil
	}
	task.Status = TaskPending
	return true, nil
}

// AllResolved reports whether every task is done or skipped.
func (g *Graph) AllResolved() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, task := range g.tasks {
		if !task.Status.Terminal() {
			return false
		}
	}
	return true
}

// Blocked returns the IDs of pending tasks that cannot run, in ID order.
func (g *Graph) Blocked() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var blocked []string
	for _, id := range g.order {
		task := g.tasks[id]
		if task.Status == TaskPending && g.isBlocked(task) {
			blocked = append(blocked, id)
		}
	}
	sort.Slice(blocked, func(i, j int) bool { return lessID(blocked[i], blocked[j]) })
	return blocked
}

// Dependents returns the IDs of tasks that directly depend on id.
func (g *Graph) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.dependents[id]...)
}

// Counts returns per-status totals.
func (g *Graph) Counts() Counts {
	g.mu.RLock()
	defer g.mu.RUnlock()

	c := Counts{Total: len(g.tasks)}
	for _, task := range g.tasks {
		switch task.Status {
		case TaskPending:
			c.Pending++
		case TaskInProgress:
			c.InProgress++
		case TaskDone:
			c.Done++
		case TaskSkipped:
			c.Skipped++
		}
	}
	return c
}

// Get returns a copy of the task by ID.
func (g *Graph) Get(id string) (*Task, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	task, exists := g.tasks[id]
	if !exists {
		return nil, false
	}
	return cloneTask(task), true
}

// Tasks returns copies of all tasks in insertion order.
func (g *Graph) Tasks() []*Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	tasks := make([]*Task, 0, len(g.order))
	for _, id := range g.order {
		tasks = append(tasks, cloneTask(g.tasks[id]))
	}
	return tasks
}

// Len returns the number of tasks.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.tasks)
}

// Describe renders a one-line summary of a task for logs and feedback.
func Describe(task *Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s [p%d]", task.ID, task.Priority)
	if task.Title != "" {
		fmt.Fprintf(&b, " %s", task.Title)
	}
	return b.String()
}

func (g *Graph) lookup(id string) (*Task, error) {
	task, exists := g.tasks[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return task, nil
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return ids
	}
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
