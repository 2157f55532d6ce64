package scheduler

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

// mustAdd adds tasks to a graph and fails the test on error.
func mustAdd(t *testing.T, g *Graph, tasks ...*Task) {
	t.Helper()
	for _, task := range tasks {
		if err := g.AddTask(task); err != nil {
			t.Fatalf("AddTask(%s) failed: %v", task.ID, err)
		}
	}
}

func nextID(t *testing.T, g *Graph) string {
	t.Helper()
	task, ok := g.NextUnblocked()
	if !ok {
		return ""
	}
	return task.ID
}

// TestNextUnblockedPriorityAndDependencies covers the selection example:
// 2 is blocked on 1, and 1 beats 3 on priority. Once 1 is done, 2 wins.
func TestNextUnblockedPriorityAndDependencies(t *testing.T) {
	g := NewGraph(3)
	mustAdd(t, g,
		&Task{ID: "1", Priority: 1},
		&Task{ID: "2", Priority: 0, DependsOn: []string{"1"}},
		&Task{ID: "3", Priority: 2},
	)

	if got := nextID(t, g); got != "1" {
		t.Fatalf("initial NextUnblocked() = %q, want 1", got)
	}

	if err := g.MarkInProgress("1"); err != nil {
		t.Fatalf("MarkInProgress failed: %v", err)
	}
	if err := g.MarkDone("1"); err != nil {
		t.Fatalf("MarkDone failed: %v", err)
	}

	if got := nextID(t, g); got != "2" {
		t.Fatalf("NextUnblocked() after 1 done = %q, want 2", got)
	}
}

func TestNextUnblockedTieBreaksOnID(t *testing.T) {
	tests := []struct {
		name  string
		tasks []*Task
		want  string
	}{
		{
			name:  "numeric ids compare numerically",
			tasks: []*Task{{ID: "10", Priority: 1}, {ID: "2", Priority: 1}, {ID: "7", Priority: 1}},
			want:  "2",
		},
		{
			name:  "string ids compare lexically",
			tasks: []*Task{{ID: "beta", Priority: 0}, {ID: "alpha", Priority: 0}},
			want:  "alpha",
		},
		{
			name:  "insertion order does not matter",
			tasks: []*Task{{ID: "c", Priority: 2}, {ID: "b", Priority: 2}, {ID: "a", Priority: 3}},
			want:  "b",
		},
		{
			name:  "priority dominates id",
			tasks: []*Task{{ID: "a", Priority: 4}, {ID: "z", Priority: 0}},
			want:  "z",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGraph(3)
			mustAdd(t, g, tt.tasks...)
			if got := nextID(t, g); got != tt.want {
				t.Errorf("NextUnblocked() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNextUnblockedIdempotent(t *testing.T) {
	g := NewGraph(3)
	mustAdd(t, g,
		&Task{ID: "a", Priority: 1},
		&Task{ID: "b", Priority: 1},
	)

	first := nextID(t, g)
	second := nextID(t, g)
	if first != second {
		t.Errorf("consecutive calls returned %q then %q", first, second)
	}

	empty := NewGraph(3)
	if _, ok := empty.NextUnblocked(); ok {
		t.Error("empty graph returned a task")
	}
	if _, ok := empty.NextUnblocked(); ok {
		t.Error("empty graph returned a task on second call")
	}
}

// TestNextUnblockedNeverReturnsIneligible walks a graph to completion and
// checks every selection against the selection rule.
func TestNextUnblockedNeverReturnsIneligible(t *testing.T) {
	g := NewGraph(2)
	mustAdd(t, g,
		&Task{ID: "1", Priority: 3},
		&Task{ID: "2", Priority: 0, DependsOn: []string{"1"}},
		&Task{ID: "3", Priority: 1, DependsOn: []string{"1", "2"}},
		&Task{ID: "4", Priority: 0, DependsOn: []string{"missing"}},
		&Task{ID: "5", Priority: 2},
	)

	for i := 0; i < 20; i++ {
		task, ok := g.NextUnblocked()
		if !ok {
			break
		}
		if task.Status != TaskPending {
			t.Fatalf("NextUnblocked returned %s with status %s", task.ID, task.Status)
		}
		for _, dep := range task.DependsOn {
			d, exists := g.Get(dep)
			if !exists || d.Status != TaskDone {
				t.Fatalf("NextUnblocked returned %s with unmet dependency %s", task.ID, dep)
			}
		}
		if err := g.MarkInProgress(task.ID); err != nil {
			t.Fatalf("MarkInProgress(%s): %v", task.ID, err)
		}
		if err := g.MarkDone(task.ID); err != nil {
			t.Fatalf("MarkDone(%s): %v", task.ID, err)
		}
	}

	if blocked := g.Blocked(); !reflect.DeepEqual(blocked, []string{"4"}) {
		t.Errorf("Blocked() = %v, want [4]", blocked)
	}
}

func TestAddTaskRejectsCycleWithPath(t *testing.T) {
	g := NewGraph(3)
	mustAdd(t, g,
		&Task{ID: "1", DependsOn: []string{"2"}},
		&Task{ID: "2", DependsOn: []string{"3"}},
	)

	err := g.AddTask(&Task{ID: "3", DependsOn: []string{"1"}})
	if err == nil {
		t.Fatal("expected cycle error, got nil")
	}

	var cycleErr *CycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("expected *CycleError, got %T: %v", err, err)
	}
	if got := cycleErr.String(); got != "3 -> 1 -> 2 -> 3" {
		t.Errorf("cycle path = %q, want %q", got, "3 -> 1 -> 2 -> 3")
	}

	if _, exists := g.Get("3"); exists {
		t.Error("rejected task was inserted")
	}
	if g.Len() != 2 {
		t.Errorf("Len() = %d, want 2", g.Len())
	}
}

func TestAddTaskRejects(t *testing.T) {
	tests := []struct {
		name        string
		setup       func(g *Graph)
		task        *Task
		errContains string
	}{
		{
			name:        "self-loop",
			setup:       func(g *Graph) {},
			task:        &Task{ID: "A", DependsOn: []string{"A"}},
			errContains: "A -> A",
		},
		{
			name: "direct cycle",
			setup: func(g *Graph) {
				g.AddTask(&Task{ID: "A", DependsOn: []string{"B"}})
			},
			task:        &Task{ID: "B", DependsOn: []string{"A"}},
			errContains: "B -> A -> B",
		},
		{
			name: "duplicate id",
			setup: func(g *Graph) {
				g.AddTask(&Task{ID: "A"})
			},
			task:        &Task{ID: "A"},
			errContains: "already exists",
		},
		{
			name:        "empty id",
			setup:       func(g *Graph) {},
			task:        &Task{Title: "nameless"},
			errContains: "non-empty ID",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGraph(3)
			tt.setup(g)
			err := g.AddTask(tt.task)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.errContains) {
				t.Errorf("error %q does not contain %q", err.Error(), tt.errContains)
			}
		})
	}
}

func TestAddTaskResetsProgressFields(t *testing.T) {
	g := NewGraph(3)
	mustAdd(t, g, &Task{ID: "A", Status: TaskDone, BlockerCount: 2, SkipReason: "stale"})

	task, _ := g.Get("A")
	if task.Status != TaskPending || task.BlockerCount != 0 || task.SkipReason != "" {
		t.Errorf("AddTask kept progress fields: %+v", task)
	}
}

func TestAddDependency(t *testing.T) {
	g := NewGraph(3)
	mustAdd(t, g,
		&Task{ID: "A"},
		&Task{ID: "B", DependsOn: []string{"A"}},
	)

	if err := g.AddDependency("C", "A"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("AddDependency on unknown task: got %v, want ErrTaskNotFound", err)
	}

	err := g.AddDependency("A", "B")
	var cycleErr *CycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("expected *CycleError, got %v", err)
	}
	if got := cycleErr.String(); got != "A -> B -> A" {
		t.Errorf("cycle path = %q, want A -> B -> A", got)
	}
	a, _ := g.Get("A")
	if len(a.DependsOn) != 0 {
		t.Errorf("rejected edge was kept: %v", a.DependsOn)
	}

	mustAdd(t, g, &Task{ID: "C"})
	if err := g.AddDependency("A", "C"); err != nil {
		t.Fatalf("AddDependency(A, C) failed: %v", err)
	}
	if blocked, _ := g.IsBlocked("A"); !blocked {
		t.Error("A should be blocked on C")
	}
	if deps := g.Dependents("C"); !reflect.DeepEqual(deps, []string{"A"}) {
		t.Errorf("Dependents(C) = %v, want [A]", deps)
	}
}

func TestDetectCycleOnRestoredGraph(t *testing.T) {
	g := NewGraph(3)
	err := g.Restore([]*Task{
		{ID: "x", DependsOn: []string{"y"}, Status: TaskPending},
		{ID: "y", DependsOn: []string{"z"}, Status: TaskPending},
		{ID: "z", DependsOn: []string{"x"}, Status: TaskPending},
	})
	var cycleErr *CycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("Restore: expected *CycleError, got %v", err)
	}

	path := g.DetectCycle()
	if len(path) != 4 || path[0] != path[len(path)-1] {
		t.Fatalf("DetectCycle() = %v, want closed path of 4 nodes", path)
	}
	if !reflect.DeepEqual(path, []string{"x", "y", "z", "x"}) {
		t.Errorf("DetectCycle() = %v, want [x y z x]", path)
	}
}

func TestDetectCycleAcyclic(t *testing.T) {
	g := NewGraph(3)
	mustAdd(t, g,
		&Task{ID: "A"},
		&Task{ID: "B", DependsOn: []string{"A"}},
		&Task{ID: "C", DependsOn: []string{"A", "B"}},
	)
	if path := g.DetectCycle(); path != nil {
		t.Errorf("DetectCycle() = %v, want nil", path)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name        string
		tasks       []*Task
		wantErr     bool
		errContains string
		wantLen     int
	}{
		{
			name:    "linear chain",
			tasks:   []*Task{{ID: "A"}, {ID: "B", DependsOn: []string{"A"}}, {ID: "C", DependsOn: []string{"B"}}},
			wantLen: 3,
		},
		{
			name:    "disconnected components",
			tasks:   []*Task{{ID: "A"}, {ID: "B", DependsOn: []string{"A"}}, {ID: "C"}, {ID: "D", DependsOn: []string{"C"}}},
			wantLen: 4,
		},
		{
			name:        "missing dependency",
			tasks:       []*Task{{ID: "A", DependsOn: []string{"nonexistent"}}},
			wantErr:     true,
			errContains: "nonexistent",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGraph(3)
			mustAdd(t, g, tt.tasks...)
			order, err := g.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				if !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("error %q does not contain %q", err.Error(), tt.errContains)
				}
				return
			}
			if len(order) != tt.wantLen {
				t.Fatalf("order has %d tasks, want %d: %v", len(order), tt.wantLen, order)
			}
			pos := make(map[string]int)
			for i, id := range order {
				pos[id] = i
			}
			for _, task := range tt.tasks {
				for _, dep := range task.DependsOn {
					if pos[dep] > pos[task.ID] {
						t.Errorf("%s sorted before its dependency %s", task.ID, dep)
					}
				}
			}
		})
	}
}

func TestMarkFailedAutoSkips(t *testing.T) {
	g := NewGraph(3)
	mustAdd(t, g, &Task{ID: "A"})

	for attempt := 1; attempt <= 3; attempt++ {
		if err := g.MarkInProgress("A"); err != nil {
			t.Fatalf("attempt %d: MarkInProgress: %v", attempt, err)
		}
		skipped, err := g.MarkFailed("A")
		if err != nil {
			t.Fatalf("attempt %d: MarkFailed: %v", attempt, err)
		}
		task, _ := g.Get("A")
		if task.BlockerCount != attempt {
			t.Errorf("attempt %d: BlockerCount = %d", attempt, task.BlockerCount)
		}
		if attempt < 3 {
			if skipped || task.Status != TaskPending {
				t.Errorf("attempt %d: skipped=%v status=%s, want pending", attempt, skipped, task.Status)
			}
			continue
		}
		if !skipped || task.Status != TaskSkipped || task.SkipReason == "" {
			t.Errorf("attempt %d: skipped=%v status=%s reason=%q, want skipped", attempt, skipped, task.Status, task.SkipReason)
		}
	}

	if _, err := g.MarkFailed("A"); err == nil {
		t.Error("MarkFailed on skipped task should fail")
	}
	if !g.AllResolved() {
		t.Error("AllResolved() = false after only task skipped")
	}
}

func TestTransitions(t *testing.T) {
	g := NewGraph(3)
	mustAdd(t, g, &Task{ID: "A"}, &Task{ID: "B"})

	var transErr *TransitionError
	if err := g.MarkInProgress("A"); err != nil {
		t.Fatalf("MarkInProgress: %v", err)
	}
	if err := g.MarkInProgress("A"); !errors.As(err, &transErr) {
		t.Errorf("second MarkInProgress: got %v, want TransitionError", err)
	}

	reset, err := g.ResetInProgress("A")
	if err != nil || !reset {
		t.Fatalf("ResetInProgress = %v, %v; want true, nil", reset, err)
	}
	task, _ := g.Get("A")
	if task.Status != TaskPending || task.BlockerCount != 0 {
		t.Errorf("after reset: status=%s blockers=%d", task.Status, task.BlockerCount)
	}
	if reset, _ := g.ResetInProgress("A"); reset {
		t.Error("ResetInProgress on pending task reported a reset")
	}

	if err := g.MarkDone("A"); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}
	if err := g.MarkSkipped("A", "late"); !errors.As(err, &transErr) {
		t.Errorf("MarkSkipped on done task: got %v, want TransitionError", err)
	}

	if err := g.MarkSkipped("B", "not needed"); err != nil {
		t.Fatalf("MarkSkipped: %v", err)
	}
	if err := g.MarkSkipped("B", "again"); err != nil {
		t.Errorf("MarkSkipped twice should be a no-op, got %v", err)
	}
	b, _ := g.Get("B")
	if b.SkipReason != "not needed" {
		t.Errorf("SkipReason = %q, want first reason kept", b.SkipReason)
	}

	if _, err := g.MarkFailed("missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("MarkFailed(missing) = %v, want ErrTaskNotFound", err)
	}

	c := g.Counts()
	if c.Total != 2 || c.Done != 1 || c.Skipped != 1 {
		t.Errorf("Counts() = %+v", c)
	}
}

func TestSkippedDependencyDeadlocks(t *testing.T) {
	g := NewGraph(1)
	mustAdd(t, g,
		&Task{ID: "A"},
		&Task{ID: "B", DependsOn: []string{"A"}},
	)

	g.MarkInProgress("A")
	if skipped, _ := g.MarkFailed("A"); !skipped {
		t.Fatal("A should be skipped with max blockers 1")
	}

	if _, ok := g.NextUnblocked(); ok {
		t.Error("NextUnblocked returned a task although B depends on a skipped task")
	}
	if g.AllResolved() {
		t.Error("AllResolved() = true with B still pending")
	}
	if blocked := g.Blocked(); !reflect.DeepEqual(blocked, []string{"B"}) {
		t.Errorf("Blocked() = %v, want [B]", blocked)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	g := NewGraph(3)
	mustAdd(t, g, &Task{ID: "A", DependsOn: []string{"B"}})

	task, _ := g.Get("A")
	task.Status = TaskDone
	task.DependsOn[0] = "mutated"

	fresh, _ := g.Get("A")
	if fresh.Status != TaskPending || fresh.DependsOn[0] != "B" {
		t.Errorf("graph state changed through returned copy: %+v", fresh)
	}
}
