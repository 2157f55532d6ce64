package scheduler

import (
	"strconv"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"     // Waiting to run (or waiting on dependencies)
	TaskInProgress TaskStatus = "in_progress" // Dispatched to a worker
	TaskDone       TaskStatus = "done"        // Finished successfully (terminal)
	TaskSkipped    TaskStatus = "skipped"     // Given up after too many blockers (terminal)
)

// Terminal reports whether no further transition is possible.
func (s TaskStatus) Terminal() bool {
	return s == TaskDone || s == TaskSkipped
}

// Task represents a unit of work in a session graph.
type Task struct {
	ID               string     `json:"id" yaml:"id"`
	Title            string     `json:"title" yaml:"title"`
	Description      string     `json:"description,omitempty" yaml:"description,omitempty"`
	Priority         int        `json:"priority" yaml:"priority"` // 0 = most urgent
	Status           TaskStatus `json:"status" yaml:"status,omitempty"`
	DependsOn        []string   `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	BlockerCount     int        `json:"blocker_count" yaml:"blocker_count,omitempty"`
	SkipReason       string     `json:"skip_reason,omitempty" yaml:"skip_reason,omitempty"`
	ParallelEligible bool       `json:"parallel_eligible,omitempty" yaml:"parallel_eligible,omitempty"`
}

// Skipped reports whether the task was auto-skipped or skipped explicitly.
func (t *Task) Skipped() bool {
	return t.Status == TaskSkipped
}

func cloneTask(task *Task) *Task {
	if task == nil {
		return nil
	}

	cp := *task
	if task.DependsOn != nil {
		cp.DependsOn = append([]string(nil), task.DependsOn...)
	}
	return &cp
}

// lessID orders task IDs. Purely numeric IDs compare numerically so that
// "2" sorts before "10"; anything else falls back to byte order.
func lessID(a, b string) bool {
	ai, aErr := strconv.ParseInt(a, 10, 64)
	bi, bErr := strconv.ParseInt(b, 10, 64)
	switch {
	case aErr == nil && bErr == nil:
		if ai != bi {
			return ai < bi
		}
		return a < b
	case aErr == nil:
		return true
	case bErr == nil:
		return false
	default:
		return a < b
	}
}
