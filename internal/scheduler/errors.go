package scheduler

import (
	"errors"
	"fmt"
	"strings"
)

// ErrTaskNotFound is returned when an operation names an unknown task ID.
var ErrTaskNotFound = errors.New("task not found")

// CycleError reports a dependency cycle. Path starts and ends on the same
// task ID, e.g. [3 1 2 3] for 3 -> 1 -> 2 -> 3.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Path, " -> "))
}

// String renders the cycle path without the error prefix.
func (e *CycleError) String() string {
	return strings.Join(e.Path, " -> ")
}

// TransitionError is returned when a status change is not allowed from the
// task's current status.
type TransitionError struct {
	TaskID string
	From   TaskStatus
	To     TaskStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("task %q cannot move from %s to %s", e.TaskID, e.From, e.To)
}
