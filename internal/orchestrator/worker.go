// Package orchestrator drives a session: it picks the next eligible task,
// hands it to a worker, records the outcome and enforces guard rails. It also
// runs milestone-triggered improvement cycles and resumes crashed sessions.
package orchestrator

import (
	"context"

	"github.com/aristath/autopilot/internal/scheduler"
)

// Result is what a worker reports for one dispatch.
type Result struct {
	Success      bool
	Observations string
	Error        string
}

// Worker executes a single task. At most one call is outstanding at a time.
// A non-nil error is treated the same as an unsuccessful Result.
type Worker interface {
	Dispatch(ctx context.Context, task scheduler.Task) (Result, error)
}

// WorkerFunc adapts a function to Worker.
type WorkerFunc func(ctx context.Context, task scheduler.Task) (Result, error)

func (f WorkerFunc) Dispatch(ctx context.Context, task scheduler.Task) (Result, error) {
	return f(ctx, task)
}

// Committer records a checkpoint in version control. Failures are logged by
// the loop and never stop it.
type Committer interface {
	Commit(ctx context.Context, message string) error
}
