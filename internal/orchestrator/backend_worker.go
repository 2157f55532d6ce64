package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/aristath/autopilot/internal/backend"
	"github.com/aristath/autopilot/internal/scheduler"
)

// BackendFactory creates a backend for one task.
type BackendFactory func(task scheduler.Task) (backend.Backend, error)

// BackendWorker adapts a backend.Backend into a Worker. Each dispatch gets a
// fresh backend so tasks never share a conversation.
type BackendWorker struct {
	factory BackendFactory
}

// NewBackendWorker creates backends from cfg, tracked by pm.
func NewBackendWorker(cfg backend.Config, pm *backend.ProcessManager) *BackendWorker {
	return &BackendWorker{
		factory: func(task scheduler.Task) (backend.Backend, error) {
			c := cfg
			c.SessionID = ""
			return backend.New(c, pm)
		},
	}
}

// NewBackendWorkerWithFactory is used when backends need custom construction.
func NewBackendWorkerWithFactory(factory BackendFactory) *BackendWorker {
	return &BackendWorker{factory: factory}
}

// Dispatch sends the task prompt. A backend that ran and exited non-zero is a
// task failure; anything that kept it from running is returned as an error.
func (w *BackendWorker) Dispatch(ctx context.Context, task scheduler.Task) (Result, error) {
	b, err := w.factory(task)
	if err != nil {
		return Result{}, fmt.Errorf("creating backend for task %s: %w", task.ID, err)
	}
	defer b.Close()

	resp, err := b.Send(ctx, backend.Message{
		Content: Prompt(task),
		Role:    "user",
		Env:     TaskEnv(task),
	})
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Result{Success: false, Observations: resp.Content, Error: resp.Error}, nil
		}
		return Result{Observations: resp.Content, Error: resp.Error}, err
	}
	if resp.Error != "" {
		return Result{Success: false, Observations: resp.Content, Error: resp.Error}, nil
	}
	return Result{Success: true, Observations: resp.Content}, nil
}

// Prompt renders the instruction sent to a backend for task.
func Prompt(task scheduler.Task) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Task %s: %s\n", task.ID, task.Title)
	if task.Description != "" {
		sb.WriteString("\n")
		sb.WriteString(strings.TrimSpace(task.Description))
		sb.WriteString("\n")
	}
	if task.BlockerCount > 0 {
		fmt.Fprintf(&sb, "\nThis is attempt %d; previous attempts failed.\n", task.BlockerCount+1)
	}
	sb.WriteString("\nComplete the task in the current working directory. Report what you changed.")
	return sb.String()
}

// TaskEnv exposes task fields to subprocess backends.
func TaskEnv(task scheduler.Task) map[string]string {
	return map[string]string{
		"TASK_ID":          task.ID,
		"TASK_TITLE":       task.Title,
		"TASK_DESCRIPTION": task.Description,
		"TASK_PRIORITY":    strconv.Itoa(task.Priority),
		"TASK_ATTEMPT":     strconv.Itoa(task.BlockerCount + 1),
	}
}
