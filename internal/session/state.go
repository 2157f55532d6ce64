// Package session holds the durable record of orchestrator progress and the
// guard rails evaluated against it.
package session

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusTerminated Status = "terminated" // Guard rail or interrupt; resumable
	StatusCompleted  Status = "completed"
	StatusDeadlocked Status = "deadlocked" // Remaining tasks can never run
)

// Phase describes what the owning loop is doing right now.
type Phase string

const (
	PhaseExecuting  Phase = "executing"
	PhaseImproving  Phase = "improving"
	PhaseFinalizing Phase = "finalizing"
	PhaseStopped    Phase = "stopped"
)

// State is the single-writer snapshot persisted after every mutating step.
type State struct {
	SessionID string `json:"session_id"`
	Spec      string `json:"spec,omitempty"`
	Depth     int    `json:"depth"`

	Status Status `json:"status"`
	Phase  Phase  `json:"phase"`

	TotalTasks     int `json:"total_tasks"`
	CompletedCount int `json:"completed_count"`
	SkippedCount   int `json:"skipped_count"`

	CurrentTaskID        string     `json:"current_task_id,omitempty"`
	CurrentTaskStartedAt *time.Time `json:"current_task_started_at,omitempty"`

	ConsecutiveFailures int `json:"consecutive_failures"`
	TotalDispatches     int `json:"total_dispatches"`
	FeedbackRotations   int `json:"feedback_rotations"`

	CyclesRun     int `json:"cycles_run"`
	MaxCycles     int `json:"max_cycles"`
	LastMilestone int `json:"last_milestone"`

	StartedAt     time.Time `json:"started_at"`
	RunStartedAt  time.Time `json:"run_started_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	UpdatedAt     time.Time `json:"updated_at"`

	LastSuccessfulTaskID string `json:"last_successful_task_id,omitempty"`
	LastError            string `json:"last_error,omitempty"`
	CanResume            bool   `json:"can_resume"`

	TaskFingerprint string `json:"task_fingerprint,omitempty"`
}

// New creates the state for a fresh session.
func New(spec string, totalTasks, maxCycles int, now time.Time) *State {
	return &State{
		SessionID:     uuid.NewString(),
		Spec:          spec,
		Status:        StatusInProgress,
		Phase:         PhaseExecuting,
		TotalTasks:    totalTasks,
		MaxCycles:     maxCycles,
		StartedAt:     now,
		RunStartedAt:  now,
		LastHeartbeat: now,
		UpdatedAt:     now,
		CanResume:     true,
	}
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	cp := *s
	if s.CurrentTaskStartedAt != nil {
		t := *s.CurrentTaskStartedAt
		cp.CurrentTaskStartedAt = &t
	}
	return &cp
}

// Touch updates the heartbeat.
func (s *State) Touch(now time.Time) {
	s.LastHeartbeat = now
	s.UpdatedAt = now
}

// StartTask records the task being dispatched.
func (s *State) StartTask(id string, now time.Time) {
	s.CurrentTaskID = id
	started := now
	s.CurrentTaskStartedAt = &started
	s.UpdatedAt = now
}

// ClearTask forgets the in-flight task.
func (s *State) ClearTask() {
	s.CurrentTaskID = ""
	s.CurrentTaskStartedAt = nil
}

// Stale reports whether the heartbeat is older than threshold.
func (s *State) Stale(now time.Time, threshold time.Duration) bool {
	return now.Sub(s.LastHeartbeat) > threshold
}

// Resumable reports whether a loaded state may be picked up again.
func (s *State) Resumable() bool {
	return (s.Status == StatusInProgress || s.Status == StatusTerminated) && s.CanResume
}
