package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	Topic() string
	TaskID() string
}

// Topic constants
const (
	TopicTask        = "task"
	TopicSession     = "session"
	TopicImprovement = "improvement"
)

// Event type constants
const (
	EventTypeTaskDispatched     = "task.dispatched"
	EventTypeTaskCompleted      = "task.completed"
	EventTypeTaskFailed         = "task.failed"
	EventTypeTaskSkipped        = "task.skipped"
	EventTypeSessionProgress    = "session.progress"
	EventTypeSessionEnded       = "session.ended"
	EventTypeImprovementStarted = "improvement.started"
	EventTypeImprovementEnded   = "improvement.finished"
)

// TaskDispatchedEvent is published right before a task is handed to the worker.
type TaskDispatchedEvent struct {
	ID        string
	Title     string
	Attempt   int
	Depth     int
	Timestamp time.Time
}

func (e TaskDispatchedEvent) EventType() string { return EventTypeTaskDispatched }
func (e TaskDispatchedEvent) Topic() string     { return TopicTask }
func (e TaskDispatchedEvent) TaskID() string    { return e.ID }

// TaskCompletedEvent is published when a task completes successfully.
type TaskCompletedEvent struct {
	ID           string
	Observations string
	Depth        int
	Duration     time.Duration
	Timestamp    time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) Topic() string     { return TopicTask }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// TaskFailedEvent is published when a dispatch fails but the task will be retried.
type TaskFailedEvent struct {
	ID           string
	Err          string
	BlockerCount int
	Depth        int
	Duration     time.Duration
	Timestamp    time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) Topic() string     { return TopicTask }
func (e TaskFailedEvent) TaskID() string    { return e.ID }

// TaskSkippedEvent is published when a task exhausts its blocker budget.
type TaskSkippedEvent struct {
	ID        string
	Reason    string
	Depth     int
	Timestamp time.Time
}

func (e TaskSkippedEvent) EventType() string { return EventTypeTaskSkipped }
func (e TaskSkippedEvent) Topic() string     { return TopicTask }
func (e TaskSkippedEvent) TaskID() string    { return e.ID }

// SessionProgressEvent is published after every dispatch.
type SessionProgressEvent struct {
	SessionID           string
	Depth               int
	Total               int
	Completed           int
	Skipped             int
	Pending             int
	Dispatches          int
	ConsecutiveFailures int
	CyclesRun           int
	Timestamp           time.Time
}

func (e SessionProgressEvent) EventType() string { return EventTypeSessionProgress }
func (e SessionProgressEvent) Topic() string     { return TopicSession }
func (e SessionProgressEvent) TaskID() string    { return "" }

// SessionEndedEvent is published once when a loop stops for any reason.
type SessionEndedEvent struct {
	SessionID string
	Depth     int
	Status    string
	Reason    string
	Blocked   []string
	Timestamp time.Time
}

func (e SessionEndedEvent) EventType() string { return EventTypeSessionEnded }
func (e SessionEndedEvent) Topic() string     { return TopicSession }
func (e SessionEndedEvent) TaskID() string    { return "" }

// ImprovementStartedEvent is published when an improvement cycle begins.
type ImprovementStartedEvent struct {
	Cycle     int
	Depth     int
	Final     bool
	Tasks     []string
	Timestamp time.Time
}

func (e ImprovementStartedEvent) EventType() string { return EventTypeImprovementStarted }
func (e ImprovementStartedEvent) Topic() string     { return TopicImprovement }
func (e ImprovementStartedEvent) TaskID() string    { return "" }

// ImprovementFinishedEvent is published when an improvement cycle's nested
// loop returns.
type ImprovementFinishedEvent struct {
	Cycle     int
	Depth     int
	Reason    string
	Completed int
	Skipped   int
	Timestamp time.Time
}

func (e ImprovementFinishedEvent) EventType() string { return EventTypeImprovementEnded }
func (e ImprovementFinishedEvent) Topic() string     { return TopicImprovement }
func (e ImprovementFinishedEvent) TaskID() string    { return "" }
