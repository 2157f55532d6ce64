package session

import "time"

// Reason names why a loop stopped.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonTimeLimit   Reason = "TIME_LIMIT"
	ReasonTaskLimit   Reason = "TASK_LIMIT"
	ReasonStall       Reason = "STALL"
	ReasonInterrupted Reason = "INTERRUPTED"
	ReasonDeadlock    Reason = "DEADLOCK"
	ReasonCompleted   Reason = "COMPLETED"
)

// DefaultStallThreshold is the number of consecutive failures treated as a stall.
const DefaultStallThreshold = 5

// Limits are the hard guard rails applied to a session. A zero value
// disables the corresponding check.
type Limits struct {
	MaxDuration    time.Duration
	MaxTasks       int
	StallThreshold int
}

// Check evaluates the guard rails in order (time, count, stall) and returns
// the first breached reason, or ReasonNone.
func (l Limits) Check(s *State, now time.Time) Reason {
	if r := l.TimeExceeded(s, now); r != ReasonNone {
		return r
	}
	if r := l.TaskLimitReached(s); r != ReasonNone {
		return r
	}
	return l.Stalled(s)
}

// TimeExceeded measures from RunStartedAt, the start of the current process
// run, and deliberately not from the session's StartedAt: measured from the
// session start, a session stopped by TIME_LIMIT could never be resumed.
// Each resume therefore gets a fresh wall-clock budget. StartedAt is only
// used when RunStartedAt was never set.
func (l Limits) TimeExceeded(s *State, now time.Time) Reason {
	if l.MaxDuration <= 0 {
		return ReasonNone
	}
	start := s.RunStartedAt
	if start.IsZero() {
		start = s.StartedAt
	}
	if now.Sub(start) > l.MaxDuration {
		return ReasonTimeLimit
	}
	return ReasonNone
}

func (l Limits) TaskLimitReached(s *State) Reason {
	if l.MaxTasks > 0 && s.TotalDispatches >= l.MaxTasks {
		return ReasonTaskLimit
	}
	return ReasonNone
}

func (l Limits) Stalled(s *State) Reason {
	threshold := l.StallThreshold
	if threshold <= 0 {
		threshold = DefaultStallThreshold
	}
	if s.ConsecutiveFailures >= threshold {
		return ReasonStall
	}
	return ReasonNone
}

// Resumable reports whether a session stopped for this reason may be resumed.
func (r Reason) Resumable() bool {
	switch r {
	case ReasonTimeLimit, ReasonTaskLimit, ReasonStall, ReasonInterrupted:
		return true
	}
	return false
}
