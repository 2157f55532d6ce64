package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Validate rejects settings the loop cannot run with.
func (c *Config) Validate() error {
	var errs []error
	positive := func(name string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("session.%s must be positive, got %d", name, v))
		}
	}

	s := c.Session
	positive("max_blockers", s.MaxBlockers)
	positive("checkpoint_interval", s.CheckpointInterval)
	positive("improvement_milestone", s.ImprovementMilestone)
	positive("max_tasks", s.MaxTasks)
	positive("max_duration_hours", s.MaxDurationHours)
	positive("feedback_rotation_interval", s.FeedbackRotationInterval)
	positive("task_timeout_minutes", s.TaskTimeoutMinutes)
	positive("stall_threshold", s.StallThreshold)
	positive("stale_heartbeat_minutes", s.StaleHeartbeatMinutes)
	positive("max_improvement_tasks", s.MaxImprovementTasks)
	positive("max_nesting_depth", s.MaxNestingDepth)
	if s.MaxImprovementCycles < 0 {
		errs = append(errs, fmt.Errorf("session.max_improvement_cycles must not be negative, got %d", s.MaxImprovementCycles))
	}

	switch c.Worker.Type {
	case "claude":
	case "command":
		if c.Worker.Command == "" {
			errs = append(errs, errors.New("worker.command is required for the command worker"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown worker.type %q", c.Worker.Type))
	}

	switch c.Storage.Backend {
	case "file", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("unknown storage.backend %q", c.Storage.Backend))
	}
	if c.Storage.Dir == "" {
		errs = append(errs, errors.New("storage.dir must be set"))
	}
	if c.Commit.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("commit.max_retries must not be negative, got %d", c.Commit.MaxRetries))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// ParseLevel maps log_level to a slog level. Empty means info.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log_level %q", level)
}

// MaxDuration returns the wall-clock cap of one run.
func (s SessionConfig) MaxDuration() time.Duration {
	return time.Duration(s.MaxDurationHours) * time.Hour
}

// TaskTimeout returns the per-task dispatch timeout.
func (s SessionConfig) TaskTimeout() time.Duration {
	return time.Duration(s.TaskTimeoutMinutes) * time.Minute
}

// StaleAfter returns the heartbeat age after which a session is presumed dead.
func (s SessionConfig) StaleAfter() time.Duration {
	return time.Duration(s.StaleHeartbeatMinutes) * time.Minute
}

// BreakerCooldown returns how long the worker breaker stays open.
func (w WorkerConfig) BreakerCooldown() time.Duration {
	return time.Duration(w.BreakerCooldownSeconds) * time.Second
}
