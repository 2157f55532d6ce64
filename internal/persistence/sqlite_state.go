package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/autopilot/internal/session"
)

// SaveState upserts the single session_state row.
func (s *SQLiteStore) SaveState(ctx context.Context, st *session.State) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var currentStarted sql.NullString
	if st.CurrentTaskStartedAt != nil {
		currentStarted = sql.NullString{String: formatTime(*st.CurrentTaskStartedAt), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_state (
			id, session_id, spec, depth, status, phase,
			total_tasks, completed_count, skipped_count,
			current_task_id, current_task_started_at,
			consecutive_failures, total_dispatches, feedback_rotations,
			cycles_run, max_cycles, last_milestone,
			started_at, run_started_at, last_heartbeat, updated_at,
			last_successful_task_id, last_error, can_resume, task_fingerprint
		) VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			session_id = excluded.session_id,
			spec = excluded.spec,
			depth = excluded.depth,
			status = excluded.status,
			phase = excluded.phase,
			total_tasks = excluded.total_tasks,
			completed_count = excluded.completed_count,
			skipped_count = excluded.skipped_count,
			current_task_id = excluded.current_task_id,
			current_task_started_at = excluded.current_task_started_at,
			consecutive_failures = excluded.consecutive_failures,
			total_dispatches = excluded.total_dispatches,
			feedback_rotations = excluded.feedback_rotations,
			cycles_run = excluded.cycles_run,
			max_cycles = excluded.max_cycles,
			last_milestone = excluded.last_milestone,
			started_at = excluded.started_at,
			run_started_at = excluded.run_started_at,
			last_heartbeat = excluded.last_heartbeat,
			updated_at = excluded.updated_at,
			last_successful_task_id = excluded.last_successful_task_id,
			last_error = excluded.last_error,
			can_resume = excluded.can_resume,
			task_fingerprint = excluded.task_fingerprint
	`,
		st.SessionID, st.Spec, st.Depth, string(st.Status), string(st.Phase),
		st.TotalTasks, st.CompletedCount, st.SkippedCount,
		st.CurrentTaskID, currentStarted,
		st.ConsecutiveFailures, st.TotalDispatches, st.FeedbackRotations,
		st.CyclesRun, st.MaxCycles, st.LastMilestone,
		formatTime(st.StartedAt), formatTime(st.RunStartedAt), formatTime(st.LastHeartbeat), formatTime(st.UpdatedAt),
		st.LastSuccessfulTaskID, st.LastError, st.CanResume, st.TaskFingerprint,
	)
	if err != nil {
		return fmt.Errorf("failed to save session state: %w", err)
	}
	return nil
}

// LoadState returns ErrNotFound if no state has been saved.
func (s *SQLiteStore) LoadState(ctx context.Context) (*session.State, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var (
		st                                     session.State
		status, phase                          string
		currentStarted                         sql.NullString
		startedAt, runStartedAt, heartbeat, upd string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, spec, depth, status, phase,
			total_tasks, completed_count, skipped_count,
			current_task_id, current_task_started_at,
			consecutive_failures, total_dispatches, feedback_rotations,
			cycles_run, max_cycles, last_milestone,
			started_at, run_started_at, last_heartbeat, updated_at,
			last_successful_task_id, last_error, can_resume, task_fingerprint
		FROM session_state
		WHERE id = 1
	`).Scan(
		&st.SessionID, &st.Spec, &st.Depth, &status, &phase,
		&st.TotalTasks, &st.CompletedCount, &st.SkippedCount,
		&st.CurrentTaskID, &currentStarted,
		&st.ConsecutiveFailures, &st.TotalDispatches, &st.FeedbackRotations,
		&st.CyclesRun, &st.MaxCycles, &st.LastMilestone,
		&startedAt, &runStartedAt, &heartbeat, &upd,
		&st.LastSuccessfulTaskID, &st.LastError, &st.CanResume, &st.TaskFingerprint,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session state: %w", err)
	}

	st.Status = session.Status(status)
	st.Phase = session.Phase(phase)

	for _, f := range []struct {
		raw string
		dst *time.Time
	}{
		{startedAt, &st.StartedAt},
		{runStartedAt, &st.RunStartedAt},
		{heartbeat, &st.LastHeartbeat},
		{upd, &st.UpdatedAt},
	} {
		if *f.dst, err = parseTime(f.raw); err != nil {
			return nil, err
		}
	}
	if currentStarted.Valid {
		t, err := parseTime(currentStarted.String)
		if err != nil {
			return nil, err
		}
		st.CurrentTaskStartedAt = &t
	}

	return &st, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", raw, err)
	}
	return t, nil
}
