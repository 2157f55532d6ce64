package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/aristath/autopilot/internal/scheduler"
)

// SaveTasks replaces the stored graph with tasks. Tasks are inserted before
// any dependency rows so the foreign keys hold for forward references.
func (s *SQLiteStore) SaveTasks(ctx context.Context, tasks []*scheduler.Task) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	// Begin transaction with serializable isolation (BEGIN IMMEDIATE)
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Dependency rows go with their tasks via ON DELETE CASCADE.
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks`); err != nil {
		return fmt.Errorf("failed to clear tasks: %w", err)
	}

	for i, task := range tasks {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, position, title, description, priority, status, blocker_count, skip_reason, parallel_eligible, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		`, task.ID, i, task.Title, task.Description, task.Priority, string(task.Status), task.BlockerCount, task.SkipReason, task.ParallelEligible)
		if err != nil {
			return fmt.Errorf("failed to insert task %s: %w", task.ID, err)
		}
	}

	for _, task := range tasks {
		for j, depID := range task.DependsOn {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO task_dependencies (task_id, depends_on_id, ordinal)
				VALUES (?, ?, ?)
			`, task.ID, depID, j)
			if err != nil {
				return fmt.Errorf("failed to insert dependency %s -> %s: %w", task.ID, depID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// LoadTasks returns tasks in their saved order. ErrNotFound is returned when
// nothing has been saved.
func (s *SQLiteStore) LoadTasks(ctx context.Context) ([]*scheduler.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, description, priority, status, blocker_count, skip_reason, parallel_eligible
		FROM tasks
		ORDER BY position
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}

	var tasks []*scheduler.Task
	byID := make(map[string]*scheduler.Task)
	for rows.Next() {
		task := &scheduler.Task{}
		var status string
		if err := rows.Scan(&task.ID, &task.Title, &task.Description, &task.Priority, &status, &task.BlockerCount, &task.SkipReason, &task.ParallelEligible); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		task.Status = scheduler.TaskStatus(status)
		tasks = append(tasks, task)
		byID[task.ID] = task
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	rows.Close()

	if len(tasks) == 0 {
		return nil, ErrNotFound
	}

	// The pool has one connection, so dependencies are read only after the
	// task rows are closed.
	depRows, err := s.db.QueryContext(ctx, `
		SELECT task_id, depends_on_id
		FROM task_dependencies
		ORDER BY task_id, ordinal
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies: %w", err)
	}
	defer depRows.Close()

	for depRows.Next() {
		var taskID, depID string
		if err := depRows.Scan(&taskID, &depID); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		if task, ok := byID[taskID]; ok {
			task.DependsOn = append(task.DependsOn, depID)
		}
	}
	if err := depRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}

	return tasks, nil
}
