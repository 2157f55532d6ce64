package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
// session_state holds a single row keyed by id = 1.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS session_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		session_id TEXT NOT NULL,
		spec TEXT NOT NULL DEFAULT '',
		depth INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		phase TEXT NOT NULL,
		total_tasks INTEGER NOT NULL DEFAULT 0,
		completed_count INTEGER NOT NULL DEFAULT 0,
		skipped_count INTEGER NOT NULL DEFAULT 0,
		current_task_id TEXT NOT NULL DEFAULT '',
		current_task_started_at TEXT,
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		total_dispatches INTEGER NOT NULL DEFAULT 0,
		feedback_rotations INTEGER NOT NULL DEFAULT 0,
		cycles_run INTEGER NOT NULL DEFAULT 0,
		max_cycles INTEGER NOT NULL DEFAULT 0,
		last_milestone INTEGER NOT NULL DEFAULT 0,
		started_at TEXT NOT NULL,
		run_started_at TEXT NOT NULL,
		last_heartbeat TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		last_successful_task_id TEXT NOT NULL DEFAULT '',
		last_error TEXT NOT NULL DEFAULT '',
		can_resume INTEGER NOT NULL DEFAULT 0,
		task_fingerprint TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		position INTEGER NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		priority INTEGER NOT NULL,
		status TEXT NOT NULL,
		blocker_count INTEGER NOT NULL DEFAULT 0,
		skip_reason TEXT NOT NULL DEFAULT '',
		parallel_eligible INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS task_dependencies (
		task_id TEXT NOT NULL,
		depends_on_id TEXT NOT NULL,
		ordinal INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (task_id, depends_on_id),
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE,
		FOREIGN KEY (depends_on_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_task_dependencies_task_id ON task_dependencies(task_id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
