package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
// Times are unix milliseconds; JSON columns hold encoded maps and slices.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS workflow_definitions (
		id TEXT NOT NULL,
		version INTEGER NOT NULL,
		graph TEXT NOT NULL,
		hash TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (id, version)
	);

	CREATE TABLE IF NOT EXISTS workflow_runs (
		id TEXT PRIMARY KEY,
		definition_id TEXT NOT NULL,
		definition_version INTEGER NOT NULL,
		status TEXT NOT NULL,
		input TEXT NOT NULL DEFAULT '{}',
		error TEXT NOT NULL DEFAULT '',
		parent_run_id TEXT NOT NULL DEFAULT '',
		sequence INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		FOREIGN KEY (definition_id, definition_version) REFERENCES workflow_definitions(id, version)
	);

	CREATE INDEX IF NOT EXISTS idx_workflow_runs_status ON workflow_runs(status, updated_at);

	CREATE TABLE IF NOT EXISTS task_runs (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		node_id TEXT NOT NULL,
		fan_out_index INTEGER NOT NULL DEFAULT -1,
		generation INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		oom_retries INTEGER NOT NULL DEFAULT 0,
		last_failure_kind TEXT NOT NULL DEFAULT '',
		last_error TEXT NOT NULL DEFAULT '',
		next_retry_at INTEGER,
		skip_reason TEXT NOT NULL DEFAULT '',
		inputs TEXT NOT NULL DEFAULT '[]',
		item TEXT NOT NULL DEFAULT 'null',
		output_ref TEXT,
		output_meta TEXT NOT NULL DEFAULT '{}',
		superseded INTEGER NOT NULL DEFAULT 0,
		sequence INTEGER NOT NULL DEFAULT 0,
		checkpoint_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE (run_id, node_id, fan_out_index, generation),
		FOREIGN KEY (run_id) REFERENCES workflow_runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_task_runs_run ON task_runs(run_id, status);

	CREATE TABLE IF NOT EXISTS checkpoints (
		task_run_id TEXT NOT NULL,
		run_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		status TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		PRIMARY KEY (task_run_id, sequence),
		FOREIGN KEY (task_run_id) REFERENCES task_runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_checkpoints_run ON checkpoints(run_id);

	CREATE TABLE IF NOT EXISTS run_checkpoints (
		run_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		status TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		PRIMARY KEY (run_id, sequence),
		FOREIGN KEY (run_id) REFERENCES workflow_runs(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS dead_letters (
		id TEXT PRIMARY KEY,
		scope TEXT NOT NULL,
		run_id TEXT NOT NULL,
		task_run_id TEXT NOT NULL DEFAULT '',
		node_id TEXT NOT NULL DEFAULT '',
		fan_out_index INTEGER NOT NULL DEFAULT -1,
		failure_kind TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		history TEXT NOT NULL DEFAULT '[]',
		last_checkpoint TEXT,
		context_snapshot TEXT,
		resolution_status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		resolved_at INTEGER,
		FOREIGN KEY (run_id) REFERENCES workflow_runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_dead_letters_resolution ON dead_letters(resolution_status, created_at);
	CREATE INDEX IF NOT EXISTS idx_dead_letters_run ON dead_letters(run_id);

	CREATE TABLE IF NOT EXISTS run_locks (
		run_id TEXT PRIMARY KEY,
		holder TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
