package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/dagflow/internal/run"
)

type scanner interface {
	Scan(dest ...any) error
}

const runColumns = `id, definition_id, definition_version, status, input, error, parent_run_id, sequence, created_at, updated_at`

func scanRun(row scanner) (*run.WorkflowRun, error) {
	r := &run.WorkflowRun{}
	var input string
	var created, updated int64
	if err := row.Scan(&r.ID, &r.DefinitionID, &r.DefinitionVersion, &r.Status, &input,
		&r.Error, &r.ParentRunID, &r.Sequence, &created, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(input), &r.Input); err != nil {
		return nil, fmt.Errorf("failed to decode run input: %w", err)
	}
	r.CreatedAt = fromMillis(created)
	r.UpdatedAt = fromMillis(updated)
	return r, nil
}

const taskRunColumns = `id, run_id, node_id, fan_out_index, generation, status, attempt_count, oom_retries,
	last_failure_kind, last_error, next_retry_at, skip_reason, inputs, item, output_ref, output_meta,
	superseded, sequence, checkpoint_at, created_at`

func scanTaskRun(row scanner) (*run.TaskRun, error) {
	tr := &run.TaskRun{}
	var (
		index                    int
		nextRetry                sql.NullInt64
		inputs, item, outputMeta string
		outputRef                sql.NullString
		superseded               int
		checkpointAt, createdAt  int64
	)
	if err := row.Scan(&tr.ID, &tr.RunID, &tr.NodeID, &index, &tr.Generation, &tr.Status,
		&tr.AttemptCount, &tr.OOMRetries, &tr.LastFailureKind, &tr.LastError, &nextRetry,
		&tr.SkipReason, &inputs, &item, &outputRef, &outputMeta, &superseded, &tr.Sequence,
		&checkpointAt, &createdAt); err != nil {
		return nil, err
	}
	tr.FanOutIndex = run.Index(index)
	tr.NextRetryAt = fromNullMillis(nextRetry)
	tr.Superseded = superseded != 0
	tr.CheckpointAt = fromMillis(checkpointAt)
	tr.CreatedAt = fromMillis(createdAt)

	if err := json.Unmarshal([]byte(inputs), &tr.Inputs); err != nil {
		return nil, fmt.Errorf("failed to decode task inputs: %w", err)
	}
	if err := json.Unmarshal([]byte(item), &tr.Item); err != nil {
		return nil, fmt.Errorf("failed to decode task item: %w", err)
	}
	if err := json.Unmarshal([]byte(outputMeta), &tr.OutputMeta); err != nil {
		return nil, fmt.Errorf("failed to decode task output metadata: %w", err)
	}
	if outputRef.Valid {
		tr.Output = &run.ArtifactRef{}
		if err := json.Unmarshal([]byte(outputRef.String), tr.Output); err != nil {
			return nil, fmt.Errorf("failed to decode task output: %w", err)
		}
	}
	return tr, nil
}

// GetRun retrieves a workflow run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*run.WorkflowRun, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	return r, nil
}

// ListRuns returns runs matching the filter, oldest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]*run.WorkflowRun, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var where []string
	var args []any
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, st)
		}
	}
	if filter.DefinitionID != "" {
		where = append(where, "definition_id = ?")
		args = append(args, filter.DefinitionID)
	}
	if !filter.UpdatedBefore.IsZero() {
		where = append(where, "updated_at < ?")
		args = append(args, filter.UpdatedBefore.UnixMilli())
	}

	query := `SELECT ` + runColumns + ` FROM workflow_runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []*run.WorkflowRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// GetTaskRun retrieves a task run by ID.
func (s *SQLiteStore) GetTaskRun(ctx context.Context, taskRunID string) (*run.TaskRun, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tr, err := scanTaskRun(s.db.QueryRowContext(ctx, `SELECT `+taskRunColumns+` FROM task_runs WHERE id = ?`, taskRunID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task run %s: %w", taskRunID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task run: %w", err)
	}
	return tr, nil
}

// ListTaskRuns returns every task run of a run, superseded generations included,
// ordered by node, index, and generation.
func (s *SQLiteStore) ListTaskRuns(ctx context.Context, runID string) ([]*run.TaskRun, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskRunColumns+`
		FROM task_runs
		WHERE run_id = ?
		ORDER BY created_at, node_id, fan_out_index, generation
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query task runs: %w", err)
	}
	defer rows.Close()

	var trs []*run.TaskRun
	for rows.Next() {
		tr, err := scanTaskRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task run: %w", err)
		}
		trs = append(trs, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task runs: %w", err)
	}
	return trs, nil
}

// Checkpoints returns the checkpoint log of a task run in sequence order.
func (s *SQLiteStore) Checkpoints(ctx context.Context, taskRunID string) ([]run.Checkpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT task_run_id, run_id, sequence, status, payload, created_at
		FROM checkpoints
		WHERE task_run_id = ?
		ORDER BY sequence
	`, taskRunID)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoints: %w", err)
	}
	defer rows.Close()

	var cps []run.Checkpoint
	for rows.Next() {
		var cp run.Checkpoint
		var payload string
		var created int64
		if err := rows.Scan(&cp.TaskRunID, &cp.RunID, &cp.Sequence, &cp.Status, &payload, &created); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &cp.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint payload: %w", err)
		}
		cp.CreatedAt = fromMillis(created)
		cps = append(cps, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checkpoints: %w", err)
	}
	return cps, nil
}

// RunCheckpoints returns the run-level checkpoint log in sequence order.
func (s *SQLiteStore) RunCheckpoints(ctx context.Context, runID string) ([]run.RunCheckpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, sequence, status, payload, created_at
		FROM run_checkpoints
		WHERE run_id = ?
		ORDER BY sequence
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query run checkpoints: %w", err)
	}
	defer rows.Close()

	var cps []run.RunCheckpoint
	for rows.Next() {
		var cp run.RunCheckpoint
		var payload string
		var created int64
		if err := rows.Scan(&cp.RunID, &cp.Sequence, &cp.Status, &payload, &created); err != nil {
			return nil, fmt.Errorf("failed to scan run checkpoint: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &cp.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode run checkpoint payload: %w", err)
		}
		cp.CreatedAt = fromMillis(created)
		cps = append(cps, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run checkpoints: %w", err)
	}
	return cps, nil
}

// Stats counts runs by status, running task runs, and pending dead letters.
func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	stats := Stats{Runs: make(map[run.RunStatus]int)}
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM workflow_runs GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("failed to count runs: %w", err)
	}
	for rows.Next() {
		var st run.RunStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			rows.Close()
			return stats, fmt.Errorf("failed to scan run count: %w", err)
		}
		stats.Runs[st] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("error iterating run counts: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_runs WHERE status = ?`, run.TaskRunning).
		Scan(&stats.TasksRunning)
	if err != nil {
		return stats, fmt.Errorf("failed to count running tasks: %w", err)
	}
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters WHERE resolution_status = ?`, run.ResolutionPending).
		Scan(&stats.PendingDeadLetters)
	if err != nil {
		return stats, fmt.Errorf("failed to count dead letters: %w", err)
	}
	return stats, nil
}

// PruneRuns deletes terminal runs last updated before the cutoff, together with
// their task runs and checkpoints. Runs with unresolved dead letters are kept.
func (s *SQLiteStore) PruneRuns(ctx context.Context, before time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var n int64
	err := s.withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM workflow_runs
			WHERE status IN (?, ?, ?, ?)
			AND updated_at < ?
			AND id NOT IN (SELECT run_id FROM dead_letters WHERE resolution_status = ?)
		`, run.RunCompleted, run.RunFailed, run.RunPartiallyFailed, run.RunCancelled,
			before.UnixMilli(), run.ResolutionPending)
		if err != nil {
			return fmt.Errorf("failed to prune runs: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
