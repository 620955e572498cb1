package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aristath/dagflow/internal/run"
)

// Batch is a set of state changes written all-or-nothing. Every status change
// is a compare-and-set against the expected current status and appends a
// checkpoint with the next sequence number, so a task run can never regress
// or skip a step in its log.
type Batch struct {
	NewRun      *run.WorkflowRun
	Run         *RunTransition
	NewTaskRuns []*run.TaskRun
	Tasks       []*TaskTransition
	Supersede   []string // task run ids replaced by a newer generation
	DeadLetters []*run.DeadLetter
	Resolutions []*Resolution
}

// RunTransition moves a workflow run from one status to another.
type RunTransition struct {
	RunID   string
	From    run.RunStatus
	To      run.RunStatus
	Error   string
	Payload map[string]any
}

// TaskTransition moves a task run to Next.Status, expecting it in From. All
// mutable fields of Next are written.
type TaskTransition struct {
	From    run.TaskStatus
	Next    *run.TaskRun
	Payload map[string]any
}

// Resolution closes a pending dead letter.
type Resolution struct {
	ID string
	To run.Resolution
}

// Empty reports whether the batch has nothing to write.
func (b *Batch) Empty() bool {
	return b.NewRun == nil && b.Run == nil && len(b.NewTaskRuns) == 0 && len(b.Tasks) == 0 &&
		len(b.Supersede) == 0 && len(b.DeadLetters) == 0 && len(b.Resolutions) == 0
}

// Transition appends a task transition and applies it to tr, returning the
// updated copy that will be written.
func (b *Batch) Transition(tr *run.TaskRun, to run.TaskStatus, payload map[string]any, mutate func(next *run.TaskRun)) *run.TaskRun {
	next := tr.Clone()
	next.Status = to
	if mutate != nil {
		mutate(next)
	}
	b.Tasks = append(b.Tasks, &TaskTransition{From: tr.Status, Next: next, Payload: payload})
	return next
}

// Commit applies the batch in one immediate transaction. Sequence numbers and
// checkpoint times are filled into the batch's records on success. A failed
// compare-and-set aborts the whole batch with ErrConflict.
func (s *SQLiteStore) Commit(ctx context.Context, b *Batch) error {
	if b == nil || b.Empty() {
		return nil
	}
	if err := validateBatch(b); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		now := s.now().UTC()
		if b.NewRun != nil {
			if err := s.insertRun(ctx, tx, b.NewRun, now); err != nil {
				return err
			}
		}
		if b.Run != nil {
			if err := s.applyRunTransition(ctx, tx, b.Run, now); err != nil {
				return err
			}
		}
		for _, tr := range b.NewTaskRuns {
			if err := s.insertTaskRun(ctx, tx, tr, now); err != nil {
				return err
			}
		}
		for _, t := range b.Tasks {
			if err := s.applyTaskTransition(ctx, tx, t, now); err != nil {
				return err
			}
		}
		for _, id := range b.Supersede {
			if _, err := tx.ExecContext(ctx, `UPDATE task_runs SET superseded = 1 WHERE id = ?`, id); err != nil {
				return fmt.Errorf("failed to supersede task run %s: %w", id, err)
			}
		}
		for _, dl := range b.DeadLetters {
			if err := s.insertDeadLetter(ctx, tx, dl, now); err != nil {
				return err
			}
		}
		for _, r := range b.Resolutions {
			res, err := tx.ExecContext(ctx, `
				UPDATE dead_letters SET resolution_status = ?, resolved_at = ?
				WHERE id = ? AND resolution_status = ?
			`, r.To, now.UnixMilli(), r.ID, run.ResolutionPending)
			if err != nil {
				return fmt.Errorf("failed to resolve dead letter: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("%w: dead letter %s is not pending", ErrConflict, r.ID)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		return nil
	})
}

func validateBatch(b *Batch) error {
	if b.Run != nil {
		if err := run.CheckRun(b.Run.From, b.Run.To); err != nil {
			return err
		}
	}
	for _, t := range b.Tasks {
		if err := run.CheckTask(t.From, t.Next.Status); err != nil {
			return fmt.Errorf("task run %s: %w", t.Next.ID, err)
		}
	}
	for _, tr := range b.NewTaskRuns {
		if tr.Status != run.TaskPending {
			if err := run.CheckTask(run.TaskPending, tr.Status); err != nil {
				return fmt.Errorf("new task run %s: %w", tr.ID, err)
			}
		}
	}
	return nil
}

func (s *SQLiteStore) insertRun(ctx context.Context, tx *sql.Tx, r *run.WorkflowRun, now time.Time) error {
	input, err := json.Marshal(orEmpty(r.Input))
	if err != nil {
		return fmt.Errorf("failed to encode run input: %w", err)
	}
	r.Status = run.RunQueued
	r.Sequence = 1
	r.CreatedAt, r.UpdatedAt = now, now

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflow_runs (id, definition_id, definition_version, status, input, error, parent_run_id, sequence, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.DefinitionID, r.DefinitionVersion, r.Status, string(input), r.Error, r.ParentRunID,
		r.Sequence, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return insertRunCheckpoint(ctx, tx, r.ID, 1, r.Status, map[string]any{"definition": r.DefinitionID, "version": r.DefinitionVersion}, now)
}

func (s *SQLiteStore) applyRunTransition(ctx context.Context, tx *sql.Tx, t *RunTransition, now time.Time) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE workflow_runs SET status = ?, error = ?, sequence = sequence + 1, updated_at = ?
		WHERE id = ? AND status = ?
	`, t.To, t.Error, now.UnixMilli(), t.RunID, t.From)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: run %s is not %s", ErrConflict, t.RunID, t.From)
	}

	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT sequence FROM workflow_runs WHERE id = ?`, t.RunID).Scan(&seq); err != nil {
		return fmt.Errorf("failed to read run sequence: %w", err)
	}
	payload := map[string]any{"from": string(t.From)}
	if t.Error != "" {
		payload["error"] = t.Error
	}
	for k, v := range t.Payload {
		payload[k] = v
	}
	return insertRunCheckpoint(ctx, tx, t.RunID, seq, t.To, payload, now)
}

func insertRunCheckpoint(ctx context.Context, tx *sql.Tx, runID string, seq int64, status run.RunStatus, payload map[string]any, now time.Time) error {
	data, err := json.Marshal(orEmpty(payload))
	if err != nil {
		return fmt.Errorf("failed to encode run checkpoint: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO run_checkpoints (run_id, sequence, status, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, runID, seq, status, string(data), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to append run checkpoint: %w", err)
	}
	return nil
}

// insertTaskRun materializes a task run. Its log always starts at pending; a
// task run created directly as ready or skipped gets a second checkpoint.
func (s *SQLiteStore) insertTaskRun(ctx context.Context, tx *sql.Tx, tr *run.TaskRun, now time.Time) error {
	cols, err := encodeTaskRun(tr)
	if err != nil {
		return err
	}
	tr.CreatedAt = now
	tr.CheckpointAt = now
	tr.Sequence = 1
	if tr.Status != run.TaskPending {
		tr.Sequence = 2
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO task_runs (`+taskRunColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, tr.ID, tr.RunID, tr.NodeID, run.IndexValue(tr.FanOutIndex), tr.Generation, tr.Status,
		tr.AttemptCount, tr.OOMRetries, tr.LastFailureKind, tr.LastError, nullMillis(tr.NextRetryAt),
		tr.SkipReason, cols.inputs, cols.item, cols.output, cols.outputMeta, boolInt(tr.Superseded),
		tr.Sequence, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert task run %s: %w", tr.Key(), err)
	}

	created := map[string]any{"generation": tr.Generation}
	if tr.FanOutIndex != nil {
		created["fan_out_index"] = *tr.FanOutIndex
	}
	if err := insertCheckpoint(ctx, tx, tr.ID, tr.RunID, 1, run.TaskPending, created, now); err != nil {
		return err
	}
	if tr.Status != run.TaskPending {
		return insertCheckpoint(ctx, tx, tr.ID, tr.RunID, 2, tr.Status, checkpointPayload(tr, nil), now)
	}
	return nil
}

func (s *SQLiteStore) applyTaskTransition(ctx context.Context, tx *sql.Tx, t *TaskTransition, now time.Time) error {
	next := t.Next
	cols, err := encodeTaskRun(next)
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE task_runs SET
			status = ?, attempt_count = ?, oom_retries = ?, last_failure_kind = ?, last_error = ?,
			next_retry_at = ?, skip_reason = ?, inputs = ?, item = ?, output_ref = ?, output_meta = ?,
			sequence = sequence + 1, checkpoint_at = ?
		WHERE id = ? AND status = ?
	`, next.Status, next.AttemptCount, next.OOMRetries, next.LastFailureKind, next.LastError,
		nullMillis(next.NextRetryAt), next.SkipReason, cols.inputs, cols.item, cols.output, cols.outputMeta,
		now.UnixMilli(), next.ID, t.From)
	if err != nil {
		return fmt.Errorf("failed to update task run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: task run %s is not %s", ErrConflict, next.ID, t.From)
	}

	if err := tx.QueryRowContext(ctx, `SELECT sequence FROM task_runs WHERE id = ?`, next.ID).Scan(&next.Sequence); err != nil {
		return fmt.Errorf("failed to read task run sequence: %w", err)
	}
	next.CheckpointAt = now
	return insertCheckpoint(ctx, tx, next.ID, next.RunID, next.Sequence, next.Status, checkpointPayload(next, t.Payload), now)
}

func insertCheckpoint(ctx context.Context, tx *sql.Tx, taskRunID, runID string, seq int64, status run.TaskStatus, payload map[string]any, now time.Time) error {
	data, err := json.Marshal(orEmpty(payload))
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoints (task_run_id, run_id, sequence, status, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, taskRunID, runID, seq, status, string(data), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to append checkpoint: %w", err)
	}
	return nil
}

// checkpointPayload records the fields that matter for the status reached.
func checkpointPayload(tr *run.TaskRun, extra map[string]any) map[string]any {
	p := map[string]any{"attempt": tr.AttemptCount}
	switch tr.Status {
	case run.TaskFailed, run.TaskDeadLettered:
		p["failure_kind"] = string(tr.LastFailureKind)
		p["error"] = tr.LastError
	case run.TaskRetrying:
		if tr.NextRetryAt != nil {
			p["next_retry_at"] = tr.NextRetryAt.Format(time.RFC3339Nano)
		}
	case run.TaskCompleted:
		if tr.Output != nil {
			p["output"] = tr.Output.URI
		}
	case run.TaskSkipped:
		p["skip_reason"] = string(tr.SkipReason)
	}
	for k, v := range extra {
		p[k] = v
	}
	return p
}

type taskRunColumnValues struct {
	inputs, item, outputMeta string
	output                   sql.NullString
}

func encodeTaskRun(tr *run.TaskRun) (taskRunColumnValues, error) {
	var cols taskRunColumnValues
	inputs := tr.Inputs
	if inputs == nil {
		inputs = []run.ArtifactRef{}
	}
	data, err := json.Marshal(inputs)
	if err != nil {
		return cols, fmt.Errorf("failed to encode task inputs: %w", err)
	}
	cols.inputs = string(data)

	if data, err = json.Marshal(tr.Item); err != nil {
		return cols, fmt.Errorf("failed to encode task item: %w", err)
	}
	cols.item = string(data)

	if data, err = json.Marshal(orEmpty(tr.OutputMeta)); err != nil {
		return cols, fmt.Errorf("failed to encode task output metadata: %w", err)
	}
	cols.outputMeta = string(data)

	if tr.Output != nil {
		if data, err = json.Marshal(tr.Output); err != nil {
			return cols, fmt.Errorf("failed to encode task output: %w", err)
		}
		cols.output = sql.NullString{String: string(data), Valid: true}
	}
	return cols, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
