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

const deadLetterColumns = `id, scope, run_id, task_run_id, node_id, fan_out_index, failure_kind, reason,
	history, last_checkpoint, context_snapshot, resolution_status, created_at, resolved_at`

// insertDeadLetter writes a dead letter. A task-scoped record without an
// explicit last checkpoint gets the newest one of its task run, which includes
// transitions applied earlier in the same batch.
func (s *SQLiteStore) insertDeadLetter(ctx context.Context, tx *sql.Tx, dl *run.DeadLetter, now time.Time) error {
	if dl.LastCheckpoint == nil && dl.TaskRunID != "" {
		cp, err := latestCheckpoint(ctx, tx, dl.TaskRunID)
		if err != nil {
			return err
		}
		dl.LastCheckpoint = cp
	}
	history, err := json.Marshal(dl.History)
	if err != nil {
		return fmt.Errorf("failed to encode dead letter history: %w", err)
	}
	lastCheckpoint, err := nullJSON(dl.LastCheckpoint)
	if err != nil {
		return fmt.Errorf("failed to encode dead letter checkpoint: %w", err)
	}
	snapshot, err := nullJSON(dl.Snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode dead letter snapshot: %w", err)
	}
	if dl.Resolution == "" {
		dl.Resolution = run.ResolutionPending
	}
	dl.CreatedAt = now

	_, err = tx.ExecContext(ctx, `
		INSERT INTO dead_letters (`+deadLetterColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, dl.ID, dl.Scope, dl.RunID, dl.TaskRunID, dl.NodeID, run.IndexValue(dl.FanOutIndex), dl.FailureKind,
		dl.Reason, string(history), lastCheckpoint, snapshot, dl.Resolution, now.UnixMilli(), nullMillis(dl.ResolvedAt))
	if err != nil {
		return fmt.Errorf("failed to insert dead letter: %w", err)
	}
	return nil
}

func latestCheckpoint(ctx context.Context, tx *sql.Tx, taskRunID string) (*run.Checkpoint, error) {
	cp := &run.Checkpoint{}
	var payload string
	var created int64
	err := tx.QueryRowContext(ctx, `
		SELECT task_run_id, run_id, sequence, status, payload, created_at
		FROM checkpoints WHERE task_run_id = ?
		ORDER BY sequence DESC LIMIT 1
	`, taskRunID).Scan(&cp.TaskRunID, &cp.RunID, &cp.Sequence, &cp.Status, &payload, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read last checkpoint: %w", err)
	}
	if err := json.Unmarshal([]byte(payload), &cp.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint payload: %w", err)
	}
	cp.CreatedAt = fromMillis(created)
	return cp, nil
}

func scanDeadLetter(row scanner) (*run.DeadLetter, error) {
	dl := &run.DeadLetter{}
	var (
		index                    int
		history                  string
		lastCheckpoint, snapshot sql.NullString
		created                  int64
		resolved                 sql.NullInt64
	)
	if err := row.Scan(&dl.ID, &dl.Scope, &dl.RunID, &dl.TaskRunID, &dl.NodeID, &index, &dl.FailureKind,
		&dl.Reason, &history, &lastCheckpoint, &snapshot, &dl.Resolution, &created, &resolved); err != nil {
		return nil, err
	}
	dl.FanOutIndex = run.Index(index)
	dl.CreatedAt = fromMillis(created)
	dl.ResolvedAt = fromNullMillis(resolved)

	if err := json.Unmarshal([]byte(history), &dl.History); err != nil {
		return nil, fmt.Errorf("failed to decode dead letter history: %w", err)
	}
	if lastCheckpoint.Valid {
		dl.LastCheckpoint = &run.Checkpoint{}
		if err := json.Unmarshal([]byte(lastCheckpoint.String), dl.LastCheckpoint); err != nil {
			return nil, fmt.Errorf("failed to decode dead letter checkpoint: %w", err)
		}
	}
	if snapshot.Valid {
		dl.Snapshot = &run.TaskRun{}
		if err := json.Unmarshal([]byte(snapshot.String), dl.Snapshot); err != nil {
			return nil, fmt.Errorf("failed to decode dead letter snapshot: %w", err)
		}
	}
	return dl, nil
}

// GetDeadLetter retrieves a dead letter with its full context.
func (s *SQLiteStore) GetDeadLetter(ctx context.Context, id string) (*run.DeadLetter, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	dl, err := scanDeadLetter(s.db.QueryRowContext(ctx, `SELECT `+deadLetterColumns+` FROM dead_letters WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("dead letter %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letter: %w", err)
	}
	return dl, nil
}

// ListDeadLetters returns dead letters matching the query, oldest first.
func (s *SQLiteStore) ListDeadLetters(ctx context.Context, q DeadLetterQuery) ([]*run.DeadLetter, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var where []string
	var args []any
	if q.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, q.RunID)
	}
	if q.Scope != "" {
		where = append(where, "scope = ?")
		args = append(args, q.Scope)
	}
	if len(q.Resolutions) > 0 {
		where = append(where, "resolution_status IN ("+placeholders(len(q.Resolutions))+")")
		for _, r := range q.Resolutions {
			args = append(args, r)
		}
	}

	query := `SELECT ` + deadLetterColumns + ` FROM dead_letters`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}
	defer rows.Close()

	var dls []*run.DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		dls = append(dls, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dead letters: %w", err)
	}
	return dls, nil
}

func nullJSON(v any) (sql.NullString, error) {
	switch t := v.(type) {
	case *run.Checkpoint:
		if t == nil {
			return sql.NullString{}, nil
		}
	case *run.TaskRun:
		if t == nil {
			return sql.NullString{}, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
