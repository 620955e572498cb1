package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/dagflow/internal/workflow"
)

// SaveDefinition registers an immutable definition version. Saving the same
// content again is a no-op; different content under an existing (id, version)
// is rejected.
func (s *SQLiteStore) SaveDefinition(ctx context.Context, def *workflow.Definition) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	hash, err := def.Hash()
	if err != nil {
		return err
	}
	graph, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to encode definition: %w", err)
	}

	return s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		var existing string
		err = tx.QueryRowContext(ctx, `
			SELECT hash FROM workflow_definitions WHERE id = ? AND version = ?
		`, def.ID, def.Version).Scan(&existing)
		switch {
		case err == nil && existing == hash:
			return nil
		case err == nil:
			return fmt.Errorf("%w: %s@%d is already registered with different content",
				workflow.ErrInvalidDefinition, def.ID, def.Version)
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("failed to query definition: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO workflow_definitions (id, version, graph, hash, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, def.ID, def.Version, string(graph), hash, s.millis(s.now()))
		if err != nil {
			return fmt.Errorf("failed to insert definition: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		return nil
	})
}

// GetDefinition loads a definition version. Version 0 selects the latest.
func (s *SQLiteStore) GetDefinition(ctx context.Context, id string, version int) (*workflow.Definition, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var graph string
	var err error
	if version > 0 {
		err = s.db.QueryRowContext(ctx, `
			SELECT graph FROM workflow_definitions WHERE id = ? AND version = ?
		`, id, version).Scan(&graph)
	} else {
		err = s.db.QueryRowContext(ctx, `
			SELECT graph FROM workflow_definitions WHERE id = ? ORDER BY version DESC LIMIT 1
		`, id).Scan(&graph)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("definition %s: %w", workflow.Ref{ID: id, Version: version}, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query definition: %w", err)
	}

	var def workflow.Definition
	if err := json.Unmarshal([]byte(graph), &def); err != nil {
		return nil, fmt.Errorf("failed to decode definition: %w", err)
	}
	return &def, nil
}

// ListDefinitions returns every registered definition version.
func (s *SQLiteStore) ListDefinitions(ctx context.Context) ([]*workflow.Definition, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT graph FROM workflow_definitions ORDER BY id, version
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query definitions: %w", err)
	}
	defer rows.Close()

	var defs []*workflow.Definition
	for rows.Next() {
		var graph string
		if err := rows.Scan(&graph); err != nil {
			return nil, fmt.Errorf("failed to scan definition: %w", err)
		}
		var def workflow.Definition
		if err := json.Unmarshal([]byte(graph), &def); err != nil {
			return nil, fmt.Errorf("failed to decode definition: %w", err)
		}
		defs = append(defs, &def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating definitions: %w", err)
	}
	return defs, nil
}
