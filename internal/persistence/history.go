package persistence

import (
	"context"
	"fmt"

	"github.com/aristath/dagflow/internal/run"
)

// AttemptHistory rebuilds the failed attempts of a task run from its
// checkpoint log.
func AttemptHistory(cps []run.Checkpoint) []run.Attempt {
	var history []run.Attempt
	for _, cp := range cps {
		if cp.Status != run.TaskFailed {
			continue
		}
		a := run.Attempt{At: cp.CreatedAt}
		if n, ok := cp.Payload["attempt"].(float64); ok {
			a.Attempt = int(n)
		}
		if k, ok := cp.Payload["failure_kind"].(string); ok {
			a.Kind = run.FailureKind(k)
		}
		if e, ok := cp.Payload["error"].(string); ok {
			a.Error = e
		}
		history = append(history, a)
	}
	return history
}

// LoadAttemptHistory reads a task run's checkpoints and returns its failed
// attempts.
func LoadAttemptHistory(ctx context.Context, store Store, taskRunID string) ([]run.Attempt, error) {
	cps, err := store.Checkpoints(ctx, taskRunID)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoints: %w", err)
	}
	return AttemptHistory(cps), nil
}
