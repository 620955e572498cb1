// Package tasks defines the contract between the engine and task bodies and
// resolves node task types to executable logic.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/aristath/dagflow/internal/run"
)

// Input is everything a task body receives for one attempt.
type Input struct {
	RunID       string            `json:"run_id"`
	NodeID      string            `json:"node_id"`
	FanOutIndex *int              `json:"fan_out_index,omitempty"`
	Attempt     int               `json:"attempt"`
	Artifacts   []run.ArtifactRef `json:"artifacts,omitempty"`
	Params      map[string]any    `json:"params,omitempty"`
	RunInput    map[string]any    `json:"input,omitempty"`
	Item        any               `json:"item,omitempty"` // fan-out element

	// IdempotencyKey is stable across retries and recovery for the same
	// (run, node, fan_out_index). Task bodies must deduplicate external side
	// effects on it.
	IdempotencyKey string `json:"idempotency_key"`

	// Stopping is closed when the engine begins shutting down. Long task
	// bodies should watch it, checkpoint their external work, and return
	// ErrStopping at the next safe boundary. The attempt is then recorded as
	// interrupted instead of failed. Nil for attempts outside an engine.
	Stopping <-chan struct{} `json:"-"`
}

// ErrStopping is returned, possibly wrapped, by a task body that stopped
// early because Input.Stopping was closed.
var ErrStopping = errors.New("task stopped for shutdown")

// Stopped reports whether the engine asked the attempt to stop.
func (in Input) Stopped() bool {
	if in.Stopping == nil {
		return false
	}
	select {
	case <-in.Stopping:
		return true
	default:
		return false
	}
}

// Result is a successful task outcome. Metadata is what edge guards and
// fan-out bindings downstream read.
type Result struct {
	Artifact run.ArtifactRef `json:"artifact"`
	Metadata map[string]any  `json:"metadata,omitempty"`
}

// Task is the capability every task body implements. Execute must honour ctx
// cancellation and deadline, and report failures as errors (optionally typed
// with retry.Transient, retry.ResourceExhausted, or retry.Permanent).
type Task interface {
	Execute(ctx context.Context, in Input) (Result, error)
}

// TaskFunc adapts a function to Task.
type TaskFunc func(ctx context.Context, in Input) (Result, error)

func (f TaskFunc) Execute(ctx context.Context, in Input) (Result, error) {
	return f(ctx, in)
}

// Registry maps task type identifiers to tasks.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]Task)}
}

// Register adds or replaces the task for a type.
func (r *Registry) Register(taskType string, t Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[taskType] = t
}

// Lookup returns the task for a type.
func (r *Registry) Lookup(taskType string) (Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[taskType]
	if !ok {
		return nil, fmt.Errorf("unknown task type %q", taskType)
	}
	return t, nil
}

// Types lists registered task types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.tasks))
	for t := range r.tasks {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}
