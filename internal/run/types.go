package run

import (
	"fmt"
	"time"
)

// ArtifactRef points at something a task produced or consumed. The engine never
// looks inside the artifact; media storage belongs to the task bodies.
type ArtifactRef struct {
	URI       string         `json:"uri"`
	MediaType string         `json:"media_type,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// WorkflowRun is one execution of a specific definition version.
type WorkflowRun struct {
	ID                string
	DefinitionID      string
	DefinitionVersion int
	Status            RunStatus
	Input             map[string]any
	Error             string
	ParentRunID       string // set when the run was re-submitted from a dead letter
	Sequence          int64  // last run checkpoint sequence
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// TaskRun is one instance of a TaskNode inside a run. Fan-out nodes produce one
// TaskRun per item, each with its own FanOutIndex.
type TaskRun struct {
	ID              string
	RunID           string
	NodeID          string
	FanOutIndex     *int
	Generation      int // bumped by retry-from-scratch; older generations are superseded
	Status          TaskStatus
	AttemptCount    int
	OOMRetries      int
	LastFailureKind FailureKind
	LastError       string
	NextRetryAt     *time.Time
	SkipReason      SkipReason
	Inputs          []ArtifactRef
	Item            any
	Output          *ArtifactRef
	OutputMeta      map[string]any
	Superseded      bool
	Sequence        int64 // last checkpoint sequence
	CheckpointAt    time.Time
	CreatedAt       time.Time
}

// Key identifies a task run slot within a run, independent of generation.
type Key struct {
	NodeID string
	Index  int // -1 for non fan-out nodes
}

func (k Key) String() string {
	if k.Index < 0 {
		return k.NodeID
	}
	return fmt.Sprintf("%s[%d]", k.NodeID, k.Index)
}

// Key returns the slot key of the task run.
func (t *TaskRun) Key() Key {
	return Key{NodeID: t.NodeID, Index: IndexValue(t.FanOutIndex)}
}

// IdempotencyKey is the (run, node, fan_out_index) triple task bodies must
// use to deduplicate side effects against external services.
func (t *TaskRun) IdempotencyKey() string {
	return fmt.Sprintf("%s/%s", t.RunID, t.Key())
}

// Clone returns a deep-enough copy for handing to other goroutines.
func (t *TaskRun) Clone() *TaskRun {
	if t == nil {
		return nil
	}
	cp := *t
	if t.FanOutIndex != nil {
		idx := *t.FanOutIndex
		cp.FanOutIndex = &idx
	}
	if t.NextRetryAt != nil {
		at := *t.NextRetryAt
		cp.NextRetryAt = &at
	}
	if t.Inputs != nil {
		cp.Inputs = append([]ArtifactRef(nil), t.Inputs...)
	}
	if t.Output != nil {
		out := *t.Output
		cp.Output = &out
	}
	return &cp
}

// Index returns a pointer to i, or nil when i is negative.
func Index(i int) *int {
	if i < 0 {
		return nil
	}
	return &i
}

// IndexValue maps a nullable fan-out index to its storage form.
func IndexValue(i *int) int {
	if i == nil {
		return -1
	}
	return *i
}

// Checkpoint is an append-only fact: a task run reached Status at CreatedAt.
type Checkpoint struct {
	TaskRunID string
	RunID     string
	Sequence  int64
	Status    TaskStatus
	Payload   map[string]any
	CreatedAt time.Time
}

// RunCheckpoint is the run-level counterpart of Checkpoint.
type RunCheckpoint struct {
	RunID     string
	Sequence  int64
	Status    RunStatus
	Payload   map[string]any
	CreatedAt time.Time
}

// DeadLetterScope says whether a record covers a single task run or a whole run.
type DeadLetterScope string

const (
	ScopeTask DeadLetterScope = "task"
	ScopeRun  DeadLetterScope = "run"
)

// Resolution is the operator-facing state of a dead letter.
type Resolution string

const (
	ResolutionPending   Resolution = "pending"
	ResolutionRetried   Resolution = "retried"
	ResolutionDismissed Resolution = "dismissed"
)

// Attempt is one failed execution in a dead letter's history.
type Attempt struct {
	Attempt int         `json:"attempt"`
	Kind    FailureKind `json:"kind"`
	Error   string      `json:"error"`
	At      time.Time   `json:"at"`
}

// DeadLetter captures permanently failed work for manual resolution.
type DeadLetter struct {
	ID             string
	Scope          DeadLetterScope
	RunID          string
	TaskRunID      string
	NodeID         string
	FanOutIndex    *int
	FailureKind    FailureKind
	Reason         string
	History        []Attempt
	LastCheckpoint *Checkpoint
	Snapshot       *TaskRun
	Resolution     Resolution
	CreatedAt      time.Time
	ResolvedAt     *time.Time
}
