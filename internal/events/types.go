package events

import (
	"time"

	"github.com/aristath/dagflow/internal/run"
)

// Event is the interface all events published on the bus implement.
type Event interface {
	EventType() string
	RunID() string
}

// Topic names
const (
	TopicTask       = "task"
	TopicRun        = "run"
	TopicDeadLetter = "dead_letter"
)

// Event types
const (
	EventTypeTaskTransition = "task.transition"
	EventTypeRunTransition  = "run.transition"
	EventTypeDeadLetter     = "dead_letter.created"
	EventTypeAlert          = "run.alert"
)

// TaskTransitionEvent is published after a task run transition is committed.
type TaskTransitionEvent struct {
	Run         string
	TaskRunID   string
	NodeID      string
	FanOutIndex *int
	TaskType    string
	From        run.TaskStatus
	To          run.TaskStatus
	Attempt     int
	FailureKind run.FailureKind
	Error       string
	Duration    time.Duration // set when an attempt finished
	Timestamp   time.Time
}

func (e TaskTransitionEvent) EventType() string { return EventTypeTaskTransition }
func (e TaskTransitionEvent) RunID() string     { return e.Run }

// RunTransitionEvent is published after a workflow run transition is committed.
type RunTransitionEvent struct {
	Run          string
	DefinitionID string
	From         run.RunStatus
	To           run.RunStatus
	Error        string
	Timestamp    time.Time
}

func (e RunTransitionEvent) EventType() string { return EventTypeRunTransition }
func (e RunTransitionEvent) RunID() string     { return e.Run }

// DeadLetterEvent is published when work is escalated to the dead letter queue.
type DeadLetterEvent struct {
	ID          string
	Run         string
	Scope       run.DeadLetterScope
	NodeID      string
	FailureKind run.FailureKind
	Reason      string
	Timestamp   time.Time
}

func (e DeadLetterEvent) EventType() string { return EventTypeDeadLetter }
func (e DeadLetterEvent) RunID() string     { return e.Run }

// AlertEvent flags a condition an operator has to look at, such as a run
// paused because its checkpoint log is inconsistent.
type AlertEvent struct {
	Run       string
	Kind      run.FailureKind
	Message   string
	Timestamp time.Time
}

func (e AlertEvent) EventType() string { return EventTypeAlert }
func (e AlertEvent) RunID() string     { return e.Run }
