package scheduler

import (
	"github.com/aristath/dagflow/internal/events"
	"github.com/aristath/dagflow/internal/persistence"
	"github.com/aristath/dagflow/internal/run"
)

// publish announces the committed contents of a batch. Observers only ever
// see facts that are already durable.
func (s *Scheduler) publish(b *persistence.Batch, info map[string]transitionInfo) {
	if s.bus == nil {
		return
	}
	now := s.now()

	if b.NewRun != nil {
		s.bus.Publish(events.TopicRun, events.RunTransitionEvent{
			Run:          b.NewRun.ID,
			DefinitionID: b.NewRun.DefinitionID,
			To:           run.RunQueued,
			Timestamp:    now,
		})
	}
	if t := b.Run; t != nil {
		s.bus.Publish(events.TopicRun, events.RunTransitionEvent{
			Run:       t.RunID,
			From:      t.From,
			To:        t.To,
			Error:     t.Error,
			Timestamp: now,
		})
	}
	for _, tr := range b.NewTaskRuns {
		// Inserted records pass through pending in their checkpoint log.
		s.bus.Publish(events.TopicTask, events.TaskTransitionEvent{
			Run:         tr.RunID,
			TaskRunID:   tr.ID,
			NodeID:      tr.NodeID,
			FanOutIndex: tr.FanOutIndex,
			From:        run.TaskPending,
			To:          tr.Status,
			Timestamp:   now,
		})
	}
	for _, t := range b.Tasks {
		tr := t.Next
		ev := events.TaskTransitionEvent{
			Run:         tr.RunID,
			TaskRunID:   tr.ID,
			NodeID:      tr.NodeID,
			FanOutIndex: tr.FanOutIndex,
			TaskType:    info[tr.ID].taskType,
			From:        t.From,
			To:          tr.Status,
			Attempt:     tr.AttemptCount,
			Timestamp:   now,
		}
		if tr.Status == run.TaskFailed {
			ev.FailureKind = tr.LastFailureKind
			ev.Error = tr.LastError
		}
		if t.From == run.TaskRunning {
			ev.Duration = info[tr.ID].duration
		}
		s.bus.Publish(events.TopicTask, ev)
	}
	for _, dl := range b.DeadLetters {
		s.bus.Publish(events.TopicDeadLetter, events.DeadLetterEvent{
			ID:          dl.ID,
			Run:         dl.RunID,
			Scope:       dl.Scope,
			NodeID:      dl.NodeID,
			FailureKind: dl.FailureKind,
			Reason:      dl.Reason,
			Timestamp:   now,
		})
	}
}

// Alert publishes an operator alert for a run.
func (s *Scheduler) Alert(runID string, kind run.FailureKind, message string) {
	s.logger.Error("alert", "run_id", runID, "kind", kind, "message", message)
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.TopicRun, events.AlertEvent{
		Run:       runID,
		Kind:      kind,
		Message:   message,
		Timestamp: s.now(),
	})
}
