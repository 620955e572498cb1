package recovery

import (
	"context"
	"fmt"

	"github.com/aristath/dagflow/internal/run"
	"github.com/aristath/dagflow/internal/workflow"
)

// check verifies that the stored state of a run can be reconstructed from its
// checkpoint logs. It returns the problems found; err is reserved for store
// failures.
func (m *Manager) check(ctx context.Context, r *run.WorkflowRun, g *workflow.Graph, graphErr error, trs []*run.TaskRun) (problems []string, err error) {
	report := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if graphErr != nil {
		report("definition %s@%d: %v", r.DefinitionID, r.DefinitionVersion, graphErr)
	}

	rcps, err := m.store.RunCheckpoints(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	runStatuses := make([]run.RunStatus, len(rcps))
	for i, cp := range rcps {
		if cp.Sequence != int64(i+1) {
			report("run checkpoint %d has sequence %d", i+1, cp.Sequence)
			break
		}
		runStatuses[i] = cp.Status
		if i == 0 && cp.Status != run.RunQueued {
			report("run log starts at %s", cp.Status)
		}
		if i > 0 {
			if err := run.CheckRun(runStatuses[i-1], cp.Status); err != nil {
				report("run log step %d: %v", cp.Sequence, err)
			}
		}
	}
	switch {
	case len(rcps) == 0:
		report("run has no checkpoints")
	case rcps[len(rcps)-1].Status != r.Status:
		report("run is %s but its last checkpoint is %s", r.Status, rcps[len(rcps)-1].Status)
	case rcps[len(rcps)-1].Sequence != r.Sequence:
		report("run sequence %d does not match its log (%d)", r.Sequence, rcps[len(rcps)-1].Sequence)
	}

	seen := make(map[run.Key]string)
	for _, tr := range trs {
		if g != nil && g.Node(tr.NodeID) == nil {
			report("task run %s references unknown node %s", tr.ID, tr.NodeID)
		}
		if !tr.Superseded {
			if other, dup := seen[tr.Key()]; dup {
				report("task runs %s and %s both hold slot %s", other, tr.ID, tr.Key())
			}
			seen[tr.Key()] = tr.ID
		}
		if tr.Status == run.TaskCompleted && tr.Output == nil {
			report("task run %s (%s) completed without an output", tr.ID, tr.Key())
		}

		cps, err := m.store.Checkpoints(ctx, tr.ID)
		if err != nil {
			return nil, err
		}
		problems = append(problems, checkTaskLog(tr, cps)...)
	}
	return problems, nil
}

// checkTaskLog verifies one task run's checkpoint log: contiguous sequences
// starting at pending, legal steps only, and a last entry matching the record.
func checkTaskLog(tr *run.TaskRun, cps []run.Checkpoint) []string {
	var problems []string
	report := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf("task run %s (%s): ", tr.ID, tr.Key())+fmt.Sprintf(format, args...))
	}

	if len(cps) == 0 {
		report("no checkpoints")
		return problems
	}
	for i, cp := range cps {
		if cp.Sequence != int64(i+1) {
			report("checkpoint %d has sequence %d", i+1, cp.Sequence)
			return problems
		}
		if i == 0 {
			if cp.Status != run.TaskPending {
				report("log starts at %s", cp.Status)
			}
			continue
		}
		if err := run.CheckTask(cps[i-1].Status, cp.Status); err != nil {
			report("step %d: %v", cp.Sequence, err)
		}
	}

	last := cps[len(cps)-1]
	if last.Status != tr.Status {
		report("record is %s but its last checkpoint is %s", tr.Status, last.Status)
	}
	if last.Sequence != tr.Sequence {
		report("record sequence %d does not match its log (%d)", tr.Sequence, last.Sequence)
	}
	return problems
}
