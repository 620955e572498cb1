package scheduler

import (
	"log/slog"
	"slices"

	"github.com/aristath/dagflow/internal/run"
	"github.com/aristath/dagflow/internal/workflow"
)

// SkipEmptyFanOut marks a fan-out node whose collection had no items.
const SkipEmptyFanOut run.SkipReason = "empty_fan_out"

// nodeState is the aggregate state of a node across its task runs.
type nodeState int

const (
	nodeWaiting   nodeState = iota // not materialized, or instances still active
	nodeCompleted                  // every instance completed
	nodeSkipped                    // skipped, see reason
	nodeFailed                     // terminal with at least one dead-lettered or cancelled instance
)

type nodeOutcome struct {
	state  nodeState
	reason run.SkipReason
}

// blocksDownstream reports whether the outcome counts as a failure for nodes
// that depend on it through a required edge. Skips caused by failures carry
// over so the whole chain is skipped as upstream_failed.
func (o nodeOutcome) blocksDownstream() bool {
	return o.state == nodeFailed || (o.state == nodeSkipped && o.reason == run.SkipUpstreamFailed)
}

// runState is the current generation of a run's task runs, grouped by node.
type runState struct {
	run    *run.WorkflowRun
	graph  *workflow.Graph
	byNode map[string][]*run.TaskRun

	// nextGen is the lowest generation not yet used by any record of a
	// node, superseded ones included.
	nextGen map[string]int
}

func newRunState(r *run.WorkflowRun, g *workflow.Graph, trs []*run.TaskRun) *runState {
	st := &runState{
		run:     r,
		graph:   g,
		byNode:  make(map[string][]*run.TaskRun),
		nextGen: make(map[string]int),
	}
	for _, tr := range trs {
		if tr.Superseded {
			st.nextGen[tr.NodeID] = max(st.nextGen[tr.NodeID], tr.Generation+1)
			continue
		}
		st.add(tr)
	}
	return st
}

func (st *runState) add(tr *run.TaskRun) {
	st.byNode[tr.NodeID] = append(st.byNode[tr.NodeID], tr)
	st.nextGen[tr.NodeID] = max(st.nextGen[tr.NodeID], tr.Generation+1)
}

// generation returns the generation for new records of a node.
func (st *runState) generation(nodeID string) int {
	return st.nextGen[nodeID]
}

// remove drops a record that has been superseded in the pending batch.
func (st *runState) remove(tr *run.TaskRun) {
	st.byNode[tr.NodeID] = slices.DeleteFunc(st.byNode[tr.NodeID], func(other *run.TaskRun) bool {
		return other.ID == tr.ID
	})
}

// replace swaps in the updated copy of a record.
func (st *runState) replace(tr *run.TaskRun) {
	for i, other := range st.byNode[tr.NodeID] {
		if other.ID == tr.ID {
			st.byNode[tr.NodeID][i] = tr
			return
		}
	}
}

// records returns every current task run in topological node order.
func (st *runState) records() []*run.TaskRun {
	var out []*run.TaskRun
	for _, id := range st.graph.Order {
		trs := slices.Clone(st.byNode[id])
		slices.SortFunc(trs, func(a, b *run.TaskRun) int {
			return run.IndexValue(a.FanOutIndex) - run.IndexValue(b.FanOutIndex)
		})
		out = append(out, trs...)
	}
	return out
}

// placeholder returns the record of a fan-out node that stands for the node
// as a whole (skipped, or expansion pending or failed).
func placeholder(trs []*run.TaskRun) *run.TaskRun {
	for _, tr := range trs {
		if tr.FanOutIndex == nil {
			return tr
		}
	}
	return nil
}

func (st *runState) outcome(nodeID string) nodeOutcome {
	trs := st.byNode[nodeID]
	if len(trs) == 0 {
		return nodeOutcome{state: nodeWaiting}
	}
	if p := placeholder(trs); p != nil && st.graph.Node(nodeID).FanOut {
		switch p.Status {
		case run.TaskSkipped:
			return nodeOutcome{state: nodeSkipped, reason: p.SkipReason}
		case run.TaskDeadLettered, run.TaskCancelled:
			return nodeOutcome{state: nodeFailed}
		}
		return nodeOutcome{state: nodeWaiting}
	}

	out := nodeOutcome{state: nodeCompleted}
	for _, tr := range trs {
		switch tr.Status {
		case run.TaskCompleted:
		case run.TaskSkipped:
			return nodeOutcome{state: nodeSkipped, reason: tr.SkipReason}
		case run.TaskDeadLettered, run.TaskCancelled:
			out.state = nodeFailed
		default:
			return nodeOutcome{state: nodeWaiting}
		}
	}
	return out
}

// outputMeta is what guards and fan-out bindings see of a completed node.
// Fan-out nodes expose their instances' metadata as items, in index order.
func (st *runState) outputMeta(nodeID string) map[string]any {
	trs := st.byNode[nodeID]
	if !st.graph.Node(nodeID).FanOut {
		if len(trs) == 0 {
			return nil
		}
		return trs[0].OutputMeta
	}
	sorted := slices.Clone(trs)
	slices.SortFunc(sorted, func(a, b *run.TaskRun) int {
		return run.IndexValue(a.FanOutIndex) - run.IndexValue(b.FanOutIndex)
	})
	items := make([]any, 0, len(sorted))
	for _, tr := range sorted {
		if tr.FanOutIndex == nil {
			continue
		}
		meta := tr.OutputMeta
		if meta == nil {
			meta = map[string]any{}
		}
		items = append(items, meta)
	}
	return map[string]any{"items": items, "count": len(items)}
}

// artifacts returns the outputs of a node's completed task runs.
func (st *runState) artifacts(nodeID string) []run.ArtifactRef {
	var refs []run.ArtifactRef
	for _, tr := range st.records() {
		if tr.NodeID == nodeID && tr.Status == run.TaskCompleted && tr.Output != nil {
			refs = append(refs, *tr.Output)
		}
	}
	return refs
}

// verdict is the readiness decision for an unmaterialized node.
type verdict struct {
	ready  bool
	skip   run.SkipReason
	inputs []run.ArtifactRef
}

// evaluate decides whether a node can start. ok is false while any
// predecessor is still active. Several true guards still run the node once.
func (st *runState) evaluate(nodeID string, logger *slog.Logger) (v verdict, ok bool) {
	if st.graph.IsRoot(nodeID) {
		return verdict{ready: true}, true
	}

	edges := st.graph.Incoming(nodeID)
	outcomes := make([]nodeOutcome, len(edges))
	for i, e := range edges {
		outcomes[i] = st.outcome(e.From)
		if outcomes[i].state == nodeWaiting {
			return verdict{}, false
		}
	}

	for i, e := range edges {
		if !e.Optional && outcomes[i].blocksDownstream() {
			return verdict{skip: run.SkipUpstreamFailed}, true
		}
	}

	taken := false
	for i, e := range edges {
		if outcomes[i].state != nodeCompleted {
			continue
		}
		if e.Guard != nil {
			pass, err := e.Guard.Evaluate(st.outputMeta(e.From))
			if err != nil {
				logger.Warn("guard evaluation failed, edge not taken",
					"run_id", st.run.ID, "edge", e.From+" -> "+e.To, "guard", e.Guard.Source, "error", err)
				continue
			}
			if !pass {
				continue
			}
		}
		taken = true
		v.inputs = append(v.inputs, st.artifacts(e.From)...)
	}
	if !taken {
		return verdict{skip: run.SkipNoEdgeTaken}, true
	}
	v.ready = true
	return v, true
}

// finished reports whether no node can make further progress.
func (st *runState) finished() bool {
	for _, id := range st.graph.Order {
		if st.outcome(id).state == nodeWaiting {
			return false
		}
	}
	return true
}

// finalStatus derives the run status once every node has settled. Without
// any failure the run completed. With failures it is partially_failed when
// every required output still completed or was skipped by routing.
func (st *runState) finalStatus() (run.RunStatus, string) {
	failed := 0
	for _, id := range st.graph.Order {
		if st.outcome(id).state == nodeFailed {
			failed++
		}
	}
	if failed == 0 {
		return run.RunCompleted, ""
	}

	var missing []string
	for _, id := range st.graph.Outputs() {
		o := st.outcome(id)
		switch {
		case o.state == nodeCompleted:
		case o.state == nodeSkipped && o.reason != run.SkipUpstreamFailed:
		default:
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return run.RunPartiallyFailed, pluralNodes(failed) + " failed; all required outputs produced"
	}
	return run.RunFailed, pluralNodes(failed) + " failed; missing outputs " + joinIDs(missing)
}
