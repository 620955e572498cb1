package workflow

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/gammazero/toposort"
)

// ErrInvalidDefinition marks definition-time failures. Invalid definitions are
// rejected at registration or submission and never produce task runs.
var ErrInvalidDefinition = errors.New("invalid workflow definition")

// InEdge is an incoming edge with its effective guard compiled. Guard is nil
// for unconditional edges.
type InEdge struct {
	Edge
	Guard *Guard
}

// Graph is a validated, compiled definition ready for scheduling.
type Graph struct {
	Def   *Definition
	Order []string // topological order

	nodes    map[string]*TaskNode
	incoming map[string][]InEdge
	outgoing map[string][]string
	items    map[string]*Collection
	roots    map[string]bool
	outputs  []string
}

// Compile validates a definition and prepares it for scheduling. All problems
// found are reported together, wrapped in ErrInvalidDefinition.
func Compile(def *Definition) (*Graph, error) {
	g := &Graph{
		Def:      def,
		nodes:    make(map[string]*TaskNode, len(def.Nodes)),
		incoming: make(map[string][]InEdge),
		outgoing: make(map[string][]string),
		items:    make(map[string]*Collection),
		roots:    make(map[string]bool),
	}

	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if def.ID == "" {
		fail("definition id is required")
	}
	if def.Version <= 0 {
		fail("version must be positive, got %d", def.Version)
	}
	if len(def.Nodes) == 0 {
		fail("definition has no nodes")
	}

	for i := range def.Nodes {
		node := &def.Nodes[i]
		switch {
		case node.ID == "":
			fail("node %d has no id", i)
			continue
		case strings.ContainsAny(node.ID, "[]/@"):
			fail("node id %q contains a reserved character", node.ID)
		}
		if _, dup := g.nodes[node.ID]; dup {
			fail("duplicate node id %q", node.ID)
			continue
		}
		g.nodes[node.ID] = node
		if node.Type == "" {
			fail("node %q has no task type", node.ID)
		}
		if node.MaxConcurrency < 0 {
			fail("node %q has negative max_concurrency", node.ID)
		}
		if node.Timeout < 0 {
			fail("node %q has negative timeout", node.ID)
		}
		if node.Condition != "" {
			if _, err := ParseGuard(node.Condition); err != nil {
				fail("node %q condition: %w", node.ID, err)
			}
		}
		switch {
		case node.FanOut && node.Items == "":
			fail("fan-out node %q has no items binding", node.ID)
		case node.FanOut:
			c, err := ParseCollection(node.Items)
			if err != nil {
				fail("node %q: %w", node.ID, err)
			} else {
				g.items[node.ID] = c
			}
		case node.Items != "":
			fail("node %q binds items but is not fan_out", node.ID)
		}
	}

	seen := make(map[[2]string]bool)
	for _, e := range def.Edges {
		_, okFrom := g.nodes[e.From]
		target, okTo := g.nodes[e.To]
		if !okFrom || !okTo {
			fail("edge %s -> %s references an unknown node", e.From, e.To)
			continue
		}
		if e.From == e.To {
			fail("edge %s -> %s is a self loop", e.From, e.To)
			continue
		}
		if seen[[2]string{e.From, e.To}] {
			fail("duplicate edge %s -> %s", e.From, e.To)
			continue
		}
		seen[[2]string{e.From, e.To}] = true

		src := e.Guard
		if src == "" {
			src = target.Condition
		}
		in := InEdge{Edge: e}
		if src != "" {
			guard, err := ParseGuard(src)
			if err != nil {
				fail("edge %s -> %s: %w", e.From, e.To, err)
				continue
			}
			in.Guard = guard
		}
		g.incoming[e.To] = append(g.incoming[e.To], in)
		g.outgoing[e.From] = append(g.outgoing[e.From], e.To)
	}

	for _, id := range def.Roots {
		if _, ok := g.nodes[id]; !ok {
			fail("root %q is not a node", id)
			continue
		}
		if len(g.incoming[id]) > 0 {
			fail("root %q has incoming edges", id)
		}
		g.roots[id] = true
	}
	for id := range g.nodes {
		if len(g.incoming[id]) > 0 {
			continue
		}
		if len(def.Roots) > 0 && !g.roots[id] {
			fail("node %q has no incoming edge and is not a designated root", id)
		}
		g.roots[id] = true
	}

	if len(errs) == 0 {
		order, err := g.sort()
		if err != nil {
			fail("%w", err)
		}
		g.Order = order
	}

	if len(errs) == 0 {
		for id, c := range g.items {
			for _, ref := range c.Nodes {
				if _, ok := g.nodes[ref]; !ok {
					fail("node %q items reference unknown node %q", id, ref)
				} else if !g.IsAncestor(ref, id) {
					fail("node %q items reference %q which is not upstream", id, ref)
				}
			}
		}
	}

	outputs := def.Outputs
	if len(outputs) == 0 {
		for _, n := range def.Nodes {
			if len(g.outgoing[n.ID]) == 0 {
				outputs = append(outputs, n.ID)
			}
		}
	}
	for _, id := range outputs {
		if _, ok := g.nodes[id]; !ok {
			fail("output %q is not a node", id)
		}
	}
	g.outputs = outputs

	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s@%d: %w", ErrInvalidDefinition, def.ID, def.Version, errors.Join(errs...))
	}
	return g, nil
}

// sort orders nodes topologically with gammazero/toposort.
func (g *Graph) sort() ([]string, error) {
	var edges []toposort.Edge
	for _, n := range g.Def.Nodes {
		in := g.incoming[n.ID]
		if len(in) == 0 {
			edges = append(edges, toposort.Edge{nil, n.ID})
			continue
		}
		for _, e := range in {
			edges = append(edges, toposort.Edge{e.From, n.ID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("graph contains a cycle: %w", err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}
	if len(order) != len(g.nodes) {
		found := make(map[string]bool, len(order))
		for _, id := range order {
			found[id] = true
		}
		var missing []string
		for id := range g.nodes {
			if !found[id] {
				missing = append(missing, id)
			}
		}
		slices.Sort(missing)
		return nil, fmt.Errorf("graph contains a cycle through %s", strings.Join(missing, ", "))
	}
	return order, nil
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) *TaskNode { return g.nodes[id] }

// Incoming returns the incoming edges of a node.
func (g *Graph) Incoming(id string) []InEdge { return g.incoming[id] }

// Downstream returns the direct successors of a node.
func (g *Graph) Downstream(id string) []string { return g.outgoing[id] }

// Items returns the compiled fan-out binding of a node, or nil.
func (g *Graph) Items(id string) *Collection { return g.items[id] }

// IsRoot reports whether the node starts ready.
func (g *Graph) IsRoot(id string) bool { return g.roots[id] }

// Outputs returns the required output nodes of the run.
func (g *Graph) Outputs() []string { return g.outputs }

// IsAncestor reports whether a reaches b through one or more edges.
func (g *Graph) IsAncestor(a, b string) bool {
	stack := []string{a}
	visited := map[string]bool{a: true}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range g.outgoing[cur] {
			if next == b {
				return true
			}
			if !visited[next] {
				visited[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false
}

// Validate checks a definition without keeping the compiled graph.
func Validate(def *Definition) error {
	_, err := Compile(def)
	return err
}
