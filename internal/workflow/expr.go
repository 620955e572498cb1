package workflow

import (
	"encoding/json"
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// Guard is a compiled edge predicate. It reads exactly one field of the
// upstream node's output metadata, e.g. `upstream.quality_score > 80`.
type Guard struct {
	Source string
	Field  string
	expr   hcl.Expression
}

// ParseGuard compiles a guard expression. Guards that reference anything other
// than a single upstream field are rejected here, at definition time.
func ParseGuard(src string) (*Guard, error) {
	expr, diags := hclsyntax.ParseExpression([]byte(src), "guard", hcl.Pos{Line: 1, Column: 1})
	if diags.HasErrors() {
		return nil, fmt.Errorf("parsing guard %q: %s", src, diags.Error())
	}

	fields := make(map[string]struct{})
	for _, traversal := range expr.Variables() {
		if traversal.RootName() != "upstream" {
			return nil, fmt.Errorf("guard %q references %q; only upstream is in scope", src, traversal.RootName())
		}
		field, ok := firstStep(traversal)
		if !ok {
			return nil, fmt.Errorf("guard %q must reference a field of upstream", src)
		}
		fields[field] = struct{}{}
	}
	if len(fields) != 1 {
		return nil, fmt.Errorf("guard %q must reference exactly one upstream field, found %d", src, len(fields))
	}

	g := &Guard{Source: src, expr: expr}
	for f := range fields {
		g.Field = f
	}
	return g, nil
}

// Evaluate runs the guard against upstream output metadata. A missing field or
// a non-boolean result is an error; callers treat errors as "not taken".
func (g *Guard) Evaluate(upstream map[string]any) (bool, error) {
	val, err := toCty(upstream)
	if err != nil {
		return false, err
	}
	ctx := &hcl.EvalContext{Variables: map[string]cty.Value{"upstream": val}}
	out, diags := g.expr.Value(ctx)
	if diags.HasErrors() {
		return false, fmt.Errorf("evaluating guard %q: %s", g.Source, diags.Error())
	}
	if out.IsNull() || !out.IsKnown() {
		return false, nil
	}
	out, err = convert.Convert(out, cty.Bool)
	if err != nil {
		return false, fmt.Errorf("guard %q did not produce a bool: %w", g.Source, err)
	}
	return out.True(), nil
}

// Collection is a compiled fan-out binding such as `input.scenes` or
// `nodes.script.scenes`.
type Collection struct {
	Source string
	Nodes  []string // upstream node ids the expression reads
	expr   hcl.Expression
}

// ParseCollection compiles a fan-out items expression.
func ParseCollection(src string) (*Collection, error) {
	expr, diags := hclsyntax.ParseExpression([]byte(src), "items", hcl.Pos{Line: 1, Column: 1})
	if diags.HasErrors() {
		return nil, fmt.Errorf("parsing items %q: %s", src, diags.Error())
	}
	c := &Collection{Source: src, expr: expr}
	seen := make(map[string]bool)
	for _, traversal := range expr.Variables() {
		switch traversal.RootName() {
		case "input":
		case "nodes":
			node, ok := firstStep(traversal)
			if !ok {
				return nil, fmt.Errorf("items %q must name a node after nodes.", src)
			}
			if !seen[node] {
				seen[node] = true
				c.Nodes = append(c.Nodes, node)
			}
		default:
			return nil, fmt.Errorf("items %q references %q; only input and nodes are in scope", src, traversal.RootName())
		}
	}
	return c, nil
}

// Evaluate resolves the collection to its elements. The result size is fixed
// for the lifetime of the run.
func (c *Collection) Evaluate(input map[string]any, nodes map[string]map[string]any) ([]any, error) {
	inputVal, err := toCty(input)
	if err != nil {
		return nil, err
	}
	nodeVals := make(map[string]cty.Value, len(nodes))
	for id, meta := range nodes {
		v, err := toCty(meta)
		if err != nil {
			return nil, fmt.Errorf("node %s output: %w", id, err)
		}
		nodeVals[id] = v
	}
	ctx := &hcl.EvalContext{Variables: map[string]cty.Value{
		"input": inputVal,
		"nodes": cty.ObjectVal(nodeVals),
	}}

	out, diags := c.expr.Value(ctx)
	if diags.HasErrors() {
		return nil, fmt.Errorf("evaluating items %q: %s", c.Source, diags.Error())
	}
	if out.IsNull() {
		return []any{}, nil
	}
	ty := out.Type()
	if !ty.IsListType() && !ty.IsTupleType() && !ty.IsSetType() {
		return nil, fmt.Errorf("items %q must be a list, got %s", c.Source, ty.FriendlyName())
	}

	elems := out.AsValueSlice()
	items := make([]any, 0, len(elems))
	for _, elem := range elems {
		item, err := fromCty(elem)
		if err != nil {
			return nil, fmt.Errorf("items %q: %w", c.Source, err)
		}
		items = append(items, item)
	}
	return items, nil
}

func firstStep(traversal hcl.Traversal) (string, bool) {
	if len(traversal) < 2 {
		return "", false
	}
	switch step := traversal[1].(type) {
	case hcl.TraverseAttr:
		return step.Name, true
	case hcl.TraverseIndex:
		if step.Key.Type() == cty.String {
			return step.Key.AsString(), true
		}
	}
	return "", false
}

// toCty converts JSON-shaped Go data into a cty object.
func toCty(m map[string]any) (cty.Value, error) {
	if len(m) == 0 {
		return cty.EmptyObjectVal, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return cty.NilVal, fmt.Errorf("encoding expression scope: %w", err)
	}
	ty, err := ctyjson.ImpliedType(data)
	if err != nil {
		return cty.NilVal, fmt.Errorf("inferring expression scope type: %w", err)
	}
	return ctyjson.Unmarshal(data, ty)
}

func fromCty(v cty.Value) (any, error) {
	if v.IsNull() {
		return nil, nil
	}
	data, err := ctyjson.Marshal(v, v.Type())
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
