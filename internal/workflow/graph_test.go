package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func node(id string) TaskNode { return TaskNode{ID: id, Type: "noop"} }

func pipeline() *Definition {
	return &Definition{
		ID:      "short-video",
		Version: 1,
		Nodes: []TaskNode{
			node("story"), node("script"), node("hook"),
			node("audio"), node("image"), node("video"), node("stitch"),
		},
		Edges: []Edge{
			{From: "story", To: "script"},
			{From: "story", To: "hook"},
			{From: "script", To: "audio"},
			{From: "script", To: "image"},
			{From: "hook", To: "video"},
			{From: "audio", To: "stitch"},
			{From: "image", To: "stitch"},
			{From: "video", To: "stitch"},
		},
	}
}

func TestCompilePipeline(t *testing.T) {
	g, err := Compile(pipeline())
	require.NoError(t, err)

	require.Len(t, g.Order, 7)
	pos := make(map[string]int)
	for i, id := range g.Order {
		pos[id] = i
	}
	for _, e := range pipeline().Edges {
		assert.Less(t, pos[e.From], pos[e.To], "%s must precede %s", e.From, e.To)
	}

	assert.True(t, g.IsRoot("story"))
	assert.False(t, g.IsRoot("stitch"))
	assert.Equal(t, []string{"stitch"}, g.Outputs())
	assert.Len(t, g.Incoming("stitch"), 3)
	assert.ElementsMatch(t, []string{"audio", "image"}, g.Downstream("script"))
	assert.True(t, g.IsAncestor("story", "stitch"))
	assert.False(t, g.IsAncestor("audio", "video"))
}

func TestCompileRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(d *Definition)
		want   string
	}{
		{"cycle", func(d *Definition) {
			d.Edges = append(d.Edges, Edge{From: "stitch", To: "story"})
		}, "cycle"},
		{"unknown endpoint", func(d *Definition) {
			d.Edges = append(d.Edges, Edge{From: "story", To: "missing"})
		}, "unknown node"},
		{"duplicate node", func(d *Definition) {
			d.Nodes = append(d.Nodes, node("story"))
		}, "duplicate node"},
		{"self loop", func(d *Definition) {
			d.Edges = append(d.Edges, Edge{From: "hook", To: "hook"})
		}, "self loop"},
		{"multi-field guard", func(d *Definition) {
			d.Edges[0].Guard = "upstream.a > 1 && upstream.b"
		}, "exactly one upstream field"},
		{"guard outside upstream", func(d *Definition) {
			d.Edges[0].Guard = "input.flag"
		}, "only upstream"},
		{"undesignated root", func(d *Definition) {
			d.Roots = []string{"story"}
			d.Nodes = append(d.Nodes, node("orphan"))
		}, "not a designated root"},
		{"fan out without items", func(d *Definition) {
			d.Nodes[3].FanOut = true
		}, "no items binding"},
		{"items from non-upstream node", func(d *Definition) {
			d.Nodes[3].FanOut = true
			d.Nodes[3].Items = "nodes.hook.scenes"
		}, "not upstream"},
		{"unknown output", func(d *Definition) {
			d.Outputs = []string{"nope"}
		}, "output"},
		{"missing type", func(d *Definition) {
			d.Nodes[0].Type = ""
		}, "no task type"},
		{"zero version", func(d *Definition) {
			d.Version = 0
		}, "version"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := pipeline()
			tt.mutate(def)
			_, err := Compile(def)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidDefinition)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestConditionIsDefaultGuard(t *testing.T) {
	def := &Definition{
		ID:      "cond",
		Version: 1,
		Nodes: []TaskNode{
			node("score"),
			{ID: "publish", Type: "noop", Condition: "upstream.quality_score > 80"},
			node("review"),
		},
		Edges: []Edge{
			{From: "score", To: "publish"},
			{From: "score", To: "review", Guard: "upstream.quality_score <= 80"},
		},
	}
	g, err := Compile(def)
	require.NoError(t, err)

	in := g.Incoming("publish")
	require.Len(t, in, 1)
	require.NotNil(t, in[0].Guard)
	assert.Equal(t, "quality_score", in[0].Guard.Field)

	in = g.Incoming("review")
	require.Len(t, in, 1)
	assert.Equal(t, "upstream.quality_score <= 80", in[0].Guard.Source)
}

func TestFanOutBinding(t *testing.T) {
	def := pipeline()
	def.Nodes[3].FanOut = true
	def.Nodes[3].Items = "nodes.script.scenes"
	g, err := Compile(def)
	require.NoError(t, err)
	require.NotNil(t, g.Items("audio"))
	assert.Equal(t, []string{"script"}, g.Items("audio").Nodes)
	assert.Nil(t, g.Items("image"))
}

func TestParseRef(t *testing.T) {
	ref, err := ParseRef("short-video@3")
	require.NoError(t, err)
	assert.Equal(t, Ref{ID: "short-video", Version: 3}, ref)

	ref, err = ParseRef("short-video")
	require.NoError(t, err)
	assert.Equal(t, 0, ref.Version)

	_, err = ParseRef("x@zero")
	assert.Error(t, err)
	_, err = ParseRef("@1")
	assert.Error(t, err)
}

func TestRetryPolicyMerge(t *testing.T) {
	base := RetryPolicy{BaseDelay: 2, MaxDelay: 10, MaxAttempts: 5, Jitter: 0.2}
	merged := base.Merge(&RetryPolicy{MaxAttempts: 2})
	assert.Equal(t, 2, merged.MaxAttempts)
	assert.Equal(t, Duration(2), merged.BaseDelay)
	assert.Equal(t, base, base.Merge(nil))
}

func TestHashStable(t *testing.T) {
	a, err := pipeline().Hash()
	require.NoError(t, err)
	b, err := pipeline().Hash()
	require.NoError(t, err)
	assert.Equal(t, a, b)

	changed := pipeline()
	changed.Edges = changed.Edges[1:]
	c, err := changed.Hash()
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}
