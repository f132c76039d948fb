package skill_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refly-ai/refly/internal/skill"
)

func TestGraphCompileLinear(t *testing.T) {
	g := skill.NewGraph().
		AddNode("a", noop).
		AddNode("b", noop).
		AddEdge(skill.Start, "a").
		AddEdge("a", "b").
		AddEdge("b", skill.End)
	require.NoError(t, g.Compile())
	assert.Equal(t, 2, g.Len())
	assert.Equal(t, []string{"a", "b"}, g.Nodes())
	// Compiling twice is harmless.
	require.NoError(t, g.Compile())
}

func TestGraphCompileErrors(t *testing.T) {
	tests := []struct {
		name  string
		build func() *skill.Graph
		want  string
	}{
		{"empty", skill.NewGraph, "no nodes"},
		{"no entry", func() *skill.Graph {
			return skill.NewGraph().AddNode("a", noop).AddEdge("a", skill.End)
		}, "no entry edge"},
		{"two entries", func() *skill.Graph {
			return skill.NewGraph().AddNode("a", noop).AddNode("b", noop).
				AddEdge(skill.Start, "a").AddEdge(skill.Start, "b").
				AddEdge("a", skill.End).AddEdge("b", skill.End)
		}, "more than one entry edge"},
		{"dangling node", func() *skill.Graph {
			return skill.NewGraph().AddNode("a", noop).AddEdge(skill.Start, "a")
		}, "no outgoing edge"},
		{"unknown target", func() *skill.Graph {
			return skill.NewGraph().AddNode("a", noop).AddEdge(skill.Start, "a").AddEdge("a", "ghost")
		}, "unknown node"},
		{"fan out", func() *skill.Graph {
			return skill.NewGraph().AddNode("a", noop).AddNode("b", noop).
				AddEdge(skill.Start, "a").AddEdge("a", "b").AddEdge("a", skill.End).AddEdge("b", skill.End)
		}, "more than one outgoing edge"},
		{"cycle", func() *skill.Graph {
			return skill.NewGraph().AddNode("a", noop).AddNode("b", noop).
				AddEdge(skill.Start, "a").AddEdge("a", "b").AddEdge("b", "a")
		}, "cycle"},
		{"unreachable", func() *skill.Graph {
			return skill.NewGraph().AddNode("a", noop).AddNode("b", noop).
				AddEdge(skill.Start, "a").AddEdge("a", skill.End).AddEdge("b", skill.End)
		}, "unreachable"},
		{"duplicate node", func() *skill.Graph {
			return skill.NewGraph().AddNode("a", noop).AddNode("a", noop)
		}, "added twice"},
		{"reserved name", func() *skill.Graph {
			return skill.NewGraph().AddNode(skill.End, noop)
		}, "invalid node name"},
		{"edge and router", func() *skill.Graph {
			return skill.NewGraph().AddNode("a", noop).
				AddEdge(skill.Start, "a").AddEdge("a", skill.End).
				AddRouter("a", func(*skill.State) string { return skill.End })
		}, "both an edge and a router"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.build().Compile()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestGraphCompileWithRouter(t *testing.T) {
	g := skill.NewGraph().
		AddNode("check", noop).
		AddNode("retry", noop).
		AddEdge(skill.Start, "check").
		AddRouter("check", func(*skill.State) string { return skill.End }).
		AddEdge("retry", "check")
	require.NoError(t, g.Compile())
}
