package progression_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progression-engine/internal/domain/progression"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

func TestNewGraph_Indexes(t *testing.T) {
	a := video("a", 600, 90)
	a.Order = 2
	b := quiz("b", 5, 60)
	b.Order = 1
	c := interactive("c", 50)
	c.Order = 3

	g, err := progression.NewGraph(course, []progression.LearningNode{a, b, c}, []progression.NodeDependency{
		completedAll("a", "c"),
		completedAll("b", "c"),
	})
	require.NoError(t, err)

	assert.Equal(t, course, g.CourseID())
	assert.Equal(t, 3, g.Len())
	assert.Equal(t, []string{"b", "a", "c"}, g.NodeIDs())
	assert.Len(t, g.Prerequisites("c"), 2)
	assert.Len(t, g.Dependents("a"), 1)
	assert.Empty(t, g.Prerequisites("a"))
	assert.Nil(t, g.Dependents("missing"))
	assert.ElementsMatch(t, []string{"a", "b"}, g.EntryPoints())

	n, ok := g.Node("a")
	require.True(t, ok)
	assert.Equal(t, 600.0, n.DurationSeconds)
}

func TestNewGraph_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		nodes []progression.LearningNode
		edges []progression.NodeDependency
	}{
		{"duplicate node", []progression.LearningNode{video("a", 10, 100), video("a", 10, 100)}, nil},
		{"unknown edge target", []progression.LearningNode{video("a", 10, 100)}, []progression.NodeDependency{completedAll("a", "x")}},
		{"video without duration", []progression.LearningNode{video("a", 0, 100)}, nil},
		{"quiz without questions", []progression.LearningNode{quiz("q", 0, 50)}, nil},
		{"threshold out of range", []progression.LearningNode{interactive("i", 120)}, nil},
		{"bad combinator", []progression.LearningNode{video("a", 10, 100), video("b", 10, 100)},
			[]progression.NodeDependency{edge("a", "b", progression.ConditionCompleted, 0, "SOME")}},
		{"foreign course", []progression.LearningNode{{ID: "x", CourseID: "other", Type: progression.NodeTypeInteractive, Active: true}}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := progression.NewGraph(course, tt.nodes, tt.edges)
			require.Error(t, err)
			assert.ErrorIs(t, err, shared.ErrInvalidInput)
		})
	}
}

func TestGraph_DetectCycle(t *testing.T) {
	nodes := []progression.LearningNode{video("a", 10, 100), video("b", 10, 100), video("c", 10, 100)}

	g, err := progression.NewGraph(course, nodes, []progression.NodeDependency{
		completedAll("a", "b"),
		completedAll("b", "c"),
	})
	require.NoError(t, err)
	assert.Nil(t, g.DetectCycle())

	g, err = progression.NewGraph(course, nodes, []progression.NodeDependency{
		completedAll("a", "b"),
		completedAll("b", "c"),
		completedAll("c", "b"),
	})
	require.NoError(t, err)
	cycle := g.DetectCycle()
	require.NotEmpty(t, cycle)
	assert.Equal(t, cycle[0], cycle[len(cycle)-1])
	assert.Contains(t, cycle, "b")
	assert.Contains(t, cycle, "c")
}

func TestParseEnums(t *testing.T) {
	typ, err := progression.ParseNodeType("external_package")
	require.NoError(t, err)
	assert.Equal(t, progression.NodeTypeExternalPackage, typ)

	kind, err := progression.ParseConditionKind(" score_at_least ")
	require.NoError(t, err)
	assert.Equal(t, progression.ConditionScoreAtLeast, kind)

	comb, err := progression.ParseCombinator("")
	require.NoError(t, err)
	assert.Equal(t, progression.CombinatorAll, comb)

	_, err = progression.ParseNodeType("podcast")
	assert.ErrorIs(t, err, shared.ErrInvalidInput)
	_, err = progression.ParseCombinator("xor")
	assert.ErrorIs(t, err, shared.ErrInvalidInput)
}
