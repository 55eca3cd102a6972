package progression_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progression-engine/internal/domain/progression"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

func TestEvaluate_EntryPointAlwaysUnlocked(t *testing.T) {
	f := newFixture(t, []progression.LearningNode{video("a", 60, 100)}, nil)

	d, err := f.eval.Evaluate(context.Background(), "u1", "a")
	require.NoError(t, err)
	assert.True(t, d.Unlocked)
	assert.Empty(t, d.Edges)
}

func TestEvaluate_AllGroupNeedsEveryEdge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t,
		[]progression.LearningNode{quiz("p1", 2, 50), quiz("p2", 2, 50), interactive("target", 50)},
		[]progression.NodeDependency{
			completedAll("p1", "target"),
			edge("p2", "target", progression.ConditionScoreAtLeast, 70, progression.CombinatorAll),
		})

	d, err := f.eval.Evaluate(ctx, "u1", "target")
	require.NoError(t, err)
	assert.False(t, d.Unlocked)
	assert.Equal(t, []string{"p1", "p2"}, d.BlockedBy())

	f.put(t, "u1", "p1", progression.StateCompleted, 60)
	d, err = f.eval.Evaluate(ctx, "u1", "target")
	require.NoError(t, err)
	assert.False(t, d.Unlocked)
	assert.Equal(t, []string{"p2"}, d.BlockedBy())

	f.put(t, "u1", "p2", progression.StateCompleted, 65)
	d, err = f.eval.Evaluate(ctx, "u1", "target")
	require.NoError(t, err)
	assert.False(t, d.Unlocked, "score threshold not met")

	f.put(t, "u1", "p2", progression.StateCompleted, 75)
	d, err = f.eval.Evaluate(ctx, "u1", "target")
	require.NoError(t, err)
	assert.True(t, d.Unlocked)
	assert.Nil(t, d.BlockedBy())

	other, err := f.eval.Evaluate(ctx, "u2", "target")
	require.NoError(t, err)
	assert.False(t, other.Unlocked, "progress is per user")
}

func TestEvaluate_AnyGroupNeedsOneEdge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t,
		[]progression.LearningNode{video("v", 100, 90), quiz("q", 2, 50), interactive("target", 50)},
		[]progression.NodeDependency{
			edge("v", "target", progression.ConditionWatchPercentAtLeast, 50, progression.CombinatorAny),
			edge("q", "target", progression.ConditionCompleted, 0, progression.CombinatorAny),
		})

	d, err := f.eval.Evaluate(ctx, "u1", "target")
	require.NoError(t, err)
	assert.False(t, d.Unlocked)

	f.put(t, "u1", "v", progression.StateInProgress, 50)
	d, err = f.eval.Evaluate(ctx, "u1", "target")
	require.NoError(t, err)
	assert.True(t, d.Unlocked)
}

func TestEvaluate_AllAndAnyTogether(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t,
		[]progression.LearningNode{quiz("must", 1, 50), quiz("alt1", 1, 50), quiz("alt2", 1, 50), interactive("target", 50)},
		[]progression.NodeDependency{
			completedAll("must", "target"),
			edge("alt1", "target", progression.ConditionCompleted, 0, progression.CombinatorAny),
			edge("alt2", "target", progression.ConditionCompleted, 0, progression.CombinatorAny),
		})

	f.put(t, "u1", "alt1", progression.StateCompleted, 100)
	d, err := f.eval.Evaluate(ctx, "u1", "target")
	require.NoError(t, err)
	assert.False(t, d.Unlocked, "ANY passing does not excuse a failing ALL group")

	f.put(t, "u1", "must", progression.StateCompleted, 100)
	d, err = f.eval.Evaluate(ctx, "u1", "target")
	require.NoError(t, err)
	assert.True(t, d.Unlocked)

	f.put(t, "u2", "must", progression.StateCompleted, 100)
	d, err = f.eval.Evaluate(ctx, "u2", "target")
	require.NoError(t, err)
	assert.False(t, d.Unlocked, "ALL passing still needs one ANY edge")
}

func TestEvaluateWith_OverlayWins(t *testing.T) {
	f := newFixture(t,
		[]progression.LearningNode{quiz("p", 1, 50), interactive("target", 50)},
		[]progression.NodeDependency{completedAll("p", "target")})

	overlay := progression.Overlay{"p": {UserID: "u1", NodeID: "p", State: progression.StateCompleted, Value: 90}}
	d, err := f.eval.EvaluateWith(context.Background(), "u1", "target", overlay)
	require.NoError(t, err)
	assert.True(t, d.Unlocked)
}

func TestEvaluate_UnknownNode(t *testing.T) {
	f := newFixture(t, []progression.LearningNode{video("a", 60, 100)}, nil)
	_, err := f.eval.Evaluate(context.Background(), "u1", "nope")
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestEvaluate_SelfLoopIsACycle(t *testing.T) {
	f := newFixture(t, []progression.LearningNode{video("a", 60, 100)}, []progression.NodeDependency{completedAll("a", "a")})
	_, err := f.eval.Evaluate(context.Background(), "u1", "a")
	assert.ErrorIs(t, err, shared.ErrCycleDetected)
}

func TestCascade_WideFanOutVisitsEachDependentOnce(t *testing.T) {
	const width = 1000
	nodes := []progression.LearningNode{video("root", 60, 100)}
	var edges []progression.NodeDependency
	for i := 0; i < width; i++ {
		id := fmt.Sprintf("leaf-%04d", i)
		nodes = append(nodes, interactive(id, 50))
		edges = append(edges, completedAll("root", id))
		// every leaf also depends on its neighbour through an ANY edge, so
		// the walk meets already-seen nodes again and again
		if i > 0 {
			edges = append(edges, edge(fmt.Sprintf("leaf-%04d", i-1), id, progression.ConditionCompleted, 0, progression.CombinatorAny))
		}
	}
	f := newFixture(t, nodes, edges)

	overlay := progression.Overlay{"root": {UserID: "u1", NodeID: "root", State: progression.StateCompleted, Value: 60}}
	res, err := f.eval.Cascade(context.Background(), "u1", "root", overlay)
	require.NoError(t, err)

	assert.Equal(t, width, res.Evaluated, "each leaf is evaluated exactly once")
	assert.Equal(t, []string{"leaf-0000"}, res.NewlyUnlocked, "only leaf-0000 has no unmet ANY group")
}

func TestCascade_FanOutUnlocksAll(t *testing.T) {
	const width = 1000
	nodes := []progression.LearningNode{video("root", 60, 100)}
	var edges []progression.NodeDependency
	for i := 0; i < width; i++ {
		id := fmt.Sprintf("leaf-%04d", i)
		nodes = append(nodes, interactive(id, 50))
		edges = append(edges, completedAll("root", id))
	}
	f := newFixture(t, nodes, edges)

	overlay := progression.Overlay{"root": {UserID: "u1", NodeID: "root", State: progression.StateCompleted, Value: 60}}
	res, err := f.eval.Cascade(context.Background(), "u1", "root", overlay)
	require.NoError(t, err)

	assert.Equal(t, width, res.Evaluated)
	assert.Len(t, res.NewlyUnlocked, width)
	seen := make(map[string]bool, width)
	for _, id := range res.NewlyUnlocked {
		assert.False(t, seen[id], "duplicate %s", id)
		seen[id] = true
	}
	assert.Equal(t, "root", overlay["root"].NodeID)
	assert.Len(t, overlay, 1, "caller overlay is not modified")
}

func TestCascade_ContinuesThroughNewlyUnlocked(t *testing.T) {
	f := newFixture(t,
		[]progression.LearningNode{quiz("a", 1, 50), video("b", 100, 90), interactive("c", 50)},
		[]progression.NodeDependency{
			completedAll("a", "b"),
			edge("b", "c", progression.ConditionWatchPercentAtLeast, 0, progression.CombinatorAll),
		})

	overlay := progression.Overlay{"a": {State: progression.StateCompleted, Value: 100}}
	res, err := f.eval.Cascade(context.Background(), "u1", "a", overlay)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, res.NewlyUnlocked)
}

func TestCascade_SkipsNodesAlreadyPastLocked(t *testing.T) {
	f := newFixture(t,
		[]progression.LearningNode{quiz("a", 1, 50), interactive("b", 50)},
		[]progression.NodeDependency{completedAll("a", "b")})
	f.put(t, "u1", "b", progression.StateInProgress, 10)

	overlay := progression.Overlay{"a": {State: progression.StateCompleted, Value: 100}}
	res, err := f.eval.Cascade(context.Background(), "u1", "a", overlay)
	require.NoError(t, err)
	assert.Empty(t, res.NewlyUnlocked)
	assert.Zero(t, res.Evaluated)
}

func TestCascade_SkipsInactiveDependents(t *testing.T) {
	b := interactive("b", 50)
	b.Active = false
	f := newFixture(t,
		[]progression.LearningNode{quiz("a", 1, 50), b},
		[]progression.NodeDependency{completedAll("a", "b")})

	overlay := progression.Overlay{"a": {State: progression.StateCompleted, Value: 100}}
	res, err := f.eval.Cascade(context.Background(), "u1", "a", overlay)
	require.NoError(t, err)
	assert.Empty(t, res.NewlyUnlocked)
}

func TestCascade_CycleFailsFast(t *testing.T) {
	// a -> b -> c -> b with watch-percent-0 edges that pass on empty progress,
	// so the walk keeps unlocking until it runs into its own path.
	f := newFixture(t,
		[]progression.LearningNode{quiz("a", 1, 50), video("b", 60, 100), video("c", 60, 100)},
		[]progression.NodeDependency{
			completedAll("a", "b"),
			edge("c", "b", progression.ConditionWatchPercentAtLeast, 0, progression.CombinatorAny),
			edge("b", "c", progression.ConditionWatchPercentAtLeast, 0, progression.CombinatorAll),
		})

	overlay := progression.Overlay{"a": {State: progression.StateCompleted, Value: 100}}
	_, err := f.eval.Cascade(context.Background(), "u1", "a", overlay)
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrCycleDetected)

	var cycle *progression.CycleError
	require.ErrorAs(t, err, &cycle)
	assert.Equal(t, []string{"a", "b", "c", "b"}, cycle.Path)
}
