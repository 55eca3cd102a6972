package progression_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progression-engine/internal/domain/progression"
	"github.com/alem-hub/progression-engine/internal/infrastructure/persistence/memory"
)

const course = "course-1"

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func video(id string, duration, threshold float64) progression.LearningNode {
	return progression.LearningNode{
		ID: id, CourseID: course, Type: progression.NodeTypeVideo,
		DurationSeconds: duration, CompletionThreshold: threshold, Active: true,
	}
}

func quiz(id string, questions int, threshold float64) progression.LearningNode {
	return progression.LearningNode{
		ID: id, CourseID: course, Type: progression.NodeTypeQuiz,
		QuestionCount: questions, CompletionThreshold: threshold, Active: true,
	}
}

func interactive(id string, threshold float64) progression.LearningNode {
	return progression.LearningNode{
		ID: id, CourseID: course, Type: progression.NodeTypeInteractive,
		CompletionThreshold: threshold, Active: true,
	}
}

func edge(from, to string, kind progression.ConditionKind, threshold float64, comb progression.Combinator) progression.NodeDependency {
	return progression.NodeDependency{
		From: from, To: to,
		Condition:  progression.Condition{Kind: kind, Threshold: threshold},
		Combinator: comb,
	}
}

func completedAll(from, to string) progression.NodeDependency {
	return edge(from, to, progression.ConditionCompleted, 0, progression.CombinatorAll)
}

type fixture struct {
	graphs   *memory.GraphStore
	progress *memory.ProgressStore
	eval     *progression.Evaluator
}

func newFixture(t *testing.T, nodes []progression.LearningNode, edges []progression.NodeDependency) *fixture {
	t.Helper()
	g, err := progression.NewGraph(course, nodes, edges)
	require.NoError(t, err)
	f := &fixture{
		graphs:   memory.NewGraphStore(g),
		progress: memory.NewProgressStore(),
	}
	f.eval = progression.NewEvaluator(f.graphs, f.progress)
	return f
}

// put stores a record for user u directly, bypassing any engine logic.
func (f *fixture) put(t *testing.T, u, node string, state progression.State, value float64) {
	t.Helper()
	ctx := context.Background()
	cur, err := f.progress.Get(ctx, u, node)
	require.NoError(t, err)
	rec := progression.NewNodeProgress(u, node)
	rec.State = state
	rec.Value = value
	rec.UpdatedAt = t0
	rec.LastEventAt = t0
	_, err = f.progress.CompareAndSwap(ctx, u, node, progression.VersionOf(cur), rec)
	require.NoError(t, err)
}
