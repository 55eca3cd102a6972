// Package storetest is a conformance suite every GraphStore / ProgressStore
// implementation runs from its own tests.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progression-engine/internal/domain/progression"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

// Graphs is what a graph backend must provide.
type Graphs interface {
	progression.GraphStore
	progression.GraphWriter
}

// Factory returns fresh, empty stores for one subtest.
type Factory func(t *testing.T) (Graphs, progression.ProgressStore)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

// Course builds a three-node course: video -> quiz -> lab, plus an inactive node.
func Course(t *testing.T, courseID string) *progression.Graph {
	t.Helper()
	p := func(id string) string { return courseID + "-" + id }
	nodes := []progression.LearningNode{
		{ID: p("video"), CourseID: courseID, Type: progression.NodeTypeVideo, DurationSeconds: 300, CompletionThreshold: 90, Order: 1, Active: true},
		{ID: p("quiz"), CourseID: courseID, Type: progression.NodeTypeQuiz, QuestionCount: 5, CompletionThreshold: 60, Order: 2, Active: true},
		{ID: p("lab"), CourseID: courseID, Type: progression.NodeTypeExternalPackage, CompletionThreshold: 70, Order: 3, Active: true},
		{ID: p("retired"), CourseID: courseID, Type: progression.NodeTypeInteractive, CompletionThreshold: 50, Order: 4, Active: false},
	}
	edges := []progression.NodeDependency{
		{From: p("video"), To: p("quiz"), Condition: progression.Condition{Kind: progression.ConditionWatchPercentAtLeast, Threshold: 80}, Combinator: progression.CombinatorAll},
		{From: p("quiz"), To: p("lab"), Condition: progression.Condition{Kind: progression.ConditionScoreAtLeast, Threshold: 75}, Combinator: progression.CombinatorAny},
		{From: p("video"), To: p("lab"), Condition: progression.Condition{Kind: progression.ConditionCompleted}, Combinator: progression.CombinatorAny},
	}
	g, err := progression.NewGraph(courseID, nodes, edges)
	require.NoError(t, err)
	return g
}

// Run executes the whole suite.
func Run(t *testing.T, newStores Factory) {
	t.Run("GraphRoundTrip", func(t *testing.T) { testGraphRoundTrip(t, newStores) })
	t.Run("GraphReimport", func(t *testing.T) { testGraphReimport(t, newStores) })
	t.Run("GraphNotFound", func(t *testing.T) { testGraphNotFound(t, newStores) })
	t.Run("ProgressCompareAndSwap", func(t *testing.T) { testCompareAndSwap(t, newStores) })
	t.Run("ProgressListByUser", func(t *testing.T) { testListByUser(t, newStores) })
	t.Run("ProgressIdempotencyKeys", func(t *testing.T) { testIdempotencyKeys(t, newStores) })
	t.Run("ProgressConcurrentCreate", func(t *testing.T) { testConcurrentCreate(t, newStores) })
}

func testGraphRoundTrip(t *testing.T, newStores Factory) {
	graphs, _ := newStores(t)
	ctx := context.Background()
	want := Course(t, "c1")
	require.NoError(t, graphs.ImportCourse(ctx, want))

	got, err := graphs.LoadGraph(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, want.Nodes(), got.Nodes())
	assert.ElementsMatch(t, want.Edges(), got.Edges())

	node, err := graphs.LoadNode(ctx, "c1-quiz")
	require.NoError(t, err)
	assert.Equal(t, progression.NodeTypeQuiz, node.Type)
	assert.Equal(t, 5, node.QuestionCount)
	assert.True(t, node.Active)

	retired, err := graphs.LoadNode(ctx, "c1-retired")
	require.NoError(t, err)
	assert.False(t, retired.Active)

	deps, err := graphs.LoadDependents(ctx, "c1-video")
	require.NoError(t, err)
	var to []string
	for _, d := range deps {
		to = append(to, d.To)
	}
	assert.ElementsMatch(t, []string{"c1-quiz", "c1-lab"}, to)

	deps, err = graphs.LoadDependents(ctx, "c1-lab")
	require.NoError(t, err)
	assert.Empty(t, deps)
}

func testGraphReimport(t *testing.T, newStores Factory) {
	graphs, _ := newStores(t)
	ctx := context.Background()
	require.NoError(t, graphs.ImportCourse(ctx, Course(t, "c1")))

	smaller, err := progression.NewGraph("c1", []progression.LearningNode{
		{ID: "c1-video", CourseID: "c1", Type: progression.NodeTypeVideo, DurationSeconds: 600, CompletionThreshold: 95, Active: true},
	}, nil)
	require.NoError(t, err)
	require.NoError(t, graphs.ImportCourse(ctx, smaller))

	g, err := graphs.LoadGraph(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, g.Len())
	assert.Empty(t, g.Edges())

	_, err = graphs.LoadNode(ctx, "c1-quiz")
	assert.True(t, shared.IsNotFound(err), "removed nodes are gone")

	// a node id may belong to one course only
	thief, err := progression.NewGraph("c2", []progression.LearningNode{
		{ID: "c1-video", CourseID: "c2", Type: progression.NodeTypeInteractive, CompletionThreshold: 50, Active: true},
	}, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, graphs.ImportCourse(ctx, thief), shared.ErrInvalidInput)
}

func testGraphNotFound(t *testing.T, newStores Factory) {
	graphs, _ := newStores(t)
	ctx := context.Background()

	_, err := graphs.LoadGraph(ctx, "missing")
	assert.True(t, shared.IsNotFound(err))

	_, err = graphs.LoadNode(ctx, "missing")
	assert.True(t, shared.IsNotFound(err))
}

func record(user, node string, state progression.State, value float64) *progression.NodeProgress {
	p := progression.NewNodeProgress(user, node)
	p.State = state
	p.Value = value
	p.UpdatedAt = t0
	p.LastEventAt = t0.Add(time.Minute)
	return p
}

func testCompareAndSwap(t *testing.T, newStores Factory) {
	_, store := newStores(t)
	ctx := context.Background()

	got, err := store.Get(ctx, "u1", "n1")
	require.NoError(t, err)
	assert.Nil(t, got, "absent record reads as nil")

	first, err := store.CompareAndSwap(ctx, "u1", "n1", 0, record("u1", "n1", progression.StateInProgress, 10))
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Version)

	_, err = store.CompareAndSwap(ctx, "u1", "n1", 0, record("u1", "n1", progression.StateInProgress, 99))
	assert.True(t, shared.IsVersionConflict(err), "create races lose")

	second, err := store.CompareAndSwap(ctx, "u1", "n1", 1, record("u1", "n1", progression.StateCompleted, 95))
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Version)

	_, err = store.CompareAndSwap(ctx, "u1", "n1", 1, record("u1", "n1", progression.StateCompleted, 0))
	assert.True(t, shared.IsVersionConflict(err), "stale version loses")

	got, err = store.Get(ctx, "u1", "n1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, progression.StateCompleted, got.State)
	assert.Equal(t, 95.0, got.Value)
	assert.Equal(t, int64(2), got.Version)
	assert.True(t, t0.Equal(got.UpdatedAt))
	assert.True(t, t0.Add(time.Minute).Equal(got.LastEventAt), "server receive time survives a round trip")
}

func testListByUser(t *testing.T, newStores Factory) {
	_, store := newStores(t)
	ctx := context.Background()

	for _, n := range []string{"a", "b", "c"} {
		_, err := store.CompareAndSwap(ctx, "u1", n, 0, record("u1", n, progression.StateUnlocked, 0))
		require.NoError(t, err)
	}
	_, err := store.CompareAndSwap(ctx, "u2", "a", 0, record("u2", "a", progression.StateCompleted, 100))
	require.NoError(t, err)

	got, err := store.ListByUser(ctx, "u1", []string{"a", "c", "zzz"})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, progression.StateUnlocked, got["a"].State)
	assert.Contains(t, got, "c")

	got, err = store.ListByUser(ctx, "u1", nil)
	require.NoError(t, err)
	assert.Empty(t, got)

	many := make([]string, 0, 1200)
	for i := 0; i < 1200; i++ {
		many = append(many, fmt.Sprintf("n%d", i))
	}
	many = append(many, "b")
	got, err = store.ListByUser(ctx, "u1", many)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func testIdempotencyKeys(t *testing.T, newStores Factory) {
	_, store := newStores(t)
	ctx := context.Background()

	rec := record("u1", "n1", progression.StateInProgress, 40)
	rec.RecordKey(progression.IdempotencyEntry{
		Key: "old", Fingerprint: "f-old", RecordedAt: t0.Add(-100 * time.Hour),
		Outcome: progression.Outcome{Value: 20, State: progression.StateInProgress, Version: 1},
	}, 0)
	rec.RecordKey(progression.IdempotencyEntry{
		Key: "new", Fingerprint: "f-new", RecordedAt: t0,
		Outcome: progression.Outcome{Value: 40, State: progression.StateInProgress, Version: 1, NewlyUnlocked: []string{"x"}, Clamped: true},
	}, 0)
	_, err := store.CompareAndSwap(ctx, "u1", "n1", 0, rec)
	require.NoError(t, err)

	got, err := store.Get(ctx, "u1", "n1")
	require.NoError(t, err)
	require.Len(t, got.IdempotencyKeys, 2)
	entry, ok := got.FindKey("new")
	require.True(t, ok)
	assert.Equal(t, "f-new", entry.Fingerprint)
	assert.Equal(t, []string{"x"}, entry.Outcome.NewlyUnlocked)
	assert.True(t, entry.Outcome.Clamped)
	assert.True(t, t0.Equal(entry.RecordedAt))

	trimmed, err := store.TrimIdempotencyKeys(ctx, t0.Add(-72*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, trimmed)

	got, err = store.Get(ctx, "u1", "n1")
	require.NoError(t, err)
	_, ok = got.FindKey("old")
	assert.False(t, ok)
	_, ok = got.FindKey("new")
	assert.True(t, ok)
	assert.Equal(t, int64(1), got.Version, "trimming is not a progress write")

	trimmed, err = store.TrimIdempotencyKeys(ctx, t0.Add(-72*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, trimmed)
}

func testConcurrentCreate(t *testing.T, newStores Factory) {
	_, store := newStores(t)
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, conflicts := 0, 0
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.CompareAndSwap(ctx, "u1", "race", 0, record("u1", "race", progression.StateInProgress, float64(i)))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case shared.IsVersionConflict(err):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, writers-1, conflicts)
}
