package query_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progression-engine/internal/application/query"
	"github.com/alem-hub/progression-engine/internal/domain/progression"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/internal/infrastructure/cache"
	"github.com/alem-hub/progression-engine/internal/infrastructure/persistence/memory"
)

const course = "course-1"

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type mapCache struct {
	entries map[string]bool
}

func (c *mapCache) Get(_ context.Context, userID, nodeID string) progression.CacheStatus {
	v, ok := c.entries[userID+"/"+nodeID]
	if !ok {
		return progression.CacheMiss
	}
	return progression.StatusOf(v)
}

func (c *mapCache) Generation(context.Context, string) uint64 { return 0 }

func (c *mapCache) Put(_ context.Context, userID, nodeID string, unlocked bool, _ uint64) {
	c.entries[userID+"/"+nodeID] = unlocked
}

func (c *mapCache) Invalidate(_ context.Context, userID string, nodeIDs ...string) {
	for _, id := range nodeIDs {
		delete(c.entries, userID+"/"+id)
	}
}

// racingReader runs commit right after the evaluator reads prerequisites,
// the way a concurrent submission would land between evaluation and Put.
type racingReader struct {
	*memory.ProgressStore
	commit func()
}

func (r *racingReader) ListByUser(ctx context.Context, userID string, nodeIDs []string) (map[string]*progression.NodeProgress, error) {
	out, err := r.ProgressStore.ListByUser(ctx, userID, nodeIDs)
	if r.commit != nil {
		r.commit()
		r.commit = nil
	}
	return out, err
}

type lookups map[string]int

func (l lookups) CacheLookup(result string) { l[result]++ }

func setup(t *testing.T) (*memory.GraphStore, *memory.ProgressStore) {
	t.Helper()
	nodes := []progression.LearningNode{
		{ID: "intro", CourseID: course, Type: progression.NodeTypeVideo, DurationSeconds: 200, CompletionThreshold: 90, Order: 1, Active: true},
		{ID: "check", CourseID: course, Type: progression.NodeTypeQuiz, QuestionCount: 4, CompletionThreshold: 60, Order: 2, Active: true},
		{ID: "lab", CourseID: course, Type: progression.NodeTypeInteractive, CompletionThreshold: 50, Order: 3, Active: true},
		{ID: "old", CourseID: course, Type: progression.NodeTypeInteractive, CompletionThreshold: 50, Order: 4},
	}
	edges := []progression.NodeDependency{
		{From: "intro", To: "check", Condition: progression.Condition{Kind: progression.ConditionCompleted}, Combinator: progression.CombinatorAll},
		{From: "check", To: "lab", Condition: progression.Condition{Kind: progression.ConditionScoreAtLeast, Threshold: 80}, Combinator: progression.CombinatorAll},
	}
	g, err := progression.NewGraph(course, nodes, edges)
	require.NoError(t, err)
	return memory.NewGraphStore(g), memory.NewProgressStore()
}

func put(t *testing.T, s *memory.ProgressStore, node string, state progression.State, value float64) {
	t.Helper()
	rec := progression.NewNodeProgress("u1", node)
	rec.State, rec.Value, rec.UpdatedAt = state, value, t0
	_, err := s.CompareAndSwap(context.Background(), "u1", node, 0, rec)
	require.NoError(t, err)
}

func TestGetNodeStatus_EvaluatesThenCaches(t *testing.T) {
	graphs, progress := setup(t)
	cache := &mapCache{entries: map[string]bool{}}
	seen := lookups{}
	h := query.NewGetNodeStatusHandler(graphs, progress, cache, seen, nil)
	ctx := context.Background()

	dto, err := h.Handle(ctx, query.GetNodeStatusQuery{UserID: "u1", NodeID: "check"})
	require.NoError(t, err)
	assert.False(t, dto.Unlocked)
	assert.False(t, dto.Cached)
	assert.Equal(t, []string{"intro"}, dto.BlockedBy)
	assert.Equal(t, progression.StateLocked, dto.State)

	dto, err = h.Handle(ctx, query.GetNodeStatusQuery{UserID: "u1", NodeID: "check"})
	require.NoError(t, err)
	assert.True(t, dto.Cached)
	assert.False(t, dto.Unlocked)
	assert.Equal(t, lookups{"miss": 1, "hit": 1}, seen)

	// stale entry is served until the writer invalidates it
	put(t, progress, "intro", progression.StateCompleted, 200)
	cache.Invalidate(ctx, "u1", "intro", "check")

	dto, err = h.Handle(ctx, query.GetNodeStatusQuery{UserID: "u1", NodeID: "check"})
	require.NoError(t, err)
	assert.True(t, dto.Unlocked)
	assert.Empty(t, dto.BlockedBy)
}

func TestGetNodeStatus_InvalidationDuringEvaluationIsNotOverwritten(t *testing.T) {
	graphs, progress := setup(t)
	unlock := cache.NewUnlockCache()
	ctx := context.Background()
	reader := &racingReader{ProgressStore: progress}
	reader.commit = func() {
		put(t, progress, "intro", progression.StateCompleted, 200)
		unlock.Invalidate(ctx, "u1", "intro", "check")
	}
	h := query.NewGetNodeStatusHandler(graphs, reader, unlock, nil, nil)

	dto, err := h.Handle(ctx, query.GetNodeStatusQuery{UserID: "u1", NodeID: "check"})
	require.NoError(t, err)
	assert.False(t, dto.Unlocked, "answer computed from the pre-commit read")
	assert.Equal(t, progression.CacheMiss, unlock.Get(ctx, "u1", "check"), "stale answer not cached")

	dto, err = h.Handle(ctx, query.GetNodeStatusQuery{UserID: "u1", NodeID: "check"})
	require.NoError(t, err)
	assert.True(t, dto.Unlocked)
	assert.False(t, dto.Cached)
	assert.Equal(t, progression.CacheUnlocked, unlock.Get(ctx, "u1", "check"))
}

func TestGetNodeStatus_StartedNodeSkipsEvaluation(t *testing.T) {
	graphs, progress := setup(t)
	put(t, progress, "intro", progression.StateInProgress, 50)
	seen := lookups{}
	h := query.NewGetNodeStatusHandler(graphs, progress, nil, seen, nil)

	dto, err := h.Handle(context.Background(), query.GetNodeStatusQuery{UserID: "u1", NodeID: "intro"})
	require.NoError(t, err)
	assert.True(t, dto.Unlocked)
	assert.Equal(t, 25.0, dto.Percent)
	assert.Equal(t, int64(1), dto.Version)
	require.NotNil(t, dto.UpdatedAt)
	assert.Empty(t, seen)
}

func TestGetNodeStatus_Errors(t *testing.T) {
	graphs, progress := setup(t)
	h := query.NewGetNodeStatusHandler(graphs, progress, nil, nil, nil)
	ctx := context.Background()

	_, err := h.Handle(ctx, query.GetNodeStatusQuery{UserID: "u1"})
	assert.ErrorIs(t, err, shared.ErrInvalidInput)

	_, err = h.Handle(ctx, query.GetNodeStatusQuery{UserID: "u1", NodeID: "missing"})
	assert.True(t, shared.IsNotFound(err))

	_, err = h.Handle(ctx, query.GetNodeStatusQuery{UserID: "u1", NodeID: "old"})
	assert.True(t, shared.IsNotFound(err), "inactive nodes are hidden")
}

func TestGetCourseProgress(t *testing.T) {
	graphs, progress := setup(t)
	put(t, progress, "intro", progression.StateCompleted, 190)
	put(t, progress, "check", progression.StateCompleted, 70)
	h := query.NewGetCourseProgressHandler(graphs, progress)

	dto, err := h.Handle(context.Background(), query.GetCourseProgressQuery{UserID: "u1", CourseID: course})
	require.NoError(t, err)

	require.Len(t, dto.Nodes, 3, "inactive nodes are left out")
	assert.Equal(t, []string{"intro", "check", "lab"}, []string{dto.Nodes[0].NodeID, dto.Nodes[1].NodeID, dto.Nodes[2].NodeID})
	assert.Equal(t, 3, dto.Total)
	assert.Equal(t, 2, dto.Completed)
	assert.Equal(t, 2, dto.Unlocked)
	assert.InDelta(t, 66.67, dto.Percentage, 0.01)

	lab := dto.Nodes[2]
	assert.False(t, lab.Unlocked, "score 70 is below the lab's 80 bar")
	assert.Equal(t, []string{"check"}, lab.BlockedBy)
	assert.InDelta(t, 95.0, dto.Nodes[0].Percent, 0.001)
}

func TestGetCourseProgress_UnknownCourse(t *testing.T) {
	graphs, progress := setup(t)
	h := query.NewGetCourseProgressHandler(graphs, progress)

	_, err := h.Handle(context.Background(), query.GetCourseProgressQuery{UserID: "u1", CourseID: "nope"})
	assert.True(t, shared.IsNotFound(err))
}
