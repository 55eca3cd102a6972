package command_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progression-engine/internal/application/command"
	"github.com/alem-hub/progression-engine/internal/domain/progression"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/internal/infrastructure/persistence/memory"
	"github.com/alem-hub/progression-engine/pkg/timeutil"
)

const course = "course-1"

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

// ══════════════════════════════════════════════════════════════════════════════
// FIXTURES
// ══════════════════════════════════════════════════════════════════════════════

type recordingPublisher struct {
	mu     sync.Mutex
	events []shared.Event
}

func (p *recordingPublisher) Publish(e shared.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) ofType(t shared.EventType) []shared.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []shared.Event
	for _, e := range p.events {
		if e.EventType() == t {
			out = append(out, e)
		}
	}
	return out
}

type spyCache struct {
	mu          sync.Mutex
	puts        map[string]bool
	invalidated []string
}

func newSpyCache() *spyCache { return &spyCache{puts: map[string]bool{}} }

func (c *spyCache) Get(context.Context, string, string) progression.CacheStatus {
	return progression.CacheMiss
}

func (c *spyCache) Generation(context.Context, string) uint64 { return 0 }

func (c *spyCache) Put(_ context.Context, userID, nodeID string, unlocked bool, _ uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.puts[userID+"/"+nodeID] = unlocked
}

func (c *spyCache) Invalidate(_ context.Context, _ string, nodeIDs ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated = append(c.invalidated, nodeIDs...)
}

// conflictingStore loses every compare-and-swap.
type conflictingStore struct {
	*memory.ProgressStore
	attempts int
}

func (s *conflictingStore) CompareAndSwap(context.Context, string, string, int64, *progression.NodeProgress) (*progression.NodeProgress, error) {
	s.attempts++
	return nil, shared.ErrVersionConflict
}

type fixture struct {
	graphs   *memory.GraphStore
	progress *memory.ProgressStore
	cache    *spyCache
	events   *recordingPublisher
	clock    *timeutil.ManualClock
	handler  *command.SubmitProgressHandler
}

func newFixture(t *testing.T, nodes []progression.LearningNode, edges []progression.NodeDependency) *fixture {
	t.Helper()
	g, err := progression.NewGraph(course, nodes, edges)
	require.NoError(t, err)

	f := &fixture{
		graphs:   memory.NewGraphStore(g),
		progress: memory.NewProgressStore(),
		cache:    newSpyCache(),
		events:   &recordingPublisher{},
		clock:    timeutil.NewManualClock(t0),
	}
	f.handler = command.NewSubmitProgressHandler(f.graphs, f.progress, f.cache, f.events, nil,
		command.DefaultSubmitProgressHandlerConfig(), command.WithClock(f.clock))
	return f
}

func (f *fixture) submit(ev progression.ProgressEvent) (*command.SubmitProgressResult, error) {
	return f.handler.Handle(context.Background(), command.SubmitProgressCommand{Event: ev})
}

func (f *fixture) state(t *testing.T, user, node string) *progression.NodeProgress {
	t.Helper()
	p, err := f.progress.Get(context.Background(), user, node)
	require.NoError(t, err)
	return p
}

func video(id string, duration, threshold float64) progression.LearningNode {
	return progression.LearningNode{ID: id, CourseID: course, Type: progression.NodeTypeVideo,
		DurationSeconds: duration, CompletionThreshold: threshold, Active: true}
}

func quiz(id string, questions int, threshold float64) progression.LearningNode {
	return progression.LearningNode{ID: id, CourseID: course, Type: progression.NodeTypeQuiz,
		QuestionCount: questions, CompletionThreshold: threshold, Active: true}
}

func interactive(id string, threshold float64) progression.LearningNode {
	return progression.LearningNode{ID: id, CourseID: course, Type: progression.NodeTypeInteractive,
		CompletionThreshold: threshold, Active: true}
}

func edge(from, to string, kind progression.ConditionKind, threshold float64, comb progression.Combinator) progression.NodeDependency {
	return progression.NodeDependency{From: from, To: to,
		Condition: progression.Condition{Kind: kind, Threshold: threshold}, Combinator: comb}
}

func completedAll(from, to string) progression.NodeDependency {
	return edge(from, to, progression.ConditionCompleted, 0, progression.CombinatorAll)
}

func event(user, node, key string, delta float64) progression.ProgressEvent {
	return progression.ProgressEvent{
		UserID: user, NodeID: node, Delta: delta,
		DeviceID: "dev-1", ClientTimestamp: t0, IdempotencyKey: key,
	}
}

func quizEvent(user, node, key string, score float64, answers int) progression.ProgressEvent {
	ev := event(user, node, key, score)
	ev.Submission = &progression.Submission{Score: score, Answers: make([]string, answers)}
	return ev
}

// ══════════════════════════════════════════════════════════════════════════════
// TESTS
// ══════════════════════════════════════════════════════════════════════════════

func TestSubmit_FirstEventCreatesRecord(t *testing.T) {
	f := newFixture(t, []progression.LearningNode{video("a", 600, 90)}, nil)

	res, err := f.submit(event("u1", "a", "k1", 120))
	require.NoError(t, err)

	assert.False(t, res.Replayed)
	assert.Equal(t, progression.StateInProgress, res.Committed.State)
	assert.Equal(t, 120.0, res.Committed.Value)
	assert.Equal(t, int64(1), res.Committed.Version)
	assert.Equal(t, 1, res.Attempts)
	assert.Len(t, f.events.ofType(shared.EventProgressCommitted), 1)
}

func TestSubmit_DuplicateKeyIsReplayedWithoutWriting(t *testing.T) {
	f := newFixture(t, []progression.LearningNode{video("a", 600, 90)}, nil)
	ev := event("u1", "a", "k1", 120)

	first, err := f.submit(ev)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		again, err := f.submit(ev)
		require.NoError(t, err)
		assert.True(t, again.Replayed)
		assert.Equal(t, first.Committed.Value, again.Committed.Value)
		assert.Equal(t, first.Committed.Version, again.Committed.Version)
		assert.Equal(t, first.Committed.State, again.Committed.State)
	}

	assert.Equal(t, int64(1), f.progress.Writes())
	assert.Equal(t, 120.0, f.state(t, "u1", "a").Value, "delta applied once")
	assert.Len(t, f.events.ofType(shared.EventProgressCommitted), 1)
}

func TestSubmit_ReusedKeyWithDifferentPayloadIsRejected(t *testing.T) {
	f := newFixture(t, []progression.LearningNode{video("a", 600, 90)}, nil)

	_, err := f.submit(event("u1", "a", "k1", 120))
	require.NoError(t, err)

	_, err = f.submit(event("u1", "a", "k1", 300))
	require.Error(t, err)
	assert.True(t, shared.IsInvalidProgress(err))
	assert.Equal(t, 120.0, f.state(t, "u1", "a").Value)
}

func TestSubmit_LockedNodeIsRejectedAndUnchanged(t *testing.T) {
	f := newFixture(t,
		[]progression.LearningNode{video("a", 60, 100), quiz("b", 2, 50)},
		[]progression.NodeDependency{completedAll("a", "b")})

	_, err := f.submit(quizEvent("u1", "b", "k1", 90, 2))
	require.Error(t, err)
	assert.True(t, shared.IsNodeLocked(err))
	assert.Contains(t, err.Error(), "a")

	cur, ok := shared.CurrentOf(err)
	require.True(t, ok)
	assert.Nil(t, cur.(*progression.NodeProgress), "no record was ever written")
	assert.Nil(t, f.state(t, "u1", "b"))
	assert.Zero(t, f.progress.Writes())

	assert.False(t, f.cache.puts["u1/b"], "locked decision is cached")
	rejected := f.events.ofType(shared.EventProgressRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, command.OutcomeNodeLocked, rejected[0].Payload()["kind"])
}

func TestSubmit_InvalidSubmissionReturnsCurrentRecord(t *testing.T) {
	f := newFixture(t, []progression.LearningNode{quiz("q", 3, 50)}, nil)

	_, err := f.submit(quizEvent("u1", "q", "k1", 40, 3))
	require.NoError(t, err)

	_, err = f.submit(quizEvent("u1", "q", "k2", 90, 1))
	require.Error(t, err)
	assert.True(t, shared.IsInvalidSubmission(err))
	assert.True(t, shared.IsInvalidProgress(err), "invalid submission is a kind of invalid progress")

	cur, ok := shared.CurrentOf(err)
	require.True(t, ok)
	rec := cur.(*progression.NodeProgress)
	assert.Equal(t, 40.0, rec.Value)
	assert.Equal(t, int64(1), rec.Version)
}

func TestSubmit_ShapeErrorsAreInvalidInput(t *testing.T) {
	f := newFixture(t, []progression.LearningNode{video("a", 60, 100)}, nil)

	_, err := f.submit(event("u1", "a", "", 10))
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrInvalidInput)
	assert.Equal(t, command.OutcomeInvalidInput, command.OutcomeOf(err))
}

func TestSubmit_UnknownAndInactiveNodesAreNotFound(t *testing.T) {
	gone := video("gone", 60, 100)
	gone.Active = false
	f := newFixture(t, []progression.LearningNode{video("a", 60, 100), gone}, nil)

	_, err := f.submit(event("u1", "nope", "k1", 10))
	assert.True(t, shared.IsNotFound(err))

	_, err = f.submit(event("u1", "gone", "k1", 10))
	assert.True(t, shared.IsNotFound(err))
}

func TestSubmit_WatchDeltaIsClamped(t *testing.T) {
	f := newFixture(t, []progression.LearningNode{video("a", 3600, 90)}, nil)

	res, err := f.submit(event("u1", "a", "k1", 60))
	require.NoError(t, err)
	assert.False(t, res.Clamped)

	// ten seconds of wall time cannot hold more than twenty seconds of video
	f.clock.Advance(10 * time.Second)
	ev := event("u1", "a", "k2", 500)
	ev.ClientTimestamp = f.clock.Now()
	res, err = f.submit(ev)
	require.NoError(t, err)
	assert.True(t, res.Clamped)
	assert.Equal(t, 80.0, res.Committed.Value)
}

func TestSubmit_BackdatedFirstEventDoesNotWidenClamp(t *testing.T) {
	f := newFixture(t, []progression.LearningNode{video("a", 7200, 90)}, nil)

	ev := event("u1", "a", "k1", 10)
	ev.ClientTimestamp = t0.Add(-30 * 24 * time.Hour)
	res, err := f.submit(ev)
	require.NoError(t, err)
	assert.False(t, res.Clamped)
	assert.Equal(t, t0, f.state(t, "u1", "a").LastEventAt)

	f.clock.Advance(time.Second)
	ev = event("u1", "a", "k2", 5000)
	ev.ClientTimestamp = f.clock.Now()
	res, err = f.submit(ev)
	require.NoError(t, err)
	assert.True(t, res.Clamped)
	assert.Equal(t, 12.0, res.Committed.Value)
	assert.Equal(t, t0.Add(time.Second), res.Committed.LastEventAt)
}

func TestSubmit_ValueAndStateNeverGoBackwards(t *testing.T) {
	f := newFixture(t, []progression.LearningNode{interactive("i", 50)}, nil)

	_, err := f.submit(event("u1", "i", "k1", 70))
	require.NoError(t, err)

	res, err := f.submit(event("u1", "i", "k2", 20))
	require.NoError(t, err)
	assert.Equal(t, 70.0, res.Committed.Value)
	assert.Equal(t, progression.StateCompleted, res.Committed.State)
	assert.Len(t, f.events.ofType(shared.EventNodeCompleted), 1, "completion is announced once")
}

func TestSubmit_ExhaustedRetriesReportCurrentRecord(t *testing.T) {
	graph, err := progression.NewGraph(course, []progression.LearningNode{interactive("i", 50)}, nil)
	require.NoError(t, err)
	store := &conflictingStore{ProgressStore: memory.NewProgressStore()}

	cfg := command.DefaultSubmitProgressHandlerConfig()
	cfg.MaxCASAttempts = 3
	h := command.NewSubmitProgressHandler(memory.NewGraphStore(graph), store, nil, nil, nil, cfg)

	_, err = h.Handle(context.Background(), command.SubmitProgressCommand{Event: event("u1", "i", "k1", 40)})
	require.Error(t, err)
	assert.True(t, shared.IsConcurrentUpdateExhausted(err))
	assert.Equal(t, 3, store.attempts)

	_, ok := shared.CurrentOf(err)
	assert.True(t, ok)
}

func TestSubmit_ConcurrentWritersStayMonotonic(t *testing.T) {
	f := newFixture(t, []progression.LearningNode{interactive("i", 100)}, nil)
	cfg := command.DefaultSubmitProgressHandlerConfig()
	cfg.MaxCASAttempts = 50
	h := command.NewSubmitProgressHandler(f.graphs, f.progress, nil, nil, nil, cfg, command.WithClock(f.clock))

	const writers = 16
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev := event("u1", "i", fmt.Sprintf("k%d", i), float64(i*5))
			_, err := h.Handle(context.Background(), command.SubmitProgressCommand{Event: ev})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	rec := f.state(t, "u1", "i")
	assert.Equal(t, float64((writers-1)*5), rec.Value, "highest score wins regardless of order")
	assert.Equal(t, int64(writers), rec.Version, "every writer committed exactly once")
	assert.Len(t, rec.IdempotencyKeys, writers)
}

func TestSubmit_CompletionUnlocksDependentsAndInvalidatesCache(t *testing.T) {
	// A (video) -> B (ALL: A completed) -> D (ALL: B completed)
	// C has ANY: B score >= 80, or A watched 100%.
	f := newFixture(t,
		[]progression.LearningNode{video("A", 60, 100), quiz("B", 2, 50), interactive("C", 50), interactive("D", 50)},
		[]progression.NodeDependency{
			completedAll("A", "B"),
			edge("B", "C", progression.ConditionScoreAtLeast, 80, progression.CombinatorAny),
			edge("A", "C", progression.ConditionWatchPercentAtLeast, 100, progression.CombinatorAny),
			completedAll("B", "D"),
		})

	res, err := f.submit(event("u1", "A", "k1", 60))
	require.NoError(t, err)
	assert.Equal(t, progression.StateCompleted, res.Committed.State)

	unlocked := append([]string(nil), res.NewlyUnlocked...)
	sort.Strings(unlocked)
	assert.Equal(t, []string{"B", "C"}, unlocked, "C unlocks through A's watch percent")

	assert.Equal(t, progression.StateUnlocked, f.state(t, "u1", "B").State)
	assert.Equal(t, progression.StateUnlocked, f.state(t, "u1", "C").State)
	assert.Nil(t, f.state(t, "u1", "D"))

	assert.Len(t, f.events.ofType(shared.EventNodeUnlocked), 2)
	assert.Len(t, f.events.ofType(shared.EventNodeCompleted), 1)
	assert.Subset(t, f.cache.invalidated, []string{"A", "B", "C", "D"}, "touched nodes plus one hop")

	// B scored 60: meets B's own bar but not C's ANY edge on B, which no longer matters
	res, err = f.submit(quizEvent("u1", "B", "k2", 60, 2))
	require.NoError(t, err)
	assert.Equal(t, progression.StateCompleted, res.Committed.State)
	assert.Equal(t, []string{"D"}, res.NewlyUnlocked)
}

func TestSubmit_ReplayReturnsOriginalUnlocks(t *testing.T) {
	f := newFixture(t,
		[]progression.LearningNode{interactive("a", 50), interactive("b", 50)},
		[]progression.NodeDependency{completedAll("a", "b")})

	ev := event("u1", "a", "k1", 80)
	first, err := f.submit(ev)
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, first.NewlyUnlocked)

	again, err := f.submit(ev)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, []string{"b"}, again.NewlyUnlocked)
	assert.Len(t, f.events.ofType(shared.EventNodeUnlocked), 1)
}

func TestSubmit_FanOutOfAThousand(t *testing.T) {
	const width = 1000
	nodes := []progression.LearningNode{interactive("root", 50)}
	var edges []progression.NodeDependency
	for i := 0; i < width; i++ {
		id := fmt.Sprintf("leaf-%04d", i)
		nodes = append(nodes, interactive(id, 50))
		edges = append(edges, completedAll("root", id))
	}
	f := newFixture(t, nodes, edges)

	res, err := f.submit(event("u1", "root", "k1", 100))
	require.NoError(t, err)
	assert.Len(t, res.NewlyUnlocked, width)
	assert.Equal(t, progression.StateUnlocked, f.state(t, "u1", "leaf-0999").State)
	assert.Equal(t, int64(width+1), f.progress.Writes())
}

func TestSubmit_CycleIsReportedNotLooped(t *testing.T) {
	f := newFixture(t,
		[]progression.LearningNode{interactive("a", 50), video("b", 60, 100), video("c", 60, 100)},
		[]progression.NodeDependency{
			completedAll("a", "b"),
			edge("c", "b", progression.ConditionWatchPercentAtLeast, 0, progression.CombinatorAny),
			edge("b", "c", progression.ConditionWatchPercentAtLeast, 0, progression.CombinatorAll),
		})

	_, err := f.submit(event("u1", "a", "k1", 80))
	require.Error(t, err)
	assert.True(t, shared.IsCycleDetected(err))
	assert.Nil(t, f.state(t, "u1", "a"), "nothing committed")
	assert.Len(t, f.events.ofType(shared.EventCycleDetected), 1)
}

func TestOutcomeOf(t *testing.T) {
	assert.Equal(t, command.OutcomeCommitted, command.OutcomeOf(nil))
	assert.Equal(t, command.OutcomeNodeLocked, command.OutcomeOf(shared.ErrNodeLocked))
	assert.Equal(t, command.OutcomeInvalidSubmission, command.OutcomeOf(shared.ErrInvalidSubmission))
	assert.Equal(t, command.OutcomeInvalidProgress, command.OutcomeOf(shared.ErrInvalidProgress))
	assert.Equal(t, command.OutcomeExhausted, command.OutcomeOf(shared.ErrConcurrentUpdateExhausted))
	assert.Equal(t, command.OutcomeError, command.OutcomeOf(fmt.Errorf("boom")))
}
