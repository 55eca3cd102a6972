package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progression-engine/internal/domain/progression"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/internal/infrastructure/persistence/memory"
	"github.com/alem-hub/progression-engine/pkg/logger"
	"github.com/alem-hub/progression-engine/pkg/timeutil"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type recorder struct {
	mu      sync.Mutex
	events  []shared.Event
	trimmed []int
}

func (r *recorder) Publish(e shared.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) SweepTrimmed(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trimmed = append(r.trimmed, n)
}

type flakyStore struct {
	*memory.ProgressStore
	failures int
	calls    int
}

func (s *flakyStore) TrimIdempotencyKeys(ctx context.Context, olderThan time.Time) (int, error) {
	s.calls++
	if s.calls <= s.failures {
		return 0, errors.New("connection reset")
	}
	return s.ProgressStore.TrimIdempotencyKeys(ctx, olderThan)
}

func seed(t *testing.T, store progression.ProgressStore) {
	t.Helper()
	rec := progression.NewNodeProgress("u1", "n1")
	rec.State = progression.StateInProgress
	for i, age := range []time.Duration{100 * time.Hour, 80 * time.Hour, time.Hour} {
		rec.RecordKey(progression.IdempotencyEntry{
			Key:        string(rune('a' + i)),
			RecordedAt: t0.Add(-age),
		}, 0)
	}
	_, err := store.CompareAndSwap(context.Background(), "u1", "n1", 0, rec)
	require.NoError(t, err)
}

func TestSweep_TrimsOldKeys(t *testing.T) {
	store := memory.NewProgressStore()
	seed(t, store)
	rec := &recorder{}

	job := NewSweepIdempotencyKeysJob(store, rec, rec, timeutil.NewManualClock(t0), logger.Nop(), DefaultSweepIdempotencyKeysConfig())
	require.NoError(t, job.Run(context.Background()))

	got, err := store.Get(context.Background(), "u1", "n1")
	require.NoError(t, err)
	require.Len(t, got.IdempotencyKeys, 1)
	assert.Equal(t, "c", got.IdempotencyKeys[0].Key)

	assert.Equal(t, []int{2}, rec.trimmed)
	require.Len(t, rec.events, 1)
	assert.Equal(t, shared.EventIdempotencySwept, rec.events[0].EventType())

	stats := job.LastRunStats()
	require.NotNil(t, stats)
	assert.Equal(t, 2, stats.Trimmed)
	assert.Equal(t, t0.Add(-72*time.Hour), stats.Cutoff)
}

func TestSweep_RetriesTransientFailures(t *testing.T) {
	store := &flakyStore{ProgressStore: memory.NewProgressStore(), failures: 2}
	seed(t, store)

	job := NewSweepIdempotencyKeysJob(store, nil, nil, timeutil.NewManualClock(t0), nil,
		SweepIdempotencyKeysConfig{Retention: 90 * time.Hour})
	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, 3, store.calls)
	assert.Equal(t, 1, job.LastRunStats().Trimmed)
}

func TestSweep_GivesUp(t *testing.T) {
	store := &flakyStore{ProgressStore: memory.NewProgressStore(), failures: 10}

	job := NewSweepIdempotencyKeysJob(store, nil, nil, nil, nil, SweepIdempotencyKeysConfig{})
	err := job.Run(context.Background())
	assert.ErrorContains(t, err, "connection reset")
	assert.Nil(t, job.LastRunStats())
	assert.Equal(t, "sweep_idempotency_keys", job.Name())
}
