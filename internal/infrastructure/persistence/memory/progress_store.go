package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alem-hub/progression-engine/internal/domain/progression"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

type progressKey struct {
	userID string
	nodeID string
}

// ProgressStore keeps progress records in a mutex-guarded map. Records are
// deep-copied on the way in and out, so callers never share state with it.
type ProgressStore struct {
	mu      sync.RWMutex
	records map[progressKey]*progression.NodeProgress
	writes  atomic.Int64
}

// NewProgressStore creates an empty ProgressStore.
func NewProgressStore() *ProgressStore {
	return &ProgressStore{records: make(map[progressKey]*progression.NodeProgress)}
}

// Get implements progression.ProgressReader.
func (s *ProgressStore) Get(_ context.Context, userID, nodeID string) (*progression.NodeProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records[progressKey{userID, nodeID}].Clone(), nil
}

// ListByUser implements progression.ProgressReader.
func (s *ProgressStore) ListByUser(_ context.Context, userID string, nodeIDs []string) (map[string]*progression.NodeProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*progression.NodeProgress, len(nodeIDs))
	for _, id := range nodeIDs {
		if p, ok := s.records[progressKey{userID, id}]; ok {
			out[id] = p.Clone()
		}
	}
	return out, nil
}

// CompareAndSwap implements progression.ProgressStore.
func (s *ProgressStore) CompareAndSwap(_ context.Context, userID, nodeID string, expectedVersion int64, record *progression.NodeProgress) (*progression.NodeProgress, error) {
	if record == nil {
		return nil, shared.NewDomainError("progress", "CompareAndSwap", shared.ErrInvalidInput, "record is nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := progressKey{userID, nodeID}
	if got := progression.VersionOf(s.records[key]); got != expectedVersion {
		return nil, shared.Errorf("progress", "CompareAndSwap", shared.ErrVersionConflict,
			"%s: expected version %d, stored %d", shared.ProgressAggregateID(userID, nodeID), expectedVersion, got)
	}

	next := record.Clone()
	next.UserID = userID
	next.NodeID = nodeID
	next.Version = expectedVersion + 1
	s.records[key] = next
	s.writes.Add(1)

	return next.Clone(), nil
}

// TrimIdempotencyKeys implements progression.ProgressStore.
func (s *ProgressStore) TrimIdempotencyKeys(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, p := range s.records {
		total += p.TrimKeysOlderThan(olderThan)
	}
	return total, nil
}

// Writes returns how many compare-and-swaps succeeded.
func (s *ProgressStore) Writes() int64 {
	return s.writes.Load()
}

// Len returns the number of stored records.
func (s *ProgressStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
