// Package cached decorates a GraphStore with an in-process copy of each
// course graph. Graphs change only when a course is re-authored, so entries
// live until Invalidate is called.
package cached

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/alem-hub/progression-engine/internal/domain/progression"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

// DefaultLoadTimeout bounds a shared graph load.
const DefaultLoadTimeout = 10 * time.Second

// GraphStore caches whole graphs per course and answers node and dependent
// lookups from them. Concurrent misses for the same course share one load.
type GraphStore struct {
	inner       progression.GraphStore
	loadTimeout time.Duration

	mu         sync.RWMutex
	graphs     map[string]*progression.Graph
	nodeCourse map[string]string

	loads singleflight.Group
}

// Option configures a GraphStore.
type Option func(*GraphStore)

// WithLoadTimeout sets how long a shared load may run.
func WithLoadTimeout(d time.Duration) Option {
	return func(s *GraphStore) {
		if d > 0 {
			s.loadTimeout = d
		}
	}
}

// NewGraphStore wraps inner.
func NewGraphStore(inner progression.GraphStore, opts ...Option) *GraphStore {
	s := &GraphStore{
		inner:       inner,
		loadTimeout: DefaultLoadTimeout,
		graphs:      make(map[string]*progression.Graph),
		nodeCourse:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LoadGraph implements progression.GraphStore.
func (s *GraphStore) LoadGraph(ctx context.Context, courseID string) (*progression.Graph, error) {
	s.mu.RLock()
	g, ok := s.graphs[courseID]
	s.mu.RUnlock()
	if ok {
		return g, nil
	}

	// The load is shared, so it must not die with whichever caller started
	// it. Each caller still stops waiting when its own ctx ends.
	loadCtx := context.WithoutCancel(ctx)
	ch := s.loads.DoChan(courseID, func() (any, error) {
		s.mu.RLock()
		g, ok := s.graphs[courseID]
		s.mu.RUnlock()
		if ok {
			return g, nil
		}

		ctx, cancel := context.WithTimeout(loadCtx, s.loadTimeout)
		defer cancel()
		g, err := s.inner.LoadGraph(ctx, courseID)
		if err != nil {
			return nil, err
		}
		s.store(g)
		return g, nil
	})

	var v any
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		v = res.Val
	}

	g, ok = v.(*progression.Graph)
	if !ok {
		return nil, fmt.Errorf("cached graph store: unexpected type %T", v)
	}
	return g, nil
}

// LoadNode implements progression.GraphStore. The first lookup of a node
// goes to the inner store to learn its course.
func (s *GraphStore) LoadNode(ctx context.Context, nodeID string) (progression.LearningNode, error) {
	g, err := s.graphOf(ctx, nodeID)
	if err != nil {
		return progression.LearningNode{}, err
	}
	n, ok := g.Node(nodeID)
	if !ok {
		return progression.LearningNode{}, shared.Errorf("graph", "LoadNode", shared.ErrNotFound, "node %s not found", nodeID)
	}
	return n, nil
}

// LoadDependents implements progression.GraphStore.
func (s *GraphStore) LoadDependents(ctx context.Context, nodeID string) ([]progression.NodeDependency, error) {
	g, err := s.graphOf(ctx, nodeID)
	if err != nil {
		if shared.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return g.Dependents(nodeID), nil
}

// Invalidate drops a course so the next read reloads it.
func (s *GraphStore) Invalidate(courseID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if g, ok := s.graphs[courseID]; ok {
		for _, id := range g.NodeIDs() {
			if s.nodeCourse[id] == courseID {
				delete(s.nodeCourse, id)
			}
		}
		delete(s.graphs, courseID)
	}
	s.loads.Forget(courseID)
}

// Cached reports how many courses are held.
func (s *GraphStore) Cached() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.graphs)
}

func (s *GraphStore) graphOf(ctx context.Context, nodeID string) (*progression.Graph, error) {
	s.mu.RLock()
	courseID, ok := s.nodeCourse[nodeID]
	s.mu.RUnlock()

	if !ok {
		n, err := s.inner.LoadNode(ctx, nodeID)
		if err != nil {
			return nil, err
		}
		courseID = n.CourseID
	}
	return s.LoadGraph(ctx, courseID)
}

func (s *GraphStore) store(g *progression.Graph) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.graphs[g.CourseID()] = g
	for _, id := range g.NodeIDs() {
		s.nodeCourse[id] = g.CourseID()
	}
}

var _ progression.GraphStore = (*GraphStore)(nil)
