// Package memory provides in-process implementations of the progression
// stores. They back the "memory" database driver and most tests; state is
// lost when the process exits.
package memory

import (
	"context"
	"sync"

	"github.com/alem-hub/progression-engine/internal/domain/progression"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

// GraphStore keeps course graphs in memory.
type GraphStore struct {
	mu         sync.RWMutex
	graphs     map[string]*progression.Graph
	nodeCourse map[string]string
}

// NewGraphStore creates a GraphStore holding the given graphs.
func NewGraphStore(graphs ...*progression.Graph) *GraphStore {
	s := &GraphStore{
		graphs:     make(map[string]*progression.Graph),
		nodeCourse: make(map[string]string),
	}
	for _, g := range graphs {
		s.put(g)
	}
	return s
}

// ImportCourse replaces a course graph.
func (s *GraphStore) ImportCourse(_ context.Context, g *progression.Graph) error {
	if g == nil {
		return shared.NewDomainError("graph", "ImportCourse", shared.ErrInvalidInput, "graph is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range g.NodeIDs() {
		if course, ok := s.nodeCourse[id]; ok && course != g.CourseID() {
			return shared.Errorf("graph", "ImportCourse", shared.ErrInvalidInput, "node %s already belongs to course %s", id, course)
		}
	}
	if old, ok := s.graphs[g.CourseID()]; ok {
		for _, id := range old.NodeIDs() {
			delete(s.nodeCourse, id)
		}
	}
	s.putLocked(g)
	return nil
}

func (s *GraphStore) put(g *progression.Graph) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(g)
}

func (s *GraphStore) putLocked(g *progression.Graph) {
	s.graphs[g.CourseID()] = g
	for _, id := range g.NodeIDs() {
		s.nodeCourse[id] = g.CourseID()
	}
}

// LoadGraph implements progression.GraphStore.
func (s *GraphStore) LoadGraph(_ context.Context, courseID string) (*progression.Graph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.graphs[courseID]
	if !ok {
		return nil, shared.Errorf("graph", "LoadGraph", shared.ErrNotFound, "course %s not found", courseID)
	}
	return g, nil
}

// LoadDependents implements progression.GraphStore.
func (s *GraphStore) LoadDependents(_ context.Context, nodeID string) ([]progression.NodeDependency, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	course, ok := s.nodeCourse[nodeID]
	if !ok {
		return nil, nil
	}
	return s.graphs[course].Dependents(nodeID), nil
}

// LoadNode implements progression.GraphStore.
func (s *GraphStore) LoadNode(_ context.Context, nodeID string) (progression.LearningNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	course, ok := s.nodeCourse[nodeID]
	if !ok {
		return progression.LearningNode{}, shared.Errorf("graph", "LoadNode", shared.ErrNotFound, "node %s not found", nodeID)
	}
	n, _ := s.graphs[course].Node(nodeID)
	return n, nil
}

// Courses returns the ids of all loaded courses.
func (s *GraphStore) Courses() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.graphs))
	for id := range s.graphs {
		ids = append(ids, id)
	}
	return ids
}
