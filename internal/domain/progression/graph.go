package progression

import (
	"sort"

	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

// Graph is the dependency graph of one course.
//
// Nodes and edges live in flat slices (the arena). Everything else is an
// index into them, built once in NewGraph and never mutated afterwards, so a
// Graph can be shared between goroutines without locking.
type Graph struct {
	courseID string
	nodes    []LearningNode
	edges    []NodeDependency

	slot     map[string]int // node id -> index in nodes
	incoming [][]int        // node slot -> indexes in edges terminating there
	outgoing [][]int        // node slot -> indexes in edges starting there
}

// NewGraph validates the definitions and builds the indexes.
// Nodes are kept sorted by their ordering hint, then by id.
func NewGraph(courseID string, nodes []LearningNode, edges []NodeDependency) (*Graph, error) {
	const op = "NewGraph"
	if courseID == "" {
		return nil, shared.NewDomainError("graph", op, shared.ErrInvalidInput, "course id is required")
	}

	g := &Graph{
		courseID: courseID,
		nodes:    make([]LearningNode, len(nodes)),
		edges:    make([]NodeDependency, len(edges)),
		slot:     make(map[string]int, len(nodes)),
	}
	copy(g.nodes, nodes)
	copy(g.edges, edges)

	sort.SliceStable(g.nodes, func(i, j int) bool {
		if g.nodes[i].Order != g.nodes[j].Order {
			return g.nodes[i].Order < g.nodes[j].Order
		}
		return g.nodes[i].ID < g.nodes[j].ID
	})

	for i, n := range g.nodes {
		if err := n.Validate(); err != nil {
			return nil, err
		}
		if n.CourseID != courseID {
			return nil, shared.Errorf("graph", op, shared.ErrInvalidInput, "node %s belongs to course %s, not %s", n.ID, n.CourseID, courseID)
		}
		if _, dup := g.slot[n.ID]; dup {
			return nil, shared.Errorf("graph", op, shared.ErrInvalidInput, "duplicate node id %s", n.ID)
		}
		g.slot[n.ID] = i
	}

	g.incoming = make([][]int, len(g.nodes))
	g.outgoing = make([][]int, len(g.nodes))
	for i, e := range g.edges {
		if err := e.Validate(); err != nil {
			return nil, err
		}
		from, ok := g.slot[e.From]
		if !ok {
			return nil, shared.Errorf("graph", op, shared.ErrInvalidInput, "edge %s -> %s: unknown node %s", e.From, e.To, e.From)
		}
		to, ok := g.slot[e.To]
		if !ok {
			return nil, shared.Errorf("graph", op, shared.ErrInvalidInput, "edge %s -> %s: unknown node %s", e.From, e.To, e.To)
		}
		g.outgoing[from] = append(g.outgoing[from], i)
		g.incoming[to] = append(g.incoming[to], i)
	}

	return g, nil
}

// CourseID returns the course the graph describes.
func (g *Graph) CourseID() string { return g.courseID }

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Nodes returns a copy of the nodes in display order.
func (g *Graph) Nodes() []LearningNode {
	out := make([]LearningNode, len(g.nodes))
	copy(out, g.nodes)
	return out
}

// Edges returns a copy of all edges.
func (g *Graph) Edges() []NodeDependency {
	out := make([]NodeDependency, len(g.edges))
	copy(out, g.edges)
	return out
}

// NodeIDs returns node ids in display order.
func (g *Graph) NodeIDs() []string {
	ids := make([]string, len(g.nodes))
	for i, n := range g.nodes {
		ids[i] = n.ID
	}
	return ids
}

// Node looks a node up by id.
func (g *Graph) Node(id string) (LearningNode, bool) {
	i, ok := g.slot[id]
	if !ok {
		return LearningNode{}, false
	}
	return g.nodes[i], true
}

// Prerequisites returns the edges terminating at id.
func (g *Graph) Prerequisites(id string) []NodeDependency {
	i, ok := g.slot[id]
	if !ok {
		return nil
	}
	return g.pick(g.incoming[i])
}

// Dependents returns the edges starting at id.
func (g *Graph) Dependents(id string) []NodeDependency {
	i, ok := g.slot[id]
	if !ok {
		return nil
	}
	return g.pick(g.outgoing[i])
}

func (g *Graph) pick(idx []int) []NodeDependency {
	out := make([]NodeDependency, len(idx))
	for k, i := range idx {
		out[k] = g.edges[i]
	}
	return out
}

// DetectCycle looks for a dependency cycle with a depth-first search that
// keeps a temporary (on the current path) and a permanent (fully explored)
// mark per node. It returns the cycle as a path of node ids whose first and
// last elements are the same, or nil if the graph is acyclic.
func (g *Graph) DetectCycle() []string {
	permanent := make([]bool, len(g.nodes))
	temporary := make([]bool, len(g.nodes))
	var path []int
	var cycle []string

	var visit func(n int) bool
	visit = func(n int) bool {
		if permanent[n] {
			return false
		}
		if temporary[n] {
			start := 0
			for k, p := range path {
				if p == n {
					start = k
					break
				}
			}
			for _, p := range path[start:] {
				cycle = append(cycle, g.nodes[p].ID)
			}
			cycle = append(cycle, g.nodes[n].ID)
			return true
		}

		temporary[n] = true
		path = append(path, n)
		for _, e := range g.outgoing[n] {
			if visit(g.slot[g.edges[e].To]) {
				return true
			}
		}
		path = path[:len(path)-1]
		temporary[n] = false
		permanent[n] = true
		return false
	}

	for n := range g.nodes {
		if visit(n) {
			return cycle
		}
	}
	return nil
}

// EntryPoints returns the ids of nodes without prerequisites.
func (g *Graph) EntryPoints() []string {
	var ids []string
	for i, n := range g.nodes {
		if len(g.incoming[i]) == 0 {
			ids = append(ids, n.ID)
		}
	}
	return ids
}
