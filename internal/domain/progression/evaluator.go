package progression

import (
	"context"
	"strings"

	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

// Overlay substitutes pending records for stored ones during evaluation,
// keyed by node id. It lets the coordinator evaluate dependents against a
// merge it has not committed yet.
type Overlay map[string]*NodeProgress

// CycleError reports a dependency cycle. It matches shared.ErrCycleDetected.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return "dependency cycle detected: " + strings.Join(e.Path, " -> ")
}

func (e *CycleError) Unwrap() error { return shared.ErrCycleDetected }

// EdgeResult is the verdict on one incoming edge.
type EdgeResult struct {
	Dependency NodeDependency `json:"dependency"`
	Passed     bool           `json:"passed"`
}

// Decision is the outcome of evaluating a node's incoming edges.
type Decision struct {
	NodeID   string       `json:"node_id"`
	Unlocked bool         `json:"unlocked"`
	Edges    []EdgeResult `json:"edges,omitempty"`
}

// BlockedBy lists the prerequisites whose edges did not pass, or nil when
// the node is unlocked.
func (d Decision) BlockedBy() []string {
	if d.Unlocked {
		return nil
	}
	var ids []string
	seen := make(map[string]bool)
	for _, r := range d.Edges {
		if !r.Passed && !seen[r.Dependency.From] {
			seen[r.Dependency.From] = true
			ids = append(ids, r.Dependency.From)
		}
	}
	return ids
}

// CascadeResult is what a forward walk over dependents found.
type CascadeResult struct {
	// NewlyUnlocked lists dependents that went from LOCKED to unlocked, in
	// discovery order.
	NewlyUnlocked []string
	// Evaluated counts rule evaluations; each dependent is evaluated at most once.
	Evaluated int
}

// Evaluator decides whether nodes are unlocked for a learner.
//
// Prerequisite state is read directly from the progress store. It is never
// re-derived recursively, so a single evaluation reads one edge backwards.
type Evaluator struct {
	graphs   GraphStore
	progress ProgressReader
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(graphs GraphStore, progress ProgressReader) *Evaluator {
	return &Evaluator{graphs: graphs, progress: progress}
}

// Evaluate decides whether nodeID is unlocked for userID.
func (e *Evaluator) Evaluate(ctx context.Context, userID, nodeID string) (Decision, error) {
	return e.EvaluateWith(ctx, userID, nodeID, nil)
}

// EvaluateWith is Evaluate with overlay records taking precedence over stored ones.
func (e *Evaluator) EvaluateWith(ctx context.Context, userID, nodeID string, overlay Overlay) (Decision, error) {
	_, g, err := e.locate(ctx, nodeID, nil)
	if err != nil {
		return Decision{}, err
	}
	return e.decide(ctx, g, userID, nodeID, overlay)
}

// decide groups the incoming edges of nodeID by combinator and tests each one.
//
// ALL only: every edge passes. ANY only: at least one passes. Both: the ALL
// group fully passes and the ANY group has at least one pass. No edges: the
// node is a graph entry point and always unlocked.
func (e *Evaluator) decide(ctx context.Context, g *Graph, userID, nodeID string, overlay Overlay) (Decision, error) {
	deps := g.Prerequisites(nodeID)
	d := Decision{NodeID: nodeID}
	if len(deps) == 0 {
		d.Unlocked = true
		return d, nil
	}

	var missing []string
	seen := make(map[string]bool, len(deps))
	for _, dep := range deps {
		if dep.From == nodeID {
			return Decision{}, &CycleError{Path: []string{nodeID, nodeID}}
		}
		if _, ok := overlay[dep.From]; ok || seen[dep.From] {
			continue
		}
		seen[dep.From] = true
		missing = append(missing, dep.From)
	}

	stored, err := e.progress.ListByUser(ctx, userID, missing)
	if err != nil {
		return Decision{}, err
	}

	var allTotal, allPassed, anyTotal, anyPassed int
	d.Edges = make([]EdgeResult, 0, len(deps))
	for _, dep := range deps {
		from, _ := g.Node(dep.From)
		p, ok := overlay[dep.From]
		if !ok {
			p = stored[dep.From]
		}

		passed, err := dep.Condition.Satisfied(from, p)
		if err != nil {
			return Decision{}, err
		}
		d.Edges = append(d.Edges, EdgeResult{Dependency: dep, Passed: passed})

		switch dep.Combinator {
		case CombinatorAll:
			allTotal++
			if passed {
				allPassed++
			}
		case CombinatorAny:
			anyTotal++
			if passed {
				anyPassed++
			}
		default:
			return Decision{}, shared.Errorf("evaluator", "Evaluate", shared.ErrInvalidInput,
				"%s -> %s: unknown combinator %q", dep.From, dep.To, dep.Combinator)
		}
	}

	d.Unlocked = allPassed == allTotal && (anyTotal == 0 || anyPassed > 0)
	return d, nil
}

// Cascade walks forward from rootID through its dependents and returns the
// ones that become unlocked. Records in overlay take precedence over stored
// ones; overlay itself is not modified.
//
// The walk keeps a done set, so each dependent is evaluated at most once per
// call, and an on-path set: reaching a node that is on the current path
// means the graph has a cycle and the walk stops with a CycleError. It only
// continues through nodes it just unlocked, since nothing else changed.
// Inactive dependents are skipped.
func (e *Evaluator) Cascade(ctx context.Context, userID, rootID string, overlay Overlay) (CascadeResult, error) {
	view := make(Overlay, len(overlay)+4)
	for k, v := range overlay {
		view[k] = v
	}

	graphs := make(map[string]*Graph)
	done := map[string]bool{rootID: true}
	onPath := make(map[string]bool)
	var path []string
	var res CascadeResult

	var walk func(id string) error
	walk = func(id string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		onPath[id] = true
		path = append(path, id)
		defer func() {
			delete(onPath, id)
			path = path[:len(path)-1]
		}()

		deps, err := e.graphs.LoadDependents(ctx, id)
		if err != nil {
			return err
		}

		var targets, unread []string
		queued := make(map[string]bool, len(deps))
		for _, dep := range deps {
			if onPath[dep.To] {
				cycle := append(append([]string(nil), path...), dep.To)
				return &CycleError{Path: cycle}
			}
			if done[dep.To] || queued[dep.To] {
				continue
			}
			queued[dep.To] = true
			targets = append(targets, dep.To)
			if _, ok := view[dep.To]; !ok {
				unread = append(unread, dep.To)
			}
		}
		if len(targets) == 0 {
			return nil
		}

		stored, err := e.progress.ListByUser(ctx, userID, unread)
		if err != nil {
			return err
		}

		for _, to := range targets {
			if done[to] {
				continue
			}
			done[to] = true

			current, ok := view[to]
			if !ok {
				current = stored[to]
			}
			if StateOf(current) != StateLocked {
				continue
			}

			node, g, err := e.locate(ctx, to, graphs)
			if err != nil {
				return err
			}
			if !node.Active {
				continue
			}

			dec, err := e.decide(ctx, g, userID, to, view)
			if err != nil {
				return err
			}
			res.Evaluated++
			if !dec.Unlocked {
				continue
			}

			next := current.Clone()
			if next == nil {
				next = NewNodeProgress(userID, to)
			}
			next.State = StateUnlocked
			view[to] = next
			res.NewlyUnlocked = append(res.NewlyUnlocked, to)

			if err := walk(to); err != nil {
				return err
			}
		}
		return nil
	}

	if err := walk(rootID); err != nil {
		return CascadeResult{}, err
	}
	return res, nil
}

// locate loads a node and the graph of its course. memo, when non-nil,
// keeps graphs across calls within one cascade.
func (e *Evaluator) locate(ctx context.Context, nodeID string, memo map[string]*Graph) (LearningNode, *Graph, error) {
	node, err := e.graphs.LoadNode(ctx, nodeID)
	if err != nil {
		return LearningNode{}, nil, err
	}
	if g, ok := memo[node.CourseID]; ok {
		return node, g, nil
	}
	g, err := e.graphs.LoadGraph(ctx, node.CourseID)
	if err != nil {
		return LearningNode{}, nil, err
	}
	if memo != nil {
		memo[node.CourseID] = g
	}
	return node, g, nil
}
