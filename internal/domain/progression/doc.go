// Package progression contains the domain model of the learning progression engine.
//
// A course is a dependency graph of learning nodes (video, quiz, interactive
// exercise, external package). Each learner has a NodeProgress record per node.
// The package defines:
//
//   - Entities: LearningNode, NodeDependency, Graph, NodeProgress
//   - Inputs: ProgressEvent, Submission
//   - Policies: Validator (anti-cheat), Evaluator (unlock rules), Merge
//   - Ports: GraphStore, ProgressStore, UnlockCache
//
// # Architecture
//
// The package has no infrastructure dependencies. Storage and caching are
// reached only through the interfaces in repository.go and cache.go and are
// implemented under internal/infrastructure.
//
// # Concurrency
//
// NodeProgress records are never locked. Writers read a record, merge into a
// copy and commit with ProgressStore.CompareAndSwap against the version they
// read. Merging is monotonic (max of values, forward-only states), so retrying
// after a lost race converges on the maximum of everything submitted.
//
// # Graphs
//
// Graphs are flat node and edge slices plus id and adjacency indexes built at
// load time. Nothing holds pointers between nodes:
//
//	g, err := NewGraph("go-basics", nodes, edges)
//	for _, dep := range g.Prerequisites("quiz-1") {
//	    ...
//	}
package progression
