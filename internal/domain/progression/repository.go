package progression

import (
	"context"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// REPOSITORY INTERFACES
// Implementations live in infrastructure/persistence.
// ══════════════════════════════════════════════════════════════════════════════

// GraphStore reads authored course graphs. All methods are read-only and
// idempotent; results may be cached until the course is re-authored.
type GraphStore interface {
	// LoadGraph returns the whole graph of a course.
	// Returns ErrNotFound if the course is unknown.
	LoadGraph(ctx context.Context, courseID string) (*Graph, error)

	// LoadDependents returns the edges starting at nodeID.
	// An unknown node has no dependents.
	LoadDependents(ctx context.Context, nodeID string) ([]NodeDependency, error)

	// LoadNode returns a single node definition, inactive ones included.
	// Returns ErrNotFound if the node is unknown.
	LoadNode(ctx context.Context, nodeID string) (LearningNode, error)
}

// GraphWriter stores authored graphs. It is used by seeding and imports,
// never by the engine itself.
type GraphWriter interface {
	// ImportCourse replaces the nodes and edges of g's course.
	ImportCourse(ctx context.Context, g *Graph) error
}

// ProgressReader reads progress records.
type ProgressReader interface {
	// Get returns the record for (userID, nodeID), or nil, nil if none exists.
	Get(ctx context.Context, userID, nodeID string) (*NodeProgress, error)

	// ListByUser returns the records that exist among nodeIDs, keyed by node id.
	ListByUser(ctx context.Context, userID string, nodeIDs []string) (map[string]*NodeProgress, error)
}

// ProgressStore reads and writes progress records with optimistic versioning.
type ProgressStore interface {
	ProgressReader

	// CompareAndSwap stores record if the stored version equals
	// expectedVersion (0 when no record exists). The stored record gets
	// version expectedVersion+1 and is returned.
	// Returns ErrVersionConflict if the stored version moved.
	CompareAndSwap(ctx context.Context, userID, nodeID string, expectedVersion int64, record *NodeProgress) (*NodeProgress, error)

	// TrimIdempotencyKeys drops idempotency entries recorded before olderThan
	// across all records and returns how many entries were removed. It does
	// not bump record versions.
	TrimIdempotencyKeys(ctx context.Context, olderThan time.Time) (int, error)
}
