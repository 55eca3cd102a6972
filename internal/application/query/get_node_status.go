// Package query contains read operations (CQRS - Queries).
package query

import (
	"context"
	"strings"
	"time"

	"github.com/alem-hub/progression-engine/internal/domain/progression"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET NODE STATUS QUERY
// Answers "can this learner open this node, and how far are they?"
// Locked/unlocked answers go through the unlock cache.
// ══════════════════════════════════════════════════════════════════════════════

// GetNodeStatusQuery identifies one (learner, node) pair.
type GetNodeStatusQuery struct {
	UserID string
	NodeID string
}

// Validate checks the query parameters.
func (q GetNodeStatusQuery) Validate() error {
	if strings.TrimSpace(q.UserID) == "" {
		return shared.NewDomainError("query", "GetNodeStatus", shared.ErrInvalidInput, "user id is required")
	}
	if strings.TrimSpace(q.NodeID) == "" {
		return shared.NewDomainError("query", "GetNodeStatus", shared.ErrInvalidInput, "node id is required")
	}
	return nil
}

// NodeStatusDTO is the read model for one node.
type NodeStatusDTO struct {
	UserID   string               `json:"user_id"`
	NodeID   string               `json:"node_id"`
	CourseID string               `json:"course_id"`
	Type     progression.NodeType `json:"type"`

	State     progression.State `json:"state"`
	Value     float64           `json:"progress_value"`
	Percent   float64           `json:"percent"`
	Version   int64             `json:"version"`
	UpdatedAt *time.Time        `json:"updated_at,omitempty"`

	// Unlocked is true once the node's prerequisites are met, whether or
	// not the learner has started it.
	Unlocked bool `json:"unlocked"`

	// BlockedBy lists unmet prerequisites. Empty when the answer came
	// from the cache.
	BlockedBy []string `json:"blocked_by,omitempty"`

	// Cached is set when the lock answer came from the unlock cache.
	Cached bool `json:"cached"`
}

// CacheObserver receives unlock cache lookup results.
type CacheObserver interface {
	CacheLookup(result string)
}

type nopCacheObserver struct{}

func (nopCacheObserver) CacheLookup(string) {}

// GetNodeStatusHandler handles GetNodeStatusQuery.
type GetNodeStatusHandler struct {
	graphs    progression.GraphStore
	progress  progression.ProgressReader
	evaluator *progression.Evaluator
	cache     progression.UnlockCache
	observer  CacheObserver
	log       *logger.Logger
}

// NewGetNodeStatusHandler creates a new GetNodeStatusHandler.
// cache, observer and log may be nil.
func NewGetNodeStatusHandler(
	graphs progression.GraphStore,
	progress progression.ProgressReader,
	cache progression.UnlockCache,
	observer CacheObserver,
	log *logger.Logger,
) *GetNodeStatusHandler {
	if cache == nil {
		cache = progression.NoopUnlockCache{}
	}
	if observer == nil {
		observer = nopCacheObserver{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &GetNodeStatusHandler{
		graphs:    graphs,
		progress:  progress,
		evaluator: progression.NewEvaluator(graphs, progress),
		cache:     cache,
		observer:  observer,
		log:       log.With(logger.Component("get_node_status")),
	}
}

// Handle executes the query.
func (h *GetNodeStatusHandler) Handle(ctx context.Context, q GetNodeStatusQuery) (*NodeStatusDTO, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	node, err := h.graphs.LoadNode(ctx, q.NodeID)
	if err != nil {
		return nil, err
	}
	if !node.Active {
		return nil, shared.Errorf("query", "GetNodeStatus", shared.ErrNotFound, "node %s is deactivated", node.ID)
	}

	rec, err := h.progress.Get(ctx, q.UserID, q.NodeID)
	if err != nil {
		return nil, err
	}

	dto := newNodeStatus(q.UserID, node, rec)
	if dto.State != progression.StateLocked {
		dto.Unlocked = true
		return dto, nil
	}

	switch h.cache.Get(ctx, q.UserID, q.NodeID) {
	case progression.CacheUnlocked:
		h.observer.CacheLookup("hit")
		dto.Unlocked, dto.Cached = true, true
		return dto, nil
	case progression.CacheLocked:
		h.observer.CacheLookup("hit")
		dto.Cached = true
		return dto, nil
	}
	h.observer.CacheLookup("miss")

	gen := h.cache.Generation(ctx, q.UserID)
	decision, err := h.evaluator.Evaluate(ctx, q.UserID, q.NodeID)
	if err != nil {
		if shared.IsCycleDetected(err) {
			h.log.Error("dependency cycle on read path", logger.UserID(q.UserID), logger.NodeID(q.NodeID), logger.Err(err))
		}
		return nil, err
	}
	h.cache.Put(ctx, q.UserID, q.NodeID, decision.Unlocked, gen)

	dto.Unlocked = decision.Unlocked
	dto.BlockedBy = decision.BlockedBy()
	return dto, nil
}

func newNodeStatus(userID string, node progression.LearningNode, rec *progression.NodeProgress) *NodeStatusDTO {
	dto := &NodeStatusDTO{
		UserID:   userID,
		NodeID:   node.ID,
		CourseID: node.CourseID,
		Type:     node.Type,
		State:    progression.StateOf(rec),
		Value:    progression.ValueOf(rec),
		Version:  progression.VersionOf(rec),
	}
	dto.Percent = percentOf(node, dto.Value)
	if rec != nil && !rec.UpdatedAt.IsZero() {
		t := rec.UpdatedAt
		dto.UpdatedAt = &t
	}
	return dto
}

// percentOf is watch percent for VIDEO nodes and the score for the rest.
func percentOf(node progression.LearningNode, value float64) float64 {
	if node.Type == progression.NodeTypeVideo {
		return node.WatchPercent(value)
	}
	return value
}
