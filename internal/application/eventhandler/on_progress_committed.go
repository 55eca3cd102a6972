package eventhandler

import (
	"context"
	"fmt"
	"time"

	"github.com/alem-hub/progression-engine/internal/domain/progression"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/pkg/logger"
)

// ═══════════════════════════════════════════════════════════════════════════
// ON PROGRESS COMMITTED HANDLER
// ═══════════════════════════════════════════════════════════════════════════

// OnProgressCommittedHandler keeps an in-process unlock cache coherent with
// commits made by other instances. It drops the committed node, the nodes it
// unlocked, and the direct dependents of both, the same set the committing
// instance invalidates in its own cache.
type OnProgressCommittedHandler struct {
	graphs  progression.GraphStore
	cache   progression.UnlockCache
	log     *logger.Logger
	timeout time.Duration
}

// NewOnProgressCommittedHandler creates the handler.
func NewOnProgressCommittedHandler(graphs progression.GraphStore, cache progression.UnlockCache, log *logger.Logger) *OnProgressCommittedHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &OnProgressCommittedHandler{
		graphs:  graphs,
		cache:   cache,
		log:     log.With(logger.Component("cache_coherence")),
		timeout: 2 * time.Second,
	}
}

// Register subscribes the handler to commit events.
func (h *OnProgressCommittedHandler) Register(bus shared.EventSubscriber) error {
	return bus.Subscribe(shared.EventProgressCommitted, h.Handle)
}

// Handle implements shared.EventHandler. Local commits already invalidated
// the cache, so only relayed events are processed.
func (h *OnProgressCommittedHandler) Handle(event shared.Event) error {
	if !shared.IsRemote(event) {
		return nil
	}

	payload := event.Payload()
	userID, _ := payload["user_id"].(string)
	nodeID, _ := payload["node_id"].(string)
	if userID == "" || nodeID == "" {
		return fmt.Errorf("commit event %s: missing user_id or node_id", event.AggregateID())
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	touched := append([]string{nodeID}, stringsOf(payload["newly_unlocked"])...)
	ids := make([]string, 0, len(touched)*2)
	seen := make(map[string]struct{}, len(touched)*2)
	add := func(id string) {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	for _, id := range touched {
		add(id)
		deps, err := h.graphs.LoadDependents(ctx, id)
		if err != nil {
			h.log.Warn("failed to load dependents", logger.NodeID(id), logger.Err(err))
			continue
		}
		for _, d := range deps {
			add(d.To)
		}
	}

	h.cache.Invalidate(ctx, userID, ids...)
	h.log.Debug("remote commit invalidated",
		logger.UserID(userID),
		logger.NodeID(nodeID),
		logger.Int("entries", len(ids)),
	)
	return nil
}

// stringsOf reads a string list from an event payload. Local events carry
// []string; events decoded from JSON carry []interface{}.
func stringsOf(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
