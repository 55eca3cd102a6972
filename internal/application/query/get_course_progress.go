package query

import (
	"context"
	"strings"

	"github.com/alem-hub/progression-engine/internal/domain/progression"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET COURSE PROGRESS QUERY
// One learner's state across every active node of a course, in course order.
// ══════════════════════════════════════════════════════════════════════════════

// GetCourseProgressQuery identifies a learner and a course.
type GetCourseProgressQuery struct {
	UserID   string
	CourseID string
}

// Validate checks the query parameters.
func (q GetCourseProgressQuery) Validate() error {
	if strings.TrimSpace(q.UserID) == "" {
		return shared.NewDomainError("query", "GetCourseProgress", shared.ErrInvalidInput, "user id is required")
	}
	if strings.TrimSpace(q.CourseID) == "" {
		return shared.NewDomainError("query", "GetCourseProgress", shared.ErrInvalidInput, "course id is required")
	}
	return nil
}

// CourseProgressDTO summarizes a course for one learner.
type CourseProgressDTO struct {
	UserID   string `json:"user_id"`
	CourseID string `json:"course_id"`

	Nodes []NodeStatusDTO `json:"nodes"`

	Total      int     `json:"total"`
	Completed  int     `json:"completed"`
	Unlocked   int     `json:"unlocked"`
	Percentage float64 `json:"percentage"`
}

// GetCourseProgressHandler handles GetCourseProgressQuery.
//
// It reads every record of the course in one batch and evaluates locked
// nodes against that snapshot, bypassing the per-node cache.
type GetCourseProgressHandler struct {
	graphs    progression.GraphStore
	progress  progression.ProgressReader
	evaluator *progression.Evaluator
}

// NewGetCourseProgressHandler creates a new GetCourseProgressHandler.
func NewGetCourseProgressHandler(graphs progression.GraphStore, progress progression.ProgressReader) *GetCourseProgressHandler {
	return &GetCourseProgressHandler{
		graphs:    graphs,
		progress:  progress,
		evaluator: progression.NewEvaluator(graphs, progress),
	}
}

// Handle executes the query.
func (h *GetCourseProgressHandler) Handle(ctx context.Context, q GetCourseProgressQuery) (*CourseProgressDTO, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	g, err := h.graphs.LoadGraph(ctx, q.CourseID)
	if err != nil {
		return nil, err
	}

	records, err := h.progress.ListByUser(ctx, q.UserID, g.NodeIDs())
	if err != nil {
		return nil, err
	}
	snapshot := progression.Overlay(records)

	dto := &CourseProgressDTO{
		UserID:   q.UserID,
		CourseID: q.CourseID,
		Nodes:    make([]NodeStatusDTO, 0, g.Len()),
	}
	for _, node := range g.Nodes() {
		if !node.Active {
			continue
		}
		status := newNodeStatus(q.UserID, node, records[node.ID])
		if status.State == progression.StateLocked {
			decision, err := h.evaluator.EvaluateWith(ctx, q.UserID, node.ID, snapshot)
			if err != nil {
				return nil, err
			}
			status.Unlocked = decision.Unlocked
			status.BlockedBy = decision.BlockedBy()
		} else {
			status.Unlocked = true
		}

		dto.Total++
		if status.Unlocked {
			dto.Unlocked++
		}
		if status.State == progression.StateCompleted {
			dto.Completed++
		}
		dto.Nodes = append(dto.Nodes, *status)
	}

	if dto.Total > 0 {
		dto.Percentage = float64(dto.Completed) / float64(dto.Total) * 100
	}
	return dto, nil
}
