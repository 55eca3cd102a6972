package progression

import (
	"strings"

	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// NODE TYPE
// ══════════════════════════════════════════════════════════════════════════════

// NodeType is the kind of content a learning node holds.
type NodeType string

const (
	NodeTypeVideo           NodeType = "VIDEO"
	NodeTypeQuiz            NodeType = "QUIZ"
	NodeTypeInteractive     NodeType = "INTERACTIVE"
	NodeTypeExternalPackage NodeType = "EXTERNAL_PACKAGE"
)

// IsValid reports whether t is one of the known node types.
func (t NodeType) IsValid() bool {
	switch t {
	case NodeTypeVideo, NodeTypeQuiz, NodeTypeInteractive, NodeTypeExternalPackage:
		return true
	}
	return false
}

// ParseNodeType parses a node type, case-insensitively.
func ParseNodeType(s string) (NodeType, error) {
	t := NodeType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.IsValid() {
		return "", shared.Errorf("graph", "ParseNodeType", shared.ErrInvalidInput, "unknown node type %q", s)
	}
	return t, nil
}

// MaxScore is the upper bound of every score-based node.
const MaxScore = 100.0

// ══════════════════════════════════════════════════════════════════════════════
// LEARNING NODE
// ══════════════════════════════════════════════════════════════════════════════

// LearningNode is one addressable unit of course content.
//
// CompletionThreshold is a watch percentage (0-100] of DurationSeconds for
// VIDEO nodes and a minimum score (0-100) for all other types. The progress
// value stored for a VIDEO node is watched seconds; for the rest it is a score.
type LearningNode struct {
	ID                  string   `json:"id"`
	CourseID            string   `json:"course_id"`
	Type                NodeType `json:"type"`
	CompletionThreshold float64  `json:"completion_threshold"`
	DurationSeconds     float64  `json:"duration_seconds,omitempty"`
	QuestionCount       int      `json:"question_count,omitempty"`
	Order               int      `json:"order"`
	// Active is false for soft-deactivated nodes: no new progress is
	// accepted, but existing progress still counts for dependents.
	Active bool `json:"active"`
}

// Validate checks the node definition.
func (n LearningNode) Validate() error {
	const op = "ValidateNode"
	if strings.TrimSpace(n.ID) == "" {
		return shared.NewDomainError("graph", op, shared.ErrInvalidInput, "node id is required")
	}
	if strings.TrimSpace(n.CourseID) == "" {
		return shared.Errorf("graph", op, shared.ErrInvalidInput, "node %s: course id is required", n.ID)
	}
	if !n.Type.IsValid() {
		return shared.Errorf("graph", op, shared.ErrInvalidInput, "node %s: unknown type %q", n.ID, n.Type)
	}
	if n.CompletionThreshold < 0 || n.CompletionThreshold > MaxScore {
		return shared.Errorf("graph", op, shared.ErrInvalidInput, "node %s: completion threshold %.2f out of range [0,100]", n.ID, n.CompletionThreshold)
	}

	switch n.Type {
	case NodeTypeVideo:
		if n.DurationSeconds <= 0 {
			return shared.Errorf("graph", op, shared.ErrInvalidInput, "video node %s: duration must be positive", n.ID)
		}
	case NodeTypeQuiz:
		if n.QuestionCount <= 0 {
			return shared.Errorf("graph", op, shared.ErrInvalidInput, "quiz node %s: question count must be positive", n.ID)
		}
	case NodeTypeInteractive, NodeTypeExternalPackage:
	}
	return nil
}

// WatchPercent converts watched seconds into a percentage of the node's duration.
// A node without a positive duration always yields 0.
func (n LearningNode) WatchPercent(value float64) float64 {
	if n.DurationSeconds <= 0 {
		return 0
	}
	return value / n.DurationSeconds * 100
}

// MaxValue is the largest progress value the node can hold.
func (n LearningNode) MaxValue() float64 {
	if n.Type == NodeTypeVideo {
		return n.DurationSeconds
	}
	return MaxScore
}

// CompletionReached reports whether value meets the node's own completion bar.
func (n LearningNode) CompletionReached(value float64) bool {
	switch n.Type {
	case NodeTypeVideo:
		if n.DurationSeconds <= 0 {
			return false
		}
		return n.WatchPercent(value) >= n.CompletionThreshold
	case NodeTypeQuiz, NodeTypeInteractive, NodeTypeExternalPackage:
		return value >= n.CompletionThreshold
	}
	return false
}
