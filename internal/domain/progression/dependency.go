package progression

import (
	"strings"

	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

// ConditionKind is the closed set of edge conditions.
type ConditionKind string

const (
	// ConditionCompleted passes when the prerequisite is COMPLETED.
	ConditionCompleted ConditionKind = "COMPLETED"
	// ConditionScoreAtLeast passes when the prerequisite is COMPLETED with a score >= threshold.
	ConditionScoreAtLeast ConditionKind = "SCORE_AT_LEAST"
	// ConditionWatchPercentAtLeast passes when watched/duration*100 >= threshold.
	ConditionWatchPercentAtLeast ConditionKind = "WATCH_PERCENT_AT_LEAST"
)

// IsValid reports whether k is a known condition kind.
func (k ConditionKind) IsValid() bool {
	switch k {
	case ConditionCompleted, ConditionScoreAtLeast, ConditionWatchPercentAtLeast:
		return true
	}
	return false
}

// ParseConditionKind parses a condition kind, case-insensitively.
func ParseConditionKind(s string) (ConditionKind, error) {
	k := ConditionKind(strings.ToUpper(strings.TrimSpace(s)))
	if !k.IsValid() {
		return "", shared.Errorf("graph", "ParseConditionKind", shared.ErrInvalidInput, "unknown condition kind %q", s)
	}
	return k, nil
}

// Combinator groups the edges that terminate at the same node.
type Combinator string

const (
	CombinatorAll Combinator = "ALL"
	CombinatorAny Combinator = "ANY"
)

// IsValid reports whether c is ALL or ANY.
func (c Combinator) IsValid() bool {
	return c == CombinatorAll || c == CombinatorAny
}

// ParseCombinator parses a combinator. An empty string means ALL.
func ParseCombinator(s string) (Combinator, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return CombinatorAll, nil
	}
	c := Combinator(s)
	if !c.IsValid() {
		return "", shared.Errorf("graph", "ParseCombinator", shared.ErrInvalidInput, "unknown combinator %q", s)
	}
	return c, nil
}

// Condition is the satisfaction rule carried by an edge.
type Condition struct {
	Kind      ConditionKind `json:"kind"`
	Threshold float64       `json:"threshold,omitempty"`
}

// Satisfied tests the condition against the prerequisite node and the
// learner's progress on it. A nil progress means the learner never touched it.
func (c Condition) Satisfied(from LearningNode, p *NodeProgress) (bool, error) {
	state, value := StateOf(p), ValueOf(p)

	switch c.Kind {
	case ConditionCompleted:
		return state == StateCompleted, nil
	case ConditionScoreAtLeast:
		return state == StateCompleted && value >= c.Threshold, nil
	case ConditionWatchPercentAtLeast:
		if from.DurationSeconds <= 0 {
			return false, nil
		}
		return from.WatchPercent(value) >= c.Threshold, nil
	}
	return false, shared.Errorf("graph", "EvaluateCondition", shared.ErrInvalidInput, "unknown condition kind %q", c.Kind)
}

// NodeDependency is a directed prerequisite edge From -> To.
type NodeDependency struct {
	From       string     `json:"from"`
	To         string     `json:"to"`
	Condition  Condition  `json:"condition"`
	Combinator Combinator `json:"combinator"`
}

// Validate checks the edge definition.
func (d NodeDependency) Validate() error {
	const op = "ValidateDependency"
	if d.From == "" || d.To == "" {
		return shared.NewDomainError("graph", op, shared.ErrInvalidInput, "dependency endpoints are required")
	}
	if !d.Condition.Kind.IsValid() {
		return shared.Errorf("graph", op, shared.ErrInvalidInput, "%s -> %s: unknown condition kind %q", d.From, d.To, d.Condition.Kind)
	}
	if !d.Combinator.IsValid() {
		return shared.Errorf("graph", op, shared.ErrInvalidInput, "%s -> %s: unknown combinator %q", d.From, d.To, d.Combinator)
	}
	if d.Condition.Threshold < 0 || d.Condition.Threshold > MaxScore {
		return shared.Errorf("graph", op, shared.ErrInvalidInput, "%s -> %s: threshold %.2f out of range [0,100]", d.From, d.To, d.Condition.Threshold)
	}
	return nil
}
