package progression

import (
	"math"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// STATE
// ══════════════════════════════════════════════════════════════════════════════

// State is a learner's state on one node. States only move forward.
type State string

const (
	StateLocked     State = "LOCKED"
	StateUnlocked   State = "UNLOCKED"
	StateInProgress State = "IN_PROGRESS"
	StateCompleted  State = "COMPLETED"
)

func (s State) rank() int {
	switch s {
	case StateUnlocked:
		return 1
	case StateInProgress:
		return 2
	case StateCompleted:
		return 3
	default:
		return 0
	}
}

// IsValid reports whether s is a known state.
func (s State) IsValid() bool {
	switch s {
	case StateLocked, StateUnlocked, StateInProgress, StateCompleted:
		return true
	}
	return false
}

// MaxState returns the later of two states.
func MaxState(a, b State) State {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// ══════════════════════════════════════════════════════════════════════════════
// NODE PROGRESS
// ══════════════════════════════════════════════════════════════════════════════

// DefaultIdempotencyKeyBound is how many recent keys a record remembers.
const DefaultIdempotencyKeyBound = 32

// Outcome is the result a submission produced, replayed verbatim when the
// same idempotency key comes back.
type Outcome struct {
	Value         float64   `json:"value"`
	State         State     `json:"state"`
	Version       int64     `json:"version"`
	UpdatedAt     time.Time `json:"updated_at"`
	NewlyUnlocked []string  `json:"newly_unlocked,omitempty"`
	Clamped       bool      `json:"clamped,omitempty"`
}

// IdempotencyEntry remembers one applied idempotency key.
type IdempotencyEntry struct {
	Key         string    `json:"key"`
	Fingerprint string    `json:"fingerprint"`
	RecordedAt  time.Time `json:"recorded_at"`
	Outcome     Outcome   `json:"outcome"`
}

// NodeProgress is a learner's record for one node. Version 0 means "not
// stored yet"; each successful compare-and-swap bumps it by one.
type NodeProgress struct {
	UserID          string             `json:"user_id"`
	NodeID          string             `json:"node_id"`
	State           State              `json:"state"`
	Value           float64            `json:"value"`
	Version         int64              `json:"version"`
	UpdatedAt       time.Time          `json:"updated_at"`
	LastEventAt     time.Time          `json:"last_event_at"`
	IdempotencyKeys []IdempotencyEntry `json:"-"`
}

// NewNodeProgress returns the zero record: LOCKED, no progress, version 0.
func NewNodeProgress(userID, nodeID string) *NodeProgress {
	return &NodeProgress{
		UserID: userID,
		NodeID: nodeID,
		State:  StateLocked,
	}
}

// Clone returns a deep copy. Cloning nil yields nil.
func (p *NodeProgress) Clone() *NodeProgress {
	if p == nil {
		return nil
	}
	c := *p
	if p.IdempotencyKeys != nil {
		c.IdempotencyKeys = make([]IdempotencyEntry, len(p.IdempotencyKeys))
		for i, e := range p.IdempotencyKeys {
			c.IdempotencyKeys[i] = e
			if e.Outcome.NewlyUnlocked != nil {
				c.IdempotencyKeys[i].Outcome.NewlyUnlocked = append([]string(nil), e.Outcome.NewlyUnlocked...)
			}
		}
	}
	return &c
}

// FindKey looks up a remembered idempotency key.
func (p *NodeProgress) FindKey(key string) (IdempotencyEntry, bool) {
	if p == nil {
		return IdempotencyEntry{}, false
	}
	for _, e := range p.IdempotencyKeys {
		if e.Key == key {
			return e, true
		}
	}
	return IdempotencyEntry{}, false
}

// RecordKey appends entry and drops the oldest entries beyond bound.
func (p *NodeProgress) RecordKey(entry IdempotencyEntry, bound int) {
	if bound <= 0 {
		bound = DefaultIdempotencyKeyBound
	}
	p.IdempotencyKeys = append(p.IdempotencyKeys, entry)
	if over := len(p.IdempotencyKeys) - bound; over > 0 {
		p.IdempotencyKeys = append([]IdempotencyEntry(nil), p.IdempotencyKeys[over:]...)
	}
}

// TrimKeysOlderThan drops entries recorded before cutoff and returns how many went.
func (p *NodeProgress) TrimKeysOlderThan(cutoff time.Time) int {
	kept := p.IdempotencyKeys[:0]
	for _, e := range p.IdempotencyKeys {
		if !e.RecordedAt.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	removed := len(p.IdempotencyKeys) - len(kept)
	p.IdempotencyKeys = kept
	return removed
}

// StateOf returns the state of p, LOCKED for nil.
func StateOf(p *NodeProgress) State {
	if p == nil || p.State == "" {
		return StateLocked
	}
	return p.State
}

// ValueOf returns the progress value of p, 0 for nil.
func ValueOf(p *NodeProgress) float64 {
	if p == nil {
		return 0
	}
	return p.Value
}

// VersionOf returns the version of p, 0 for nil.
func VersionOf(p *NodeProgress) int64 {
	if p == nil {
		return 0
	}
	return p.Version
}

// ══════════════════════════════════════════════════════════════════════════════
// MERGE
// ══════════════════════════════════════════════════════════════════════════════

// Merge folds a sanitized event into current and returns the candidate record
// for compare-and-swap. current is not modified and may be nil.
//
// The value never decreases and the state never moves backwards. Reporting
// progress moves LOCKED/UNLOCKED to IN_PROGRESS, and crossing the node's
// completion bar moves it to COMPLETED. Version is left as read; the store
// assigns the next one.
func Merge(node LearningNode, current *NodeProgress, s Sanitized) *NodeProgress {
	next := current.Clone()
	if next == nil {
		next = NewNodeProgress(s.Event.UserID, s.Event.NodeID)
	}

	next.Value = math.Max(next.Value, math.Min(s.Value, node.MaxValue()))

	state := MaxState(StateOf(next), StateInProgress)
	if node.CompletionReached(next.Value) {
		state = StateCompleted
	}
	next.State = state

	if s.Timestamp.After(next.UpdatedAt) {
		next.UpdatedAt = s.Timestamp
	}
	if s.ReceivedAt.After(next.LastEventAt) {
		next.LastEventAt = s.ReceivedAt
	}
	return next
}
