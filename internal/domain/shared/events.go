package shared

import "time"

// EventType represents the type of domain event.
type EventType string

// Domain event types emitted by the progression engine.
const (
	// Progress events
	EventProgressCommitted EventType = "progress.committed"
	EventProgressRejected  EventType = "progress.rejected"
	EventNodeCompleted     EventType = "progress.node_completed"
	EventNodeUnlocked      EventType = "progress.node_unlocked"

	// Graph events
	EventCycleDetected EventType = "graph.cycle_detected"

	// System events
	EventIdempotencySwept EventType = "system.idempotency_swept"
)

// Event is the base interface for all domain events.
type Event interface {
	// EventType returns the type of the event.
	EventType() EventType

	// OccurredAt returns when the event occurred.
	OccurredAt() time.Time

	// AggregateID returns the ID of the aggregate that produced this event.
	AggregateID() string

	// Payload returns the event data as a map for serialization.
	Payload() map[string]interface{}
}

// BaseEvent provides common event functionality.
type BaseEvent struct {
	Type          EventType `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	AggregateId   string    `json:"aggregate_id"`
	Version       int       `json:"version"`
}

// EventType implements Event interface.
func (e BaseEvent) EventType() EventType {
	return e.Type
}

// OccurredAt implements Event interface.
func (e BaseEvent) OccurredAt() time.Time {
	return e.Timestamp
}

// AggregateID implements Event interface.
func (e BaseEvent) AggregateID() string {
	return e.AggregateId
}

// NewBaseEvent creates a new base event.
func NewBaseEvent(eventType EventType, aggregateID string) BaseEvent {
	return BaseEvent{
		Type:        eventType,
		Timestamp:   time.Now(),
		AggregateId: aggregateID,
		Version:     1,
	}
}

// ProgressAggregateID is the aggregate id of a (user, node) progress record.
func ProgressAggregateID(userID, nodeID string) string {
	return userID + "/" + nodeID
}

// ═══════════════════════════════════════════════════════════════════════════
// Progress Events
// ═══════════════════════════════════════════════════════════════════════════

// ProgressCommittedEvent is emitted after a progress record was written.
type ProgressCommittedEvent struct {
	BaseEvent
	UserID        string   `json:"user_id"`
	NodeID        string   `json:"node_id"`
	DeviceID      string   `json:"device_id"`
	State         string   `json:"state"`
	Value         float64  `json:"value"`
	RecordVersion int64    `json:"record_version"`
	Clamped       bool     `json:"clamped"`
	NewlyUnlocked []string `json:"newly_unlocked"`
}

// Payload implements Event interface.
func (e ProgressCommittedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"user_id":        e.UserID,
		"node_id":        e.NodeID,
		"device_id":      e.DeviceID,
		"state":          e.State,
		"value":          e.Value,
		"record_version": e.RecordVersion,
		"clamped":        e.Clamped,
		"newly_unlocked": e.NewlyUnlocked,
	}
}

// NewProgressCommittedEvent creates a new ProgressCommittedEvent.
func NewProgressCommittedEvent(userID, nodeID, deviceID, state string, value float64, version int64, clamped bool, newlyUnlocked []string) ProgressCommittedEvent {
	return ProgressCommittedEvent{
		BaseEvent:     NewBaseEvent(EventProgressCommitted, ProgressAggregateID(userID, nodeID)),
		UserID:        userID,
		NodeID:        nodeID,
		DeviceID:      deviceID,
		State:         state,
		Value:         value,
		RecordVersion: version,
		Clamped:       clamped,
		NewlyUnlocked: newlyUnlocked,
	}
}

// ProgressRejectedEvent is emitted when a progress event is refused.
// It is the feed of the anti-cheat audit sink.
type ProgressRejectedEvent struct {
	BaseEvent
	UserID         string  `json:"user_id"`
	NodeID         string  `json:"node_id"`
	DeviceID       string  `json:"device_id"`
	IdempotencyKey string  `json:"idempotency_key"`
	Delta          float64 `json:"delta"`
	Reason         string  `json:"reason"`
	Kind           string  `json:"kind"` // invalid_progress, invalid_submission, node_locked
}

// Payload implements Event interface.
func (e ProgressRejectedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"user_id":         e.UserID,
		"node_id":         e.NodeID,
		"device_id":       e.DeviceID,
		"idempotency_key": e.IdempotencyKey,
		"delta":           e.Delta,
		"reason":          e.Reason,
		"kind":            e.Kind,
	}
}

// NewProgressRejectedEvent creates a new ProgressRejectedEvent.
func NewProgressRejectedEvent(userID, nodeID, deviceID, key string, delta float64, kind, reason string) ProgressRejectedEvent {
	return ProgressRejectedEvent{
		BaseEvent:      NewBaseEvent(EventProgressRejected, ProgressAggregateID(userID, nodeID)),
		UserID:         userID,
		NodeID:         nodeID,
		DeviceID:       deviceID,
		IdempotencyKey: key,
		Delta:          delta,
		Reason:         reason,
		Kind:           kind,
	}
}

// NodeCompletedEvent is emitted when a node reaches COMPLETED for a user.
type NodeCompletedEvent struct {
	BaseEvent
	UserID string  `json:"user_id"`
	NodeID string  `json:"node_id"`
	Value  float64 `json:"value"`
}

// Payload implements Event interface.
func (e NodeCompletedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"user_id": e.UserID,
		"node_id": e.NodeID,
		"value":   e.Value,
	}
}

// NewNodeCompletedEvent creates a new NodeCompletedEvent.
func NewNodeCompletedEvent(userID, nodeID string, value float64) NodeCompletedEvent {
	return NodeCompletedEvent{
		BaseEvent: NewBaseEvent(EventNodeCompleted, ProgressAggregateID(userID, nodeID)),
		UserID:    userID,
		NodeID:    nodeID,
		Value:     value,
	}
}

// NodeUnlockedEvent is emitted for every dependent unlocked by a commit.
type NodeUnlockedEvent struct {
	BaseEvent
	UserID    string `json:"user_id"`
	NodeID    string `json:"node_id"`
	TriggerID string `json:"trigger_id"` // node whose progress caused the unlock
}

// Payload implements Event interface.
func (e NodeUnlockedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"user_id":    e.UserID,
		"node_id":    e.NodeID,
		"trigger_id": e.TriggerID,
	}
}

// NewNodeUnlockedEvent creates a new NodeUnlockedEvent.
func NewNodeUnlockedEvent(userID, nodeID, triggerID string) NodeUnlockedEvent {
	return NodeUnlockedEvent{
		BaseEvent: NewBaseEvent(EventNodeUnlocked, ProgressAggregateID(userID, nodeID)),
		UserID:    userID,
		NodeID:    nodeID,
		TriggerID: triggerID,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Graph & System Events
// ═══════════════════════════════════════════════════════════════════════════

// CycleDetectedEvent is emitted when evaluation runs into a dependency cycle.
type CycleDetectedEvent struct {
	BaseEvent
	UserID string   `json:"user_id,omitempty"`
	NodeID string   `json:"node_id"`
	Path   []string `json:"path"`
}

// Payload implements Event interface.
func (e CycleDetectedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"user_id": e.UserID,
		"node_id": e.NodeID,
		"path":    e.Path,
	}
}

// NewCycleDetectedEvent creates a new CycleDetectedEvent.
func NewCycleDetectedEvent(userID, nodeID string, path []string) CycleDetectedEvent {
	return CycleDetectedEvent{
		BaseEvent: NewBaseEvent(EventCycleDetected, nodeID),
		UserID:    userID,
		NodeID:    nodeID,
		Path:      path,
	}
}

// IdempotencySweptEvent is emitted after the idempotency-key trim sweep.
type IdempotencySweptEvent struct {
	BaseEvent
	Trimmed   int       `json:"trimmed"`
	OlderThan time.Time `json:"older_than"`
}

// Payload implements Event interface.
func (e IdempotencySweptEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"trimmed":    e.Trimmed,
		"older_than": e.OlderThan.Format(time.RFC3339),
	}
}

// NewIdempotencySweptEvent creates a new IdempotencySweptEvent.
func NewIdempotencySweptEvent(trimmed int, olderThan time.Time) IdempotencySweptEvent {
	return IdempotencySweptEvent{
		BaseEvent: NewBaseEvent(EventIdempotencySwept, "sweep"),
		Trimmed:   trimmed,
		OlderThan: olderThan,
	}
}

// EventHandler is a function that handles an event.
type EventHandler func(event Event) error

// RemoteEvent is implemented by events that were published by another
// engine instance and relayed to this one.
type RemoteEvent interface {
	Remote() bool
}

// IsRemote reports whether e came from another instance.
func IsRemote(e Event) bool {
	r, ok := e.(RemoteEvent)
	return ok && r.Remote()
}

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	// Publish sends an event to subscribers.
	Publish(event Event) error
}

// EventSubscriber defines the interface for subscribing to events.
type EventSubscriber interface {
	// Subscribe registers a handler for an event type.
	Subscribe(eventType EventType, handler EventHandler) error

	// SubscribeAll registers a handler for all events.
	SubscribeAll(handler EventHandler) error
}

// EventBus combines publishing and subscribing.
type EventBus interface {
	EventPublisher
	EventSubscriber
}
