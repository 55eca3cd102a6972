// Package eventhandler contains the reactions to domain events: the audit
// trail of refused submissions and cross-instance cache coherence.
package eventhandler

import (
	"context"
	"time"

	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/pkg/logger"
)

// ═══════════════════════════════════════════════════════════════════════════
// AUDIT SINK
// ═══════════════════════════════════════════════════════════════════════════

// AuditSink stores audit records. The Redis stream sink implements it.
type AuditSink interface {
	Record(ctx context.Context, event shared.Event) error
}

// LogAuditSink writes audit records to the log. It is the sink used when no
// Redis is configured.
type LogAuditSink struct {
	log *logger.Logger
}

// NewLogAuditSink creates a LogAuditSink.
func NewLogAuditSink(log *logger.Logger) *LogAuditSink {
	if log == nil {
		log = logger.Nop()
	}
	return &LogAuditSink{log: log.With(logger.Component("audit"))}
}

// Record implements AuditSink.
func (s *LogAuditSink) Record(_ context.Context, event shared.Event) error {
	s.log.Warn("audit",
		logger.String("event_type", string(event.EventType())),
		logger.String("aggregate_id", event.AggregateID()),
		logger.Time("occurred_at", event.OccurredAt()),
		logger.Any("payload", event.Payload()),
	)
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════
// ON PROGRESS REJECTED HANDLER
// ═══════════════════════════════════════════════════════════════════════════

// OnProgressRejectedHandler forwards refused submissions and detected
// cycles to the audit sink. Events relayed from other instances are skipped:
// the instance that refused the event records it.
type OnProgressRejectedHandler struct {
	sink    AuditSink
	log     *logger.Logger
	timeout time.Duration
}

// NewOnProgressRejectedHandler creates the handler.
func NewOnProgressRejectedHandler(sink AuditSink, log *logger.Logger) *OnProgressRejectedHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &OnProgressRejectedHandler{
		sink:    sink,
		log:     log.With(logger.Component("audit")),
		timeout: 2 * time.Second,
	}
}

// Register subscribes the handler to the events it audits.
func (h *OnProgressRejectedHandler) Register(bus shared.EventSubscriber) error {
	for _, t := range []shared.EventType{shared.EventProgressRejected, shared.EventCycleDetected} {
		if err := bus.Subscribe(t, h.Handle); err != nil {
			return err
		}
	}
	return nil
}

// Handle implements shared.EventHandler.
func (h *OnProgressRejectedHandler) Handle(event shared.Event) error {
	if shared.IsRemote(event) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	if err := h.sink.Record(ctx, event); err != nil {
		h.log.Warn("failed to record audit event",
			logger.String("event_type", string(event.EventType())),
			logger.String("aggregate_id", event.AggregateID()),
			logger.Err(err),
		)
		return err
	}
	return nil
}
