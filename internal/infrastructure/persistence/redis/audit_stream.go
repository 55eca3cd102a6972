package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/pkg/circuitbreaker"
	"github.com/alem-hub/progression-engine/pkg/logger"
)

// AuditStream appends events to a capped Redis stream with XADD.
type AuditStream struct {
	cache   *Cache
	stream  string
	maxLen  int64
	breaker *circuitbreaker.CircuitBreaker
}

// NewAuditStream creates an audit stream writer. Empty stream and
// non-positive maxLen fall back to the defaults.
func NewAuditStream(cache *Cache, stream string, maxLen int64, log *logger.Logger) *AuditStream {
	if stream == "" {
		stream = DefaultAuditStream
	}
	if maxLen <= 0 {
		maxLen = DefaultAuditMaxLen
	}
	if log == nil {
		log = logger.Nop()
	}
	return &AuditStream{
		cache:  cache,
		stream: stream,
		maxLen: maxLen,
		breaker: circuitbreaker.AuditStreamBreaker(func(name string, from, to circuitbreaker.State) {
			log.Warn("circuit breaker state changed",
				logger.String("breaker", name),
				logger.String("from", from.String()),
				logger.String("to", to.String()))
		}),
	}
}

// Record appends one event to the stream.
func (a *AuditStream) Record(ctx context.Context, event shared.Event) error {
	values, err := streamValues(event)
	if err != nil {
		return err
	}
	return a.breaker.Execute(ctx, func(ctx context.Context) error {
		return a.cache.client.XAdd(ctx, &redis.XAddArgs{
			Stream: a.stream,
			MaxLen: a.maxLen,
			Approx: true,
			Values: values,
		}).Err()
	})
}

func streamValues(event shared.Event) (map[string]interface{}, error) {
	payload, err := json.Marshal(event.Payload())
	if err != nil {
		return nil, fmt.Errorf("marshal audit payload: %w", err)
	}
	return map[string]interface{}{
		"event_type":   string(event.EventType()),
		"aggregate_id": event.AggregateID(),
		"occurred_at":  event.OccurredAt().UTC().Format(time.RFC3339Nano),
		"payload":      string(payload),
	}, nil
}
