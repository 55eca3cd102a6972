// Package messaging implements the event bus the progression engine publishes
// its domain events on. The in-memory bus serves a single process; the Redis
// bus fans events out to every instance over Pub/Sub.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	// ErrEventBusClosed is returned when operations are attempted on a closed bus.
	ErrEventBusClosed = errors.New("event bus is closed")

	// ErrHandlerPanic is returned when a handler panics.
	ErrHandlerPanic = errors.New("handler panicked")
)

// ══════════════════════════════════════════════════════════════════════════════
// IN-MEMORY EVENT BUS
// ══════════════════════════════════════════════════════════════════════════════

// InMemoryEventBus delivers events to handlers in this process. In async
// mode handlers run on at most WorkerPoolSize goroutines and Publish blocks
// while all of them are busy. Close drains whatever was already published.
type InMemoryEventBus struct {
	mu       sync.RWMutex
	byType   map[shared.EventType][]shared.EventHandler
	wildcard []shared.EventHandler
	closed   bool

	// publishing counts Publish calls past the closed check. Close waits on
	// it before waiting on workers so no Go call races the final Wait.
	publishing sync.WaitGroup

	async   bool
	workers errgroup.Group

	log   *logger.Logger
	stats EventBusStats
}

type InMemoryEventBusConfig struct {
	AsyncMode      bool
	WorkerPoolSize int
	Logger         *logger.Logger
}

func NewInMemoryEventBus(config InMemoryEventBusConfig) *InMemoryEventBus {
	if config.Logger == nil {
		config.Logger = logger.Nop()
	}
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 10
	}

	b := &InMemoryEventBus{
		byType: make(map[shared.EventType][]shared.EventHandler),
		async:  config.AsyncMode,
		log:    config.Logger.With(logger.Component("eventbus")),
	}
	b.workers.SetLimit(config.WorkerPoolSize)
	return b
}

func (b *InMemoryEventBus) Subscribe(eventType shared.EventType, handler shared.EventHandler) error {
	return b.subscribe(handler, func() {
		b.byType[eventType] = append(b.byType[eventType], handler)
	})
}

func (b *InMemoryEventBus) SubscribeAll(handler shared.EventHandler) error {
	return b.subscribe(handler, func() {
		b.wildcard = append(b.wildcard, handler)
	})
}

func (b *InMemoryEventBus) subscribe(handler shared.EventHandler, add func()) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrEventBusClosed
	}
	add()
	return nil
}

// Publish hands event to every matching handler. Handler errors and panics
// are logged and counted, never returned.
func (b *InMemoryEventBus) Publish(event shared.Event) error {
	if event == nil {
		return errors.New("event cannot be nil")
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrEventBusClosed
	}
	b.publishing.Add(1)
	typed, all := b.byType[event.EventType()], b.wildcard
	b.mu.RUnlock()
	defer b.publishing.Done()

	b.stats.published.Add(1)
	for _, handlers := range [][]shared.EventHandler{typed, all} {
		for _, h := range handlers {
			if !b.async {
				b.deliver(event, h)
				continue
			}
			b.workers.Go(func() error {
				b.deliver(event, h)
				return nil
			})
		}
	}
	return nil
}

func (b *InMemoryEventBus) deliver(event shared.Event, handler shared.EventHandler) {
	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
			}
		}()
		return handler(event)
	}()

	if err == nil {
		b.stats.handled.Add(1)
		return
	}
	b.stats.failed.Add(1)
	b.log.Error("event handler failed",
		logger.String("event_type", string(event.EventType())),
		logger.String("aggregate_id", event.AggregateID()),
		logger.Latency(time.Since(start)),
		logger.Err(err),
	)
}

// Close rejects further publishes and waits for queued handlers.
func (b *InMemoryEventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.publishing.Wait()
	_ = b.workers.Wait()

	st := b.Stats()
	b.log.Info("event bus closed",
		logger.Int64("published", st.Published),
		logger.Int64("handled", st.Handled),
		logger.Int64("failed", st.Failed),
	)
	return nil
}

func (b *InMemoryEventBus) Stats() EventBusSnapshot {
	return b.stats.Snapshot()
}

// ══════════════════════════════════════════════════════════════════════════════
// REDIS EVENT BUS
// ══════════════════════════════════════════════════════════════════════════════

// DefaultChannel is the Pub/Sub channel events are fanned out on.
const DefaultChannel = "progression:events"

// RedisEventBus publishes every event to Redis Pub/Sub and delivers events
// from other instances to local handlers. Local handlers always see local
// events, even when Redis is down.
type RedisEventBus struct {
	client     redis.UniversalClient
	pubsub     *redis.PubSub
	localBus   *InMemoryEventBus
	channel    string
	instanceID string
	log        *logger.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.RWMutex
	closed     bool
}

// RedisEventBusConfig contains configuration for RedisEventBus.
type RedisEventBusConfig struct {
	Client redis.UniversalClient

	// Channel defaults to DefaultChannel.
	Channel string

	// InstanceID filters out this instance's own events on the way back in.
	InstanceID string

	LocalBusConfig InMemoryEventBusConfig

	Logger *logger.Logger
}

// NewRedisEventBus subscribes to the channel and starts the receive loop.
func NewRedisEventBus(ctx context.Context, config RedisEventBusConfig) (*RedisEventBus, error) {
	if config.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if config.Channel == "" {
		config.Channel = DefaultChannel
	}
	if config.InstanceID == "" {
		config.InstanceID = uuid.NewString()
	}
	if config.Logger == nil {
		config.Logger = logger.Nop()
	}
	if config.LocalBusConfig.Logger == nil {
		config.LocalBusConfig.Logger = config.Logger
	}

	pubsub := config.Client.Subscribe(ctx, config.Channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", config.Channel, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	bus := &RedisEventBus{
		client:     config.Client,
		pubsub:     pubsub,
		localBus:   NewInMemoryEventBus(config.LocalBusConfig),
		channel:    config.Channel,
		instanceID: config.InstanceID,
		log:        config.Logger.With(logger.Component("redis_eventbus")),
		ctx:        loopCtx,
		cancel:     cancel,
	}

	bus.wg.Add(1)
	go func() {
		defer bus.wg.Done()
		bus.subscriptionLoop(pubsub.Channel())
	}()

	return bus, nil
}

// Subscribe registers a handler for a specific event type.
func (b *RedisEventBus) Subscribe(eventType shared.EventType, handler shared.EventHandler) error {
	return b.localBus.Subscribe(eventType, handler)
}

// SubscribeAll registers a handler for all events.
func (b *RedisEventBus) SubscribeAll(handler shared.EventHandler) error {
	return b.localBus.SubscribeAll(handler)
}

// Publish sends an event to Redis and to local handlers.
func (b *RedisEventBus) Publish(event shared.Event) error {
	if event == nil {
		return errors.New("event cannot be nil")
	}

	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrEventBusClosed
	}

	data, err := encodeEnvelope(b.instanceID, event)
	if err != nil {
		return err
	}
	if err := b.client.Publish(b.ctx, b.channel, data).Err(); err != nil {
		b.log.Error("failed to publish to redis", logger.Err(err))
	}

	return b.localBus.Publish(event)
}

func (b *RedisEventBus) subscriptionLoop(messages <-chan *redis.Message) {
	for {
		select {
		case <-b.ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			b.handleMessage(msg.Payload)
		}
	}
}

func (b *RedisEventBus) handleMessage(payload string) {
	instanceID, event, err := decodeEnvelope(payload)
	if err != nil {
		b.log.Error("failed to decode event", logger.Err(err))
		return
	}
	if instanceID == b.instanceID {
		return
	}
	if err := b.localBus.Publish(event); err != nil {
		b.log.Error("failed to process remote event", logger.Err(err))
	}
}

// Close unsubscribes and shuts down the local bus.
func (b *RedisEventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	if err := b.pubsub.Close(); err != nil {
		b.log.Warn("failed to close pubsub", logger.Err(err))
	}
	b.wg.Wait()

	return b.localBus.Close()
}

// Stats returns the local bus counters.
func (b *RedisEventBus) Stats() EventBusSnapshot {
	return b.localBus.Stats()
}

// ══════════════════════════════════════════════════════════════════════════════
// EVENT ENVELOPE (for serialization)
// ══════════════════════════════════════════════════════════════════════════════

type eventEnvelope struct {
	InstanceID  string                 `json:"instance_id"`
	EventType   shared.EventType       `json:"event_type"`
	AggregateID string                 `json:"aggregate_id"`
	OccurredAt  time.Time              `json:"occurred_at"`
	Payload     map[string]interface{} `json:"payload"`
}

// reconstructedEvent is an event received from another instance.
type reconstructedEvent struct {
	eventType   shared.EventType
	aggregateID string
	occurredAt  time.Time
	payload     map[string]interface{}
}

func (e *reconstructedEvent) EventType() shared.EventType     { return e.eventType }
func (e *reconstructedEvent) AggregateID() string             { return e.aggregateID }
func (e *reconstructedEvent) OccurredAt() time.Time           { return e.occurredAt }
func (e *reconstructedEvent) Payload() map[string]interface{} { return e.payload }
func (e *reconstructedEvent) Remote() bool                    { return true }

func encodeEnvelope(instanceID string, event shared.Event) (string, error) {
	data, err := json.Marshal(eventEnvelope{
		InstanceID:  instanceID,
		EventType:   event.EventType(),
		AggregateID: event.AggregateID(),
		OccurredAt:  event.OccurredAt(),
		Payload:     event.Payload(),
	})
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}
	return string(data), nil
}

func decodeEnvelope(payload string) (string, shared.Event, error) {
	var env eventEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return "", nil, fmt.Errorf("unmarshal event: %w", err)
	}
	return env.InstanceID, &reconstructedEvent{
		eventType:   env.EventType,
		aggregateID: env.AggregateID,
		occurredAt:  env.OccurredAt,
		payload:     env.Payload,
	}, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// STATS
// ══════════════════════════════════════════════════════════════════════════════

// EventBusStats counts bus traffic.
type EventBusStats struct {
	published atomic.Int64
	handled   atomic.Int64
	failed    atomic.Int64
}

// EventBusSnapshot is a point-in-time copy of EventBusStats.
type EventBusSnapshot struct {
	Published int64
	Handled   int64
	Failed    int64
}

// Snapshot returns the current counters.
func (s *EventBusStats) Snapshot() EventBusSnapshot {
	return EventBusSnapshot{
		Published: s.published.Load(),
		Handled:   s.handled.Load(),
		Failed:    s.failed.Load(),
	}
}
