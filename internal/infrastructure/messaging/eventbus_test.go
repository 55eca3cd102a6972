package messaging

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

func TestInMemoryEventBus_SyncDelivery(t *testing.T) {
	bus := NewInMemoryEventBus(InMemoryEventBusConfig{AsyncMode: false})
	defer bus.Close()

	var typed, all []shared.EventType
	require.NoError(t, bus.Subscribe(shared.EventNodeUnlocked, func(e shared.Event) error {
		typed = append(typed, e.EventType())
		return nil
	}))
	require.NoError(t, bus.SubscribeAll(func(e shared.Event) error {
		all = append(all, e.EventType())
		return nil
	}))

	require.NoError(t, bus.Publish(shared.NewNodeUnlockedEvent("u1", "b", "a")))
	require.NoError(t, bus.Publish(shared.NewNodeCompletedEvent("u1", "a", 100)))

	assert.Equal(t, []shared.EventType{shared.EventNodeUnlocked}, typed)
	assert.Equal(t, []shared.EventType{shared.EventNodeUnlocked, shared.EventNodeCompleted}, all)
	assert.Equal(t, EventBusSnapshot{Published: 2, Handled: 3}, bus.Stats())
}

func TestInMemoryEventBus_HandlerFailuresDoNotReachPublisher(t *testing.T) {
	bus := NewInMemoryEventBus(InMemoryEventBusConfig{AsyncMode: false})
	defer bus.Close()

	require.NoError(t, bus.SubscribeAll(func(shared.Event) error { return errors.New("boom") }))
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error { panic("bad handler") }))

	assert.NoError(t, bus.Publish(shared.NewNodeCompletedEvent("u1", "a", 100)))
	assert.Equal(t, int64(2), bus.Stats().Failed)
}

func TestInMemoryEventBus_AsyncDrainsOnClose(t *testing.T) {
	bus := NewInMemoryEventBus(InMemoryEventBusConfig{AsyncMode: true, WorkerPoolSize: 2})

	var n atomic.Int64
	var mu sync.Mutex
	seen := map[string]bool{}
	require.NoError(t, bus.Subscribe(shared.EventNodeUnlocked, func(e shared.Event) error {
		time.Sleep(time.Millisecond)
		n.Add(1)
		mu.Lock()
		seen[e.AggregateID()] = true
		mu.Unlock()
		return nil
	}))

	for i := 0; i < 20; i++ {
		require.NoError(t, bus.Publish(shared.NewNodeUnlockedEvent("u1", string(rune('a'+i)), "root")))
	}
	require.NoError(t, bus.Close())

	assert.Equal(t, int64(20), n.Load())
	assert.Len(t, seen, 20)
	assert.ErrorIs(t, bus.Publish(shared.NewNodeCompletedEvent("u1", "a", 1)), ErrEventBusClosed)
	assert.ErrorIs(t, bus.SubscribeAll(func(shared.Event) error { return nil }), ErrEventBusClosed)
}

func TestInMemoryEventBus_BlockedPublishDoesNotHoldSubscribers(t *testing.T) {
	bus := NewInMemoryEventBus(InMemoryEventBusConfig{AsyncMode: true, WorkerPoolSize: 1})

	release := make(chan struct{})
	var n atomic.Int64
	require.NoError(t, bus.Subscribe(shared.EventNodeUnlocked, func(shared.Event) error {
		<-release
		n.Add(1)
		return nil
	}))

	// the first event takes the only worker, the second waits for it
	require.NoError(t, bus.Publish(shared.NewNodeUnlockedEvent("u1", "a", "root")))
	published := make(chan error, 1)
	go func() { published <- bus.Publish(shared.NewNodeUnlockedEvent("u1", "b", "root")) }()
	require.Eventually(t, func() bool { return bus.Stats().Published == 2 }, time.Second, time.Millisecond)

	subscribed := make(chan error, 1)
	go func() { subscribed <- bus.SubscribeAll(func(shared.Event) error { return nil }) }()
	select {
	case err := <-subscribed:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("subscribe waited on a publish blocked by a full worker pool")
	}

	closed := make(chan error, 1)
	go func() { closed <- bus.Close() }()

	close(release)
	require.NoError(t, <-published)
	require.NoError(t, <-closed)
	assert.Equal(t, int64(2), n.Load(), "close drained the publish that was waiting for a worker")
}

func TestEnvelopeRoundTrip(t *testing.T) {
	ev := shared.NewProgressRejectedEvent("u1", "q", "dev", "k1", 3, "invalid_submission", "answers missing")

	data, err := encodeEnvelope("inst-1", ev)
	require.NoError(t, err)

	instance, got, err := decodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, "inst-1", instance)
	assert.Equal(t, shared.EventProgressRejected, got.EventType())
	assert.Equal(t, ev.AggregateID(), got.AggregateID())
	assert.True(t, ev.OccurredAt().Equal(got.OccurredAt()))
	assert.Equal(t, "invalid_submission", got.Payload()["kind"])
	assert.True(t, shared.IsRemote(got))
	assert.False(t, shared.IsRemote(ev))

	_, _, err = decodeEnvelope("{not json")
	assert.Error(t, err)
}
