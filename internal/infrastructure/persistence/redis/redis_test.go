package redis

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progression-engine/internal/domain/progression"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/pkg/circuitbreaker"
)

// unreachable returns a client pointed at a port nothing listens on.
func unreachable(t *testing.T) *Cache {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })
	return NewCacheFromClient(client)
}

// live connects to PROGRESSION_TEST_REDIS_ADDR or skips the test.
func live(t *testing.T) *Cache {
	t.Helper()
	addr := os.Getenv("PROGRESSION_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("PROGRESSION_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	require.NoError(t, client.Ping(context.Background()).Err())
	t.Cleanup(func() {
		client.FlushDB(context.Background())
		_ = client.Close()
	})
	return NewCacheFromClient(client)
}

func TestUnlockKey(t *testing.T) {
	assert.Equal(t, "progression:unlock:u1:n1", UnlockKey("u1", "n1"))
	assert.Equal(t, "progression:unlockgen:u1", UnlockGenerationKey("u1"))
}

func TestUnlockCache_DegradesToMissAndOpensBreaker(t *testing.T) {
	c := NewUnlockCache(unreachable(t), 0, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.Equal(t, progression.CacheMiss, c.Get(ctx, "u1", "n1"))
	}
	assert.Equal(t, circuitbreaker.StateOpen, c.Breaker().State())

	// open breaker short-circuits without touching the network
	gen := c.Generation(ctx, "u1")
	assert.Equal(t, unknownGeneration, gen)
	c.Put(ctx, "u1", "n1", true, gen)
	c.Invalidate(ctx, "u1", "n1", "n2")
	assert.Equal(t, progression.CacheMiss, c.Get(ctx, "u1", "n1"))
}

func TestUnlockCache_Live(t *testing.T) {
	c := NewUnlockCache(live(t), time.Minute, nil)
	ctx := context.Background()

	assert.Equal(t, progression.CacheMiss, c.Get(ctx, "u1", "a"))

	gen := c.Generation(ctx, "u1")
	assert.Zero(t, gen)
	c.Put(ctx, "u1", "a", true, gen)
	c.Put(ctx, "u1", "b", false, gen)
	assert.Equal(t, progression.CacheUnlocked, c.Get(ctx, "u1", "a"))
	assert.Equal(t, progression.CacheLocked, c.Get(ctx, "u1", "b"))
	assert.Equal(t, progression.CacheMiss, c.Get(ctx, "u2", "a"))

	c.Invalidate(ctx, "u1", "a", "b", "a")
	assert.Equal(t, progression.CacheMiss, c.Get(ctx, "u1", "a"))
	assert.Equal(t, progression.CacheMiss, c.Get(ctx, "u1", "b"))

	// answer computed before the invalidation is dropped
	c.Put(ctx, "u1", "a", false, gen)
	assert.Equal(t, progression.CacheMiss, c.Get(ctx, "u1", "a"))

	next := c.Generation(ctx, "u1")
	assert.Equal(t, uint64(1), next)
	c.Put(ctx, "u1", "a", true, next)
	assert.Equal(t, progression.CacheUnlocked, c.Get(ctx, "u1", "a"))
}

func TestStreamValues(t *testing.T) {
	ev := shared.NewProgressRejectedEvent("u1", "v", "dev-1", "k9", 4000, "invalid_progress", "delta too large")

	values, err := streamValues(ev)
	require.NoError(t, err)
	assert.Equal(t, "progress.rejected", values["event_type"])
	assert.Equal(t, "u1/v", values["aggregate_id"])

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(values["payload"].(string)), &payload))
	assert.Equal(t, "k9", payload["idempotency_key"])
	assert.Equal(t, 4000.0, payload["delta"])
}

func TestAuditStream_Live(t *testing.T) {
	cache := live(t)
	a := NewAuditStream(cache, "test:audit", 10, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, a.Record(ctx, shared.NewProgressRejectedEvent("u1", "q", "d", "k", 1, "node_locked", "locked")))
	}
	n, err := cache.Client().XLen(ctx, "test:audit").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}
