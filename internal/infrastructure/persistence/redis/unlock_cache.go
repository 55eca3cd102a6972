package redis

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alem-hub/progression-engine/internal/domain/progression"
	"github.com/alem-hub/progression-engine/pkg/circuitbreaker"
	"github.com/alem-hub/progression-engine/pkg/logger"
)

const (
	unlockedValue = "1"
	lockedValue   = "0"
)

// putIfGeneration sets KEYS[1] only while the counter at KEYS[2] still
// reads ARGV[3]. A missing counter reads as 0.
var putIfGeneration = redis.NewScript(`
local gen = redis.call('GET', KEYS[2]) or '0'
if gen ~= ARGV[3] then
	return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`)

// UnlockCache is the shared unlock cache tier. Every Redis failure, and every
// call made while the breaker is open, reads as a miss or a no-op.
type UnlockCache struct {
	cache   *Cache
	ttl     time.Duration
	breaker *circuitbreaker.CircuitBreaker
	log     *logger.Logger
}

// NewUnlockCache creates the Redis unlock cache. ttl <= 0 means TTLUnlock.
func NewUnlockCache(cache *Cache, ttl time.Duration, log *logger.Logger) *UnlockCache {
	if ttl <= 0 {
		ttl = TTLUnlock
	}
	if log == nil {
		log = logger.Nop()
	}
	log = log.With(logger.Component("redis_unlock_cache"))

	return &UnlockCache{
		cache: cache,
		ttl:   ttl,
		breaker: circuitbreaker.UnlockCacheBreaker(func(name string, from, to circuitbreaker.State) {
			log.Warn("circuit breaker state changed",
				logger.String("breaker", name),
				logger.String("from", from.String()),
				logger.String("to", to.String()))
		}),
		log: log,
	}
}

// Breaker exposes the circuit breaker for health reporting.
func (c *UnlockCache) Breaker() *circuitbreaker.CircuitBreaker { return c.breaker }

// Get implements progression.UnlockCache.
func (c *UnlockCache) Get(ctx context.Context, userID, nodeID string) progression.CacheStatus {
	var val string
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		v, err := c.cache.GetString(ctx, UnlockKey(userID, nodeID))
		if errors.Is(err, ErrCacheMiss) {
			return nil
		}
		val = v
		return err
	})
	if err != nil {
		c.degraded("get", err)
		return progression.CacheMiss
	}

	switch val {
	case unlockedValue:
		return progression.CacheUnlocked
	case lockedValue:
		return progression.CacheLocked
	default:
		return progression.CacheMiss
	}
}

// Generation implements progression.UnlockCache. On failure it returns a
// value no counter holds, so the following Put is dropped.
func (c *UnlockCache) Generation(ctx context.Context, userID string) uint64 {
	var gen uint64
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		v, err := c.cache.GetString(ctx, UnlockGenerationKey(userID))
		if errors.Is(err, ErrCacheMiss) {
			return nil
		}
		if err != nil {
			return err
		}
		gen, err = strconv.ParseUint(v, 10, 64)
		return err
	})
	if err != nil {
		c.degraded("generation", err)
		return unknownGeneration
	}
	return gen
}

// unknownGeneration is never produced by INCR.
const unknownGeneration = ^uint64(0)

// Put implements progression.UnlockCache.
func (c *UnlockCache) Put(ctx context.Context, userID, nodeID string, unlocked bool, gen uint64) {
	if gen == unknownGeneration {
		return
	}
	val := lockedValue
	if unlocked {
		val = unlockedValue
	}
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		keys := []string{UnlockKey(userID, nodeID), UnlockGenerationKey(userID)}
		return putIfGeneration.Run(ctx, c.cache.Client(), keys, val, c.ttl.Milliseconds(), strconv.FormatUint(gen, 10)).Err()
	})
	if err != nil {
		c.degraded("put", err)
	}
}

// Invalidate implements progression.UnlockCache.
func (c *UnlockCache) Invalidate(ctx context.Context, userID string, nodeIDs ...string) {
	if len(nodeIDs) == 0 {
		return
	}
	keys := make([]string, 0, len(nodeIDs))
	seen := make(map[string]bool, len(nodeIDs))
	for _, id := range nodeIDs {
		if !seen[id] {
			seen[id] = true
			keys = append(keys, UnlockKey(userID, id))
		}
	}
	genKey := UnlockGenerationKey(userID)
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		_, err := c.cache.Client().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, keys...)
			pipe.Incr(ctx, genKey)
			pipe.Expire(ctx, genKey, TTLUnlockGeneration)
			return nil
		})
		return err
	})
	if err != nil {
		// entries left behind expire with the TTL
		c.degraded("invalidate", err)
	}
}

func (c *UnlockCache) degraded(op string, err error) {
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return
	}
	c.log.Warn("unlock cache degraded to miss", logger.Operation(op), logger.Err(err))
}

var _ progression.UnlockCache = (*UnlockCache)(nil)
