// Package cache provides the in-process unlock cache.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/alem-hub/progression-engine/internal/domain/progression"
	"github.com/alem-hub/progression-engine/pkg/timeutil"
)

// DefaultTTL bounds how long an answer lives without invalidation.
const DefaultTTL = 30 * time.Second

// DefaultMaxEntries caps the map; past it, expired entries are purged and,
// if that is not enough, the cache is reset.
const DefaultMaxEntries = 100_000

type key struct {
	userID string
	nodeID string
}

type entry struct {
	unlocked  bool
	expiresAt time.Time
}

// UnlockCache is an in-process TTL map keyed by (user, node).
//
// Generations come from one counter shared by all users. When the
// generation map is reset, floor takes the counter's value so every token
// handed out before the reset stops matching.
type UnlockCache struct {
	mu         sync.RWMutex
	entries    map[key]entry
	byUser     map[string]map[string]struct{}
	gens       map[string]uint64
	seq        uint64
	floor      uint64
	ttl        time.Duration
	maxEntries int
	clock      timeutil.Clock
}

// Option configures an UnlockCache.
type Option func(*UnlockCache)

// WithTTL sets the entry lifetime.
func WithTTL(d time.Duration) Option {
	return func(c *UnlockCache) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithMaxEntries caps the number of entries.
func WithMaxEntries(n int) Option {
	return func(c *UnlockCache) {
		if n > 0 {
			c.maxEntries = n
		}
	}
}

// WithClock replaces the wall clock.
func WithClock(clock timeutil.Clock) Option {
	return func(c *UnlockCache) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// NewUnlockCache creates an empty cache.
func NewUnlockCache(opts ...Option) *UnlockCache {
	c := &UnlockCache{
		entries:    make(map[key]entry),
		byUser:     make(map[string]map[string]struct{}),
		gens:       make(map[string]uint64),
		ttl:        DefaultTTL,
		maxEntries: DefaultMaxEntries,
		clock:      timeutil.SystemClock{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get implements progression.UnlockCache.
func (c *UnlockCache) Get(_ context.Context, userID, nodeID string) progression.CacheStatus {
	c.mu.RLock()
	e, ok := c.entries[key{userID, nodeID}]
	c.mu.RUnlock()

	if !ok || !c.clock.Now().Before(e.expiresAt) {
		return progression.CacheMiss
	}
	return progression.StatusOf(e.unlocked)
}

// Generation implements progression.UnlockCache.
func (c *UnlockCache) Generation(_ context.Context, userID string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generationLocked(userID)
}

func (c *UnlockCache) generationLocked(userID string) uint64 {
	if g, ok := c.gens[userID]; ok {
		return g
	}
	return c.floor
}

// Put implements progression.UnlockCache. The answer is dropped when the
// user was invalidated after gen was read.
func (c *UnlockCache) Put(_ context.Context, userID, nodeID string, unlocked bool, gen uint64) {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.generationLocked(userID) != gen {
		return
	}

	k := key{userID, nodeID}
	if _, exists := c.entries[k]; !exists && len(c.entries) >= c.maxEntries {
		c.purgeLocked(now)
	}
	c.entries[k] = entry{unlocked: unlocked, expiresAt: now.Add(c.ttl)}

	nodes := c.byUser[userID]
	if nodes == nil {
		nodes = make(map[string]struct{})
		c.byUser[userID] = nodes
	}
	nodes[nodeID] = struct{}{}
}

// Invalidate implements progression.UnlockCache.
func (c *UnlockCache) Invalidate(_ context.Context, userID string, nodeIDs ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, tracked := c.gens[userID]; !tracked && len(c.gens) >= c.maxEntries {
		c.gens = make(map[string]uint64)
		c.floor = c.seq
	}
	c.seq++
	c.gens[userID] = c.seq

	nodes := c.byUser[userID]
	for _, id := range nodeIDs {
		delete(c.entries, key{userID, id})
		delete(nodes, id)
	}
	if len(nodes) == 0 {
		delete(c.byUser, userID)
	}
}

// Len returns the number of stored entries, expired ones included.
func (c *UnlockCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *UnlockCache) purgeLocked(now time.Time) {
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			if nodes := c.byUser[k.userID]; nodes != nil {
				delete(nodes, k.nodeID)
				if len(nodes) == 0 {
					delete(c.byUser, k.userID)
				}
			}
		}
	}
	if len(c.entries) >= c.maxEntries {
		c.entries = make(map[key]entry)
		c.byUser = make(map[string]map[string]struct{})
	}
}

var _ progression.UnlockCache = (*UnlockCache)(nil)
