package progression

import "context"

// CacheStatus is what the unlock cache knows about a (user, node) pair.
type CacheStatus int

const (
	CacheMiss CacheStatus = iota
	CacheLocked
	CacheUnlocked
)

// String returns the status name.
func (s CacheStatus) String() string {
	switch s {
	case CacheLocked:
		return "locked"
	case CacheUnlocked:
		return "unlocked"
	default:
		return "miss"
	}
}

// StatusOf maps an evaluation result to a cache status.
func StatusOf(unlocked bool) CacheStatus {
	if unlocked {
		return CacheUnlocked
	}
	return CacheLocked
}

// UnlockCache memoizes "is node N unlocked for user U". It holds derived
// data only: a lost entry costs a re-evaluation, so implementations report
// problems as misses instead of errors.
//
// Every Invalidate moves the user's generation. Readers take Generation
// before evaluating and hand it to Put, which drops the answer if the user
// was invalidated in between.
type UnlockCache interface {
	Get(ctx context.Context, userID, nodeID string) CacheStatus
	Generation(ctx context.Context, userID string) uint64
	Put(ctx context.Context, userID, nodeID string, unlocked bool, gen uint64)
	Invalidate(ctx context.Context, userID string, nodeIDs ...string)
}

// NoopUnlockCache never remembers anything.
type NoopUnlockCache struct{}

func (NoopUnlockCache) Get(context.Context, string, string) CacheStatus   { return CacheMiss }
func (NoopUnlockCache) Generation(context.Context, string) uint64         { return 0 }
func (NoopUnlockCache) Put(context.Context, string, string, bool, uint64) {}
func (NoopUnlockCache) Invalidate(context.Context, string, ...string)     {}
