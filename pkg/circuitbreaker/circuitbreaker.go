// Package circuitbreaker guards optional backends (the shared unlock cache,
// the audit stream) so that an unhealthy one fails fast instead of slowing
// down the write path.
//
// A breaker starts closed. FailureThreshold consecutive failures open it;
// after Timeout a limited number of probe calls run half-open, and
// SuccessThreshold consecutive successes close it again. Any failure while
// half-open reopens it.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/alem-hub/progression-engine/pkg/timeutil"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

var stateNames = [...]string{"closed", "open", "half-open"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

var (
	// ErrCircuitOpen is returned without calling the backend while open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrTooManyRequests is returned when every half-open probe slot is taken.
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config holds the thresholds. Zero values fall back to DefaultConfig.
type Config struct {
	Name string

	FailureThreshold    int
	SuccessThreshold    int
	Timeout             time.Duration
	MaxHalfOpenRequests int

	OnStateChange func(name string, from, to State)

	// IsFailure decides which errors count against the backend. By default
	// every non-nil error does.
	IsFailure func(error) bool

	Clock timeutil.Clock
}

// DefaultConfig opens after 5 failures, waits 30s, and closes after 2
// successful probes.
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		FailureThreshold:    5,
		SuccessThreshold:    2,
		Timeout:             30 * time.Second,
		MaxHalfOpenRequests: 1,
		Clock:               timeutil.SystemClock{},
	}
}

type Option func(*Config)

func WithFailureThreshold(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.FailureThreshold = n
		}
	}
}

func WithSuccessThreshold(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.SuccessThreshold = n
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.Timeout = d
		}
	}
}

func WithOnStateChange(fn func(name string, from, to State)) Option {
	return func(c *Config) { c.OnStateChange = fn }
}

func WithIsFailure(fn func(error) bool) Option {
	return func(c *Config) { c.IsFailure = fn }
}

func WithClock(clock timeutil.Clock) Option {
	return func(c *Config) {
		if clock != nil {
			c.Clock = clock
		}
	}
}

// Counts are totals since construction plus the current streak.
type Counts struct {
	Requests             int
	TotalSuccesses       int
	TotalFailures        int
	ConsecutiveSuccesses int
	ConsecutiveFailures  int
}

type CircuitBreaker struct {
	config Config

	mu       sync.Mutex
	state    State
	counts   Counts
	openedAt time.Time
	probes   int
}

func New(name string, opts ...Option) *CircuitBreaker {
	cfg := DefaultConfig(name)
	for _, opt := range opts {
		opt(&cfg)
	}
	return &CircuitBreaker{config: cfg}
}

// Execute calls fn unless the breaker refuses, and records the outcome.
// fn's error is returned unchanged.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.config.Clock.Now().Sub(cb.openedAt) < cb.config.Timeout {
			return ErrCircuitOpen
		}
		cb.transition(StateHalfOpen)
		cb.probes = 1
	case StateHalfOpen:
		if cb.probes >= cb.config.MaxHalfOpenRequests {
			return ErrTooManyRequests
		}
		cb.probes++
	}
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	failed := err != nil
	if failed && cb.config.IsFailure != nil {
		failed = cb.config.IsFailure(err)
	}

	if cb.state == StateHalfOpen && cb.probes > 0 {
		cb.probes--
	}

	c := &cb.counts
	c.Requests++
	if !failed {
		c.TotalSuccesses++
		c.ConsecutiveSuccesses++
		c.ConsecutiveFailures = 0
		if cb.state == StateHalfOpen && c.ConsecutiveSuccesses >= cb.config.SuccessThreshold {
			cb.transition(StateClosed)
		}
		return
	}

	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
	if cb.state == StateHalfOpen || c.ConsecutiveFailures >= cb.config.FailureThreshold {
		cb.openedAt = cb.config.Clock.Now()
		cb.transition(StateOpen)
	}
}

// transition must be called with mu held. Streaks restart in every state.
func (cb *CircuitBreaker) transition(to State) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	cb.counts.ConsecutiveSuccesses = 0
	cb.counts.ConsecutiveFailures = 0
	cb.probes = 0
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, from, to)
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

func (cb *CircuitBreaker) Name() string { return cb.config.Name }

// UnlockCacheBreaker guards the shared unlock cache. The cache is optional,
// so it opens fast and probes again soon.
func UnlockCacheBreaker(onStateChange func(name string, from, to State)) *CircuitBreaker {
	return New("unlock-cache",
		WithFailureThreshold(3),
		WithSuccessThreshold(1),
		WithTimeout(5*time.Second),
		WithOnStateChange(onStateChange),
	)
}

// AuditStreamBreaker guards the rejected-event audit stream.
func AuditStreamBreaker(onStateChange func(name string, from, to State)) *CircuitBreaker {
	return New("audit-stream",
		WithFailureThreshold(5),
		WithSuccessThreshold(2),
		WithTimeout(30*time.Second),
		WithOnStateChange(onStateChange),
	)
}
