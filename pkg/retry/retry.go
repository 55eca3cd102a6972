// Package retry runs operations under exponential backoff. It drives the
// optimistic-lock loop of the progression coordinator and the startup
// connection attempts against the datastore and Redis.
//
// Only errors marked with Retryable are retried unless a RetryIf predicate
// says otherwise; errors marked with Permanent always stop the loop.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryableError marks an error as worth another attempt.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable marks err for retry. A nil err stays nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err carries the Retryable mark.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// PermanentError stops the loop even when RetryIf would accept the error.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as final. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries the Permanent mark.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Config holds the loop settings.
type Config struct {
	// MaxAttempts counts the first call. Default 3.
	MaxAttempts int

	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// JitterFactor spreads each delay by up to ±factor.
	JitterFactor float64

	// RetryIf overrides the Retryable mark check.
	RetryIf func(error) bool

	// OnRetry runs before each wait; attempt is the call that just failed.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultConfig returns 3 attempts from 100ms, doubling up to 30s with 10% jitter.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

// Option adjusts a Config. Out-of-range values are ignored.
type Option func(*Config)

func WithMaxAttempts(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.MaxAttempts = n
		}
	}
}

func WithInitialDelay(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.InitialDelay = d
		}
	}
}

func WithMaxDelay(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.MaxDelay = d
		}
	}
}

func WithMultiplier(m float64) Option {
	return func(c *Config) {
		if m >= 1.0 {
			c.Multiplier = m
		}
	}
}

func WithJitter(j float64) Option {
	return func(c *Config) {
		if j >= 0 && j <= 1.0 {
			c.JitterFactor = j
		}
	}
}

func WithRetryIf(fn func(error) bool) Option {
	return func(c *Config) { c.RetryIf = fn }
}

func WithOnRetry(fn func(attempt int, err error, delay time.Duration)) Option {
	return func(c *Config) { c.OnRetry = fn }
}

// Retrier is an immutable retry policy; one value may serve many calls.
type Retrier struct {
	config Config
}

// New builds a Retrier from DefaultConfig and opts.
func New(opts ...Option) *Retrier {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Retrier{config: cfg}
}

func (r *Retrier) backOff() *backoff.ExponentialBackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     r.config.InitialDelay,
		RandomizationFactor: r.config.JitterFactor,
		Multiplier:          r.config.Multiplier,
		MaxInterval:         r.config.MaxDelay,
	}
}

func (r *Retrier) shouldRetry(err error) bool {
	if r.config.RetryIf != nil {
		return r.config.RetryIf(err)
	}
	return IsRetryable(err)
}

// Do calls operation until it succeeds, returns an error that should not be
// retried, runs out of attempts or ctx ends. Retry and permanent marks are
// stripped from the returned error.
func (r *Retrier) Do(ctx context.Context, operation func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	attempt := 0
	opts := []backoff.RetryOption{
		backoff.WithBackOff(r.backOff()),
		backoff.WithMaxTries(uint(r.config.MaxAttempts)),
	}
	if r.config.OnRetry != nil {
		opts = append(opts, backoff.WithNotify(func(err error, next time.Duration) {
			r.config.OnRetry(attempt, err, next)
		}))
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := operation(ctx)
		switch {
		case err == nil:
			return struct{}{}, nil
		case IsPermanent(err):
			return struct{}{}, backoff.Permanent(errors.Unwrap(err))
		case !r.shouldRetry(err):
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, opts...)

	return unmark(err)
}

func unmark(err error) error {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	if re, ok := err.(*RetryableError); ok {
		return re.Err
	}
	return err
}

// Do runs operation under a Retrier built from opts.
func Do(ctx context.Context, operation func(ctx context.Context) error, opts ...Option) error {
	return New(opts...).Do(ctx, operation)
}

// DoWithData is Do for operations that produce a value.
func DoWithData[T any](ctx context.Context, operation func(ctx context.Context) (T, error), opts ...Option) (T, error) {
	var result T
	err := New(opts...).Do(ctx, func(ctx context.Context) error {
		var opErr error
		result, opErr = operation(ctx)
		return opErr
	})
	return result, err
}

// CompareAndSwapRetrier is the policy for optimistic-lock loops. A losing
// writer retries almost at once since the winner has already committed.
func CompareAndSwapRetrier(maxAttempts int, retryIf func(error) bool) *Retrier {
	return New(
		WithMaxAttempts(maxAttempts),
		WithInitialDelay(2*time.Millisecond),
		WithMaxDelay(25*time.Millisecond),
		WithMultiplier(2.0),
		WithJitter(0.5),
		WithRetryIf(retryIf),
	)
}

// ConnectRetrier retries every error while dialing a backend at startup.
// onRetry may be nil.
func ConnectRetrier(maxAttempts int, onRetry func(attempt int, err error, delay time.Duration)) *Retrier {
	return New(
		WithMaxAttempts(maxAttempts),
		WithInitialDelay(500*time.Millisecond),
		WithMaxDelay(10*time.Second),
		WithMultiplier(2.0),
		WithJitter(0.2),
		WithRetryIf(func(error) bool { return true }),
		WithOnRetry(onRetry),
	)
}
