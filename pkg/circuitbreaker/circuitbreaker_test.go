package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progression-engine/pkg/timeutil"
)

var errBackend = errors.New("backend down")

func fail(context.Context) error { return errBackend }
func ok(context.Context) error   { return nil }

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	clock := timeutil.NewManualClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	var transitions []string
	cb := New("test",
		WithFailureThreshold(3),
		WithTimeout(5*time.Second),
		WithClock(clock),
		WithOnStateChange(func(_ string, from, to State) {
			transitions = append(transitions, from.String()+">"+to.String())
		}),
	)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, fail), errBackend)
	}
	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Execute(ctx, ok), ErrCircuitOpen)

	clock.Advance(5 * time.Second)
	require.NoError(t, cb.Execute(ctx, ok))
	assert.Equal(t, StateHalfOpen, cb.State(), "needs SuccessThreshold successes")

	require.NoError(t, cb.Execute(ctx, ok))
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, []string{"closed>open", "open>half-open", "half-open>closed"}, transitions)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := timeutil.NewManualClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cb := UnlockCacheBreaker(nil)
	cb.config.Clock = clock
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, fail)
	}
	require.Equal(t, StateOpen, cb.State())

	clock.Advance(5 * time.Second)
	assert.ErrorIs(t, cb.Execute(ctx, fail), errBackend)
	assert.Equal(t, StateOpen, cb.State())
}

func TestBreaker_IsFailureFilter(t *testing.T) {
	cb := New("test", WithFailureThreshold(1), WithIsFailure(func(err error) bool {
		return !errors.Is(err, context.Canceled)
	}))

	_ = cb.Execute(context.Background(), func(context.Context) error { return context.Canceled })
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 1, cb.Counts().TotalSuccesses)
}
