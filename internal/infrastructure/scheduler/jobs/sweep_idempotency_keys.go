// Package jobs contains the scheduled maintenance jobs.
package jobs

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/alem-hub/progression-engine/internal/domain/progression"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/pkg/logger"
	"github.com/alem-hub/progression-engine/pkg/retry"
	"github.com/alem-hub/progression-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// SWEEP IDEMPOTENCY KEYS JOB
// ══════════════════════════════════════════════════════════════════════════════

// SweepObserver receives the number of entries each sweep removed.
type SweepObserver interface {
	SweepTrimmed(n int)
}

// SweepIdempotencyKeysConfig contains configuration for the sweep.
type SweepIdempotencyKeysConfig struct {
	// Retention is how long a remembered key stays replayable.
	Retention time.Duration
}

// DefaultSweepIdempotencyKeysConfig returns the default retention of 72h.
func DefaultSweepIdempotencyKeysConfig() SweepIdempotencyKeysConfig {
	return SweepIdempotencyKeysConfig{Retention: 72 * time.Hour}
}

// SweepStats describes the last run.
type SweepStats struct {
	StartedAt time.Time
	Cutoff    time.Time
	Trimmed   int
	Duration  time.Duration
}

// SweepIdempotencyKeysJob drops idempotency entries older than the
// retention window. Records keep their most recent keys regardless of age
// until this job runs; progress values and versions are never touched.
type SweepIdempotencyKeysJob struct {
	store     progression.ProgressStore
	publisher shared.EventPublisher
	observer  SweepObserver
	clock     timeutil.Clock
	log       *logger.Logger
	config    SweepIdempotencyKeysConfig

	lastRunStats atomic.Pointer[SweepStats]
}

// NewSweepIdempotencyKeysJob creates the sweep. publisher and observer may be nil.
func NewSweepIdempotencyKeysJob(
	store progression.ProgressStore,
	publisher shared.EventPublisher,
	observer SweepObserver,
	clock timeutil.Clock,
	log *logger.Logger,
	config SweepIdempotencyKeysConfig,
) *SweepIdempotencyKeysJob {
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	if log == nil {
		log = logger.Nop()
	}
	if config.Retention <= 0 {
		config.Retention = DefaultSweepIdempotencyKeysConfig().Retention
	}
	return &SweepIdempotencyKeysJob{
		store:     store,
		publisher: publisher,
		observer:  observer,
		clock:     clock,
		log:       log.With(logger.Component("sweep")),
		config:    config,
	}
}

// Name implements scheduler.Job.
func (j *SweepIdempotencyKeysJob) Name() string { return "sweep_idempotency_keys" }

// Description implements scheduler.Job.
func (j *SweepIdempotencyKeysJob) Description() string {
	return fmt.Sprintf("drops idempotency keys older than %s", j.config.Retention)
}

// Run implements scheduler.Job.
func (j *SweepIdempotencyKeysJob) Run(ctx context.Context) error {
	started := j.clock.Now()
	cutoff := started.Add(-j.config.Retention)

	trimmed, err := retry.DoWithData(ctx, func(ctx context.Context) (int, error) {
		n, err := j.store.TrimIdempotencyKeys(ctx, cutoff)
		if err != nil && ctx.Err() == nil {
			return n, retry.Retryable(err)
		}
		return n, err
	}, retry.WithMaxAttempts(3), retry.WithInitialDelay(200*time.Millisecond))
	if err != nil {
		return fmt.Errorf("sweep idempotency keys: %w", err)
	}

	stats := &SweepStats{
		StartedAt: started,
		Cutoff:    cutoff,
		Trimmed:   trimmed,
		Duration:  j.clock.Now().Sub(started),
	}
	j.lastRunStats.Store(stats)

	if j.observer != nil {
		j.observer.SweepTrimmed(trimmed)
	}
	if j.publisher != nil {
		if err := j.publisher.Publish(shared.NewIdempotencySweptEvent(trimmed, cutoff)); err != nil {
			j.log.Warn("failed to publish sweep event", logger.Err(err))
		}
	}

	j.log.Info("idempotency keys swept",
		logger.Int("trimmed", trimmed),
		logger.Time("cutoff", cutoff),
	)
	return nil
}

// LastRunStats returns the stats of the last successful run, or nil.
func (j *SweepIdempotencyKeysJob) LastRunStats() *SweepStats {
	return j.lastRunStats.Load()
}
