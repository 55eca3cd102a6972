// Package command contains write operations (CQRS - Commands).
package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/alem-hub/progression-engine/internal/domain/progression"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/pkg/logger"
	"github.com/alem-hub/progression-engine/pkg/retry"
	"github.com/alem-hub/progression-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// SUBMIT PROGRESS COMMAND
// The single write path for learner progress: idempotency, anti-cheat,
// optimistic merge, dependent re-evaluation and cache invalidation.
// ══════════════════════════════════════════════════════════════════════════════

// SubmitProgressCommand carries one client progress report.
type SubmitProgressCommand struct {
	Event progression.ProgressEvent

	// CorrelationID for tracing.
	CorrelationID string
}

// SubmitProgressResult is what the caller gets back.
type SubmitProgressResult struct {
	// Committed is the authoritative record after the submission.
	Committed *progression.NodeProgress

	// NewlyUnlocked lists dependents this submission unlocked.
	NewlyUnlocked []string

	// Replayed is set when the idempotency key was already applied and the
	// stored result was returned without writing anything.
	Replayed bool

	// Clamped is set when the anti-cheat validator cut the reported delta.
	Clamped bool

	// Attempts is how many compare-and-swap rounds were needed.
	Attempts int

	completed bool
}

// SubmitObserver receives submission metrics.
type SubmitObserver interface {
	SubmitFinished(outcome string, d time.Duration)
	VersionConflict()
	Clamped()
	Unlocked(n int)
	Rejected(kind string)
}

type nopObserver struct{}

func (nopObserver) SubmitFinished(string, time.Duration) {}
func (nopObserver) VersionConflict()                     {}
func (nopObserver) Clamped()                             {}
func (nopObserver) Unlocked(int)                         {}
func (nopObserver) Rejected(string)                      {}

// Outcome labels used for metrics and logs.
const (
	OutcomeCommitted         = "committed"
	OutcomeReplayed          = "replayed"
	OutcomeInvalidProgress   = "invalid_progress"
	OutcomeInvalidSubmission = "invalid_submission"
	OutcomeNodeLocked        = "node_locked"
	OutcomeNotFound          = "not_found"
	OutcomeExhausted         = "exhausted"
	OutcomeCycle             = "cycle_detected"
	OutcomeInvalidInput      = "invalid_input"
	OutcomeError             = "error"
)

// OutcomeOf classifies an error returned by Handle.
func OutcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeCommitted
	case shared.IsInvalidSubmission(err):
		return OutcomeInvalidSubmission
	case shared.IsInvalidProgress(err):
		return OutcomeInvalidProgress
	case shared.IsNodeLocked(err):
		return OutcomeNodeLocked
	case shared.IsNotFound(err):
		return OutcomeNotFound
	case shared.IsConcurrentUpdateExhausted(err):
		return OutcomeExhausted
	case shared.IsCycleDetected(err):
		return OutcomeCycle
	case errors.Is(err, shared.ErrInvalidInput):
		return OutcomeInvalidInput
	default:
		return OutcomeError
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// HANDLER
// ══════════════════════════════════════════════════════════════════════════════

// SubmitProgressHandlerConfig contains configuration for the handler.
type SubmitProgressHandlerConfig struct {
	// MaxCASAttempts bounds the optimistic-lock retry loop.
	MaxCASAttempts int

	// IdempotencyKeyBound is how many recent keys each record remembers.
	IdempotencyKeyBound int

	// Policy tunes the anti-cheat validator.
	Policy progression.Policy
}

// DefaultSubmitProgressHandlerConfig returns default configuration.
func DefaultSubmitProgressHandlerConfig() SubmitProgressHandlerConfig {
	return SubmitProgressHandlerConfig{
		MaxCASAttempts:      5,
		IdempotencyKeyBound: progression.DefaultIdempotencyKeyBound,
		Policy:              progression.DefaultPolicy(),
	}
}

// SubmitProgressOption customizes the handler.
type SubmitProgressOption func(*SubmitProgressHandler)

// WithClock replaces the system clock.
func WithClock(c timeutil.Clock) SubmitProgressOption {
	return func(h *SubmitProgressHandler) { h.clock = c }
}

// WithObserver installs a metrics observer.
func WithObserver(o SubmitObserver) SubmitProgressOption {
	return func(h *SubmitProgressHandler) {
		if o != nil {
			h.observer = o
		}
	}
}

// SubmitProgressHandler handles SubmitProgressCommand. It is the only
// component that mutates NodeProgress records.
type SubmitProgressHandler struct {
	graphs    progression.GraphStore
	progress  progression.ProgressStore
	evaluator *progression.Evaluator
	validator *progression.Validator
	cache     progression.UnlockCache
	publisher shared.EventPublisher

	clock    timeutil.Clock
	observer SubmitObserver
	log      *logger.Logger
	tracer   trace.Tracer

	config SubmitProgressHandlerConfig
}

// NewSubmitProgressHandler creates a new SubmitProgressHandler.
// cache and publisher may be nil.
func NewSubmitProgressHandler(
	graphs progression.GraphStore,
	progress progression.ProgressStore,
	cache progression.UnlockCache,
	publisher shared.EventPublisher,
	log *logger.Logger,
	config SubmitProgressHandlerConfig,
	opts ...SubmitProgressOption,
) *SubmitProgressHandler {
	def := DefaultSubmitProgressHandlerConfig()
	if config.MaxCASAttempts <= 0 {
		config.MaxCASAttempts = def.MaxCASAttempts
	}
	if config.IdempotencyKeyBound <= 0 {
		config.IdempotencyKeyBound = def.IdempotencyKeyBound
	}
	if cache == nil {
		cache = progression.NoopUnlockCache{}
	}
	if log == nil {
		log = logger.Nop()
	}

	h := &SubmitProgressHandler{
		graphs:    graphs,
		progress:  progress,
		evaluator: progression.NewEvaluator(graphs, progress),
		validator: progression.NewValidator(config.Policy),
		cache:     cache,
		publisher: publisher,
		clock:     timeutil.SystemClock{},
		observer:  nopObserver{},
		log:       log.With(logger.Component("submit_progress")),
		tracer:    otel.Tracer("github.com/alem-hub/progression-engine/internal/application/command"),
		config:    config,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle executes the submit progress command.
//
// Every error except input-shape errors carries the current authoritative
// record; use shared.CurrentOf to get it.
func (h *SubmitProgressHandler) Handle(ctx context.Context, cmd SubmitProgressCommand) (*SubmitProgressResult, error) {
	ev := cmd.Event
	start := time.Now()

	ctx, span := h.tracer.Start(ctx, "progression.Submit", trace.WithAttributes(
		attribute.String("user.id", ev.UserID),
		attribute.String("node.id", ev.NodeID),
		attribute.String("device.id", ev.DeviceID),
	))
	defer span.End()

	log := h.log.With(
		logger.UserID(ev.UserID),
		logger.NodeID(ev.NodeID),
		logger.DeviceID(ev.DeviceID),
		logger.IdempotencyKey(ev.IdempotencyKey),
	)
	if cmd.CorrelationID != "" {
		log = log.WithRequestID(cmd.CorrelationID)
	}

	result, err := h.submit(ctx, ev, log)
	outcome := OutcomeOf(err)
	if err == nil && result.Replayed {
		outcome = OutcomeReplayed
	}
	h.observer.SubmitFinished(outcome, time.Since(start))
	span.SetAttributes(attribute.String("progression.outcome", outcome))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		h.report(cmd, outcome, err, log)
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("progression.attempts", result.Attempts),
		attribute.Int("progression.newly_unlocked", len(result.NewlyUnlocked)),
	)
	return result, nil
}

func (h *SubmitProgressHandler) submit(ctx context.Context, ev progression.ProgressEvent, log *logger.Logger) (*SubmitProgressResult, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}

	node, err := h.graphs.LoadNode(ctx, ev.NodeID)
	if err != nil {
		if shared.IsNotFound(err) {
			return nil, shared.WithCurrent(err, h.current(ctx, ev))
		}
		return nil, fmt.Errorf("submit_progress: load node: %w", err)
	}
	if !node.Active {
		return nil, shared.WithCurrent(
			shared.Errorf("progression", "Submit", shared.ErrNotFound, "node %s is deactivated", node.ID),
			h.current(ctx, ev))
	}

	fingerprint := ev.Fingerprint()
	var result *SubmitProgressResult
	attempts := 0

	retrier := retry.CompareAndSwapRetrier(h.config.MaxCASAttempts, shared.IsVersionConflict)
	err = retrier.Do(ctx, func(ctx context.Context) error {
		attempts++
		r, err := h.attempt(ctx, node, ev, fingerprint)
		if err != nil {
			if shared.IsVersionConflict(err) {
				h.observer.VersionConflict()
				log.Debug("version conflict, re-reading", logger.Attempt(attempts))
			}
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		if shared.IsVersionConflict(err) {
			err = shared.WithCurrent(
				shared.WrapError("progression", "Submit", shared.ErrConcurrentUpdateExhausted,
					fmt.Sprintf("gave up after %d attempts", attempts), err),
				h.current(ctx, ev))
		}
		return nil, err
	}
	result.Attempts = attempts

	if result.Replayed {
		log.Debug("idempotency key replayed", logger.Version(result.Committed.Version))
		return result, nil
	}

	if result.Clamped {
		h.observer.Clamped()
	}
	h.afterCommit(ctx, node, ev, result, log)
	return result, nil
}

// attempt is one read-validate-merge-swap round. A VersionConflict from it
// means another writer got in first and the round must be redone.
func (h *SubmitProgressHandler) attempt(ctx context.Context, node progression.LearningNode, ev progression.ProgressEvent, fingerprint string) (*SubmitProgressResult, error) {
	current, err := h.progress.Get(ctx, ev.UserID, ev.NodeID)
	if err != nil {
		return nil, fmt.Errorf("submit_progress: read progress: %w", err)
	}

	// 1. Idempotency
	if entry, ok := current.FindKey(ev.IdempotencyKey); ok {
		if entry.Fingerprint != fingerprint {
			return nil, shared.WithCurrent(shared.NewDomainError("progression", "Submit", shared.ErrInvalidProgress,
				"idempotency key was already used for a different event"), current)
		}
		return replay(ev, entry), nil
	}

	// 2. Anti-cheat
	now := h.clock.Now()
	sanitized, err := h.validator.Validate(node, current, ev, now)
	if err != nil {
		return nil, shared.WithCurrent(err, current)
	}

	// 3. Locked nodes only accept progress once their prerequisites are met
	if progression.StateOf(current) == progression.StateLocked {
		gen := h.cache.Generation(ctx, ev.UserID)
		decision, err := h.evaluator.Evaluate(ctx, ev.UserID, ev.NodeID)
		if err != nil {
			return nil, shared.WithCurrent(err, current)
		}
		h.cache.Put(ctx, ev.UserID, ev.NodeID, decision.Unlocked, gen)
		if !decision.Unlocked {
			return nil, shared.WithCurrent(shared.Errorf("progression", "Submit", shared.ErrNodeLocked,
				"node %s is locked, waiting on %v", ev.NodeID, decision.BlockedBy()), current)
		}
	}

	// 4. Merge, then evaluate dependents against the merged record so the
	// outcome stored with the key comes from the same write.
	next := progression.Merge(node, current, sanitized)

	var newlyUnlocked []string
	if changed(current, next) {
		cascade, err := h.evaluator.Cascade(ctx, ev.UserID, ev.NodeID, progression.Overlay{ev.NodeID: next})
		if err != nil {
			return nil, shared.WithCurrent(err, current)
		}
		newlyUnlocked = cascade.NewlyUnlocked
	}

	expected := progression.VersionOf(current)
	next.RecordKey(progression.IdempotencyEntry{
		Key:         ev.IdempotencyKey,
		Fingerprint: fingerprint,
		RecordedAt:  now,
		Outcome: progression.Outcome{
			Value:         next.Value,
			State:         next.State,
			Version:       expected + 1,
			UpdatedAt:     next.UpdatedAt,
			NewlyUnlocked: newlyUnlocked,
			Clamped:       sanitized.Clamped,
		},
	}, h.config.IdempotencyKeyBound)

	// 5. Compare-and-swap
	committed, err := h.progress.CompareAndSwap(ctx, ev.UserID, ev.NodeID, expected, next)
	if err != nil {
		return nil, err
	}

	return &SubmitProgressResult{
		Committed:     committed,
		NewlyUnlocked: newlyUnlocked,
		Clamped:       sanitized.Clamped,
		completed:     committed.State == progression.StateCompleted && progression.StateOf(current) != progression.StateCompleted,
	}, nil
}

// afterCommit records unlocks, publishes events and invalidates the cache.
// The submission is already durable here, so failures are logged, not returned.
func (h *SubmitProgressHandler) afterCommit(ctx context.Context, node progression.LearningNode, ev progression.ProgressEvent, result *SubmitProgressResult, log *logger.Logger) {
	// 6. State-only writes for the newly unlocked dependents
	for _, id := range result.NewlyUnlocked {
		if err := h.markUnlocked(ctx, ev.UserID, id); err != nil {
			log.Warn("failed to record unlock", logger.String("dependent_id", id), logger.Err(err))
		}
	}
	h.observer.Unlocked(len(result.NewlyUnlocked))

	c := result.Committed
	h.publish(shared.NewProgressCommittedEvent(ev.UserID, ev.NodeID, ev.DeviceID, string(c.State), c.Value, c.Version, result.Clamped, result.NewlyUnlocked), log)
	if result.completed {
		h.publish(shared.NewNodeCompletedEvent(ev.UserID, ev.NodeID, c.Value), log)
	}
	for _, id := range result.NewlyUnlocked {
		h.publish(shared.NewNodeUnlockedEvent(ev.UserID, id, ev.NodeID), log)
	}

	// 7. Cache invalidation: the touched pairs plus one hop of dependents
	touched := append([]string{ev.NodeID}, result.NewlyUnlocked...)
	invalidate := append([]string(nil), touched...)
	for _, id := range touched {
		deps, err := h.graphs.LoadDependents(ctx, id)
		if err != nil {
			log.Warn("failed to load dependents for cache invalidation", logger.String("dependent_id", id), logger.Err(err))
			continue
		}
		for _, d := range deps {
			invalidate = append(invalidate, d.To)
		}
	}
	h.cache.Invalidate(ctx, ev.UserID, invalidate...)

	log.Info("progress committed",
		logger.Version(c.Version),
		logger.String("state", string(c.State)),
		logger.Float64("value", c.Value),
		logger.Int("newly_unlocked", len(result.NewlyUnlocked)),
		logger.Bool("clamped", result.Clamped),
		logger.Attempt(result.Attempts),
		logger.String("course_id", node.CourseID),
	)
}

// markUnlocked moves a dependent from LOCKED to UNLOCKED. Losing the race to
// a writer that already moved it past LOCKED is fine.
func (h *SubmitProgressHandler) markUnlocked(ctx context.Context, userID, nodeID string) error {
	for i := 0; i < h.config.MaxCASAttempts; i++ {
		current, err := h.progress.Get(ctx, userID, nodeID)
		if err != nil {
			return err
		}
		if progression.StateOf(current) != progression.StateLocked {
			return nil
		}

		next := current.Clone()
		if next == nil {
			next = progression.NewNodeProgress(userID, nodeID)
		}
		next.State = progression.StateUnlocked
		next.UpdatedAt = h.clock.Now()

		_, err = h.progress.CompareAndSwap(ctx, userID, nodeID, progression.VersionOf(current), next)
		if err == nil || !shared.IsVersionConflict(err) {
			return err
		}
		h.observer.VersionConflict()
	}
	return shared.ErrConcurrentUpdateExhausted
}

// report logs a failed submission and feeds rejections to the audit stream.
func (h *SubmitProgressHandler) report(cmd SubmitProgressCommand, outcome string, err error, log *logger.Logger) {
	ev := cmd.Event
	switch outcome {
	case OutcomeInvalidProgress, OutcomeInvalidSubmission, OutcomeNodeLocked:
		h.observer.Rejected(outcome)
		log.Warn("progress rejected", logger.String("outcome", outcome), logger.Err(err))
		h.publish(shared.NewProgressRejectedEvent(ev.UserID, ev.NodeID, ev.DeviceID, ev.IdempotencyKey, ev.Delta, outcome, err.Error()), log)
	case OutcomeCycle:
		log.Error("dependency cycle detected", logger.Err(err))
		var cycle *progression.CycleError
		var path []string
		if errors.As(err, &cycle) {
			path = cycle.Path
		}
		h.publish(shared.NewCycleDetectedEvent(ev.UserID, ev.NodeID, path), log)
	case OutcomeExhausted:
		log.Warn("concurrent update retries exhausted", logger.Err(err))
	case OutcomeNotFound, OutcomeInvalidInput:
		log.Info("progress refused", logger.String("outcome", outcome), logger.Err(err))
	default:
		log.Error("progress submission failed", logger.Err(err))
	}
}

func (h *SubmitProgressHandler) publish(event shared.Event, log *logger.Logger) {
	if h.publisher == nil {
		return
	}
	if err := h.publisher.Publish(event); err != nil {
		log.Warn("failed to publish event", logger.String("event_type", string(event.EventType())), logger.Err(err))
	}
}

// current re-reads the record to attach it to an error. Read failures
// yield nil rather than masking the original error.
func (h *SubmitProgressHandler) current(ctx context.Context, ev progression.ProgressEvent) *progression.NodeProgress {
	if ev.UserID == "" || ev.NodeID == "" {
		return nil
	}
	p, err := h.progress.Get(ctx, ev.UserID, ev.NodeID)
	if err != nil {
		return nil
	}
	return p
}

func replay(ev progression.ProgressEvent, entry progression.IdempotencyEntry) *SubmitProgressResult {
	o := entry.Outcome
	return &SubmitProgressResult{
		Committed: &progression.NodeProgress{
			UserID:    ev.UserID,
			NodeID:    ev.NodeID,
			State:     o.State,
			Value:     o.Value,
			Version:   o.Version,
			UpdatedAt: o.UpdatedAt,
		},
		NewlyUnlocked: append([]string(nil), o.NewlyUnlocked...),
		Replayed:      true,
		Clamped:       o.Clamped,
	}
}

func changed(current, next *progression.NodeProgress) bool {
	return current == nil || current.Value != next.Value || current.State != next.State
}
