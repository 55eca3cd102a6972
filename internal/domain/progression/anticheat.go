package progression

import (
	"math"
	"time"

	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

// Policy tunes the anti-cheat Validator.
type Policy struct {
	// MaxPlaybackRate bounds watched seconds per wall-clock second.
	MaxPlaybackRate float64

	// InitialWatchWindow is the wall-clock allowance for the first report on
	// a node, when there is no previous update to measure from.
	InitialWatchWindow time.Duration

	// MaxClockSkew is how far in the future a client timestamp may be.
	MaxClockSkew time.Duration
}

// DefaultPolicy returns the production anti-cheat policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxPlaybackRate:    2.0,
		InitialWatchWindow: 5 * time.Minute,
		MaxClockSkew:       2 * time.Minute,
	}
}

// Sanitized is an event that passed validation.
type Sanitized struct {
	Event ProgressEvent

	// Value is the progress value the record should hold after this event,
	// before the monotonic merge with the stored value.
	Value float64

	// Timestamp is the effective event time: the client timestamp, capped at now.
	Timestamp time.Time

	// Clamped is set when a watch delta exceeded the plausible bound.
	Clamped bool
	// ClampedBy is how many seconds were cut off.
	ClampedBy float64

	// Stale is set when the event is older than the stored record.
	Stale bool

	// ReceivedAt is the server clock when the event was validated.
	ReceivedAt time.Time
}

// Validator approves, clamps or rejects client-reported progress.
type Validator struct {
	policy Policy
}

// NewValidator creates a Validator. Zero fields fall back to DefaultPolicy.
func NewValidator(p Policy) *Validator {
	def := DefaultPolicy()
	if p.MaxPlaybackRate <= 0 {
		p.MaxPlaybackRate = def.MaxPlaybackRate
	}
	if p.InitialWatchWindow <= 0 {
		p.InitialWatchWindow = def.InitialWatchWindow
	}
	if p.MaxClockSkew <= 0 {
		p.MaxClockSkew = def.MaxClockSkew
	}
	return &Validator{policy: p}
}

// Validate checks ev against node and the learner's current record (nil if
// none) at server time now.
//
// Watch deltas above elapsed*MaxPlaybackRate are clamped, not rejected.
// Stale events (older than the stored record) never add to the stored
// value; they can only raise it to what they report. Everything else that
// is implausible fails with ErrInvalidProgress or ErrInvalidSubmission.
func (v *Validator) Validate(node LearningNode, current *NodeProgress, ev ProgressEvent, now time.Time) (Sanitized, error) {
	const op = "Validate"

	if err := ev.Validate(); err != nil {
		return Sanitized{}, shared.WrapError("anticheat", op, shared.ErrInvalidProgress, "malformed event", err)
	}
	if math.IsNaN(ev.Delta) || math.IsInf(ev.Delta, 0) {
		return Sanitized{}, shared.NewDomainError("anticheat", op, shared.ErrInvalidProgress, "delta is not a finite number")
	}
	if ev.Delta < 0 {
		return Sanitized{}, shared.Errorf("anticheat", op, shared.ErrInvalidProgress, "negative delta %.2f", ev.Delta)
	}

	ts := ev.ClientTimestamp
	if ts.IsZero() {
		ts = now
	}
	if ts.After(now.Add(v.policy.MaxClockSkew)) {
		return Sanitized{}, shared.Errorf("anticheat", op, shared.ErrInvalidProgress,
			"client timestamp %s is %s ahead of server time", ts.Format(time.RFC3339), ts.Sub(now).Round(time.Second))
	}
	if ts.After(now) {
		ts = now
	}

	out := Sanitized{
		Event:      ev,
		Timestamp:  ts,
		Stale:      current != nil && ts.Before(current.UpdatedAt),
		ReceivedAt: now,
	}
	stored := ValueOf(current)

	switch node.Type {
	case NodeTypeVideo:
		delta := ev.Delta
		if bound := v.watchBound(current, now); delta > bound {
			out.Clamped = true
			out.ClampedBy = delta - bound
			delta = bound
		}
		if out.Stale {
			out.Value = math.Max(stored, delta)
		} else {
			out.Value = stored + delta
		}
		out.Value = math.Min(out.Value, node.DurationSeconds)

	case NodeTypeQuiz:
		sub := ev.Submission
		if sub == nil {
			return Sanitized{}, shared.NewDomainError("anticheat", op, shared.ErrInvalidSubmission, "quiz score without a submission")
		}
		if len(sub.Answers) != node.QuestionCount {
			return Sanitized{}, shared.Errorf("anticheat", op, shared.ErrInvalidSubmission,
				"submission has %d answers, quiz has %d questions", len(sub.Answers), node.QuestionCount)
		}
		if ev.Delta != 0 && ev.Delta != sub.Score {
			return Sanitized{}, shared.Errorf("anticheat", op, shared.ErrInvalidSubmission,
				"reported score %.2f does not match submission score %.2f", ev.Delta, sub.Score)
		}
		if err := checkScore(sub.Score); err != nil {
			return Sanitized{}, err
		}
		out.Value = math.Max(stored, sub.Score)

	case NodeTypeInteractive, NodeTypeExternalPackage:
		if err := checkScore(ev.Delta); err != nil {
			return Sanitized{}, err
		}
		out.Value = math.Max(stored, ev.Delta)

	default:
		return Sanitized{}, shared.Errorf("anticheat", op, shared.ErrInvalidProgress, "node %s has unknown type %q", node.ID, node.Type)
	}

	return out, nil
}

// watchBound is the most watch time that can plausibly have elapsed since
// the last accepted event.
func (v *Validator) watchBound(current *NodeProgress, now time.Time) float64 {
	// Measured on the server clock; client timestamps can be backdated.
	elapsed := v.policy.InitialWatchWindow
	if current != nil && !current.LastEventAt.IsZero() {
		elapsed = now.Sub(current.LastEventAt)
	}
	if elapsed < 0 {
		elapsed = 0
	}
	return elapsed.Seconds() * v.policy.MaxPlaybackRate
}

func checkScore(score float64) error {
	if math.IsNaN(score) || score < 0 || score > MaxScore {
		return shared.Errorf("anticheat", "Validate", shared.ErrInvalidProgress, "score %.2f out of range [0,100]", score)
	}
	return nil
}
