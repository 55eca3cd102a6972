// Package shared contains common domain errors and events that are used
// across the progression domain and the layers around it. This package has
// zero external dependencies.
package shared

import (
	"errors"
	"fmt"
)

// Base error kinds for errors.Is() checking.
var (
	// ErrNotFound: unknown course, node or user. Client error, surfaced as-is.
	ErrNotFound = errors.New("entity not found")

	// ErrInvalidProgress: anti-cheat rejection. No state change.
	ErrInvalidProgress = errors.New("invalid progress")

	// ErrInvalidSubmission: quiz submission does not match the quiz.
	// It is also an ErrInvalidProgress.
	ErrInvalidSubmission = &kindError{msg: "invalid submission", parent: ErrInvalidProgress}

	// ErrNodeLocked: progress reported for a node whose prerequisites are not met.
	ErrNodeLocked = errors.New("node is locked")

	// ErrVersionConflict: compare-and-swap lost to a concurrent writer. Internal, retried.
	ErrVersionConflict = errors.New("version conflict")

	// ErrConcurrentUpdateExhausted: the compare-and-swap retry budget ran out.
	ErrConcurrentUpdateExhausted = errors.New("concurrent update retries exhausted")

	// ErrCycleDetected: the dependency graph contains a cycle. Authoring defect.
	ErrCycleDetected = errors.New("dependency cycle detected")

	// ErrInvalidInput: malformed command or definition (missing ids and the like).
	ErrInvalidInput = errors.New("invalid input")

	// ErrServiceUnavailable: a backing service could not be reached.
	ErrServiceUnavailable = errors.New("service unavailable")
)

// kindError is an error kind that also matches its parent kind.
type kindError struct {
	msg    string
	parent error
}

func (e *kindError) Error() string { return e.msg }
func (e *kindError) Unwrap() error { return e.parent }

// DomainError represents a domain-specific error with context.
type DomainError struct {
	Domain  string // e.g., "progression", "graph", "anticheat"
	Op      string // Operation that failed, e.g., "Submit", "Evaluate"
	Kind    error  // Base error type for errors.Is() checking
	Message string // Human-readable message
	Err     error  // Underlying error (optional)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Domain, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s.%s: %s", e.Domain, e.Op, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *DomainError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is implements errors.Is() matching.
func (e *DomainError) Is(target error) bool {
	if e.Kind != nil && errors.Is(e.Kind, target) {
		return true
	}
	if e.Err != nil && errors.Is(e.Err, target) {
		return true
	}
	return false
}

// NewDomainError creates a new domain error.
func NewDomainError(domain, op string, kind error, message string) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
	}
}

// WrapError wraps an existing error with domain context.
func WrapError(domain, op string, kind error, message string, err error) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// Errorf creates a domain error with a formatted message.
func Errorf(domain, op string, kind error, format string, args ...any) *DomainError {
	return NewDomainError(domain, op, kind, fmt.Sprintf(format, args...))
}

// ProgressError carries the authoritative progress record back to the caller
// alongside a rejection, so clients can resynchronize on failure.
// Current is any so this package stays free of domain types; the progression
// package stores a *progression.NodeProgress (or nil when nothing is stored).
type ProgressError struct {
	Err     error
	Current any
}

// Error implements the error interface.
func (e *ProgressError) Error() string { return e.Err.Error() }

// Unwrap returns the wrapped error.
func (e *ProgressError) Unwrap() error { return e.Err }

// WithCurrent wraps err with the current record. A nil err stays nil.
func WithCurrent(err error, current any) error {
	if err == nil {
		return nil
	}
	return &ProgressError{Err: err, Current: current}
}

// CurrentOf extracts the record attached by WithCurrent, if any.
func CurrentOf(err error) (any, bool) {
	var pe *ProgressError
	if errors.As(err, &pe) {
		return pe.Current, true
	}
	return nil, false
}

// IsNotFound checks if the error is a "not found" error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsInvalidProgress checks for anti-cheat rejections, submissions included.
func IsInvalidProgress(err error) bool {
	return errors.Is(err, ErrInvalidProgress)
}

// IsInvalidSubmission checks for quiz submission mismatches.
func IsInvalidSubmission(err error) bool {
	return errors.Is(err, ErrInvalidSubmission)
}

// IsNodeLocked checks if the node was locked for the user.
func IsNodeLocked(err error) bool {
	return errors.Is(err, ErrNodeLocked)
}

// IsVersionConflict checks for a lost compare-and-swap.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}

// IsConcurrentUpdateExhausted checks if the retry budget ran out.
func IsConcurrentUpdateExhausted(err error) bool {
	return errors.Is(err, ErrConcurrentUpdateExhausted)
}

// IsCycleDetected checks for a corrupted dependency graph.
func IsCycleDetected(err error) bool {
	return errors.Is(err, ErrCycleDetected)
}

// IsRetryable checks if the caller may safely retry the whole operation.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentUpdateExhausted) ||
		errors.Is(err, ErrServiceUnavailable)
}
