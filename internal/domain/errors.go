// Package domain defines core entities, ports, and domain-specific errors
// shared by the job orchestration and action lifecycle core.
package domain

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy (sentinels). Adapters and usecases wrap these with
// fmt.Errorf("op=...: %w", ...) so callers can errors.Is against a stable
// identity regardless of the op= prefix.
var (
	ErrInvalidArgument         = errors.New("invalid argument")
	ErrNotFound                = errors.New("not found")
	ErrConflict                = errors.New("conflict")
	ErrScopeMismatch           = errors.New("scope mismatch")
	ErrDuplicateIdempotency    = errors.New("duplicate idempotency key")
	ErrInvalidStatusTransition = errors.New("invalid status transition")
	ErrInvalidInitialStatus    = errors.New("invalid initial status")
	ErrNotRunning              = errors.New("job not running")
	ErrUnsupportedAction       = errors.New("unsupported action type")
	ErrInvalidCondition        = errors.New("invalid condition tree")
	ErrUpstreamRateLimit       = errors.New("upstream rate limit")
	ErrUpstreamTimeout         = errors.New("upstream timeout")
	ErrUpstreamAuth            = errors.New("upstream auth failed")
	ErrUpstreamGone            = errors.New("upstream resource not found")
	ErrSchemaInvalid           = errors.New("schema invalid")
	ErrInternal                = errors.New("internal error")
)

// DuplicateIdempotencyError carries the id of the row that already owns an
// idempotency key, so callers can adopt it instead of treating the
// duplicate as a failure.
type DuplicateIdempotencyError struct {
	ExistingJobID string
}

func (e *DuplicateIdempotencyError) Error() string {
	return fmt.Sprintf("duplicate idempotency key: existing job %s", e.ExistingJobID)
}

func (e *DuplicateIdempotencyError) Unwrap() error { return ErrDuplicateIdempotency }

// InvalidStatusTransitionError reports a rejected action status change,
// surfacing the most recently observed status so the caller can decide
// whether to re-read and retry.
type InvalidStatusTransitionError struct {
	From ActionStatus
	To   ActionStatus
}

func (e *InvalidStatusTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition: %s -> %s", e.From, e.To)
}

func (e *InvalidStatusTransitionError) Unwrap() error { return ErrInvalidStatusTransition }

// JobError is the opaque error type a handler returns to the worker loop.
// The worker never inspects the underlying cause: it only distinguishes
// Fatal (no further retries) from Retryable (re-queue honoring RetryAfter).
type JobError struct {
	Fatal      bool
	Msg        string
	RetryAfter *time.Duration
	cause      error
}

func (e *JobError) Error() string { return e.Msg }

func (e *JobError) Unwrap() error { return e.cause }

// Fatal constructs a non-retryable JobError.
func Fatal(msg string) *JobError { return &JobError{Fatal: true, Msg: msg} }

// Fatalf constructs a non-retryable JobError, wrapping cause for errors.Is/As.
func Fatalf(cause error, format string, args ...any) *JobError {
	return &JobError{Fatal: true, Msg: fmt.Sprintf(format, args...), cause: cause}
}

// Retryable constructs a retryable JobError with an optional explicit delay.
func Retryable(msg string, retryAfter *time.Duration) *JobError {
	return &JobError{Fatal: false, Msg: msg, RetryAfter: retryAfter}
}

// Retryablef constructs a retryable JobError, wrapping cause for errors.Is/As.
func Retryablef(cause error, retryAfter *time.Duration, format string, args ...any) *JobError {
	return &JobError{Fatal: false, Msg: fmt.Sprintf(format, args...), RetryAfter: retryAfter, cause: cause}
}
