// Package jobserr classifies handler errors into the worker loop's two
// outcomes, Fatal or Retryable (spec.md §4.9 Error Mapper / C9). The
// string-based fallback mirrors the teacher's
// redpanda.classifyFailureCode; the backoff curve is computed with
// cenkalti/backoff/v4 instead of the teacher's hand-rolled
// domain.RetryInfo.CalculateNextRetryDelay.
package jobserr

import (
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ashford-core/ashford-core/internal/domain"
)

// Code is a stable error code for metrics labels, mirroring the teacher's
// classifyFailureCode contract.
type Code string

const (
	CodeSchemaInvalid     Code = "SCHEMA_INVALID"
	CodeUpstreamRateLimit Code = "UPSTREAM_RATE_LIMIT"
	CodeUpstreamTimeout   Code = "UPSTREAM_TIMEOUT"
	CodeUpstreamAuth      Code = "UPSTREAM_AUTH"
	CodeUpstreamGone      Code = "UPSTREAM_GONE"
	CodeNotFound          Code = "NOT_FOUND"
	CodeConflict          Code = "CONFLICT"
	CodeInvalidArgument   Code = "INVALID_ARGUMENT"
	CodeInternal          Code = "INTERNAL"
)

// Classify maps any error returned by a job handler into a *domain.JobError
// the worker loop can act on without inspecting the cause. If err already
// is a *domain.JobError it is returned unchanged.
func Classify(err error, attempt int) *domain.JobError {
	if err == nil {
		return nil
	}
	var je *domain.JobError
	if errors.As(err, &je) {
		return je
	}

	code := classify(err)
	switch code {
	case CodeUpstreamRateLimit, CodeUpstreamTimeout:
		delay := backoffDelay(attempt)
		return domain.Retryablef(err, &delay, "%s: %v", code, err)
	case CodeSchemaInvalid, CodeInvalidArgument, CodeNotFound, CodeConflict, CodeUpstreamAuth, CodeUpstreamGone:
		return domain.Fatalf(err, "%s: %v", code, err)
	default:
		// Unknown errors default to retryable: the worker loop should not
		// permanently fail a job because of a transient condition we
		// failed to classify (mirrors RetryInfo.ShouldRetry's "default to
		// retryable for unknown errors").
		delay := backoffDelay(attempt)
		return domain.Retryablef(err, &delay, "%s: %v", code, err)
	}
}

// classify maps sentinel errors first, then falls back to substring
// matching against the error text (mirrors the teacher's
// classifyFailureCode, extended with the sentinels this core adds).
func classify(err error) Code {
	switch {
	case errors.Is(err, domain.ErrSchemaInvalid):
		return CodeSchemaInvalid
	case errors.Is(err, domain.ErrUpstreamRateLimit):
		return CodeUpstreamRateLimit
	case errors.Is(err, domain.ErrUpstreamTimeout):
		return CodeUpstreamTimeout
	case errors.Is(err, domain.ErrUpstreamAuth):
		return CodeUpstreamAuth
	case errors.Is(err, domain.ErrUpstreamGone):
		return CodeUpstreamGone
	case errors.Is(err, domain.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, domain.ErrConflict):
		return CodeConflict
	case errors.Is(err, domain.ErrInvalidArgument),
		errors.Is(err, domain.ErrInvalidStatusTransition),
		errors.Is(err, domain.ErrInvalidInitialStatus),
		errors.Is(err, domain.ErrUnsupportedAction),
		errors.Is(err, domain.ErrInvalidCondition):
		return CodeInvalidArgument
	}

	s := strings.ToLower(strings.TrimSpace(err.Error()))
	if s == "" {
		return CodeInternal
	}
	switch {
	case strings.Contains(s, "schema invalid"), strings.Contains(s, "invalid json"), strings.Contains(s, "out of range"):
		return CodeSchemaInvalid
	case strings.Contains(s, "rate limit"):
		return CodeUpstreamRateLimit
	case strings.Contains(s, "timeout"), strings.Contains(s, "deadline exceeded"):
		return CodeUpstreamTimeout
	case strings.Contains(s, "not found"):
		return CodeNotFound
	case strings.Contains(s, "conflict"):
		return CodeConflict
	case strings.Contains(s, "invalid argument"):
		return CodeInvalidArgument
	default:
		return CodeInternal
	}
}

// backoffDelay computes the delay before attempt+1, using the same
// exponential/jitter shape the teacher's RetryConfig describes
// (InitialDelay=2s, Multiplier=2.0, MaxDelay=30s, Jitter=10%) but computed
// by the real backoff library instead of hand-rolled math.
func backoffDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.Multiplier = 2.0
	b.MaxInterval = 30 * time.Second
	b.RandomizationFactor = 0.1
	b.MaxElapsedTime = 0

	var delay time.Duration
	for i := 0; i <= attempt; i++ {
		delay = b.NextBackOff()
	}
	if delay <= 0 {
		delay = b.MaxInterval
	}
	return delay
}
