// Package queue is the Queue API (C2): the only way handlers and usecases
// enqueue, claim, and resolve jobs. It adds no state of its own — every
// operation is a direct pass-through to the Job Store (C1) — but gives the
// rest of the core a narrow, typed surface instead of a raw
// domain.JobStore, and is where enqueue-time observability hooks live
// (spec.md §4.2).
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/ashford-core/ashford-core/internal/domain"
	"github.com/ashford-core/ashford-core/internal/observability"
)

// Queue wraps a domain.JobStore with the enqueue/claim/ack vocabulary
// spec.md §4.2 names.
type Queue struct {
	Store domain.JobStore
}

// New constructs a Queue over the given store.
func New(store domain.JobStore) *Queue { return &Queue{Store: store} }

// Enqueue inserts a new job for immediate or delayed execution depending
// on whether j.NotBefore is set. A duplicate idempotency key is not an
// error to the caller: the existing job id is returned.
func (q *Queue) Enqueue(ctx context.Context, j domain.NewJob) (string, error) {
	if j.MaxAttempts == 0 {
		j.MaxAttempts = 5
	}
	id, err := q.Store.Insert(ctx, j)
	var dup *domain.DuplicateIdempotencyError
	if err != nil {
		if errors.As(err, &dup) {
			return dup.ExistingJobID, nil
		}
		return "", err
	}
	observability.EnqueueJob(string(j.Type))
	return id, nil
}

// EnqueueScheduled is Enqueue with an explicit not_before, named
// separately because callers such as the Undo Engine and Snooze handler
// reason about it as a distinct operation (spec.md §4.2).
func (q *Queue) EnqueueScheduled(ctx context.Context, j domain.NewJob, notBefore time.Time) (string, error) {
	j.NotBefore = &notBefore
	return q.Enqueue(ctx, j)
}

// ClaimNext claims the single highest-priority eligible job for workerID.
func (q *Queue) ClaimNext(ctx context.Context, workerID string, leaseDuration time.Duration) (*domain.Job, error) {
	job, err := q.Store.ClaimNext(ctx, workerID, leaseDuration)
	if err != nil || job == nil {
		return job, err
	}
	observability.StartProcessingJob(string(job.Type))
	return job, nil
}

// Heartbeat extends the lease on a job the caller still holds.
func (q *Queue) Heartbeat(ctx context.Context, id, workerID string, newLeaseUntil time.Time) error {
	return q.Store.Heartbeat(ctx, id, workerID, newLeaseUntil)
}

// Complete acknowledges successful handler execution.
func (q *Queue) Complete(ctx context.Context, job *domain.Job) error {
	if err := q.Store.Complete(ctx, job.ID); err != nil {
		return err
	}
	observability.CompleteJob(string(job.Type))
	return nil
}

// FailRetryable returns the job to Queued honoring retryAfter, or moves it
// to Failed if attempts are exhausted.
func (q *Queue) FailRetryable(ctx context.Context, job *domain.Job, errMsg string, retryAfter time.Duration) error {
	if err := q.Store.Fail(ctx, job.ID, errMsg, &retryAfter); err != nil {
		return err
	}
	if job.Attempts >= job.MaxAttempts {
		observability.FailJob(string(job.Type))
	} else {
		observability.RetryJob(string(job.Type))
	}
	return nil
}

// FailFatal moves the job straight to Failed with no further retries.
func (q *Queue) FailFatal(ctx context.Context, job *domain.Job, errMsg string) error {
	if err := q.Store.Fail(ctx, job.ID, errMsg, nil); err != nil {
		return err
	}
	observability.FailJob(string(job.Type))
	return nil
}

// Cancel moves a Queued or Running job to Canceled.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	return q.Store.Cancel(ctx, id)
}
