package domain

import (
	"context"
	"time"
)

// JobState is the lifecycle state of a queued unit of work.
type JobState string

// Job state values. CHECK-constrained in the store as these exact strings.
const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCanceled  JobState = "canceled"
)

// Terminal reports whether s can never transition again.
func (s JobState) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCanceled:
		return true
	default:
		return false
	}
}

// JobType is a stable tag identifying the payload shape and handler.
type JobType string

// Known job types, dispatched through the Handler Registry (C8).
const (
	JobTypeIngestGmail      JobType = "ingest.gmail"
	JobTypeBackfillGmail    JobType = "backfill.gmail"
	JobTypeLabelsSyncGmail  JobType = "labels.sync.gmail"
	JobTypeClassify         JobType = "classify"
	JobTypeActionGmail      JobType = "action.gmail"
	JobTypeOutboundSend     JobType = "outbound.send"
	JobTypeApprovalNotify   JobType = "approval.notify"
	JobTypeUnsnoozeGmail    JobType = "unsnooze.gmail"
	JobTypeUndoAction       JobType = "undo.action"
)

// Default priorities (spec.md §6: "Retry policy constants").
const (
	PriorityIngestFromBackfill = 1
	PriorityBackfillContinue   = -10
	PriorityDefault            = 0
)

// Job is a single row in the durable job table. OrgID/UserID scope every
// row per spec.md §3 ("all mutable records are scoped by (org_id, user_id)").
type Job struct {
	ID             string
	OrgID          string
	UserID         string
	Type           JobType
	Payload        []byte // opaque structured blob, one schema per Type
	IdempotencyKey *string
	Priority       int
	NotBefore      *time.Time
	Attempts       int
	MaxAttempts    int
	State          JobState
	LeasedUntil    *time.Time
	WorkerID       *string
	StartedAt      *time.Time
	FinishedAt     *time.Time
	LastError      *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NewJob carries the fields a caller supplies to JobStore.Insert; server-
// assigned fields (ID, timestamps, Attempts, State) are filled in by the
// store.
type NewJob struct {
	OrgID          string
	UserID         string
	Type           JobType
	Payload        []byte
	IdempotencyKey *string
	Priority       int
	NotBefore      *time.Time
	MaxAttempts    int
}

// JobStore is the Job Store contract (C1): a durable table of jobs with
// lease, priority, delay, retries, and idempotency semantics.
type JobStore interface {
	// Insert creates a new Queued job. If IdempotencyKey is set and already
	// present, it returns *DuplicateIdempotencyError instead of inserting.
	Insert(ctx context.Context, j NewJob) (string, error)
	// ClaimNext atomically claims the highest-priority eligible job (Queued
	// with NotBefore due, or Running with an expired lease) for workerID,
	// returning nil, nil if none is eligible.
	ClaimNext(ctx context.Context, workerID string, leaseDuration time.Duration) (*Job, error)
	// Heartbeat extends the lease on a job this worker currently holds.
	Heartbeat(ctx context.Context, id, workerID string, newLeaseUntil time.Time) error
	// Complete marks a Running job Completed.
	Complete(ctx context.Context, id string) error
	// Fail records a failure. If retryAfter is non-nil and attempts remain,
	// the job returns to Queued with NotBefore set; otherwise it moves to
	// Failed.
	Fail(ctx context.Context, id string, errMsg string, retryAfter *time.Duration) error
	// Cancel moves a Queued or Running job to Canceled. Returns
	// ErrNotRunning for rows already terminal, ErrNotFound if absent —
	// both benign to callers such as the Undo Engine.
	Cancel(ctx context.Context, id string) error
	// Get loads a job by id.
	Get(ctx context.Context, id string) (*Job, error)
	// FindByIdempotencyKey loads a job by its idempotency key.
	FindByIdempotencyKey(ctx context.Context, orgID, userID string, key string) (*Job, error)
}
