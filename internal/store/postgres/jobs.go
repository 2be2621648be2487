package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ashford-core/ashford-core/internal/domain"
)

// JobStore persists domain.Job rows, grounded on the teacher's
// internal/adapter/repo/postgres.JobRepo (CAS update pattern, span-per-op,
// structured before/after logging on state changes).
type JobStore struct{ Pool PgxPool }

// NewJobStore constructs a JobStore with the given pool.
func NewJobStore(p PgxPool) *JobStore { return &JobStore{Pool: p} }

// Insert creates a new Queued job. Duplicate idempotency_key returns
// *domain.DuplicateIdempotencyError naming the existing row (spec.md §4.1).
func (s *JobStore) Insert(ctx context.Context, j domain.NewJob) (string, error) {
	tracer := otel.Tracer("store.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Insert")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "jobs"),
	)

	id := newID()
	now := time.Now().UTC()
	q := `
INSERT INTO jobs (id, org_id, user_id, type, payload, idempotency_key, priority, not_before,
                   attempts, max_attempts, state, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,0,$9,'queued',$10,$10)
ON CONFLICT (idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING
RETURNING id`
	var insertedID string
	err := s.Pool.QueryRow(ctx, q, id, j.OrgID, j.UserID, j.Type, j.Payload, j.IdempotencyKey,
		j.Priority, j.NotBefore, j.MaxAttempts, now).Scan(&insertedID)
	if err == nil {
		return insertedID, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("op=job.insert: %w", err)
	}
	if j.IdempotencyKey == nil {
		return "", fmt.Errorf("op=job.insert: %w", err)
	}
	existing, findErr := s.FindByIdempotencyKey(ctx, j.OrgID, j.UserID, *j.IdempotencyKey)
	if findErr != nil {
		return "", fmt.Errorf("op=job.insert.resolve_duplicate: %w", findErr)
	}
	return "", &domain.DuplicateIdempotencyError{ExistingJobID: existing.ID}
}

// ClaimNext atomically claims the highest-priority eligible job, reclaiming
// a stuck lease (`state=running AND leased_until < now`) exactly like a
// freshly Queued row (spec.md §4.1).
func (s *JobStore) ClaimNext(ctx context.Context, workerID string, leaseDuration time.Duration) (*domain.Job, error) {
	tracer := otel.Tracer("store.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ClaimNext")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "jobs"),
	)

	now := time.Now().UTC()
	leasedUntil := now.Add(leaseDuration)
	q := `
UPDATE jobs SET state='running', attempts=attempts+1, worker_id=$1,
                started_at=COALESCE(started_at,$2), leased_until=$3, updated_at=$2
WHERE id = (
  SELECT id FROM jobs
  WHERE (state='queued' AND (not_before IS NULL OR not_before <= $2))
     OR (state='running' AND leased_until < $2)
  ORDER BY priority DESC, created_at ASC
  LIMIT 1
  FOR UPDATE SKIP LOCKED
)
RETURNING id, org_id, user_id, type, payload, idempotency_key, priority, not_before,
          attempts, max_attempts, state, leased_until, worker_id, started_at, finished_at,
          last_error, created_at, updated_at`
	row := s.Pool.QueryRow(ctx, q, workerID, now, leasedUntil)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("op=job.claim_next: %w", err)
	}
	slog.Info("job claimed", slog.String("job_id", j.ID), slog.String("type", string(j.Type)), slog.String("worker_id", workerID))
	return j, nil
}

// Heartbeat extends the lease on a job this worker currently holds.
func (s *JobStore) Heartbeat(ctx context.Context, id, workerID string, newLeaseUntil time.Time) error {
	tracer := otel.Tracer("store.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Heartbeat")
	defer span.End()
	q := `UPDATE jobs SET leased_until=$3, updated_at=$4 WHERE id=$1 AND worker_id=$2 AND state='running'`
	tag, err := s.Pool.Exec(ctx, q, id, workerID, newLeaseUntil, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=job.heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.heartbeat: %w", domain.ErrNotFound)
	}
	return nil
}

// Complete marks a Running job Completed.
func (s *JobStore) Complete(ctx context.Context, id string) error {
	tracer := otel.Tracer("store.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Complete")
	defer span.End()
	now := time.Now().UTC()
	q := `UPDATE jobs SET state='completed', finished_at=$2, updated_at=$2 WHERE id=$1 AND state='running'`
	tag, err := s.Pool.Exec(ctx, q, id, now)
	if err != nil {
		return fmt.Errorf("op=job.complete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.complete: %w", domain.ErrNotRunning)
	}
	return nil
}

// Fail records a failure. A non-nil retryAfter with attempts remaining
// returns the job to Queued with not_before set; otherwise (or once
// max_attempts is reached) the job moves to Failed (spec.md §4.1).
func (s *JobStore) Fail(ctx context.Context, id string, errMsg string, retryAfter *time.Duration) error {
	tracer := otel.Tracer("store.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Fail")
	defer span.End()
	now := time.Now().UTC()

	if retryAfter != nil {
		notBefore := now.Add(*retryAfter)
		q := `
UPDATE jobs SET state='queued', last_error=$2, not_before=$3, leased_until=NULL, worker_id=NULL, updated_at=$4
WHERE id=$1 AND state='running' AND attempts < max_attempts`
		tag, err := s.Pool.Exec(ctx, q, id, errMsg, notBefore, now)
		if err != nil {
			return fmt.Errorf("op=job.fail.retry: %w", err)
		}
		if tag.RowsAffected() > 0 {
			return nil
		}
	}

	q := `UPDATE jobs SET state='failed', last_error=$2, finished_at=$3, updated_at=$3 WHERE id=$1 AND state='running'`
	tag, err := s.Pool.Exec(ctx, q, id, errMsg, now)
	if err != nil {
		return fmt.Errorf("op=job.fail.terminal: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.fail: %w", domain.ErrNotRunning)
	}
	return nil
}

// Cancel moves a Queued or Running job to Canceled.
func (s *JobStore) Cancel(ctx context.Context, id string) error {
	tracer := otel.Tracer("store.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Cancel")
	defer span.End()
	now := time.Now().UTC()
	q := `UPDATE jobs SET state='canceled', finished_at=$2, updated_at=$2 WHERE id=$1 AND state IN ('queued','running')`
	tag, err := s.Pool.Exec(ctx, q, id, now)
	if err != nil {
		return fmt.Errorf("op=job.cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return fmt.Errorf("op=job.cancel: %w", domain.ErrNotFound)
		}
		return fmt.Errorf("op=job.cancel: %w", domain.ErrNotRunning)
	}
	return nil
}

// Get loads a job by id.
func (s *JobStore) Get(ctx context.Context, id string) (*domain.Job, error) {
	tracer := otel.Tracer("store.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	q := `SELECT id, org_id, user_id, type, payload, idempotency_key, priority, not_before,
          attempts, max_attempts, state, leased_until, worker_id, started_at, finished_at,
          last_error, created_at, updated_at FROM jobs WHERE id=$1`
	row := s.Pool.QueryRow(ctx, q, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// FindByIdempotencyKey loads a job by its idempotency key, scoped to org/user.
func (s *JobStore) FindByIdempotencyKey(ctx context.Context, orgID, userID, key string) (*domain.Job, error) {
	tracer := otel.Tracer("store.jobs")
	ctx, span := tracer.Start(ctx, "jobs.FindByIdempotencyKey")
	defer span.End()
	q := `SELECT id, org_id, user_id, type, payload, idempotency_key, priority, not_before,
          attempts, max_attempts, state, leased_until, worker_id, started_at, finished_at,
          last_error, created_at, updated_at FROM jobs WHERE org_id=$1 AND user_id=$2 AND idempotency_key=$3`
	row := s.Pool.QueryRow(ctx, q, orgID, userID, key)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("op=job.find_idem: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=job.find_idem: %w", err)
	}
	return j, nil
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var j domain.Job
	if err := row.Scan(&j.ID, &j.OrgID, &j.UserID, &j.Type, &j.Payload, &j.IdempotencyKey,
		&j.Priority, &j.NotBefore, &j.Attempts, &j.MaxAttempts, &j.State, &j.LeasedUntil,
		&j.WorkerID, &j.StartedAt, &j.FinishedAt, &j.LastError, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	return &j, nil
}

var _ domain.JobStore = (*JobStore)(nil)
