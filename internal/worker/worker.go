// Package worker is the Worker Loop (C3) and Handler Registry (C8): it
// claims jobs from the Queue API, heartbeats their lease while a handler
// runs, and resolves success/failure through the Job Store. Grounded on
// the teacher's asynqadp.Worker (span-per-task, observability hooks
// around status transitions) but polling the Postgres-backed Queue
// instead of dispatching an asynq.ServeMux (spec.md §4.3).
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ashford-core/ashford-core/internal/domain"
	"github.com/ashford-core/ashford-core/internal/jobserr"
	"github.com/ashford-core/ashford-core/internal/observability"
	"github.com/ashford-core/ashford-core/internal/queue"
)

// Handler processes one claimed job. A non-nil error is run through
// jobserr.Classify unless it already is a *domain.JobError.
type Handler func(ctx context.Context, job *domain.Job) error

// Registry maps a job type to the handler that processes it (C8).
type Registry map[domain.JobType]Handler

// Config tunes the worker loop's polling, leasing, and concurrency.
type Config struct {
	WorkerID          string
	Concurrency       int
	PollInterval      time.Duration
	LeaseDuration     time.Duration
	HeartbeatInterval time.Duration
}

// DefaultConfig returns conservative defaults suitable for a single
// worker process.
func DefaultConfig(workerID string) Config {
	return Config{
		WorkerID:          workerID,
		Concurrency:       4,
		PollInterval:      500 * time.Millisecond,
		LeaseDuration:     2 * time.Minute,
		HeartbeatInterval: 30 * time.Second,
	}
}

// Worker runs Config.Concurrency claim/dispatch loops against a Queue,
// dispatching through a Registry.
type Worker struct {
	Queue    *queue.Queue
	Registry Registry
	Config   Config
}

// New constructs a Worker.
func New(q *queue.Queue, registry Registry, cfg Config) *Worker {
	return &Worker{Queue: q, Registry: registry, Config: cfg}
}

// Run blocks, running Concurrency claim/dispatch loops until ctx is
// canceled.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	n := w.Config.Concurrency
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.loop(ctx, slot)
		}(i)
	}
	wg.Wait()
}

func (w *Worker) loop(ctx context.Context, slot int) {
	ticker := time.NewTicker(w.Config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, err := w.Queue.ClaimNext(ctx, w.Config.WorkerID, w.Config.LeaseDuration)
			if err != nil {
				slog.Error("claim failed", slog.Int("slot", slot), slog.Any("error", err))
				continue
			}
			if job == nil {
				continue
			}
			w.dispatch(ctx, job)
		}
	}
}

func (w *Worker) dispatch(ctx context.Context, job *domain.Job) {
	tracer := otel.Tracer("worker")
	ctx, span := tracer.Start(ctx, "worker.dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.type", string(job.Type)),
		attribute.Int("job.attempts", job.Attempts),
	)
	ctx = observability.ContextWithRequestID(ctx, job.ID)

	handler, ok := w.Registry[job.Type]
	if !ok {
		span.SetStatus(codes.Error, "no handler registered")
		_ = w.Queue.FailFatal(ctx, job, "no handler registered for job type "+string(job.Type))
		observability.FinishProcessingJob(string(job.Type))
		return
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go w.heartbeat(hbCtx, job)

	start := time.Now()
	err := handler(ctx, job)
	observability.JobProcessingDuration.WithLabelValues(string(job.Type)).Observe(time.Since(start).Seconds())
	observability.FinishProcessingJob(string(job.Type))

	if err == nil {
		if compErr := w.Queue.Complete(ctx, job); compErr != nil {
			slog.Error("job complete failed", slog.String("job_id", job.ID), slog.Any("error", compErr))
		}
		return
	}

	span.SetStatus(codes.Error, err.Error())
	var je *domain.JobError
	if !errors.As(err, &je) {
		je = jobserr.Classify(err, job.Attempts)
	}
	if je.Fatal {
		if failErr := w.Queue.FailFatal(ctx, job, je.Error()); failErr != nil {
			slog.Error("job fail_fatal failed", slog.String("job_id", job.ID), slog.Any("error", failErr))
		}
		return
	}
	retryAfter := 10 * time.Second
	if je.RetryAfter != nil {
		retryAfter = *je.RetryAfter
	}
	if failErr := w.Queue.FailRetryable(ctx, job, je.Error(), retryAfter); failErr != nil {
		slog.Error("job fail_retryable failed", slog.String("job_id", job.ID), slog.Any("error", failErr))
	}
}

func (w *Worker) heartbeat(ctx context.Context, job *domain.Job) {
	interval := w.Config.HeartbeatInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			newLease := time.Now().Add(w.Config.LeaseDuration)
			if err := w.Queue.Heartbeat(ctx, job.ID, w.Config.WorkerID, newLease); err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					return
				}
				slog.Warn("heartbeat failed", slog.String("job_id", job.ID), slog.Any("error", err))
			}
		}
	}
}
