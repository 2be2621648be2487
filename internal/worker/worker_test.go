package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ashford-core/ashford-core/internal/domain"
	"github.com/ashford-core/ashford-core/internal/queue"
)

type fakeStore struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
	seq  int
}

func newFakeStore() *fakeStore { return &fakeStore{jobs: map[string]*domain.Job{}} }

func (f *fakeStore) Insert(ctx context.Context, j domain.NewJob) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := "job-" + time.Now().Format("150405") + "-" + string(rune('a'+f.seq))
	f.jobs[id] = &domain.Job{ID: id, Type: j.Type, Payload: j.Payload, MaxAttempts: j.MaxAttempts, State: domain.JobQueued}
	return id, nil
}

func (f *fakeStore) ClaimNext(ctx context.Context, workerID string, leaseDuration time.Duration) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if j.State == domain.JobQueued {
			j.State = domain.JobRunning
			return j, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) Heartbeat(ctx context.Context, id, workerID string, newLeaseUntil time.Time) error {
	return nil
}

func (f *fakeStore) Complete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[id].State = domain.JobCompleted
	return nil
}

func (f *fakeStore) Fail(ctx context.Context, id string, errMsg string, retryAfter *time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if retryAfter != nil {
		f.jobs[id].State = domain.JobQueued
	} else {
		f.jobs[id].State = domain.JobFailed
	}
	f.jobs[id].LastError = &errMsg
	return nil
}

func (f *fakeStore) Cancel(ctx context.Context, id string) error { return nil }

func (f *fakeStore) Get(ctx context.Context, id string) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[id], nil
}

func (f *fakeStore) FindByIdempotencyKey(ctx context.Context, orgID, userID, key string) (*domain.Job, error) {
	return nil, domain.ErrNotFound
}

func (f *fakeStore) state(id string) domain.JobState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[id].State
}

func runUntil(t *testing.T, store *fakeStore, id string, want domain.JobState, w *Worker) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go w.Run(ctx)
	deadline := time.Now().Add(1500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if store.state(id) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached state %s, last seen %s", id, want, store.state(id))
}

func testConfig() Config {
	return Config{WorkerID: "w1", Concurrency: 1, PollInterval: 10 * time.Millisecond, LeaseDuration: time.Minute, HeartbeatInterval: time.Hour}
}

func TestDispatch_HandlerSucceeds_CompletesJob(t *testing.T) {
	store := newFakeStore()
	q := queue.New(store)
	id, err := q.Enqueue(context.Background(), domain.NewJob{Type: domain.JobTypeClassify})
	require.NoError(t, err)

	registry := Registry{domain.JobTypeClassify: func(ctx context.Context, job *domain.Job) error { return nil }}
	w := New(q, registry, testConfig())
	runUntil(t, store, id, domain.JobCompleted, w)
}

func TestDispatch_HandlerReturnsFatalJobError_FailsJob(t *testing.T) {
	store := newFakeStore()
	q := queue.New(store)
	id, err := q.Enqueue(context.Background(), domain.NewJob{Type: domain.JobTypeClassify})
	require.NoError(t, err)

	registry := Registry{domain.JobTypeClassify: func(ctx context.Context, job *domain.Job) error {
		return domain.Fatal("boom")
	}}
	w := New(q, registry, testConfig())
	runUntil(t, store, id, domain.JobFailed, w)
}

func TestDispatch_NoHandlerRegistered_FailsJobFatal(t *testing.T) {
	store := newFakeStore()
	q := queue.New(store)
	id, err := q.Enqueue(context.Background(), domain.NewJob{Type: domain.JobTypeUndoAction})
	require.NoError(t, err)

	w := New(q, Registry{}, testConfig())
	runUntil(t, store, id, domain.JobFailed, w)
}
