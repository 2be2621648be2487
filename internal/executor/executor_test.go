package executor_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ashford-core/ashford-core/internal/config"
	"github.com/ashford-core/ashford-core/internal/domain"
	"github.com/ashford-core/ashford-core/internal/executor"
	"github.com/ashford-core/ashford-core/internal/queue"
)

// --- fakes -----------------------------------------------------------

type fakeActionStore struct {
	actions map[string]*domain.Action
}

func newFakeActionStore(acts ...*domain.Action) *fakeActionStore {
	m := map[string]*domain.Action{}
	for _, a := range acts {
		m[a.ID] = a
	}
	return &fakeActionStore{actions: m}
}

func (f *fakeActionStore) Create(ctx context.Context, n domain.NewAction) (*domain.Action, error) {
	return nil, nil
}
func (f *fakeActionStore) GetByID(ctx context.Context, orgID, userID, id string) (*domain.Action, error) {
	a, ok := f.actions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *a
	return &cp, nil
}
func (f *fakeActionStore) ListByMessage(ctx context.Context, orgID, userID, messageID string) ([]*domain.Action, error) {
	return nil, nil
}
func (f *fakeActionStore) ListByStatus(ctx context.Context, orgID, userID string, status domain.ActionStatus) ([]*domain.Action, error) {
	return nil, nil
}
func (f *fakeActionStore) ListByDecision(ctx context.Context, orgID, userID, decisionID string) ([]*domain.Action, error) {
	return nil, nil
}
func (f *fakeActionStore) UpdateStatus(ctx context.Context, orgID, userID, id string, next domain.ActionStatus, errMsg *string, executedAt *time.Time) (*domain.Action, error) {
	a, ok := f.actions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if !domain.CanTransition(a.Status, next) {
		return nil, &domain.InvalidStatusTransitionError{From: a.Status, To: next}
	}
	a.Status = next
	a.ErrorMessage = errMsg
	if a.ExecutedAt == nil {
		a.ExecutedAt = executedAt
	}
	cp := *a
	return &cp, nil
}
func (f *fakeActionStore) UpdateUndoHint(ctx context.Context, orgID, userID, id string, hint []byte) error {
	a, ok := f.actions[id]
	if !ok {
		return domain.ErrNotFound
	}
	a.UndoHint = hint
	return nil
}

type fakeMessageStore struct {
	messages map[string]*domain.Message
}

func (f *fakeMessageStore) GetByID(ctx context.Context, orgID, userID, id string) (*domain.Message, error) {
	m, ok := f.messages[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return m, nil
}

type fakeLabelStore struct {
	byName map[string]*domain.Label
}

func newFakeLabelStore() *fakeLabelStore { return &fakeLabelStore{byName: map[string]*domain.Label{}} }

func (f *fakeLabelStore) Upsert(ctx context.Context, n domain.NewLabel) (*domain.Label, error) {
	l := &domain.Label{AccountID: n.AccountID, ProviderLabelID: n.ProviderLabelID, Name: n.Name, LabelType: n.LabelType}
	f.byName[n.AccountID+"|"+n.Name] = l
	return l, nil
}
func (f *fakeLabelStore) GetByName(ctx context.Context, accountID, name string) (*domain.Label, error) {
	l, ok := f.byName[accountID+"|"+name]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return l, nil
}
func (f *fakeLabelStore) GetByProviderID(ctx context.Context, accountID, providerLabelID string) (*domain.Label, error) {
	return nil, domain.ErrNotFound
}
func (f *fakeLabelStore) Delete(ctx context.Context, accountID, providerLabelID string) error { return nil }
func (f *fakeLabelStore) ListByAccount(ctx context.Context, accountID string) ([]*domain.Label, error) {
	var out []*domain.Label
	for _, l := range f.byName {
		if l.AccountID == accountID {
			out = append(out, l)
		}
	}
	return out, nil
}

type fakeLabelCache struct {
	m map[string]string
}

func newFakeLabelCache() *fakeLabelCache { return &fakeLabelCache{m: map[string]string{}} }
func (f *fakeLabelCache) Get(ctx context.Context, accountID, labelName string) (string, bool) {
	v, ok := f.m[accountID+"|"+labelName]
	return v, ok
}
func (f *fakeLabelCache) Set(ctx context.Context, accountID, labelName, providerLabelID string) {
	f.m[accountID+"|"+labelName] = providerLabelID
}
func (f *fakeLabelCache) Delete(ctx context.Context, accountID, labelName string) {
	delete(f.m, accountID+"|"+labelName)
}

type fakeProvider struct {
	labels        map[string][]string // providerMessageID -> labels
	providerLabels []domain.ProviderLabel
	modifyErr     error
	createCalls   int
}

func (p *fakeProvider) GetMessageLabels(ctx context.Context, providerMessageID string) ([]string, error) {
	return p.labels[providerMessageID], nil
}
func (p *fakeProvider) ModifyMessage(ctx context.Context, providerMessageID string, addLabels, removeLabels []string) error {
	if p.modifyErr != nil {
		return p.modifyErr
	}
	cur := map[string]bool{}
	for _, l := range p.labels[providerMessageID] {
		cur[l] = true
	}
	for _, l := range addLabels {
		cur[l] = true
	}
	for _, l := range removeLabels {
		delete(cur, l)
	}
	var out []string
	for l := range cur {
		out = append(out, l)
	}
	p.labels[providerMessageID] = out
	return nil
}
func (p *fakeProvider) Trash(ctx context.Context, providerMessageID string) error   { return nil }
func (p *fakeProvider) Untrash(ctx context.Context, providerMessageID string) error { return nil }
func (p *fakeProvider) Delete(ctx context.Context, providerMessageID string) error  { return nil }
func (p *fakeProvider) Send(ctx context.Context, msg domain.OutboundMessage) (string, string, error) {
	return "sent-1", "thread-1", nil
}
func (p *fakeProvider) ListLabels(ctx context.Context) ([]domain.ProviderLabel, error) {
	return p.providerLabels, nil
}
func (p *fakeProvider) CreateLabel(ctx context.Context, name string) (domain.ProviderLabel, error) {
	p.createCalls++
	return domain.ProviderLabel{ID: "Label_new", Name: name}, nil
}
func (p *fakeProvider) ListMessages(ctx context.Context, query, pageToken string) ([]domain.MessageRef, string, error) {
	return nil, "", nil
}

type fakeJobStore struct {
	jobs map[string]*domain.Job
	n    int
}

func newFakeJobStore() *fakeJobStore { return &fakeJobStore{jobs: map[string]*domain.Job{}} }

func (f *fakeJobStore) Insert(ctx context.Context, j domain.NewJob) (string, error) {
	f.n++
	id := "job-" + string(rune('a'+f.n))
	f.jobs[id] = &domain.Job{ID: id, OrgID: j.OrgID, UserID: j.UserID, Type: j.Type, Payload: j.Payload,
		IdempotencyKey: j.IdempotencyKey, NotBefore: j.NotBefore, MaxAttempts: j.MaxAttempts, State: domain.JobQueued}
	return id, nil
}
func (f *fakeJobStore) ClaimNext(ctx context.Context, workerID string, leaseDuration time.Duration) (*domain.Job, error) {
	return nil, nil
}
func (f *fakeJobStore) Heartbeat(ctx context.Context, id, workerID string, newLeaseUntil time.Time) error {
	return nil
}
func (f *fakeJobStore) Complete(ctx context.Context, id string) error { return nil }
func (f *fakeJobStore) Fail(ctx context.Context, id string, errMsg string, retryAfter *time.Duration) error {
	return nil
}
func (f *fakeJobStore) Cancel(ctx context.Context, id string) error { return nil }
func (f *fakeJobStore) Get(ctx context.Context, id string) (*domain.Job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return j, nil
}
func (f *fakeJobStore) FindByIdempotencyKey(ctx context.Context, orgID, userID, key string) (*domain.Job, error) {
	for _, j := range f.jobs {
		if j.IdempotencyKey != nil && *j.IdempotencyKey == key {
			return j, nil
		}
	}
	return nil, domain.ErrNotFound
}

func testConfig() config.Config {
	return config.Config{SnoozeLabelName: "Ashford/Snoozed", CircuitFailureThreshold: 3, CircuitRecoveryTimeout: 30 * time.Second}
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

// --- tests -------------------------------------------------------------

func TestExecute_Archive_CapturesPreImageAndUndoHint(t *testing.T) {
	act := &domain.Action{ID: "act1", OrgID: "org", UserID: "user", AccountID: "acct1", MessageID: "msg1",
		ActionType: domain.ActionTypeArchive, Parameters: []byte("{}"), Status: domain.ActionQueued}
	msg := &domain.Message{ID: "msg1", AccountID: "acct1", ProviderMessageID: "pmsg1"}
	actions := newFakeActionStore(act)
	messages := &fakeMessageStore{messages: map[string]*domain.Message{"msg1": msg}}
	provider := &fakeProvider{labels: map[string][]string{"pmsg1": {domain.SystemLabelInbox, domain.SystemLabelUnread}}}

	ex := executor.New(actions, messages, newFakeLabelStore(), newFakeLabelCache(),
		queue.New(newFakeJobStore()), func(ctx context.Context, accountID string) (domain.MailProviderClient, error) {
			return provider, nil
		}, testConfig())

	job := &domain.Job{ID: "job1", OrgID: "org", UserID: "user", Type: domain.JobTypeActionGmail, MaxAttempts: 5,
		Payload: mustMarshal(t, domain.ActionJobPayload{AccountID: "acct1", ActionID: "act1"})}

	err := ex.Handle(context.Background(), job)
	require.NoError(t, err)

	got, _ := actions.GetByID(context.Background(), "org", "user", "act1")
	require.Equal(t, domain.ActionCompleted, got.Status)

	var hint domain.UndoHint
	require.NoError(t, json.Unmarshal(got.UndoHint, &hint))
	require.Equal(t, domain.ActionTypeApplyLabel, hint.InverseAction)
	require.True(t, hint.PreInInbox)
	require.True(t, hint.PreUnread)
	require.NotContains(t, provider.labels["pmsg1"], domain.SystemLabelInbox)
}

func TestExecute_ApplyLabel_ResolvesViaProviderCatalogue(t *testing.T) {
	act := &domain.Action{ID: "act1", OrgID: "org", UserID: "user", AccountID: "acct1", MessageID: "msg1",
		ActionType: domain.ActionTypeApplyLabel, Parameters: mustMarshal(t, domain.LabelParameters{Label: "Work"}),
		Status: domain.ActionQueued}
	msg := &domain.Message{ID: "msg1", AccountID: "acct1", ProviderMessageID: "pmsg1"}
	actions := newFakeActionStore(act)
	messages := &fakeMessageStore{messages: map[string]*domain.Message{"msg1": msg}}
	provider := &fakeProvider{
		labels:         map[string][]string{"pmsg1": {}},
		providerLabels: []domain.ProviderLabel{{ID: "Label_work", Name: "Work"}},
	}

	ex := executor.New(actions, messages, newFakeLabelStore(), newFakeLabelCache(),
		queue.New(newFakeJobStore()), func(ctx context.Context, accountID string) (domain.MailProviderClient, error) {
			return provider, nil
		}, testConfig())

	job := &domain.Job{ID: "job1", OrgID: "org", UserID: "user", Type: domain.JobTypeActionGmail, MaxAttempts: 5,
		Payload: mustMarshal(t, domain.ActionJobPayload{AccountID: "acct1", ActionID: "act1"})}

	err := ex.Handle(context.Background(), job)
	require.NoError(t, err)
	require.Contains(t, provider.labels["pmsg1"], "Label_work")
	require.Equal(t, 0, provider.createCalls)
}

func TestExecute_UnsupportedActionType_IsFatalAndMarksFailed(t *testing.T) {
	act := &domain.Action{ID: "act1", OrgID: "org", UserID: "user", AccountID: "acct1", MessageID: "msg1",
		ActionType: "bogus", Parameters: []byte("{}"), Status: domain.ActionQueued}
	msg := &domain.Message{ID: "msg1", AccountID: "acct1", ProviderMessageID: "pmsg1"}
	actions := newFakeActionStore(act)
	messages := &fakeMessageStore{messages: map[string]*domain.Message{"msg1": msg}}
	provider := &fakeProvider{labels: map[string][]string{"pmsg1": {}}}

	ex := executor.New(actions, messages, newFakeLabelStore(), newFakeLabelCache(),
		queue.New(newFakeJobStore()), func(ctx context.Context, accountID string) (domain.MailProviderClient, error) {
			return provider, nil
		}, testConfig())

	job := &domain.Job{ID: "job1", OrgID: "org", UserID: "user", Type: domain.JobTypeActionGmail, Attempts: 1, MaxAttempts: 5,
		Payload: mustMarshal(t, domain.ActionJobPayload{AccountID: "acct1", ActionID: "act1"})}

	err := ex.Handle(context.Background(), job)
	require.Error(t, err)
	var je *domain.JobError
	require.ErrorAs(t, err, &je)
	require.True(t, je.Fatal)

	got, _ := actions.GetByID(context.Background(), "org", "user", "act1")
	require.Equal(t, domain.ActionFailed, got.Status)
}

func TestExecute_RetryableProviderError_LeavesActionExecutingUntilAttemptsExhausted(t *testing.T) {
	act := &domain.Action{ID: "act1", OrgID: "org", UserID: "user", AccountID: "acct1", MessageID: "msg1",
		ActionType: domain.ActionTypeArchive, Parameters: []byte("{}"), Status: domain.ActionQueued}
	msg := &domain.Message{ID: "msg1", AccountID: "acct1", ProviderMessageID: "pmsg1"}
	actions := newFakeActionStore(act)
	messages := &fakeMessageStore{messages: map[string]*domain.Message{"msg1": msg}}
	provider := &fakeProvider{labels: map[string][]string{"pmsg1": {}}, modifyErr: &domain.ProviderError{StatusCode: 503, Msg: "unavailable"}}

	ex := executor.New(actions, messages, newFakeLabelStore(), newFakeLabelCache(),
		queue.New(newFakeJobStore()), func(ctx context.Context, accountID string) (domain.MailProviderClient, error) {
			return provider, nil
		}, testConfig())

	job := &domain.Job{ID: "job1", OrgID: "org", UserID: "user", Type: domain.JobTypeActionGmail, Attempts: 1, MaxAttempts: 5,
		Payload: mustMarshal(t, domain.ActionJobPayload{AccountID: "acct1", ActionID: "act1"})}

	err := ex.Handle(context.Background(), job)
	require.Error(t, err)
	var je *domain.JobError
	require.ErrorAs(t, err, &je)
	require.False(t, je.Fatal)

	got, _ := actions.GetByID(context.Background(), "org", "user", "act1")
	require.Equal(t, domain.ActionExecuting, got.Status, "action must stay Executing while retry budget remains")

	job.Attempts = 5
	err = ex.Handle(context.Background(), job)
	require.Error(t, err)
	got, _ = actions.GetByID(context.Background(), "org", "user", "act1")
	require.Equal(t, domain.ActionFailed, got.Status, "action must move to Failed once attempts are exhausted")
}

func TestExecute_Snooze_SchedulesUnsnoozeJobAndTagsLabel(t *testing.T) {
	future := time.Now().UTC().Add(48 * time.Hour).Format(time.RFC3339)
	act := &domain.Action{ID: "act1", OrgID: "org", UserID: "user", AccountID: "acct1", MessageID: "msg1",
		ActionType: domain.ActionTypeSnooze, Parameters: mustMarshal(t, domain.SnoozeParameters{Until: &future}),
		Status: domain.ActionQueued}
	msg := &domain.Message{ID: "msg1", AccountID: "acct1", ProviderMessageID: "pmsg1"}
	actions := newFakeActionStore(act)
	messages := &fakeMessageStore{messages: map[string]*domain.Message{"msg1": msg}}
	provider := &fakeProvider{
		labels:         map[string][]string{"pmsg1": {domain.SystemLabelInbox}},
		providerLabels: []domain.ProviderLabel{{ID: "Label_snoozed", Name: "Ashford/Snoozed"}},
	}
	jobs := newFakeJobStore()

	ex := executor.New(actions, messages, newFakeLabelStore(), newFakeLabelCache(),
		queue.New(jobs), func(ctx context.Context, accountID string) (domain.MailProviderClient, error) {
			return provider, nil
		}, testConfig())

	job := &domain.Job{ID: "job1", OrgID: "org", UserID: "user", Type: domain.JobTypeActionGmail, MaxAttempts: 5,
		Payload: mustMarshal(t, domain.ActionJobPayload{AccountID: "acct1", ActionID: "act1"})}

	err := ex.Handle(context.Background(), job)
	require.NoError(t, err)

	got, _ := actions.GetByID(context.Background(), "org", "user", "act1")
	require.Equal(t, domain.ActionCompleted, got.Status)
	var hint domain.UndoHint
	require.NoError(t, json.Unmarshal(got.UndoHint, &hint))
	require.NotEmpty(t, hint.UnsnoozeJobID)
	require.NotContains(t, provider.labels["pmsg1"], domain.SystemLabelInbox)
	require.Contains(t, provider.labels["pmsg1"], "Label_snoozed")
	require.Len(t, jobs.jobs, 1)
}

func TestExecute_Snooze_RejectsPastTimestamp(t *testing.T) {
	past := time.Now().UTC().Add(-1 * time.Hour).Format(time.RFC3339)
	act := &domain.Action{ID: "act1", OrgID: "org", UserID: "user", AccountID: "acct1", MessageID: "msg1",
		ActionType: domain.ActionTypeSnooze, Parameters: mustMarshal(t, domain.SnoozeParameters{Until: &past}),
		Status: domain.ActionQueued}
	msg := &domain.Message{ID: "msg1", AccountID: "acct1", ProviderMessageID: "pmsg1"}
	actions := newFakeActionStore(act)
	messages := &fakeMessageStore{messages: map[string]*domain.Message{"msg1": msg}}
	provider := &fakeProvider{labels: map[string][]string{"pmsg1": {}}}

	ex := executor.New(actions, messages, newFakeLabelStore(), newFakeLabelCache(),
		queue.New(newFakeJobStore()), func(ctx context.Context, accountID string) (domain.MailProviderClient, error) {
			return provider, nil
		}, testConfig())

	job := &domain.Job{ID: "job1", OrgID: "org", UserID: "user", Type: domain.JobTypeActionGmail, MaxAttempts: 5,
		Payload: mustMarshal(t, domain.ActionJobPayload{AccountID: "acct1", ActionID: "act1"})}

	err := ex.Handle(context.Background(), job)
	require.Error(t, err)
	var je *domain.JobError
	require.ErrorAs(t, err, &je)
	require.True(t, je.Fatal)
}

func TestExecute_AlreadyTerminal_IsNoOp(t *testing.T) {
	act := &domain.Action{ID: "act1", OrgID: "org", UserID: "user", AccountID: "acct1", MessageID: "msg1",
		ActionType: domain.ActionTypeArchive, Parameters: []byte("{}"), Status: domain.ActionCanceled}
	actions := newFakeActionStore(act)
	messages := &fakeMessageStore{messages: map[string]*domain.Message{}}

	ex := executor.New(actions, messages, newFakeLabelStore(), newFakeLabelCache(),
		queue.New(newFakeJobStore()), func(ctx context.Context, accountID string) (domain.MailProviderClient, error) {
			t.Fatal("provider should not be reached for a terminal action")
			return nil, nil
		}, testConfig())

	job := &domain.Job{ID: "job1", OrgID: "org", UserID: "user", Type: domain.JobTypeActionGmail, MaxAttempts: 5,
		Payload: mustMarshal(t, domain.ActionJobPayload{AccountID: "acct1", ActionID: "act1"})}

	err := ex.Handle(context.Background(), job)
	require.NoError(t, err)
}

func TestExecute_AccountScopeMismatch_IsFatal(t *testing.T) {
	act := &domain.Action{ID: "act1", OrgID: "org", UserID: "user", AccountID: "acct1", MessageID: "msg1",
		ActionType: domain.ActionTypeArchive, Parameters: []byte("{}"), Status: domain.ActionQueued}
	actions := newFakeActionStore(act)
	messages := &fakeMessageStore{messages: map[string]*domain.Message{}}

	ex := executor.New(actions, messages, newFakeLabelStore(), newFakeLabelCache(),
		queue.New(newFakeJobStore()), func(ctx context.Context, accountID string) (domain.MailProviderClient, error) {
			t.Fatal("provider should not be reached on scope mismatch")
			return nil, nil
		}, testConfig())

	job := &domain.Job{ID: "job1", OrgID: "org", UserID: "user", Type: domain.JobTypeActionGmail, MaxAttempts: 5,
		Payload: mustMarshal(t, domain.ActionJobPayload{AccountID: "other-acct", ActionID: "act1"})}

	err := ex.Handle(context.Background(), job)
	require.Error(t, err)
	var je *domain.JobError
	require.ErrorAs(t, err, &je)
	require.True(t, je.Fatal)

	got, _ := actions.GetByID(context.Background(), "org", "user", "act1")
	require.Equal(t, domain.ActionFailed, got.Status)
}
