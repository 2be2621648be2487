package classifier_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ashford-core/ashford-core/internal/classifier"
	"github.com/ashford-core/ashford-core/internal/config"
	"github.com/ashford-core/ashford-core/internal/domain"
	"github.com/ashford-core/ashford-core/internal/queue"
)

// --- fakes -----------------------------------------------------------

type fakeRuleStore struct {
	rules      []*domain.Rule
	directions []*domain.Direction
}

func (f *fakeRuleStore) ListForScopes(ctx context.Context, orgID, userID string, scopes []domain.ScopeKey) ([]*domain.Rule, error) {
	return f.rules, nil
}
func (f *fakeRuleStore) ListDirectionsForScopes(ctx context.Context, orgID, userID string, scopes []domain.ScopeKey) ([]*domain.Direction, error) {
	return f.directions, nil
}

type fakeDecisionStore struct {
	created []domain.NewDecision
	n       int
}

func (f *fakeDecisionStore) Create(ctx context.Context, d domain.NewDecision) (*domain.Decision, error) {
	f.n++
	f.created = append(f.created, d)
	return &domain.Decision{ID: "dec-1", OrgID: d.OrgID, UserID: d.UserID, MessageID: d.MessageID,
		Source: d.Source, ActionType: d.ActionType, Confidence: d.Confidence,
		NeedsApproval: d.NeedsApproval, Rationale: d.Rationale}, nil
}
func (f *fakeDecisionStore) GetByID(ctx context.Context, orgID, userID, id string) (*domain.Decision, error) {
	return nil, domain.ErrNotFound
}

type fakeActionStore struct {
	created  []domain.NewAction
	hints    map[string][]byte
}

func newFakeActionStore() *fakeActionStore {
	return &fakeActionStore{hints: map[string][]byte{}}
}

func (f *fakeActionStore) Create(ctx context.Context, a domain.NewAction) (*domain.Action, error) {
	f.created = append(f.created, a)
	return &domain.Action{ID: "act-1", OrgID: a.OrgID, UserID: a.UserID, AccountID: a.AccountID,
		MessageID: a.MessageID, DecisionID: a.DecisionID, ActionType: a.ActionType,
		Parameters: a.Parameters, Status: a.Status, TraceID: a.TraceID}, nil
}
func (f *fakeActionStore) GetByID(ctx context.Context, orgID, userID, id string) (*domain.Action, error) {
	return nil, domain.ErrNotFound
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
	return nil, nil
}
func (f *fakeActionStore) UpdateUndoHint(ctx context.Context, orgID, userID, id string, hint []byte) error {
	f.hints[id] = hint
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

type fakeLLMClient struct {
	resp *domain.LLMResponse
	err  error
}

func (f *fakeLLMClient) Complete(ctx context.Context, req domain.LLMRequest) (*domain.LLMResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func testConfig() config.Config {
	return config.Config{
		ConfidenceDefault:       0.7,
		LLMMaxTokens:            2048,
		LLMTemperature:          0.2,
		CircuitFailureThreshold: 3,
		CircuitRecoveryTimeout:  30 * time.Second,
	}
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func newJob(t *testing.T, accountID, messageID string) *domain.Job {
	return &domain.Job{ID: "job1", OrgID: "org", UserID: "user", Type: domain.JobTypeClassify, MaxAttempts: 5,
		Payload: mustMarshal(t, domain.ClassifyPayload{AccountID: accountID, MessageID: messageID})}
}

// --- tests -------------------------------------------------------------

func TestHandle_DeterministicMatch_SafeAction_QueuesDirectly(t *testing.T) {
	msg := &domain.Message{ID: "msg1", AccountID: "acct1", FromEmail: "alerts@github.com", Subject: "Build failed"}
	rule := &domain.Rule{ID: "rule1", Scope: domain.ScopeGlobal, Priority: 10, ActionType: domain.ActionTypeArchive,
		Parameters: map[string]any{}, SafeMode: domain.SafeModeDefault,
		Condition: &domain.Condition{Leaf: domain.LeafSenderDomain, Value: "github.com"}}

	rules := &fakeRuleStore{rules: []*domain.Rule{rule}}
	decisions := &fakeDecisionStore{}
	actions := newFakeActionStore()
	messages := &fakeMessageStore{messages: map[string]*domain.Message{"msg1": msg}}
	jobs := newFakeJobStore()

	c := classifier.New(rules, decisions, actions, messages, queue.New(jobs), &fakeLLMClient{}, testConfig())

	err := c.Handle(context.Background(), newJob(t, "acct1", "msg1"))
	require.NoError(t, err)

	require.Len(t, decisions.created, 1)
	require.Equal(t, domain.DecisionDeterministic, decisions.created[0].Source)
	require.False(t, decisions.created[0].NeedsApproval)

	require.Len(t, actions.created, 1)
	require.Equal(t, domain.ActionQueued, actions.created[0].Status)
	require.Equal(t, domain.ActionTypeArchive, actions.created[0].ActionType)

	require.Len(t, jobs.jobs, 1)
	for _, j := range jobs.jobs {
		require.Equal(t, domain.JobTypeActionGmail, j.Type)
	}
}

func TestHandle_DeterministicMatch_DangerousAction_NeedsApproval(t *testing.T) {
	msg := &domain.Message{ID: "msg1", AccountID: "acct1", FromEmail: "spam@bad.example", Subject: "win a prize"}
	rule := &domain.Rule{ID: "rule1", Scope: domain.ScopeGlobal, Priority: 10, ActionType: domain.ActionTypeDelete,
		Parameters: map[string]any{}, SafeMode: domain.SafeModeDefault,
		Condition: &domain.Condition{Leaf: domain.LeafSubjectContains, Value: "prize"}}

	rules := &fakeRuleStore{rules: []*domain.Rule{rule}}
	decisions := &fakeDecisionStore{}
	actions := newFakeActionStore()
	messages := &fakeMessageStore{messages: map[string]*domain.Message{"msg1": msg}}
	jobs := newFakeJobStore()

	c := classifier.New(rules, decisions, actions, messages, queue.New(jobs), &fakeLLMClient{}, testConfig())

	err := c.Handle(context.Background(), newJob(t, "acct1", "msg1"))
	require.NoError(t, err)

	require.True(t, decisions.created[0].NeedsApproval)
	require.Equal(t, domain.ActionApprovedPending, actions.created[0].Status)

	for _, j := range jobs.jobs {
		require.Equal(t, domain.JobTypeApprovalNotify, j.Type)
	}
}

func TestHandle_SafeModeDangerousOverride_BypassesEnforcement(t *testing.T) {
	msg := &domain.Message{ID: "msg1", AccountID: "acct1", FromEmail: "ops@trusted.example", Subject: "cleanup"}
	rule := &domain.Rule{ID: "rule1", Scope: domain.ScopeGlobal, Priority: 10, ActionType: domain.ActionTypeDelete,
		Parameters: map[string]any{}, SafeMode: domain.SafeModeDangerousOverride,
		Condition: &domain.Condition{Leaf: domain.LeafSenderDomain, Value: "trusted.example"}}

	rules := &fakeRuleStore{rules: []*domain.Rule{rule}}
	decisions := &fakeDecisionStore{}
	actions := newFakeActionStore()
	messages := &fakeMessageStore{messages: map[string]*domain.Message{"msg1": msg}}
	jobs := newFakeJobStore()

	c := classifier.New(rules, decisions, actions, messages, queue.New(jobs), &fakeLLMClient{}, testConfig())

	err := c.Handle(context.Background(), newJob(t, "acct1", "msg1"))
	require.NoError(t, err)

	require.False(t, decisions.created[0].NeedsApproval, "DangerousOverride must bypass the dangerous-action-type enforcement")
	require.Equal(t, domain.ActionQueued, actions.created[0].Status)
}

func TestHandle_NoDeterministicMatch_FallsBackToLLM(t *testing.T) {
	msg := &domain.Message{ID: "msg1", AccountID: "acct1", FromEmail: "someone@example.com", Subject: "hello"}
	rules := &fakeRuleStore{}
	decisions := &fakeDecisionStore{}
	actions := newFakeActionStore()
	messages := &fakeMessageStore{messages: map[string]*domain.Message{"msg1": msg}}
	jobs := newFakeJobStore()

	var out domain.DecisionOutput
	out.Decision.ActionType = domain.ActionTypeMarkRead
	out.Decision.Parameters = map[string]any{}
	out.Decision.Confidence = 0.9
	out.Decision.NeedsApproval = false
	out.Decision.Rationale = "looks routine"
	out.InverseHint.InverseAction = domain.ActionTypeMarkUnread
	out.InverseHint.InverseParameters = map[string]any{}
	args := mustMarshal(t, out)

	llm := &fakeLLMClient{resp: &domain.LLMResponse{
		ToolCalls: []domain.LLMToolCall{{Name: "record_decision", Arguments: args}},
		Usage:     domain.LLMUsage{PromptTokens: 120, CompletionTokens: 40},
	}}

	c := classifier.New(rules, decisions, actions, messages, queue.New(jobs), llm, testConfig())

	err := c.Handle(context.Background(), newJob(t, "acct1", "msg1"))
	require.NoError(t, err)

	require.Len(t, decisions.created, 1)
	require.Equal(t, domain.DecisionLLM, decisions.created[0].Source)
	require.Equal(t, domain.ActionTypeMarkRead, decisions.created[0].ActionType)
	require.False(t, decisions.created[0].NeedsApproval)
}

func TestHandle_LLM_NoToolCall_IsFatal(t *testing.T) {
	msg := &domain.Message{ID: "msg1", AccountID: "acct1", FromEmail: "someone@example.com", Subject: "hello"}
	rules := &fakeRuleStore{}
	decisions := &fakeDecisionStore{}
	actions := newFakeActionStore()
	messages := &fakeMessageStore{messages: map[string]*domain.Message{"msg1": msg}}
	jobs := newFakeJobStore()

	llm := &fakeLLMClient{resp: &domain.LLMResponse{Content: "no idea"}}

	c := classifier.New(rules, decisions, actions, messages, queue.New(jobs), llm, testConfig())

	err := c.Handle(context.Background(), newJob(t, "acct1", "msg1"))
	require.Error(t, err)
	var je *domain.JobError
	require.ErrorAs(t, err, &je)
	require.True(t, je.Fatal)
	require.Empty(t, decisions.created)
}

func TestHandle_LLM_LowConfidence_ForcesApproval(t *testing.T) {
	msg := &domain.Message{ID: "msg1", AccountID: "acct1", FromEmail: "someone@example.com", Subject: "hello"}
	rules := &fakeRuleStore{}
	decisions := &fakeDecisionStore{}
	actions := newFakeActionStore()
	messages := &fakeMessageStore{messages: map[string]*domain.Message{"msg1": msg}}
	jobs := newFakeJobStore()

	var out domain.DecisionOutput
	out.Decision.ActionType = domain.ActionTypeArchive
	out.Decision.Parameters = map[string]any{}
	out.Decision.Confidence = 0.4
	out.Decision.NeedsApproval = false
	out.Decision.Rationale = "unsure"
	out.InverseHint.InverseAction = domain.ActionTypeApplyLabel
	out.InverseHint.InverseParameters = map[string]any{"label": "INBOX"}
	args := mustMarshal(t, out)

	llm := &fakeLLMClient{resp: &domain.LLMResponse{
		ToolCalls: []domain.LLMToolCall{{Name: "record_decision", Arguments: args}},
	}}

	c := classifier.New(rules, decisions, actions, messages, queue.New(jobs), llm, testConfig())

	err := c.Handle(context.Background(), newJob(t, "acct1", "msg1"))
	require.NoError(t, err)
	require.True(t, decisions.created[0].NeedsApproval)

	var telemetry domain.Telemetry
	require.NoError(t, json.Unmarshal(decisions.created[0].TelemetryJSON, &telemetry))
	require.Contains(t, telemetry.SafetyOverrides, "low_confidence")
}

func TestHandle_ApprovalAlwaysConfig_ForcesApproval(t *testing.T) {
	msg := &domain.Message{ID: "msg1", AccountID: "acct1", FromEmail: "alerts@github.com", Subject: "build failed"}
	rule := &domain.Rule{ID: "rule1", Scope: domain.ScopeGlobal, Priority: 10, ActionType: domain.ActionTypeArchive,
		Parameters: map[string]any{}, SafeMode: domain.SafeModeDefault,
		Condition: &domain.Condition{Leaf: domain.LeafSenderDomain, Value: "github.com"}}

	rules := &fakeRuleStore{rules: []*domain.Rule{rule}}
	decisions := &fakeDecisionStore{}
	actions := newFakeActionStore()
	messages := &fakeMessageStore{messages: map[string]*domain.Message{"msg1": msg}}
	jobs := newFakeJobStore()

	cfg := testConfig()
	cfg.ApprovalAlways = []string{"archive"}

	c := classifier.New(rules, decisions, actions, messages, queue.New(jobs), &fakeLLMClient{}, cfg)

	err := c.Handle(context.Background(), newJob(t, "acct1", "msg1"))
	require.NoError(t, err)
	require.True(t, decisions.created[0].NeedsApproval)

	var telemetry domain.Telemetry
	require.NoError(t, json.Unmarshal(decisions.created[0].TelemetryJSON, &telemetry))
	require.Contains(t, telemetry.SafetyOverrides, "approval_always")
}

func TestHandle_AccountScopeMismatch_IsFatal(t *testing.T) {
	msg := &domain.Message{ID: "msg1", AccountID: "acct1", FromEmail: "a@b.com"}
	rules := &fakeRuleStore{}
	decisions := &fakeDecisionStore{}
	actions := newFakeActionStore()
	messages := &fakeMessageStore{messages: map[string]*domain.Message{"msg1": msg}}
	jobs := newFakeJobStore()

	c := classifier.New(rules, decisions, actions, messages, queue.New(jobs), &fakeLLMClient{}, testConfig())

	err := c.Handle(context.Background(), newJob(t, "other-acct", "msg1"))
	require.Error(t, err)
	var je *domain.JobError
	require.ErrorAs(t, err, &je)
	require.True(t, je.Fatal)
	require.Empty(t, decisions.created)
}

func TestHandle_InvalidConditionTree_IsFatal(t *testing.T) {
	msg := &domain.Message{ID: "msg1", AccountID: "acct1", FromEmail: "a@b.com"}
	rule := &domain.Rule{ID: "rule1", Scope: domain.ScopeGlobal, Priority: 10, ActionType: domain.ActionTypeArchive,
		SafeMode: domain.SafeModeDefault, Condition: &domain.Condition{Op: domain.OpAnd, Children: nil}}

	rules := &fakeRuleStore{rules: []*domain.Rule{rule}}
	decisions := &fakeDecisionStore{}
	actions := newFakeActionStore()
	messages := &fakeMessageStore{messages: map[string]*domain.Message{"msg1": msg}}
	jobs := newFakeJobStore()

	c := classifier.New(rules, decisions, actions, messages, queue.New(jobs), &fakeLLMClient{}, testConfig())

	err := c.Handle(context.Background(), newJob(t, "acct1", "msg1"))
	require.Error(t, err)
	var je *domain.JobError
	require.ErrorAs(t, err, &je)
	require.True(t, je.Fatal)
}
