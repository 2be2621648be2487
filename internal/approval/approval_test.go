package approval_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ashford-core/ashford-core/internal/approval"
	"github.com/ashford-core/ashford-core/internal/domain"
)

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
	return nil, nil
}
func (f *fakeActionStore) UpdateUndoHint(ctx context.Context, orgID, userID, id string, hint []byte) error {
	return nil
}

func newJob(t *testing.T, accountID, actionID string) *domain.Job {
	t.Helper()
	b, err := json.Marshal(domain.ActionJobPayload{AccountID: accountID, ActionID: actionID})
	require.NoError(t, err)
	return &domain.Job{ID: "job1", OrgID: "org", UserID: "user", Type: domain.JobTypeApprovalNotify, Payload: b}
}

func TestHandle_ApprovedPending_Notifies(t *testing.T) {
	act := &domain.Action{ID: "act1", OrgID: "org", UserID: "user", AccountID: "acct1",
		ActionType: domain.ActionTypeDelete, Status: domain.ActionApprovedPending}
	store := newFakeActionStore(act)
	n := approval.New(store)

	err := n.Handle(context.Background(), newJob(t, "acct1", "act1"))
	require.NoError(t, err)
}

func TestHandle_AlreadyResolved_IsNoOp(t *testing.T) {
	act := &domain.Action{ID: "act1", OrgID: "org", UserID: "user", AccountID: "acct1",
		ActionType: domain.ActionTypeDelete, Status: domain.ActionCanceled}
	store := newFakeActionStore(act)
	n := approval.New(store)

	err := n.Handle(context.Background(), newJob(t, "acct1", "act1"))
	require.NoError(t, err)
}

func TestHandle_AccountScopeMismatch_IsFatal(t *testing.T) {
	act := &domain.Action{ID: "act1", OrgID: "org", UserID: "user", AccountID: "acct-other",
		ActionType: domain.ActionTypeDelete, Status: domain.ActionApprovedPending}
	store := newFakeActionStore(act)
	n := approval.New(store)

	err := n.Handle(context.Background(), newJob(t, "acct1", "act1"))
	require.Error(t, err)
	var jerr *domain.JobError
	require.ErrorAs(t, err, &jerr)
	require.True(t, jerr.Fatal)
}

func TestHandle_UnknownAction_IsFatal(t *testing.T) {
	store := newFakeActionStore()
	n := approval.New(store)

	err := n.Handle(context.Background(), newJob(t, "acct1", "missing"))
	require.Error(t, err)
	var jerr *domain.JobError
	require.ErrorAs(t, err, &jerr)
	require.True(t, jerr.Fatal)
}
