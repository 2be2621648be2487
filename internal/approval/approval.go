// Package approval services `approval.notify` jobs. spec.md §3 scopes the
// notification channel itself out of this core (no AccountStore or
// notification-preference model exists here); raising the notification is
// a structured log line plus a counter, leaving delivery to whatever
// out-of-scope channel (spec.md names none) watches for it.
package approval

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel"

	"github.com/ashford-core/ashford-core/internal/domain"
	"github.com/ashford-core/ashford-core/internal/observability"
	"github.com/ashford-core/ashford-core/internal/validate"
)

// Notifier wires the Action Store into the `approval.notify` handler.
type Notifier struct {
	Actions domain.ActionStore
}

// New constructs a Notifier.
func New(actions domain.ActionStore) *Notifier {
	return &Notifier{Actions: actions}
}

// Handle implements spec.md §4.6 step 7: raise a notification for an
// action awaiting approval. A no-op if the action already left
// ApprovedPending (resolved by a prior approve/reject before this job ran).
func (n *Notifier) Handle(ctx context.Context, job *domain.Job) error {
	tracer := otel.Tracer("approval")
	ctx, span := tracer.Start(ctx, "approval.Notify")
	defer span.End()

	var payload domain.ActionJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return domain.Fatalf(err, "decode approval.notify payload: %v", err)
	}
	if err := validate.Struct(payload); err != nil {
		return domain.Fatalf(err, "%v", err)
	}

	act, err := n.Actions.GetByID(ctx, job.OrgID, job.UserID, payload.ActionID)
	if err != nil {
		return domain.Fatalf(err, "load action %s: %v", payload.ActionID, err)
	}
	if act.AccountID != payload.AccountID {
		return domain.Fatal("approval.notify: account scope mismatch for action " + act.ID)
	}
	if act.Status != domain.ActionApprovedPending {
		return nil
	}

	observability.LoggerFromContext(ctx).InfoContext(ctx, "action awaiting approval",
		"action_id", act.ID, "account_id", act.AccountID, "action_type", string(act.ActionType))
	observability.NotifyApproval(string(act.ActionType))
	return nil
}
