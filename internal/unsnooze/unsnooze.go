// Package unsnooze services the scheduled `unsnooze.gmail` job enqueued by
// the Provider Action Executor's snooze dispatch (executor/snooze.go):
// move a message back to the inbox and drop its snooze label (spec.md
// §4.5.1), idempotent by message-state so a duplicate delivery after the
// message was already unsnoozed (manually, or by a prior attempt) no-ops.
package unsnooze

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"go.opentelemetry.io/otel"

	"github.com/ashford-core/ashford-core/internal/domain"
	"github.com/ashford-core/ashford-core/internal/validate"
)

// ProviderFactory resolves the mail-provider client for an account.
type ProviderFactory func(ctx context.Context, accountID string) (domain.MailProviderClient, error)

// Unsnoozer wires the Message Store and a provider client factory into
// the `unsnooze.gmail` handler.
type Unsnoozer struct {
	Messages  domain.MessageStore
	Providers ProviderFactory
}

// New constructs an Unsnoozer.
func New(messages domain.MessageStore, providers ProviderFactory) *Unsnoozer {
	return &Unsnoozer{Messages: messages, Providers: providers}
}

// Handle implements spec.md §4.5.1's unsnooze step: add INBOX, remove the
// snooze label.
func (u *Unsnoozer) Handle(ctx context.Context, job *domain.Job) error {
	tracer := otel.Tracer("unsnooze")
	ctx, span := tracer.Start(ctx, "unsnooze.Run")
	defer span.End()

	var payload domain.UnsnoozePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return domain.Fatalf(err, "decode unsnooze.gmail payload: %v", err)
	}
	if err := validate.Struct(payload); err != nil {
		return domain.Fatalf(err, "%v", err)
	}

	msg, err := u.Messages.GetByID(ctx, job.OrgID, job.UserID, payload.MessageID)
	if err != nil {
		return domain.Fatalf(err, "load message %s: %v", payload.MessageID, err)
	}
	if msg.AccountID != payload.AccountID {
		return domain.Fatal("unsnooze.gmail: account scope mismatch for message " + msg.ID)
	}

	provider, err := u.Providers(ctx, payload.AccountID)
	if err != nil {
		return domain.Fatalf(err, "obtain provider client for account %s: %v", payload.AccountID, err)
	}

	labels, err := provider.GetMessageLabels(ctx, msg.ProviderMessageID)
	if err != nil {
		return fmt.Errorf("op=unsnooze.get_labels: %w", err)
	}
	alreadyUnsnoozed := slices.Contains(labels, domain.SystemLabelInbox) && !slices.Contains(labels, payload.SnoozeLabelID)
	if alreadyUnsnoozed {
		return nil
	}

	if err := provider.ModifyMessage(ctx, msg.ProviderMessageID, []string{domain.SystemLabelInbox}, []string{payload.SnoozeLabelID}); err != nil {
		return fmt.Errorf("op=unsnooze.modify_message: %w", err)
	}
	return nil
}
