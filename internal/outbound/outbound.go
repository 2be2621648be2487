// Package outbound services `outbound.send` jobs: the richer send path
// invoked by the Handler Registry for forward/reply composition with
// attachments (SPEC_FULL.md domain-stack wiring), as distinct from the
// Provider Action Executor's inline forward/auto_reply dispatch
// (executor/snooze.go), which has no attachment support.
package outbound

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/gabriel-vasile/mimetype"
	"go.opentelemetry.io/otel"

	"github.com/ashford-core/ashford-core/internal/domain"
	"github.com/ashford-core/ashford-core/internal/validate"
)

// ProviderFactory resolves the mail-provider client for an account.
type ProviderFactory func(ctx context.Context, accountID string) (domain.MailProviderClient, error)

// Sender wires the Action Store and a provider client factory into the
// `outbound.send` handler.
type Sender struct {
	Actions   domain.ActionStore
	Providers ProviderFactory
}

// New constructs a Sender.
func New(actions domain.ActionStore, providers ProviderFactory) *Sender {
	return &Sender{Actions: actions, Providers: providers}
}

// Handle implements SPEC_FULL.md's outbound.send path: decode attachments,
// send via the provider, and record the sent message id in the action's
// undo hint. Guarded against redelivery by the hint already carrying a
// sent_message_id from a prior attempt.
func (s *Sender) Handle(ctx context.Context, job *domain.Job) error {
	tracer := otel.Tracer("outbound")
	ctx, span := tracer.Start(ctx, "outbound.Send")
	defer span.End()

	var payload domain.OutboundSendPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return domain.Fatalf(err, "decode outbound.send payload: %v", err)
	}
	if err := validate.Struct(payload); err != nil {
		return domain.Fatalf(err, "%v", err)
	}

	act, err := s.Actions.GetByID(ctx, job.OrgID, job.UserID, payload.ActionID)
	if err != nil {
		return domain.Fatalf(err, "load action %s: %v", payload.ActionID, err)
	}
	if act.AccountID != payload.AccountID {
		return domain.Fatal(fmt.Sprintf("outbound.send: account scope mismatch for action %s", act.ID))
	}

	var hint domain.UndoHint
	if len(act.UndoHint) > 0 {
		if err := json.Unmarshal(act.UndoHint, &hint); err != nil {
			return domain.Fatalf(err, "decode existing undo hint: %v", err)
		}
		if hint.SentMessageID != "" {
			return nil
		}
	}

	attachments, err := decodeAttachments(payload.Attachments)
	if err != nil {
		return domain.Fatalf(err, "%v", err)
	}

	provider, err := s.Providers(ctx, payload.AccountID)
	if err != nil {
		return domain.Fatalf(err, "obtain provider client for account %s: %v", payload.AccountID, err)
	}

	out := domain.OutboundMessage{
		To:                payload.To,
		CC:                payload.CC,
		BCC:               payload.BCC,
		Subject:           payload.Subject,
		BodyPlain:         payload.BodyPlain,
		BodyHTML:          payload.BodyHTML,
		OriginalMessageID: payload.OriginalMessageID,
		ThreadID:          payload.ThreadID,
		References:        payload.References,
		Attachments:       attachments,
	}
	sentMessageID, sentThreadID, err := provider.Send(ctx, out)
	if err != nil {
		return fmt.Errorf("op=outbound.send: %w", err)
	}

	hint = domain.UndoHint{
		Action:        actionTypeFor(payload.MessageType),
		InverseAction: domain.ActionTypeNone,
		Irreversible:  true,
		SentMessageID: sentMessageID,
		SentThreadID:  sentThreadID,
	}
	hintBytes, err := json.Marshal(hint)
	if err != nil {
		return domain.Fatalf(err, "encode undo hint: %v", err)
	}
	if _, err := domain.MarkCompletedWithUndoHint(ctx, s.Actions, job.OrgID, job.UserID, act.ID, hintBytes); err != nil {
		return fmt.Errorf("op=outbound.mark_completed: %w", err)
	}
	return nil
}

func actionTypeFor(mt domain.OutboundMessageType) domain.ActionType {
	if mt == domain.OutboundReply {
		return domain.ActionTypeAutoReply
	}
	return domain.ActionTypeForward
}

// decodeAttachments decodes each attachment's base64 payload, accepting
// standard or URL-safe alphabets with or without padding (spec.md §6),
// and sniffs a missing content type from the decoded bytes.
func decodeAttachments(in []domain.OutboundAttachmentPayload) ([]domain.Attachment, error) {
	out := make([]domain.Attachment, 0, len(in))
	for _, a := range in {
		data, err := decodeBase64(a.DataBase64)
		if err != nil {
			return nil, fmt.Errorf("attachment %q: invalid base64: %w: %w", a.Filename, err, domain.ErrInvalidArgument)
		}
		contentType := a.ContentType
		if contentType == "" {
			contentType = mimetype.Detect(data).String()
		}
		out = append(out, domain.Attachment{Filename: a.Filename, ContentType: contentType, Data: data})
	}
	return out, nil
}

func decodeBase64(s string) ([]byte, error) {
	if data, err := base64.StdEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	if data, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	if data, err := base64.URLEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	return base64.RawURLEncoding.DecodeString(s)
}
