package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ashford-core/ashford-core/internal/domain"
)

const maxSnoozeHorizon = 365 * 24 * time.Hour

// resolveLabelID implements the cache -> LabelStore -> provider catalogue
// -> create-on-demand resolution chain (spec.md §4.5.1 step 3, generalized
// to every apply_label/remove_label/snooze use of a label name).
func (e *Executor) resolveLabelID(ctx context.Context, provider domain.MailProviderClient, accountID, labelName string) (string, error) {
	if id, ok := e.LabelCache.Get(ctx, accountID, labelName); ok {
		return id, nil
	}
	if lbl, err := e.Labels.GetByName(ctx, accountID, labelName); err == nil {
		e.LabelCache.Set(ctx, accountID, labelName, lbl.ProviderLabelID)
		return lbl.ProviderLabelID, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return "", err
	}

	providerLabels, err := provider.ListLabels(ctx)
	if err != nil {
		return "", err
	}
	for _, pl := range providerLabels {
		if pl.Name == labelName {
			stored, uerr := e.Labels.Upsert(ctx, domain.NewLabel{
				AccountID: accountID, ProviderLabelID: pl.ID, Name: pl.Name, LabelType: pl.Type,
				MessageListVisibility: strOrNil(pl.MessageListVisibility),
				LabelListVisibility:   strOrNil(pl.LabelListVisibility),
				BackgroundColor:       strOrNil(pl.BackgroundColor),
				TextColor:             strOrNil(pl.TextColor),
			})
			if uerr != nil {
				return "", uerr
			}
			e.LabelCache.Set(ctx, accountID, labelName, stored.ProviderLabelID)
			return stored.ProviderLabelID, nil
		}
	}

	created, err := provider.CreateLabel(ctx, labelName)
	if err != nil {
		return "", err
	}
	stored, err := e.Labels.Upsert(ctx, domain.NewLabel{
		AccountID: accountID, ProviderLabelID: created.ID, Name: created.Name, LabelType: created.Type,
	})
	if err != nil {
		return "", err
	}
	e.LabelCache.Set(ctx, accountID, labelName, stored.ProviderLabelID)
	return stored.ProviderLabelID, nil
}

// invalidateAndRefreshLabel drops a stale cache/store entry and re-resolves
// it against the provider, used when a provider call reports that a cached
// label id no longer exists (spec.md §4.5.1 step 3).
func (e *Executor) invalidateAndRefreshLabel(ctx context.Context, provider domain.MailProviderClient, accountID, labelName, staleProviderLabelID string) (string, error) {
	e.LabelCache.Delete(ctx, accountID, labelName)
	_ = e.Labels.Delete(ctx, accountID, staleProviderLabelID)
	return e.resolveLabelID(ctx, provider, accountID, labelName)
}

func strOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// executeSnooze implements spec.md §4.5.1: validate the parameters,
// ensure the snooze label exists, move the message out of the inbox into
// the snooze label, and schedule the matching unsnooze job idempotently.
func (e *Executor) executeSnooze(ctx context.Context, provider domain.MailProviderClient, act *domain.Action, msg *domain.Message) (*MutationResult, error) {
	var params domain.SnoozeParameters
	if err := json.Unmarshal(act.Parameters, &params); err != nil {
		return nil, domain.Fatalf(err, "decode snooze parameters: %v", err)
	}
	until, err := resolveSnoozeUntil(params)
	if err != nil {
		return nil, domain.Fatalf(err, "%v", err)
	}

	pre, err := e.capturePreImage(ctx, provider, msg.ProviderMessageID)
	if err != nil {
		return nil, err
	}

	labelName := e.Config.SnoozeLabelName
	providerLabelID, err := e.resolveLabelID(ctx, provider, act.AccountID, labelName)
	if err != nil {
		return nil, err
	}

	if err := provider.ModifyMessage(ctx, msg.ProviderMessageID, []string{providerLabelID}, []string{domain.SystemLabelInbox}); err != nil {
		var perr *domain.ProviderError
		if errors.As(err, &perr) && perr.StatusCode == 404 {
			providerLabelID, err = e.invalidateAndRefreshLabel(ctx, provider, act.AccountID, labelName, providerLabelID)
			if err != nil {
				return nil, err
			}
			if err := provider.ModifyMessage(ctx, msg.ProviderMessageID, []string{providerLabelID}, []string{domain.SystemLabelInbox}); err != nil {
				return nil, err
			}
		} else {
			return nil, err
		}
	}

	payload, err := json.Marshal(domain.UnsnoozePayload{
		AccountID:     act.AccountID,
		MessageID:     act.MessageID,
		ActionID:      act.ID,
		SnoozeLabelID: providerLabelID,
	})
	if err != nil {
		return nil, domain.Fatalf(err, "encode unsnooze payload: %v", err)
	}
	idempotencyKey := fmt.Sprintf("unsnooze.gmail:%s:%s", act.AccountID, act.ID)
	jobID, err := e.Queue.EnqueueScheduled(ctx, domain.NewJob{
		OrgID:          act.OrgID,
		UserID:         act.UserID,
		Type:           domain.JobTypeUnsnoozeGmail,
		Payload:        payload,
		IdempotencyKey: &idempotencyKey,
		MaxAttempts:    5,
	}, until)
	if err != nil {
		return nil, err
	}

	return &MutationResult{
		PreImage:      pre,
		InverseAction: domain.ActionTypeNone,
		InverseParameters: map[string]any{
			"add_labels":              []string{domain.SystemLabelInbox},
			"remove_labels":           []string{providerLabelID},
			"cancel_unsnooze_job_id":  jobID,
			"note":                    "undo cancels the pending unsnooze job and restores the inbox label directly",
		},
		SnoozeUntil:   &until,
		SnoozeLabel:   providerLabelID,
		UnsnoozeJobID: jobID,
	}, nil
}

// resolveSnoozeUntil validates and computes the snooze target time per
// spec.md §4.5.1: Until XOR (Amount, Units), must resolve to a future time
// at most 365 days out.
func resolveSnoozeUntil(p domain.SnoozeParameters) (time.Time, error) {
	hasUntil := p.Until != nil
	hasDuration := p.Amount != nil && p.Units != nil
	if hasUntil == hasDuration {
		return time.Time{}, fmt.Errorf("snooze parameters must set exactly one of until or amount+units: %w", domain.ErrInvalidArgument)
	}

	var until time.Time
	if hasUntil {
		t, err := time.Parse(time.RFC3339, *p.Until)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid snooze until timestamp: %w: %w", err, domain.ErrInvalidArgument)
		}
		until = t
	} else {
		d, err := durationOf(*p.Amount, *p.Units)
		if err != nil {
			return time.Time{}, err
		}
		until = time.Now().UTC().Add(d)
	}

	now := time.Now().UTC()
	if !until.After(now) {
		return time.Time{}, fmt.Errorf("snooze until must be in the future: %w", domain.ErrInvalidArgument)
	}
	if until.After(now.Add(maxSnoozeHorizon)) {
		return time.Time{}, fmt.Errorf("snooze until may not exceed 365 days: %w", domain.ErrInvalidArgument)
	}
	return until, nil
}

func durationOf(amount int, units string) (time.Duration, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("snooze amount must be positive: %w", domain.ErrInvalidArgument)
	}
	switch units {
	case "minutes":
		return time.Duration(amount) * time.Minute, nil
	case "hours":
		return time.Duration(amount) * time.Hour, nil
	case "days":
		return time.Duration(amount) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unsupported snooze units %q: %w", units, domain.ErrInvalidArgument)
	}
}

// executeSend implements forward/auto_reply dispatch: build an
// OutboundMessage from the action's parameters and hand it to the
// provider's Send. Both action types are irreversible (spec.md §4.5 table).
func (e *Executor) executeSend(ctx context.Context, provider domain.MailProviderClient, act *domain.Action, msg *domain.Message) (*MutationResult, error) {
	var params sendParameters
	if err := json.Unmarshal(act.Parameters, &params); err != nil {
		return nil, domain.Fatalf(err, "decode send parameters: %v", err)
	}
	if len(params.To) == 0 {
		return nil, domain.Fatalf(domain.ErrInvalidArgument, "forward/auto_reply requires at least one recipient")
	}

	out := domain.OutboundMessage{
		To:                params.To,
		CC:                params.CC,
		BCC:               params.BCC,
		Subject:           params.Subject,
		BodyPlain:         params.BodyPlain,
		BodyHTML:          params.BodyHTML,
		OriginalMessageID: msg.ProviderMessageID,
		ThreadID:          msg.ThreadID,
	}
	sentMessageID, sentThreadID, err := provider.Send(ctx, out)
	if err != nil {
		return nil, err
	}
	return &MutationResult{
		InverseAction: domain.ActionTypeNone,
		Irreversible:  true,
		SentMessageID: sentMessageID,
		SentThreadID:  sentThreadID,
	}, nil
}

// sendParameters is the Action.Parameters shape for forward/auto_reply.
type sendParameters struct {
	To        []string `json:"to"`
	CC        []string `json:"cc,omitempty"`
	BCC       []string `json:"bcc,omitempty"`
	Subject   string   `json:"subject,omitempty"`
	BodyPlain string   `json:"body_plain,omitempty"`
	BodyHTML  string   `json:"body_html,omitempty"`
}
