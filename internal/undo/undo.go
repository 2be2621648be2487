// Package undo is the Undo Engine (C7): reads a completed action's undo
// hint, creates the paired undo action, executes the inverse mutation
// through the same provider dispatch table as the executor, and cancels
// any companion scheduled job (spec.md §4.7). Grounded on the teacher's
// asynqadp compensating-action pattern in internal/app (detect a fatal
// result at a later stage, issue the compensating store write) combined
// with action_links.go's unique-constraint race handling.
package undo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/ashford-core/ashford-core/internal/domain"
	"github.com/ashford-core/ashford-core/internal/executor"
	"github.com/ashford-core/ashford-core/internal/queue"
	"github.com/ashford-core/ashford-core/internal/validate"
)

// Engine services `undo.action` jobs.
type Engine struct {
	Actions     domain.ActionStore
	ActionLinks domain.ActionLinkStore
	Messages    domain.MessageStore
	Queue       *queue.Queue
	Providers   executor.ProviderFactory
	Mutator     *executor.Executor // reused for ExecuteInverse and its circuit breakers
}

// New constructs an Engine.
func New(actions domain.ActionStore, links domain.ActionLinkStore, messages domain.MessageStore,
	q *queue.Queue, providers executor.ProviderFactory, mutator *executor.Executor) *Engine {
	return &Engine{Actions: actions, ActionLinks: links, Messages: messages, Queue: q, Providers: providers, Mutator: mutator}
}

// undoParameters is the Parameters blob stored on the undo action itself
// (spec.md §4.7 step 3: "{original_action_id, inverse_action,
// inverse_parameters, job_id}").
type undoParameters struct {
	OriginalActionID  string            `json:"original_action_id"`
	InverseAction     domain.ActionType `json:"inverse_action"`
	InverseParameters map[string]any    `json:"inverse_parameters"`
	JobID             string            `json:"job_id"`
}

// Handle implements spec.md §4.7 steps 1-9.
func (e *Engine) Handle(ctx context.Context, job *domain.Job) error {
	tracer := otel.Tracer("undo")
	ctx, span := tracer.Start(ctx, "undo.Execute")
	defer span.End()

	var payload domain.UndoActionPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return domain.Fatalf(err, "decode undo job payload: %v", err)
	}
	if err := validate.Struct(payload); err != nil {
		return domain.Fatalf(err, "%v", err)
	}

	original, err := e.Actions.GetByID(ctx, job.OrgID, job.UserID, payload.OriginalActionID)
	if err != nil {
		return domain.Fatalf(err, "load original action %s: %v", payload.OriginalActionID, err)
	}

	// Step 2.
	if original.AccountID != payload.AccountID {
		return domain.Fatalf(domain.ErrScopeMismatch, "action %s belongs to account %s, job targets %s",
			original.ID, original.AccountID, payload.AccountID)
	}
	if original.Status != domain.ActionCompleted {
		return domain.Fatalf(domain.ErrInvalidArgument, "action %s is not completed (status=%s)", original.ID, original.Status)
	}
	var hint domain.UndoHint
	if len(original.UndoHint) > 0 {
		if err := json.Unmarshal(original.UndoHint, &hint); err != nil {
			return domain.Fatalf(err, "decode undo hint for action %s: %v", original.ID, err)
		}
	}
	if hint.Irreversible || (hint.InverseAction == domain.ActionTypeNone && original.ActionType != domain.ActionTypeSnooze) {
		return domain.Fatalf(domain.ErrInvalidArgument, "action %s is not reversible", original.ID)
	}

	undoAction, existing, lostRace, err := e.loadOrCreateUndo(ctx, job, original, hint)
	if err != nil {
		return err
	}
	if lostRace {
		// Step 4: a concurrent job already owns this undo. Succeed on the winner.
		return nil
	}
	if existing {
		var params undoParameters
		if err := json.Unmarshal(undoAction.Parameters, &params); err != nil {
			return domain.Fatalf(err, "decode undo action parameters: %v", err)
		}
		if undoAction.Status != domain.ActionExecuting || params.JobID != job.ID {
			return domain.Fatalf(domain.ErrConflict, "a parallel undo run is already in progress for action %s", original.ID)
		}
	}

	msg, err := e.Messages.GetByID(ctx, job.OrgID, job.UserID, original.MessageID)
	if err != nil {
		return domain.Fatalf(err, "resolve message %s: %v", original.MessageID, err)
	}
	provider, err := e.Providers(ctx, original.AccountID)
	if err != nil {
		return domain.Fatalf(err, "obtain provider client for account %s: %v", original.AccountID, err)
	}

	if original.ActionType == domain.ActionTypeSnooze {
		err = e.undoSnooze(ctx, provider, msg.ProviderMessageID, hint)
	} else {
		_, err = e.Mutator.ExecuteInverse(ctx, provider, original.AccountID, original.MessageID, msg, hint.InverseAction, hint.InverseParameters)
	}
	if err != nil {
		return e.resolveFailure(ctx, job, undoAction, err)
	}

	completedHint, _ := json.Marshal(domain.UndoHint{Note: "undo action - not reversible", Irreversible: true})
	if _, err := domain.MarkCompletedWithUndoHint(ctx, e.Actions, job.OrgID, job.UserID, undoAction.ID, completedHint); err != nil {
		return domain.Fatalf(err, "mark undo action completed: %v", err)
	}
	return nil
}

// undoSnooze implements spec.md §4.7 step 6's snooze special case: cancel
// the pending unsnooze job (benign if already gone), then restore the
// inbox label directly.
func (e *Engine) undoSnooze(ctx context.Context, provider domain.MailProviderClient, providerMessageID string, hint domain.UndoHint) error {
	if hint.UnsnoozeJobID != "" {
		if err := e.Queue.Cancel(ctx, hint.UnsnoozeJobID); err != nil &&
			!errors.Is(err, domain.ErrNotRunning) && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
	}
	var addLabels, removeLabels []string
	if v, ok := hint.InverseParameters["add_labels"]; ok {
		addLabels = toStringSlice(v)
	}
	if v, ok := hint.InverseParameters["remove_labels"]; ok {
		removeLabels = toStringSlice(v)
	}
	return provider.ModifyMessage(ctx, providerMessageID, addLabels, removeLabels)
}

func toStringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// loadOrCreateUndo implements spec.md §4.7 steps 1, 3, 4: find any prior
// undo link for this action; if none, create the undo action and link it,
// handling a lost unique-constraint race by marking this run's undo Failed
// and returning the winner's row (with existing=true) instead.
func (e *Engine) loadOrCreateUndo(ctx context.Context, job *domain.Job, original *domain.Action, hint domain.UndoHint) (undoAction *domain.Action, existing, lostRace bool, err error) {
	link, err := e.ActionLinks.FindByEffect(ctx, original.ID, domain.RelationUndoOf)
	if err == nil {
		a, gerr := e.Actions.GetByID(ctx, job.OrgID, job.UserID, link.CauseActionID)
		if gerr != nil {
			return nil, false, false, domain.Fatalf(gerr, "load existing undo action %s: %v", link.CauseActionID, gerr)
		}
		return a, true, false, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, false, false, domain.Fatalf(err, "look up undo link: %v", err)
	}

	params := undoParameters{
		OriginalActionID:  original.ID,
		InverseAction:     hint.InverseAction,
		InverseParameters: hint.InverseParameters,
		JobID:             job.ID,
	}
	encoded, merr := json.Marshal(params)
	if merr != nil {
		return nil, false, false, domain.Fatalf(merr, "encode undo parameters: %v", merr)
	}

	created, cerr := e.Actions.Create(ctx, domain.NewAction{
		OrgID:      job.OrgID,
		UserID:     job.UserID,
		AccountID:  original.AccountID,
		MessageID:  original.MessageID,
		ActionType: domain.ActionType(fmt.Sprintf("undo_%s", original.ActionType)),
		Parameters: encoded,
		Status:     domain.ActionExecuting,
		TraceID:    original.TraceID,
	})
	if cerr != nil {
		return nil, false, false, domain.Fatalf(cerr, "create undo action: %v", cerr)
	}

	linkErr := e.ActionLinks.Create(ctx, domain.ActionLink{
		CauseActionID: created.ID, EffectActionID: original.ID, RelationType: domain.RelationUndoOf,
	})
	if linkErr == nil {
		return created, false, false, nil
	}
	if !errors.Is(linkErr, domain.ErrConflict) {
		return nil, false, false, domain.Fatalf(linkErr, "link undo action: %v", linkErr)
	}

	// Lost the race (step 4): mark this run's undo Failed and adopt the winner.
	_, _ = domain.MarkFailed(ctx, e.Actions, job.OrgID, job.UserID, created.ID, "lost undo lock")
	winnerLink, ferr := e.ActionLinks.FindByEffect(ctx, original.ID, domain.RelationUndoOf)
	if ferr != nil {
		return nil, false, false, domain.Fatalf(ferr, "re-read undo link after lost race: %v", ferr)
	}
	winner, gerr := e.Actions.GetByID(ctx, job.OrgID, job.UserID, winnerLink.CauseActionID)
	if gerr != nil {
		return nil, false, false, domain.Fatalf(gerr, "load winning undo action %s: %v", winnerLink.CauseActionID, gerr)
	}
	return winner, true, true, nil
}

// resolveFailure classifies an inverse-dispatch error per spec.md §4.7
// steps 8-9: a 404 marks the undo Failed but returns success to the job
// runner; a retryable error leaves the undo Executing until attempts are
// exhausted, then marks Failed and still returns the error upward.
func (e *Engine) resolveFailure(ctx context.Context, job *domain.Job, undoAction *domain.Action, mutateErr error) error {
	var perr *domain.ProviderError
	if errors.As(mutateErr, &perr) && perr.StatusCode == 404 {
		_, _ = domain.MarkFailed(ctx, e.Actions, job.OrgID, job.UserID, undoAction.ID, "provider resource not found")
		return nil
	}
	je := classifyErr(mutateErr)
	if je.Fatal || job.Attempts >= job.MaxAttempts {
		_, _ = domain.MarkFailed(ctx, e.Actions, job.OrgID, job.UserID, undoAction.ID, je.Error())
	}
	return je
}

func classifyErr(err error) *domain.JobError {
	var je *domain.JobError
	if errors.As(err, &je) {
		return je
	}
	var perr *domain.ProviderError
	if errors.As(err, &perr) {
		switch {
		case perr.StatusCode == 401 || perr.StatusCode == 403:
			return domain.Fatalf(domain.ErrUpstreamAuth, "provider auth failed: %s", perr.Msg)
		case perr.StatusCode >= 500 || perr.StatusCode == 429:
			return domain.Retryablef(domain.ErrUpstreamTimeout, nil, "provider error: %s", perr.Msg)
		default:
			return domain.Fatalf(err, "provider error %d: %s", perr.StatusCode, perr.Msg)
		}
	}
	return domain.Retryablef(domain.ErrUpstreamTimeout, nil, "transport error: %v", err)
}
