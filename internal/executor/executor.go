// Package executor is the Provider Action Executor (C5): it dispatches a
// single queued action to the mail provider, captures the pre-image
// needed to undo it, and commits the result through the Action Store's
// state machine (spec.md §4.5). Grounded on the teacher's
// asynqadp.handleEvaluate (load -> mark processing -> do the work -> mark
// terminal, with observability hooks around each transition) generalized
// from one evaluate job type to a provider-mutation dispatch table, and
// on ai.CircuitBreaker for per-account trip protection.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/ashford-core/ashford-core/internal/config"
	"github.com/ashford-core/ashford-core/internal/domain"
	"github.com/ashford-core/ashford-core/internal/observability"
	"github.com/ashford-core/ashford-core/internal/queue"
	"github.com/ashford-core/ashford-core/internal/validate"
)

// LabelResolver is the subset of labelcache.Cache the executor needs,
// narrowed to an interface so tests can substitute a fake.
type LabelResolver interface {
	Get(ctx context.Context, accountID, labelName string) (string, bool)
	Set(ctx context.Context, accountID, labelName, providerLabelID string)
	Delete(ctx context.Context, accountID, labelName string)
}

// ProviderFactory resolves the mail-provider client for an account,
// refreshing tokens as needed; the refresh itself is the external
// collaborator's concern (spec.md §1).
type ProviderFactory func(ctx context.Context, accountID string) (domain.MailProviderClient, error)

// Executor wires the Action Store, Message Store, Label Store/Cache,
// Queue, and a provider client factory into the single handler that
// services `action.gmail` jobs.
type Executor struct {
	Actions   domain.ActionStore
	Messages  domain.MessageStore
	Labels    domain.LabelStore
	LabelCache LabelResolver
	Queue     *queue.Queue
	Providers ProviderFactory
	Config    config.Config

	mu       sync.Mutex
	breakers map[string]*observability.CircuitBreaker
}

// New constructs an Executor.
func New(actions domain.ActionStore, messages domain.MessageStore, labels domain.LabelStore,
	labelCache LabelResolver, q *queue.Queue, providers ProviderFactory, cfg config.Config) *Executor {
	return &Executor{
		Actions:    actions,
		Messages:   messages,
		Labels:     labels,
		LabelCache: labelCache,
		Queue:      q,
		Providers:  providers,
		Config:     cfg,
		breakers:   make(map[string]*observability.CircuitBreaker),
	}
}

func (e *Executor) breakerFor(accountID string) *observability.CircuitBreaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	cb, ok := e.breakers[accountID]
	if !ok {
		cb = observability.NewCircuitBreaker(e.Config.CircuitFailureThreshold, e.Config.CircuitRecoveryTimeout, 0.5)
		e.breakers[accountID] = cb
	}
	return cb
}

// Handle services an `action.gmail` job (spec.md §4.5 steps 1-8).
func (e *Executor) Handle(ctx context.Context, job *domain.Job) error {
	tracer := otel.Tracer("executor")
	ctx, span := tracer.Start(ctx, "executor.Execute")
	defer span.End()

	var payload domain.ActionJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return domain.Fatalf(err, "decode action job payload: %v", err)
	}
	if err := validate.Struct(payload); err != nil {
		return domain.Fatalf(err, "%v", err)
	}

	act, err := e.Actions.GetByID(ctx, job.OrgID, job.UserID, payload.ActionID)
	if err != nil {
		return domain.Fatalf(err, "load action %s: %v", payload.ActionID, err)
	}

	// Step 1: terminal or ApprovedPending actions are a no-op success
	// (crash-recovery retry landed on a job whose action already resolved).
	if act.Status.Terminal() || act.Status == domain.ActionApprovedPending {
		return nil
	}
	if act.Status == domain.ActionQueued {
		act, err = domain.MarkExecuting(ctx, e.Actions, job.OrgID, job.UserID, act.ID)
		if err != nil {
			return domain.Fatalf(err, "mark action executing: %v", err)
		}
	}
	// act.Status == Executing: continue (crash-recovery retry).

	// Step 2.
	if act.AccountID != payload.AccountID {
		_, _ = domain.MarkFailed(ctx, e.Actions, job.OrgID, job.UserID, act.ID, "account scope mismatch")
		return domain.Fatalf(domain.ErrScopeMismatch, "action %s belongs to account %s, job targets %s", act.ID, act.AccountID, payload.AccountID)
	}

	// Step 3.
	msg, err := e.Messages.GetByID(ctx, job.OrgID, job.UserID, act.MessageID)
	if err != nil {
		_, _ = domain.MarkFailed(ctx, e.Actions, job.OrgID, job.UserID, act.ID, "message not found")
		return domain.Fatalf(err, "resolve message %s: %v", act.MessageID, err)
	}

	// Step 4.
	cb := e.breakerFor(act.AccountID)
	if !cb.CanExecute() {
		observability.CircuitBreakerStatus.WithLabelValues(act.AccountID).Set(float64(cb.GetState()))
		return domain.Retryablef(domain.ErrUpstreamTimeout, nil, "circuit open for account %s", act.AccountID)
	}
	provider, err := e.Providers(ctx, act.AccountID)
	if err != nil {
		cb.RecordFailure()
		observability.CircuitBreakerStatus.WithLabelValues(act.AccountID).Set(float64(cb.GetState()))
		return domain.Fatalf(err, "obtain provider client for account %s: %v", act.AccountID, err)
	}

	result, mutateErr := e.dispatch(ctx, provider, act, msg)
	if mutateErr != nil {
		cb.RecordFailure()
		observability.CircuitBreakerStatus.WithLabelValues(act.AccountID).Set(float64(cb.GetState()))
		return e.resolveFailure(ctx, job, act, mutateErr)
	}
	cb.RecordSuccess()
	observability.CircuitBreakerStatus.WithLabelValues(act.AccountID).Set(float64(cb.GetState()))

	if act.ActionType == domain.ActionTypeDelete {
		// No pre-image; the undo hint only marks the action irreversible, per the action-type table.
		hint := domain.UndoHint{Action: act.ActionType, InverseAction: domain.ActionTypeNone, Irreversible: true, Note: "cannot undo"}
		return e.commit(ctx, job, act, hint)
	}

	hint := domain.UndoHint{
		Action:            act.ActionType,
		InverseAction:     result.InverseAction,
		InverseParameters: result.InverseParameters,
		PreLabels:         result.PreImage.Labels,
		PreUnread:         result.PreImage.Unread,
		PreStarred:        result.PreImage.Starred,
		PreInInbox:        result.PreImage.InInbox,
		PreInTrash:        result.PreImage.InTrash,
		Irreversible:      result.Irreversible,
		SentMessageID:     result.SentMessageID,
		SentThreadID:      result.SentThreadID,
	}
	if act.ActionType == domain.ActionTypeSnooze {
		hint.SnoozeUntil = result.SnoozeUntil
		hint.SnoozeLabel = result.SnoozeLabel
		hint.UnsnoozeJobID = result.UnsnoozeJobID
	}
	return e.commit(ctx, job, act, hint)
}

func (e *Executor) commit(ctx context.Context, job *domain.Job, act *domain.Action, hint domain.UndoHint) error {
	encoded, err := json.Marshal(hint)
	if err != nil {
		return domain.Fatalf(err, "encode undo hint: %v", err)
	}
	if _, err := domain.MarkCompletedWithUndoHint(ctx, e.Actions, job.OrgID, job.UserID, act.ID, encoded); err != nil {
		return domain.Fatalf(err, "mark action completed: %v", err)
	}
	return nil
}

// resolveFailure classifies a dispatch error and, per spec.md §4.5/§7,
// only moves the action to Failed when the error is fatal or the job's
// retry budget is exhausted; otherwise the action stays Executing so the
// next retry resumes cleanly.
func (e *Executor) resolveFailure(ctx context.Context, job *domain.Job, act *domain.Action, mutateErr error) error {
	je := classifyMutationErr(mutateErr)
	if je.Fatal || job.Attempts >= job.MaxAttempts {
		_, _ = domain.MarkFailed(ctx, e.Actions, job.OrgID, job.UserID, act.ID, je.Error())
	}
	return je
}

// classifyMutationErr maps a provider error (or a validation/unsupported-
// action error surfaced from dispatch) to Fatal|Retryable (spec.md §4.5
// "Failure classification", §4.9, §7).
func classifyMutationErr(err error) *domain.JobError {
	var je *domain.JobError
	if errors.As(err, &je) {
		return je
	}
	var perr *domain.ProviderError
	if errors.As(err, &perr) {
		switch {
		case perr.StatusCode == 401 || perr.StatusCode == 403:
			return domain.Fatalf(domain.ErrUpstreamAuth, "provider auth failed: %s", perr.Msg)
		case perr.StatusCode == 404:
			return domain.Fatalf(domain.ErrUpstreamGone, "provider resource not found: %s", perr.Msg)
		case perr.StatusCode == 429:
			return domain.Retryablef(domain.ErrUpstreamRateLimit, retryAfterOf(perr), "provider rate limited: %s", perr.Msg)
		case perr.StatusCode >= 500:
			return domain.Retryablef(domain.ErrUpstreamTimeout, retryAfterOf(perr), "provider server error: %s", perr.Msg)
		default:
			return domain.Fatalf(err, "provider error %d: %s", perr.StatusCode, perr.Msg)
		}
	}
	return domain.Retryablef(domain.ErrUpstreamTimeout, nil, "provider transport error: %v", err)
}

func retryAfterOf(perr *domain.ProviderError) *time.Duration {
	if perr.RetryAfter == nil {
		return nil
	}
	d := time.Duration(*perr.RetryAfter) * time.Second
	return &d
}

// MutationResult carries the inverse-action bookkeeping and (for snooze)
// the scheduling side effects produced by a single dispatch call.
type MutationResult struct {
	PreImage          PreImage
	InverseAction     domain.ActionType
	InverseParameters map[string]any
	Irreversible      bool
	SentMessageID     string
	SentThreadID      string
	SnoozeUntil       *time.Time
	SnoozeLabel       string
	UnsnoozeJobID     string
}

// dispatch performs the pre-image capture and provider mutation for
// act.ActionType (spec.md §4.5 steps 5-6), per the action-type table.
func (e *Executor) dispatch(ctx context.Context, provider domain.MailProviderClient, act *domain.Action, msg *domain.Message) (*MutationResult, error) {
	if act.ActionType == domain.ActionTypeSnooze {
		return e.executeSnooze(ctx, provider, act, msg)
	}
	if act.ActionType == domain.ActionTypeForward || act.ActionType == domain.ActionTypeAutoReply {
		return e.executeSend(ctx, provider, act, msg)
	}
	if act.ActionType == domain.ActionTypeDelete {
		if err := provider.Delete(ctx, msg.ProviderMessageID); err != nil {
			return nil, err
		}
		return &MutationResult{Irreversible: true}, nil
	}

	pre, err := e.capturePreImage(ctx, provider, msg.ProviderMessageID)
	if err != nil {
		return nil, err
	}

	switch act.ActionType {
	case domain.ActionTypeArchive:
		err = provider.ModifyMessage(ctx, msg.ProviderMessageID, nil, []string{domain.SystemLabelInbox})
		return &MutationResult{PreImage: pre, InverseAction: domain.ActionTypeApplyLabel,
			InverseParameters: map[string]any{"label": domain.SystemLabelInbox}}, err

	case domain.ActionTypeApplyLabel:
		label, perr := labelParam(act.Parameters)
		if perr != nil {
			return nil, domain.Fatalf(perr, "%v", perr)
		}
		providerLabelID, rerr := e.resolveLabelID(ctx, provider, act.AccountID, label)
		if rerr != nil {
			return nil, rerr
		}
		err = provider.ModifyMessage(ctx, msg.ProviderMessageID, []string{providerLabelID}, nil)
		return &MutationResult{PreImage: pre, InverseAction: domain.ActionTypeRemoveLabel,
			InverseParameters: map[string]any{"label": label}}, err

	case domain.ActionTypeRemoveLabel:
		label, perr := labelParam(act.Parameters)
		if perr != nil {
			return nil, domain.Fatalf(perr, "%v", perr)
		}
		providerLabelID, rerr := e.resolveLabelID(ctx, provider, act.AccountID, label)
		if rerr != nil {
			return nil, rerr
		}
		err = provider.ModifyMessage(ctx, msg.ProviderMessageID, nil, []string{providerLabelID})
		return &MutationResult{PreImage: pre, InverseAction: domain.ActionTypeApplyLabel,
			InverseParameters: map[string]any{"label": label}}, err

	case domain.ActionTypeMarkRead:
		err = provider.ModifyMessage(ctx, msg.ProviderMessageID, nil, []string{domain.SystemLabelUnread})
		return &MutationResult{PreImage: pre, InverseAction: domain.ActionTypeMarkUnread, InverseParameters: map[string]any{}}, err

	case domain.ActionTypeMarkUnread:
		err = provider.ModifyMessage(ctx, msg.ProviderMessageID, []string{domain.SystemLabelUnread}, nil)
		return &MutationResult{PreImage: pre, InverseAction: domain.ActionTypeMarkRead, InverseParameters: map[string]any{}}, err

	case domain.ActionTypeStar:
		err = provider.ModifyMessage(ctx, msg.ProviderMessageID, []string{domain.SystemLabelStarred}, nil)
		return &MutationResult{PreImage: pre, InverseAction: domain.ActionTypeUnstar, InverseParameters: map[string]any{}}, err

	case domain.ActionTypeUnstar:
		err = provider.ModifyMessage(ctx, msg.ProviderMessageID, nil, []string{domain.SystemLabelStarred})
		return &MutationResult{PreImage: pre, InverseAction: domain.ActionTypeStar, InverseParameters: map[string]any{}}, err

	case domain.ActionTypeTrash:
		err = provider.Trash(ctx, msg.ProviderMessageID)
		return &MutationResult{PreImage: pre, InverseAction: domain.ActionTypeRestore, InverseParameters: map[string]any{}}, err

	case domain.ActionTypeRestore:
		err = provider.Untrash(ctx, msg.ProviderMessageID)
		return &MutationResult{PreImage: pre, InverseAction: domain.ActionTypeTrash, InverseParameters: map[string]any{}}, err

	default:
		return nil, domain.Fatalf(domain.ErrUnsupportedAction, "unsupported action type %q", act.ActionType)
	}
}

// ExecuteInverse runs the mutation-set dispatch for an inverse action
// (spec.md §4.7 step 6, "dispatch by inverse_action using the same
// mutation set as §4.5"), used by the Undo Engine. inverseParameters is
// re-marshaled into the Action.Parameters JSON shape each mutation
// branch expects.
func (e *Executor) ExecuteInverse(ctx context.Context, provider domain.MailProviderClient, accountID, messageID string, msg *domain.Message, inverseAction domain.ActionType, inverseParameters map[string]any) (*MutationResult, error) {
	params, err := json.Marshal(inverseParameters)
	if err != nil {
		return nil, domain.Fatalf(err, "encode inverse parameters: %v", err)
	}
	synthetic := &domain.Action{
		AccountID:  accountID,
		MessageID:  messageID,
		ActionType: inverseAction,
		Parameters: params,
	}
	return e.dispatch(ctx, provider, synthetic, msg)
}

func (e *Executor) capturePreImage(ctx context.Context, provider domain.MailProviderClient, providerMessageID string) (PreImage, error) {
	labels, err := provider.GetMessageLabels(ctx, providerMessageID)
	if err != nil {
		return PreImage{}, err
	}
	return FromLabels(labels), nil
}

func labelParam(raw []byte) (string, error) {
	var p domain.LabelParameters
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", fmt.Errorf("decode label parameters: %w: %w", err, domain.ErrInvalidArgument)
	}
	if p.Label == "" {
		return "", fmt.Errorf("label parameter is required: %w", domain.ErrInvalidArgument)
	}
	return p.Label, nil
}
