// Package classifier is the Classifier Pipeline (C6): it evaluates a
// message against deterministic rules, falls back to an LLM tool-call
// when none match, applies safety enforcement, and persists the
// resulting Decision and Action (spec.md §4.6). Grounded on the
// teacher's asynqadp.handleEvaluate two-phase shape (try a fast,
// deterministic path first, fall back to the AI client) and on
// ai.CircuitBreaker for LLM-call trip protection; regex-tree evaluation
// is grounded on original_source rules/conditions.rs.
package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"

	"github.com/ashford-core/ashford-core/internal/adapter/ai/tokencount"
	"github.com/ashford-core/ashford-core/internal/config"
	"github.com/ashford-core/ashford-core/internal/domain"
	"github.com/ashford-core/ashford-core/internal/observability"
	"github.com/ashford-core/ashford-core/internal/queue"
	"github.com/ashford-core/ashford-core/internal/validate"
)

// Classifier services `classify` jobs.
type Classifier struct {
	Rules     domain.RuleStore
	Decisions domain.DecisionStore
	Actions   domain.ActionStore
	Messages  domain.MessageStore
	Queue     *queue.Queue
	LLM       domain.LLMClient
	Config    config.Config

	breaker *observability.CircuitBreaker
	tokens  *tokencount.Counter
}

// New constructs a Classifier.
func New(rules domain.RuleStore, decisions domain.DecisionStore, actions domain.ActionStore,
	messages domain.MessageStore, q *queue.Queue, llm domain.LLMClient, cfg config.Config) *Classifier {
	return &Classifier{
		Rules:     rules,
		Decisions: decisions,
		Actions:   actions,
		Messages:  messages,
		Queue:     q,
		LLM:       llm,
		Config:    cfg,
		breaker:   observability.NewCircuitBreaker(cfg.CircuitFailureThreshold, cfg.CircuitRecoveryTimeout, 0.5),
		tokens:    tokencount.NewCounter(),
	}
}

// Handle implements spec.md §4.6 steps 1-9.
func (c *Classifier) Handle(ctx context.Context, job *domain.Job) error {
	tracer := otel.Tracer("classifier")
	ctx, span := tracer.Start(ctx, "classifier.Classify")
	defer span.End()

	var payload domain.ClassifyPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return domain.Fatalf(err, "decode classify job payload: %v", err)
	}
	if err := validate.Struct(payload); err != nil {
		return domain.Fatalf(err, "%v", err)
	}

	// Step 1.
	msg, err := c.Messages.GetByID(ctx, job.OrgID, job.UserID, payload.MessageID)
	if err != nil {
		return domain.Fatalf(err, "load message %s: %v", payload.MessageID, err)
	}
	if msg.AccountID != payload.AccountID {
		return domain.Fatalf(domain.ErrScopeMismatch, "message %s belongs to account %s, job targets %s",
			msg.ID, msg.AccountID, payload.AccountID)
	}

	scopes := scopesFor(payload.AccountID, msg.FromEmail)
	rules, err := c.Rules.ListForScopes(ctx, job.OrgID, job.UserID, scopes)
	if err != nil {
		return fmt.Errorf("op=classifier.list_rules: %w", err)
	}

	var deterministic, llmSteering []*domain.Rule
	for _, r := range rules {
		if r.IsLLMRule {
			llmSteering = append(llmSteering, r)
		} else {
			deterministic = append(deterministic, r)
		}
	}

	out, telemetry, matchedRule, err := c.evaluateDeterministic(deterministic, msg)
	if err != nil {
		return domain.Fatalf(err, "%v", err)
	}

	if out == nil {
		// Step 5: no deterministic match, fall back to the LLM.
		directions, derr := c.Rules.ListDirectionsForScopes(ctx, job.OrgID, job.UserID, scopes)
		if derr != nil {
			return fmt.Errorf("op=classifier.list_directions: %w", derr)
		}
		out, telemetry, err = c.classifyWithLLM(ctx, msg, directions, llmSteering)
		if err != nil {
			return err
		}
	}

	skipEnforcement := matchedRule != nil &&
		(matchedRule.SafeMode == domain.SafeModeDangerousOverride || matchedRule.SafeMode == domain.SafeModeAlwaysSafe)
	if !skipEnforcement {
		c.enforceSafety(out, telemetry)
	}

	decisionJSON, err := json.Marshal(out)
	if err != nil {
		return domain.Fatalf(err, "encode decision: %v", err)
	}
	telemetryJSON, err := json.Marshal(telemetry)
	if err != nil {
		return domain.Fatalf(err, "encode telemetry: %v", err)
	}

	decision, err := c.Decisions.Create(ctx, domain.NewDecision{
		OrgID:         job.OrgID,
		UserID:        job.UserID,
		MessageID:     payload.MessageID,
		Source:        telemetry.Source,
		DecisionJSON:  decisionJSON,
		ActionType:    out.Decision.ActionType,
		Confidence:    out.Decision.Confidence,
		NeedsApproval: out.Decision.NeedsApproval,
		Rationale:     out.Decision.Rationale,
		TelemetryJSON: telemetryJSON,
	})
	if err != nil {
		return fmt.Errorf("op=classifier.persist_decision: %w", err)
	}

	status := domain.ActionQueued
	if out.Decision.NeedsApproval {
		status = domain.ActionApprovedPending
	}
	parameters, err := json.Marshal(out.Decision.Parameters)
	if err != nil {
		return domain.Fatalf(err, "encode action parameters: %v", err)
	}
	undoHint, err := json.Marshal(domain.UndoHint{
		Action:            out.Decision.ActionType,
		InverseAction:     out.InverseHint.InverseAction,
		InverseParameters: out.InverseHint.InverseParameters,
		Irreversible:      out.InverseHint.Irreversible,
	})
	if err != nil {
		return domain.Fatalf(err, "encode undo hint: %v", err)
	}

	action, err := c.Actions.Create(ctx, domain.NewAction{
		OrgID:      job.OrgID,
		UserID:     job.UserID,
		AccountID:  payload.AccountID,
		MessageID:  payload.MessageID,
		DecisionID: &decision.ID,
		ActionType: out.Decision.ActionType,
		Parameters: parameters,
		Status:     status,
		TraceID:    job.ID,
	})
	if err != nil {
		return fmt.Errorf("op=classifier.persist_action: %w", err)
	}
	if err := c.Actions.UpdateUndoHint(ctx, job.OrgID, job.UserID, action.ID, undoHint); err != nil {
		return fmt.Errorf("op=classifier.persist_undo_hint: %w", err)
	}

	return c.enqueueFollowUp(ctx, job, out.Decision.NeedsApproval, payload.AccountID, payload.MessageID, action.ID)
}

func (c *Classifier) enqueueFollowUp(ctx context.Context, job *domain.Job, needsApproval bool, accountID, messageID, actionID string) error {
	payload, err := json.Marshal(domain.ActionJobPayload{AccountID: accountID, ActionID: actionID})
	if err != nil {
		return domain.Fatalf(err, "encode follow-up job payload: %v", err)
	}

	jobType := domain.JobTypeActionGmail
	opName := "enqueue_action"
	if needsApproval {
		jobType = domain.JobTypeApprovalNotify
		opName = "enqueue_approval_notify"
	}
	key := fmt.Sprintf("%s:%s:%s:%s", jobType, accountID, messageID, actionID)
	if _, err := c.Queue.Enqueue(ctx, domain.NewJob{
		OrgID: job.OrgID, UserID: job.UserID, Type: jobType,
		Payload: payload, IdempotencyKey: &key, MaxAttempts: 5,
	}); err != nil {
		return fmt.Errorf("op=classifier.%s: %w", opName, err)
	}
	return nil
}

// evaluateDeterministic implements spec.md §4.6 steps 2-4: rules is
// already ordered priority-ascending/created_at-ascending by the store,
// so the first matching condition tree wins.
func (c *Classifier) evaluateDeterministic(rules []*domain.Rule, msg *domain.Message) (*domain.DecisionOutput, *domain.Telemetry, *domain.Rule, error) {
	ctx := newEvalContext()
	for _, rule := range rules {
		ok, err := evaluate(rule.Condition, msg, ctx)
		if err != nil {
			return nil, nil, nil, err
		}
		if !ok {
			continue
		}

		needsApproval := false
		if rule.SafeMode != domain.SafeModeDangerousOverride && rule.SafeMode != domain.SafeModeAlwaysSafe {
			needsApproval = domain.DangerLevelOf(rule.ActionType).RequiresApproval()
		}
		inverseAction, inverseParams, irreversible := inverseHintFor(rule.ActionType, rule.Parameters)

		out := &domain.DecisionOutput{}
		out.Decision.ActionType = rule.ActionType
		out.Decision.Parameters = rule.Parameters
		out.Decision.Confidence = 1.0
		out.Decision.NeedsApproval = needsApproval
		out.Decision.Rationale = fmt.Sprintf("matched rule %s (scope=%s, priority=%d)", rule.ID, rule.Scope, rule.Priority)
		out.InverseHint.InverseAction = inverseAction
		out.InverseHint.InverseParameters = inverseParams
		out.InverseHint.Irreversible = irreversible

		ruleID := rule.ID
		telemetry := &domain.Telemetry{Source: domain.DecisionDeterministic, RuleID: &ruleID}
		return out, telemetry, rule, nil
	}
	return nil, nil, nil, nil
}

// classifyWithLLM implements spec.md §4.6 step 5.
func (c *Classifier) classifyWithLLM(ctx context.Context, msg *domain.Message, directions []*domain.Direction, llmRules []*domain.Rule) (*domain.DecisionOutput, *domain.Telemetry, error) {
	if !c.breaker.CanExecute() {
		return nil, nil, domain.Retryablef(domain.ErrUpstreamTimeout, nil, "circuit open for LLM classification")
	}

	systemPrompt := buildSystemPrompt(directions, llmRules)
	userPrompt := buildUserPrompt(msg)
	if estimate, err := c.tokens.CountChatTokens(systemPrompt, userPrompt, "gpt-4"); err == nil {
		slog.Debug("classifier prompt token estimate", slog.Int("estimated_prompt_tokens", estimate), slog.String("message_id", msg.ID))
	}

	resp, err := c.LLM.Complete(ctx, domain.LLMRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		Tools:        []domain.LLMTool{decisionTool()},
		Temperature:  c.Config.LLMTemperature,
		MaxTokens:    c.Config.LLMMaxTokens,
	})
	if err != nil {
		c.breaker.RecordFailure()
		return nil, nil, fmt.Errorf("op=classifier.llm_complete: %w", err)
	}
	c.breaker.RecordSuccess()
	observability.LLMTokenUsage.WithLabelValues("prompt").Add(float64(resp.Usage.PromptTokens))
	observability.LLMTokenUsage.WithLabelValues("completion").Add(float64(resp.Usage.CompletionTokens))

	var call *domain.LLMToolCall
	for i := range resp.ToolCalls {
		if resp.ToolCalls[i].Name == recordDecisionTool {
			call = &resp.ToolCalls[i]
			break
		}
	}
	if call == nil {
		return nil, nil, domain.Fatal("LLM response contained no record_decision tool call")
	}

	var out domain.DecisionOutput
	if err := json.Unmarshal(call.Arguments, &out); err != nil {
		return nil, nil, domain.Fatalf(err, "decode LLM decision: %v", err)
	}

	telemetry := &domain.Telemetry{Source: domain.DecisionLLM, LLMUsage: &resp.Usage}
	return &out, telemetry, nil
}

// enforceSafety implements spec.md §4.6 step 6, recording every applied
// override so step 7 can persist a consistent telemetry_json.
func (c *Classifier) enforceSafety(out *domain.DecisionOutput, telemetry *domain.Telemetry) {
	var overrides []string
	alreadyRequired := out.Decision.NeedsApproval
	needsApproval := alreadyRequired
	actionType := string(out.Decision.ActionType)

	if c.Config.ApprovalAlwaysSet()[actionType] {
		if !alreadyRequired {
			overrides = append(overrides, "approval_always")
		}
		needsApproval = true
	}
	if domain.DangerLevelOf(out.Decision.ActionType).RequiresApproval() {
		if !alreadyRequired {
			overrides = append(overrides, "dangerous_action")
		}
		needsApproval = true
	}
	if out.Decision.Confidence < c.Config.ConfidenceDefault {
		if !alreadyRequired {
			overrides = append(overrides, "low_confidence")
		}
		needsApproval = true
	}

	out.Decision.NeedsApproval = needsApproval
	telemetry.SafetyOverrides = overrides
}

// scopesFor builds the Global/Account/Domain/Sender scope union a
// message's sender resolves to (spec.md §4.6 step 2).
func scopesFor(accountID, fromEmail string) []domain.ScopeKey {
	scopes := []domain.ScopeKey{
		{Scope: domain.ScopeGlobal},
		{Scope: domain.ScopeAccount, Value: accountID},
	}
	fromEmail = strings.TrimSpace(fromEmail)
	if fromEmail == "" {
		return scopes
	}
	if d, ok := extractDomain(fromEmail); ok {
		scopes = append(scopes, domain.ScopeKey{Scope: domain.ScopeDomain, Value: strings.ToLower(d)})
	}
	scopes = append(scopes, domain.ScopeKey{Scope: domain.ScopeSender, Value: strings.ToLower(fromEmail)})
	return scopes
}
