package domain

import (
	"context"
	"time"
)

// DecisionSource reports which path produced a decision.
type DecisionSource string

const (
	DecisionDeterministic DecisionSource = "deterministic"
	DecisionLLM           DecisionSource = "llm"
)

// DecisionOutput is the structured shape both the deterministic rule
// synthesizer and the LLM tool-call must produce (spec.md §4.6). It is
// marshaled into Decision.DecisionJSON.
type DecisionOutput struct {
	Decision struct {
		ActionType    ActionType     `json:"action_type"`
		Parameters    map[string]any `json:"parameters"`
		Confidence    float64        `json:"confidence"`
		NeedsApproval bool           `json:"needs_approval"`
		Rationale     string         `json:"rationale"`
	} `json:"decision"`
	InverseHint struct {
		InverseAction     ActionType     `json:"inverse_action"`
		InverseParameters map[string]any `json:"inverse_parameters"`
		Irreversible      bool           `json:"irreversible"`
	} `json:"inverse_hint"`
}

// Telemetry is the structured shape persisted to Decision.TelemetryJSON.
type Telemetry struct {
	Source          DecisionSource `json:"source"`
	SafetyOverrides []string       `json:"safety_overrides"`
	RuleID          *string        `json:"rule_id,omitempty"`
	LLMModel        string         `json:"llm_model,omitempty"`
	LLMUsage        *LLMUsage      `json:"llm_usage,omitempty"`
}

// Decision is the persisted outcome of the classifier pipeline for one
// message.
type Decision struct {
	ID            string
	OrgID         string
	UserID        string
	MessageID     string
	Source        DecisionSource
	DecisionJSON  []byte
	ActionType    ActionType
	Confidence    float64
	NeedsApproval bool
	Rationale     string
	TelemetryJSON []byte
	CreatedAt     time.Time
}

// NewDecision carries caller-supplied fields for DecisionStore.Create.
type NewDecision struct {
	OrgID         string
	UserID        string
	MessageID     string
	Source        DecisionSource
	DecisionJSON  []byte
	ActionType    ActionType
	Confidence    float64
	NeedsApproval bool
	Rationale     string
	TelemetryJSON []byte
}

// DecisionStore is the persistence port for Decisions.
type DecisionStore interface {
	Create(ctx context.Context, d NewDecision) (*Decision, error)
	GetByID(ctx context.Context, orgID, userID, id string) (*Decision, error)
}
