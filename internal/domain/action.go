package domain

import (
	"context"
	"time"
)

// ActionStatus is the lifecycle state of a persisted provider mutation.
// CHECK-constrained in the store to these exact lowercase snake_case
// strings (spec.md §6).
type ActionStatus string

const (
	ActionQueued          ActionStatus = "queued"
	ActionApprovedPending  ActionStatus = "approved_pending"
	ActionExecuting        ActionStatus = "executing"
	ActionCompleted        ActionStatus = "completed"
	ActionFailed           ActionStatus = "failed"
	ActionCanceled         ActionStatus = "canceled"
	ActionRejected         ActionStatus = "rejected"
)

// Terminal reports whether s can never transition again.
func (s ActionStatus) Terminal() bool {
	switch s {
	case ActionCompleted, ActionFailed, ActionCanceled, ActionRejected:
		return true
	default:
		return false
	}
}

// ValidInitialStatus reports whether s is a legal status for Action.Create.
func ValidInitialStatus(s ActionStatus) bool {
	switch s {
	case ActionQueued, ActionExecuting, ActionApprovedPending:
		return true
	default:
		return false
	}
}

// allowedTransitions enumerates every legal (from, to) pair per spec.md §3.
var allowedTransitions = map[ActionStatus]map[ActionStatus]bool{
	ActionQueued: {
		ActionExecuting:       true,
		ActionCanceled:        true,
		ActionRejected:        true,
		ActionApprovedPending: true,
		ActionFailed:          true,
	},
	ActionExecuting: {
		ActionCompleted: true,
		ActionFailed:    true,
		ActionCanceled:  true,
	},
	ActionApprovedPending: {
		ActionQueued:   true,
		ActionCanceled: true,
		ActionRejected: true,
	},
}

// CanTransition reports whether moving an action from `from` to `to` is
// legal under the state machine in spec.md §3.
func CanTransition(from, to ActionStatus) bool {
	if from.Terminal() {
		return false
	}
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// ActionType identifies the provider mutation an Action represents.
type ActionType string

const (
	ActionTypeArchive     ActionType = "archive"
	ActionTypeApplyLabel  ActionType = "apply_label"
	ActionTypeRemoveLabel ActionType = "remove_label"
	ActionTypeMarkRead    ActionType = "mark_read"
	ActionTypeMarkUnread  ActionType = "mark_unread"
	ActionTypeStar        ActionType = "star"
	ActionTypeUnstar      ActionType = "unstar"
	ActionTypeTrash       ActionType = "trash"
	ActionTypeRestore     ActionType = "restore"
	ActionTypeDelete      ActionType = "delete"
	ActionTypeSnooze      ActionType = "snooze"
	ActionTypeForward     ActionType = "forward"
	ActionTypeAutoReply   ActionType = "auto_reply"
	// ActionTypeNone marks an action's inverse_action as "no inverse action
	// exists" (used by irreversible actions and by snooze, whose inverse is
	// modeled as a structured hint rather than a single ActionType).
	ActionTypeNone ActionType = "none"
)

// DangerLevel classifies an action type for safety enforcement (spec.md §4.6 step 6).
type DangerLevel int

const (
	DangerSafe DangerLevel = iota
	DangerRequiresApproval
)

// RequiresApproval reports whether this danger level forces needs_approval.
func (d DangerLevel) RequiresApproval() bool { return d == DangerRequiresApproval }

// dangerousActionTypes are always classified "dangerous" per spec.md §4.6 step 6.
var dangerousActionTypes = map[ActionType]bool{
	ActionTypeDelete:    true,
	ActionTypeForward:   true,
	ActionTypeAutoReply: true,
}

// DangerLevelOf classifies an action type's inherent risk.
func DangerLevelOf(t ActionType) DangerLevel {
	if dangerousActionTypes[t] {
		return DangerRequiresApproval
	}
	return DangerSafe
}

// Irreversible reports whether t's provider mutation has no inverse
// (spec.md §4.5 table: delete, forward, auto_reply).
func Irreversible(t ActionType) bool {
	switch t {
	case ActionTypeDelete, ActionTypeForward, ActionTypeAutoReply:
		return true
	default:
		return false
	}
}

// Action is a persisted, state-machine-governed provider mutation.
type Action struct {
	ID           string
	OrgID        string
	UserID       string
	AccountID    string
	MessageID    string
	DecisionID   *string
	ActionType   ActionType
	Parameters   []byte // opaque JSON blob
	Status       ActionStatus
	ErrorMessage *string
	ExecutedAt   *time.Time
	UndoHint     []byte // opaque JSON blob, see UndoHint
	TraceID      string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NewAction carries caller-supplied fields for ActionStore.Create.
type NewAction struct {
	OrgID      string
	UserID     string
	AccountID  string
	MessageID  string
	DecisionID *string
	ActionType ActionType
	Parameters []byte
	Status     ActionStatus
	TraceID    string
}

// UndoHint is the structured record persisted with a completed action,
// naming the inverse operation and its parameters (spec.md §6).
type UndoHint struct {
	Action             ActionType      `json:"action"`
	InverseAction      ActionType      `json:"inverse_action"`
	InverseParameters  map[string]any  `json:"inverse_parameters"`
	PreLabels          []string        `json:"pre_labels"`
	PreUnread          bool            `json:"pre_unread"`
	PreStarred         bool            `json:"pre_starred"`
	PreInInbox         bool            `json:"pre_in_inbox"`
	PreInTrash         bool            `json:"pre_in_trash"`
	Irreversible       bool            `json:"irreversible,omitempty"`
	SnoozeUntil        *time.Time      `json:"snooze_until,omitempty"`
	SnoozeLabel        string          `json:"snooze_label,omitempty"`
	UnsnoozeJobID      string          `json:"unsnooze_job_id,omitempty"`
	SentMessageID      string          `json:"sent_message_id,omitempty"`
	SentThreadID       string          `json:"sent_thread_id,omitempty"`
	Note               string          `json:"note,omitempty"`
}

// ActionStore is the Action Store + State Machine contract (C4).
type ActionStore interface {
	// Create inserts a new action row. Rejects statuses outside
	// {Queued, Executing, ApprovedPending} with ErrInvalidInitialStatus.
	Create(ctx context.Context, a NewAction) (*Action, error)
	GetByID(ctx context.Context, orgID, userID, id string) (*Action, error)
	ListByMessage(ctx context.Context, orgID, userID, messageID string) ([]*Action, error)
	ListByStatus(ctx context.Context, orgID, userID string, status ActionStatus) ([]*Action, error)
	ListByDecision(ctx context.Context, orgID, userID, decisionID string) ([]*Action, error)
	// UpdateStatus performs a CAS transition gated on the row's current
	// status. On a lost race it re-reads the latest status and returns
	// *InvalidStatusTransitionError naming it.
	UpdateStatus(ctx context.Context, orgID, userID, id string, next ActionStatus, errMsg *string, executedAt *time.Time) (*Action, error)
	// UpdateUndoHint overwrites undo_hint without touching status.
	UpdateUndoHint(ctx context.Context, orgID, userID, id string, hint []byte) error
}

// MarkExecuting is a convenience wrapper transitioning to Executing.
func MarkExecuting(ctx context.Context, s ActionStore, orgID, userID, id string) (*Action, error) {
	now := time.Now().UTC()
	return s.UpdateStatus(ctx, orgID, userID, id, ActionExecuting, nil, &now)
}

// MarkCompleted is a convenience wrapper transitioning to Completed.
func MarkCompleted(ctx context.Context, s ActionStore, orgID, userID, id string) (*Action, error) {
	now := time.Now().UTC()
	return s.UpdateStatus(ctx, orgID, userID, id, ActionCompleted, nil, &now)
}

// MarkCompletedWithUndoHint persists the undo hint and then transitions to
// Completed. The two writes are separate store calls, not one transaction:
// if the transition fails, the hint has already been written.
func MarkCompletedWithUndoHint(ctx context.Context, s ActionStore, orgID, userID, id string, hint []byte) (*Action, error) {
	if err := s.UpdateUndoHint(ctx, orgID, userID, id, hint); err != nil {
		return nil, err
	}
	return MarkCompleted(ctx, s, orgID, userID, id)
}

// MarkFailed is a convenience wrapper transitioning to Failed with a message.
func MarkFailed(ctx context.Context, s ActionStore, orgID, userID, id, msg string) (*Action, error) {
	now := time.Now().UTC()
	return s.UpdateStatus(ctx, orgID, userID, id, ActionFailed, &msg, &now)
}
