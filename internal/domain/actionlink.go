package domain

import "context"

// RelationType enumerates the kinds of links between actions. Only UndoOf
// is currently used (spec.md §6).
type RelationType string

const RelationUndoOf RelationType = "undo_of"

// ActionLink records that CauseActionID is an undo (or future relation
// kind) of EffectActionID. The store enforces uniqueness on
// (effect_action_id, relation_type), which is how the Undo Engine locks
// "only one undo may be in flight per original action".
type ActionLink struct {
	CauseActionID  string
	EffectActionID string
	RelationType   RelationType
	CreatedAt      int64
}

// ActionLinkStore is the persistence port for Action Links.
type ActionLinkStore interface {
	// Create inserts a link. A unique-constraint violation on
	// (effect_action_id, relation_type) returns an error wrapping
	// ErrConflict so the caller can detect the race.
	Create(ctx context.Context, link ActionLink) error
	// FindByEffect finds the (at most one) link of the given relation whose
	// effect is the given original action, whatever the status of its cause.
	FindByEffect(ctx context.Context, effectActionID string, relation RelationType) (*ActionLink, error)
}
