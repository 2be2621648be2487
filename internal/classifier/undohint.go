package classifier

import "github.com/ashford-core/ashford-core/internal/domain"

// inverseHint is the structural (pre-image-free) inverse for an action
// type, used to synthesize DecisionOutput.InverseHint at classification
// time; the Provider Action Executor overwrites it with the real,
// pre-image-derived UndoHint once the action actually runs (spec.md
// §4.5's table, referenced by §4.6 step 4; see internal/executor's
// dispatch table for the authoritative version of this same mapping).
func inverseHintFor(actionType domain.ActionType, parameters map[string]any) (inverseAction domain.ActionType, inverseParameters map[string]any, irreversible bool) {
	switch actionType {
	case domain.ActionTypeArchive:
		return domain.ActionTypeApplyLabel, map[string]any{"label": domain.SystemLabelInbox}, false
	case domain.ActionTypeApplyLabel:
		return domain.ActionTypeRemoveLabel, map[string]any{"label": parameters["label"]}, false
	case domain.ActionTypeRemoveLabel:
		return domain.ActionTypeApplyLabel, map[string]any{"label": parameters["label"]}, false
	case domain.ActionTypeMarkRead:
		return domain.ActionTypeMarkUnread, map[string]any{}, false
	case domain.ActionTypeMarkUnread:
		return domain.ActionTypeMarkRead, map[string]any{}, false
	case domain.ActionTypeStar:
		return domain.ActionTypeUnstar, map[string]any{}, false
	case domain.ActionTypeUnstar:
		return domain.ActionTypeStar, map[string]any{}, false
	case domain.ActionTypeTrash:
		return domain.ActionTypeRestore, map[string]any{}, false
	case domain.ActionTypeRestore:
		return domain.ActionTypeTrash, map[string]any{}, false
	case domain.ActionTypeSnooze:
		return domain.ActionTypeNone, map[string]any{"note": "resolved at execution time from the scheduled unsnooze job"}, false
	case domain.ActionTypeDelete, domain.ActionTypeForward, domain.ActionTypeAutoReply:
		return domain.ActionTypeNone, map[string]any{}, true
	default:
		return domain.ActionTypeNone, map[string]any{}, true
	}
}
