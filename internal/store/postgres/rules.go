package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/ashford-core/ashford-core/internal/domain"
)

// RuleStore persists domain.Rule and domain.Direction rows and answers the
// scope-union queries the Classifier Pipeline issues once per message
// (spec.md §4.6 step 2). Condition trees are stored as JSON
// (`condition_json`) and compiled lazily by the classifier, not here.
type RuleStore struct{ Pool PgxPool }

// NewRuleStore constructs a RuleStore with the given pool.
func NewRuleStore(p PgxPool) *RuleStore { return &RuleStore{Pool: p} }

// ListForScopes loads every rule applicable to any of the given scopes,
// deduplicated by id, ordered by priority ascending then created_at.
func (s *RuleStore) ListForScopes(ctx context.Context, orgID, userID string, scopes []domain.ScopeKey) ([]*domain.Rule, error) {
	tracer := otel.Tracer("store.rules")
	ctx, span := tracer.Start(ctx, "rules.ListForScopes")
	defer span.End()
	if len(scopes) == 0 {
		return nil, nil
	}

	scopeVals, valueVals := scopeColumns(scopes)
	q := `
SELECT DISTINCT ON (r.id) r.id, r.scope, r.scope_value, r.priority, r.condition_json,
       r.action_type, r.parameters, r.safe_mode, r.is_llm_rule, EXTRACT(EPOCH FROM r.created_at)::bigint
FROM rules r
JOIN unnest($3::text[], $4::text[]) AS sc(scope, value) ON r.scope = sc.scope AND r.scope_value = sc.value
WHERE r.org_id=$1 AND r.user_id=$2
ORDER BY r.id, r.priority ASC, r.created_at ASC`
	rows, err := s.Pool.Query(ctx, q, orgID, userID, scopeVals, valueVals)
	if err != nil {
		return nil, fmt.Errorf("op=rule.list_for_scopes: %w", err)
	}
	defer rows.Close()

	var out []*domain.Rule
	for rows.Next() {
		var r domain.Rule
		var conditionJSON, paramsJSON []byte
		if err := rows.Scan(&r.ID, &r.Scope, &r.ScopeValue, &r.Priority, &conditionJSON,
			&r.ActionType, &paramsJSON, &r.SafeMode, &r.IsLLMRule, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=rule.list_for_scopes.scan: %w", err)
		}
		if len(conditionJSON) > 0 {
			var cond domain.Condition
			if err := json.Unmarshal(conditionJSON, &cond); err != nil {
				return nil, fmt.Errorf("op=rule.list_for_scopes.decode_condition: %w", err)
			}
			r.Condition = &cond
		}
		if len(paramsJSON) > 0 {
			if err := json.Unmarshal(paramsJSON, &r.Parameters); err != nil {
				return nil, fmt.Errorf("op=rule.list_for_scopes.decode_parameters: %w", err)
			}
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=rule.list_for_scopes.rows: %w", err)
	}
	sortRulesByPriority(out)
	return out, nil
}

// ListDirectionsForScopes loads every operator direction applicable to any
// of the given scopes, ordered by priority ascending.
func (s *RuleStore) ListDirectionsForScopes(ctx context.Context, orgID, userID string, scopes []domain.ScopeKey) ([]*domain.Direction, error) {
	tracer := otel.Tracer("store.rules")
	ctx, span := tracer.Start(ctx, "rules.ListDirectionsForScopes")
	defer span.End()
	if len(scopes) == 0 {
		return nil, nil
	}

	scopeVals, valueVals := scopeColumns(scopes)
	q := `
SELECT DISTINCT ON (d.id) d.id, d.scope, d.scope_value, d.text, d.priority
FROM directions d
JOIN unnest($3::text[], $4::text[]) AS sc(scope, value) ON d.scope = sc.scope AND d.scope_value = sc.value
WHERE d.org_id=$1 AND d.user_id=$2
ORDER BY d.id, d.priority ASC`
	rows, err := s.Pool.Query(ctx, q, orgID, userID, scopeVals, valueVals)
	if err != nil {
		return nil, fmt.Errorf("op=rule.list_directions_for_scopes: %w", err)
	}
	defer rows.Close()

	var out []*domain.Direction
	for rows.Next() {
		var d domain.Direction
		if err := rows.Scan(&d.ID, &d.Scope, &d.ScopeValue, &d.Text, &d.Priority); err != nil {
			return nil, fmt.Errorf("op=rule.list_directions_for_scopes.scan: %w", err)
		}
		out = append(out, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=rule.list_directions_for_scopes.rows: %w", err)
	}
	sortDirectionsByPriority(out)
	return out, nil
}

func scopeColumns(scopes []domain.ScopeKey) (scopeVals, valueVals []string) {
	scopeVals = make([]string, len(scopes))
	valueVals = make([]string, len(scopes))
	for i, sc := range scopes {
		scopeVals[i] = string(sc.Scope)
		valueVals[i] = sc.Value
	}
	return scopeVals, valueVals
}

// sortRulesByPriority re-sorts in Go since the DISTINCT ON dedup above can
// reorder rows relative to the final priority/created_at ordering.
func sortRulesByPriority(rules []*domain.Rule) {
	for i := 1; i < len(rules); i++ {
		for j := i; j > 0 && less(rules[j], rules[j-1]); j-- {
			rules[j], rules[j-1] = rules[j-1], rules[j]
		}
	}
}

func less(a, b *domain.Rule) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.CreatedAt < b.CreatedAt
}

func sortDirectionsByPriority(directions []*domain.Direction) {
	for i := 1; i < len(directions); i++ {
		for j := i; j > 0 && directions[j].Priority < directions[j-1].Priority; j-- {
			directions[j], directions[j-1] = directions[j-1], directions[j]
		}
	}
}

var _ domain.RuleStore = (*RuleStore)(nil)
