package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/ashford-core/ashford-core/internal/domain"
)

// DecisionStore persists domain.Decision rows, the classifier pipeline's
// (C6) committed output.
type DecisionStore struct{ Pool PgxPool }

// NewDecisionStore constructs a DecisionStore with the given pool.
func NewDecisionStore(p PgxPool) *DecisionStore { return &DecisionStore{Pool: p} }

// Create inserts a new decision row.
func (s *DecisionStore) Create(ctx context.Context, d domain.NewDecision) (*domain.Decision, error) {
	tracer := otel.Tracer("store.decisions")
	ctx, span := tracer.Start(ctx, "decisions.Create")
	defer span.End()

	id := newID()
	now := time.Now().UTC()
	q := `
INSERT INTO decisions (id, org_id, user_id, message_id, source, decision_json, action_type,
                        confidence, needs_approval, rationale, telemetry_json, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
RETURNING id, org_id, user_id, message_id, source, decision_json, action_type, confidence,
          needs_approval, rationale, telemetry_json, created_at`
	row := s.Pool.QueryRow(ctx, q, id, d.OrgID, d.UserID, d.MessageID, d.Source, d.DecisionJSON,
		d.ActionType, d.Confidence, d.NeedsApproval, d.Rationale, d.TelemetryJSON, now)
	dec, err := scanDecision(row)
	if err != nil {
		return nil, fmt.Errorf("op=decision.create: %w", err)
	}
	return dec, nil
}

// GetByID loads a decision scoped by org/user.
func (s *DecisionStore) GetByID(ctx context.Context, orgID, userID, id string) (*domain.Decision, error) {
	tracer := otel.Tracer("store.decisions")
	ctx, span := tracer.Start(ctx, "decisions.GetByID")
	defer span.End()
	q := `SELECT id, org_id, user_id, message_id, source, decision_json, action_type, confidence,
          needs_approval, rationale, telemetry_json, created_at FROM decisions
          WHERE org_id=$1 AND user_id=$2 AND id=$3`
	row := s.Pool.QueryRow(ctx, q, orgID, userID, id)
	d, err := scanDecision(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("op=decision.get: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=decision.get: %w", err)
	}
	return d, nil
}

func scanDecision(row pgx.Row) (*domain.Decision, error) {
	var d domain.Decision
	if err := row.Scan(&d.ID, &d.OrgID, &d.UserID, &d.MessageID, &d.Source, &d.DecisionJSON,
		&d.ActionType, &d.Confidence, &d.NeedsApproval, &d.Rationale, &d.TelemetryJSON, &d.CreatedAt); err != nil {
		return nil, fmt.Errorf("op=decision.scan: %w", err)
	}
	return &d, nil
}

var _ domain.DecisionStore = (*DecisionStore)(nil)
