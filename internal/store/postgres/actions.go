package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ashford-core/ashford-core/internal/domain"
	"github.com/ashford-core/ashford-core/internal/observability"
)

// ActionStore persists domain.Action rows with CAS-guarded status
// transitions, grounded on the teacher's JobRepo.UpdateStatus (explicit
// transaction, RowsAffected check) generalized to `WHERE status = $expected`.
type ActionStore struct{ Pool PgxPool }

// NewActionStore constructs an ActionStore with the given pool.
func NewActionStore(p PgxPool) *ActionStore { return &ActionStore{Pool: p} }

// Create inserts a new action row, rejecting illegal initial statuses.
func (s *ActionStore) Create(ctx context.Context, a domain.NewAction) (*domain.Action, error) {
	if !domain.ValidInitialStatus(a.Status) {
		return nil, fmt.Errorf("op=action.create: %w", domain.ErrInvalidInitialStatus)
	}
	tracer := otel.Tracer("store.actions")
	ctx, span := tracer.Start(ctx, "actions.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "actions"),
	)

	id := newID()
	now := time.Now().UTC()
	var executedAt *time.Time
	if a.Status == domain.ActionExecuting {
		executedAt = &now
	}
	q := `
INSERT INTO actions (id, org_id, user_id, account_id, message_id, decision_id, action_type,
                      parameters, status, executed_at, trace_id, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$12)
RETURNING id, org_id, user_id, account_id, message_id, decision_id, action_type, parameters,
          status, error_message, executed_at, undo_hint, trace_id, created_at, updated_at`
	row := s.Pool.QueryRow(ctx, q, id, a.OrgID, a.UserID, a.AccountID, a.MessageID, a.DecisionID,
		a.ActionType, a.Parameters, a.Status, executedAt, a.TraceID, now)
	act, err := scanAction(row)
	if err != nil {
		return nil, fmt.Errorf("op=action.create: %w", err)
	}
	observability.RecordTransition("", string(act.Status))
	return act, nil
}

// GetByID loads an action scoped by org/user.
func (s *ActionStore) GetByID(ctx context.Context, orgID, userID, id string) (*domain.Action, error) {
	tracer := otel.Tracer("store.actions")
	ctx, span := tracer.Start(ctx, "actions.GetByID")
	defer span.End()
	q := actionSelect + ` WHERE org_id=$1 AND user_id=$2 AND id=$3`
	row := s.Pool.QueryRow(ctx, q, orgID, userID, id)
	act, err := scanAction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("op=action.get: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=action.get: %w", err)
	}
	return act, nil
}

// ListByMessage lists every action for a message.
func (s *ActionStore) ListByMessage(ctx context.Context, orgID, userID, messageID string) ([]*domain.Action, error) {
	tracer := otel.Tracer("store.actions")
	ctx, span := tracer.Start(ctx, "actions.ListByMessage")
	defer span.End()
	q := actionSelect + ` WHERE org_id=$1 AND user_id=$2 AND message_id=$3 ORDER BY created_at ASC`
	return s.queryActions(ctx, q, orgID, userID, messageID)
}

// ListByStatus lists every action in a given status.
func (s *ActionStore) ListByStatus(ctx context.Context, orgID, userID string, status domain.ActionStatus) ([]*domain.Action, error) {
	tracer := otel.Tracer("store.actions")
	ctx, span := tracer.Start(ctx, "actions.ListByStatus")
	defer span.End()
	q := actionSelect + ` WHERE org_id=$1 AND user_id=$2 AND status=$3 ORDER BY created_at ASC`
	return s.queryActions(ctx, q, orgID, userID, status)
}

// ListByDecision lists every action produced by a decision.
func (s *ActionStore) ListByDecision(ctx context.Context, orgID, userID, decisionID string) ([]*domain.Action, error) {
	tracer := otel.Tracer("store.actions")
	ctx, span := tracer.Start(ctx, "actions.ListByDecision")
	defer span.End()
	q := actionSelect + ` WHERE org_id=$1 AND user_id=$2 AND decision_id=$3 ORDER BY created_at ASC`
	return s.queryActions(ctx, q, orgID, userID, decisionID)
}

func (s *ActionStore) queryActions(ctx context.Context, q string, args ...any) ([]*domain.Action, error) {
	rows, err := s.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=action.list: %w", err)
	}
	defer rows.Close()
	var out []*domain.Action
	for rows.Next() {
		act, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("op=action.list_scan: %w", err)
		}
		out = append(out, act)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=action.list_rows: %w", err)
	}
	return out, nil
}

// UpdateStatus performs the CAS transition mandated by spec.md §9: `UPDATE
// ... WHERE status = $expected RETURNING ...`. A lost race (no row
// returned) re-reads the current status and returns
// *domain.InvalidStatusTransitionError naming it, rather than the
// caller-requested `next`.
func (s *ActionStore) UpdateStatus(ctx context.Context, orgID, userID, id string, next domain.ActionStatus, errMsg *string, executedAt *time.Time) (*domain.Action, error) {
	tracer := otel.Tracer("store.actions")
	ctx, span := tracer.Start(ctx, "actions.UpdateStatus")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "actions"),
	)

	current, err := s.GetByID(ctx, orgID, userID, id)
	if err != nil {
		return nil, err
	}
	if !domain.CanTransition(current.Status, next) {
		return nil, &domain.InvalidStatusTransitionError{From: current.Status, To: next}
	}

	now := time.Now().UTC()
	q := `
UPDATE actions SET status=$4, error_message=$5, executed_at=COALESCE(executed_at, $6), updated_at=$7
WHERE org_id=$1 AND user_id=$2 AND id=$3 AND status=$8
RETURNING id, org_id, user_id, account_id, message_id, decision_id, action_type, parameters,
          status, error_message, executed_at, undo_hint, trace_id, created_at, updated_at`
	row := s.Pool.QueryRow(ctx, q, orgID, userID, id, next, errMsg, executedAt, now, current.Status)
	act, err := scanAction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Lost the CAS race: re-read the latest status and report it.
			latest, getErr := s.GetByID(ctx, orgID, userID, id)
			if getErr != nil {
				return nil, fmt.Errorf("op=action.update_status.reread: %w", getErr)
			}
			return nil, &domain.InvalidStatusTransitionError{From: latest.Status, To: next}
		}
		return nil, fmt.Errorf("op=action.update_status: %w", err)
	}
	observability.RecordTransition(string(current.Status), string(act.Status))
	return act, nil
}

// UpdateUndoHint overwrites undo_hint without touching status.
func (s *ActionStore) UpdateUndoHint(ctx context.Context, orgID, userID, id string, hint []byte) error {
	tracer := otel.Tracer("store.actions")
	ctx, span := tracer.Start(ctx, "actions.UpdateUndoHint")
	defer span.End()
	now := time.Now().UTC()
	q := `UPDATE actions SET undo_hint=$4, updated_at=$5 WHERE org_id=$1 AND user_id=$2 AND id=$3`
	tag, err := s.Pool.Exec(ctx, q, orgID, userID, id, hint, now)
	if err != nil {
		return fmt.Errorf("op=action.update_undo_hint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=action.update_undo_hint: %w", domain.ErrNotFound)
	}
	return nil
}

const actionSelect = `SELECT id, org_id, user_id, account_id, message_id, decision_id, action_type,
          parameters, status, error_message, executed_at, undo_hint, trace_id, created_at, updated_at
          FROM actions`

func scanAction(row pgx.Row) (*domain.Action, error) {
	var a domain.Action
	if err := row.Scan(&a.ID, &a.OrgID, &a.UserID, &a.AccountID, &a.MessageID, &a.DecisionID,
		&a.ActionType, &a.Parameters, &a.Status, &a.ErrorMessage, &a.ExecutedAt, &a.UndoHint,
		&a.TraceID, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

var _ domain.ActionStore = (*ActionStore)(nil)
