package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"

	"github.com/ashford-core/ashford-core/internal/domain"
)

// ActionLinkStore persists domain.ActionLink rows. The Undo Engine's "only
// one undo in flight per original action" invariant (spec.md §4.7, testable
// property 5) is enforced by a UNIQUE constraint on (effect_action_id,
// relation_type). The cause is the undo action each run creates, so two
// concurrent runs insert different causes; only a constraint keyed by the
// effect (the original action) makes the second insert fail. This departs
// from the literal "(cause, relation) is unique" wording in spec.md §3/§6.
type ActionLinkStore struct{ Pool PgxPool }

// NewActionLinkStore constructs an ActionLinkStore with the given pool.
func NewActionLinkStore(p PgxPool) *ActionLinkStore { return &ActionLinkStore{Pool: p} }

// Create inserts a link. A unique-constraint violation on
// (effect_action_id, relation_type) returns domain.ErrConflict so the
// caller (Undo Engine) can re-read and adopt the winner.
func (s *ActionLinkStore) Create(ctx context.Context, link domain.ActionLink) error {
	tracer := otel.Tracer("store.action_links")
	ctx, span := tracer.Start(ctx, "action_links.Create")
	defer span.End()
	q := `INSERT INTO action_links (cause_action_id, effect_action_id, relation_type, created_at) VALUES ($1,$2,$3,$4)`
	_, err := s.Pool.Exec(ctx, q, link.CauseActionID, link.EffectActionID, link.RelationType, time.Now().UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("op=action_link.create: %w", domain.ErrConflict)
		}
		return fmt.Errorf("op=action_link.create: %w", err)
	}
	return nil
}

// FindByEffect finds the link whose effect is the given original action, if
// any — there may be at most one per (effect, relation) by construction.
func (s *ActionLinkStore) FindByEffect(ctx context.Context, effectActionID string, relation domain.RelationType) (*domain.ActionLink, error) {
	tracer := otel.Tracer("store.action_links")
	ctx, span := tracer.Start(ctx, "action_links.FindByEffect")
	defer span.End()
	q := `SELECT cause_action_id, effect_action_id, relation_type, EXTRACT(EPOCH FROM created_at)::bigint
          FROM action_links WHERE effect_action_id=$1 AND relation_type=$2`
	row := s.Pool.QueryRow(ctx, q, effectActionID, relation)
	var l domain.ActionLink
	if err := row.Scan(&l.CauseActionID, &l.EffectActionID, &l.RelationType, &l.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("op=action_link.find_by_effect: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=action_link.find_by_effect: %w", err)
	}
	return &l, nil
}

var _ domain.ActionLinkStore = (*ActionLinkStore)(nil)
