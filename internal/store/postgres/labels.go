package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/ashford-core/ashford-core/internal/domain"
)

// LabelStore persists domain.Label rows, the relational fallback of record
// behind the Label Cache (C12).
type LabelStore struct{ Pool PgxPool }

// NewLabelStore constructs a LabelStore with the given pool.
func NewLabelStore(p PgxPool) *LabelStore { return &LabelStore{Pool: p} }

// Upsert inserts or updates a label by (account_id, provider_label_id),
// preserving description/available_to_classifier on conflict since those
// columns are user-editable (spec.md §3).
func (s *LabelStore) Upsert(ctx context.Context, n domain.NewLabel) (*domain.Label, error) {
	tracer := otel.Tracer("store.labels")
	ctx, span := tracer.Start(ctx, "labels.Upsert")
	defer span.End()

	id := newID()
	q := `
INSERT INTO labels (id, account_id, provider_label_id, name, label_type,
                     message_list_visibility, label_list_visibility, background_color, text_color,
                     description, available_to_classifier)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NULL,false)
ON CONFLICT (account_id, provider_label_id) DO UPDATE SET
  name=EXCLUDED.name, label_type=EXCLUDED.label_type,
  message_list_visibility=EXCLUDED.message_list_visibility,
  label_list_visibility=EXCLUDED.label_list_visibility,
  background_color=EXCLUDED.background_color, text_color=EXCLUDED.text_color
RETURNING id, account_id, provider_label_id, name, label_type, description,
          available_to_classifier, message_list_visibility, label_list_visibility,
          background_color, text_color`
	row := s.Pool.QueryRow(ctx, q, id, n.AccountID, n.ProviderLabelID, n.Name, n.LabelType,
		n.MessageListVisibility, n.LabelListVisibility, n.BackgroundColor, n.TextColor)
	l, err := scanLabel(row)
	if err != nil {
		return nil, fmt.Errorf("op=label.upsert: %w", err)
	}
	return l, nil
}

// GetByName looks up a label by its human-readable name within an account.
func (s *LabelStore) GetByName(ctx context.Context, accountID, name string) (*domain.Label, error) {
	tracer := otel.Tracer("store.labels")
	ctx, span := tracer.Start(ctx, "labels.GetByName")
	defer span.End()
	q := `SELECT id, account_id, provider_label_id, name, label_type, description,
          available_to_classifier, message_list_visibility, label_list_visibility,
          background_color, text_color FROM labels WHERE account_id=$1 AND name=$2`
	row := s.Pool.QueryRow(ctx, q, accountID, name)
	l, err := scanLabel(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("op=label.get_by_name: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=label.get_by_name: %w", err)
	}
	return l, nil
}

// GetByProviderID looks up a label by its provider-assigned id.
func (s *LabelStore) GetByProviderID(ctx context.Context, accountID, providerLabelID string) (*domain.Label, error) {
	tracer := otel.Tracer("store.labels")
	ctx, span := tracer.Start(ctx, "labels.GetByProviderID")
	defer span.End()
	q := `SELECT id, account_id, provider_label_id, name, label_type, description,
          available_to_classifier, message_list_visibility, label_list_visibility,
          background_color, text_color FROM labels WHERE account_id=$1 AND provider_label_id=$2`
	row := s.Pool.QueryRow(ctx, q, accountID, providerLabelID)
	l, err := scanLabel(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("op=label.get_by_provider_id: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=label.get_by_provider_id: %w", err)
	}
	return l, nil
}

// Delete removes a cached row, self-healing a stale provider id
// (spec.md §4.5.1 step 3).
func (s *LabelStore) Delete(ctx context.Context, accountID, providerLabelID string) error {
	tracer := otel.Tracer("store.labels")
	ctx, span := tracer.Start(ctx, "labels.Delete")
	defer span.End()
	q := `DELETE FROM labels WHERE account_id=$1 AND provider_label_id=$2`
	if _, err := s.Pool.Exec(ctx, q, accountID, providerLabelID); err != nil {
		return fmt.Errorf("op=label.delete: %w", err)
	}
	return nil
}

// ListByAccount returns every cached label row for an account, used by
// labels.sync.gmail to find rows the provider catalogue no longer carries.
func (s *LabelStore) ListByAccount(ctx context.Context, accountID string) ([]*domain.Label, error) {
	tracer := otel.Tracer("store.labels")
	ctx, span := tracer.Start(ctx, "labels.ListByAccount")
	defer span.End()
	q := `SELECT id, account_id, provider_label_id, name, label_type, description,
          available_to_classifier, message_list_visibility, label_list_visibility,
          background_color, text_color FROM labels WHERE account_id=$1`
	rows, err := s.Pool.Query(ctx, q, accountID)
	if err != nil {
		return nil, fmt.Errorf("op=label.list_by_account: %w", err)
	}
	defer rows.Close()

	var out []*domain.Label
	for rows.Next() {
		l, err := scanLabel(rows)
		if err != nil {
			return nil, fmt.Errorf("op=label.list_by_account: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=label.list_by_account: %w", err)
	}
	return out, nil
}

func scanLabel(row pgx.Row) (*domain.Label, error) {
	var l domain.Label
	if err := row.Scan(&l.ID, &l.AccountID, &l.ProviderLabelID, &l.Name, &l.LabelType, &l.Description,
		&l.AvailableToClassifier, &l.MessageListVisibility, &l.LabelListVisibility,
		&l.BackgroundColor, &l.TextColor); err != nil {
		return nil, err
	}
	return &l, nil
}

var _ domain.LabelStore = (*LabelStore)(nil)
