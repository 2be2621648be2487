package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/ashford-core/ashford-core/internal/domain"
)

// MessageStore is the read-only port onto the Message/Thread tables
// (spec.md §3: "Messages/threads/labels are shared with the mail-ingest
// subsystem; the core only reads them").
type MessageStore struct{ Pool PgxPool }

// NewMessageStore constructs a MessageStore with the given pool.
func NewMessageStore(p PgxPool) *MessageStore { return &MessageStore{Pool: p} }

// GetByID loads a message scoped by org/user.
func (s *MessageStore) GetByID(ctx context.Context, orgID, userID, id string) (*domain.Message, error) {
	tracer := otel.Tracer("store.messages")
	ctx, span := tracer.Start(ctx, "messages.GetByID")
	defer span.End()
	q := `SELECT id, account_id, thread_id, provider_message_id, from_email, from_name,
          to_json, cc_json, bcc_json, subject, labels, headers_json, received_at
          FROM messages WHERE org_id=$1 AND user_id=$2 AND id=$3`
	row := s.Pool.QueryRow(ctx, q, orgID, userID, id)

	var m domain.Message
	var toJSON, ccJSON, bccJSON, headersJSON []byte
	if err := row.Scan(&m.ID, &m.AccountID, &m.ThreadID, &m.ProviderMessageID, &m.FromEmail, &m.FromName,
		&toJSON, &ccJSON, &bccJSON, &m.Subject, &m.Labels, &headersJSON, &m.ReceivedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("op=message.get: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=message.get: %w", err)
	}
	if err := unmarshalIfPresent(toJSON, &m.To); err != nil {
		return nil, fmt.Errorf("op=message.get.decode_to: %w", err)
	}
	if err := unmarshalIfPresent(ccJSON, &m.CC); err != nil {
		return nil, fmt.Errorf("op=message.get.decode_cc: %w", err)
	}
	if err := unmarshalIfPresent(bccJSON, &m.BCC); err != nil {
		return nil, fmt.Errorf("op=message.get.decode_bcc: %w", err)
	}
	if err := unmarshalIfPresent(headersJSON, &m.Headers); err != nil {
		return nil, fmt.Errorf("op=message.get.decode_headers: %w", err)
	}
	return &m, nil
}

func unmarshalIfPresent(raw []byte, out any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

var _ domain.MessageStore = (*MessageStore)(nil)
