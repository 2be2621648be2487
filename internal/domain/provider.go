package domain

import "context"

// ProviderError classifies a failure from the mail-provider HTTP client so
// the Error Mapper (C9) can translate it to Fatal|Retryable without the
// caller inspecting transport details.
type ProviderError struct {
	StatusCode int
	RetryAfter *int // seconds, if the provider supplied one
	Msg        string
}

func (e *ProviderError) Error() string { return e.Msg }

// MailProviderClient is the out-of-scope external collaborator (spec.md
// §1): a capability interface over message-get, modify, trash/untrash,
// send, and label CRUD. Token refresh happens inside the client.
type MailProviderClient interface {
	GetMessageLabels(ctx context.Context, providerMessageID string) ([]string, error)
	ModifyMessage(ctx context.Context, providerMessageID string, addLabels, removeLabels []string) error
	Trash(ctx context.Context, providerMessageID string) error
	Untrash(ctx context.Context, providerMessageID string) error
	Delete(ctx context.Context, providerMessageID string) error
	Send(ctx context.Context, msg OutboundMessage) (sentMessageID, sentThreadID string, err error)
	ListLabels(ctx context.Context) ([]ProviderLabel, error)
	CreateLabel(ctx context.Context, name string) (ProviderLabel, error)
	// ListMessages searches the provider's mailbox, paging via pageToken
	// (empty for the first page). nextPageToken is empty once exhausted.
	ListMessages(ctx context.Context, query, pageToken string) (refs []MessageRef, nextPageToken string, err error)
}

// MessageRef is one hit returned by a provider search, identifying a
// message the backfill.gmail handler schedules for ingestion.
type MessageRef struct {
	ProviderMessageID string
	ThreadID          string
}

// ProviderLabel is one entry in the provider's label catalogue.
type ProviderLabel struct {
	ID                    string
	Name                  string
	Type                  string
	MessageListVisibility string
	LabelListVisibility   string
	BackgroundColor       string
	TextColor             string
}

// OutboundMessage is a MIME message to send, built from an
// outbound.send job payload.
type OutboundMessage struct {
	To                []string
	CC                []string
	BCC               []string
	Subject           string
	BodyPlain         string
	BodyHTML          string
	OriginalMessageID string
	ThreadID          string
	References        []string
	Attachments       []Attachment
}

// Attachment is a decoded outbound attachment.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}
