package domain

import "context"

// Label mirrors a provider label, upserted from the account's catalogue.
// (account_id, provider_label_id) is unique; Description and
// AvailableToClassifier are user-editable and must be preserved across
// catalogue upserts (spec.md §3).
type Label struct {
	ID                     string
	AccountID              string
	ProviderLabelID        string
	Name                   string
	LabelType              string
	Description            *string
	AvailableToClassifier  bool
	MessageListVisibility  *string
	LabelListVisibility    *string
	BackgroundColor        *string
	TextColor              *string
}

// NewLabel carries the provider-catalogue fields to upsert. Description
// and AvailableToClassifier are intentionally absent: they are
// user-editable and must survive a catalogue refresh untouched unless the
// row is brand new.
type NewLabel struct {
	AccountID             string
	ProviderLabelID       string
	Name                  string
	LabelType             string
	MessageListVisibility *string
	LabelListVisibility   *string
	BackgroundColor       *string
	TextColor             *string
}

// LabelStore is the persistence port for Labels.
type LabelStore interface {
	// Upsert inserts or updates a label by (account_id, provider_label_id),
	// preserving Description/AvailableToClassifier on conflict.
	Upsert(ctx context.Context, n NewLabel) (*Label, error)
	GetByName(ctx context.Context, accountID, name string) (*Label, error)
	GetByProviderID(ctx context.Context, accountID, providerLabelID string) (*Label, error)
	// Delete removes a cached row, used to self-heal a stale provider id
	// (spec.md §4.5.1 step 3).
	Delete(ctx context.Context, accountID, providerLabelID string) error
	// ListByAccount returns every locally-cached label row for an account,
	// used by the labels.sync.gmail handler to find rows the provider
	// catalogue no longer carries.
	ListByAccount(ctx context.Context, accountID string) ([]*Label, error)
}
