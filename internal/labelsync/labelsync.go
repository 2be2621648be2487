// Package labelsync services `labels.sync.gmail` jobs: it reconciles the
// local Label table against the provider's label catalogue (SPEC_FULL.md
// Supplemented Features 1, grounded on original_source
// jobs/labels_sync_gmail.rs), reusing the same Upsert-preserves-user-
// columns contract the snooze flow's resolveLabelID relies on.
package labelsync

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/ashford-core/ashford-core/internal/domain"
	"github.com/ashford-core/ashford-core/internal/validate"
)

// LabelResolver is the subset of the Label Cache (C12) this handler needs.
type LabelResolver interface {
	Delete(ctx context.Context, accountID, labelName string)
}

// ProviderFactory resolves the mail-provider client for an account.
type ProviderFactory func(ctx context.Context, accountID string) (domain.MailProviderClient, error)

// Syncer wires the Label Store/Cache and a provider client factory into
// the `labels.sync.gmail` handler.
type Syncer struct {
	Labels     domain.LabelStore
	LabelCache LabelResolver
	Providers  ProviderFactory
}

// New constructs a Syncer.
func New(labels domain.LabelStore, labelCache LabelResolver, providers ProviderFactory) *Syncer {
	return &Syncer{Labels: labels, LabelCache: labelCache, Providers: providers}
}

// Handle reconciles the local Label table against the provider catalogue:
// upserting every label the provider still reports (preserving
// description/available_to_classifier per spec.md §3), then evicting
// local rows and cache entries for labels the provider no longer carries.
func (s *Syncer) Handle(ctx context.Context, job *domain.Job) error {
	tracer := otel.Tracer("labelsync")
	ctx, span := tracer.Start(ctx, "labelsync.Sync")
	defer span.End()

	var payload domain.LabelsSyncPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return domain.Fatalf(err, "decode labels.sync.gmail payload: %v", err)
	}
	if err := validate.Struct(payload); err != nil {
		return domain.Fatalf(err, "%v", err)
	}

	provider, err := s.Providers(ctx, payload.AccountID)
	if err != nil {
		return domain.Fatalf(err, "obtain provider client for account %s: %v", payload.AccountID, err)
	}

	catalogue, err := provider.ListLabels(ctx)
	if err != nil {
		return fmt.Errorf("op=labelsync.list_labels: %w", err)
	}

	present := make(map[string]bool, len(catalogue))
	for _, pl := range catalogue {
		present[pl.ID] = true
		if _, err := s.Labels.Upsert(ctx, domain.NewLabel{
			AccountID:             payload.AccountID,
			ProviderLabelID:       pl.ID,
			Name:                  pl.Name,
			LabelType:             pl.Type,
			MessageListVisibility: strOrNil(pl.MessageListVisibility),
			LabelListVisibility:   strOrNil(pl.LabelListVisibility),
			BackgroundColor:       strOrNil(pl.BackgroundColor),
			TextColor:             strOrNil(pl.TextColor),
		}); err != nil {
			return fmt.Errorf("op=labelsync.upsert: %w", err)
		}
	}

	local, err := s.Labels.ListByAccount(ctx, payload.AccountID)
	if err != nil {
		return fmt.Errorf("op=labelsync.list_local: %w", err)
	}
	for _, l := range local {
		if present[l.ProviderLabelID] {
			continue
		}
		if err := s.Labels.Delete(ctx, payload.AccountID, l.ProviderLabelID); err != nil {
			return fmt.Errorf("op=labelsync.evict: %w", err)
		}
		s.LabelCache.Delete(ctx, payload.AccountID, l.Name)
	}
	return nil
}

func strOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
