// Package backfill services `backfill.gmail` jobs: it pages through a
// provider search, schedules `ingest.gmail` for each discovered message,
// and re-enqueues itself for the next page (SPEC_FULL.md Supplemented
// Features 2, grounded on original_source jobs/backfill_gmail.rs).
// Message persistence itself belongs to the mail-ingest subsystem
// (spec.md §3: "messages/threads/labels are shared ... the core only
// reads them"); this handler only discovers and schedules it.
package backfill

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/ashford-core/ashford-core/internal/domain"
	"github.com/ashford-core/ashford-core/internal/queue"
	"github.com/ashford-core/ashford-core/internal/validate"
)

// ProviderFactory resolves the mail-provider client for an account.
type ProviderFactory func(ctx context.Context, accountID string) (domain.MailProviderClient, error)

// Backfiller wires the Queue and a provider client factory into the
// `backfill.gmail` handler.
type Backfiller struct {
	Queue     *queue.Queue
	Providers ProviderFactory
}

// New constructs a Backfiller.
func New(q *queue.Queue, providers ProviderFactory) *Backfiller {
	return &Backfiller{Queue: q, Providers: providers}
}

// Handle implements SPEC_FULL.md's backfill.gmail supplement.
func (b *Backfiller) Handle(ctx context.Context, job *domain.Job) error {
	tracer := otel.Tracer("backfill")
	ctx, span := tracer.Start(ctx, "backfill.Page")
	defer span.End()

	var payload domain.BackfillPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return domain.Fatalf(err, "decode backfill.gmail payload: %v", err)
	}
	if err := validate.Struct(payload); err != nil {
		return domain.Fatalf(err, "%v", err)
	}

	provider, err := b.Providers(ctx, payload.AccountID)
	if err != nil {
		return domain.Fatalf(err, "obtain provider client for account %s: %v", payload.AccountID, err)
	}

	pageToken := ""
	if payload.PageToken != nil {
		pageToken = *payload.PageToken
	}
	refs, nextPageToken, err := provider.ListMessages(ctx, payload.Query, pageToken)
	if err != nil {
		return fmt.Errorf("op=backfill.list_messages: %w", err)
	}

	for _, ref := range refs {
		if err := b.enqueueIngest(ctx, job, payload.AccountID, ref.ProviderMessageID); err != nil {
			return err
		}
	}

	if nextPageToken == "" {
		return nil
	}
	return b.enqueueNextPage(ctx, job, payload.AccountID, payload.Query, nextPageToken)
}

func (b *Backfiller) enqueueIngest(ctx context.Context, job *domain.Job, accountID, providerMessageID string) error {
	payload, err := json.Marshal(domain.ClassifyPayload{AccountID: accountID, MessageID: providerMessageID})
	if err != nil {
		return domain.Fatalf(err, "encode ingest.gmail payload: %v", err)
	}
	key := fmt.Sprintf("%s:%s:%s", domain.JobTypeIngestGmail, accountID, providerMessageID)
	if _, err := b.Queue.Enqueue(ctx, domain.NewJob{
		OrgID: job.OrgID, UserID: job.UserID, Type: domain.JobTypeIngestGmail,
		Payload: payload, IdempotencyKey: &key, Priority: domain.PriorityIngestFromBackfill, MaxAttempts: 5,
	}); err != nil {
		return fmt.Errorf("op=backfill.enqueue_ingest: %w", err)
	}
	return nil
}

func (b *Backfiller) enqueueNextPage(ctx context.Context, job *domain.Job, accountID, query, pageToken string) error {
	payload, err := json.Marshal(domain.BackfillPayload{AccountID: accountID, Query: query, PageToken: &pageToken})
	if err != nil {
		return domain.Fatalf(err, "encode backfill.gmail payload: %v", err)
	}
	key := fmt.Sprintf("%s:%s:%s", domain.JobTypeBackfillGmail, accountID, pageToken)
	if _, err := b.Queue.Enqueue(ctx, domain.NewJob{
		OrgID: job.OrgID, UserID: job.UserID, Type: domain.JobTypeBackfillGmail,
		Payload: payload, IdempotencyKey: &key, Priority: domain.PriorityBackfillContinue, MaxAttempts: 5,
	}); err != nil {
		return fmt.Errorf("op=backfill.enqueue_next_page: %w", err)
	}
	return nil
}
