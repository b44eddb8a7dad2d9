/**
 * @description
 * The webhook ingestion service processes confirmation callbacks from banking
 * rails. Every delivery is durably logged before any other processing, so a
 * crash mid-ingestion can never lose a bank confirmation. Deduplication uses
 * Redis as a fast read-cache in front of the authoritative Postgres check, and
 * the unique constraint on (source, external_ref) is the last line of defense.
 *
 * Matching strategy:
 * 1. If the rail echoed our payout id as the reference, match directly.
 * 2. Otherwise match against in-flight payouts by amount. A unique candidate
 *    is matched; zero or multiple candidates leave the event unmatched for the
 *    reconciliation scanner and manual review.
 *
 * @dependencies
 * - github.com/google/uuid: payout id parsing.
 * - internal/domain, internal/store: domain models and data access.
 * - pkg/rabbitmq: webhook outcome events.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/finvela/payout-service/internal/domain"
	"github.com/finvela/payout-service/internal/store"
	"github.com/finvela/payout-service/pkg/rabbitmq"
)

// ErrAmbiguousMatch means more than one in-flight payout fits a callback.
// Money never moves on an ambiguous match; the event stays unmatched for
// manual review.
var ErrAmbiguousMatch = errors.New("webhook matches multiple candidate payouts")

// DedupCache answers "have we seen this delivery before" quickly. It is a
// read-cache only: a cache miss always falls through to the database, and a
// cache failure degrades to database-only dedup instead of failing ingestion.
type DedupCache interface {
	Seen(ctx context.Context, source, externalRef string) (bool, error)
	MarkSeen(ctx context.Context, source, externalRef string, ttl time.Duration) error
}

// IngestResult reports what happened to one webhook delivery.
type IngestResult struct {
	EventID   uuid.UUID `json:"event_id"`
	Duplicate bool      `json:"duplicate"`
	Matched   bool      `json:"matched"`
	PayoutID  *uuid.UUID `json:"payout_id,omitempty"`
}

// WebhookService ingests rail confirmation callbacks.
type WebhookService struct {
	repo          store.Repository
	ledger        *Ledger
	dedup         DedupCache
	eventProducer rabbitmq.Publisher
	dedupTTL      time.Duration
}

// NewWebhookService creates a webhook ingestion service. dedup may be nil when
// Redis is unavailable.
func NewWebhookService(repo store.Repository, ledger *Ledger, dedup DedupCache, producer rabbitmq.Publisher) *WebhookService {
	return &WebhookService{
		repo:          repo,
		ledger:        ledger,
		dedup:         dedup,
		eventProducer: producer,
		dedupTTL:      48 * time.Hour,
	}
}

// Ingest processes one webhook delivery. The raw body is logged durably before
// matching; callers must only acknowledge the rail (HTTP 200) after Ingest
// returns without error.
func (w *WebhookService) Ingest(ctx context.Context, source string, body []byte, remoteAddr string) (*IngestResult, error) {
	payload, parseErr := domain.ParseRailPayload(source, body)
	if parseErr != nil {
		log.Printf("level=warn component=webhook_service source=%s msg=\"unrecognized payload shape; logging raw\" err=%v", source, parseErr)
	}

	event := &domain.WebhookEvent{
		ID:             uuid.New(),
		Source:         source,
		ExternalRef:    payload.ExternalRef,
		Amount:         payload.Amount,
		ReportedStatus: payload.Outcome,
		RawPayload:     payload.Raw,
		RemoteAddr:     remoteAddr,
		ReceivedAt:     time.Now().UTC(),
	}

	if event.ExternalRef != "" {
		dup, err := w.isDuplicate(ctx, source, event.ExternalRef)
		if err != nil {
			return nil, err
		}
		event.Duplicate = dup
	}

	if err := w.repo.InsertWebhookEvent(ctx, event); err != nil {
		if errors.Is(err, store.ErrDuplicateReference) {
			// Lost the race with a concurrent delivery of the same event.
			log.Printf("level=info component=webhook_service source=%s external_ref=%s msg=\"duplicate delivery dropped by constraint\"", source, event.ExternalRef)
			return &IngestResult{Duplicate: true}, nil
		}
		return nil, fmt.Errorf("log webhook event: %w", err)
	}

	if w.dedup != nil && event.ExternalRef != "" {
		if err := w.dedup.MarkSeen(ctx, source, event.ExternalRef, w.dedupTTL); err != nil {
			log.Printf("level=warn component=webhook_service msg=\"dedup cache write failed\" source=%s err=%v", source, err)
		}
	}

	result := &IngestResult{EventID: event.ID, Duplicate: event.Duplicate}
	if event.Duplicate || parseErr != nil || event.ExternalRef == "" {
		return result, nil
	}

	payout, err := w.findMatch(ctx, payload)
	if err != nil {
		if errors.Is(err, ErrAmbiguousMatch) {
			log.Printf("level=warn component=webhook_service source=%s external_ref=%s amount=%d msg=\"ambiguous match; left for reconciliation\"",
				source, event.ExternalRef, event.Amount)
			return result, nil
		}
		return nil, err
	}
	if payout == nil {
		log.Printf("level=warn component=webhook_service source=%s external_ref=%s amount=%d msg=\"no match; left for reconciliation\"",
			source, event.ExternalRef, event.Amount)
		return result, nil
	}

	if err := w.applyMatch(ctx, event, payout, payload); err != nil {
		return nil, err
	}
	result.Matched = true
	result.PayoutID = &payout.ID
	return result, nil
}

// isDuplicate consults the cache first, then the authoritative store.
func (w *WebhookService) isDuplicate(ctx context.Context, source, externalRef string) (bool, error) {
	if w.dedup != nil {
		seen, err := w.dedup.Seen(ctx, source, externalRef)
		if err != nil {
			log.Printf("level=warn component=webhook_service msg=\"dedup cache read failed; falling back to database\" source=%s err=%v", source, err)
		} else if seen {
			return true, nil
		}
	}
	exists, err := w.repo.HasWebhookEvent(ctx, source, externalRef)
	if err != nil {
		return false, fmt.Errorf("dedup lookup: %w", err)
	}
	return exists, nil
}

// findMatch resolves the payout a callback belongs to. No candidate returns
// nil, multiple candidates return ErrAmbiguousMatch.
func (w *WebhookService) findMatch(ctx context.Context, payload *domain.RailPayload) (*domain.PayoutRequest, error) {
	// Well-behaved rails echo the payout id we sent as the reference.
	if id, err := uuid.Parse(payload.ExternalRef); err == nil {
		payout, err := w.repo.FindPayoutByID(ctx, id)
		if err == nil {
			return payout, nil
		}
		if !errors.Is(err, store.ErrPayoutNotFound) {
			return nil, err
		}
	}

	candidates, err := w.repo.FindMatchablePayouts(ctx, payload.Amount)
	if err != nil {
		return nil, fmt.Errorf("find matchable payouts: %w", err)
	}
	switch len(candidates) {
	case 0:
		return nil, nil
	case 1:
		return &candidates[0], nil
	default:
		return nil, ErrAmbiguousMatch
	}
}

// applyMatch finalizes the payout per the reported outcome. The event link,
// status transition and ledger entry commit atomically.
func (w *WebhookService) applyMatch(ctx context.Context, event *domain.WebhookEvent, payout *domain.PayoutRequest, payload *domain.RailPayload) error {
	if payout.Status != domain.PayoutStatusPending && payout.Status != domain.PayoutStatusProcessing {
		// Already settled or reversed: record the link only, never move money twice.
		log.Printf("level=info component=webhook_service payout_id=%s status=%s msg=\"confirmation for already-settled payout\"", payout.ID, payout.Status)
		return w.repo.ApplyWebhookMatch(ctx, event.ID, payout.ID, payload.ExternalRef, payload.Outcome, "", nil)
	}

	// A failure report with retry budget remaining sends the payout back
	// through the dispatcher instead of finalizing it. The hold stays in
	// place, so no money moves.
	if payload.Outcome == domain.WebhookOutcomeFailed {
		if newCount := payout.RetryCount + 1; newCount < payout.MaxRetries {
			return w.requeueFromFailure(ctx, event, payout, payload, newCount)
		}
	}

	unlock := w.ledger.LockMerchant(payout.MerchantID)
	defer unlock()

	balance, err := w.ledger.AvailableBalance(ctx, payout.MerchantID)
	if err != nil {
		return err
	}

	var entry *domain.LedgerEntry
	failureReason := ""
	switch payload.Outcome {
	case domain.WebhookOutcomeSuccess:
		entry = NewReleaseEntry(payout.MerchantID, payout.ID, payout.Amount, balance,
			fmt.Sprintf("release for payout %s via webhook %s", payout.ID, event.Source))
		payout.Status = domain.PayoutStatusCompleted
	case domain.WebhookOutcomeFailed:
		failureReason = fmt.Sprintf("rail %s reported failure", event.Source)
		entry = NewReversalEntry(payout.MerchantID, payout.ID, payout.Amount, balance,
			fmt.Sprintf("reversal for payout %s via webhook %s", payout.ID, event.Source))
		payout.Status = domain.PayoutStatusFailed
	default:
		// Non-final outcome: keep the payout in flight, link the event only.
		return w.repo.ApplyWebhookMatch(ctx, event.ID, payout.ID, payload.ExternalRef, payload.Outcome, "", nil)
	}

	if err := w.repo.ApplyWebhookMatch(ctx, event.ID, payout.ID, payload.ExternalRef, payload.Outcome, failureReason, entry); err != nil {
		return fmt.Errorf("apply webhook match: %w", err)
	}

	log.Printf("level=info component=webhook_service payout_id=%s external_ref=%s outcome=%s msg=\"webhook matched and applied\"",
		payout.ID, payload.ExternalRef, payload.Outcome)

	if w.eventProducer != nil {
		evt := domain.PayoutStatusEvent{
			PayoutID:      payout.ID,
			MerchantID:    payout.MerchantID,
			Status:        payout.Status,
			Amount:        payout.Amount,
			UTRNumber:     payload.ExternalRef,
			FailureReason: failureReason,
			OccurredAt:    time.Now().UTC(),
		}
		routingKey := "payout.status." + payout.Status
		if err := w.eventProducer.Publish(ctx, rabbitmq.PayoutEventsExchange, routingKey, evt); err != nil {
			log.Printf("level=warn component=webhook_service msg=\"status event publish failed\" payout_id=%s err=%v", payout.ID, err)
		}
	}
	return nil
}

// requeueFromFailure charges one attempt against the payout's retry budget
// and reschedules it with backoff. The event is linked first so the delivery
// stays attributable even if the requeue loses a status race.
func (w *WebhookService) requeueFromFailure(ctx context.Context, event *domain.WebhookEvent, payout *domain.PayoutRequest, payload *domain.RailPayload, newCount int) error {
	if err := w.repo.ApplyWebhookMatch(ctx, event.ID, payout.ID, payload.ExternalRef, payload.Outcome, "", nil); err != nil {
		return fmt.Errorf("link webhook event: %w", err)
	}
	if payout.Status != domain.PayoutStatusProcessing {
		// Pending payouts are already queued for another attempt.
		return nil
	}

	reason := fmt.Sprintf("rail %s reported failure", event.Source)
	delay := backoffDelay(newCount)
	if err := w.repo.RequeuePayoutForRetry(ctx, payout.ID, newCount, time.Now().UTC().Add(delay), reason); err != nil {
		return fmt.Errorf("requeue payout: %w", err)
	}
	log.Printf("level=warn component=webhook_service payout_id=%s msg=\"rail reported failure; requeued\" retry_count=%d next_attempt_in=%s",
		payout.ID, newCount, delay)
	return nil
}

// ListUnmatched returns recently received events that could not be matched.
func (w *WebhookService) ListUnmatched(ctx context.Context, limit int) ([]domain.WebhookEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return w.repo.ListUnmatchedWebhookEvents(ctx, limit)
}
