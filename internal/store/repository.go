/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the payout-service. By defining an interface,
 * we decouple the application's business logic from the specific database
 * implementation (PostgreSQL), making the code more modular and easier to test.
 *
 * @notes
 * - Methods that move money and change payout status in the same operation
 *   (CreatePayoutWithHold, FinalizePayoutCompleted, FinalizePayoutFailed,
 *   ApplyWebhookMatch) are atomic: the implementation must commit the status
 *   change and the ledger append together or roll both back.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/finvela/payout-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Payout lifecycle
	CreatePayoutWithHold(ctx context.Context, payout *domain.PayoutRequest, hold *domain.LedgerEntry) error
	FindPayoutByID(ctx context.Context, payoutID uuid.UUID) (*domain.PayoutRequest, error)
	ListPayouts(ctx context.Context, opts domain.PayoutListOptions) ([]domain.PayoutRequest, error)
	MarkPayoutProcessing(ctx context.Context, payoutID uuid.UUID) error
	RequeuePayoutForRetry(ctx context.Context, payoutID uuid.UUID, retryCount int, nextAttemptAt time.Time, reason string) error
	FinalizePayoutCompleted(ctx context.Context, payoutID uuid.UUID, utrNumber string, release *domain.LedgerEntry) error
	FinalizePayoutFailed(ctx context.Context, payoutID uuid.UUID, failureReason string, reversal *domain.LedgerEntry) error
	OverridePayoutStatus(ctx context.Context, payoutID uuid.UUID, override domain.AdminStatusOverride, actor string) (*domain.PayoutRequest, error)

	// Retry dispatch: atomically claims due pending payouts and marks them
	// processing so concurrent workers never pick the same payout twice.
	ClaimDuePayouts(ctx context.Context, limit int) ([]domain.PayoutRequest, error)

	// Ledger
	ComputeBalance(ctx context.Context, merchantID uuid.UUID) (int64, error)
	AppendLedgerEntry(ctx context.Context, entry *domain.LedgerEntry) error
	ListLedgerEntriesByPayout(ctx context.Context, payoutID uuid.UUID) ([]domain.LedgerEntry, error)

	// Webhook ingestion
	InsertWebhookEvent(ctx context.Context, event *domain.WebhookEvent) error
	HasWebhookEvent(ctx context.Context, source, externalRef string) (bool, error)
	FindMatchablePayouts(ctx context.Context, amount int64) ([]domain.PayoutRequest, error)
	ApplyWebhookMatch(ctx context.Context, eventID, payoutID uuid.UUID, utrNumber, outcome, failureReason string, entry *domain.LedgerEntry) error
	ListUnmatchedWebhookEvents(ctx context.Context, limit int) ([]domain.WebhookEvent, error)

	// Dead letters
	AppendDeadLetter(ctx context.Context, entry *domain.DeadLetterEntry) error

	// Reconciliation
	FindPayoutsWithOpenHold(ctx context.Context, olderThan time.Time) ([]domain.PayoutRequest, error)
	FindUnsettledPayouts(ctx context.Context, olderThan time.Time) ([]domain.PayoutRequest, error)
	FindCompletedPayoutsWithoutRef(ctx context.Context) ([]domain.PayoutRequest, error)
	FindDuplicateExternalRefs(ctx context.Context) (map[string][]uuid.UUID, error)
	InsertReconciliationIssues(ctx context.Context, issues []domain.ReconciliationIssue) error
	InsertReconciliationRun(ctx context.Context, summary *domain.ReconciliationRunSummary) error
	ListReconciliationIssues(ctx context.Context, limit int) ([]domain.ReconciliationIssue, error)
}
