/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the SQL queries to interact with the payouts, ledger_entries,
 * webhook_events, dead_letters and reconciliation tables.
 *
 * @dependencies
 * - context, time, errors: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/finvela/payout-service/internal/domain"
)

var (
	ErrPayoutNotFound     = errors.New("payout not found")
	ErrPayoutTerminal     = errors.New("payout is in a terminal state")
	ErrDuplicateReference = errors.New("external reference already recorded")
	ErrWebhookNotFound    = errors.New("webhook event not found")
)

// uniqueViolation is the Postgres error code for unique constraint violations.
// The utr_number unique index and the (source, external_ref) webhook index are
// the enforcement mechanism of last resort for idempotency.
const uniqueViolation = "23505"

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const payoutColumns = `id, merchant_id, amount, currency, fee, tax, net_amount, payout_method,
       COALESCE(beneficiary_name, '') AS beneficiary_name, COALESCE(account_number, '') AS account_number,
       COALESCE(ifsc_code, '') AS ifsc_code, COALESCE(upi_id, '') AS upi_id,
       COALESCE(description, '') AS description, status, retry_count, max_retries, priority,
       next_attempt_at, utr_number, failure_reason, created_at, updated_at, finalized_at`

func scanPayout(row pgx.Row) (*domain.PayoutRequest, error) {
	var p domain.PayoutRequest
	err := row.Scan(
		&p.ID, &p.MerchantID, &p.Amount, &p.Currency, &p.Fee, &p.Tax, &p.NetAmount, &p.PayoutMethod,
		&p.BeneficiaryName, &p.AccountNumber, &p.IFSCCode, &p.UPIID,
		&p.Description, &p.Status, &p.RetryCount, &p.MaxRetries, &p.Priority,
		&p.NextAttemptAt, &p.UTRNumber, &p.FailureReason, &p.CreatedAt, &p.UpdatedAt, &p.FinalizedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPayoutNotFound
		}
		return nil, err
	}
	return &p, nil
}

// CreatePayoutWithHold inserts the payout record and its ledger hold entry in a
// single transaction so the balance reservation can never drift from the payout.
func (r *PostgresRepository) CreatePayoutWithHold(ctx context.Context, payout *domain.PayoutRequest, hold *domain.LedgerEntry) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create payout tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO payouts (id, merchant_id, amount, currency, fee, tax, net_amount, payout_method,
		                     beneficiary_name, account_number, ifsc_code, upi_id, description,
		                     status, retry_count, max_retries, priority, next_attempt_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8,
		        NULLIF($9, ''), NULLIF($10, ''), NULLIF($11, ''), NULLIF($12, ''), NULLIF($13, ''),
		        $14, $15, $16, $17, $18, NOW(), NOW())
	`
	_, err = tx.Exec(ctx, query,
		payout.ID, payout.MerchantID, payout.Amount, payout.Currency, payout.Fee, payout.Tax,
		payout.NetAmount, payout.PayoutMethod, payout.BeneficiaryName, payout.AccountNumber,
		payout.IFSCCode, payout.UPIID, payout.Description, payout.Status, payout.RetryCount,
		payout.MaxRetries, payout.Priority, payout.NextAttemptAt,
	)
	if err != nil {
		return fmt.Errorf("insert payout: %w", err)
	}

	if err := insertLedgerEntry(ctx, tx, hold); err != nil {
		return fmt.Errorf("insert hold entry: %w", err)
	}

	return tx.Commit(ctx)
}

// FindPayoutByID retrieves a single payout.
func (r *PostgresRepository) FindPayoutByID(ctx context.Context, payoutID uuid.UUID) (*domain.PayoutRequest, error) {
	row := r.db.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id = $1`, payoutID)
	return scanPayout(row)
}

// ListPayouts returns a filtered, paginated payout listing, newest first.
func (r *PostgresRepository) ListPayouts(ctx context.Context, opts domain.PayoutListOptions) ([]domain.PayoutRequest, error) {
	limit := opts.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	page := opts.Page
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * limit

	query := `SELECT ` + payoutColumns + ` FROM payouts WHERE 1=1`
	args := []interface{}{}
	idx := 1
	if opts.MerchantID != nil {
		query += fmt.Sprintf(" AND merchant_id = $%d", idx)
		args = append(args, *opts.MerchantID)
		idx++
	}
	if opts.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, opts.Status)
		idx++
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payouts []domain.PayoutRequest
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		payouts = append(payouts, *p)
	}
	return payouts, rows.Err()
}

// MarkPayoutProcessing advances a pending payout to processing. Terminal
// payouts are immutable, enforced by the status predicate.
func (r *PostgresRepository) MarkPayoutProcessing(ctx context.Context, payoutID uuid.UUID) error {
	result, err := r.db.Exec(ctx, `
		UPDATE payouts SET status = 'processing', updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, payoutID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrPayoutTerminal
	}
	return nil
}

// RequeuePayoutForRetry moves a processing payout back to pending with an
// updated retry count and backoff schedule. Retries survive process restarts
// because the schedule lives in the row, not in memory.
func (r *PostgresRepository) RequeuePayoutForRetry(ctx context.Context, payoutID uuid.UUID, retryCount int, nextAttemptAt time.Time, reason string) error {
	result, err := r.db.Exec(ctx, `
		UPDATE payouts
		SET status = 'pending', retry_count = $2, next_attempt_at = $3, failure_reason = NULLIF($4, ''), updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`, payoutID, retryCount, nextAttemptAt, reason)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrPayoutTerminal
	}
	return nil
}

// FinalizePayoutCompleted records the settlement reference, marks the payout
// completed and appends the ledger release entry, all in one transaction.
func (r *PostgresRepository) FinalizePayoutCompleted(ctx context.Context, payoutID uuid.UUID, utrNumber string, release *domain.LedgerEntry) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin finalize tx: %w", err)
	}
	defer tx.Rollback(ctx)

	result, err := tx.Exec(ctx, `
		UPDATE payouts
		SET status = 'completed', utr_number = $2, finalized_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'processing')
	`, payoutID, utrNumber)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateReference
		}
		return fmt.Errorf("complete payout: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrPayoutTerminal
	}

	if err := insertLedgerEntry(ctx, tx, release); err != nil {
		return fmt.Errorf("insert release entry: %w", err)
	}

	return tx.Commit(ctx)
}

// FinalizePayoutFailed marks the payout failed with its reason and appends the
// reversal entry returning the held funds, all in one transaction.
func (r *PostgresRepository) FinalizePayoutFailed(ctx context.Context, payoutID uuid.UUID, failureReason string, reversal *domain.LedgerEntry) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin finalize tx: %w", err)
	}
	defer tx.Rollback(ctx)

	result, err := tx.Exec(ctx, `
		UPDATE payouts
		SET status = 'failed', failure_reason = $2, finalized_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'processing')
	`, payoutID, failureReason)
	if err != nil {
		return fmt.Errorf("fail payout: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrPayoutTerminal
	}

	if err := insertLedgerEntry(ctx, tx, reversal); err != nil {
		return fmt.Errorf("insert reversal entry: %w", err)
	}

	return tx.Commit(ctx)
}

// OverridePayoutStatus applies a manual status correction and writes the audit
// record in the same transaction so every override is attributable.
func (r *PostgresRepository) OverridePayoutStatus(ctx context.Context, payoutID uuid.UUID, override domain.AdminStatusOverride, actor string) (*domain.PayoutRequest, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin override tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := scanPayout(tx.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id = $1 FOR UPDATE`, payoutID))
	if err != nil {
		return nil, err
	}

	row := tx.QueryRow(ctx, `
		UPDATE payouts
		SET status = $2,
		    utr_number = COALESCE($3, utr_number),
		    failure_reason = COALESCE($4, failure_reason),
		    finalized_at = CASE WHEN $2 IN ('completed', 'failed', 'rejected') THEN NOW() ELSE finalized_at END,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING `+payoutColumns, payoutID, override.Status, override.UTRNumber, override.FailureReason)
	updated, err := scanPayout(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateReference
		}
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO payout_audit_log (id, payout_id, actor, from_status, to_status, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, uuid.New(), payoutID, actor, current.Status, override.Status, override.AdminNotes)
	if err != nil {
		return nil, fmt.Errorf("insert audit record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return updated, nil
}

// ClaimDuePayouts picks due pending payouts (highest priority first) and marks
// them processing in one statement. FOR UPDATE SKIP LOCKED keeps concurrent
// dispatcher workers from claiming the same rows.
func (r *PostgresRepository) ClaimDuePayouts(ctx context.Context, limit int) ([]domain.PayoutRequest, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.db.Query(ctx, `
		UPDATE payouts SET status = 'processing', updated_at = NOW()
		WHERE id IN (
			SELECT id FROM payouts
			WHERE status = 'pending' AND (next_attempt_at IS NULL OR next_attempt_at <= NOW())
			ORDER BY priority DESC, created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+payoutColumns, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claimed []domain.PayoutRequest
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, *p)
	}
	return claimed, rows.Err()
}

// ComputeBalance derives the merchant's available balance from the ledger:
// confirmed income and reversals add, holds and debits subtract. Release
// entries settle a hold that already reduced the balance, so they are neutral.
func (r *PostgresRepository) ComputeBalance(ctx context.Context, merchantID uuid.UUID) (int64, error) {
	var balance int64
	query := `
		SELECT COALESCE(SUM(CASE entry_type
			WHEN 'credit'   THEN amount
			WHEN 'reversal' THEN amount
			WHEN 'hold'     THEN -amount
			WHEN 'debit'    THEN -amount
			ELSE 0
		END), 0)
		FROM ledger_entries
		WHERE merchant_id = $1
	`
	if err := r.db.QueryRow(ctx, query, merchantID).Scan(&balance); err != nil {
		return 0, err
	}
	return balance, nil
}

// AppendLedgerEntry appends a standalone ledger entry (credits, manual
// corrections). Status-coupled entries go through the Finalize methods instead.
func (r *PostgresRepository) AppendLedgerEntry(ctx context.Context, entry *domain.LedgerEntry) error {
	return insertLedgerEntry(ctx, r.db, entry)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func insertLedgerEntry(ctx context.Context, db execer, entry *domain.LedgerEntry) error {
	_, err := db.Exec(ctx, `
		INSERT INTO ledger_entries (id, merchant_id, payout_id, amount, entry_type,
		                            balance_before, balance_after, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
	`, entry.ID, entry.MerchantID, entry.PayoutID, entry.Amount, entry.EntryType,
		entry.BalanceBefore, entry.BalanceAfter, entry.Description)
	return err
}

// ListLedgerEntriesByPayout returns all ledger entries for a payout, oldest first.
func (r *PostgresRepository) ListLedgerEntriesByPayout(ctx context.Context, payoutID uuid.UUID) ([]domain.LedgerEntry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, merchant_id, payout_id, amount, entry_type, balance_before, balance_after,
		       COALESCE(description, ''), created_at
		FROM ledger_entries WHERE payout_id = $1 ORDER BY created_at ASC
	`, payoutID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		if err := rows.Scan(&e.ID, &e.MerchantID, &e.PayoutID, &e.Amount, &e.EntryType,
			&e.BalanceBefore, &e.BalanceAfter, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// InsertWebhookEvent durably logs one received callback. Every delivery gets a
// row, duplicates included, so the audit trail is complete.
func (r *PostgresRepository) InsertWebhookEvent(ctx context.Context, event *domain.WebhookEvent) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO webhook_events (id, source, external_ref, amount, reported_status, raw_payload,
		                            remote_addr, duplicate, matched, payout_id, received_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''), $6, NULLIF($7, ''), $8, $9, $10, NOW())
	`, event.ID, event.Source, event.ExternalRef, event.Amount, event.ReportedStatus,
		event.RawPayload, event.RemoteAddr, event.Duplicate, event.Matched, event.PayoutID)
	if isUniqueViolation(err) {
		return ErrDuplicateReference
	}
	return err
}

// HasWebhookEvent reports whether an earlier event from the same source carries
// the same external reference. This is the authoritative duplicate check; the
// Redis fast path in front of it is only an optimization.
func (r *PostgresRepository) HasWebhookEvent(ctx context.Context, source, externalRef string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM webhook_events WHERE source = $1 AND external_ref = $2)
	`, source, externalRef).Scan(&exists)
	return exists, err
}

// FindMatchablePayouts returns in-flight payouts with no external reference yet
// whose amount equals the callback's amount. The caller applies the event only
// when exactly one candidate exists.
func (r *PostgresRepository) FindMatchablePayouts(ctx context.Context, amount int64) ([]domain.PayoutRequest, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+payoutColumns+` FROM payouts
		WHERE utr_number IS NULL AND status IN ('pending', 'processing') AND amount = $1
		ORDER BY created_at ASC
	`, amount)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payouts []domain.PayoutRequest
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		payouts = append(payouts, *p)
	}
	return payouts, rows.Err()
}

// ApplyWebhookMatch finalizes a uniquely-matched payout from a rail callback:
// marks the event matched, sets the external reference, transitions the payout
// and appends the ledger entry, all in one transaction.
func (r *PostgresRepository) ApplyWebhookMatch(ctx context.Context, eventID, payoutID uuid.UUID, utrNumber, outcome, failureReason string, entry *domain.LedgerEntry) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin webhook match tx: %w", err)
	}
	defer tx.Rollback(ctx)

	result, err := tx.Exec(ctx, `
		UPDATE webhook_events SET matched = TRUE, payout_id = $2 WHERE id = $1
	`, eventID, payoutID)
	if err != nil {
		return fmt.Errorf("mark event matched: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrWebhookNotFound
	}

	// A nil entry links the event without touching payout state: used for
	// already-settled payouts, non-final outcomes and retry requeues.
	if entry == nil {
		return tx.Commit(ctx)
	}

	var tag pgconn.CommandTag
	if outcome == domain.WebhookOutcomeSuccess {
		tag, err = tx.Exec(ctx, `
			UPDATE payouts
			SET status = 'completed', utr_number = $2, finalized_at = NOW(), updated_at = NOW()
			WHERE id = $1 AND utr_number IS NULL AND status IN ('pending', 'processing')
		`, payoutID, utrNumber)
	} else {
		tag, err = tx.Exec(ctx, `
			UPDATE payouts
			SET status = 'failed', utr_number = $2, failure_reason = $3, finalized_at = NOW(), updated_at = NOW()
			WHERE id = $1 AND utr_number IS NULL AND status IN ('pending', 'processing')
		`, payoutID, utrNumber, failureReason)
	}
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateReference
		}
		return fmt.Errorf("finalize payout from webhook: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPayoutTerminal
	}

	if err := insertLedgerEntry(ctx, tx, entry); err != nil {
		return fmt.Errorf("insert settlement entry: %w", err)
	}

	return tx.Commit(ctx)
}

// ListUnmatchedWebhookEvents returns events awaiting manual reconciliation,
// newest first.
func (r *PostgresRepository) ListUnmatchedWebhookEvents(ctx context.Context, limit int) ([]domain.WebhookEvent, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		SELECT id, source, COALESCE(external_ref, ''), amount, COALESCE(reported_status, ''),
		       raw_payload, COALESCE(remote_addr, ''), duplicate, matched, payout_id, received_at
		FROM webhook_events
		WHERE matched = FALSE AND duplicate = FALSE
		ORDER BY received_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.WebhookEvent
	for rows.Next() {
		var e domain.WebhookEvent
		if err := rows.Scan(&e.ID, &e.Source, &e.ExternalRef, &e.Amount, &e.ReportedStatus,
			&e.RawPayload, &e.RemoteAddr, &e.Duplicate, &e.Matched, &e.PayoutID, &e.ReceivedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// AppendDeadLetter records a retry-exhausted gateway operation for manual replay.
func (r *PostgresRepository) AppendDeadLetter(ctx context.Context, entry *domain.DeadLetterEntry) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO dead_letters (id, payout_id, request_payload, response_payload, error, retry_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, entry.ID, entry.PayoutID, entry.RequestPayload, entry.ResponsePayload, entry.Error, entry.RetryCount)
	return err
}

// FindPayoutsWithOpenHold returns payouts whose hold entry has neither a
// release nor a reversal and which have sat pending past the cutoff.
func (r *PostgresRepository) FindPayoutsWithOpenHold(ctx context.Context, olderThan time.Time) ([]domain.PayoutRequest, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+payoutColumns+` FROM payouts p
		WHERE p.status = 'pending' AND p.created_at < $1
		  AND EXISTS (SELECT 1 FROM ledger_entries le WHERE le.payout_id = p.id AND le.entry_type = 'hold')
		  AND NOT EXISTS (SELECT 1 FROM ledger_entries le WHERE le.payout_id = p.id AND le.entry_type IN ('release', 'reversal'))
		ORDER BY p.created_at ASC
	`, olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPayouts(rows)
}

// FindUnsettledPayouts returns payouts still pending or processing past the cutoff.
func (r *PostgresRepository) FindUnsettledPayouts(ctx context.Context, olderThan time.Time) ([]domain.PayoutRequest, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+payoutColumns+` FROM payouts
		WHERE status IN ('pending', 'processing') AND created_at < $1
		ORDER BY created_at ASC
	`, olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPayouts(rows)
}

// FindCompletedPayoutsWithoutRef returns payouts marked successful with no
// settlement reference recorded.
func (r *PostgresRepository) FindCompletedPayoutsWithoutRef(ctx context.Context) ([]domain.PayoutRequest, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+payoutColumns+` FROM payouts
		WHERE status = 'completed' AND utr_number IS NULL
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPayouts(rows)
}

// FindDuplicateExternalRefs returns every external reference recorded on more
// than one payout, with the payout ids sharing it.
func (r *PostgresRepository) FindDuplicateExternalRefs(ctx context.Context) (map[string][]uuid.UUID, error) {
	rows, err := r.db.Query(ctx, `
		SELECT utr_number, array_agg(id ORDER BY created_at)
		FROM payouts
		WHERE utr_number IS NOT NULL
		GROUP BY utr_number
		HAVING COUNT(*) > 1
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	dupes := make(map[string][]uuid.UUID)
	for rows.Next() {
		var ref string
		var ids []uuid.UUID
		if err := rows.Scan(&ref, &ids); err != nil {
			return nil, err
		}
		dupes[ref] = ids
	}
	return dupes, rows.Err()
}

// InsertReconciliationIssues persists all issues found by one scanner run.
func (r *PostgresRepository) InsertReconciliationIssues(ctx context.Context, issues []domain.ReconciliationIssue) error {
	if len(issues) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, issue := range issues {
		batch.Queue(`
			INSERT INTO reconciliation_issues (id, run_id, kind, payout_id, external_ref, description, severity, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		`, issue.ID, issue.RunID, issue.Kind, issue.PayoutID, issue.ExternalRef, issue.Description, issue.Severity)
	}
	results := r.db.SendBatch(ctx, batch)
	defer results.Close()
	for range issues {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert reconciliation issue: %w", err)
		}
	}
	return nil
}

// InsertReconciliationRun writes the audit summary for a scanner run.
func (r *PostgresRepository) InsertReconciliationRun(ctx context.Context, summary *domain.ReconciliationRunSummary) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO reconciliation_runs (run_id, started_at, finished_at, issue_count, high_count, succeeded, error)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''))
	`, summary.RunID, summary.StartedAt, summary.FinishedAt, summary.IssueCount, summary.HighCount, summary.Succeeded, summary.Error)
	return err
}

// ListReconciliationIssues returns recent issues, newest first.
func (r *PostgresRepository) ListReconciliationIssues(ctx context.Context, limit int) ([]domain.ReconciliationIssue, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `
		SELECT id, run_id, kind, payout_id, external_ref, description, severity, created_at
		FROM reconciliation_issues
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var issues []domain.ReconciliationIssue
	for rows.Next() {
		var issue domain.ReconciliationIssue
		if err := rows.Scan(&issue.ID, &issue.RunID, &issue.Kind, &issue.PayoutID, &issue.ExternalRef,
			&issue.Description, &issue.Severity, &issue.CreatedAt); err != nil {
			return nil, err
		}
		issues = append(issues, issue)
	}
	return issues, rows.Err()
}

func collectPayouts(rows pgx.Rows) ([]domain.PayoutRequest, error) {
	var payouts []domain.PayoutRequest
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		payouts = append(payouts, *p)
	}
	return payouts, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
