/**
 * @description
 * Ledger entry model for the payout-service. The ledger is append-only: entries
 * are never edited or removed, and corrections are recorded as new reversal
 * entries. Every entry is tied to exactly one payout (or to confirmed income
 * for credit entries).
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Ledger entry types.
const (
	LedgerEntryHold     = "hold"     // reserves funds against a pending payout
	LedgerEntryRelease  = "release"  // finalizes a hold after confirmed settlement
	LedgerEntryDebit    = "debit"    // direct balance reduction
	LedgerEntryReversal = "reversal" // returns held funds after a failed payout
	LedgerEntryCredit   = "credit"   // confirmed income
)

// LedgerEntry is an immutable record of a single balance movement.
// Invariant: BalanceAfter = BalanceBefore +/- Amount depending on EntryType.
type LedgerEntry struct {
	ID            uuid.UUID  `json:"id"`
	MerchantID    uuid.UUID  `json:"merchant_id"`
	PayoutID      *uuid.UUID `json:"payout_id,omitempty"`
	Amount        int64      `json:"amount"` // in paise, always positive
	EntryType     string     `json:"entry_type"`
	BalanceBefore int64      `json:"balance_before"`
	BalanceAfter  int64      `json:"balance_after"`
	Description   string     `json:"description"`
	CreatedAt     time.Time  `json:"created_at"`
}

// DeadLetterEntry is an append-only record of a gateway operation that
// exhausted its retries, kept for manual inspection and replay.
type DeadLetterEntry struct {
	ID              uuid.UUID  `json:"id"`
	PayoutID        *uuid.UUID `json:"payout_id,omitempty"`
	RequestPayload  []byte     `json:"request_payload"`
	ResponsePayload []byte     `json:"response_payload,omitempty"`
	Error           string     `json:"error"`
	RetryCount      int        `json:"retry_count"`
	CreatedAt       time.Time  `json:"created_at"`
}
