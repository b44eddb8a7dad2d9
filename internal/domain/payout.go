/**
 * @description
 * This file defines the core domain models for the payout-service. These structs
 * represent the main entities and data transfer objects (DTOs) used throughout the
 * service's business logic, database interactions, and API layers.
 *
 * @notes
 * - Using distinct types for API requests, database models, and external service
 *   payloads ensures clear separation of concerns and type safety.
 * - Amounts are stored as `int64` to represent the value in the smallest currency
 *   unit (paise), which avoids floating-point inaccuracies with financial data.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Payout lifecycle statuses. Terminal statuses never change again.
const (
	PayoutStatusPending    = "pending"
	PayoutStatusProcessing = "processing"
	PayoutStatusCompleted  = "completed"
	PayoutStatusFailed     = "failed"
	PayoutStatusRejected   = "rejected"
)

// Supported payout methods.
const (
	PayoutMethodBankTransfer = "bank_transfer"
	PayoutMethodUPI          = "upi"
)

// PayoutRequest represents one outbound transfer intent. This struct maps
// directly to the `payouts` table in the database.
type PayoutRequest struct {
	ID         uuid.UUID `json:"id"`
	MerchantID uuid.UUID `json:"merchant_id"`

	Amount    int64  `json:"amount"`     // in paise
	Currency  string `json:"currency"`   // "INR"
	Fee       int64  `json:"fee"`        // in paise
	Tax       int64  `json:"tax"`        // tax on fee, in paise
	NetAmount int64  `json:"net_amount"` // amount - fee - tax

	PayoutMethod    string `json:"payout_method"` // 'bank_transfer' or 'upi'
	BeneficiaryName string `json:"beneficiary_name,omitempty"`
	AccountNumber   string `json:"account_number,omitempty"`
	IFSCCode        string `json:"ifsc_code,omitempty"`
	UPIID           string `json:"upi_id,omitempty"`
	Description     string `json:"description,omitempty"`

	Status        string     `json:"status"`
	RetryCount    int        `json:"retry_count"`
	MaxRetries    int        `json:"max_retries"`
	Priority      int        `json:"priority"` // higher drains first
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	UTRNumber     *string    `json:"utr_number,omitempty"`      // set only on completion
	FailureReason *string    `json:"failure_reason,omitempty"`  // set only on failure

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	FinalizedAt *time.Time `json:"finalized_at,omitempty"`
}

// IsTerminal reports whether the payout has reached a state it can never
// leave. Retries re-enter the machine through pending, never through failed,
// so failed is terminal regardless of the retry count.
func (p *PayoutRequest) IsTerminal() bool {
	switch p.Status {
	case PayoutStatusCompleted, PayoutStatusRejected, PayoutStatusFailed:
		return true
	}
	return false
}

// CreatePayoutRequest is the DTO for incoming payout submission API requests.
type CreatePayoutRequest struct {
	MerchantID      uuid.UUID `json:"merchant_id"`
	Amount          int64     `json:"amount"` // in paise
	PayoutMethod    string    `json:"payout_method"`
	BeneficiaryName string    `json:"beneficiary_name,omitempty"`
	AccountNumber   string    `json:"account_number,omitempty"`
	IFSCCode        string    `json:"ifsc_code,omitempty"`
	UPIID           string    `json:"upi_id,omitempty"`
	Description     string    `json:"description,omitempty"`
	Priority        int       `json:"priority,omitempty"`
}

// PayoutListOptions controls filtering and pagination for payout queries.
type PayoutListOptions struct {
	MerchantID *uuid.UUID
	Status     string
	Page       int
	Limit      int
}

// AdminStatusOverride is the DTO for a manual, audited status correction.
type AdminStatusOverride struct {
	Status        string  `json:"status"`
	UTRNumber     *string `json:"utr_number,omitempty"`
	FailureReason *string `json:"failure_reason,omitempty"`
	AdminNotes    *string `json:"admin_notes,omitempty"`
}

// PayoutAuditRecord captures who changed a payout's status outside the normal
// lifecycle, and why.
type PayoutAuditRecord struct {
	ID         uuid.UUID `json:"id"`
	PayoutID   uuid.UUID `json:"payout_id"`
	Actor      string    `json:"actor"`
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	Notes      *string   `json:"notes,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// PayoutStatusEvent is the message payload published to RabbitMQ on every
// payout lifecycle transition.
type PayoutStatusEvent struct {
	PayoutID      uuid.UUID `json:"payout_id"`
	MerchantID    uuid.UUID `json:"merchant_id"`
	Status        string    `json:"status"`
	Amount        int64     `json:"amount"`
	UTRNumber     string    `json:"utr_number,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}
