/**
 * @description
 * Reconciliation models. Each scanner run cross-checks the internal ledger and
 * payout state against the externally-confirmed view and records one
 * ReconciliationIssue per detected inconsistency. Issues are not deduplicated
 * across runs; suppression is a policy decision left to the alerting consumer.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Issue kinds raised by the reconciliation scanner.
const (
	IssueStuckTransaction    = "stuck_transaction"
	IssueDelayedPayout       = "delayed_payout"
	IssueMissingConfirmation = "missing_confirmation"
	IssueDuplicateReference  = "duplicate_reference"
)

// Issue severities.
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// ReconciliationIssue is one detected inconsistency between the ledger/payout
// state and the externally-confirmed state.
type ReconciliationIssue struct {
	ID          uuid.UUID  `json:"id"`
	RunID       uuid.UUID  `json:"run_id"`
	Kind        string     `json:"kind"`
	PayoutID    *uuid.UUID `json:"payout_id,omitempty"`
	ExternalRef *string    `json:"external_ref,omitempty"`
	Description string     `json:"description"`
	Severity    string     `json:"severity"`
	CreatedAt   time.Time  `json:"created_at"`
}

// ReconciliationRunSummary is the audit record written after every scan.
type ReconciliationRunSummary struct {
	RunID      uuid.UUID `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	IssueCount int       `json:"issue_count"`
	HighCount  int       `json:"high_count"`
	Succeeded  bool      `json:"succeeded"`
	Error      string    `json:"error,omitempty"`
}

// ReconciliationAlertEvent is published for the notification collaborator
// whenever a run surfaces high-severity issues.
type ReconciliationAlertEvent struct {
	RunID      uuid.UUID             `json:"run_id"`
	Issues     []ReconciliationIssue `json:"issues"`
	OccurredAt time.Time             `json:"occurred_at"`
}
