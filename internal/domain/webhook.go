/**
 * @description
 * This file defines the Go structs that model incoming webhook payloads from the
 * banking rails. These structures are essential for safely unmarshaling the JSON
 * received at the webhook endpoints and processing it in a type-safe manner.
 *
 * @notes
 * - Each rail gets a strongly-typed payload shape; payloads from unrecognized
 *   sources fall back to the raw bytes so no delivery is ever lost to a schema
 *   mismatch.
 * - The raw body is always persisted verbatim, independent of whether the event
 *   could be parsed or matched.
 */

package domain

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Outcomes reported by a rail in a confirmation callback.
const (
	WebhookOutcomeSuccess = "success"
	WebhookOutcomeFailed  = "failed"
)

// WebhookEvent is one received confirmation callback, durably logged exactly
// once per delivery. Unmatched events remain queryable for manual reconciliation.
type WebhookEvent struct {
	ID             uuid.UUID  `json:"id"`
	Source         string     `json:"source"` // which bank/rail
	ExternalRef    string     `json:"external_ref"`
	Amount         int64      `json:"amount"` // in paise
	ReportedStatus string     `json:"reported_status"`
	RawPayload     []byte     `json:"raw_payload"`
	RemoteAddr     string     `json:"remote_addr,omitempty"`
	Duplicate      bool       `json:"duplicate"`
	Matched        bool       `json:"matched"`
	PayoutID       *uuid.UUID `json:"payout_id,omitempty"`
	ReceivedAt     time.Time  `json:"received_at"`
}

// RailPayload is the normalised view of a rail callback after shape-specific
// parsing. Raw always carries the original bytes.
type RailPayload struct {
	ExternalRef   string
	Amount        int64
	Outcome       string
	TransactionID string
	Timestamp     *time.Time
	Raw           []byte
}

// standardRailPayload matches the common UPI/IMPS rail callback shape:
// {"utr_number": "...", "amount": 100000, "status": "success", ...}
type standardRailPayload struct {
	UTRNumber     string     `json:"utr_number"`
	ExternalRef   string     `json:"external_ref"`
	Amount        int64      `json:"amount"`
	Status        string     `json:"status"`
	TransactionID string     `json:"transaction_id,omitempty"`
	Timestamp     *time.Time `json:"timestamp,omitempty"`
}

// razorvedaRailPayload matches the enveloped shape used by the razorveda rail:
// {"event": "payout.processed", "data": {"reference": "...", "amount": ..., ...}}
type razorvedaRailPayload struct {
	Event string `json:"event"`
	Data  struct {
		Reference     string     `json:"reference"`
		Amount        int64      `json:"amount"`
		TransactionID string     `json:"transaction_id,omitempty"`
		ProcessedAt   *time.Time `json:"processed_at,omitempty"`
	} `json:"data"`
}

// ErrUnknownRailPayload indicates the payload could not be parsed into any
// known rail shape. The raw bytes are still logged.
var ErrUnknownRailPayload = errors.New("unrecognized rail payload shape")

// ParseRailPayload decodes a raw webhook body into the normalised RailPayload,
// trying the shape registered for the source first and falling back to raw-only
// for unrecognized payloads.
func ParseRailPayload(source string, body []byte) (*RailPayload, error) {
	switch strings.ToLower(strings.TrimSpace(source)) {
	case "razorveda":
		var p razorvedaRailPayload
		if err := json.Unmarshal(body, &p); err == nil && p.Data.Reference != "" {
			outcome := WebhookOutcomeFailed
			if p.Event == "payout.processed" || strings.HasSuffix(p.Event, ".success") {
				outcome = WebhookOutcomeSuccess
			}
			return &RailPayload{
				ExternalRef:   p.Data.Reference,
				Amount:        p.Data.Amount,
				Outcome:       outcome,
				TransactionID: p.Data.TransactionID,
				Timestamp:     p.Data.ProcessedAt,
				Raw:           body,
			}, nil
		}
	default:
		var p standardRailPayload
		if err := json.Unmarshal(body, &p); err == nil {
			ref := p.UTRNumber
			if ref == "" {
				ref = p.ExternalRef
			}
			if ref != "" {
				return &RailPayload{
					ExternalRef:   ref,
					Amount:        p.Amount,
					Outcome:       normalizeOutcome(p.Status),
					TransactionID: p.TransactionID,
					Timestamp:     p.Timestamp,
					Raw:           body,
				}, nil
			}
		}
	}
	return &RailPayload{Raw: body}, ErrUnknownRailPayload
}

func normalizeOutcome(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "success", "successful", "completed", "processed":
		return WebhookOutcomeSuccess
	case "failed", "failure", "reversed":
		return WebhookOutcomeFailed
	default:
		return strings.ToLower(strings.TrimSpace(status))
	}
}
