package domain

import (
	"errors"
	"testing"
)

func TestParseRailPayload_StandardShape(t *testing.T) {
	body := []byte(`{"utr_number":"UTR123","amount":100000,"status":"SUCCESS"}`)

	payload, err := ParseRailPayload("razorbank", body)
	if err != nil {
		t.Fatalf("expected payload to parse, got %v", err)
	}
	if payload.ExternalRef != "UTR123" {
		t.Fatalf("expected external_ref=UTR123, got %s", payload.ExternalRef)
	}
	if payload.Amount != 100000 {
		t.Fatalf("expected amount=100000, got %d", payload.Amount)
	}
	if payload.Outcome != WebhookOutcomeSuccess {
		t.Fatalf("expected outcome=success, got %s", payload.Outcome)
	}
}

func TestParseRailPayload_StandardShapeFailureSynonyms(t *testing.T) {
	tests := []struct {
		status string
		want   string
	}{
		{status: "failed", want: WebhookOutcomeFailed},
		{status: "FAILURE", want: WebhookOutcomeFailed},
		{status: "reversed", want: WebhookOutcomeFailed},
		{status: "completed", want: WebhookOutcomeSuccess},
		{status: "processed", want: WebhookOutcomeSuccess},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			body := []byte(`{"utr_number":"UTR1","amount":1,"status":"` + tt.status + `"}`)
			payload, err := ParseRailPayload("somebank", body)
			if err != nil {
				t.Fatalf("expected payload to parse, got %v", err)
			}
			if payload.Outcome != tt.want {
				t.Fatalf("expected outcome=%s for status=%s, got %s", tt.want, tt.status, payload.Outcome)
			}
		})
	}
}

func TestParseRailPayload_RazorvedaEnvelope(t *testing.T) {
	body := []byte(`{"event":"payout.processed","data":{"reference":"rzv_abc123","amount":50000,"transaction_id":"txn_9"}}`)

	payload, err := ParseRailPayload("razorveda", body)
	if err != nil {
		t.Fatalf("expected payload to parse, got %v", err)
	}
	if payload.ExternalRef != "rzv_abc123" {
		t.Fatalf("expected reference from envelope, got %s", payload.ExternalRef)
	}
	if payload.Outcome != WebhookOutcomeSuccess {
		t.Fatalf("expected outcome=success for payout.processed, got %s", payload.Outcome)
	}
	if payload.TransactionID != "txn_9" {
		t.Fatalf("expected transaction id from envelope, got %s", payload.TransactionID)
	}
}

func TestParseRailPayload_RazorvedaFailureEvent(t *testing.T) {
	body := []byte(`{"event":"payout.rejected","data":{"reference":"rzv_def","amount":50000}}`)

	payload, err := ParseRailPayload("razorveda", body)
	if err != nil {
		t.Fatalf("expected payload to parse, got %v", err)
	}
	if payload.Outcome != WebhookOutcomeFailed {
		t.Fatalf("expected outcome=failed, got %s", payload.Outcome)
	}
}

func TestParseRailPayload_UnknownShapeKeepsRawBytes(t *testing.T) {
	body := []byte(`<xml>not json</xml>`)

	payload, err := ParseRailPayload("somebank", body)
	if !errors.Is(err, ErrUnknownRailPayload) {
		t.Fatalf("expected ErrUnknownRailPayload, got %v", err)
	}
	if string(payload.Raw) != string(body) {
		t.Fatal("expected raw bytes to be preserved for durable logging")
	}
}

func TestPayoutIsTerminal(t *testing.T) {
	tests := []struct {
		name   string
		payout PayoutRequest
		want   bool
	}{
		{name: "pending is not terminal", payout: PayoutRequest{Status: PayoutStatusPending}, want: false},
		{name: "processing is not terminal", payout: PayoutRequest{Status: PayoutStatusProcessing}, want: false},
		{name: "completed is terminal", payout: PayoutRequest{Status: PayoutStatusCompleted}, want: true},
		{name: "rejected is terminal", payout: PayoutRequest{Status: PayoutStatusRejected}, want: true},
		{name: "failed is terminal even with retries left", payout: PayoutRequest{Status: PayoutStatusFailed, RetryCount: 1, MaxRetries: 3}, want: true},
		{name: "failed with retries exhausted is terminal", payout: PayoutRequest{Status: PayoutStatusFailed, RetryCount: 3, MaxRetries: 3}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.payout.IsTerminal(); got != tt.want {
				t.Fatalf("expected terminal=%t, got %t", tt.want, got)
			}
		})
	}
}
