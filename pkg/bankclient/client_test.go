package bankclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type deadLetterStub struct {
	pushed []DeadLetter
	err    error
}

func (s *deadLetterStub) Push(ctx context.Context, dl DeadLetter) error {
	if s.err != nil {
		return s.err
	}
	s.pushed = append(s.pushed, dl)
	return nil
}

type auditStub struct {
	records []AuditRecord
}

func (s *auditStub) Record(ctx context.Context, rec AuditRecord) {
	s.records = append(s.records, rec)
}

func newTestClient(baseURL string, audit AuditSink, dl DeadLetterSink) *Client {
	c := NewClient("testrail", baseURL, "secret-key", audit, dl)
	c.BackoffBase = time.Millisecond
	c.BackoffCap = 5 * time.Millisecond
	return c
}

func TestMaskAccountNumber(t *testing.T) {
	tests := []struct {
		name    string
		account string
		want    string
	}{
		{name: "standard account", account: "123456789012", want: "XXXXXXXX9012"},
		{name: "minimum length", account: "123456789", want: "XXXXX6789"},
		{name: "exactly four digits", account: "1234", want: "XXXX"},
		{name: "shorter than four", account: "12", want: "XX"},
		{name: "empty", account: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MaskAccountNumber(tt.account); got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestTransfer_SuccessReturnsReference(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-rail-key") != "secret-key" {
			t.Errorf("expected api key header, got %q", r.Header.Get("x-rail-key"))
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"processed","external_ref":"UTR123"}`))
	}))
	defer server.Close()

	audit := &auditStub{}
	client := newTestClient(server.URL, audit, &deadLetterStub{})

	result, err := client.Transfer(context.Background(), TransferRequest{
		PayoutID: uuid.New(),
		Amount:   100000,
		Currency: "INR",
		Method:   "upi",
		UPIID:    "asha@upi",
	})
	if err != nil {
		t.Fatalf("expected transfer to succeed, got %v", err)
	}
	if result.ExternalRef != "UTR123" {
		t.Fatalf("expected external_ref=UTR123, got %s", result.ExternalRef)
	}
	if len(audit.records) != 1 {
		t.Fatalf("expected one audit record, got %d", len(audit.records))
	}
}

func TestTransfer_ServerErrorsRetryThenDeadLetter(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	dl := &deadLetterStub{}
	client := newTestClient(server.URL, nil, dl)

	payoutID := uuid.New()
	_, err := client.Transfer(context.Background(), TransferRequest{PayoutID: payoutID, Amount: 100000})

	var transient *TransientError
	if !errors.As(err, &transient) {
		t.Fatalf("expected TransientError, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	if transient.Attempts != 3 {
		t.Fatalf("expected Attempts=3 on exhaustion, got %d", transient.Attempts)
	}
	if len(dl.pushed) != 1 {
		t.Fatalf("expected one dead letter, got %d", len(dl.pushed))
	}
	if dl.pushed[0].PayoutID != payoutID {
		t.Fatal("expected dead letter tagged with the payout id")
	}
	if dl.pushed[0].RetryCount != 3 {
		t.Fatalf("expected dead letter retry_count=3, got %d", dl.pushed[0].RetryCount)
	}
}

func TestTransfer_ClientErrorFailsWithoutRetry(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"errors":[{"code":"invalid_account","detail":"beneficiary account closed"}]}`))
	}))
	defer server.Close()

	dl := &deadLetterStub{}
	client := newTestClient(server.URL, nil, dl)

	_, err := client.Transfer(context.Background(), TransferRequest{PayoutID: uuid.New(), Amount: 100000})

	var permanent *PermanentError
	if !errors.As(err, &permanent) {
		t.Fatalf("expected PermanentError, got %v", err)
	}
	if permanent.Code != "invalid_account" {
		t.Fatalf("expected rail error code to be parsed, got %q", permanent.Code)
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt for a client error, got %d", calls)
	}
	if len(dl.pushed) != 0 {
		t.Fatal("expected no dead letter for a permanent rejection")
	}
}

func TestTransfer_DeadLetterFailurePropagates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestClient(server.URL, nil, &deadLetterStub{err: errors.New("disk full")})

	_, err := client.Transfer(context.Background(), TransferRequest{PayoutID: uuid.New(), Amount: 100000})
	if err == nil {
		t.Fatal("expected an error when the dead-letter push fails")
	}
	if !strings.Contains(err.Error(), "dead-letter push failed") {
		t.Fatalf("expected the dead-letter failure to surface, got %v", err)
	}
	var transient *TransientError
	if !errors.As(err, &transient) {
		t.Fatal("expected the original transient error to remain unwrappable")
	}
}

func TestTransfer_AuditRecordsMaskAccountNumber(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"processed","external_ref":"UTR1"}`))
	}))
	defer server.Close()

	audit := &auditStub{}
	client := newTestClient(server.URL, audit, &deadLetterStub{})

	_, err := client.Transfer(context.Background(), TransferRequest{
		PayoutID:      uuid.New(),
		Amount:        100000,
		Method:        "bank_transfer",
		AccountNumber: "123456789012",
		IFSCCode:      "HDFC0000123",
	})
	if err != nil {
		t.Fatalf("expected transfer to succeed, got %v", err)
	}
	if len(audit.records) != 1 {
		t.Fatalf("expected one audit record, got %d", len(audit.records))
	}
	recorded := string(audit.records[0].Request)
	if !strings.Contains(recorded, "XXXXXXXX9012") {
		t.Fatalf("expected masked account number in audit record, got %s", recorded)
	}
	if strings.Contains(recorded, "123456789012") {
		t.Fatal("raw account number must never reach the audit record")
	}
}

func TestCheckStatus_UndecodableBodyCountsAsErrorNotSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`not-json`))
	}))
	defer server.Close()

	client := NewClient("decoderail", server.URL, "secret-key", nil, &deadLetterStub{})

	_, err := client.CheckStatus(context.Background(), "UTR77")
	var transient *TransientError
	if !errors.As(err, &transient) {
		t.Fatalf("expected TransientError on an undecodable body, got %v", err)
	}
	if got := testutil.ToFloat64(gatewaySuccess.WithLabelValues("decoderail", "check_status")); got != 0 {
		t.Fatalf("expected no success count for an undecodable body, got %v", got)
	}
	if got := testutil.ToFloat64(gatewayErrors.WithLabelValues("decoderail", "check_status")); got != 1 {
		t.Fatalf("expected one error count for an undecodable body, got %v", got)
	}
}

func TestCheckStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/transfers/UTR55" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"failed","external_ref":"UTR55","reason":"beneficiary bank timeout"}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, nil, &deadLetterStub{})
	result, err := client.CheckStatus(context.Background(), "UTR55")
	if err != nil {
		t.Fatalf("expected status check to succeed, got %v", err)
	}
	if result.Status != "failed" || result.Reason == "" {
		t.Fatalf("unexpected status result %+v", result)
	}
}
