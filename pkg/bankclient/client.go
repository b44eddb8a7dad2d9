/**
 * @description
 * This package provides the resilient outbound client for a banking/UPI rail.
 * It encapsulates authenticated HTTP calls to the rail's transfer and status
 * endpoints, retry with exponential backoff, account-number masking, audit
 * logging, Prometheus instrumentation and dead-lettering of exhausted requests.
 *
 * Key behaviors:
 * - Retries only transport errors and 5xx responses; 4xx and business
 *   rejections are permanent and fail immediately.
 * - Every attempt is recorded to the audit sink (request, response, HTTP
 *   status, latency) regardless of outcome. Audit failures never fail the call.
 * - Account numbers are masked (all but the last 4 digits replaced with 'X')
 *   before anything reaches a log line or audit record.
 * - When retries are exhausted the full request/response/error is pushed to the
 *   dead-letter sink tagged with the final retry count. This is the last line
 *   of defense against silently lost transfers.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 * - github.com/prometheus/client_golang: call metrics.
 */
package bankclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	gatewayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bank_gateway_request_duration_seconds",
		Help:    "Latency of bank gateway calls.",
		Buckets: prometheus.DefBuckets,
	}, []string{"rail", "op"})

	gatewaySuccess = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bank_gateway_success_total",
		Help: "Successful bank gateway calls.",
	}, []string{"rail", "op"})

	gatewayErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bank_gateway_errors_total",
		Help: "Failed bank gateway calls.",
	}, []string{"rail", "op"})
)

// TransferRequest is the outbound payload for a rail transfer.
type TransferRequest struct {
	PayoutID        uuid.UUID `json:"payout_id"` // echoed by well-behaved rails as idempotency reference
	Amount          int64     `json:"amount"`    // in paise
	Currency        string    `json:"currency"`
	Method          string    `json:"method"` // 'bank_transfer' or 'upi'
	BeneficiaryName string    `json:"beneficiary_name,omitempty"`
	AccountNumber   string    `json:"account_number,omitempty"`
	IFSCCode        string    `json:"ifsc_code,omitempty"`
	UPIID           string    `json:"upi_id,omitempty"`
	Narration       string    `json:"narration,omitempty"`
}

// TransferResult is the rail's synchronous answer to a transfer request.
// ExternalRef is empty when the rail only acknowledged acceptance and the
// settlement reference will arrive later via webhook.
type TransferResult struct {
	Status      string `json:"status"`
	ExternalRef string `json:"external_ref,omitempty"`
}

// StatusResult is the rail's answer to a status poll.
type StatusResult struct {
	Status      string `json:"status"`
	ExternalRef string `json:"external_ref"`
	Reason      string `json:"reason,omitempty"`
}

// TransientError marks a retryable failure: transport error or 5xx response.
// Attempts carries the number of calls consumed before the client gave up, so
// the caller can charge them against the payout's retry budget.
type TransientError struct {
	StatusCode int
	Attempts   int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transient gateway error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient gateway error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a non-retryable failure: 4xx or business rejection.
type PermanentError struct {
	StatusCode int
	Code       string
	Detail     string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent gateway error (status %d): %s - %s", e.StatusCode, e.Code, e.Detail)
}

// AuditRecord captures one gateway call for the audit trail. The request
// payload is masked before it is handed to the sink.
type AuditRecord struct {
	Rail       string
	Op         string
	Request    []byte
	Response   []byte
	HTTPStatus int
	Latency    time.Duration
	Error      string
	OccurredAt time.Time
}

// AuditSink records gateway calls. Implementations are best-effort: a sink
// failure must never fail the primary call.
type AuditSink interface {
	Record(ctx context.Context, rec AuditRecord)
}

// DeadLetter is the payload pushed when a transfer exhausts its retries.
type DeadLetter struct {
	PayoutID   uuid.UUID
	Request    []byte
	Response   []byte
	Error      string
	RetryCount int
}

// DeadLetterSink durably stores retry-exhausted operations for manual replay.
type DeadLetterSink interface {
	Push(ctx context.Context, dl DeadLetter) error
}

// errorResponse is the rail's error envelope.
type errorResponse struct {
	Errors []struct {
		Code   string `json:"code"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

// Client is a client for a named banking rail.
type Client struct {
	Rail        string
	BaseURL     string
	APIKey      string
	HTTPClient  *http.Client
	MaxAttempts int
	BackoffBase time.Duration // unit for 2^attempt backoff
	BackoffCap  time.Duration

	audit      AuditSink
	deadLetter DeadLetterSink
}

// NewClient creates a new rail client. The per-request timeout is independent
// of the retry backoff so a stalled call cannot hold a worker indefinitely.
func NewClient(rail, baseURL, apiKey string, audit AuditSink, deadLetter DeadLetterSink) *Client {
	return &Client{
		Rail:    rail,
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		MaxAttempts: 3,
		BackoffBase: time.Second,
		BackoffCap:  30 * time.Second,
		audit:       audit,
		deadLetter:  deadLetter,
	}
}

// MaskAccountNumber replaces all but the last 4 digits of an account number
// with 'X'. Short values are masked entirely.
func MaskAccountNumber(account string) string {
	if len(account) <= 4 {
		return strings.Repeat("X", len(account))
	}
	return strings.Repeat("X", len(account)-4) + account[len(account)-4:]
}

// maskedRequestBody renders the request for logging/auditing with the account
// number masked. Secrets never appear in the request struct itself.
func maskedRequestBody(req TransferRequest) []byte {
	masked := req
	masked.AccountNumber = MaskAccountNumber(req.AccountNumber)
	body, err := json.Marshal(masked)
	if err != nil {
		return []byte(`{"error":"unserializable request"}`)
	}
	return body
}

// Transfer initiates a transfer on the rail, retrying transient failures with
// exponential backoff. On exhaustion the request is dead-lettered and the last
// transient error returned.
func (c *Client) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transfer request: %w", err)
	}
	maskedBody := maskedRequestBody(req)

	var lastErr error
	var lastResponse []byte
	for attempt := 0; attempt < c.maxAttempts(); attempt++ {
		if attempt > 0 {
			if err := c.sleepBackoff(ctx, attempt); err != nil {
				return nil, err
			}
		}

		var result TransferResult
		respBody, httpErr := c.do(ctx, "POST", "/v1/transfers", body, maskedBody, "transfer", &result)
		lastResponse = respBody
		if httpErr == nil {
			return &result, nil
		}

		var transient *TransientError
		if !errors.As(httpErr, &transient) {
			// 4xx / business rejection: not retryable, no dead-letter.
			return nil, httpErr
		}
		lastErr = httpErr
		log.Printf("level=warn component=bank_client rail=%s op=transfer attempt=%d payout_id=%s err=%v",
			c.Rail, attempt+1, req.PayoutID, httpErr)
	}

	var transient *TransientError
	if errors.As(lastErr, &transient) {
		transient.Attempts = c.maxAttempts()
	}

	dl := DeadLetter{
		PayoutID:   req.PayoutID,
		Request:    maskedBody,
		Response:   lastResponse,
		Error:      lastErr.Error(),
		RetryCount: c.maxAttempts(),
	}
	if c.deadLetter != nil {
		if dlErr := c.deadLetter.Push(ctx, dl); dlErr != nil {
			// The dead-letter store failing is the one storage error we cannot
			// swallow: the transfer would be silently lost.
			return nil, fmt.Errorf("dead-letter push failed after retry exhaustion: %v (original: %w)", dlErr, lastErr)
		}
		log.Printf("level=error component=bank_client rail=%s op=transfer payout_id=%s msg=\"retries exhausted; dead-lettered\" retry_count=%d",
			c.Rail, req.PayoutID, dl.RetryCount)
	}
	return nil, lastErr
}

// CheckStatus polls the rail for the state of a previously initiated transfer.
func (c *Client) CheckStatus(ctx context.Context, externalRef string) (*StatusResult, error) {
	var result StatusResult
	_, err := c.do(ctx, "GET", "/v1/transfers/"+externalRef, nil, nil, "check_status", &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// do executes a single HTTP call, records the audit trail and metrics, and
// classifies the outcome into transient or permanent errors.
func (c *Client) do(ctx context.Context, method, path string, body, maskedBody []byte, op string, out interface{}) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-rail-key", c.APIKey)

	start := time.Now()
	resp, err := c.HTTPClient.Do(req)
	latency := time.Since(start)

	if err != nil {
		gatewayErrors.WithLabelValues(c.Rail, op).Inc()
		gatewayLatency.WithLabelValues(c.Rail, op).Observe(latency.Seconds())
		c.recordAudit(ctx, op, maskedBody, nil, 0, latency, err.Error())
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	respBody, readErr := io.ReadAll(resp.Body)
	gatewayLatency.WithLabelValues(c.Rail, op).Observe(latency.Seconds())
	if readErr != nil {
		gatewayErrors.WithLabelValues(c.Rail, op).Inc()
		c.recordAudit(ctx, op, maskedBody, nil, resp.StatusCode, latency, readErr.Error())
		return nil, &TransientError{StatusCode: resp.StatusCode, Err: readErr}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		c.recordAudit(ctx, op, maskedBody, respBody, resp.StatusCode, latency, "")
		if out != nil {
			if err := json.Unmarshal(respBody, out); err != nil {
				gatewayErrors.WithLabelValues(c.Rail, op).Inc()
				return respBody, &TransientError{StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to decode response: %w", err)}
			}
		}
		gatewaySuccess.WithLabelValues(c.Rail, op).Inc()
		return respBody, nil

	case resp.StatusCode >= 500:
		gatewayErrors.WithLabelValues(c.Rail, op).Inc()
		c.recordAudit(ctx, op, maskedBody, respBody, resp.StatusCode, latency, "server error")
		return respBody, &TransientError{StatusCode: resp.StatusCode, Err: fmt.Errorf("rail returned %d", resp.StatusCode)}

	default:
		gatewayErrors.WithLabelValues(c.Rail, op).Inc()
		perm := &PermanentError{StatusCode: resp.StatusCode, Code: "rejected", Detail: "request rejected by rail"}
		var errResp errorResponse
		if err := json.Unmarshal(respBody, &errResp); err == nil && len(errResp.Errors) > 0 {
			perm.Code = errResp.Errors[0].Code
			perm.Detail = errResp.Errors[0].Detail
		}
		c.recordAudit(ctx, op, maskedBody, respBody, resp.StatusCode, latency, perm.Error())
		return respBody, perm
	}
}

func (c *Client) recordAudit(ctx context.Context, op string, request, response []byte, status int, latency time.Duration, errMsg string) {
	if c.audit == nil {
		return
	}
	c.audit.Record(ctx, AuditRecord{
		Rail:       c.Rail,
		Op:         op,
		Request:    request,
		Response:   response,
		HTTPStatus: status,
		Latency:    latency,
		Error:      errMsg,
		OccurredAt: time.Now().UTC(),
	})
}

func (c *Client) maxAttempts() int {
	if c.MaxAttempts <= 0 {
		return 3
	}
	return c.MaxAttempts
}

// sleepBackoff waits 2^attempt units, capped, honoring context cancellation.
func (c *Client) sleepBackoff(ctx context.Context, attempt int) error {
	base := c.BackoffBase
	if base <= 0 {
		base = time.Second
	}
	delay := base * time.Duration(1<<uint(attempt))
	if c.BackoffCap > 0 && delay > c.BackoffCap {
		delay = c.BackoffCap
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
