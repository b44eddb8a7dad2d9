/**
 * @description
 * This file contains the HTTP handlers for the payout-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service, and writing the HTTP response. They act as the
 * bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/finvela/payout-service/internal/app"
	"github.com/finvela/payout-service/internal/domain"
	"github.com/finvela/payout-service/internal/store"
)

// WebhookRateLimiter throttles inbound webhook deliveries per source.
type WebhookRateLimiter interface {
	Consume(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// PayoutHandlers holds the application services that handlers will use.
type PayoutHandlers struct {
	service          *app.Service
	webhooks         *app.WebhookService
	reconciler       *app.Reconciler
	webhookSecret    string
	rateLimiter      WebhookRateLimiter
	webhookRateLimit int
}

// NewPayoutHandlers creates a new instance of PayoutHandlers.
func NewPayoutHandlers(service *app.Service, webhooks *app.WebhookService, reconciler *app.Reconciler, webhookSecret string) *PayoutHandlers {
	return &PayoutHandlers{
		service:       service,
		webhooks:      webhooks,
		reconciler:    reconciler,
		webhookSecret: webhookSecret,
	}
}

// WithWebhookRateLimit attaches a per-source delivery limiter. A nil limiter
// or non-positive limit leaves throttling disabled.
func (h *PayoutHandlers) WithWebhookRateLimit(limiter WebhookRateLimiter, perMinute int) *PayoutHandlers {
	h.rateLimiter = limiter
	h.webhookRateLimit = perMinute
	return h
}

// payoutResponse is sent back after a payout submission has been accepted.
type payoutResponse struct {
	PayoutID  string `json:"payout_id"`
	Status    string `json:"status"`
	Message   string `json:"message"`
	Amount    int64  `json:"amount"`
	Fee       int64  `json:"fee"`
	Tax       int64  `json:"tax"`
	NetAmount int64  `json:"net_amount"`
}

// CreatePayoutHandler handles payout submission requests.
func (h *PayoutHandlers) CreatePayoutHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.CreatePayoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	payout, err := h.service.CreatePayout(r.Context(), req)
	if err != nil {
		var validation *app.ValidationError
		if errors.As(err, &validation) {
			h.writeError(w, http.StatusBadRequest, validation.Reason)
			return
		}
		if errors.Is(err, app.ErrInsufficientBalance) {
			h.writeError(w, http.StatusUnprocessableEntity, "Insufficient balance to cover the payout amount")
			return
		}
		log.Printf("level=error component=api msg=\"payout creation failed\" merchant_id=%s err=%v", req.MerchantID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to create payout")
		return
	}

	h.writeJSON(w, http.StatusCreated, payoutResponse{
		PayoutID:  payout.ID.String(),
		Status:    payout.Status,
		Message:   "Payout accepted for processing",
		Amount:    payout.Amount,
		Fee:       payout.Fee,
		Tax:       payout.Tax,
		NetAmount: payout.NetAmount,
	})
}

// GetPayoutHandler returns a single payout by id.
func (h *PayoutHandlers) GetPayoutHandler(w http.ResponseWriter, r *http.Request) {
	payoutID, err := uuid.Parse(chi.URLParam(r, "payoutID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid payout ID")
		return
	}

	payout, err := h.service.GetPayout(r.Context(), payoutID)
	if err != nil {
		if errors.Is(err, store.ErrPayoutNotFound) {
			h.writeError(w, http.StatusNotFound, "Payout not found")
			return
		}
		log.Printf("level=error component=api msg=\"payout lookup failed\" payout_id=%s err=%v", payoutID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to fetch payout")
		return
	}
	h.writeJSON(w, http.StatusOK, payout)
}

// ListPayoutsHandler returns a filtered, paginated payout listing.
func (h *PayoutHandlers) ListPayoutsHandler(w http.ResponseWriter, r *http.Request) {
	opts := domain.PayoutListOptions{
		Status: r.URL.Query().Get("status"),
		Page:   parseIntParam(r, "page", 1),
		Limit:  parseIntParam(r, "limit", 50),
	}
	if merchantStr := r.URL.Query().Get("merchant_id"); merchantStr != "" {
		merchantID, err := uuid.Parse(merchantStr)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "Invalid merchant ID")
			return
		}
		opts.MerchantID = &merchantID
	}

	payouts, err := h.service.ListPayouts(r.Context(), opts)
	if err != nil {
		log.Printf("level=error component=api msg=\"payout list failed\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Unable to list payouts")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"payouts": payouts,
		"page":    opts.Page,
		"limit":   opts.Limit,
	})
}

// OverrideStatusHandler applies a manual, audited status correction. The
// acting admin comes from the validated JWT.
func (h *PayoutHandlers) OverrideStatusHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := GetAdminActor(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Admin identity not found")
		return
	}
	payoutID, err := uuid.Parse(chi.URLParam(r, "payoutID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid payout ID")
		return
	}
	var override domain.AdminStatusOverride
	if err := json.NewDecoder(r.Body).Decode(&override); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	payout, err := h.service.AdminOverrideStatus(r.Context(), payoutID, override, actor)
	if err != nil {
		var validation *app.ValidationError
		switch {
		case errors.As(err, &validation):
			h.writeError(w, http.StatusBadRequest, validation.Reason)
		case errors.Is(err, store.ErrPayoutNotFound):
			h.writeError(w, http.StatusNotFound, "Payout not found")
		default:
			log.Printf("level=error component=api msg=\"status override failed\" payout_id=%s actor=%s err=%v", payoutID, actor, err)
			h.writeError(w, http.StatusInternalServerError, "Unable to override payout status")
		}
		return
	}
	h.writeJSON(w, http.StatusOK, payout)
}

// creditRequest is the DTO for booking confirmed merchant income.
type creditRequest struct {
	Amount      int64  `json:"amount"` // in paise
	Description string `json:"description,omitempty"`
}

// RecordCreditHandler books confirmed income for a merchant. Used by the
// settlement collaborator over the internal API.
func (h *PayoutHandlers) RecordCreditHandler(w http.ResponseWriter, r *http.Request) {
	merchantID, err := uuid.Parse(chi.URLParam(r, "merchantID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid merchant ID")
		return
	}
	var req creditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Amount <= 0 {
		h.writeError(w, http.StatusBadRequest, "Amount must be greater than zero")
		return
	}

	entry, err := h.service.RecordMerchantCredit(r.Context(), merchantID, req.Amount, req.Description)
	if err != nil {
		log.Printf("level=error component=api msg=\"credit booking failed\" merchant_id=%s err=%v", merchantID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to record credit")
		return
	}
	h.writeJSON(w, http.StatusCreated, entry)
}

// ListUnmatchedWebhooksHandler returns recently received events that could not
// be matched to a payout.
func (h *PayoutHandlers) ListUnmatchedWebhooksHandler(w http.ResponseWriter, r *http.Request) {
	events, err := h.webhooks.ListUnmatched(r.Context(), parseIntParam(r, "limit", 100))
	if err != nil {
		log.Printf("level=error component=api msg=\"unmatched webhook list failed\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Unable to list unmatched webhooks")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

// ListReconciliationIssuesHandler returns the most recent reconciliation issues.
func (h *PayoutHandlers) ListReconciliationIssuesHandler(w http.ResponseWriter, r *http.Request) {
	issues, err := h.reconciler.ListIssues(r.Context(), parseIntParam(r, "limit", 100))
	if err != nil {
		log.Printf("level=error component=api msg=\"reconciliation issue list failed\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Unable to list reconciliation issues")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"issues": issues})
}

func parseIntParam(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

// writeJSON is a helper to write a JSON response with a given status code.
func (h *PayoutHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("level=error component=api msg=\"failed to encode response\" err=%v", err)
	}
}

// writeError is a helper to write a JSON error response.
func (h *PayoutHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
