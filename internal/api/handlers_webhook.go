/**
 * @description
 * This file contains the HTTP handler for incoming rail webhooks. Webhooks are
 * acknowledged with 200 only after the delivery has been durably logged, so the
 * rail's retry machinery keeps working for us on any storage failure.
 *
 * @notes
 * - The raw body is read once and passed verbatim to ingestion; signature
 *   verification runs over exactly the bytes that arrived.
 * - Duplicates are acknowledged with 200. The rail already got its answer the
 *   first time; telling it anything else would provoke endless redelivery.
 */

package api

import (
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

const maxWebhookBodyBytes = 1 << 20

// RailWebhookHandler receives confirmation callbacks from a banking rail.
func (h *PayoutHandlers) RailWebhookHandler(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	if source == "" {
		h.writeError(w, http.StatusBadRequest, "Missing webhook source")
		return
	}

	if h.rateLimiter != nil && h.webhookRateLimit > 0 {
		count, retryAfter, err := h.rateLimiter.Consume(r.Context(), "webhook", source, h.webhookRateLimit, time.Minute)
		if err != nil {
			// The limiter is protection, not correctness: on Redis trouble we
			// let the delivery through rather than drop confirmations.
			log.Printf("level=warn component=api msg=\"webhook rate limiter unavailable\" source=%s err=%v", source, err)
		} else if count > h.webhookRateLimit {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			h.writeError(w, http.StatusTooManyRequests, "Webhook rate limit exceeded")
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Unable to read request body")
		return
	}

	signature := r.Header.Get("x-webhook-signature")
	if !VerifyWebhookSignature(h.webhookSecret, body, signature) {
		log.Printf("level=warn component=api msg=\"webhook signature verification failed\" source=%s remote=%s", source, r.RemoteAddr)
		h.writeError(w, http.StatusUnauthorized, "Invalid webhook signature")
		return
	}

	result, err := h.webhooks.Ingest(r.Context(), source, body, r.RemoteAddr)
	if err != nil {
		// Not durably logged: make the rail retry.
		log.Printf("level=error component=api msg=\"webhook ingestion failed\" source=%s err=%v", source, err)
		h.writeError(w, http.StatusInternalServerError, "Webhook processing failed")
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}
