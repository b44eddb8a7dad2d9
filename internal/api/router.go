/**
 * @description
 * This file sets up the HTTP router for the payout-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/prometheus/client_golang: metrics endpoint.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PayoutRoutes creates and returns a new router for the payout service.
func PayoutRoutes(h *PayoutHandlers, jwksURL, internalAPIKey string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler())

	// Rail webhooks authenticate via HMAC signature, not the internal key.
	r.Post("/webhooks/{source}", h.RailWebhookHandler)

	// Group routes for trusted service-to-service callers.
	r.Group(func(r chi.Router) {
		r.Use(InternalAPIKeyMiddleware(internalAPIKey))

		r.Post("/payouts", h.CreatePayoutHandler)
		r.Get("/payouts", h.ListPayoutsHandler)
		r.Get("/payouts/{payoutID}", h.GetPayoutHandler)
		r.Post("/merchants/{merchantID}/credits", h.RecordCreditHandler)

		r.Get("/webhooks/unmatched", h.ListUnmatchedWebhooksHandler)
		r.Get("/reconciliation/issues", h.ListReconciliationIssuesHandler)
	})

	// Admin operations require an operator JWT.
	r.Group(func(r chi.Router) {
		r.Use(AdminAuthMiddleware(jwksURL))

		r.Post("/payouts/{payoutID}/status", h.OverrideStatusHandler)
	})

	return r
}
