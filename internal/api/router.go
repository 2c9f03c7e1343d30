/**
 * @description
 * This file sets up the HTTP router for the core service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies the
 * authentication layers: bearer JWT for members and admins, an internal API key
 * for server-to-server calls, and provider signatures for webhooks.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS handling for browser clients.
 * - github.com/prometheus/client_golang/prometheus/promhttp: /metrics exposition.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig carries the settings the router needs beyond the handlers.
type RouterConfig struct {
	Auth           AuthConfig
	InternalAPIKey string
	AllowedOrigins []string
}

// NewRouter creates a new Chi router and registers the core service routes.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"https://*", "http://*"}
	}

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Link", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/stripe", h.handleStripeWebhook)
		r.Post("/bank", h.handleBankWebhook)
		r.Post("/crypto", h.handleCryptoWebhook)
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(cfg.InternalAPIKey))
		r.Put("/organizations/{orgID}", h.handleUpsertOrganization)
		r.Post("/inventory/sync", h.handleRunSync)
	})

	r.Group(func(r chi.Router) {
		r.Use(JWTAuthMiddleware(cfg.Auth))

		r.Route("/organizations/{orgID}", func(r chi.Router) {
			r.Use(RequireMembership)

			r.Post("/applications", h.handleSubmitApplication)
			r.Get("/applications", h.handleListApplications)
			r.Get("/applications/{id}", h.handleGetApplication)

			r.Get("/wallet", h.handleGetWallet)
			r.Get("/transactions", h.handleListTransactions)

			r.Get("/topups/usage", h.handleTopupUsage)
			r.Post("/topups/eligibility", h.handleTopupEligibility)
			r.Post("/topups", h.handleCreateTopup)
			r.Get("/topups", h.handleListTopups)
			r.Post("/topups/{id}/cancel", h.handleCancelTopup)

			r.Get("/bindings", h.handleListBindings)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireAdmin)

			r.Get("/applications/{id}", h.handleAdminGetApplication)
			r.Post("/applications/{id}/approve", h.handleApproveApplication)
			r.Post("/applications/{id}/fulfill", h.handleFulfillApplication)
			r.Post("/applications/{id}/reject", h.handleRejectApplication)

			r.Get("/bindings", h.handleAdminListBindings)
			r.Post("/bindings", h.handleBind)
			r.Post("/bindings/unbind", h.handleUnbind)
			r.Post("/bindings/cascade-unbind", h.handleCascadeUnbind)
			r.Post("/bindings/activation", h.handleToggleActivation)

			r.Route("/organizations/{orgID}", func(r chi.Router) {
				r.Post("/wallet/credit", h.handleWalletCredit)
				r.Post("/wallet/debit", h.handleWalletDebit)
				r.Post("/wallet/reserve", h.handleWalletReserve)
				r.Post("/wallet/release", h.handleWalletRelease)
				r.Get("/wallet/verify", h.handleWalletVerify)
				r.Post("/card-topups", h.handleCardTopup)
			})

			r.Get("/inventory/assets", h.handleListAssets)
			r.Get("/inventory/sync", h.handleLastSync)
			r.Post("/inventory/sync", h.handleRunSync)
		})
	})

	return r
}
