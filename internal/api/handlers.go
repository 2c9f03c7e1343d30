/**
 * @description
 * HTTP handlers for organization members. Every route here runs behind
 * JWTAuthMiddleware and RequireMembership, so the organization id in context is
 * always one the caller may act for.
 */

package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/adhub/core-service/internal/app"
	"github.com/adhub/core-service/internal/domain"
	"github.com/adhub/core-service/pkg/logging"
)

// Services groups the application services the handlers call.
type Services struct {
	Applications  *app.ApplicationTracker
	Bindings      *app.BindingManager
	Ledger        *app.WalletLedger
	Topups        *app.TopupService
	Reconciler    *app.Reconciler
	Inventory     *app.InventorySync
	Organizations *app.OrganizationDirectory
	// Ping reports store health for /health. Optional.
	Ping func(ctx context.Context) error
}

// WebhookSecrets holds the per-provider signing secrets. AllowUnsigned accepts
// unsigned deliveries for providers without a secret; it is only set in development.
type WebhookSecrets struct {
	Stripe        string
	Bank          string
	Crypto        string
	AllowUnsigned bool
}

// Handler holds the application services that handlers will interact with.
type Handler struct {
	svc      Services
	webhooks WebhookSecrets
	logger   logging.Logger
}

// NewHandler creates a new Handler with the given services.
func NewHandler(svc Services, webhooks WebhookSecrets, logger logging.Logger) *Handler {
	return &Handler{svc: svc, webhooks: webhooks, logger: logger}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.svc.Ping != nil {
		if err := h.svc.Ping(r.Context()); err != nil {
			h.logger.WithError(err).Warn("health check failed")
			respondWithJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *Handler) handleSubmitApplication(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFromContext(r.Context())
	var req domain.SubmitApplicationRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	application, err := h.svc.Applications.Submit(r.Context(), organizationFromContext(r.Context()), req, actor.ID)
	if err != nil {
		respondWithDomainError(w, h.logger, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, application)
}

func (h *Handler) handleListApplications(w http.ResponseWriter, r *http.Request) {
	status := domain.ApplicationStatus(r.URL.Query().Get("status"))
	applications, err := h.svc.Applications.List(r.Context(), organizationFromContext(r.Context()), status)
	if err != nil {
		respondWithDomainError(w, h.logger, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{"applications": applications})
}

func (h *Handler) handleGetApplication(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	application, err := h.svc.Applications.Get(r.Context(), id)
	if err == nil && application.OrganizationID != organizationFromContext(r.Context()) {
		err = domain.NotFoundf("application %s", id)
	}
	if err != nil {
		respondWithDomainError(w, h.logger, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, application)
}

func (h *Handler) handleGetWallet(w http.ResponseWriter, r *http.Request) {
	balance, err := h.svc.Ledger.GetBalance(r.Context(), organizationFromContext(r.Context()))
	if err != nil {
		respondWithDomainError(w, h.logger, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, balance)
}

func (h *Handler) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	txns, err := h.svc.Ledger.ListTransactions(r.Context(), organizationFromContext(r.Context()), limit)
	if err != nil {
		respondWithDomainError(w, h.logger, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{"transactions": txns})
}

func (h *Handler) handleTopupUsage(w http.ResponseWriter, r *http.Request) {
	usage, err := h.svc.Topups.GetTopupUsage(r.Context(), organizationFromContext(r.Context()))
	if err != nil {
		respondWithDomainError(w, h.logger, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, usage)
}

func (h *Handler) handleTopupEligibility(w http.ResponseWriter, r *http.Request) {
	var req domain.TopupEligibilityRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	eligibility, err := h.svc.Topups.CanMakeTopupRequest(r.Context(), organizationFromContext(r.Context()), req.AmountCents)
	if err != nil {
		respondWithDomainError(w, h.logger, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, eligibility)
}

func (h *Handler) handleCreateTopup(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFromContext(r.Context())
	var req domain.CreateTopupRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	topup, err := h.svc.Topups.CreateTopupRequest(r.Context(), organizationFromContext(r.Context()), req, actor.ID)
	if err != nil {
		respondWithDomainError(w, h.logger, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, topup)
}

func (h *Handler) handleListTopups(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	topups, err := h.svc.Topups.ListTopupRequests(r.Context(), organizationFromContext(r.Context()), limit)
	if err != nil {
		respondWithDomainError(w, h.logger, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{"topups": topups})
}

func (h *Handler) handleCancelTopup(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	topup, err := h.svc.Topups.CancelTopupRequest(r.Context(), organizationFromContext(r.Context()), id)
	if err != nil {
		respondWithDomainError(w, h.logger, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, topup)
}

func (h *Handler) handleListBindings(w http.ResponseWriter, r *http.Request) {
	status := domain.BindingStatus(r.URL.Query().Get("status"))
	bindings, err := h.svc.Bindings.ListBindings(r.Context(), organizationFromContext(r.Context()), status)
	if err != nil {
		respondWithDomainError(w, h.logger, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{"bindings": bindings})
}

func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

func limitParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		respondWithError(w, http.StatusBadRequest, "Invalid limit")
		return 0, false
	}
	return limit, true
}
