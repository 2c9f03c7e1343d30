package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/adhub/core-service/internal/app"
	"github.com/adhub/core-service/internal/domain"
	"github.com/adhub/core-service/internal/store"
)

type cascadeUnbindRequest struct {
	BusinessManagerID uuid.UUID `json:"business_manager_id"`
	OrganizationID    uuid.UUID `json:"organization_id"`
}

func (h *Handler) handleAdminGetApplication(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	application, err := h.svc.Applications.Get(r.Context(), id)
	if err != nil {
		respondWithDomainError(w, h.logger, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, application)
}

func (h *Handler) handleApproveApplication(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFromContext(r.Context())
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	application, err := h.svc.Applications.Approve(r.Context(), id, actor.ID)
	if err != nil {
		respondWithDomainError(w, h.logger, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, application)
}

func (h *Handler) handleFulfillApplication(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFromContext(r.Context())
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req domain.FulfillApplicationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	application, err := h.svc.Applications.Fulfill(r.Context(), id, actor.ID, req)
	if err != nil {
		respondWithDomainError(w, h.logger, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, application)
}

func (h *Handler) handleRejectApplication(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFromContext(r.Context())
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req domain.RejectApplicationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	application, err := h.svc.Applications.Reject(r.Context(), id, actor.ID, req)
	if err != nil {
		respondWithDomainError(w, h.logger, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, application)
}

func (h *Handler) handleBind(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFromContext(r.Context())
	var req app.BindRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	binding, err := h.svc.Bindings.Bind(r.Context(), req, actor.ID)
	if err != nil {
		respondWithDomainError(w, h.logger, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, binding)
}

func (h *Handler) handleAdminListBindings(w http.ResponseWriter, r *http.Request) {
	orgID, err := uuid.Parse(r.URL.Query().Get("organization_id"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "organization_id query parameter is required")
		return
	}
	bindings, err := h.svc.Bindings.ListBindings(r.Context(), orgID, domain.BindingStatus(r.URL.Query().Get("status")))
	if err != nil {
		respondWithDomainError(w, h.logger, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{"bindings": bindings})
}

func (h *Handler) handleUnbind(w http.ResponseWriter, r *http.Request) {
	var req app.BindRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	binding, err := h.svc.Bindings.Unbind(r.Context(), req.AssetID, req.OrganizationID)
	if err != nil {
		respondWithDomainError(w, h.logger, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, binding)
}

func (h *Handler) handleCascadeUnbind(w http.ResponseWriter, r *http.Request) {
	var req cascadeUnbindRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	plan, err := h.svc.Bindings.CascadeUnbind(r.Context(), req.BusinessManagerID, req.OrganizationID)
	if err != nil {
		respondWithDomainError(w, h.logger, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, plan)
}

func (h *Handler) handleToggleActivation(w http.ResponseWriter, r *http.Request) {
	var req app.ToggleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	result, err := h.svc.Bindings.ToggleActivation(r.Context(), req)
	if err != nil {
		respondWithDomainError(w, h.logger, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleWalletCredit(w http.ResponseWriter, r *http.Request) {
	h.walletMutation(w, r, h.svc.Ledger.Credit)
}

func (h *Handler) handleWalletDebit(w http.ResponseWriter, r *http.Request) {
	h.walletMutation(w, r, h.svc.Ledger.Debit)
}

func (h *Handler) walletMutation(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, in app.EntryInput) (*domain.LedgerResult, error)) {
	actor, _ := ActorFromContext(r.Context())
	orgID, ok := uuidParam(w, r, "orgID")
	if !ok {
		return
	}
	var req domain.WalletMutationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Type == "" {
		req.Type = domain.TransactionTypeAdjustment
	}

	result, err := apply(r.Context(), app.EntryInput{
		OrganizationID: orgID,
		AmountCents:    req.AmountCents,
		Type:           req.Type,
		Metadata:       req.Metadata,
		IdempotencyKey: strings.TrimSpace(req.IdempotencyKey),
		Actor:          &actor.ID,
	})
	if err != nil {
		respondWithDomainError(w, h.logger, r, err)
		return
	}
	code := http.StatusCreated
	if result.Replayed {
		code = http.StatusOK
	}
	respondWithJSON(w, code, result)
}

func (h *Handler) handleWalletReserve(w http.ResponseWriter, r *http.Request) {
	h.walletHold(w, r, h.svc.Ledger.Reserve)
}

func (h *Handler) handleWalletRelease(w http.ResponseWriter, r *http.Request) {
	h.walletHold(w, r, h.svc.Ledger.Release)
}

func (h *Handler) walletHold(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, orgID uuid.UUID, amountCents int64) (*domain.Balance, error)) {
	orgID, ok := uuidParam(w, r, "orgID")
	if !ok {
		return
	}
	var req domain.HoldRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	balance, err := apply(r.Context(), orgID, req.AmountCents)
	if err != nil {
		respondWithDomainError(w, h.logger, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, balance)
}

func (h *Handler) handleWalletVerify(w http.ResponseWriter, r *http.Request) {
	orgID, ok := uuidParam(w, r, "orgID")
	if !ok {
		return
	}
	audit, err := h.svc.Ledger.VerifyBalance(r.Context(), orgID)
	if err != nil {
		respondWithDomainError(w, h.logger, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, audit)
}

func (h *Handler) handleCardTopup(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFromContext(r.Context())
	orgID, ok := uuidParam(w, r, "orgID")
	if !ok {
		return
	}
	var req domain.CardTopupRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	result, err := h.svc.Topups.RecordCardTopup(r.Context(), orgID, req, actor.ID)
	if err != nil {
		respondWithDomainError(w, h.logger, r, err)
		return
	}
	code := http.StatusCreated
	if result.Replayed {
		code = http.StatusOK
	}
	respondWithJSON(w, code, result)
}

func (h *Handler) handleListAssets(w http.ResponseWriter, r *http.Request) {
	if h.svc.Inventory == nil {
		respondWithError(w, http.StatusServiceUnavailable, "Inventory is not configured")
		return
	}
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	query := r.URL.Query()
	assets, err := h.svc.Inventory.ListAssets(r.Context(), store.AssetFilter{
		Type:   domain.AssetType(query.Get("type")),
		Status: domain.AssetStatus(query.Get("status")),
		Limit:  limit,
	})
	if err != nil {
		respondWithDomainError(w, h.logger, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{"assets": assets})
}

func (h *Handler) handleLastSync(w http.ResponseWriter, r *http.Request) {
	if h.svc.Inventory == nil {
		respondWithError(w, http.StatusServiceUnavailable, "Inventory is not configured")
		return
	}
	run, err := h.svc.Inventory.LastRun(r.Context())
	if err != nil {
		respondWithDomainError(w, h.logger, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"run":      run,
		"degraded": run.Status == domain.SyncStatusDegraded || run.Status == domain.SyncStatusFailed,
	})
}

// handleRunSync runs a sync inline. A degraded run still reports the run record.
func (h *Handler) handleRunSync(w http.ResponseWriter, r *http.Request) {
	if h.svc.Inventory == nil {
		respondWithError(w, http.StatusServiceUnavailable, "Inventory is not configured")
		return
	}
	run, err := h.svc.Inventory.Run(r.Context())
	if err != nil && run == nil {
		respondWithDomainError(w, h.logger, r, err)
		return
	}
	if err != nil {
		respondWithJSON(w, statusFor(err), map[string]interface{}{"run": run, "error": err.Error()})
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{"run": run})
}

func (h *Handler) handleUpsertOrganization(w http.ResponseWriter, r *http.Request) {
	orgID, ok := uuidParam(w, r, "orgID")
	if !ok {
		return
	}
	var req domain.UpsertOrganizationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	org, err := h.svc.Organizations.Upsert(r.Context(), orgID, req)
	if err != nil {
		respondWithDomainError(w, h.logger, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, org)
}
