/**
 * @description
 * Asset binding manager. Assigns inventory assets to organizations, unbinds
 * them, and toggles the soft activation flag.
 *
 * @notes
 * - An asset has at most one active binding at any time. The store enforces it
 *   with a conditional write, so two concurrent binds for the same asset
 *   produce one success and one domain.ErrConflict.
 * - Unbinding or switching off a business manager cascades to the ad accounts
 *   it owns for the same organization. Switching it back on never reactivates
 *   the children.
 */

package app

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/adhub/core-service/internal/domain"
	"github.com/adhub/core-service/internal/store"
	"github.com/adhub/core-service/pkg/logging"
)

// BindRequest is the admin DTO for binding an asset to an organization.
type BindRequest struct {
	AssetID        uuid.UUID `json:"asset_id"`
	OrganizationID uuid.UUID `json:"organization_id"`
}

// ToggleRequest is the admin DTO for the soft activation switch.
type ToggleRequest struct {
	AssetID        uuid.UUID `json:"asset_id"`
	OrganizationID uuid.UUID `json:"organization_id"`
	IsActive       bool      `json:"is_active"`
}

// ToggleResult reports the toggled binding and, for a business manager being
// switched off, the children switched off with it.
type ToggleResult struct {
	Binding domain.AssetBinding `json:"binding"`
	Cascade *domain.CascadePlan `json:"cascade,omitempty"`
}

type BindingManager struct {
	repo   store.Repository
	events *EventEmitter
	logger logging.Logger
	now    func() time.Time
}

func NewBindingManager(repo store.Repository, events *EventEmitter, logger logging.Logger) *BindingManager {
	return &BindingManager{repo: repo, events: events, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Bind assigns the asset to the organization.
func (m *BindingManager) Bind(ctx context.Context, req BindRequest, actorID uuid.UUID) (*domain.AssetBinding, error) {
	var binding *domain.AssetBinding
	err := m.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		binding, err = m.bindTx(ctx, tx, req.AssetID, req.OrganizationID, actorID)
		return err
	})
	bindingOperations.WithLabelValues("bind", resultLabel(err)).Inc()
	if err != nil {
		return nil, err
	}
	m.events.Emit(ctx, domain.EventBindingActivated, binding.OrganizationID, binding)
	return binding, nil
}

func (m *BindingManager) bindTx(ctx context.Context, tx store.Tx, assetID, orgID, actorID uuid.UUID) (*domain.AssetBinding, error) {
	if assetID == uuid.Nil || orgID == uuid.Nil {
		return nil, domain.Validationf("asset_id and organization_id are required")
	}
	asset, err := tx.GetAsset(ctx, assetID)
	if err != nil {
		return nil, err
	}
	if asset.Status == domain.AssetStatusStale {
		return nil, domain.Conflictf("asset %s is stale and cannot be bound", assetID)
	}
	if _, err := tx.GetOrganization(ctx, orgID); err != nil {
		return nil, err
	}
	return tx.ActivateBinding(ctx, assetID, orgID, actorID, m.now())
}

// Unbind ends the organization's binding on one asset. No cascade is applied.
func (m *BindingManager) Unbind(ctx context.Context, assetID, orgID uuid.UUID) (*domain.AssetBinding, error) {
	var binding *domain.AssetBinding
	err := m.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		current, err := tx.GetBinding(ctx, assetID, orgID)
		if err != nil {
			return err
		}
		if current.Status != domain.BindingStatusActive {
			return domain.Conflictf("binding %s is already inactive", current.ID)
		}
		now := m.now()
		n, err := tx.DeactivateBindings(ctx, []uuid.UUID{current.ID}, now)
		if err != nil {
			return err
		}
		if n != 1 {
			return domain.Conflictf("binding %s changed concurrently", current.ID)
		}
		current.Status = domain.BindingStatusInactive
		current.IsActive = false
		current.UnboundAt = &now
		current.UpdatedAt = now
		binding = current
		return nil
	})
	bindingOperations.WithLabelValues("unbind", resultLabel(err)).Inc()
	if err != nil {
		return nil, err
	}
	m.events.Emit(ctx, domain.EventBindingDeactivated, orgID, binding)
	return binding, nil
}

// CascadeUnbind unbinds a business manager and every ad account it owns that
// the same organization currently holds. It returns the plan that was applied.
func (m *BindingManager) CascadeUnbind(ctx context.Context, bmAssetID, orgID uuid.UUID) (*domain.CascadePlan, error) {
	var plan domain.CascadePlan
	err := m.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		bm, bmBinding, err := m.loadBusinessManagerBinding(ctx, tx, bmAssetID, orgID)
		if err != nil {
			return err
		}
		plan, err = m.planCascade(ctx, tx, *bm, *bmBinding, func(b domain.AssetBinding) bool { return true })
		if err != nil {
			return err
		}

		// An earlier single-asset unbind of the business manager can leave
		// children behind; the cascade still sweeps them.
		ids := plan.BindingIDs()
		if bmBinding.Status != domain.BindingStatusActive {
			plan.BusinessManagerAlreadyInactive = true
			ids = plan.AdAccountBindingIDs
			if len(ids) == 0 {
				return domain.Conflictf("business manager binding %s is already inactive", bmBinding.ID)
			}
		}
		n, err := tx.DeactivateBindings(ctx, ids, m.now())
		if err != nil {
			return err
		}
		if n != len(ids) {
			return domain.Conflictf("cascade expected %d bindings, deactivated %d", len(ids), n)
		}
		return nil
	})
	bindingOperations.WithLabelValues("cascade_unbind", resultLabel(err)).Inc()
	if err != nil {
		return nil, err
	}

	m.logger.WithFields(logging.Fields{
		"component":        "binding_manager",
		"organization_id":  orgID,
		"business_manager": bmAssetID,
		"ad_accounts":      len(plan.AdAccountBindingIDs),
	}).Info("cascade unbind applied")
	m.events.Emit(ctx, domain.EventBindingDeactivated, orgID, plan)
	return &plan, nil
}

// ToggleActivation flips the soft activation flag on a lifecycle-active binding.
func (m *BindingManager) ToggleActivation(ctx context.Context, req ToggleRequest) (*ToggleResult, error) {
	var result ToggleResult
	err := m.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		asset, err := tx.GetAsset(ctx, req.AssetID)
		if err != nil {
			return err
		}
		binding, err := tx.GetBinding(ctx, req.AssetID, req.OrganizationID)
		if err != nil {
			return err
		}
		if binding.Status != domain.BindingStatusActive {
			return domain.Conflictf("binding %s is not active", binding.ID)
		}

		now := m.now()
		ids := []uuid.UUID{binding.ID}
		if asset.Type == domain.AssetTypeBusinessManager && !req.IsActive {
			plan, err := m.planCascade(ctx, tx, *asset, *binding, func(b domain.AssetBinding) bool { return b.IsActive })
			if err != nil {
				return err
			}
			ids = plan.BindingIDs()
			result.Cascade = &plan
		}

		n, err := tx.SetBindingsActiveFlag(ctx, ids, req.IsActive, now)
		if err != nil {
			return err
		}
		if n != len(ids) {
			return domain.Conflictf("toggle expected %d bindings, updated %d", len(ids), n)
		}
		binding.IsActive = req.IsActive
		binding.UpdatedAt = now
		result.Binding = *binding
		return nil
	})
	bindingOperations.WithLabelValues("toggle", resultLabel(err)).Inc()
	if err != nil {
		return nil, err
	}
	m.events.Emit(ctx, domain.EventBindingToggled, req.OrganizationID, result)
	return &result, nil
}

// ListBindings returns the organization's bindings, optionally filtered by status.
func (m *BindingManager) ListBindings(ctx context.Context, orgID uuid.UUID, status domain.BindingStatus) ([]domain.AssetBinding, error) {
	switch status {
	case "", domain.BindingStatusActive, domain.BindingStatusInactive:
	default:
		return nil, domain.Validationf("unsupported binding status %q", status)
	}
	return m.repo.ListBindings(ctx, store.BindingFilter{OrganizationID: orgID, Status: status})
}

func (m *BindingManager) loadBusinessManagerBinding(ctx context.Context, tx store.Tx, assetID, orgID uuid.UUID) (*domain.InventoryAsset, *domain.AssetBinding, error) {
	asset, err := tx.GetAsset(ctx, assetID)
	if err != nil {
		return nil, nil, err
	}
	if asset.Type != domain.AssetTypeBusinessManager {
		return nil, nil, domain.Validationf("asset %s is a %s, not a business manager", assetID, asset.Type)
	}
	binding, err := tx.GetBinding(ctx, assetID, orgID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil, domain.NotFoundf("organization %s has no binding on business manager %s", orgID, assetID)
		}
		return nil, nil, err
	}
	return asset, binding, nil
}

// planCascade computes the children of bm held by the binding's organization
// among its lifecycle-active bindings that satisfy keep.
func (m *BindingManager) planCascade(ctx context.Context, tx store.Tx, bm domain.InventoryAsset, bmBinding domain.AssetBinding, keep func(domain.AssetBinding) bool) (domain.CascadePlan, error) {
	adAccounts, err := tx.ListAssets(ctx, store.AssetFilter{Type: domain.AssetTypeAdAccount})
	if err != nil {
		return domain.CascadePlan{}, err
	}
	active, err := tx.ListBindings(ctx, store.BindingFilter{
		OrganizationID: bmBinding.OrganizationID,
		Status:         domain.BindingStatusActive,
	})
	if err != nil {
		return domain.CascadePlan{}, err
	}
	candidates := make([]domain.AssetBinding, 0, len(active))
	for _, b := range active {
		if keep(b) {
			candidates = append(candidates, b)
		}
	}
	return domain.PlanCascade(bm, bmBinding, domain.IndexAdAccounts(adAccounts), candidates), nil
}
