package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/adhub/core-service/internal/domain"
	"github.com/adhub/core-service/internal/policy"
	"github.com/adhub/core-service/internal/store"
	"github.com/adhub/core-service/pkg/logging"
)

// ApplicationTracker drives the application state machine:
// pending -> processing -> ready, and any non-terminal state -> rejected.
type ApplicationTracker struct {
	repo     store.Repository
	catalog  *policy.Catalog
	bindings *BindingManager
	ledger   *WalletLedger
	events   *EventEmitter
	logger   logging.Logger
	now      func() time.Time
}

func NewApplicationTracker(repo store.Repository, catalog *policy.Catalog, bindings *BindingManager, ledger *WalletLedger, events *EventEmitter, logger logging.Logger) *ApplicationTracker {
	return &ApplicationTracker{
		repo:     repo,
		catalog:  catalog,
		bindings: bindings,
		ledger:   ledger,
		events:   events,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Submit creates a pending application for the organization.
func (t *ApplicationTracker) Submit(ctx context.Context, orgID uuid.UUID, req domain.SubmitApplicationRequest, actorID uuid.UUID) (*domain.Application, error) {
	req.Payload.Name = strings.TrimSpace(req.Payload.Name)
	if err := req.Payload.Validate(req.RequestType); err != nil {
		return nil, err
	}

	org, err := t.repo.GetOrganization(ctx, orgID)
	if err != nil {
		return nil, err
	}

	var quoted int64
	switch req.RequestType {
	case domain.RequestTypeBusinessManager:
		plan, err := t.catalog.Plan(org.PlanID)
		if err != nil {
			return nil, err
		}
		count, err := t.repo.CountActiveBindings(ctx, orgID, domain.AssetTypeBusinessManager)
		if err != nil {
			return nil, err
		}
		quoted = policy.ComputeBMApplicationFee(plan, count)

	case domain.RequestTypeAdAccount:
		if err := t.requireOwnedBusinessManager(ctx, orgID, *req.Payload.BusinessManagerID); err != nil {
			return nil, err
		}
	}

	now := t.now()
	app := &domain.Application{
		ID:             uuid.New(),
		OrganizationID: orgID,
		RequestType:    req.RequestType,
		Status:         domain.ApplicationStatusPending,
		Payload:        req.Payload,
		QuotedFeeCents: quoted,
		AssetIDs:       []uuid.UUID{},
		SubmittedBy:    actorID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := t.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertApplication(ctx, app)
	}); err != nil {
		return nil, err
	}

	t.events.Emit(ctx, domain.EventApplicationSubmitted, orgID, app)
	return app, nil
}

// requireOwnedBusinessManager checks that an ad account application names a
// business manager the organization currently holds.
func (t *ApplicationTracker) requireOwnedBusinessManager(ctx context.Context, orgID, bmAssetID uuid.UUID) error {
	asset, err := t.repo.GetAsset(ctx, bmAssetID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Validationf("business manager %s does not exist", bmAssetID)
		}
		return err
	}
	if asset.Type != domain.AssetTypeBusinessManager {
		return domain.Validationf("asset %s is not a business manager", bmAssetID)
	}
	binding, err := t.repo.GetBinding(ctx, bmAssetID, orgID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Validationf("business manager %s is not bound to this organization", bmAssetID)
		}
		return err
	}
	if binding.Status != domain.BindingStatusActive {
		return domain.Validationf("business manager %s is not bound to this organization", bmAssetID)
	}
	return nil
}

// Approve moves a pending application to processing.
func (t *ApplicationTracker) Approve(ctx context.Context, id, adminID uuid.UUID) (*domain.Application, error) {
	app, err := t.transition(ctx, id, func(app *domain.Application) error {
		if app.Status != domain.ApplicationStatusPending {
			return domain.Conflictf("application %s is %s, expected pending", app.ID, app.Status)
		}
		now := t.now()
		app.Status = domain.ApplicationStatusProcessing
		app.ApprovedBy = &adminID
		app.ApprovedAt = &now
		app.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	t.events.Emit(ctx, domain.EventApplicationApproved, app.OrganizationID, app)
	return app, nil
}

// Reject ends any non-terminal application.
func (t *ApplicationTracker) Reject(ctx context.Context, id, adminID uuid.UUID, req domain.RejectApplicationRequest) (*domain.Application, error) {
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, domain.Validationf("reason is required")
	}
	app, err := t.transition(ctx, id, func(app *domain.Application) error {
		if app.Status.Terminal() {
			return domain.Conflictf("application %s is already %s", app.ID, app.Status)
		}
		now := t.now()
		app.Status = domain.ApplicationStatusRejected
		app.RejectionReason = reason
		app.RejectedBy = &adminID
		app.RejectedAt = &now
		app.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	t.events.Emit(ctx, domain.EventApplicationRejected, app.OrganizationID, app)
	return app, nil
}

// transition locks the application, applies mutate and writes it back only if
// the status is still the one that was read.
func (t *ApplicationTracker) transition(ctx context.Context, id uuid.UUID, mutate func(app *domain.Application) error) (*domain.Application, error) {
	var out *domain.Application
	err := t.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		app, err := tx.LockApplication(ctx, id)
		if err != nil {
			return err
		}
		observed := app.Status
		if err := mutate(app); err != nil {
			return err
		}
		if err := tx.UpdateApplication(ctx, app, observed); err != nil {
			return err
		}
		out = app
		return nil
	})
	return out, err
}

// Fulfill binds every asset to the application's organization, charges the
// business manager fee if one applies, and marks the application ready. All of
// it commits together or not at all.
func (t *ApplicationTracker) Fulfill(ctx context.Context, id, adminID uuid.UUID, req domain.FulfillApplicationRequest) (*domain.Application, error) {
	if len(req.AssetIDs) == 0 {
		return nil, domain.Validationf("asset_ids must not be empty")
	}
	seen := make(map[uuid.UUID]struct{}, len(req.AssetIDs))
	for _, assetID := range req.AssetIDs {
		if assetID == uuid.Nil {
			return nil, domain.Validationf("asset_ids must not contain empty ids")
		}
		if _, dup := seen[assetID]; dup {
			return nil, domain.Validationf("asset %s listed more than once", assetID)
		}
		seen[assetID] = struct{}{}
	}

	var (
		out      *domain.Application
		bindings []domain.AssetBinding
		charge   *domain.LedgerResult
	)
	err := t.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		app, err := tx.LockApplication(ctx, id)
		if err != nil {
			return err
		}
		if app.Status != domain.ApplicationStatusProcessing {
			return domain.Conflictf("application %s is %s, expected processing", app.ID, app.Status)
		}

		var parentBM *domain.InventoryAsset
		if app.RequestType == domain.RequestTypeAdAccount && app.Payload.BusinessManagerID != nil {
			if parentBM, err = tx.GetAsset(ctx, *app.Payload.BusinessManagerID); err != nil {
				return err
			}
		}
		for _, assetID := range req.AssetIDs {
			asset, err := tx.GetAsset(ctx, assetID)
			if err != nil {
				return err
			}
			if !assetMatchesRequest(app.RequestType, asset.Type) {
				return domain.Validationf("asset %s is a %s and cannot fulfill a %s application", assetID, asset.Type, app.RequestType)
			}
			if parentBM != nil && asset.Type == domain.AssetTypeAdAccount {
				if parent, ok := asset.ParentBusinessManagerExternalID(); !ok || parent != parentBM.ExternalID {
					return domain.Validationf("ad account %s does not belong to business manager %s", assetID, parentBM.ID)
				}
			}
		}

		var fee int64
		if app.RequestType == domain.RequestTypeBusinessManager {
			fee, err = t.businessManagerFee(ctx, tx, app.OrganizationID)
			if err != nil {
				return err
			}
		}
		if fee > 0 {
			charge, err = t.ledger.debitTx(ctx, tx, EntryInput{
				OrganizationID: app.OrganizationID,
				AmountCents:    fee,
				Type:           domain.TransactionTypeBMApplicationFee,
				Metadata:       map[string]string{"application_id": app.ID.String()},
				IdempotencyKey: fmt.Sprintf("application:%s:fee", app.ID),
				Actor:          &adminID,
			})
			if err != nil {
				return err
			}
		}

		for _, assetID := range req.AssetIDs {
			binding, err := t.bindings.bindTx(ctx, tx, assetID, app.OrganizationID, adminID)
			if err != nil {
				return fmt.Errorf("bind asset %s: %w", assetID, err)
			}
			bindings = append(bindings, *binding)
		}

		now := t.now()
		app.Status = domain.ApplicationStatusReady
		app.AssetIDs = append([]uuid.UUID(nil), req.AssetIDs...)
		app.ChargedFeeCents = fee
		app.AdminNotes = strings.TrimSpace(req.AdminNotes)
		app.FulfilledBy = &adminID
		app.FulfilledAt = &now
		app.UpdatedAt = now
		if err := tx.UpdateApplication(ctx, app, domain.ApplicationStatusProcessing); err != nil {
			return err
		}
		out = app
		return nil
	})
	if err != nil {
		return nil, err
	}

	t.logger.WithFields(logging.Fields{
		"component":      "application_tracker",
		"application_id": out.ID,
		"assets":         len(bindings),
		"fee_cents":      out.ChargedFeeCents,
	}).Info("application fulfilled")

	if charge != nil {
		t.events.Emit(ctx, domain.EventWalletDebited, out.OrganizationID, charge)
	}
	for _, binding := range bindings {
		t.events.Emit(ctx, domain.EventBindingActivated, out.OrganizationID, binding)
	}
	t.events.Emit(ctx, domain.EventApplicationReady, out.OrganizationID, out)
	return out, nil
}

// businessManagerFee prices a new business manager from the organization's
// current active business manager count.
func (t *ApplicationTracker) businessManagerFee(ctx context.Context, tx store.Tx, orgID uuid.UUID) (int64, error) {
	org, err := tx.LockOrganization(ctx, orgID)
	if err != nil {
		return 0, err
	}
	plan, err := t.catalog.Plan(org.PlanID)
	if err != nil {
		return 0, err
	}
	count, err := tx.CountActiveBindings(ctx, orgID, domain.AssetTypeBusinessManager)
	if err != nil {
		return 0, err
	}
	return policy.ComputeBMApplicationFee(plan, count), nil
}

// assetMatchesRequest allows pixels and profiles alongside the requested asset type.
func assetMatchesRequest(requestType domain.ApplicationRequestType, assetType domain.AssetType) bool {
	switch assetType {
	case domain.AssetTypeBusinessManager:
		return requestType == domain.RequestTypeBusinessManager
	case domain.AssetTypeAdAccount:
		return requestType == domain.RequestTypeAdAccount || requestType == domain.RequestTypeBusinessManager
	case domain.AssetTypePixel, domain.AssetTypeProfile:
		return true
	}
	return false
}

func (t *ApplicationTracker) Get(ctx context.Context, id uuid.UUID) (*domain.Application, error) {
	return t.repo.GetApplication(ctx, id)
}

func (t *ApplicationTracker) List(ctx context.Context, orgID uuid.UUID, status domain.ApplicationStatus) ([]domain.Application, error) {
	switch status {
	case "", domain.ApplicationStatusPending, domain.ApplicationStatusProcessing,
		domain.ApplicationStatusReady, domain.ApplicationStatusRejected:
	default:
		return nil, domain.Validationf("unsupported application status %q", status)
	}
	return t.repo.ListApplications(ctx, orgID, status)
}
