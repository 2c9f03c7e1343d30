package domain

import (
	"bytes"
	"sort"
	"time"

	"github.com/google/uuid"
)

// BindingStatus is the lifecycle state of an asset binding. At most one binding
// per asset is active at any time.
type BindingStatus string

const (
	BindingStatusActive   BindingStatus = "active"
	BindingStatusInactive BindingStatus = "inactive"
)

// AssetBinding assigns an inventory asset to an organization. There is one row
// per (asset, organization); binding again reactivates it. IsActive is the soft
// on/off toggle that is independent of the lifecycle status.
type AssetBinding struct {
	ID             uuid.UUID     `json:"id"`
	AssetID        uuid.UUID     `json:"asset_id"`
	OrganizationID uuid.UUID     `json:"organization_id"`
	Status         BindingStatus `json:"status"`
	IsActive       bool          `json:"is_active"`
	BoundBy        uuid.UUID     `json:"bound_by"`
	BoundAt        time.Time     `json:"bound_at"`
	UnboundAt      *time.Time    `json:"unbound_at,omitempty"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// AdAccountIndex groups ad account assets by the external id of their parent
// business manager.
type AdAccountIndex map[string][]InventoryAsset

// IndexAdAccounts builds the business manager -> ad accounts edge list from a set
// of inventory assets. Non ad-account assets are ignored.
func IndexAdAccounts(assets []InventoryAsset) AdAccountIndex {
	idx := make(AdAccountIndex)
	for _, asset := range assets {
		if asset.Type != AssetTypeAdAccount {
			continue
		}
		parent, ok := asset.ParentBusinessManagerExternalID()
		if !ok {
			continue
		}
		idx[parent] = append(idx[parent], asset)
	}
	return idx
}

// Children returns the ad accounts owned by the given business manager.
func (idx AdAccountIndex) Children(businessManagerExternalID string) []InventoryAsset {
	return idx[businessManagerExternalID]
}

// CascadePlan is the explicit set of bindings touched when a business manager
// binding is unbound or switched off for one organization.
type CascadePlan struct {
	OrganizationID           uuid.UUID   `json:"organization_id"`
	BusinessManagerAssetID   uuid.UUID   `json:"business_manager_asset_id"`
	BusinessManagerBindingID uuid.UUID   `json:"business_manager_binding_id"`
	AdAccountBindingIDs      []uuid.UUID `json:"ad_account_binding_ids"`
	// BusinessManagerAlreadyInactive marks a cascade that only swept children.
	BusinessManagerAlreadyInactive bool `json:"business_manager_already_inactive,omitempty"`
}

// BindingIDs lists every binding in the plan, business manager first.
func (p CascadePlan) BindingIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(p.AdAccountBindingIDs)+1)
	ids = append(ids, p.BusinessManagerBindingID)
	return append(ids, p.AdAccountBindingIDs...)
}

// PlanCascade selects, among the organization's candidate bindings, those whose
// asset is an ad account owned by the business manager. Candidates must already
// be filtered to the state the caller wants to change.
func PlanCascade(bm InventoryAsset, bmBinding AssetBinding, idx AdAccountIndex, candidates []AssetBinding) CascadePlan {
	children := make(map[uuid.UUID]struct{})
	for _, child := range idx.Children(bm.ExternalID) {
		children[child.ID] = struct{}{}
	}

	plan := CascadePlan{
		OrganizationID:           bmBinding.OrganizationID,
		BusinessManagerAssetID:   bm.ID,
		BusinessManagerBindingID: bmBinding.ID,
		AdAccountBindingIDs:      []uuid.UUID{},
	}
	for _, binding := range candidates {
		if binding.OrganizationID != bmBinding.OrganizationID || binding.ID == bmBinding.ID {
			continue
		}
		if _, ok := children[binding.AssetID]; ok {
			plan.AdAccountBindingIDs = append(plan.AdAccountBindingIDs, binding.ID)
		}
	}
	sort.Slice(plan.AdAccountBindingIDs, func(i, j int) bool {
		return bytes.Compare(plan.AdAccountBindingIDs[i][:], plan.AdAccountBindingIDs[j][:]) < 0
	})
	return plan
}
