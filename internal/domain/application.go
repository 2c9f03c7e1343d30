package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ApplicationRequestType is the kind of asset an organization is applying for.
type ApplicationRequestType string

const (
	RequestTypeBusinessManager ApplicationRequestType = "business_manager"
	RequestTypeAdAccount       ApplicationRequestType = "ad_account"
)

// ApplicationStatus is the lifecycle of an asset application:
// pending -> processing -> ready, with rejected reachable from any non-terminal state.
type ApplicationStatus string

const (
	ApplicationStatusPending    ApplicationStatus = "pending"
	ApplicationStatusProcessing ApplicationStatus = "processing"
	ApplicationStatusReady      ApplicationStatus = "ready"
	ApplicationStatusRejected   ApplicationStatus = "rejected"
)

// Terminal reports whether no further transition is allowed.
func (s ApplicationStatus) Terminal() bool {
	return s == ApplicationStatusReady || s == ApplicationStatusRejected
}

// ApplicationPayload carries the request details supplied by the organization.
type ApplicationPayload struct {
	Name              string     `json:"name"`
	BusinessManagerID *uuid.UUID `json:"business_manager_id,omitempty"`
	Timezone          string     `json:"timezone,omitempty"`
	Notes             string     `json:"notes,omitempty"`
}

// Validate checks the fields required by the request type.
func (p ApplicationPayload) Validate(requestType ApplicationRequestType) error {
	switch requestType {
	case RequestTypeBusinessManager, RequestTypeAdAccount:
	default:
		return Validationf("unsupported request type %q", requestType)
	}
	if strings.TrimSpace(p.Name) == "" {
		return Validationf("name is required")
	}
	if requestType == RequestTypeAdAccount && (p.BusinessManagerID == nil || *p.BusinessManagerID == uuid.Nil) {
		return Validationf("business_manager_id is required for ad account applications")
	}
	return nil
}

// Application tracks an organization's request for a new asset.
type Application struct {
	ID              uuid.UUID              `json:"id"`
	OrganizationID  uuid.UUID              `json:"organization_id"`
	RequestType     ApplicationRequestType `json:"request_type"`
	Status          ApplicationStatus      `json:"status"`
	Payload         ApplicationPayload     `json:"payload"`
	QuotedFeeCents  int64                  `json:"quoted_fee_cents"`
	ChargedFeeCents int64                  `json:"charged_fee_cents"`
	AssetIDs        []uuid.UUID            `json:"asset_ids"`
	AdminNotes      string                 `json:"admin_notes,omitempty"`
	RejectionReason string                 `json:"rejection_reason,omitempty"`
	SubmittedBy     uuid.UUID              `json:"submitted_by"`
	ApprovedBy      *uuid.UUID             `json:"approved_by,omitempty"`
	ApprovedAt      *time.Time             `json:"approved_at,omitempty"`
	FulfilledBy     *uuid.UUID             `json:"fulfilled_by,omitempty"`
	FulfilledAt     *time.Time             `json:"fulfilled_at,omitempty"`
	RejectedBy      *uuid.UUID             `json:"rejected_by,omitempty"`
	RejectedAt      *time.Time             `json:"rejected_at,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// SubmitApplicationRequest is the DTO for new applications.
type SubmitApplicationRequest struct {
	RequestType ApplicationRequestType `json:"request_type"`
	Payload     ApplicationPayload     `json:"payload"`
}

// FulfillApplicationRequest is the DTO admins send when handing over assets.
type FulfillApplicationRequest struct {
	AssetIDs   []uuid.UUID `json:"asset_ids"`
	AdminNotes string      `json:"admin_notes"`
}

// RejectApplicationRequest is the DTO for rejections.
type RejectApplicationRequest struct {
	Reason string `json:"reason"`
}
