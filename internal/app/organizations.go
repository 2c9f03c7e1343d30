package app

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/adhub/core-service/internal/domain"
	"github.com/adhub/core-service/internal/policy"
	"github.com/adhub/core-service/internal/store"
	"github.com/adhub/core-service/pkg/logging"
)

// OrganizationDirectory mirrors tenant records pushed by the account system.
type OrganizationDirectory struct {
	repo    store.Repository
	catalog *policy.Catalog
	logger  logging.Logger
}

func NewOrganizationDirectory(repo store.Repository, catalog *policy.Catalog, logger logging.Logger) *OrganizationDirectory {
	return &OrganizationDirectory{repo: repo, catalog: catalog, logger: logger}
}

// Upsert creates or refreshes the organization. Balances are left untouched.
func (d *OrganizationDirectory) Upsert(ctx context.Context, id uuid.UUID, req domain.UpsertOrganizationRequest) (*domain.Organization, error) {
	if id == uuid.Nil {
		return nil, domain.Validationf("organization id is required")
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, domain.Validationf("organization name is required")
	}
	planID := strings.ToLower(strings.TrimSpace(req.PlanID))
	if _, err := d.catalog.Plan(planID); err != nil {
		return nil, domain.Validationf("unknown plan %q", planID)
	}
	status := strings.ToLower(strings.TrimSpace(req.SubscriptionStatus))
	if status == "" {
		status = "active"
	}

	org, err := d.repo.UpsertOrganization(ctx, &domain.Organization{
		ID:                 id,
		Name:               name,
		PlanID:             planID,
		SubscriptionStatus: status,
	})
	if err != nil {
		return nil, err
	}
	d.logger.WithFields(logging.Fields{
		"component":       "organizations",
		"organization_id": id,
		"plan_id":         planID,
	}).Info("organization mirrored")
	return org, nil
}
