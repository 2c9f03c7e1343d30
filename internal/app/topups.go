/**
 * @description
 * Topup requests: monthly limit checks, asynchronous topup creation with
 * reference codes, cancellation and expiry, and the synchronous card path.
 *
 * @notes
 * - An asynchronous topup writes a pending `topup` transaction keyed by the
 *   request id. It counts towards the monthly limit but not the balance until
 *   the reconciler settles it.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/adhub/core-service/internal/domain"
	"github.com/adhub/core-service/internal/policy"
	"github.com/adhub/core-service/internal/store"
	"github.com/adhub/core-service/pkg/logging"
)

const (
	topupRateLimitScope   = "topup_request"
	referenceMintAttempts = 3
	expiryBatchSize       = 200
	topupExpiredReason    = "expired"
	topupCancelledReason  = "cancelled by user"
	defaultTopupListLimit = 50
	maxTopupListLimit     = 200
)

// RateLimiter admits or refuses one call by subject under a rule. A refusal
// is a *domain.RateLimitError; any other error is a limiter failure.
type RateLimiter interface {
	Allow(ctx context.Context, subject string, rule RateRule) error
}

type TopupService struct {
	repo     store.Repository
	catalog  *policy.Catalog
	ledger   *WalletLedger
	events   *EventEmitter
	logger   logging.Logger
	limiter  RateLimiter
	rateRule RateRule
	now      func() time.Time
}

func NewTopupService(repo store.Repository, catalog *policy.Catalog, ledger *WalletLedger, events *EventEmitter, logger logging.Logger) *TopupService {
	return &TopupService{
		repo:    repo,
		catalog: catalog,
		ledger:  ledger,
		events:  events,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithRateLimiter throttles CreateTopupRequest to limit calls per
// organization within window.
func (s *TopupService) WithRateLimiter(limiter RateLimiter, limit int, window time.Duration) *TopupService {
	s.limiter = limiter
	s.rateRule = RateRule{Scope: topupRateLimitScope, Limit: limit, Window: window}
	return s
}

// CanMakeTopupRequest evaluates the monthly limit for a requested amount.
func (s *TopupService) CanMakeTopupRequest(ctx context.Context, orgID uuid.UUID, amountCents int64) (*domain.TopupEligibility, error) {
	if amountCents <= 0 {
		return nil, domain.Validationf("amount_cents must be positive")
	}
	org, err := s.repo.GetOrganization(ctx, orgID)
	if err != nil {
		return nil, err
	}
	eligibility, err := s.evaluate(ctx, s.repo, *org, amountCents)
	if err != nil {
		return nil, err
	}
	return &eligibility, nil
}

// GetTopupUsage reports month-to-date topup volume.
func (s *TopupService) GetTopupUsage(ctx context.Context, orgID uuid.UUID) (*domain.TopupUsage, error) {
	org, err := s.repo.GetOrganization(ctx, orgID)
	if err != nil {
		return nil, err
	}
	plan, err := s.catalog.Plan(org.PlanID)
	if err != nil {
		return nil, err
	}
	start, end := policy.CalendarMonth(s.now())
	used, err := s.repo.SumTopupUsage(ctx, orgID, start, end)
	if err != nil {
		return nil, err
	}
	usage := policy.Usage(plan, used, start, end)
	return &usage, nil
}

func (s *TopupService) evaluate(ctx context.Context, r store.Reader, org domain.Organization, amountCents int64) (domain.TopupEligibility, error) {
	plan, err := s.catalog.Plan(org.PlanID)
	if err != nil {
		return domain.TopupEligibility{}, err
	}
	start, end := policy.CalendarMonth(s.now())
	used, err := r.SumTopupUsage(ctx, org.ID, start, end)
	if err != nil {
		return domain.TopupEligibility{}, err
	}
	return policy.EvaluateTopupLimit(plan, used, amountCents), nil
}

// CreateTopupRequest opens a pending topup and mints its reference code.
func (s *TopupService) CreateTopupRequest(ctx context.Context, orgID uuid.UUID, req domain.CreateTopupRequest, actorID uuid.UUID) (*domain.TopupRequest, error) {
	if !req.Channel.Valid() {
		return nil, domain.Validationf("unsupported topup channel %q", req.Channel)
	}
	if req.AmountCents <= 0 {
		return nil, domain.Validationf("amount_cents must be positive")
	}
	if err := s.throttle(ctx, orgID); err != nil {
		return nil, err
	}

	var (
		created *domain.TopupRequest
		err     error
	)
	for attempt := 1; attempt <= referenceMintAttempts; attempt++ {
		created, err = s.createOnce(ctx, orgID, req, actorID)
		if err == nil || !errors.Is(err, errReferenceTaken) {
			break
		}
		s.logger.WithFields(logging.Fields{
			"component": "topup_service",
			"attempt":   attempt,
		}).Warn("reference code collision, minting a new one")
	}
	if err != nil {
		if errors.Is(err, errReferenceTaken) {
			return nil, domain.Conflictf("could not mint a unique reference code")
		}
		return nil, err
	}

	s.events.Emit(ctx, domain.EventTopupRequested, orgID, created)
	return created, nil
}

var errReferenceTaken = errors.New("reference code taken")

func (s *TopupService) createOnce(ctx context.Context, orgID uuid.UUID, req domain.CreateTopupRequest, actorID uuid.UUID) (*domain.TopupRequest, error) {
	requestID := uuid.New()
	reference, err := NewReferenceCode(req.Channel, orgID, requestID)
	if err != nil {
		return nil, err
	}

	var out *domain.TopupRequest
	err = s.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		org, err := tx.LockOrganization(ctx, orgID)
		if err != nil {
			return err
		}
		eligibility, err := s.evaluate(ctx, tx, *org, req.AmountCents)
		if err != nil {
			return err
		}
		if !eligibility.Allowed {
			return domain.Validationf("%s", eligibility.Reason)
		}
		plan, err := s.catalog.Plan(org.PlanID)
		if err != nil {
			return err
		}
		fee := policy.ComputeTopupFee(plan, req.AmountCents)

		if _, err := tx.GetTopupRequestByReference(ctx, reference); err == nil {
			return errReferenceTaken
		} else if !errors.Is(err, domain.ErrNotFound) {
			return err
		}

		now := s.now()
		key := requestID.String()
		txn := domain.Transaction{
			ID:             uuid.New(),
			OrganizationID: orgID,
			Type:           domain.TransactionTypeTopup,
			AmountCents:    req.AmountCents,
			Status:         domain.TransactionStatusPending,
			Metadata: map[string]string{
				"reference_code": reference,
				"channel":        string(req.Channel),
				"fee_cents":      strconv.FormatInt(fee, 10),
			},
			IdempotencyKey: &key,
			CreatedBy:      &actorID,
			CreatedAt:      now,
		}
		if err := tx.InsertTransaction(ctx, &txn); err != nil {
			return err
		}

		request := &domain.TopupRequest{
			ID:             requestID,
			OrganizationID: orgID,
			Channel:        req.Channel,
			ReferenceCode:  reference,
			AmountCents:    req.AmountCents,
			FeeCents:       fee,
			Status:         domain.TopupStatusPending,
			TransactionID:  &txn.ID,
			RequestedBy:    actorID,
			CreatedAt:      now,
		}
		if err := tx.InsertTopupRequest(ctx, request); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				return errReferenceTaken
			}
			return err
		}
		out = request
		return nil
	})
	return out, err
}

func (s *TopupService) throttle(ctx context.Context, orgID uuid.UUID) error {
	if s.limiter == nil || !s.rateRule.enabled() {
		return nil
	}
	err := s.limiter.Allow(ctx, orgID.String(), s.rateRule)
	var refused *domain.RateLimitError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &refused):
		return refused
	}
	// Limiter outages do not block topups.
	s.logger.WithFields(logging.Fields{
		"component":       "topup_service",
		"organization_id": orgID,
		"scope":           s.rateRule.Scope,
	}).WithError(err).Warn("topup rate limiter unavailable")
	return nil
}

// CancelTopupRequest cancels a pending request owned by the organization.
func (s *TopupService) CancelTopupRequest(ctx context.Context, orgID, requestID uuid.UUID) (*domain.TopupRequest, error) {
	current, err := s.repo.GetTopupRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if current.OrganizationID != orgID {
		return nil, domain.NotFoundf("topup request %s", requestID)
	}
	cancelled, err := s.resolveUnpaid(ctx, requestID, domain.TopupStatusCancelled, topupCancelledReason)
	if err != nil {
		return nil, err
	}
	s.events.Emit(ctx, domain.EventTopupCancelled, orgID, cancelled)
	return cancelled, nil
}

// ExpireStaleRequests cancels pending requests older than ttl and returns how
// many were expired.
func (s *TopupService) ExpireStaleRequests(ctx context.Context, ttl time.Duration) (int, error) {
	if ttl <= 0 {
		return 0, domain.Validationf("ttl must be positive")
	}
	stale, err := s.repo.ListPendingTopupRequestsBefore(ctx, s.now().Add(-ttl), expiryBatchSize)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, req := range stale {
		cancelled, err := s.resolveUnpaid(ctx, req.ID, domain.TopupStatusCancelled, topupExpiredReason)
		if err != nil {
			if errors.Is(err, domain.ErrConflict) {
				// Settled by a webhook in the meantime.
				continue
			}
			return expired, fmt.Errorf("expire topup request %s: %w", req.ID, err)
		}
		expired++
		s.events.Emit(ctx, domain.EventTopupCancelled, cancelled.OrganizationID, cancelled)
	}
	return expired, nil
}

// resolveUnpaid moves a pending request to a terminal non-paid status and fails
// its pending ledger entry in the same unit of work.
func (s *TopupService) resolveUnpaid(ctx context.Context, requestID uuid.UUID, to domain.TopupStatus, reason string) (*domain.TopupRequest, error) {
	var out *domain.TopupRequest
	err := s.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = failPendingTopup(ctx, tx, requestID, to, nil, reason, s.now())
		return err
	})
	return out, err
}

func failPendingTopup(ctx context.Context, tx store.Tx, requestID uuid.UUID, to domain.TopupStatus, providerRef *string, reason string, at time.Time) (*domain.TopupRequest, error) {
	var failure *string
	if reason = strings.TrimSpace(reason); reason != "" {
		failure = &reason
	}
	resolved, err := tx.ResolveTopupRequest(ctx, requestID, to, providerRef, failure, at)
	if err != nil {
		return nil, err
	}
	if resolved.TransactionID != nil {
		err := tx.UpdateTransactionStatus(ctx, *resolved.TransactionID, domain.TransactionStatusPending, domain.TransactionStatusFailed)
		if err != nil && !errors.Is(err, domain.ErrConflict) {
			return nil, err
		}
	}
	return resolved, nil
}

// RecordCardTopup credits a card charge the provider already captured. The
// charge id makes it idempotent and binds it to a single organization.
func (s *TopupService) RecordCardTopup(ctx context.Context, orgID uuid.UUID, req domain.CardTopupRequest, actorID uuid.UUID) (*domain.LedgerResult, error) {
	if req.AmountCents <= 0 {
		return nil, domain.Validationf("amount_cents must be positive")
	}
	chargeID := strings.TrimSpace(req.ProviderChargeID)
	if chargeID == "" {
		return nil, domain.Validationf("provider_charge_id is required")
	}
	key := "card:" + chargeID

	var result *domain.LedgerResult
	err := s.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		org, err := tx.LockOrganization(ctx, orgID)
		if err != nil {
			return err
		}
		holders, err := tx.FindTransactionsByIdempotencyKey(ctx, key)
		if err != nil {
			return err
		}
		for _, held := range holders {
			if held.OrganizationID != orgID {
				return domain.Conflictf("card charge %s was already credited to another organization", chargeID)
			}
		}
		_, err = tx.GetTransactionByIdempotencyKey(ctx, orgID, key)
		switch {
		case err == nil:
			// Replays are settled by the ledger without a new limit check.
		case errors.Is(err, domain.ErrNotFound):
			eligibility, err := s.evaluate(ctx, tx, *org, req.AmountCents)
			if err != nil {
				return err
			}
			if !eligibility.Allowed {
				return domain.Validationf("%s", eligibility.Reason)
			}
		default:
			return err
		}

		plan, err := s.catalog.Plan(org.PlanID)
		if err != nil {
			return err
		}
		result, err = s.ledger.creditTx(ctx, tx, EntryInput{
			OrganizationID: orgID,
			AmountCents:    req.AmountCents,
			Type:           domain.TransactionTypeTopup,
			Metadata: map[string]string{
				"channel":            string(domain.TopupChannelCard),
				"provider_charge_id": chargeID,
				"fee_cents":          strconv.FormatInt(policy.ComputeTopupFee(plan, req.AmountCents), 10),
			},
			IdempotencyKey: key,
			Actor:          &actorID,
		})
		return err
	})
	ledgerMutations.WithLabelValues("card_topup", resultLabel(err)).Inc()
	if err != nil {
		return nil, err
	}
	if !result.Replayed {
		s.events.Emit(ctx, domain.EventWalletCredited, orgID, result)
	}
	return result, nil
}

func (s *TopupService) ListTopupRequests(ctx context.Context, orgID uuid.UUID, limit int) ([]domain.TopupRequest, error) {
	if limit <= 0 || limit > maxTopupListLimit {
		limit = defaultTopupListLimit
	}
	return s.repo.ListTopupRequests(ctx, orgID, limit)
}
