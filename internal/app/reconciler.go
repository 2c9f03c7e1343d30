/**
 * @description
 * Webhook reconciler. Matches normalized payment provider events to pending
 * topup requests by reference code and settles them exactly once.
 *
 * @notes
 * - Delivery is at least once and may be out of order. A request leaves
 *   pending exactly once, so replays land on a non-pending row and are no-ops.
 * - Unmatched references and amount mismatches are reported as
 *   domain.ErrReconciliationMismatch and never mutate anything.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adhub/core-service/internal/domain"
	"github.com/adhub/core-service/internal/store"
	"github.com/adhub/core-service/pkg/logging"
)

type Reconciler struct {
	repo   store.Repository
	ledger *WalletLedger
	events *EventEmitter
	logger logging.Logger
	now    func() time.Time
}

func NewReconciler(repo store.Repository, ledger *WalletLedger, events *EventEmitter, logger logging.Logger) *Reconciler {
	return &Reconciler{repo: repo, ledger: ledger, events: events, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// HandleEvent reconciles one provider event.
func (r *Reconciler) HandleEvent(ctx context.Context, event domain.ProviderEvent) (*domain.ReconcileResult, error) {
	result, err := r.handle(ctx, event)
	outcome := "error"
	switch {
	case err == nil:
		outcome = string(result.Outcome)
	case errors.Is(err, domain.ErrReconciliationMismatch):
		outcome = string(domain.ReconcileMismatch)
	}
	reconcileOutcomes.WithLabelValues(event.Provider, outcome).Inc()

	entry := r.logger.WithFields(logging.Fields{
		"component":  "reconciler",
		"provider":   event.Provider,
		"event_id":   event.EventID,
		"event_type": event.EventType,
		"reference":  event.ReferenceCode,
		"outcome":    outcome,
	})
	switch {
	case err == nil:
		entry.Info("provider event reconciled")
	case errors.Is(err, domain.ErrReconciliationMismatch):
		entry.WithError(err).Warn("provider event did not match a topup request")
	default:
		entry.WithError(err).Error("provider event reconciliation failed")
	}
	return result, err
}

func (r *Reconciler) handle(ctx context.Context, event domain.ProviderEvent) (*domain.ReconcileResult, error) {
	reference := strings.TrimSpace(event.ReferenceCode)
	if reference == "" {
		return nil, fmt.Errorf("%w: event %s carries no reference code", domain.ErrReconciliationMismatch, event.EventID)
	}

	req, err := r.repo.GetTopupRequestByReference(ctx, reference)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: no topup request for reference %s", domain.ErrReconciliationMismatch, reference)
		}
		return nil, err
	}

	requestID := req.ID
	if req.Status != domain.TopupStatusPending {
		return &domain.ReconcileResult{Outcome: domain.ReconcileDuplicate, RequestID: &requestID}, nil
	}

	switch event.Outcome {
	case domain.PaymentOutcomeSucceeded:
		if event.AmountCents > 0 && event.AmountCents != req.TotalCents() {
			return nil, fmt.Errorf("%w: reference %s paid %d, expected %d", domain.ErrReconciliationMismatch, reference, event.AmountCents, req.TotalCents())
		}
		return r.settle(ctx, *req, event)
	case domain.PaymentOutcomeFailed:
		return r.fail(ctx, *req, event)
	}
	return &domain.ReconcileResult{Outcome: domain.ReconcileIgnored, RequestID: &requestID}, nil
}

func (r *Reconciler) settle(ctx context.Context, req domain.TopupRequest, event domain.ProviderEvent) (*domain.ReconcileResult, error) {
	var (
		credited  *domain.LedgerResult
		duplicate bool
	)
	err := r.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.ResolveTopupRequest(ctx, req.ID, domain.TopupStatusCompleted, optional(event.ProviderReference), nil, r.now())
		if err != nil {
			if errors.Is(err, domain.ErrConflict) {
				duplicate = true
				return nil
			}
			return err
		}
		credited, err = r.ledger.creditTx(ctx, tx, EntryInput{
			OrganizationID: req.OrganizationID,
			AmountCents:    req.AmountCents,
			Type:           domain.TransactionTypeTopup,
			Metadata: map[string]string{
				"reference_code":    req.ReferenceCode,
				"channel":           string(req.Channel),
				"provider":          event.Provider,
				"provider_event_id": event.EventID,
			},
			IdempotencyKey: req.ID.String(),
		})
		return err
	})
	requestID := req.ID
	if err != nil {
		return nil, err
	}
	if duplicate {
		return &domain.ReconcileResult{Outcome: domain.ReconcileDuplicate, RequestID: &requestID}, nil
	}

	txnID := credited.Transaction.ID
	r.events.Emit(ctx, domain.EventTopupCompleted, req.OrganizationID, credited)
	return &domain.ReconcileResult{Outcome: domain.ReconcileCompleted, RequestID: &requestID, TransactionID: &txnID}, nil
}

func (r *Reconciler) fail(ctx context.Context, req domain.TopupRequest, event domain.ProviderEvent) (*domain.ReconcileResult, error) {
	var (
		failed    *domain.TopupRequest
		duplicate bool
	)
	err := r.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		failed, err = failPendingTopup(ctx, tx, req.ID, domain.TopupStatusFailed, optional(event.ProviderReference), event.FailureReason, r.now())
		if errors.Is(err, domain.ErrConflict) {
			duplicate = true
			return nil
		}
		return err
	})
	requestID := req.ID
	if err != nil {
		return nil, err
	}
	if duplicate {
		return &domain.ReconcileResult{Outcome: domain.ReconcileDuplicate, RequestID: &requestID}, nil
	}
	r.events.Emit(ctx, domain.EventTopupFailed, req.OrganizationID, failed)
	return &domain.ReconcileResult{Outcome: domain.ReconcileFailed, RequestID: &requestID}, nil
}

// HandleMessage adapts HandleEvent to the RabbitMQ consumer. It acks malformed
// payloads, mismatches and settled events and requeues store failures.
func (r *Reconciler) HandleMessage(body []byte) bool {
	var event domain.ProviderEvent
	if err := json.Unmarshal(body, &event); err != nil {
		r.logger.WithFields(logging.Fields{"component": "reconciler"}).WithError(err).Warn("dropping malformed payment event")
		return true
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = r.now()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if _, err := r.HandleEvent(ctx, event); err != nil {
		return errors.Is(err, domain.ErrReconciliationMismatch) || errors.Is(err, domain.ErrValidation)
	}
	return true
}

func optional(s string) *string {
	if s = strings.TrimSpace(s); s == "" {
		return nil
	}
	return &s
}
