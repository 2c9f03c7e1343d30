/**
 * @description
 * Wallet ledger: credits, debits, reservations and balance reads for an
 * organization's wallet.
 *
 * @notes
 * - The stored balance always equals the sum of completed transactions. Every
 *   mutation updates both inside one unit of work with the organization row locked.
 * - Credits are idempotent by key. A pending entry with the same key (created
 *   when an asynchronous topup starts) is promoted to completed instead of
 *   inserting a second entry.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/adhub/core-service/internal/domain"
	"github.com/adhub/core-service/internal/store"
	"github.com/adhub/core-service/pkg/logging"
)

// EntryInput describes one ledger entry. AmountCents is always positive; the
// sign is applied by Credit or Debit.
type EntryInput struct {
	OrganizationID uuid.UUID
	AmountCents    int64
	Type           domain.TransactionType
	Metadata       map[string]string
	IdempotencyKey string
	Actor          *uuid.UUID
}

func (in EntryInput) validate() error {
	if in.OrganizationID == uuid.Nil {
		return domain.Validationf("organization id is required")
	}
	if in.AmountCents <= 0 {
		return domain.Validationf("amount_cents must be positive")
	}
	if !in.Type.Valid() {
		return domain.Validationf("unsupported transaction type %q", in.Type)
	}
	return nil
}

type WalletLedger struct {
	repo   store.Repository
	events *EventEmitter
	logger logging.Logger
	now    func() time.Time
}

func NewWalletLedger(repo store.Repository, events *EventEmitter, logger logging.Logger) *WalletLedger {
	return &WalletLedger{repo: repo, events: events, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Credit adds funds to the wallet. The idempotency key is required.
func (l *WalletLedger) Credit(ctx context.Context, in EntryInput) (*domain.LedgerResult, error) {
	var result *domain.LedgerResult
	err := l.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		result, err = l.creditTx(ctx, tx, in)
		return err
	})
	ledgerMutations.WithLabelValues("credit", resultLabel(err)).Inc()
	if err != nil {
		return nil, err
	}
	if !result.Replayed {
		l.events.Emit(ctx, domain.EventWalletCredited, in.OrganizationID, result)
	}
	return result, nil
}

// Debit removes funds if the available balance (wallet minus reserved) covers it.
func (l *WalletLedger) Debit(ctx context.Context, in EntryInput) (*domain.LedgerResult, error) {
	var result *domain.LedgerResult
	err := l.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		result, err = l.debitTx(ctx, tx, in)
		return err
	})
	ledgerMutations.WithLabelValues("debit", resultLabel(err)).Inc()
	if err != nil {
		return nil, err
	}
	if !result.Replayed {
		l.events.Emit(ctx, domain.EventWalletDebited, in.OrganizationID, result)
	}
	return result, nil
}

func (l *WalletLedger) creditTx(ctx context.Context, tx store.Tx, in EntryInput) (*domain.LedgerResult, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	key := strings.TrimSpace(in.IdempotencyKey)
	if key == "" {
		return nil, domain.Validationf("idempotency_key is required for credits")
	}

	if _, err := tx.LockOrganization(ctx, in.OrganizationID); err != nil {
		return nil, err
	}

	existing, err := tx.GetTransactionByIdempotencyKey(ctx, in.OrganizationID, key)
	switch {
	case err == nil:
		return l.settleExisting(ctx, tx, existing, in.AmountCents)
	case !errors.Is(err, domain.ErrNotFound):
		return nil, err
	}

	return l.insertCompleted(ctx, tx, in, in.AmountCents, key)
}

// settleExisting resolves a credit whose idempotency key is already recorded.
func (l *WalletLedger) settleExisting(ctx context.Context, tx store.Tx, existing *domain.Transaction, amountCents int64) (*domain.LedgerResult, error) {
	switch existing.Status {
	case domain.TransactionStatusCompleted:
		// A completed key always replays the recorded entry, whatever amount
		// the retry carries.
		if existing.AmountCents != amountCents {
			l.logger.WithFields(logging.Fields{
				"component":       "wallet_ledger",
				"organization_id": existing.OrganizationID,
				"idempotency_key": deref(existing.IdempotencyKey),
				"recorded_cents":  existing.AmountCents,
				"requested_cents": amountCents,
			}).Warn("credit replay with a different amount; returning recorded entry")
		}
		org, err := tx.GetOrganization(ctx, existing.OrganizationID)
		if err != nil {
			return nil, err
		}
		return &domain.LedgerResult{Transaction: *existing, Balance: domain.BalanceOf(*org), Replayed: true}, nil

	case domain.TransactionStatusPending, domain.TransactionStatusProcessing:
		if existing.AmountCents != amountCents {
			return nil, domain.Conflictf("idempotency key %q is pending for a different amount", deref(existing.IdempotencyKey))
		}
		if err := tx.UpdateTransactionStatus(ctx, existing.ID, existing.Status, domain.TransactionStatusCompleted); err != nil {
			return nil, err
		}
		org, err := tx.AdjustOrganizationBalances(ctx, existing.OrganizationID, existing.AmountCents, 0)
		if err != nil {
			return nil, err
		}
		settled := *existing
		settled.Status = domain.TransactionStatusCompleted
		settled.UpdatedAt = l.now()
		return &domain.LedgerResult{Transaction: settled, Balance: domain.BalanceOf(*org)}, nil
	}

	return nil, domain.Conflictf("idempotency key %q belongs to a %s transaction", deref(existing.IdempotencyKey), existing.Status)
}

func (l *WalletLedger) debitTx(ctx context.Context, tx store.Tx, in EntryInput) (*domain.LedgerResult, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	org, err := tx.LockOrganization(ctx, in.OrganizationID)
	if err != nil {
		return nil, err
	}

	key := strings.TrimSpace(in.IdempotencyKey)
	if key != "" {
		existing, err := tx.GetTransactionByIdempotencyKey(ctx, in.OrganizationID, key)
		if err == nil {
			if existing.Status == domain.TransactionStatusCompleted && existing.AmountCents == -in.AmountCents {
				return &domain.LedgerResult{Transaction: *existing, Balance: domain.BalanceOf(*org), Replayed: true}, nil
			}
			return nil, domain.Conflictf("idempotency key %q already used", key)
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}

	if org.AvailableCents() < in.AmountCents {
		return nil, fmt.Errorf("%w: available %d, requested %d", domain.ErrInsufficientFunds, org.AvailableCents(), in.AmountCents)
	}

	return l.insertCompleted(ctx, tx, in, -in.AmountCents, key)
}

func (l *WalletLedger) insertCompleted(ctx context.Context, tx store.Tx, in EntryInput, signedAmount int64, key string) (*domain.LedgerResult, error) {
	txn := domain.Transaction{
		ID:             uuid.New(),
		OrganizationID: in.OrganizationID,
		Type:           in.Type,
		AmountCents:    signedAmount,
		Status:         domain.TransactionStatusCompleted,
		Metadata:       in.Metadata,
		CreatedBy:      in.Actor,
		CreatedAt:      l.now(),
	}
	if key != "" {
		txn.IdempotencyKey = &key
	}
	if err := tx.InsertTransaction(ctx, &txn); err != nil {
		return nil, err
	}
	org, err := tx.AdjustOrganizationBalances(ctx, in.OrganizationID, signedAmount, 0)
	if err != nil {
		return nil, err
	}
	return &domain.LedgerResult{Transaction: txn, Balance: domain.BalanceOf(*org)}, nil
}

// Reserve places a hold on available funds.
func (l *WalletLedger) Reserve(ctx context.Context, orgID uuid.UUID, amountCents int64) (*domain.Balance, error) {
	if amountCents <= 0 {
		return nil, domain.Validationf("amount_cents must be positive")
	}
	var balance domain.Balance
	err := l.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		org, err := tx.LockOrganization(ctx, orgID)
		if err != nil {
			return err
		}
		if org.AvailableCents() < amountCents {
			return fmt.Errorf("%w: available %d, requested hold %d", domain.ErrInsufficientFunds, org.AvailableCents(), amountCents)
		}
		org, err = tx.AdjustOrganizationBalances(ctx, orgID, 0, amountCents)
		if err != nil {
			return err
		}
		balance = domain.BalanceOf(*org)
		return nil
	})
	ledgerMutations.WithLabelValues("reserve", resultLabel(err)).Inc()
	if err != nil {
		return nil, err
	}
	return &balance, nil
}

// Release returns previously reserved funds to the available balance.
func (l *WalletLedger) Release(ctx context.Context, orgID uuid.UUID, amountCents int64) (*domain.Balance, error) {
	if amountCents <= 0 {
		return nil, domain.Validationf("amount_cents must be positive")
	}
	var balance domain.Balance
	err := l.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		org, err := tx.LockOrganization(ctx, orgID)
		if err != nil {
			return err
		}
		if org.ReservedBalanceCents < amountCents {
			return domain.Conflictf("cannot release %d, only %d reserved", amountCents, org.ReservedBalanceCents)
		}
		org, err = tx.AdjustOrganizationBalances(ctx, orgID, 0, -amountCents)
		if err != nil {
			return err
		}
		balance = domain.BalanceOf(*org)
		return nil
	})
	ledgerMutations.WithLabelValues("release", resultLabel(err)).Inc()
	if err != nil {
		return nil, err
	}
	return &balance, nil
}

// GetBalance reads wallet, reserved and available amounts from one row.
func (l *WalletLedger) GetBalance(ctx context.Context, orgID uuid.UUID) (*domain.Balance, error) {
	org, err := l.repo.GetOrganization(ctx, orgID)
	if err != nil {
		return nil, err
	}
	balance := domain.BalanceOf(*org)
	return &balance, nil
}

// VerifyBalance recomputes the ledger sum under the organization lock and
// reports any drift from the stored balance.
func (l *WalletLedger) VerifyBalance(ctx context.Context, orgID uuid.UUID) (*domain.BalanceAudit, error) {
	var audit domain.BalanceAudit
	err := l.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		org, err := tx.LockOrganization(ctx, orgID)
		if err != nil {
			return err
		}
		sum, err := tx.SumCompletedTransactions(ctx, orgID)
		if err != nil {
			return err
		}
		audit = domain.BalanceAudit{
			OrganizationID:     orgID,
			WalletBalanceCents: org.WalletBalanceCents,
			LedgerSumCents:     sum,
			DriftCents:         org.WalletBalanceCents - sum,
			Consistent:         org.WalletBalanceCents == sum,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !audit.Consistent {
		l.logger.WithFields(logging.Fields{
			"component":       "wallet_ledger",
			"organization_id": orgID,
			"drift_cents":     audit.DriftCents,
		}).Error("wallet balance drifted from ledger")
	}
	return &audit, nil
}

func (l *WalletLedger) ListTransactions(ctx context.Context, orgID uuid.UUID, limit int) ([]domain.Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if _, err := l.repo.GetOrganization(ctx, orgID); err != nil {
		return nil, err
	}
	return l.repo.ListTransactions(ctx, orgID, limit)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
