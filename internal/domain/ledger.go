package domain

import (
	"time"

	"github.com/google/uuid"
)

// TransactionType classifies wallet ledger entries.
type TransactionType string

const (
	TransactionTypeTopup            TransactionType = "topup"
	TransactionTypeFee              TransactionType = "fee"
	TransactionTypeBMApplicationFee TransactionType = "bm_application_fee"
	TransactionTypeAdjustment       TransactionType = "adjustment"
	TransactionTypeRefund           TransactionType = "refund"
)

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	switch t {
	case TransactionTypeTopup, TransactionTypeFee, TransactionTypeBMApplicationFee,
		TransactionTypeAdjustment, TransactionTypeRefund:
		return true
	}
	return false
}

// TransactionStatus is the settlement state of a ledger entry. Only completed
// entries count towards the wallet balance.
type TransactionStatus string

const (
	TransactionStatusPending    TransactionStatus = "pending"
	TransactionStatusProcessing TransactionStatus = "processing"
	TransactionStatusCompleted  TransactionStatus = "completed"
	TransactionStatusFailed     TransactionStatus = "failed"
)

// Transaction is one wallet ledger entry. AmountCents is signed: credits are
// positive and debits negative.
type Transaction struct {
	ID             uuid.UUID         `json:"id"`
	OrganizationID uuid.UUID         `json:"organization_id"`
	Type           TransactionType   `json:"type"`
	AmountCents    int64             `json:"amount_cents"`
	Status         TransactionStatus `json:"status"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	IdempotencyKey *string           `json:"idempotency_key,omitempty"`
	CreatedBy      *uuid.UUID        `json:"created_by,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// LedgerResult is returned by wallet mutations. Replayed is true when an
// idempotency key matched an already completed entry and nothing changed.
type LedgerResult struct {
	Transaction Transaction `json:"transaction"`
	Balance     Balance     `json:"balance"`
	Replayed    bool        `json:"replayed"`
}

// WalletMutationRequest is the DTO for admin credits and debits.
type WalletMutationRequest struct {
	AmountCents    int64             `json:"amount_cents"`
	Type           TransactionType   `json:"type"`
	Metadata       map[string]string `json:"metadata"`
	IdempotencyKey string            `json:"idempotency_key"`
}

// HoldRequest is the DTO for reserve and release.
type HoldRequest struct {
	AmountCents int64 `json:"amount_cents"`
}

// BalanceAudit compares the stored balance with the sum of completed entries.
type BalanceAudit struct {
	OrganizationID     uuid.UUID `json:"organization_id"`
	WalletBalanceCents int64     `json:"wallet_balance_cents"`
	LedgerSumCents     int64     `json:"ledger_sum_cents"`
	DriftCents         int64     `json:"drift_cents"`
	Consistent         bool      `json:"consistent"`
}

// TopupChannel is the payment rail used for a topup.
type TopupChannel string

const (
	TopupChannelCard         TopupChannel = "card"
	TopupChannelBankTransfer TopupChannel = "bank_transfer"
	TopupChannelCrypto       TopupChannel = "crypto"
)

// Valid reports whether c is a supported channel.
func (c TopupChannel) Valid() bool {
	switch c {
	case TopupChannelCard, TopupChannelBankTransfer, TopupChannelCrypto:
		return true
	}
	return false
}

// TopupStatus is the reconciliation state of a topup request.
type TopupStatus string

const (
	TopupStatusPending   TopupStatus = "pending"
	TopupStatusCompleted TopupStatus = "completed"
	TopupStatusFailed    TopupStatus = "failed"
	TopupStatusCancelled TopupStatus = "cancelled"
)

// TopupRequest is the reconciliation record for an asynchronous topup. A bank
// transfer request is a TopupRequest on the bank_transfer channel. The payer is
// charged AmountCents + FeeCents; the wallet is credited AmountCents.
type TopupRequest struct {
	ID                uuid.UUID    `json:"id"`
	OrganizationID    uuid.UUID    `json:"organization_id"`
	Channel           TopupChannel `json:"channel"`
	ReferenceCode     string       `json:"reference_code"`
	AmountCents       int64        `json:"amount_cents"`
	FeeCents          int64        `json:"fee_cents"`
	Status            TopupStatus  `json:"status"`
	ProviderReference *string      `json:"provider_reference,omitempty"`
	FailureReason     *string      `json:"failure_reason,omitempty"`
	TransactionID     *uuid.UUID   `json:"transaction_id,omitempty"`
	RequestedBy       uuid.UUID    `json:"requested_by"`
	CreatedAt         time.Time    `json:"created_at"`
	ResolvedAt        *time.Time   `json:"resolved_at,omitempty"`
}

// TotalCents is what the payer is expected to send.
func (r TopupRequest) TotalCents() int64 {
	return r.AmountCents + r.FeeCents
}

// CreateTopupRequest is the DTO for starting an asynchronous topup.
type CreateTopupRequest struct {
	Channel     TopupChannel `json:"channel"`
	AmountCents int64        `json:"amount_cents"`
}

// CardTopupRequest records a card charge the payment provider already captured.
type CardTopupRequest struct {
	AmountCents      int64  `json:"amount_cents"`
	ProviderChargeID string `json:"provider_charge_id"`
}

// TopupEligibilityRequest asks whether a topup amount fits the monthly limit.
type TopupEligibilityRequest struct {
	AmountCents int64 `json:"amount_cents"`
}

// TopupEligibility is the outcome of a monthly limit check. LimitCents and
// AvailableCents are nil on unlimited plans.
type TopupEligibility struct {
	Allowed           bool   `json:"allowed"`
	Reason            string `json:"reason,omitempty"`
	CurrentUsageCents int64  `json:"current_usage_cents"`
	LimitCents        *int64 `json:"limit_cents"`
	AvailableCents    *int64 `json:"available_cents"`
}

// TopupUsage reports month-to-date topup volume against the plan limit.
type TopupUsage struct {
	PeriodStart       time.Time `json:"period_start"`
	PeriodEnd         time.Time `json:"period_end"`
	CurrentUsageCents int64     `json:"current_usage_cents"`
	LimitCents        *int64    `json:"limit_cents"`
	AvailableCents    *int64    `json:"available_cents"`
}
