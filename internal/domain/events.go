package domain

import (
	"time"

	"github.com/google/uuid"
)

// PaymentOutcome is the normalized result a payment provider reports.
type PaymentOutcome string

const (
	PaymentOutcomeSucceeded PaymentOutcome = "succeeded"
	PaymentOutcomeFailed    PaymentOutcome = "failed"
	// PaymentOutcomePending covers informational events that do not settle anything.
	PaymentOutcomePending PaymentOutcome = "pending"
)

// ProviderEvent is a payment provider webhook normalized for reconciliation.
// AmountCents is zero when the provider does not report an amount.
type ProviderEvent struct {
	Provider          string         `json:"provider"`
	EventID           string         `json:"event_id"`
	EventType         string         `json:"event_type"`
	ReferenceCode     string         `json:"reference_code"`
	Outcome           PaymentOutcome `json:"outcome"`
	AmountCents       int64          `json:"amount_cents,omitempty"`
	ProviderReference string         `json:"provider_reference,omitempty"`
	FailureReason     string         `json:"failure_reason,omitempty"`
	ReceivedAt        time.Time      `json:"received_at"`
}

// ReconcileOutcome describes what reconciliation did with a provider event.
type ReconcileOutcome string

const (
	ReconcileCompleted ReconcileOutcome = "completed"
	ReconcileFailed    ReconcileOutcome = "failed"
	ReconcileDuplicate ReconcileOutcome = "duplicate"
	ReconcileIgnored   ReconcileOutcome = "ignored"
	ReconcileMismatch  ReconcileOutcome = "mismatch"
)

// ReconcileResult is returned by the webhook reconciler.
type ReconcileResult struct {
	Outcome       ReconcileOutcome `json:"outcome"`
	RequestID     *uuid.UUID       `json:"request_id,omitempty"`
	TransactionID *uuid.UUID       `json:"transaction_id,omitempty"`
}

// Domain event routing keys published after commit.
const (
	EventBindingActivated     = "binding.activated"
	EventBindingDeactivated   = "binding.deactivated"
	EventBindingToggled       = "binding.toggled"
	EventApplicationSubmitted = "application.submitted"
	EventApplicationApproved  = "application.processing"
	EventApplicationReady     = "application.ready"
	EventApplicationRejected  = "application.rejected"
	EventWalletCredited       = "wallet.credited"
	EventWalletDebited        = "wallet.debited"
	EventTopupRequested       = "topup.requested"
	EventTopupCompleted       = "topup.completed"
	EventTopupFailed          = "topup.failed"
	EventTopupCancelled       = "topup.cancelled"
	EventInventorySynced      = "inventory.synced"
)

// Event is the envelope for outbound domain events.
type Event struct {
	ID             string     `json:"id"`
	Type           string     `json:"type"`
	OrganizationID *uuid.UUID `json:"organization_id,omitempty"`
	OccurredAt     time.Time  `json:"occurred_at"`
	Data           any        `json:"data"`
}
