/**
 * @description
 * Core domain models for the asset binding and wallet ledger engine.
 *
 * @notes
 * - Amounts are stored as `int64` cents, which avoids floating-point inaccuracies
 *   with financial data. Transactions carry a signed amount; debits are negative.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Organization is a tenant owning a wallet and a set of asset bindings.
// WalletBalanceCents always equals the sum of its completed transactions and
// 0 <= ReservedBalanceCents <= WalletBalanceCents.
type Organization struct {
	ID                   uuid.UUID `json:"id"`
	Name                 string    `json:"name"`
	PlanID               string    `json:"plan_id"`
	SubscriptionStatus   string    `json:"subscription_status"`
	WalletBalanceCents   int64     `json:"wallet_balance_cents"`
	ReservedBalanceCents int64     `json:"reserved_balance_cents"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// AvailableCents is the balance that can still be debited or reserved.
func (o Organization) AvailableCents() int64 {
	return o.WalletBalanceCents - o.ReservedBalanceCents
}

// Balance is a consistent snapshot of an organization's wallet.
type Balance struct {
	OrganizationID       uuid.UUID `json:"organization_id"`
	WalletBalanceCents   int64     `json:"wallet_balance_cents"`
	ReservedBalanceCents int64     `json:"reserved_balance_cents"`
	AvailableCents       int64     `json:"available_cents"`
}

// BalanceOf builds a Balance from an organization row.
func BalanceOf(org Organization) Balance {
	return Balance{
		OrganizationID:       org.ID,
		WalletBalanceCents:   org.WalletBalanceCents,
		ReservedBalanceCents: org.ReservedBalanceCents,
		AvailableCents:       org.AvailableCents(),
	}
}

// UpsertOrganizationRequest mirrors tenant data from the account system.
// Balances are never part of the payload.
type UpsertOrganizationRequest struct {
	Name               string `json:"name"`
	PlanID             string `json:"plan_id"`
	SubscriptionStatus string `json:"subscription_status"`
}
