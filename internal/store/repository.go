/**
 * @description
 * This file defines the store-access contract for the core service. Business
 * logic depends only on these interfaces; PostgreSQL and in-memory
 * implementations are injected at startup.
 *
 * @notes
 * - Every mutation that must be atomic runs inside Repository.WithinTx. Tx
 *   writes are conditional: they only apply when the row is still in the
 *   expected state and report domain.ErrConflict otherwise.
 * - Lookups that find nothing return an error wrapping domain.ErrNotFound.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/adhub/core-service/internal/domain"
)

// AssetFilter narrows inventory listings. Zero values mean "any".
type AssetFilter struct {
	Type   domain.AssetType
	Status domain.AssetStatus
	Limit  int
}

// BindingFilter narrows binding listings. Zero values mean "any".
type BindingFilter struct {
	OrganizationID uuid.UUID
	AssetID        uuid.UUID
	Status         domain.BindingStatus
}

// Reader holds the queries available both inside and outside a transaction.
type Reader interface {
	GetOrganization(ctx context.Context, id uuid.UUID) (*domain.Organization, error)

	GetAsset(ctx context.Context, id uuid.UUID) (*domain.InventoryAsset, error)
	ListAssets(ctx context.Context, filter AssetFilter) ([]domain.InventoryAsset, error)

	GetBinding(ctx context.Context, assetID, orgID uuid.UUID) (*domain.AssetBinding, error)
	ListBindings(ctx context.Context, filter BindingFilter) ([]domain.AssetBinding, error)
	// CountActiveBindings counts the organization's lifecycle-active bindings of one asset type.
	CountActiveBindings(ctx context.Context, orgID uuid.UUID, assetType domain.AssetType) (int, error)

	GetApplication(ctx context.Context, id uuid.UUID) (*domain.Application, error)
	ListApplications(ctx context.Context, orgID uuid.UUID, status domain.ApplicationStatus) ([]domain.Application, error)

	GetTransactionByIdempotencyKey(ctx context.Context, orgID uuid.UUID, key string) (*domain.Transaction, error)
	// FindTransactionsByIdempotencyKey looks a key up across every organization.
	FindTransactionsByIdempotencyKey(ctx context.Context, key string) ([]domain.Transaction, error)
	ListTransactions(ctx context.Context, orgID uuid.UUID, limit int) ([]domain.Transaction, error)
	// SumCompletedTransactions is the ledger side of the balance invariant.
	SumCompletedTransactions(ctx context.Context, orgID uuid.UUID) (int64, error)
	// SumTopupUsage sums completed, pending and processing topup entries created in [from, to).
	SumTopupUsage(ctx context.Context, orgID uuid.UUID, from, to time.Time) (int64, error)

	GetTopupRequest(ctx context.Context, id uuid.UUID) (*domain.TopupRequest, error)
	GetTopupRequestByReference(ctx context.Context, referenceCode string) (*domain.TopupRequest, error)
	ListTopupRequests(ctx context.Context, orgID uuid.UUID, limit int) ([]domain.TopupRequest, error)
}

// Tx is one atomic unit of work. Nothing written through it is visible to
// other callers until the surrounding WithinTx returns nil.
type Tx interface {
	Reader

	// LockOrganization reads the organization and holds it until commit.
	LockOrganization(ctx context.Context, id uuid.UUID) (*domain.Organization, error)
	// AdjustOrganizationBalances applies both deltas if the result keeps
	// 0 <= reserved <= wallet, and returns domain.ErrInsufficientFunds otherwise.
	AdjustOrganizationBalances(ctx context.Context, id uuid.UUID, walletDelta, reservedDelta int64) (*domain.Organization, error)

	// InsertTransaction returns domain.ErrConflict when the idempotency key is taken.
	InsertTransaction(ctx context.Context, txn *domain.Transaction) error
	// UpdateTransactionStatus moves a transaction from one status to another.
	UpdateTransactionStatus(ctx context.Context, id uuid.UUID, from, to domain.TransactionStatus) error

	InsertApplication(ctx context.Context, app *domain.Application) error
	// LockApplication reads the application and holds it until commit.
	LockApplication(ctx context.Context, id uuid.UUID) (*domain.Application, error)
	// UpdateApplication persists app if its stored status is still expected.
	UpdateApplication(ctx context.Context, app *domain.Application, expected domain.ApplicationStatus) error

	// ActivateBinding creates or reactivates the (asset, org) binding. It returns
	// domain.ErrConflict if the asset already has an active binding anywhere.
	ActivateBinding(ctx context.Context, assetID, orgID, boundBy uuid.UUID, at time.Time) (*domain.AssetBinding, error)
	// DeactivateBindings unbinds the listed bindings that are still active and
	// returns how many rows changed.
	DeactivateBindings(ctx context.Context, ids []uuid.UUID, at time.Time) (int, error)
	// SetBindingsActiveFlag sets IsActive on the listed lifecycle-active bindings
	// and returns how many rows matched.
	SetBindingsActiveFlag(ctx context.Context, ids []uuid.UUID, isActive bool, at time.Time) (int, error)

	// InsertTopupRequest returns domain.ErrConflict on a duplicate reference code.
	InsertTopupRequest(ctx context.Context, req *domain.TopupRequest) error
	// ResolveTopupRequest moves a pending request to a terminal status.
	ResolveTopupRequest(ctx context.Context, id uuid.UUID, to domain.TopupStatus, providerReference, failureReason *string, at time.Time) (*domain.TopupRequest, error)
}

// Repository is the store entry point.
type Repository interface {
	Reader

	// WithinTx runs fn in a transaction, committing when fn returns nil.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// UpsertOrganization mirrors tenant fields. Balances are never touched.
	UpsertOrganization(ctx context.Context, org *domain.Organization) (*domain.Organization, error)

	// UpsertAssets inserts or refreshes assets keyed by (type, external id) and
	// stamps them with syncedAt.
	UpsertAssets(ctx context.Context, assets []domain.InventoryAsset, syncedAt time.Time) (int, error)
	// MarkAssetsStale flags assets of the given types not synced since the cutoff.
	MarkAssetsStale(ctx context.Context, types []domain.AssetType, notSyncedSince time.Time) (int, error)

	InsertSyncRun(ctx context.Context, run *domain.SyncRun) error
	FinishSyncRun(ctx context.Context, run *domain.SyncRun) error
	LatestSyncRun(ctx context.Context) (*domain.SyncRun, error)

	// ListPendingTopupRequestsBefore returns pending requests created before the cutoff.
	ListPendingTopupRequestsBefore(ctx context.Context, createdBefore time.Time, limit int) ([]domain.TopupRequest, error)

	Ping(ctx context.Context) error
}
