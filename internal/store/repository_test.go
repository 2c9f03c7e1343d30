package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/adhub/core-service/internal/domain"
)

// forEachRepository runs fn against the memory store and, when DATABASE_URL is
// set, against PostgreSQL with the embedded migrations applied.
func forEachRepository(t *testing.T, fn func(t *testing.T, repo Repository)) {
	t.Helper()
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryRepository())
	})
	t.Run("postgres", func(t *testing.T) {
		fn(t, newPostgresTestRepository(t))
	})
}

func newPostgresTestRepository(t *testing.T) *PostgresRepository {
	t.Helper()
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		t.Skip("DATABASE_URL not set; skipping postgres store tests")
	}
	ctx := context.Background()
	pool, err := NewPool(ctx, databaseURL)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewPostgresRepository(pool)
}

func seedOrganization(t *testing.T, repo Repository) uuid.UUID {
	t.Helper()
	org, err := repo.UpsertOrganization(context.Background(), &domain.Organization{
		ID:                 uuid.New(),
		Name:               "Acme Media",
		PlanID:             "free",
		SubscriptionStatus: "active",
	})
	if err != nil {
		t.Fatalf("upsert organization: %v", err)
	}
	return org.ID
}

func seedAdAccount(t *testing.T, repo Repository) uuid.UUID {
	t.Helper()
	asset := domain.InventoryAsset{
		ID:         uuid.New(),
		Type:       domain.AssetTypeAdAccount,
		ExternalID: fmt.Sprintf("act_%s", uuid.NewString()),
		Name:       "Storefront ads",
		Metadata:   domain.AdAccountMetadata{BusinessManagerExternalID: "bm_" + uuid.NewString(), Currency: "USD"},
	}
	if _, err := repo.UpsertAssets(context.Background(), []domain.InventoryAsset{asset}, time.Now().UTC()); err != nil {
		t.Fatalf("upsert asset: %v", err)
	}
	return asset.ID
}

func activate(repo Repository, assetID, orgID uuid.UUID) (*domain.AssetBinding, error) {
	var binding *domain.AssetBinding
	err := repo.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
		var err error
		binding, err = tx.ActivateBinding(ctx, assetID, orgID, uuid.New(), time.Now().UTC())
		return err
	})
	return binding, err
}

func deactivate(t *testing.T, repo Repository, id uuid.UUID) int {
	t.Helper()
	var n int
	err := repo.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
		var err error
		n, err = tx.DeactivateBindings(ctx, []uuid.UUID{id}, time.Now().UTC())
		return err
	})
	if err != nil {
		t.Fatalf("deactivate binding: %v", err)
	}
	return n
}

func adjust(repo Repository, orgID uuid.UUID, walletDelta, reservedDelta int64) (*domain.Organization, error) {
	var org *domain.Organization
	err := repo.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
		if _, err := tx.LockOrganization(ctx, orgID); err != nil {
			return err
		}
		var err error
		org, err = tx.AdjustOrganizationBalances(ctx, orgID, walletDelta, reservedDelta)
		return err
	})
	return org, err
}

func TestActivateBindingIsExclusiveAcrossOrganizations(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo Repository) {
		orgA := seedOrganization(t, repo)
		orgB := seedOrganization(t, repo)
		assetID := seedAdAccount(t, repo)

		if _, err := activate(repo, assetID, orgA); err != nil {
			t.Fatalf("first bind: %v", err)
		}
		if _, err := activate(repo, assetID, orgB); !errors.Is(err, domain.ErrConflict) {
			t.Fatalf("expected conflict binding to a second organization, got %v", err)
		}
		if _, err := activate(repo, assetID, orgA); !errors.Is(err, domain.ErrConflict) {
			t.Fatalf("expected conflict re-binding an active pair, got %v", err)
		}

		active, err := repo.ListBindings(context.Background(), BindingFilter{AssetID: assetID, Status: domain.BindingStatusActive})
		if err != nil {
			t.Fatalf("list bindings: %v", err)
		}
		if len(active) != 1 || active[0].OrganizationID != orgA {
			t.Fatalf("expected exactly one active binding for orgA, got %+v", active)
		}
	})
}

func TestActivateBindingReactivatesAfterUnbind(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo Repository) {
		orgA := seedOrganization(t, repo)
		orgB := seedOrganization(t, repo)
		assetID := seedAdAccount(t, repo)

		first, err := activate(repo, assetID, orgA)
		if err != nil {
			t.Fatalf("bind orgA: %v", err)
		}
		if n := deactivate(t, repo, first.ID); n != 1 {
			t.Fatalf("expected one row deactivated, got %d", n)
		}
		if n := deactivate(t, repo, first.ID); n != 0 {
			t.Fatalf("expected an inactive binding to be left alone, got %d", n)
		}

		other, err := activate(repo, assetID, orgB)
		if err != nil {
			t.Fatalf("bind orgB after release: %v", err)
		}
		deactivate(t, repo, other.ID)

		again, err := activate(repo, assetID, orgA)
		if err != nil {
			t.Fatalf("rebind orgA: %v", err)
		}
		if again.ID != first.ID {
			t.Fatalf("expected rebind to reuse binding %s, got %s", first.ID, again.ID)
		}
		if again.Status != domain.BindingStatusActive || !again.IsActive || again.UnboundAt != nil {
			t.Fatalf("unexpected reactivated binding: %+v", again)
		}
	})
}

func TestActivateBindingMissingAssetIsNotFound(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo Repository) {
		orgID := seedOrganization(t, repo)
		if _, err := activate(repo, uuid.New(), orgID); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})
}

func TestAdjustOrganizationBalancesGuardsReserve(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo Repository) {
		orgID := seedOrganization(t, repo)

		if _, err := adjust(repo, orgID, 1000, 0); err != nil {
			t.Fatalf("credit wallet: %v", err)
		}
		if _, err := adjust(repo, orgID, 0, 1500); !errors.Is(err, domain.ErrInsufficientFunds) {
			t.Fatalf("expected over-reserve to fail, got %v", err)
		}
		if _, err := adjust(repo, orgID, 0, 600); err != nil {
			t.Fatalf("reserve: %v", err)
		}
		if _, err := adjust(repo, orgID, 0, -700); !errors.Is(err, domain.ErrInsufficientFunds) {
			t.Fatalf("expected negative reserve to fail, got %v", err)
		}
		if _, err := adjust(repo, orgID, -500, 0); !errors.Is(err, domain.ErrInsufficientFunds) {
			t.Fatalf("expected debit below reserved to fail, got %v", err)
		}

		org, err := repo.GetOrganization(context.Background(), orgID)
		if err != nil {
			t.Fatalf("get organization: %v", err)
		}
		if org.WalletBalanceCents != 1000 || org.ReservedBalanceCents != 600 {
			t.Fatalf("rejected adjustments must not apply: wallet=%d reserved=%d", org.WalletBalanceCents, org.ReservedBalanceCents)
		}
	})
}

func TestTransactionWritesAreConditional(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo Repository) {
		orgID := seedOrganization(t, repo)
		key := "topup:" + uuid.NewString()
		txn := &domain.Transaction{
			ID:             uuid.New(),
			OrganizationID: orgID,
			Type:           domain.TransactionTypeTopup,
			AmountCents:    2500,
			Status:         domain.TransactionStatusPending,
			IdempotencyKey: &key,
		}
		err := repo.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
			return tx.InsertTransaction(ctx, txn)
		})
		if err != nil {
			t.Fatalf("insert transaction: %v", err)
		}

		duplicate := *txn
		duplicate.ID = uuid.New()
		err = repo.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
			return tx.InsertTransaction(ctx, &duplicate)
		})
		if !errors.Is(err, domain.ErrConflict) {
			t.Fatalf("expected idempotency key conflict, got %v", err)
		}

		move := func(from, to domain.TransactionStatus) error {
			return repo.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
				return tx.UpdateTransactionStatus(ctx, txn.ID, from, to)
			})
		}
		if err := move(domain.TransactionStatusPending, domain.TransactionStatusCompleted); err != nil {
			t.Fatalf("complete transaction: %v", err)
		}
		if err := move(domain.TransactionStatusPending, domain.TransactionStatusFailed); !errors.Is(err, domain.ErrConflict) {
			t.Fatalf("expected conflict on stale status, got %v", err)
		}

		stored, err := repo.GetTransactionByIdempotencyKey(context.Background(), orgID, key)
		if err != nil {
			t.Fatalf("get transaction: %v", err)
		}
		if stored.Status != domain.TransactionStatusCompleted {
			t.Fatalf("expected completed, got %s", stored.Status)
		}
	})
}

func TestResolveTopupRequestOnlyOnce(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo Repository) {
		orgID := seedOrganization(t, repo)
		req := &domain.TopupRequest{
			ID:             uuid.New(),
			OrganizationID: orgID,
			Channel:        domain.TopupChannelBankTransfer,
			ReferenceCode:  "BANK-" + uuid.NewString(),
			AmountCents:    10000,
			FeeCents:       300,
			Status:         domain.TopupStatusPending,
			RequestedBy:    uuid.New(),
		}
		err := repo.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
			return tx.InsertTopupRequest(ctx, req)
		})
		if err != nil {
			t.Fatalf("insert topup request: %v", err)
		}

		resolve := func(to domain.TopupStatus) (*domain.TopupRequest, error) {
			var out *domain.TopupRequest
			ref := "evt_" + uuid.NewString()
			err := repo.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
				var err error
				out, err = tx.ResolveTopupRequest(ctx, req.ID, to, &ref, nil, time.Now().UTC())
				return err
			})
			return out, err
		}

		resolved, err := resolve(domain.TopupStatusCompleted)
		if err != nil {
			t.Fatalf("resolve topup: %v", err)
		}
		if resolved.Status != domain.TopupStatusCompleted || resolved.ResolvedAt == nil {
			t.Fatalf("unexpected resolved request: %+v", resolved)
		}
		if _, err := resolve(domain.TopupStatusFailed); !errors.Is(err, domain.ErrConflict) {
			t.Fatalf("expected second resolve to conflict, got %v", err)
		}

		stored, err := repo.GetTopupRequest(context.Background(), req.ID)
		if err != nil {
			t.Fatalf("get topup request: %v", err)
		}
		if stored.Status != domain.TopupStatusCompleted {
			t.Fatalf("second resolve must not apply, got %s", stored.Status)
		}
	})
}

func TestUpdateApplicationRequiresExpectedStatus(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo Repository) {
		orgID := seedOrganization(t, repo)
		now := time.Now().UTC()
		app := &domain.Application{
			ID:             uuid.New(),
			OrganizationID: orgID,
			RequestType:    domain.RequestTypeBusinessManager,
			Status:         domain.ApplicationStatusPending,
			Payload:        domain.ApplicationPayload{Name: "Growth BM"},
			AssetIDs:       []uuid.UUID{},
			SubmittedBy:    uuid.New(),
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		err := repo.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
			return tx.InsertApplication(ctx, app)
		})
		if err != nil {
			t.Fatalf("insert application: %v", err)
		}

		approve := func() error {
			return repo.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
				locked, err := tx.LockApplication(ctx, app.ID)
				if err != nil {
					return err
				}
				admin := uuid.New()
				at := time.Now().UTC()
				locked.Status = domain.ApplicationStatusProcessing
				locked.ApprovedBy = &admin
				locked.ApprovedAt = &at
				locked.UpdatedAt = at
				return tx.UpdateApplication(ctx, locked, domain.ApplicationStatusPending)
			})
		}
		if err := approve(); err != nil {
			t.Fatalf("approve: %v", err)
		}
		if err := approve(); !errors.Is(err, domain.ErrConflict) {
			t.Fatalf("expected conflict approving twice, got %v", err)
		}

		stored, err := repo.GetApplication(context.Background(), app.ID)
		if err != nil {
			t.Fatalf("get application: %v", err)
		}
		if stored.Status != domain.ApplicationStatusProcessing || stored.ApprovedBy == nil {
			t.Fatalf("unexpected stored application: %+v", stored)
		}
	})
}

func TestPostgresCardChargeKeyIsGloballyUnique(t *testing.T) {
	repo := newPostgresTestRepository(t)
	orgA := seedOrganization(t, repo)
	orgB := seedOrganization(t, repo)
	key := "card:ch_" + uuid.NewString()

	insert := func(orgID uuid.UUID) error {
		return repo.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
			return tx.InsertTransaction(ctx, &domain.Transaction{
				ID:             uuid.New(),
				OrganizationID: orgID,
				Type:           domain.TransactionTypeTopup,
				AmountCents:    1000,
				Status:         domain.TransactionStatusCompleted,
				IdempotencyKey: &key,
			})
		})
	}
	if err := insert(orgA); err != nil {
		t.Fatalf("insert for orgA: %v", err)
	}
	if err := insert(orgB); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict for a card key reused by orgB, got %v", err)
	}

	holders, err := repo.FindTransactionsByIdempotencyKey(context.Background(), key)
	if err != nil {
		t.Fatalf("find by key: %v", err)
	}
	if len(holders) != 1 || holders[0].OrganizationID != orgA {
		t.Fatalf("expected orgA to hold the key, got %+v", holders)
	}
}

func TestMapWriteError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "nil", err: nil, want: nil},
		{name: "unique violation", err: &pgconn.PgError{Code: "23505", ConstraintName: "transactions_org_idempotency_key"}, want: domain.ErrConflict},
		{name: "wrapped unique violation", err: fmt.Errorf("exec: %w", &pgconn.PgError{Code: "23505"}), want: domain.ErrConflict},
		{name: "foreign key violation", err: &pgconn.PgError{Code: "23503", ConstraintName: "transactions_organization_id_fkey"}, want: domain.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapWriteError(tt.err, "transaction")
			if tt.want == nil {
				if got != nil {
					t.Fatalf("expected nil, got %v", got)
				}
				return
			}
			if !errors.Is(got, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}

	other := &pgconn.PgError{Code: "40001"}
	if got := mapWriteError(other, "transaction"); got != other {
		t.Fatalf("expected unrelated errors to pass through, got %v", got)
	}
}
