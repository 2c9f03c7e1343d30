/**
 * @description
 * In-memory implementation of the Repository interface. It backs the service in
 * development (STORE_DRIVER=memory) and the service-level tests.
 *
 * @notes
 * - Transactions are serialized. Each one works on a private copy of the state
 *   which replaces the published state on commit, so a failed unit of work
 *   leaves nothing behind and readers never observe partial writes.
 * - Published state is never mutated in place.
 */

package store

import (
	"bytes"
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/adhub/core-service/internal/domain"
)

type assetKey struct {
	assetType  domain.AssetType
	externalID string
}

type bindingKey struct {
	assetID uuid.UUID
	orgID   uuid.UUID
}

type idempotencyKey struct {
	orgID uuid.UUID
	key   string
}

type memState struct {
	orgs          map[uuid.UUID]domain.Organization
	assets        map[uuid.UUID]domain.InventoryAsset
	assetKeys     map[assetKey]uuid.UUID
	bindings      map[uuid.UUID]domain.AssetBinding
	bindingKeys   map[bindingKey]uuid.UUID
	activeByAsset map[uuid.UUID]uuid.UUID
	applications  map[uuid.UUID]domain.Application
	transactions  map[uuid.UUID]domain.Transaction
	idempotency   map[idempotencyKey]uuid.UUID
	topups        map[uuid.UUID]domain.TopupRequest
	topupRefs     map[string]uuid.UUID
	syncRuns      map[uuid.UUID]domain.SyncRun
}

func newMemState() *memState {
	return &memState{
		orgs:          make(map[uuid.UUID]domain.Organization),
		assets:        make(map[uuid.UUID]domain.InventoryAsset),
		assetKeys:     make(map[assetKey]uuid.UUID),
		bindings:      make(map[uuid.UUID]domain.AssetBinding),
		bindingKeys:   make(map[bindingKey]uuid.UUID),
		activeByAsset: make(map[uuid.UUID]uuid.UUID),
		applications:  make(map[uuid.UUID]domain.Application),
		transactions:  make(map[uuid.UUID]domain.Transaction),
		idempotency:   make(map[idempotencyKey]uuid.UUID),
		topups:        make(map[uuid.UUID]domain.TopupRequest),
		topupRefs:     make(map[string]uuid.UUID),
		syncRuns:      make(map[uuid.UUID]domain.SyncRun),
	}
}

func (s *memState) clone() *memState {
	return &memState{
		orgs:          maps.Clone(s.orgs),
		assets:        maps.Clone(s.assets),
		assetKeys:     maps.Clone(s.assetKeys),
		bindings:      maps.Clone(s.bindings),
		bindingKeys:   maps.Clone(s.bindingKeys),
		activeByAsset: maps.Clone(s.activeByAsset),
		applications:  maps.Clone(s.applications),
		transactions:  maps.Clone(s.transactions),
		idempotency:   maps.Clone(s.idempotency),
		topups:        maps.Clone(s.topups),
		topupRefs:     maps.Clone(s.topupRefs),
		syncRuns:      maps.Clone(s.syncRuns),
	}
}

// MemoryRepository is a process-local Repository.
type MemoryRepository struct {
	txMu  sync.Mutex
	mu    sync.RWMutex
	state *memState
}

// NewMemoryRepository creates an empty in-memory store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{state: newMemState()}
}

var _ Repository = (*MemoryRepository)(nil)

func (r *MemoryRepository) snapshot() *memState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// mutate runs fn against a private copy and publishes it when fn succeeds.
func (r *MemoryRepository) mutate(ctx context.Context, fn func(st *memState) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.txMu.Lock()
	defer r.txMu.Unlock()

	next := r.snapshot().clone()
	if err := fn(next); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	r.state = next
	r.mu.Unlock()
	return nil
}

func (r *MemoryRepository) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return r.mutate(ctx, func(st *memState) error {
		return fn(ctx, &memTx{memState: st})
	})
}

func (r *MemoryRepository) Ping(ctx context.Context) error { return ctx.Err() }

func (r *MemoryRepository) GetOrganization(ctx context.Context, id uuid.UUID) (*domain.Organization, error) {
	return r.snapshot().GetOrganization(ctx, id)
}

func (r *MemoryRepository) GetAsset(ctx context.Context, id uuid.UUID) (*domain.InventoryAsset, error) {
	return r.snapshot().GetAsset(ctx, id)
}

func (r *MemoryRepository) ListAssets(ctx context.Context, filter AssetFilter) ([]domain.InventoryAsset, error) {
	return r.snapshot().ListAssets(ctx, filter)
}

func (r *MemoryRepository) GetBinding(ctx context.Context, assetID, orgID uuid.UUID) (*domain.AssetBinding, error) {
	return r.snapshot().GetBinding(ctx, assetID, orgID)
}

func (r *MemoryRepository) ListBindings(ctx context.Context, filter BindingFilter) ([]domain.AssetBinding, error) {
	return r.snapshot().ListBindings(ctx, filter)
}

func (r *MemoryRepository) CountActiveBindings(ctx context.Context, orgID uuid.UUID, assetType domain.AssetType) (int, error) {
	return r.snapshot().CountActiveBindings(ctx, orgID, assetType)
}

func (r *MemoryRepository) GetApplication(ctx context.Context, id uuid.UUID) (*domain.Application, error) {
	return r.snapshot().GetApplication(ctx, id)
}

func (r *MemoryRepository) ListApplications(ctx context.Context, orgID uuid.UUID, status domain.ApplicationStatus) ([]domain.Application, error) {
	return r.snapshot().ListApplications(ctx, orgID, status)
}

func (r *MemoryRepository) GetTransactionByIdempotencyKey(ctx context.Context, orgID uuid.UUID, key string) (*domain.Transaction, error) {
	return r.snapshot().GetTransactionByIdempotencyKey(ctx, orgID, key)
}

func (r *MemoryRepository) FindTransactionsByIdempotencyKey(ctx context.Context, key string) ([]domain.Transaction, error) {
	return r.snapshot().FindTransactionsByIdempotencyKey(ctx, key)
}

func (r *MemoryRepository) ListTransactions(ctx context.Context, orgID uuid.UUID, limit int) ([]domain.Transaction, error) {
	return r.snapshot().ListTransactions(ctx, orgID, limit)
}

func (r *MemoryRepository) SumCompletedTransactions(ctx context.Context, orgID uuid.UUID) (int64, error) {
	return r.snapshot().SumCompletedTransactions(ctx, orgID)
}

func (r *MemoryRepository) SumTopupUsage(ctx context.Context, orgID uuid.UUID, from, to time.Time) (int64, error) {
	return r.snapshot().SumTopupUsage(ctx, orgID, from, to)
}

func (r *MemoryRepository) GetTopupRequest(ctx context.Context, id uuid.UUID) (*domain.TopupRequest, error) {
	return r.snapshot().GetTopupRequest(ctx, id)
}

func (r *MemoryRepository) GetTopupRequestByReference(ctx context.Context, referenceCode string) (*domain.TopupRequest, error) {
	return r.snapshot().GetTopupRequestByReference(ctx, referenceCode)
}

func (r *MemoryRepository) ListTopupRequests(ctx context.Context, orgID uuid.UUID, limit int) ([]domain.TopupRequest, error) {
	return r.snapshot().ListTopupRequests(ctx, orgID, limit)
}

func (r *MemoryRepository) UpsertOrganization(ctx context.Context, org *domain.Organization) (*domain.Organization, error) {
	var out domain.Organization
	err := r.mutate(ctx, func(st *memState) error {
		now := time.Now().UTC()
		existing, ok := st.orgs[org.ID]
		if ok {
			existing.Name = org.Name
			existing.PlanID = org.PlanID
			existing.SubscriptionStatus = org.SubscriptionStatus
			existing.UpdatedAt = now
			out = existing
		} else {
			out = domain.Organization{
				ID:                 org.ID,
				Name:               org.Name,
				PlanID:             org.PlanID,
				SubscriptionStatus: org.SubscriptionStatus,
				CreatedAt:          now,
				UpdatedAt:          now,
			}
		}
		st.orgs[org.ID] = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *MemoryRepository) UpsertAssets(ctx context.Context, assets []domain.InventoryAsset, syncedAt time.Time) (int, error) {
	count := 0
	err := r.mutate(ctx, func(st *memState) error {
		for _, in := range assets {
			key := assetKey{assetType: in.Type, externalID: in.ExternalID}
			status := in.Status
			if status == "" {
				status = domain.AssetStatusActive
			}
			if id, ok := st.assetKeys[key]; ok {
				existing := st.assets[id]
				existing.Name = in.Name
				existing.Status = status
				existing.Metadata = in.Metadata
				existing.LastSyncedAt = syncedAt
				existing.UpdatedAt = syncedAt
				st.assets[id] = existing
			} else {
				asset := in
				if asset.ID == uuid.Nil {
					asset.ID = uuid.New()
				}
				asset.Status = status
				asset.LastSyncedAt = syncedAt
				asset.CreatedAt = syncedAt
				asset.UpdatedAt = syncedAt
				st.assets[asset.ID] = asset
				st.assetKeys[key] = asset.ID
			}
			count++
		}
		return nil
	})
	return count, err
}

func (r *MemoryRepository) MarkAssetsStale(ctx context.Context, types []domain.AssetType, notSyncedSince time.Time) (int, error) {
	count := 0
	err := r.mutate(ctx, func(st *memState) error {
		for id, asset := range st.assets {
			if asset.Status == domain.AssetStatusStale || !asset.LastSyncedAt.Before(notSyncedSince) {
				continue
			}
			if !slices.Contains(types, asset.Type) {
				continue
			}
			asset.Status = domain.AssetStatusStale
			asset.UpdatedAt = time.Now().UTC()
			st.assets[id] = asset
			count++
		}
		return nil
	})
	return count, err
}

func (r *MemoryRepository) InsertSyncRun(ctx context.Context, run *domain.SyncRun) error {
	return r.mutate(ctx, func(st *memState) error {
		if _, ok := st.syncRuns[run.ID]; ok {
			return domain.Conflictf("sync run %s already exists", run.ID)
		}
		st.syncRuns[run.ID] = *run
		return nil
	})
}

func (r *MemoryRepository) FinishSyncRun(ctx context.Context, run *domain.SyncRun) error {
	return r.mutate(ctx, func(st *memState) error {
		if _, ok := st.syncRuns[run.ID]; !ok {
			return domain.NotFoundf("sync run %s", run.ID)
		}
		st.syncRuns[run.ID] = *run
		return nil
	})
}

func (r *MemoryRepository) LatestSyncRun(ctx context.Context) (*domain.SyncRun, error) {
	st := r.snapshot()
	var latest *domain.SyncRun
	for _, run := range st.syncRuns {
		if latest == nil || run.StartedAt.After(latest.StartedAt) {
			run := run
			latest = &run
		}
	}
	if latest == nil {
		return nil, domain.NotFoundf("no inventory sync has run")
	}
	return latest, nil
}

func (r *MemoryRepository) ListPendingTopupRequestsBefore(ctx context.Context, createdBefore time.Time, limit int) ([]domain.TopupRequest, error) {
	st := r.snapshot()
	var out []domain.TopupRequest
	for _, req := range st.topups {
		if req.Status == domain.TopupStatusPending && req.CreatedAt.Before(createdBefore) {
			out = append(out, req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return truncate(out, limit), nil
}

// Reader implementation shared by the repository snapshot and transactions.

func (s *memState) GetOrganization(_ context.Context, id uuid.UUID) (*domain.Organization, error) {
	org, ok := s.orgs[id]
	if !ok {
		return nil, domain.NotFoundf("organization %s", id)
	}
	return &org, nil
}

func (s *memState) GetAsset(_ context.Context, id uuid.UUID) (*domain.InventoryAsset, error) {
	asset, ok := s.assets[id]
	if !ok {
		return nil, domain.NotFoundf("asset %s", id)
	}
	return &asset, nil
}

func (s *memState) ListAssets(_ context.Context, filter AssetFilter) ([]domain.InventoryAsset, error) {
	out := make([]domain.InventoryAsset, 0)
	for _, asset := range s.assets {
		if filter.Type != "" && asset.Type != filter.Type {
			continue
		}
		if filter.Status != "" && asset.Status != filter.Status {
			continue
		}
		out = append(out, asset)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].ExternalID < out[j].ExternalID
	})
	return truncate(out, filter.Limit), nil
}

func (s *memState) GetBinding(_ context.Context, assetID, orgID uuid.UUID) (*domain.AssetBinding, error) {
	id, ok := s.bindingKeys[bindingKey{assetID: assetID, orgID: orgID}]
	if !ok {
		return nil, domain.NotFoundf("binding for asset %s and organization %s", assetID, orgID)
	}
	binding := s.bindings[id]
	return &binding, nil
}

func (s *memState) ListBindings(_ context.Context, filter BindingFilter) ([]domain.AssetBinding, error) {
	out := make([]domain.AssetBinding, 0)
	for _, binding := range s.bindings {
		if filter.OrganizationID != uuid.Nil && binding.OrganizationID != filter.OrganizationID {
			continue
		}
		if filter.AssetID != uuid.Nil && binding.AssetID != filter.AssetID {
			continue
		}
		if filter.Status != "" && binding.Status != filter.Status {
			continue
		}
		out = append(out, binding)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].BoundAt.Equal(out[j].BoundAt) {
			return out[i].BoundAt.Before(out[j].BoundAt)
		}
		return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0
	})
	return out, nil
}

func (s *memState) CountActiveBindings(_ context.Context, orgID uuid.UUID, assetType domain.AssetType) (int, error) {
	count := 0
	for _, binding := range s.bindings {
		if binding.OrganizationID != orgID || binding.Status != domain.BindingStatusActive {
			continue
		}
		if asset, ok := s.assets[binding.AssetID]; ok && asset.Type == assetType {
			count++
		}
	}
	return count, nil
}

func (s *memState) GetApplication(_ context.Context, id uuid.UUID) (*domain.Application, error) {
	app, ok := s.applications[id]
	if !ok {
		return nil, domain.NotFoundf("application %s", id)
	}
	app.AssetIDs = slices.Clone(app.AssetIDs)
	return &app, nil
}

func (s *memState) ListApplications(_ context.Context, orgID uuid.UUID, status domain.ApplicationStatus) ([]domain.Application, error) {
	out := make([]domain.Application, 0)
	for _, app := range s.applications {
		if app.OrganizationID != orgID {
			continue
		}
		if status != "" && app.Status != status {
			continue
		}
		app.AssetIDs = slices.Clone(app.AssetIDs)
		out = append(out, app)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *memState) GetTransactionByIdempotencyKey(_ context.Context, orgID uuid.UUID, key string) (*domain.Transaction, error) {
	id, ok := s.idempotency[idempotencyKey{orgID: orgID, key: key}]
	if !ok {
		return nil, domain.NotFoundf("transaction with idempotency key %q", key)
	}
	txn := s.transactions[id]
	txn.Metadata = maps.Clone(txn.Metadata)
	return &txn, nil
}

func (s *memState) FindTransactionsByIdempotencyKey(_ context.Context, key string) ([]domain.Transaction, error) {
	out := make([]domain.Transaction, 0)
	for k, id := range s.idempotency {
		if k.key != key {
			continue
		}
		txn := s.transactions[id]
		txn.Metadata = maps.Clone(txn.Metadata)
		out = append(out, txn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memState) ListTransactions(_ context.Context, orgID uuid.UUID, limit int) ([]domain.Transaction, error) {
	out := make([]domain.Transaction, 0)
	for _, txn := range s.transactions {
		if txn.OrganizationID != orgID {
			continue
		}
		txn.Metadata = maps.Clone(txn.Metadata)
		out = append(out, txn)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return bytes.Compare(out[i].ID[:], out[j].ID[:]) > 0
	})
	return truncate(out, limit), nil
}

func (s *memState) SumCompletedTransactions(_ context.Context, orgID uuid.UUID) (int64, error) {
	var sum int64
	for _, txn := range s.transactions {
		if txn.OrganizationID == orgID && txn.Status == domain.TransactionStatusCompleted {
			sum += txn.AmountCents
		}
	}
	return sum, nil
}

func (s *memState) SumTopupUsage(_ context.Context, orgID uuid.UUID, from, to time.Time) (int64, error) {
	var sum int64
	for _, txn := range s.transactions {
		if txn.OrganizationID != orgID || txn.Type != domain.TransactionTypeTopup {
			continue
		}
		switch txn.Status {
		case domain.TransactionStatusCompleted, domain.TransactionStatusPending, domain.TransactionStatusProcessing:
		default:
			continue
		}
		if txn.CreatedAt.Before(from) || !txn.CreatedAt.Before(to) {
			continue
		}
		sum += txn.AmountCents
	}
	return sum, nil
}

func (s *memState) GetTopupRequest(_ context.Context, id uuid.UUID) (*domain.TopupRequest, error) {
	req, ok := s.topups[id]
	if !ok {
		return nil, domain.NotFoundf("topup request %s", id)
	}
	return &req, nil
}

func (s *memState) GetTopupRequestByReference(_ context.Context, referenceCode string) (*domain.TopupRequest, error) {
	id, ok := s.topupRefs[referenceCode]
	if !ok {
		return nil, domain.NotFoundf("topup request with reference %q", referenceCode)
	}
	req := s.topups[id]
	return &req, nil
}

func (s *memState) ListTopupRequests(_ context.Context, orgID uuid.UUID, limit int) ([]domain.TopupRequest, error) {
	out := make([]domain.TopupRequest, 0)
	for _, req := range s.topups {
		if req.OrganizationID == orgID {
			out = append(out, req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return truncate(out, limit), nil
}

// memTx adds conditional writes on top of a private state copy.
type memTx struct {
	*memState
}

var _ Tx = (*memTx)(nil)

func (t *memTx) LockOrganization(ctx context.Context, id uuid.UUID) (*domain.Organization, error) {
	return t.GetOrganization(ctx, id)
}

func (t *memTx) AdjustOrganizationBalances(_ context.Context, id uuid.UUID, walletDelta, reservedDelta int64) (*domain.Organization, error) {
	org, ok := t.orgs[id]
	if !ok {
		return nil, domain.NotFoundf("organization %s", id)
	}
	wallet := org.WalletBalanceCents + walletDelta
	reserved := org.ReservedBalanceCents + reservedDelta
	if reserved < 0 || reserved > wallet {
		return nil, domain.ErrInsufficientFunds
	}
	org.WalletBalanceCents = wallet
	org.ReservedBalanceCents = reserved
	org.UpdatedAt = time.Now().UTC()
	t.orgs[id] = org
	return &org, nil
}

func (t *memTx) InsertTransaction(_ context.Context, txn *domain.Transaction) error {
	if _, ok := t.orgs[txn.OrganizationID]; !ok {
		return domain.NotFoundf("organization %s", txn.OrganizationID)
	}
	if _, ok := t.transactions[txn.ID]; ok {
		return domain.Conflictf("transaction %s already exists", txn.ID)
	}
	if txn.IdempotencyKey != nil {
		key := idempotencyKey{orgID: txn.OrganizationID, key: *txn.IdempotencyKey}
		if _, ok := t.idempotency[key]; ok {
			return domain.Conflictf("idempotency key %q already used", *txn.IdempotencyKey)
		}
		t.idempotency[key] = txn.ID
	}
	now := time.Now().UTC()
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = now
	}
	txn.UpdatedAt = now
	stored := *txn
	stored.Metadata = maps.Clone(txn.Metadata)
	t.transactions[txn.ID] = stored
	return nil
}

func (t *memTx) UpdateTransactionStatus(_ context.Context, id uuid.UUID, from, to domain.TransactionStatus) error {
	txn, ok := t.transactions[id]
	if !ok {
		return domain.NotFoundf("transaction %s", id)
	}
	if txn.Status != from {
		return domain.Conflictf("transaction %s is %s, expected %s", id, txn.Status, from)
	}
	txn.Status = to
	txn.UpdatedAt = time.Now().UTC()
	t.transactions[id] = txn
	return nil
}

func (t *memTx) InsertApplication(_ context.Context, app *domain.Application) error {
	if _, ok := t.orgs[app.OrganizationID]; !ok {
		return domain.NotFoundf("organization %s", app.OrganizationID)
	}
	if _, ok := t.applications[app.ID]; ok {
		return domain.Conflictf("application %s already exists", app.ID)
	}
	stored := *app
	stored.AssetIDs = slices.Clone(app.AssetIDs)
	t.applications[app.ID] = stored
	return nil
}

func (t *memTx) LockApplication(ctx context.Context, id uuid.UUID) (*domain.Application, error) {
	return t.GetApplication(ctx, id)
}

func (t *memTx) UpdateApplication(_ context.Context, app *domain.Application, expected domain.ApplicationStatus) error {
	existing, ok := t.applications[app.ID]
	if !ok {
		return domain.NotFoundf("application %s", app.ID)
	}
	if existing.Status != expected {
		return domain.Conflictf("application %s is %s, expected %s", app.ID, existing.Status, expected)
	}
	stored := *app
	stored.AssetIDs = slices.Clone(app.AssetIDs)
	t.applications[app.ID] = stored
	return nil
}

func (t *memTx) ActivateBinding(_ context.Context, assetID, orgID, boundBy uuid.UUID, at time.Time) (*domain.AssetBinding, error) {
	if _, ok := t.assets[assetID]; !ok {
		return nil, domain.NotFoundf("asset %s", assetID)
	}
	if _, ok := t.orgs[orgID]; !ok {
		return nil, domain.NotFoundf("organization %s", orgID)
	}
	if activeID, ok := t.activeByAsset[assetID]; ok {
		holder := t.bindings[activeID]
		return nil, domain.Conflictf("asset %s is already bound to organization %s", assetID, holder.OrganizationID)
	}

	key := bindingKey{assetID: assetID, orgID: orgID}
	binding := domain.AssetBinding{
		ID:             uuid.New(),
		AssetID:        assetID,
		OrganizationID: orgID,
	}
	if id, ok := t.bindingKeys[key]; ok {
		binding = t.bindings[id]
	}
	binding.Status = domain.BindingStatusActive
	binding.IsActive = true
	binding.BoundBy = boundBy
	binding.BoundAt = at
	binding.UnboundAt = nil
	binding.UpdatedAt = at

	t.bindings[binding.ID] = binding
	t.bindingKeys[key] = binding.ID
	t.activeByAsset[assetID] = binding.ID
	return &binding, nil
}

func (t *memTx) DeactivateBindings(_ context.Context, ids []uuid.UUID, at time.Time) (int, error) {
	count := 0
	for _, id := range ids {
		binding, ok := t.bindings[id]
		if !ok || binding.Status != domain.BindingStatusActive {
			continue
		}
		unboundAt := at
		binding.Status = domain.BindingStatusInactive
		binding.IsActive = false
		binding.UnboundAt = &unboundAt
		binding.UpdatedAt = at
		t.bindings[id] = binding
		delete(t.activeByAsset, binding.AssetID)
		count++
	}
	return count, nil
}

func (t *memTx) SetBindingsActiveFlag(_ context.Context, ids []uuid.UUID, isActive bool, at time.Time) (int, error) {
	count := 0
	for _, id := range ids {
		binding, ok := t.bindings[id]
		if !ok || binding.Status != domain.BindingStatusActive {
			continue
		}
		binding.IsActive = isActive
		binding.UpdatedAt = at
		t.bindings[id] = binding
		count++
	}
	return count, nil
}

func (t *memTx) InsertTopupRequest(_ context.Context, req *domain.TopupRequest) error {
	if _, ok := t.topups[req.ID]; ok {
		return domain.Conflictf("topup request %s already exists", req.ID)
	}
	if _, ok := t.topupRefs[req.ReferenceCode]; ok {
		return domain.Conflictf("reference code %s already exists", req.ReferenceCode)
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	t.topups[req.ID] = *req
	t.topupRefs[req.ReferenceCode] = req.ID
	return nil
}

func (t *memTx) ResolveTopupRequest(_ context.Context, id uuid.UUID, to domain.TopupStatus, providerReference, failureReason *string, at time.Time) (*domain.TopupRequest, error) {
	req, ok := t.topups[id]
	if !ok {
		return nil, domain.NotFoundf("topup request %s", id)
	}
	if req.Status != domain.TopupStatusPending {
		return nil, domain.Conflictf("topup request %s is %s", id, req.Status)
	}
	resolvedAt := at
	req.Status = to
	if providerReference != nil {
		req.ProviderReference = providerReference
	}
	req.FailureReason = failureReason
	req.ResolvedAt = &resolvedAt
	t.topups[id] = req
	return &req, nil
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
