package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/adhub/core-service/internal/domain"
	"github.com/adhub/core-service/internal/store"
	"github.com/adhub/core-service/pkg/inventoryclient"
	"github.com/adhub/core-service/pkg/logging"
)

type inventoryProviderStub struct {
	mu         sync.Mutex
	bmPages    map[string]*inventoryclient.Page[inventoryclient.BusinessManager]
	adPages    map[string]*inventoryclient.Page[inventoryclient.AdAccount]
	adErr      error
	block      chan struct{}
	entered    chan struct{}
	limitsSeen []int
}

func (p *inventoryProviderStub) ListBusinessManagers(ctx context.Context, cursor string, limit int) (*inventoryclient.Page[inventoryclient.BusinessManager], error) {
	if p.entered != nil {
		p.entered <- struct{}{}
	}
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.limitsSeen = append(p.limitsSeen, limit)
	if page, ok := p.bmPages[cursor]; ok {
		return page, nil
	}
	return &inventoryclient.Page[inventoryclient.BusinessManager]{}, nil
}

func (p *inventoryProviderStub) ListAdAccounts(ctx context.Context, cursor string, limit int) (*inventoryclient.Page[inventoryclient.AdAccount], error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.adErr != nil {
		return nil, p.adErr
	}
	if page, ok := p.adPages[cursor]; ok {
		return page, nil
	}
	return &inventoryclient.Page[inventoryclient.AdAccount]{}, nil
}

func bmPage(next string, records ...inventoryclient.BusinessManager) *inventoryclient.Page[inventoryclient.BusinessManager] {
	page := &inventoryclient.Page[inventoryclient.BusinessManager]{Data: records}
	page.Paging.NextCursor = next
	return page
}

func adPage(next string, records ...inventoryclient.AdAccount) *inventoryclient.Page[inventoryclient.AdAccount] {
	page := &inventoryclient.Page[inventoryclient.AdAccount]{Data: records}
	page.Paging.NextCursor = next
	return page
}

func newStandardProvider() *inventoryProviderStub {
	return &inventoryProviderStub{
		bmPages: map[string]*inventoryclient.Page[inventoryclient.BusinessManager]{
			"": bmPage("p2", inventoryclient.BusinessManager{
				ID: "bm-1", Name: "Alpha", Status: "active", VerificationStatus: "verified",
				Pixels: []inventoryclient.Pixel{{ID: "px-1", Name: "Main"}},
			}),
			"p2": bmPage("", inventoryclient.BusinessManager{ID: "bm-2", Name: "Beta", Status: "disabled"}),
		},
		adPages: map[string]*inventoryclient.Page[inventoryclient.AdAccount]{
			"": adPage("",
				inventoryclient.AdAccount{ID: "act-1", Name: "Ads 1", Status: "active", BusinessManagerID: "bm-1", Currency: "USD"},
				inventoryclient.AdAccount{ID: "act-2", Name: "Ads 2", Status: "active", BusinessManagerID: "bm-1"},
			),
		},
	}
}

// stepClock advances one second on every call so consecutive runs are ordered.
func stepClock() func() time.Time {
	var mu sync.Mutex
	current := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(time.Second)
		return current
	}
}

func newTestInventorySync(repo store.Repository, provider InventoryProvider) *InventorySync {
	s := NewInventorySync(repo, provider, nil, logging.NewNopLogger(), 50)
	s.now = stepClock()
	return s
}

func assetsByExternalID(t *testing.T, repo store.Repository) map[string]domain.InventoryAsset {
	t.Helper()
	assets, err := repo.ListAssets(context.Background(), store.AssetFilter{})
	if err != nil {
		t.Fatalf("list assets: %v", err)
	}
	out := make(map[string]domain.InventoryAsset, len(assets))
	for _, a := range assets {
		out[a.ExternalID] = a
	}
	return out
}

func TestInventorySyncFullRun(t *testing.T) {
	repo := store.NewMemoryRepository()
	provider := newStandardProvider()
	s := newTestInventorySync(repo, provider)

	run, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if run.Status != domain.SyncStatusSucceeded || run.AssetsUpserted != 5 || run.FinishedAt == nil {
		t.Fatalf("unexpected run %+v", run)
	}
	if len(provider.limitsSeen) != 2 || provider.limitsSeen[0] != 50 {
		t.Fatalf("expected two paged business manager calls with limit 50, got %v", provider.limitsSeen)
	}

	assets := assetsByExternalID(t, repo)
	bm, ok := assets["bm-1"].Metadata.(domain.BusinessManagerMetadata)
	if !ok || bm.VerificationStatus != "verified" || len(bm.PixelExternalIDs) != 1 {
		t.Fatalf("unexpected business manager metadata %+v", assets["bm-1"])
	}
	if parent, ok := assets["px-1"].ParentBusinessManagerExternalID(); !ok || parent != "bm-1" {
		t.Fatalf("pixel should reference its business manager, got %+v", assets["px-1"])
	}
	if parent, ok := assets["act-2"].ParentBusinessManagerExternalID(); !ok || parent != "bm-1" {
		t.Fatalf("ad account should reference its business manager, got %+v", assets["act-2"])
	}
	if assets["bm-2"].Status != domain.AssetStatusDisabled {
		t.Fatalf("expected disabled status to be mirrored, got %s", assets["bm-2"].Status)
	}

	// act-2 disappears upstream.
	provider.adPages[""] = adPage("", inventoryclient.AdAccount{ID: "act-1", Name: "Ads 1", Status: "active", BusinessManagerID: "bm-1"})
	second, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if second.AssetsMarkedStale != 1 {
		t.Fatalf("expected one stale asset, got %+v", second)
	}
	assets = assetsByExternalID(t, repo)
	if assets["act-2"].Status != domain.AssetStatusStale || assets["act-1"].Status != domain.AssetStatusActive {
		t.Fatalf("unexpected statuses act-1=%s act-2=%s", assets["act-1"].Status, assets["act-2"].Status)
	}

	last, err := s.LastRun(context.Background())
	if err != nil {
		t.Fatalf("last run: %v", err)
	}
	if last.ID != second.ID {
		t.Fatalf("expected the latest run to be reported")
	}
}

func TestInventorySyncLeavesProfilesAlone(t *testing.T) {
	repo := store.NewMemoryRepository()
	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if _, err := repo.UpsertAssets(context.Background(), []domain.InventoryAsset{{
		Type: domain.AssetTypeProfile, ExternalID: "prof-1", Name: "Operator", Metadata: domain.ProfileMetadata{},
	}}, old); err != nil {
		t.Fatalf("seed profile: %v", err)
	}

	if _, err := newTestInventorySync(repo, newStandardProvider()).Run(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if status := assetsByExternalID(t, repo)["prof-1"].Status; status != domain.AssetStatusActive {
		t.Fatalf("profiles are not provider managed, got %s", status)
	}
}

func TestInventorySyncDegradedOnProviderFailure(t *testing.T) {
	repo := store.NewMemoryRepository()
	provider := newStandardProvider()
	s := newTestInventorySync(repo, provider)
	if _, err := s.Run(context.Background()); err != nil {
		t.Fatalf("initial sync: %v", err)
	}

	provider.adErr = &inventoryclient.APIError{StatusCode: 503}
	run, err := s.Run(context.Background())
	if !errors.Is(err, domain.ErrExternalProvider) {
		t.Fatalf("expected external provider error, got %v", err)
	}
	if run.Status != domain.SyncStatusDegraded || run.AssetsUpserted != 3 || run.AssetsMarkedStale != 0 || run.Error == "" {
		t.Fatalf("unexpected degraded run %+v", run)
	}

	// Ad accounts were not refetched but must not be marked stale.
	assets := assetsByExternalID(t, repo)
	if assets["act-1"].Status != domain.AssetStatusActive {
		t.Fatalf("degraded sync must skip stale marking, got %s", assets["act-1"].Status)
	}
	last, err := s.LastRun(context.Background())
	if err != nil {
		t.Fatalf("last run: %v", err)
	}
	if last.Status != domain.SyncStatusDegraded {
		t.Fatalf("expected last run degraded, got %s", last.Status)
	}
}

func TestInventorySyncRejectsOverlap(t *testing.T) {
	repo := store.NewMemoryRepository()
	provider := newStandardProvider()
	provider.block = make(chan struct{})
	provider.entered = make(chan struct{}, 4)
	s := newTestInventorySync(repo, provider)

	done := make(chan error, 1)
	go func() {
		_, err := s.Run(context.Background())
		done <- err
	}()
	<-provider.entered

	if _, err := s.Run(context.Background()); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict for overlapping run, got %v", err)
	}

	close(provider.block)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
}

type failingUpsertRepo struct {
	store.Repository
}

func (r failingUpsertRepo) UpsertAssets(ctx context.Context, assets []domain.InventoryAsset, syncedAt time.Time) (int, error) {
	return 0, errors.New("disk full")
}

func TestInventorySyncFailsOnStoreError(t *testing.T) {
	repo := store.NewMemoryRepository()
	s := newTestInventorySync(failingUpsertRepo{Repository: repo}, newStandardProvider())

	run, err := s.Run(context.Background())
	if err == nil || errors.Is(err, domain.ErrExternalProvider) {
		t.Fatalf("expected a store error, got %v", err)
	}
	if run.Status != domain.SyncStatusFailed {
		t.Fatalf("expected failed run, got %s", run.Status)
	}
}

func TestListAssetsValidatesType(t *testing.T) {
	s := newTestInventorySync(store.NewMemoryRepository(), newStandardProvider())
	if _, err := s.ListAssets(context.Background(), store.AssetFilter{Type: "domain"}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
