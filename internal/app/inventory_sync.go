package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/adhub/core-service/internal/domain"
	"github.com/adhub/core-service/internal/store"
	"github.com/adhub/core-service/pkg/inventoryclient"
	"github.com/adhub/core-service/pkg/logging"
)

const (
	defaultSyncPageSize = 100
	maxSyncPages        = 1000
)

// syncedAssetTypes are the types the provider is authoritative for. Profiles
// are managed locally and never go stale.
var syncedAssetTypes = []domain.AssetType{
	domain.AssetTypeBusinessManager,
	domain.AssetTypeAdAccount,
	domain.AssetTypePixel,
}

// InventoryProvider lists provider-side assets page by page.
type InventoryProvider interface {
	ListBusinessManagers(ctx context.Context, cursor string, limit int) (*inventoryclient.Page[inventoryclient.BusinessManager], error)
	ListAdAccounts(ctx context.Context, cursor string, limit int) (*inventoryclient.Page[inventoryclient.AdAccount], error)
}

// InventorySync mirrors the provider's inventory into the asset table. It
// never touches bindings or balances.
type InventorySync struct {
	repo     store.Repository
	provider InventoryProvider
	events   *EventEmitter
	logger   logging.Logger
	pageSize int
	running  atomic.Bool
	now      func() time.Time
}

func NewInventorySync(repo store.Repository, provider InventoryProvider, events *EventEmitter, logger logging.Logger, pageSize int) *InventorySync {
	if pageSize <= 0 {
		pageSize = defaultSyncPageSize
	}
	return &InventorySync{
		repo:     repo,
		provider: provider,
		events:   events,
		logger:   logger,
		pageSize: pageSize,
		now:      time.Now,
	}
}

// Run performs one sync. Only a complete fetch marks missing assets stale; a
// provider failure keeps what was fetched and finishes the run as degraded.
func (s *InventorySync) Run(ctx context.Context) (*domain.SyncRun, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, domain.Conflictf("inventory sync already running")
	}
	defer s.running.Store(false)

	started := s.now().UTC()
	run := &domain.SyncRun{
		ID:        uuid.New(),
		Status:    domain.SyncStatusRunning,
		StartedAt: started,
	}
	if err := s.repo.InsertSyncRun(ctx, run); err != nil {
		return nil, fmt.Errorf("record sync run: %w", err)
	}

	log := s.logger.WithFields(logging.Fields{"component": "inventory_sync", "run_id": run.ID})
	log.Info("inventory sync started")

	upserted, err := s.pull(ctx, started)
	run.AssetsUpserted = upserted

	switch {
	case err == nil:
		stale, staleErr := s.repo.MarkAssetsStale(ctx, syncedAssetTypes, started)
		if staleErr != nil {
			err = fmt.Errorf("mark stale assets: %w", staleErr)
			run.Status = domain.SyncStatusFailed
			break
		}
		run.AssetsMarkedStale = stale
		run.Status = domain.SyncStatusSucceeded
	case errors.Is(err, domain.ErrExternalProvider):
		run.Status = domain.SyncStatusDegraded
	default:
		run.Status = domain.SyncStatusFailed
	}
	if err != nil {
		run.Error = err.Error()
	}

	finished := s.now().UTC()
	run.FinishedAt = &finished
	if finishErr := s.repo.FinishSyncRun(context.WithoutCancel(ctx), run); finishErr != nil {
		log.WithError(finishErr).Error("failed to record sync run result")
	}

	inventorySyncRuns.WithLabelValues(string(run.Status)).Inc()
	inventorySyncDuration.Observe(finished.Sub(started).Seconds())

	fields := logging.Fields{
		"status":        run.Status,
		"upserted":      run.AssetsUpserted,
		"marked_stale":  run.AssetsMarkedStale,
		"duration_secs": finished.Sub(started).Seconds(),
	}
	if err != nil {
		log.WithFields(fields).WithError(err).Warn("inventory sync did not complete")
	} else {
		log.WithFields(fields).Info("inventory sync finished")
	}

	s.events.Emit(ctx, domain.EventInventorySynced, uuid.Nil, run)
	return run, err
}

// LastRun returns the most recent sync run.
func (s *InventorySync) LastRun(ctx context.Context) (*domain.SyncRun, error) {
	return s.repo.LatestSyncRun(ctx)
}

// ListAssets lists mirrored assets.
func (s *InventorySync) ListAssets(ctx context.Context, filter store.AssetFilter) ([]domain.InventoryAsset, error) {
	if filter.Type != "" && !filter.Type.Valid() {
		return nil, domain.Validationf("unknown asset type %q", filter.Type)
	}
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 500
	}
	return s.repo.ListAssets(ctx, filter)
}

// pull upserts every page it fetches. Provider errors wrap
// domain.ErrExternalProvider.
func (s *InventorySync) pull(ctx context.Context, syncedAt time.Time) (int, error) {
	total := 0

	cursor := ""
	for page := 0; ; page++ {
		if page >= maxSyncPages {
			return total, fmt.Errorf("%w: business manager listing exceeded %d pages", domain.ErrExternalProvider, maxSyncPages)
		}
		resp, err := s.provider.ListBusinessManagers(ctx, cursor, s.pageSize)
		if err != nil {
			return total, fmt.Errorf("%w: list business managers: %v", domain.ErrExternalProvider, err)
		}
		n, err := s.repo.UpsertAssets(ctx, businessManagerAssets(resp.Data), syncedAt)
		total += n
		if err != nil {
			return total, fmt.Errorf("upsert business managers: %w", err)
		}
		if resp.Paging.NextCursor == "" || resp.Paging.NextCursor == cursor {
			break
		}
		cursor = resp.Paging.NextCursor
	}

	cursor = ""
	for page := 0; ; page++ {
		if page >= maxSyncPages {
			return total, fmt.Errorf("%w: ad account listing exceeded %d pages", domain.ErrExternalProvider, maxSyncPages)
		}
		resp, err := s.provider.ListAdAccounts(ctx, cursor, s.pageSize)
		if err != nil {
			return total, fmt.Errorf("%w: list ad accounts: %v", domain.ErrExternalProvider, err)
		}
		n, err := s.repo.UpsertAssets(ctx, adAccountAssets(resp.Data), syncedAt)
		total += n
		if err != nil {
			return total, fmt.Errorf("upsert ad accounts: %w", err)
		}
		if resp.Paging.NextCursor == "" || resp.Paging.NextCursor == cursor {
			break
		}
		cursor = resp.Paging.NextCursor
	}

	return total, nil
}

// businessManagerAssets flattens business managers and their nested pixels.
func businessManagerAssets(records []inventoryclient.BusinessManager) []domain.InventoryAsset {
	assets := make([]domain.InventoryAsset, 0, len(records))
	for _, bm := range records {
		if strings.TrimSpace(bm.ID) == "" {
			continue
		}
		pixelIDs := make([]string, 0, len(bm.Pixels))
		for _, px := range bm.Pixels {
			if strings.TrimSpace(px.ID) == "" {
				continue
			}
			pixelIDs = append(pixelIDs, px.ID)
			assets = append(assets, domain.InventoryAsset{
				Type:       domain.AssetTypePixel,
				ExternalID: px.ID,
				Name:       firstNonEmpty(px.Name, px.ID),
				Status:     domain.AssetStatusActive,
				Metadata:   domain.PixelMetadata{BusinessManagerExternalID: bm.ID},
			})
		}
		assets = append(assets, domain.InventoryAsset{
			Type:       domain.AssetTypeBusinessManager,
			ExternalID: bm.ID,
			Name:       firstNonEmpty(bm.Name, bm.ID),
			Status:     providerStatus(bm.Status),
			Metadata: domain.BusinessManagerMetadata{
				VerificationStatus: bm.VerificationStatus,
				PixelExternalIDs:   pixelIDs,
			},
		})
	}
	return assets
}

func adAccountAssets(records []inventoryclient.AdAccount) []domain.InventoryAsset {
	assets := make([]domain.InventoryAsset, 0, len(records))
	for _, acct := range records {
		if strings.TrimSpace(acct.ID) == "" {
			continue
		}
		assets = append(assets, domain.InventoryAsset{
			Type:       domain.AssetTypeAdAccount,
			ExternalID: acct.ID,
			Name:       firstNonEmpty(acct.Name, acct.ID),
			Status:     providerStatus(acct.Status),
			Metadata: domain.AdAccountMetadata{
				BusinessManagerExternalID: acct.BusinessManagerID,
				Currency:                  acct.Currency,
				Timezone:                  acct.Timezone,
				SpendCapCents:             acct.SpendCapCents,
			},
		})
	}
	return assets
}

func providerStatus(status string) domain.AssetStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "", "active", "enabled":
		return domain.AssetStatusActive
	default:
		return domain.AssetStatusDisabled
	}
}
