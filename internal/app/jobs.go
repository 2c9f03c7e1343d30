/**
 * @description
 * Scheduled job implementations run by the scheduler binary.
 */
package app

import (
	"context"
	"errors"
	"time"

	"github.com/adhub/core-service/internal/domain"
	"github.com/adhub/core-service/pkg/logging"
)

// InventorySyncer runs one inventory sync.
type InventorySyncer interface {
	Run(ctx context.Context) (*domain.SyncRun, error)
}

// TopupExpirer fails pending topup requests older than ttl.
type TopupExpirer interface {
	ExpireStaleRequests(ctx context.Context, ttl time.Duration) (int, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	sync     InventorySyncer
	topups   TopupExpirer
	logger   logging.Logger
	topupTTL time.Duration
	timeout  time.Duration
}

// NewJobs creates a new Jobs runner.
func NewJobs(sync InventorySyncer, topups TopupExpirer, logger logging.Logger, topupTTL time.Duration) *Jobs {
	if topupTTL <= 0 {
		topupTTL = 72 * time.Hour
	}
	return &Jobs{
		sync:     sync,
		topups:   topups,
		logger:   logger,
		topupTTL: topupTTL,
		timeout:  10 * time.Minute,
	}
}

// SyncInventory mirrors the provider inventory.
func (j *Jobs) SyncInventory() {
	log := j.logger.WithField("job", "inventory_sync")
	if j.sync == nil {
		log.Warn("inventory provider not configured; skipping")
		return
	}
	log.Info("starting inventory sync job")

	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	run, err := j.sync.Run(ctx)
	switch {
	case errors.Is(err, domain.ErrConflict):
		log.Info("inventory sync already in progress; skipping")
		return
	case run == nil && err != nil:
		log.WithError(err).Error("inventory sync job failed")
		return
	case err != nil:
		log.WithError(err).WithField("status", run.Status).Warn("inventory sync job finished with errors")
		return
	}

	log.WithField("upserted", run.AssetsUpserted).Info("inventory sync job finished")
}

// ExpireTopupRequests fails pending topup requests that were never paid.
func (j *Jobs) ExpireTopupRequests() {
	log := j.logger.WithField("job", "topup_expiry")
	log.Info("starting topup expiry job")

	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	expired, err := j.topups.ExpireStaleRequests(ctx, j.topupTTL)
	if err != nil {
		log.WithError(err).WithField("expired", expired).Error("topup expiry job failed")
		return
	}
	if expired == 0 {
		log.Info("no stale topup requests to expire")
		return
	}

	log.WithField("expired", expired).Info("topup expiry job finished")
}
