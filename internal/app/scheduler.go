/**
 * @description
 * Cron scheduler setup for scheduled jobs.
 */
package app

import (
	"context"

	"github.com/robfig/cron/v3"

	"github.com/adhub/core-service/internal/config"
	"github.com/adhub/core-service/pkg/logging"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger logging.Logger
	config config.Config
}

// NewScheduler creates a new scheduler instance. A run that is still going
// when its next tick fires is skipped.
func NewScheduler(jobs *Jobs, logger logging.Logger, cfg config.Config) *Scheduler {
	cronLogger := cron.PrintfLogger(logger)
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler. It returns how many
// jobs were scheduled.
func (s *Scheduler) Start() int {
	scheduled := 0

	if _, err := s.cron.AddFunc(s.config.InventorySyncSchedule, s.jobs.SyncInventory); err != nil {
		s.logger.WithError(err).Error("failed to schedule inventory sync job")
	} else {
		scheduled++
		s.logger.WithField("schedule", s.config.InventorySyncSchedule).Info("scheduled inventory sync job")
	}

	if _, err := s.cron.AddFunc(s.config.TopupExpirySchedule, s.jobs.ExpireTopupRequests); err != nil {
		s.logger.WithError(err).Error("failed to schedule topup expiry job")
	} else {
		scheduled++
		s.logger.WithField("schedule", s.config.TopupExpirySchedule).Info("scheduled topup expiry job")
	}

	s.cron.Start()
	return scheduled
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
