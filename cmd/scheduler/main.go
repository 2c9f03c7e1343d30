/**
 * @description
 * This is the main entry point for the scheduler process.
 * It is a non-HTTP, long-running process that mirrors the provider inventory and
 * expires unpaid topup requests on cron schedules.
 */
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/adhub/core-service/internal/app"
	"github.com/adhub/core-service/internal/config"
	"github.com/adhub/core-service/internal/policy"
	"github.com/adhub/core-service/internal/store"
	"github.com/adhub/core-service/pkg/inventoryclient"
	"github.com/adhub/core-service/pkg/logging"
	rmrabbit "github.com/adhub/core-service/pkg/rabbitmq"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(".")
	if err != nil {
		logging.NewLogger("info", "json").WithError(err).Fatal("failed to load configuration")
	}
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx := context.Background()

	var repository store.Repository
	if cfg.StoreDriver == config.StoreDriverMemory {
		logger.Warn("scheduler running against the in-memory store")
		repository = store.NewMemoryRepository()
	} else {
		dbpool, err := store.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.WithError(err).Fatal("unable to connect to database")
		}
		defer dbpool.Close()
		logger.Info("database connection established")
		repository = store.NewPostgresRepository(dbpool)
	}

	catalog := policy.DefaultCatalog()
	if cfg.PlansFile != "" {
		if catalog, err = policy.LoadCatalog(cfg.PlansFile); err != nil {
			logger.WithError(err).WithField("path", cfg.PlansFile).Fatal("failed to load plans file")
		}
	}

	var publisher rmrabbit.Publisher = &rmrabbit.EventProducerFallback{Logger: logger}
	if producer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL, logger); err != nil {
		logger.WithError(err).Warn("rabbitmq producer unavailable; events will be dropped")
	} else {
		defer producer.Close()
		publisher = producer
	}
	events := app.NewEventEmitter(publisher, cfg.EventsExchange, logger)

	ledger := app.NewWalletLedger(repository, events, logger)
	topups := app.NewTopupService(repository, catalog, ledger, events, logger)

	var syncer app.InventorySyncer
	if cfg.InventoryAPIBaseURL == "" {
		logger.Warn("inventory provider not configured; sync job will skip")
	} else {
		client := inventoryclient.NewClient(cfg.InventoryAPIBaseURL, cfg.InventoryAPIKey, cfg.InventoryMaxRetries)
		syncer = app.NewInventorySync(repository, client, events, logger, cfg.InventoryPageSize)
	}

	jobs := app.NewJobs(syncer, topups, logger, time.Duration(cfg.TopupRequestTTLHours)*time.Hour)
	scheduler := app.NewScheduler(jobs, logger, cfg)

	if scheduled := scheduler.Start(); scheduled == 0 {
		logger.Fatal("no jobs could be scheduled")
	}
	logger.Info("scheduler started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received, stopping scheduler")
	stopCtx := scheduler.Stop()
	<-stopCtx.Done()
	logger.Info("scheduler stopped gracefully")
}
