/**
 * @description
 * This is the main entry point for the core service. It loads configuration,
 * opens the store, connects the message broker and Redis, builds the
 * application services and serves the HTTP API. It also consumes payment
 * provider events relayed over RabbitMQ and hands them to the reconciler.
 *
 * @dependencies
 * - github.com/joho/godotenv: Loads a local .env file during development.
 * - github.com/redis/go-redis/v9: Backs the topup request rate limiter.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/inventoryclient: Client for the ad inventory provider.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/adhub/core-service/internal/api"
	"github.com/adhub/core-service/internal/app"
	"github.com/adhub/core-service/internal/config"
	"github.com/adhub/core-service/internal/policy"
	"github.com/adhub/core-service/internal/store"
	"github.com/adhub/core-service/pkg/inventoryclient"
	"github.com/adhub/core-service/pkg/logging"
	rmrabbit "github.com/adhub/core-service/pkg/rabbitmq"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\".env file not found; using environment\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if cfg.JWTSecret == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"jwt secret must be configured\" env=JWT_SECRET")
	}
	if cfg.InternalAPIKey == "" {
		log.Println("level=warn component=bootstrap msg=\"internal api key missing; /internal routes will reject every call\" env=INTERNAL_API_KEY")
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	log.Printf("level=info component=bootstrap msg=\"starting core-service\" port=%s environment=%s store=%s", cfg.ServerPort, cfg.Environment, cfg.StoreDriver)

	var repository store.Repository
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		repository = store.NewMemoryRepository()
		log.Println("level=warn component=bootstrap msg=\"using in-memory store\"")
	default:
		dbpool, err := store.NewPool(context.Background(), cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
		}
		defer dbpool.Close()
		log.Println("level=info component=bootstrap msg=\"database connected\"")

		if cfg.RunMigrations {
			if err := store.Migrate(context.Background(), dbpool); err != nil {
				log.Fatalf("level=fatal component=bootstrap msg=\"migrations failed\" err=%v", err)
			}
			log.Println("level=info component=bootstrap msg=\"migrations applied\"")
		}
		repository = store.NewPostgresRepository(dbpool)
	}

	catalog := policy.DefaultCatalog()
	if cfg.PlansFile != "" {
		catalog, err = policy.LoadCatalog(cfg.PlansFile)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"plans file load failed\" path=%s err=%v", cfg.PlansFile, err)
		}
	}

	var publisher rmrabbit.Publisher = &rmrabbit.EventProducerFallback{Logger: logger}
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL, logger)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
	} else {
		defer rabbitProducer.Close()
		publisher = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}
	events := app.NewEventEmitter(publisher, cfg.EventsExchange, logger)

	redisClient := connectRedis(cfg.RedisURL)
	if redisClient != nil {
		defer redisClient.Close()
	}

	ledger := app.NewWalletLedger(repository, events, logger)
	bindings := app.NewBindingManager(repository, events, logger)
	applications := app.NewApplicationTracker(repository, catalog, bindings, ledger, events, logger)
	topups := app.NewTopupService(repository, catalog, ledger, events, logger)
	if redisClient != nil {
		topups.WithRateLimiter(app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix),
			cfg.TopupRequestRateLimit, time.Duration(cfg.TopupRequestRateWindowSeconds)*time.Second)
	}
	reconciler := app.NewReconciler(repository, ledger, events, logger)
	organizations := app.NewOrganizationDirectory(repository, catalog, logger)

	var inventory *app.InventorySync
	if cfg.InventoryAPIBaseURL == "" {
		log.Println("level=warn component=bootstrap msg=\"inventory provider not configured; inventory endpoints disabled\" env=INVENTORY_API_BASE_URL")
	} else {
		client := inventoryclient.NewClient(cfg.InventoryAPIBaseURL, cfg.InventoryAPIKey, cfg.InventoryMaxRetries)
		inventory = app.NewInventorySync(repository, client, events, logger, cfg.InventoryPageSize)
	}

	// Payment events relayed by the webhook gateway. Direct webhooks to /webhooks
	// keep working when the broker is down.
	rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL, logger)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; relayed payment events disabled\" err=%v", err)
	} else {
		defer rabbitConsumer.Close()
		paymentBindings := map[string]func([]byte) bool{
			"payment.event.*": reconciler.HandleMessage,
		}
		if err := rabbitConsumer.ConsumeWithBindings(cfg.EventsExchange, cfg.PaymentEventQueue, paymentBindings); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"payment event consumer start failed\" err=%v", err)
		}
	}

	handler := api.NewHandler(api.Services{
		Applications:  applications,
		Bindings:      bindings,
		Ledger:        ledger,
		Topups:        topups,
		Reconciler:    reconciler,
		Inventory:     inventory,
		Organizations: organizations,
		Ping:          repository.Ping,
	}, api.WebhookSecrets{
		Stripe:        cfg.StripeWebhookSecret,
		Bank:          cfg.BankWebhookSecret,
		Crypto:        cfg.CryptoWebhookSecret,
		AllowUnsigned: cfg.InsecureAllowUnsignedWebhooksDev && cfg.IsDevelopment(),
	}, logger)

	router := api.NewRouter(handler, api.RouterConfig{
		Auth:           api.AuthConfig{Secret: cfg.JWTSecret},
		InternalAPIKey: cfg.InternalAPIKey,
		AllowedOrigins: cfg.CORSOrigins(),
	})

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}

// connectRedis returns nil when Redis is not configured or unreachable; the
// topup rate limit is then skipped.
func connectRedis(redisURL string) *redis.Client {
	if redisURL == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; topup rate limiting disabled\" env=REDIS_URL")
		return nil
	}
	redisOptions, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; topup rate limiting disabled\" err=%v", err)
		return nil
	}
	client := redis.NewClient(redisOptions)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis ping failed; topup rate limiting disabled\" err=%v", err)
		client.Close()
		return nil
	}
	log.Println("level=info component=bootstrap msg=\"redis connected\"")
	return client
}
