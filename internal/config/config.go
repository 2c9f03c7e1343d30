/**
 * @description
 * This package handles the configuration management for the core service and the
 * scheduler. It uses the Viper library to read configuration from environment
 * variables and an optional .env file.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

const (
	EnvironmentDevelopment = "development"
	EnvironmentProduction  = "production"

	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Config holds all the configuration variables for the core service.
// These values are loaded from environment variables.
type Config struct {
	Environment                      string `mapstructure:"ENVIRONMENT"`
	ServerPort                       string `mapstructure:"SERVER_PORT"`
	LogLevel                         string `mapstructure:"LOG_LEVEL"`
	LogFormat                        string `mapstructure:"LOG_FORMAT"`
	StoreDriver                      string `mapstructure:"STORE_DRIVER"`
	DatabaseURL                      string `mapstructure:"DATABASE_URL"`
	RunMigrations                    bool   `mapstructure:"RUN_MIGRATIONS"`
	RedisURL                         string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix             string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	TopupRequestRateLimit            int    `mapstructure:"TOPUP_REQUEST_RATE_LIMIT"`
	TopupRequestRateWindowSeconds    int    `mapstructure:"TOPUP_REQUEST_RATE_WINDOW_SECONDS"`
	RabbitMQURL                      string `mapstructure:"RABBITMQ_URL"`
	EventsExchange                   string `mapstructure:"EVENTS_EXCHANGE"`
	PaymentEventQueue                string `mapstructure:"PAYMENT_EVENT_QUEUE"`
	InventoryAPIBaseURL              string `mapstructure:"INVENTORY_API_BASE_URL"`
	InventoryAPIKey                  string `mapstructure:"INVENTORY_API_KEY"`
	InventoryPageSize                int    `mapstructure:"INVENTORY_PAGE_SIZE"`
	InventoryMaxRetries              int    `mapstructure:"INVENTORY_MAX_RETRIES"`
	InventorySyncSchedule            string `mapstructure:"INVENTORY_SYNC_SCHEDULE"`
	TopupExpirySchedule              string `mapstructure:"TOPUP_EXPIRY_SCHEDULE"`
	TopupRequestTTLHours             int    `mapstructure:"TOPUP_REQUEST_TTL_HOURS"`
	JWTSecret                        string `mapstructure:"JWT_SECRET"`
	InternalAPIKey                   string `mapstructure:"INTERNAL_API_KEY"`
	StripeWebhookSecret              string `mapstructure:"STRIPE_WEBHOOK_SECRET"`
	BankWebhookSecret                string `mapstructure:"BANK_WEBHOOK_SECRET"`
	CryptoWebhookSecret              string `mapstructure:"CRYPTO_WEBHOOK_SECRET"`
	PlansFile                        string `mapstructure:"PLANS_FILE"`
	AllowedOrigins                   string `mapstructure:"ALLOWED_ORIGINS"`
	InsecureAllowUnsignedWebhooksDev bool   `mapstructure:"ALLOW_UNSIGNED_WEBHOOKS_IN_DEV"`
}

// IsDevelopment reports whether the service runs with development-only relaxations.
func (c Config) IsDevelopment() bool {
	return c.Environment == EnvironmentDevelopment
}

// CORSOrigins splits ALLOWED_ORIGINS into a clean list.
func (c Config) CORSOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(c.AllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	return origins
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("ENVIRONMENT", EnvironmentProduction)
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_FORMAT", "text")
	viper.SetDefault("STORE_DRIVER", StoreDriverPostgres)
	viper.SetDefault("RUN_MIGRATIONS", false)
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "adhub:rate_limit")
	viper.SetDefault("TOPUP_REQUEST_RATE_LIMIT", 10)
	viper.SetDefault("TOPUP_REQUEST_RATE_WINDOW_SECONDS", 60)
	viper.SetDefault("EVENTS_EXCHANGE", "adhub.events")
	viper.SetDefault("PAYMENT_EVENT_QUEUE", "core_service.payment_events")
	viper.SetDefault("INVENTORY_PAGE_SIZE", 100)
	viper.SetDefault("INVENTORY_MAX_RETRIES", 3)
	viper.SetDefault("INVENTORY_SYNC_SCHEDULE", "*/15 * * * *")
	viper.SetDefault("TOPUP_EXPIRY_SCHEDULE", "0 * * * *")
	viper.SetDefault("TOPUP_REQUEST_TTL_HOURS", 72)
	viper.SetDefault("ALLOW_UNSIGNED_WEBHOOKS_IN_DEV", true)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("ENVIRONMENT", "ENVIRONMENT", "APP_ENV")
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("LOG_LEVEL")
	_ = viper.BindEnv("LOG_FORMAT")
	_ = viper.BindEnv("STORE_DRIVER")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("RUN_MIGRATIONS")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("TOPUP_REQUEST_RATE_LIMIT")
	_ = viper.BindEnv("TOPUP_REQUEST_RATE_WINDOW_SECONDS")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("PAYMENT_EVENT_QUEUE")
	_ = viper.BindEnv("INVENTORY_API_BASE_URL")
	_ = viper.BindEnv("INVENTORY_API_KEY")
	_ = viper.BindEnv("INVENTORY_PAGE_SIZE")
	_ = viper.BindEnv("INVENTORY_MAX_RETRIES")
	_ = viper.BindEnv("INVENTORY_SYNC_SCHEDULE")
	_ = viper.BindEnv("TOPUP_EXPIRY_SCHEDULE")
	_ = viper.BindEnv("TOPUP_REQUEST_TTL_HOURS")
	_ = viper.BindEnv("JWT_SECRET")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "CORE_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("STRIPE_WEBHOOK_SECRET")
	_ = viper.BindEnv("BANK_WEBHOOK_SECRET")
	_ = viper.BindEnv("CRYPTO_WEBHOOK_SECRET")
	_ = viper.BindEnv("PLANS_FILE")
	_ = viper.BindEnv("ALLOWED_ORIGINS")
	_ = viper.BindEnv("ALLOW_UNSIGNED_WEBHOOKS_IN_DEV")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}

	config.Environment = strings.ToLower(strings.TrimSpace(config.Environment))
	if config.Environment == "" {
		config.Environment = EnvironmentProduction
	}

	config.StoreDriver = strings.ToLower(strings.TrimSpace(config.StoreDriver))
	switch config.StoreDriver {
	case StoreDriverPostgres, StoreDriverMemory:
	default:
		log.Printf("level=warn component=config msg=\"unknown store driver; falling back to postgres\" driver=%q", config.StoreDriver)
		config.StoreDriver = StoreDriverPostgres
	}
	if config.StoreDriver == StoreDriverMemory && !config.IsDevelopment() {
		log.Printf("level=warn component=config msg=\"memory store outside development; data will not survive restarts\" environment=%s", config.Environment)
	}

	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "adhub:rate_limit"
	}
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	config.JWTSecret = strings.TrimSpace(config.JWTSecret)
	config.InventoryAPIBaseURL = strings.TrimRight(strings.TrimSpace(config.InventoryAPIBaseURL), "/")

	if config.TopupRequestRateLimit <= 0 {
		config.TopupRequestRateLimit = 10
	}
	if config.TopupRequestRateWindowSeconds <= 0 {
		config.TopupRequestRateWindowSeconds = 60
	}
	if config.InventoryPageSize <= 0 || config.InventoryPageSize > 500 {
		log.Printf("level=warn component=config msg=\"inventory page size out of range; using default\" value=%d", config.InventoryPageSize)
		config.InventoryPageSize = 100
	}
	if config.InventoryMaxRetries < 0 {
		config.InventoryMaxRetries = 0
	}
	if config.TopupRequestTTLHours <= 0 {
		config.TopupRequestTTLHours = 72
	}

	// Unsigned webhooks are only ever accepted in development.
	if !config.IsDevelopment() {
		config.InsecureAllowUnsignedWebhooksDev = false
	}

	return
}
