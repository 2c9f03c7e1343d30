package config

import (
	"os"
	"testing"

	"github.com/spf13/viper"
)

func TestLoadConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	for _, key := range []string{"ENVIRONMENT", "APP_ENV", "STORE_DRIVER", "PORT", "SERVER_PORT", "INVENTORY_PAGE_SIZE"} {
		unsetEnvWithCleanup(t, key)
	}

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.Environment != EnvironmentProduction {
		t.Fatalf("expected production environment by default, got %q", cfg.Environment)
	}
	if cfg.StoreDriver != StoreDriverPostgres {
		t.Fatalf("expected postgres store driver by default, got %q", cfg.StoreDriver)
	}
	if cfg.ServerPort != "8080" {
		t.Fatalf("expected default port 8080, got %q", cfg.ServerPort)
	}
	if cfg.InventoryPageSize != 100 {
		t.Fatalf("expected default inventory page size 100, got %d", cfg.InventoryPageSize)
	}
	if cfg.InsecureAllowUnsignedWebhooksDev {
		t.Fatalf("expected unsigned webhooks to be disabled outside development")
	}
}

func TestLoadConfig_PortOverridesServerPort(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "SERVER_PORT", "9000")
	setEnvWithCleanup(t, "PORT", "7070")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "7070" {
		t.Fatalf("expected PORT to win, got %q", cfg.ServerPort)
	}
}

func TestLoadConfig_UsesCoreServiceInternalAPIKeyAlias(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "INTERNAL_API_KEY")
	setEnvWithCleanup(t, "CORE_SERVICE_INTERNAL_API_KEY", "alias-only-key")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.InternalAPIKey != "alias-only-key" {
		t.Fatalf("expected InternalAPIKey from alias env var, got %q", cfg.InternalAPIKey)
	}
}

func TestLoadConfig_DevelopmentAllowsUnsignedWebhooks(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "ENVIRONMENT", "Development")
	setEnvWithCleanup(t, "STORE_DRIVER", "MEMORY")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if !cfg.IsDevelopment() {
		t.Fatalf("expected development environment, got %q", cfg.Environment)
	}
	if cfg.StoreDriver != StoreDriverMemory {
		t.Fatalf("expected memory store driver, got %q", cfg.StoreDriver)
	}
	if !cfg.InsecureAllowUnsignedWebhooksDev {
		t.Fatalf("expected unsigned webhooks to be accepted in development")
	}
}

func TestLoadConfig_CoercesInvalidValues(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "STORE_DRIVER", "sqlite")
	setEnvWithCleanup(t, "INVENTORY_PAGE_SIZE", "5000")
	setEnvWithCleanup(t, "TOPUP_REQUEST_RATE_LIMIT", "-1")
	setEnvWithCleanup(t, "TOPUP_REQUEST_RATE_WINDOW_SECONDS", "0")
	setEnvWithCleanup(t, "INVENTORY_API_BASE_URL", " https://inventory.example.com/ ")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.StoreDriver != StoreDriverPostgres {
		t.Fatalf("expected unknown driver to fall back to postgres, got %q", cfg.StoreDriver)
	}
	if cfg.InventoryPageSize != 100 {
		t.Fatalf("expected page size to be reset to 100, got %d", cfg.InventoryPageSize)
	}
	if cfg.TopupRequestRateLimit != 10 || cfg.TopupRequestRateWindowSeconds != 60 {
		t.Fatalf("expected rate limit to be reset to 10 per 60s, got %d per %ds", cfg.TopupRequestRateLimit, cfg.TopupRequestRateWindowSeconds)
	}
	if cfg.InventoryAPIBaseURL != "https://inventory.example.com" {
		t.Fatalf("expected trimmed base url, got %q", cfg.InventoryAPIBaseURL)
	}
}

func TestConfig_CORSOrigins(t *testing.T) {
	cfg := Config{AllowedOrigins: "https://app.adhub.io, ,https://admin.adhub.io"}
	origins := cfg.CORSOrigins()
	if len(origins) != 2 || origins[0] != "https://app.adhub.io" || origins[1] != "https://admin.adhub.io" {
		t.Fatalf("unexpected origins: %#v", origins)
	}
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
		}
	})
}
