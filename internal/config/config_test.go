package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadRequiresSigningSecret(t *testing.T) {
	configViper := NewViper()
	if _, err := Load(configViper); err == nil {
		t.Fatal("expected error without signing secret")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress || cfg.CookieName != defaultCookieName {
		t.Fatalf("unexpected defaults: %#v", cfg)
	}
	if cfg.TokenTTL != 24*time.Hour {
		t.Fatalf("unexpected token ttl %s", cfg.TokenTTL)
	}
	if cfg.HeartbeatInterval != 25*time.Second {
		t.Fatalf("unexpected heartbeat %s", cfg.HeartbeatInterval)
	}
	if cfg.RedisAddress != "" {
		t.Fatalf("expected redis to be disabled by default, got %q", cfg.RedisAddress)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("DOTMAP_AUTH_SIGNING_SECRET", "from-env")
	t.Setenv("DOTMAP_REDIS_ADDRESS", "localhost:6379")
	configViper := NewViper()

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.SigningSecret != "from-env" || cfg.RedisAddress != "localhost:6379" {
		t.Fatalf("expected environment values, got %#v", cfg)
	}
}

func TestLoadClientValidatesChoices(t *testing.T) {
	configViper := viper.New()
	ApplyClientDefaults(configViper)

	cfg, err := LoadClient(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.StoreBackend != StoreBackendHTTP || cfg.IdentityScheme != IdentitySchemeCookie || !cfg.MarkerDedupe {
		t.Fatalf("unexpected client defaults: %#v", cfg)
	}

	configViper.Set("store.backend", "firestore")
	if _, err := LoadClient(configViper); err == nil {
		t.Fatal("expected error for firestore without project id")
	}
	configViper.Set("firestore.project_id", "demo-project")
	if _, err := LoadClient(configViper); err != nil {
		t.Fatalf("unexpected error for firestore config: %v", err)
	}

	configViper.Set("identity.scheme", IdentitySchemeOwnership)
	if _, err := LoadClient(configViper); err == nil {
		t.Fatal("expected error for ownership scheme without the http backend")
	}
	configViper.Set("store.backend", StoreBackendHTTP)
	if _, err := LoadClient(configViper); err != nil {
		t.Fatalf("unexpected error for ownership over http: %v", err)
	}

	configViper.Set("identity.scheme", "telepathy")
	if _, err := LoadClient(configViper); err == nil {
		t.Fatal("expected error for unknown identity scheme")
	}
}

func TestLoadEnvFilesSkipsMissingAndKeepsExisting(t *testing.T) {
	directory := t.TempDir()
	envPath := filepath.Join(directory, ".env")
	if err := os.WriteFile(envPath, []byte("DOTMAP_TEST_FROM_FILE=file\nDOTMAP_TEST_PRESET=file\n"), 0o600); err != nil {
		t.Fatalf("failed to write env file: %v", err)
	}
	t.Setenv("DOTMAP_TEST_PRESET", "process")
	t.Cleanup(func() { os.Unsetenv("DOTMAP_TEST_FROM_FILE") })

	if err := LoadEnvFiles(filepath.Join(directory, "missing.env"), envPath); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := os.Getenv("DOTMAP_TEST_FROM_FILE"); got != "file" {
		t.Fatalf("expected value from file, got %q", got)
	}
	if got := os.Getenv("DOTMAP_TEST_PRESET"); got != "process" {
		t.Fatalf("expected process value to win, got %q", got)
	}
}

func TestLoadParsesAllowedOrigins(t *testing.T) {
	t.Setenv("DOTMAP_AUTH_SIGNING_SECRET", "secret")
	t.Setenv("DOTMAP_HTTP_ALLOWED_ORIGINS", "https://map.example.com/, http://localhost:3000")
	configViper := NewViper()

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[0] != "https://map.example.com" || cfg.AllowedOrigins[1] != "http://localhost:3000" {
		t.Fatalf("unexpected origins %#v", cfg.AllowedOrigins)
	}
}

func TestLoadDefaultsToNoAllowedOrigins(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if len(cfg.AllowedOrigins) != 0 {
		t.Fatalf("expected no credentialed origins by default, got %#v", cfg.AllowedOrigins)
	}
}

func TestLoadRejectsWildcardOrigin(t *testing.T) {
	for _, origins := range []string{"*", "https://map.example.com,*", "map.example.com"} {
		configViper := NewViper()
		configViper.Set("auth.signing_secret", "secret")
		configViper.Set("http.allowed_origins", origins)

		if _, err := Load(configViper); err == nil {
			t.Fatalf("expected %q to be rejected", origins)
		}
	}
}
