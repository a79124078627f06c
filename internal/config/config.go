package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix                 = "DOTMAP"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabasePath       = "dotmap.db"
	defaultLogLevel           = "info"
	defaultCookieName         = "dotmap_session"
	defaultTokenTTLMinutes    = 24 * 60
	defaultRedisChannel       = "dotmap:changes"
	defaultHeartbeatSeconds   = 25
	defaultStoreBackend       = StoreBackendHTTP
	defaultAPIBaseURL         = "http://localhost:8080"
	defaultIdentityScheme     = IdentitySchemeCookie
	defaultClientStatePath    = "dotmap-client.db"
	defaultMarkerDedupe       = true
	defaultFirestoreProjectID = ""
)

const (
	// StoreBackendHTTP talks to the dotmap API.
	StoreBackendHTTP = "http"
	// StoreBackendFirestore talks to Cloud Firestore directly.
	StoreBackendFirestore = "firestore"
	// IdentitySchemeCookie remembers my dot by a locally stored marker id.
	IdentitySchemeCookie = "cookie"
	// IdentitySchemeOwnership finds my dot by the owner stamped on the marker.
	IdentitySchemeOwnership = "ownership"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress       string
	DatabasePath      string
	LogLevel          string
	SigningSecret     string
	CookieName        string
	TokenTTL          time.Duration
	RedisAddress      string
	RedisChannel      string
	HeartbeatInterval time.Duration
	// AllowedOrigins lists the browser origins that may send credentialed requests.
	// Empty allows every origin without credentials.
	AllowedOrigins    []string
}

// ClientConfig captures runtime configuration for the command line client.
type ClientConfig struct {
	StoreBackend             string
	APIBaseURL               string
	FirestoreProjectID       string
	FirestoreCredentialsFile string
	IdentityScheme           string
	StatePath                string
	MarkerDedupe             bool
	LogLevel                 string
}

// LoadEnvFiles loads .env style files into the process environment. Missing files are skipped
// and existing variables win.
func LoadEnvFiles(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// NewViper returns a viper instance with server defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures server defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	bindEnvironment(configViper)

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("redis.address", "")
	configViper.SetDefault("redis.channel", defaultRedisChannel)
	configViper.SetDefault("realtime.heartbeat_seconds", defaultHeartbeatSeconds)
	configViper.SetDefault("http.allowed_origins", "")
}

// ApplyClientDefaults configures client defaults and env bindings on the provided viper instance.
func ApplyClientDefaults(configViper *viper.Viper) {
	bindEnvironment(configViper)

	configViper.SetDefault("store.backend", defaultStoreBackend)
	configViper.SetDefault("api.base_url", defaultAPIBaseURL)
	configViper.SetDefault("firestore.project_id", defaultFirestoreProjectID)
	configViper.SetDefault("firestore.credentials_file", "")
	configViper.SetDefault("identity.scheme", defaultIdentityScheme)
	configViper.SetDefault("state.path", defaultClientStatePath)
	configViper.SetDefault("markers.dedupe", defaultMarkerDedupe)
	configViper.SetDefault("log.level", defaultLogLevel)
}

func bindEnvironment(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()
}

// Load parses server configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		SigningSecret:     configViper.GetString("auth.signing_secret"),
		CookieName:        configViper.GetString("auth.cookie_name"),
		TokenTTL:          time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		RedisAddress:      strings.TrimSpace(configViper.GetString("redis.address")),
		RedisChannel:      configViper.GetString("redis.channel"),
		HeartbeatInterval: time.Duration(configViper.GetInt("realtime.heartbeat_seconds")) * time.Second,
		AllowedOrigins:    splitList(configViper.GetStringSlice("http.allowed_origins")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.CookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("realtime.heartbeat_seconds must be positive")
	}
	if c.RedisAddress != "" && strings.TrimSpace(c.RedisChannel) == "" {
		return fmt.Errorf("redis.channel is required when redis.address is set")
	}
	for _, origin := range c.AllowedOrigins {
		if origin == "*" {
			return fmt.Errorf("http.allowed_origins must list origins; leave it empty to allow any origin without credentials")
		}
		if !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
			return fmt.Errorf("http.allowed_origins entry %q must start with http:// or https://", origin)
		}
	}
	return nil
}

// splitList accepts both repeated values and comma separated strings.
func splitList(values []string) []string {
	var items []string
	for _, value := range values {
		for _, item := range strings.Split(value, ",") {
			if trimmed := strings.TrimRight(strings.TrimSpace(item), "/"); trimmed != "" {
				items = append(items, trimmed)
			}
		}
	}
	return items
}

// LoadClient parses client configuration from viper.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		StoreBackend:             strings.ToLower(strings.TrimSpace(configViper.GetString("store.backend"))),
		APIBaseURL:               strings.TrimRight(strings.TrimSpace(configViper.GetString("api.base_url")), "/"),
		FirestoreProjectID:       strings.TrimSpace(configViper.GetString("firestore.project_id")),
		FirestoreCredentialsFile: strings.TrimSpace(configViper.GetString("firestore.credentials_file")),
		IdentityScheme:           strings.ToLower(strings.TrimSpace(configViper.GetString("identity.scheme"))),
		StatePath:                configViper.GetString("state.path"),
		MarkerDedupe:             configViper.GetBool("markers.dedupe"),
		LogLevel:                 configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return ClientConfig{}, err
	}

	return cfg, nil
}

func (c ClientConfig) validate() error {
	switch c.StoreBackend {
	case StoreBackendHTTP:
		if c.APIBaseURL == "" {
			return fmt.Errorf("api.base_url is required for the http backend")
		}
	case StoreBackendFirestore:
		if c.FirestoreProjectID == "" {
			return fmt.Errorf("firestore.project_id is required for the firestore backend")
		}
	default:
		return fmt.Errorf("store.backend must be %q or %q, got %q", StoreBackendHTTP, StoreBackendFirestore, c.StoreBackend)
	}
	switch c.IdentityScheme {
	case IdentitySchemeCookie, IdentitySchemeOwnership:
	default:
		return fmt.Errorf("identity.scheme must be %q or %q, got %q", IdentitySchemeCookie, IdentitySchemeOwnership, c.IdentityScheme)
	}
	if c.IdentityScheme == IdentitySchemeOwnership && c.StoreBackend != StoreBackendHTTP {
		return fmt.Errorf("identity.scheme %q requires the %q backend for anonymous sign-in", IdentitySchemeOwnership, StoreBackendHTTP)
	}
	if strings.TrimSpace(c.StatePath) == "" {
		return fmt.Errorf("state.path is required")
	}
	return nil
}
