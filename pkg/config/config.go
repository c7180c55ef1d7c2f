// Package config reads the service configuration from the environment.
// Every knob has a safe development default; a malformed value is a
// startup failure, not a silent fallback.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/peyvand-edu/sabt-core/pkg/clock"
)

// Defaults applied when the environment leaves a key unset.
const (
	DefaultAddr            = ":8080"
	DefaultTimezone        = "Asia/Tehran"
	DefaultLogLevel        = "INFO"
	DefaultNamespace       = "sabt"
	DefaultMetricsTokenVar = "METRICS_TOKEN"
	DefaultSigningKeysPath = "signing_keys.yml"
	DefaultSQLitePath      = "sabt.db"
	DefaultExportDir       = "exports"
)

// Config holds the service configuration.
type Config struct {
	Addr      string
	Timezone  string
	LogLevel  string
	Namespace string

	RateRequests   int
	RateWindow     time.Duration
	RatePenalty    time.Duration
	IdempotencyTTL time.Duration

	HealthTimeout    time.Duration
	ReadinessTimeout time.Duration

	// APITokens is the raw "role:token,..." list for the auth registry.
	APITokens string
	// MetricsToken is resolved through the variable named by
	// SABT_METRICS_TOKEN_VAR so deployments can alias their secret store.
	MetricsToken string

	SigningKeysPath string

	// RedisURL empty selects the in-process memory store.
	RedisURL string
	// DatabaseURL empty selects SQLite lite mode at SQLitePath.
	DatabaseURL string
	SQLitePath  string

	ExportDir string
	// Mirror records SABT_MIRROR for diagnostics; the delivery factory
	// reads the full mirror environment itself.
	Mirror string

	// OTLPEndpoint empty leaves tracing off.
	OTLPEndpoint string

	EnableDiagnostics bool
	// Production refuses generated throwaway signing keys.
	Production bool
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Addr:            getenv("SABT_ADDR", DefaultAddr),
		Timezone:        getenv("SABT_TZ", DefaultTimezone),
		LogLevel:        getenv("SABT_LOG_LEVEL", DefaultLogLevel),
		Namespace:       getenv("SABT_NAMESPACE", DefaultNamespace),
		APITokens:       os.Getenv("SABT_API_TOKENS"),
		SigningKeysPath: getenv("SABT_SIGNING_KEYS", DefaultSigningKeysPath),
		RedisURL:        os.Getenv("SABT_REDIS_URL"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		SQLitePath:      getenv("SABT_SQLITE_PATH", DefaultSQLitePath),
		ExportDir:       getenv("SABT_EXPORT_DIR", DefaultExportDir),
		Mirror:          getenv("SABT_MIRROR", "off"),
		OTLPEndpoint:    os.Getenv("SABT_OTLP_ENDPOINT"),
	}

	var err error
	if cfg.RateRequests, err = intEnv("SABT_RATE_REQUESTS", 100); err != nil {
		return nil, err
	}
	if cfg.RateWindow, err = secondsEnv("SABT_RATE_WINDOW_S", 60); err != nil {
		return nil, err
	}
	penaltyDefault := int(cfg.RateWindow / time.Second)
	if cfg.RatePenalty, err = secondsEnv("SABT_RATE_PENALTY_S", penaltyDefault); err != nil {
		return nil, err
	}
	if cfg.IdempotencyTTL, err = secondsEnv("SABT_IDEMPOTENCY_TTL_S", 86400); err != nil {
		return nil, err
	}
	if cfg.HealthTimeout, err = millisEnv("SABT_HEALTH_TIMEOUT_MS", 1000); err != nil {
		return nil, err
	}
	if cfg.ReadinessTimeout, err = millisEnv("SABT_READY_TIMEOUT_MS", 2000); err != nil {
		return nil, err
	}

	if cfg.RateRequests <= 0 {
		return nil, fmt.Errorf("config: SABT_RATE_REQUESTS must be positive, got %d", cfg.RateRequests)
	}
	if cfg.RateWindow <= 0 || cfg.RatePenalty <= 0 {
		return nil, fmt.Errorf("config: rate window and penalty must be positive")
	}

	tokenVar := getenv("SABT_METRICS_TOKEN_VAR", DefaultMetricsTokenVar)
	cfg.MetricsToken = os.Getenv(tokenVar)

	cfg.EnableDiagnostics = boolEnv("SABT_DIAGNOSTICS")
	cfg.Production = boolEnv("SABT_PRODUCTION")
	return cfg, nil
}

// LiteMode reports whether the service runs on the embedded SQLite
// store instead of Postgres.
func (c *Config) LiteMode() bool { return c.DatabaseURL == "" }

// Location resolves the configured timezone. The default zone keeps
// working on containers without tzdata through a fixed-offset fallback.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == DefaultTimezone {
		return clock.DefaultZone(), nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("config: SABT_TZ %q: %w", c.Timezone, err)
	}
	return loc, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intEnv(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s %q is not an integer", key, raw)
	}
	return n, nil
}

func secondsEnv(key string, def int) (time.Duration, error) {
	n, err := intEnv(key, def)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func millisEnv(key string, def int) (time.Duration, error) {
	n, err := intEnv(key, def)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Millisecond, nil
}

func boolEnv(key string) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
