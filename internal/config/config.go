// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Store driver names accepted by RUNNER_STORE.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration // Must exceed the longest expected run; streams are held open for its duration.
	ShutdownTimeout time.Duration

	// Store settings.
	StoreDriver string // "memory", "sqlite", or "postgres".
	DatabaseURL string // Postgres URL; required when StoreDriver is "postgres".
	SQLitePath  string // Database file path; required when StoreDriver is "sqlite".

	// JWT settings.
	JWTPrivateKeyPath string // Path to Ed25519 private key PEM file.
	JWTPublicKeyPath  string // Path to Ed25519 public key PEM file.
	JWTExpiration     time.Duration

	// Admin bootstrap.
	AdminAPIKey string // Grants scope-free access when presented via X-Admin-Key.

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Rate limiting.
	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int

	// Operational settings.
	LogLevel            string
	RunStopTimeout      time.Duration // Grace period for in-flight runs during shutdown.
	MaxRequestBodyBytes int64
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                envInt("RUNNER_PORT", 8080),
		ReadTimeout:         envDuration("RUNNER_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        envDuration("RUNNER_WRITE_TIMEOUT", 10*time.Minute),
		ShutdownTimeout:     envDuration("RUNNER_SHUTDOWN_TIMEOUT", 15*time.Second),
		StoreDriver:         envStr("RUNNER_STORE", StoreMemory),
		DatabaseURL:         envStr("DATABASE_URL", ""),
		SQLitePath:          envStr("RUNNER_SQLITE_PATH", "agentrunner.db"),
		JWTPrivateKeyPath:   envStr("RUNNER_JWT_PRIVATE_KEY", ""),
		JWTPublicKeyPath:    envStr("RUNNER_JWT_PUBLIC_KEY", ""),
		JWTExpiration:       envDuration("RUNNER_JWT_EXPIRATION", 24*time.Hour),
		AdminAPIKey:         envStr("RUNNER_ADMIN_API_KEY", ""),
		OTELEndpoint:        envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:        envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:         envStr("OTEL_SERVICE_NAME", "agentrunner"),
		RateLimitEnabled:    envBool("RUNNER_RATE_LIMIT_ENABLED", false),
		RateLimitRPS:        envFloat("RUNNER_RATE_LIMIT_RPS", 10),
		RateLimitBurst:      envInt("RUNNER_RATE_LIMIT_BURST", 20),
		LogLevel:            envStr("RUNNER_LOG_LEVEL", "info"),
		RunStopTimeout:      envDuration("RUNNER_RUN_STOP_TIMEOUT", 10*time.Second),
		MaxRequestBodyBytes: int64(envInt("RUNNER_MAX_REQUEST_BODY_BYTES", 1*1024*1024)), // 1 MB default
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present.
func (c Config) Validate() error {
	switch c.StoreDriver {
	case StoreMemory:
	case StoreSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("config: RUNNER_SQLITE_PATH is required for the sqlite store")
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("config: unknown RUNNER_STORE %q", c.StoreDriver)
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: RUNNER_MAX_REQUEST_BODY_BYTES must be positive")
	}
	if c.RateLimitEnabled && (c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0) {
		return fmt.Errorf("config: rate limit rps and burst must be positive when enabled")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
