// Package config validates and loads the broker's environment configuration
// at startup, failing fast with a collected list of problems rather than
// letting a missing variable surface later as a confusing runtime error.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration for the pairing broker.
type Config struct {
	// Required variables
	Port string

	// Device/app auth
	RequireDeviceAuth bool
	AuthHMACSkew      time.Duration
	Auth0Domain       string
	Auth0Audience     string

	// Identity store (external provisioning/log-persistence service)
	IdentityStoreAddr  string
	IdentityStoreToken string

	// Redis (device registry cache + distributed rate limiting)
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Feature flags
	EnableBridgeDebugSubscribe bool

	// Optional variables with defaults
	GoEnv          string
	LogLevel       string
	AllowedOrigins string

	// Rate limits (gin/ulule format: "limit-period", e.g. "100-M")
	RateLimitWsJoinIP     string
	RateLimitWsJoinDevice string

	// Debug log sink worker pool sizing
	LogSinkWorkers int
	LogSinkQueue   int
}

// ValidateEnv validates all required environment variables and returns a
// Config object. Returns an error if any required variable is missing or
// invalid.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	// Required: PORT (valid port number)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		cfg.Port = "8080"
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	// REQUIRE_DEVICE_AUTH gates whether displays (HMAC signature) and apps
	// (bearer token) must present valid credentials to join. Defaults to
	// true; only disabled for local dev.
	cfg.RequireDeviceAuth = os.Getenv("REQUIRE_DEVICE_AUTH") != "false"

	cfg.AuthHMACSkew = 30 * time.Second
	if raw := os.Getenv("AUTH_HMAC_SKEW"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			errs = append(errs, fmt.Sprintf("AUTH_HMAC_SKEW must be a valid duration (got '%s')", raw))
		} else {
			cfg.AuthHMACSkew = d
		}
	}

	cfg.Auth0Domain = os.Getenv("AUTH0_DOMAIN")
	cfg.Auth0Audience = os.Getenv("AUTH0_AUDIENCE")
	if cfg.RequireDeviceAuth {
		if cfg.Auth0Domain == "" {
			errs = append(errs, "AUTH0_DOMAIN is required when REQUIRE_DEVICE_AUTH is true")
		}
		if cfg.Auth0Audience == "" {
			errs = append(errs, "AUTH0_AUDIENCE is required when REQUIRE_DEVICE_AUTH is true")
		}
	}

	// Identity store: optional in every environment; when IDENTITY_STORE_ADDR
	// is unset, an identitystore.NoopStore stands in for it.
	cfg.IdentityStoreAddr = os.Getenv("IDENTITY_STORE_ADDR")
	cfg.IdentityStoreToken = os.Getenv("IDENTITY_STORE_TOKEN")

	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.EnableBridgeDebugSubscribe = os.Getenv("ENABLE_BRIDGE_DEBUG_SUBSCRIBE") == "true"

	cfg.GoEnv = os.Getenv("GO_ENV")
	if cfg.GoEnv == "" {
		cfg.GoEnv = "production"
	}

	cfg.LogLevel = os.Getenv("LOG_LEVEL")
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	cfg.RateLimitWsJoinIP = getEnvOrDefault("RATE_LIMIT_WS_JOIN_IP", "20-M")
	cfg.RateLimitWsJoinDevice = getEnvOrDefault("RATE_LIMIT_WS_JOIN_DEVICE", "10-M")

	cfg.LogSinkWorkers = getEnvOrDefaultInt("LOG_SINK_WORKERS", 4)
	cfg.LogSinkQueue = getEnvOrDefaultInt("LOG_SINK_QUEUE", 256)

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

// isValidHostPort checks if a string is in the format "host:port".
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}
	if parts[0] == "" {
		return false
	}
	return true
}

// logValidatedConfig logs the validated configuration with secrets redacted.
func logValidatedConfig(cfg *Config) {
	slog.Info("environment configuration validated",
		"port", cfg.Port,
		"require_device_auth", cfg.RequireDeviceAuth,
		"identity_store_addr", cfg.IdentityStoreAddr,
		"identity_store_token", redactSecret(cfg.IdentityStoreToken),
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"enable_bridge_debug_subscribe", cfg.EnableBridgeDebugSubscribe,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	raw, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return defaultValue
	}
	return v
}

// redactSecret redacts a secret by showing only the first 8 characters.
func redactSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
