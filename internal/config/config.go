// Package config loads the environment-driven options recognized across
// cmd/apiserver, cmd/worker and cmd/scheduler.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Environment values.
const (
	EnvDevelopment = "development"
	EnvTest        = "test"
	EnvProduction  = "production"
)

// Config holds every recognized environment option (§6).
type Config struct {
	DatabaseURL string
	RedisURL    string
	Environment string

	JWTSecret            string
	WebhookSecret        string
	EncryptionKey        string
	JWTAlgorithm         string
	JWTExpirationMinutes int

	MaxPayloadSizeMB int

	ProviderTimeout  time.Duration
	FailureThreshold int
	RecoveryTimeout  time.Duration

	TracingEnabled      bool
	TracingExporter     string
	TracingOTLPEndpoint string

	LogLevel  string
	LogFormat string

	MaxJobs    int
	JobTimeout time.Duration
	MaxTries   int
}

// Load reads Config from the process environment and validates production
// constraints. It never panics; callers decide how to surface the error.
// A .env file in the working directory is loaded first, if present —
// convenient for local development, a no-op in production where the
// environment is set by the deployment platform instead.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL: GetEnv("DATABASE_URL", ""),
		RedisURL:    GetEnv("REDIS_URL", "redis://localhost:6379/0"),
		Environment: GetEnv("ENVIRONMENT", EnvDevelopment),

		JWTSecret:            GetEnv("JWT_SECRET", ""),
		WebhookSecret:        GetEnv("WEBHOOK_SECRET", ""),
		EncryptionKey:        GetEnv("ENCRYPTION_KEY", ""),
		JWTAlgorithm:         GetEnv("JWT_ALGORITHM", "HS256"),
		JWTExpirationMinutes: GetEnvInt("JWT_EXPIRATION_MINUTES", 60),

		MaxPayloadSizeMB: GetEnvInt("MAX_PAYLOAD_SIZE_MB", 2),

		ProviderTimeout:  time.Duration(GetEnvInt("PROVIDER_TIMEOUT_SECONDS", 30)) * time.Second,
		FailureThreshold: GetEnvInt("CIRCUIT_FAILURE_THRESHOLD", 5),
		RecoveryTimeout:  ParseDurationOrDefault(GetEnv("CIRCUIT_RECOVERY_TIMEOUT", ""), 60*time.Second),

		TracingEnabled:      GetEnvBool("TRACING_ENABLED", false),
		TracingExporter:     GetEnv("TRACING_EXPORTER", "console"),
		TracingOTLPEndpoint: GetEnv("TRACING_OTLP_ENDPOINT", ""),

		LogLevel:  GetEnv("LOG_LEVEL", "info"),
		LogFormat: GetEnv("LOG_FORMAT", "json"),

		MaxJobs:    GetEnvInt("MAX_JOBS", 10),
		JobTimeout: ParseDurationOrDefault(GetEnv("JOB_TIMEOUT", ""), 120*time.Second),
		MaxTries:   GetEnvInt("MAX_TRIES", 3),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}
	if c.Environment == EnvProduction {
		if len(c.EncryptionKey) < 32 {
			return fmt.Errorf("config: ENCRYPTION_KEY must be at least 32 characters in production")
		}
		if len(c.WebhookSecret) < 32 {
			return fmt.Errorf("config: WEBHOOK_SECRET must be at least 32 characters in production")
		}
	}
	return nil
}

// GetEnv retrieves an environment variable with a default fallback.
func GetEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvBool retrieves a boolean environment variable. Accepts "true", "1",
// "yes", "y" (case-insensitive) as true.
func GetEnvBool(key string, defaultValue bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultValue
	}
	lower := strings.ToLower(val)
	return lower == "true" || lower == "1" || lower == "yes" || lower == "y"
}

// GetEnvInt retrieves an integer environment variable, falling back to the
// default when unset or invalid.
func GetEnvInt(key string, defaultValue int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// ParseDurationOrDefault parses a duration string, falling back to the
// default when empty or invalid.
func ParseDurationOrDefault(raw string, defaultValue time.Duration) time.Duration {
	if raw == "" {
		return defaultValue
	}
	if parsed, err := time.ParseDuration(raw); err == nil {
		return parsed
	}
	return defaultValue
}

// RequireEnv returns the value or an error naming the missing key.
func RequireEnv(key string) (string, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return "", fmt.Errorf("config: %s is required", key)
	}
	return value, nil
}
