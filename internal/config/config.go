// Package config loads the fanout worker's environment-driven
// configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every environment-driven value the worker needs: pub/sub
// topology, database connection parts, retry/dedupe tuning, and ambient
// stack settings (log level, OTel endpoint, HTTP port).
type Config struct {
	// Pub/Sub topology
	ProjectID           string
	SubscriptionName    string
	DLQTopic            string
	EmailImmediateTopic string
	EmailDailyTopic     string
	RealtimeTopic       string
	MaxOutstandingMsgs  int

	// Database pool
	DatabaseURL    string
	DBMaxOpenConns int
	DBMaxIdleConns int
	DBConnLifetime time.Duration

	// Deduplication
	DedupeWindowMinutes int
	RedisURL            string

	// Retry caps
	MaxRetryAttempts int

	// Worker concurrency
	Concurrency int

	// Ambient stack
	LogLevel      string
	LogFormat     string
	OTLPEndpoint  string
	OTelEnabled   bool
	HealthPort    string
	ShutdownGrace time.Duration
	SentryDSN     string
	Environment   string
}

// Load reads configuration from the environment, loading a local .env file
// first if one is present (godotenv.Load silently no-ops when the file is
// absent).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ProjectID:           getEnv("PROJECT_ID", ""),
		SubscriptionName:    getEnv("SUBSCRIPTION_NAME", "document-notifications"),
		DLQTopic:            getEnv("DLQ_TOPIC", "document-notifications-dlq"),
		EmailImmediateTopic: getEnv("EMAIL_IMMEDIATE_TOPIC", "email-immediate"),
		EmailDailyTopic:     getEnv("EMAIL_DAILY_TOPIC", "email-daily-digest"),
		RealtimeTopic:       getEnv("REALTIME_TOPIC", "realtime-notifications"),
		MaxOutstandingMsgs:  getEnvInt("MAX_OUTSTANDING_MESSAGES", 4),

		DatabaseURL:    getEnv("DATABASE_URL", ""),
		DBMaxOpenConns: getEnvInt("DB_MAX_OPEN_CONNS", 20),
		DBMaxIdleConns: getEnvInt("DB_MAX_IDLE_CONNS", 5),
		DBConnLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),

		DedupeWindowMinutes: getEnvInt("DEDUPE_WINDOW_MINUTES", 60),
		RedisURL:            getEnv("REDIS_URL", "redis://localhost:6379/0"),

		MaxRetryAttempts: getEnvInt("MAX_RETRY_ATTEMPTS", 3),

		Concurrency: getEnvInt("WORKER_CONCURRENCY", 1),

		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFormat:     getEnv("LOG_FORMAT", "json"),
		OTLPEndpoint:  getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://localhost:4318"),
		OTelEnabled:   getEnv("OTEL_ENABLED", "true") == "true",
		HealthPort:    getEnv("HEALTH_PORT", "8080"),
		ShutdownGrace: getEnvDuration("SHUTDOWN_GRACE", 10*time.Second),
		SentryDSN:     getEnv("SENTRY_DSN", ""),
		Environment:   getEnv("ENVIRONMENT", "development"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ProjectID == "" {
		return fmt.Errorf("PROJECT_ID is required")
	}
	if c.SubscriptionName == "" {
		return fmt.Errorf("SUBSCRIPTION_NAME is required")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.DedupeWindowMinutes <= 0 {
		return fmt.Errorf("DEDUPE_WINDOW_MINUTES must be positive")
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
