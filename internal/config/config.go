// Package config provides configuration management for the sync orchestrator.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Sync     SyncConfig
	Upstream UpstreamConfig
	Logging  LoggingConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host string
	Port string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// ClickHouseConfig holds ClickHouse configuration
type ClickHouseConfig struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// SyncConfig holds orchestrator tuning knobs
type SyncConfig struct {
	RecentWindowDays  int           // trailing window for recent_sync jobs
	BackfillDays      int           // full historical range to backfill
	ChunkSpanDays     int           // fixed chunk size for historical backfill
	BatchSize         int           // jobs dequeued per worker tick
	Concurrency       int           // parallel jobs per platform batch
	MaxAttempts       int           // hard-failure re-enqueue cap
	PollInterval      time.Duration // worker pool dequeue tick
	RecencyWindow     time.Duration // skip-redundant-sync guard window
	RetentionDays     int           // terminal job retention before sweep
	DailyInterval     time.Duration // scheduler interval for daily_sync
	ReconcileInterval time.Duration // scheduler interval for reconcile
	VisibilityTimeout time.Duration // stuck-active job requeue threshold
}

// UpstreamConfig holds upstream API configuration
type UpstreamConfig struct {
	AdsBaseURL        string
	CommerceBaseURL   string
	RequestsPerSecond int           // pacing applied before each upstream call
	Timeout           time.Duration // per-call HTTP timeout
	RetryAfter        time.Duration // fixed backoff suggested on rate limit
	SnapshotTTL       time.Duration // persisted snapshot lifetime
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		// .env file is optional - environment variables can be set directly
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "marketing_sync"),
				User:           getEnv("POSTGRES_USER", "sync"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 50),
			},
			ClickHouse: ClickHouseConfig{
				Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "marketing_sync"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
			},
		},
		Sync: SyncConfig{
			RecentWindowDays:  getEnvAsInt("SYNC_RECENT_WINDOW_DAYS", 7),
			BackfillDays:      getEnvAsInt("SYNC_BACKFILL_DAYS", 365),
			ChunkSpanDays:     getEnvAsInt("SYNC_CHUNK_SPAN_DAYS", 30),
			BatchSize:         getEnvAsInt("SYNC_BATCH_SIZE", 10),
			Concurrency:       getEnvAsInt("SYNC_CONCURRENCY", 3),
			MaxAttempts:       getEnvAsInt("SYNC_MAX_ATTEMPTS", 3),
			PollInterval:      getEnvAsDuration("SYNC_POLL_INTERVAL", 5*time.Second),
			RecencyWindow:     getEnvAsDuration("SYNC_RECENCY_WINDOW", time.Hour),
			RetentionDays:     getEnvAsInt("SYNC_RETENTION_DAYS", 7),
			DailyInterval:     getEnvAsDuration("SYNC_DAILY_INTERVAL", 24*time.Hour),
			ReconcileInterval: getEnvAsDuration("SYNC_RECONCILE_INTERVAL", 6*time.Hour),
			VisibilityTimeout: getEnvAsDuration("SYNC_VISIBILITY_TIMEOUT", 15*time.Minute),
		},
		Upstream: UpstreamConfig{
			AdsBaseURL:        getEnv("ADS_API_BASE_URL", "https://graph.ads.example.com/v18.0"),
			CommerceBaseURL:   getEnv("COMMERCE_API_BASE_URL", "https://api.commerce.example.com/v3"),
			RequestsPerSecond: getEnvAsInt("UPSTREAM_REQUESTS_PER_SECOND", 5),
			Timeout:           getEnvAsDuration("UPSTREAM_TIMEOUT", 30*time.Second),
			RetryAfter:        getEnvAsDuration("UPSTREAM_RETRY_AFTER", 60*time.Second),
			SnapshotTTL:       getEnvAsDuration("UPSTREAM_SNAPSHOT_TTL", 72*time.Hour),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return config, nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
