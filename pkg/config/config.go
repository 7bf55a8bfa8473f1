// Package config loads the fixed set of named options injected at startup.
// All values come from the environment with working defaults; there is no
// dynamic reconfiguration.
package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Connection settings.
	DatabaseURL     string
	RabbitMQURL     string
	RedisAddr       string
	MinioEndpoint   string
	MinioAccessKey  string
	MinioSecretKey  string
	MinioBucket     string
	MinioUseSSL     bool
	TranscoderURL   string
	TranscoderToken string

	// Retry policy.
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// Polling and reconciliation.
	PollInterval       time.Duration
	StalenessThreshold time.Duration
	ReconcileInterval  time.Duration
	ReconcileBatchSize int

	// Worker pool.
	WorkerConcurrency   int
	ExternalCallTimeout time.Duration
}

// Load reads configuration from environment variables, falling back to
// defaults suitable for local development.
func Load() *Config {
	return &Config{
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RabbitMQURL:     os.Getenv("RABBITMQ_URL"),
		RedisAddr:       getEnv("REDIS_ADDR", "localhost:6379"),
		MinioEndpoint:   getEnv("MINIO_ENDPOINT", "localhost:9000"),
		MinioAccessKey:  os.Getenv("MINIO_ACCESS_KEY"),
		MinioSecretKey:  os.Getenv("MINIO_SECRET_KEY"),
		MinioBucket:     getEnv("MINIO_BUCKET", "media"),
		MinioUseSSL:     getEnvBool("MINIO_USE_SSL", false),
		TranscoderURL:   getEnv("TRANSCODER_URL", "http://localhost:9200"),
		TranscoderToken: os.Getenv("TRANSCODER_TOKEN"),

		MaxAttempts: getEnvInt("MAX_ATTEMPTS", 3),
		BackoffBase: getEnvDuration("BACKOFF_BASE", 5*time.Second),
		BackoffCap:  getEnvDuration("BACKOFF_CAP", 5*time.Minute),

		PollInterval:       getEnvDuration("POLL_INTERVAL", 15*time.Second),
		StalenessThreshold: getEnvDuration("STALENESS_THRESHOLD", 2*time.Minute),
		ReconcileInterval:  getEnvDuration("RECONCILE_INTERVAL", time.Minute),
		ReconcileBatchSize: getEnvInt("RECONCILE_BATCH_SIZE", 100),

		WorkerConcurrency:   getEnvInt("WORKER_CONCURRENCY", 10),
		ExternalCallTimeout: getEnvDuration("EXTERNAL_CALL_TIMEOUT", 30*time.Second),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}
