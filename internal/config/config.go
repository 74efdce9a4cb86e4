package config

import (
	"errors"
	"os"
	"strconv"
	"time"
)

type Config struct {
	ServerPort  string
	DatabaseURL string
	RedisURL    string
	JWTSecret   string
	LogLevel    string

	Sync SyncConfig
	S3   S3Config
}

// SyncConfig holds the tuning knobs for the sync pipeline.
type SyncConfig struct {
	MaxRetries        int
	BaseRetryDelay    time.Duration
	MaxRetryDelay     time.Duration
	BackoffMultiplier float64
	IdempotencyTTL    time.Duration
	RetentionDays     int
	QueueBatchSize    int
	RecoveryMaxAge    time.Duration
}

// S3Config configures the optional archive target for cleaned-up records.
// Archiving is disabled when Bucket is empty.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

func LoadConfig() (*Config, error) {
	cfg := &Config{
		ServerPort:  getEnv("SERVER_PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		JWTSecret:   os.Getenv("JWT_SECRET"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		Sync: SyncConfig{
			MaxRetries:        getEnvInt("SYNC_MAX_RETRIES", 5),
			BaseRetryDelay:    getEnvDuration("SYNC_BASE_RETRY_DELAY", time.Second),
			MaxRetryDelay:     getEnvDuration("SYNC_MAX_RETRY_DELAY", 300*time.Second),
			BackoffMultiplier: 2.0,
			IdempotencyTTL:    getEnvDuration("SYNC_IDEMPOTENCY_TTL", time.Hour),
			RetentionDays:     getEnvInt("SYNC_RETENTION_DAYS", 30),
			QueueBatchSize:    getEnvInt("SYNC_QUEUE_BATCH_SIZE", 50),
			RecoveryMaxAge:    getEnvDuration("SYNC_RECOVERY_MAX_AGE", 24*time.Hour),
		},
		S3: S3Config{
			Bucket:          os.Getenv("ARCHIVE_S3_BUCKET"),
			Region:          getEnv("ARCHIVE_S3_REGION", "us-east-1"),
			Endpoint:        os.Getenv("ARCHIVE_S3_ENDPOINT"),
			Prefix:          getEnv("ARCHIVE_S3_PREFIX", "sync-archive/"),
			AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
			UsePathStyle:    getEnv("ARCHIVE_S3_PATH_STYLE", "") == "true",
		},
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}

	return cfg, nil
}

// Helper: get env with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
