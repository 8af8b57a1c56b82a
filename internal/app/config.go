package app

import (
	"os"
	"strconv"
	"time"
)

// StorageDriver выбирает реализацию хранилища.
const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"
)

// Config описывает настройки запуска приложения.
type Config struct {
	HTTPAddr string

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	KafkaBrokers string

	SessionTTL time.Duration

	SweepInterval  time.Duration
	SweepBatchSize int

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int

	IdempotencyCleanupInterval  time.Duration
	IdempotencyCleanupBatchSize int

	UsageSyncInterval time.Duration
	UsageSyncProvider string
}

// DefaultConfig возвращает конфигурацию по умолчанию: in-memory
// хранилище, без Kafka и Redis.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:                    ":9090",
		StorageDriver:               StorageDriverMemory,
		PostgresAutoMigrate:         true,
		SessionTTL:                  30 * time.Minute,
		SweepInterval:               30 * time.Second,
		SweepBatchSize:              50,
		OutboxPollInterval:          time.Second,
		OutboxBatchSize:             100,
		OutboxMaxAttempts:           3,
		IdempotencyCleanupInterval:  10 * time.Minute,
		IdempotencyCleanupBatchSize: 500,
		UsageSyncInterval:           15 * time.Minute,
		UsageSyncProvider:           "default",
	}
}

// ReadConfig накладывает переменные окружения ESIMOMS_* на DefaultConfig.
func ReadConfig() Config {
	cfg := DefaultConfig()

	envString(&cfg.HTTPAddr, "ESIMOMS_HTTP_ADDR")
	envString(&cfg.StorageDriver, "ESIMOMS_STORAGE")
	envString(&cfg.PostgresDSN, "ESIMOMS_POSTGRES_DSN")
	envBool(&cfg.PostgresAutoMigrate, "ESIMOMS_POSTGRES_AUTO_MIGRATE")
	envString(&cfg.RedisAddr, "ESIMOMS_REDIS_ADDR")
	envString(&cfg.RedisPassword, "ESIMOMS_REDIS_PASSWORD")
	envInt(&cfg.RedisDB, "ESIMOMS_REDIS_DB")
	envString(&cfg.KafkaBrokers, "ESIMOMS_KAFKA_BROKERS")
	envDuration(&cfg.SessionTTL, "ESIMOMS_SESSION_TTL")
	envDuration(&cfg.SweepInterval, "ESIMOMS_SWEEP_INTERVAL")
	envInt(&cfg.SweepBatchSize, "ESIMOMS_SWEEP_BATCH_SIZE")
	envDuration(&cfg.OutboxPollInterval, "ESIMOMS_OUTBOX_POLL_INTERVAL")
	envInt(&cfg.OutboxBatchSize, "ESIMOMS_OUTBOX_BATCH_SIZE")
	envInt(&cfg.OutboxMaxAttempts, "ESIMOMS_OUTBOX_MAX_ATTEMPTS")
	envDuration(&cfg.IdempotencyCleanupInterval, "ESIMOMS_IDEMPOTENCY_CLEANUP_INTERVAL")
	envInt(&cfg.IdempotencyCleanupBatchSize, "ESIMOMS_IDEMPOTENCY_CLEANUP_BATCH")
	envDuration(&cfg.UsageSyncInterval, "ESIMOMS_USAGE_SYNC_INTERVAL")
	envString(&cfg.UsageSyncProvider, "ESIMOMS_USAGE_SYNC_PROVIDER")

	return cfg
}

func envString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dst = parsed
		}
	}
}

func envBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			*dst = parsed
		}
	}
}

func envDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil && parsed > 0 {
			*dst = parsed
		}
	}
}
