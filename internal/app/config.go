package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

const (
	// StorageDriverMemory хранит записи в памяти процесса.
	StorageDriverMemory = "memory"
	// StorageDriverPostgres хранит записи в PostgreSQL.
	StorageDriverPostgres = "postgres"
)

// Config описывает настройки запуска приложения.
type Config struct {
	GRPCAddr    string
	MetricsAddr string
	LogLevel    log.Level

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool
	PostgresMaxConns    int

	// RedisAddr включает change feed через Redis pub/sub, без него используется брокер в памяти.
	RedisAddr    string
	RedisPrefix  string
	KafkaBrokers []string

	EffectWorkers     int
	EffectQueueSize   int
	EffectMaxAttempts int
	EffectRetryDelay  time.Duration

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration
	OutboxMaxPending   int

	IdempotencyCleanupInterval  time.Duration
	IdempotencyCleanupBatchSize int
}

// DefaultConfig возвращает настройки по умолчанию для локального запуска.
func DefaultConfig() Config {
	return Config{
		GRPCAddr:    ":50051",
		MetricsAddr: ":9090",
		LogLevel:    log.InfoLevel,

		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,
		PostgresMaxConns:    25,

		RedisPrefix: "orderdesk:changes",

		EffectWorkers:     4,
		EffectQueueSize:   256,
		EffectMaxAttempts: 3,
		EffectRetryDelay:  100 * time.Millisecond,

		OutboxPollInterval: time.Second,
		OutboxBatchSize:    100,
		OutboxMaxAttempts:  3,
		OutboxRetryDelay:   50 * time.Millisecond,
		OutboxMaxPending:   1000,

		IdempotencyCleanupInterval:  10 * time.Minute,
		IdempotencyCleanupBatchSize: 500,
	}
}

// LoadConfig подгружает .env (если файл есть) и читает конфигурацию из окружения.
// Переменные окружения процесса имеют приоритет над значениями из файлов.
func LoadConfig(files ...string) (Config, []string) {
	var warnings []string
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			warnings = append(warnings, fmt.Sprintf("load %s: %v", file, err))
		}
	}
	cfg, more := ReadConfigFromEnv(os.LookupEnv)
	return cfg, append(warnings, more...)
}

// ReadConfigFromEnv собирает Config поверх DefaultConfig. Некорректные значения
// не прерывают запуск: остаётся значение по умолчанию, а в warnings попадает причина.
func ReadConfigFromEnv(lookup func(string) (string, bool)) (Config, []string) {
	cfg := DefaultConfig()
	r := envReader{lookup: lookup}

	r.str("ORDERDESK_GRPC_ADDR", &cfg.GRPCAddr)
	r.str("ORDERDESK_METRICS_ADDR", &cfg.MetricsAddr)
	r.level("ORDERDESK_LOG_LEVEL", &cfg.LogLevel)

	r.driver("ORDERDESK_STORAGE_DRIVER", &cfg.StorageDriver)
	r.str("ORDERDESK_POSTGRES_DSN", &cfg.PostgresDSN)
	r.boolean("ORDERDESK_POSTGRES_AUTO_MIGRATE", &cfg.PostgresAutoMigrate)
	r.positive("ORDERDESK_POSTGRES_MAX_CONNS", &cfg.PostgresMaxConns)

	r.str("ORDERDESK_REDIS_ADDR", &cfg.RedisAddr)
	r.str("ORDERDESK_REDIS_PREFIX", &cfg.RedisPrefix)
	r.list("KAFKA_BROKERS", &cfg.KafkaBrokers)

	r.positive("ORDERDESK_EFFECT_WORKERS", &cfg.EffectWorkers)
	r.positive("ORDERDESK_EFFECT_QUEUE_SIZE", &cfg.EffectQueueSize)
	r.positive("ORDERDESK_EFFECT_MAX_ATTEMPTS", &cfg.EffectMaxAttempts)
	r.duration("ORDERDESK_EFFECT_RETRY_DELAY", &cfg.EffectRetryDelay, true)

	r.duration("ORDERDESK_OUTBOX_POLL_INTERVAL", &cfg.OutboxPollInterval, false)
	r.positive("ORDERDESK_OUTBOX_BATCH_SIZE", &cfg.OutboxBatchSize)
	r.positive("ORDERDESK_OUTBOX_MAX_ATTEMPTS", &cfg.OutboxMaxAttempts)
	r.duration("ORDERDESK_OUTBOX_RETRY_DELAY", &cfg.OutboxRetryDelay, true)
	r.positive("ORDERDESK_OUTBOX_MAX_PENDING", &cfg.OutboxMaxPending)

	r.duration("ORDERDESK_IDEMPOTENCY_CLEANUP_INTERVAL", &cfg.IdempotencyCleanupInterval, false)
	r.positive("ORDERDESK_IDEMPOTENCY_CLEANUP_BATCH_SIZE", &cfg.IdempotencyCleanupBatchSize)

	return cfg, r.warnings
}

type envReader struct {
	lookup   func(string) (string, bool)
	warnings []string
}

func (r *envReader) get(key string) (string, bool) {
	if r.lookup == nil {
		return "", false
	}
	value, ok := r.lookup(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

func (r *envReader) warn(key, value, reason string) {
	r.warnings = append(r.warnings, fmt.Sprintf("%s=%q ignored: %s", key, value, reason))
}

func (r *envReader) str(key string, dst *string) {
	if value, ok := r.get(key); ok {
		*dst = value
	}
}

func (r *envReader) list(key string, dst *[]string) {
	value, ok := r.get(key)
	if !ok {
		return
	}
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	*dst = items
}

func (r *envReader) driver(key string, dst *string) {
	value, ok := r.get(key)
	if !ok {
		return
	}
	switch value = strings.ToLower(value); value {
	case StorageDriverMemory, StorageDriverPostgres:
		*dst = value
	default:
		r.warn(key, value, "expected memory or postgres")
	}
}

func (r *envReader) level(key string, dst *log.Level) {
	value, ok := r.get(key)
	if !ok {
		return
	}
	level, err := log.ParseLevel(value)
	if err != nil {
		r.warn(key, value, err.Error())
		return
	}
	*dst = level
}

func (r *envReader) boolean(key string, dst *bool) {
	value, ok := r.get(key)
	if !ok {
		return
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		r.warn(key, value, "expected boolean")
		return
	}
	*dst = parsed
}

func (r *envReader) positive(key string, dst *int) {
	value, ok := r.get(key)
	if !ok {
		return
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		r.warn(key, value, "expected positive integer")
		return
	}
	*dst = parsed
}

func (r *envReader) duration(key string, dst *time.Duration, allowZero bool) {
	value, ok := r.get(key)
	if !ok {
		return
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed < 0 || (parsed == 0 && !allowZero) {
		r.warn(key, value, "expected duration like 500ms or 2s")
		return
	}
	*dst = parsed
}
