package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	DBSource    string
	StoreDriver string
	Port        string
	Env         string

	SystemPrincipal      string
	IdempotencyLease     time.Duration
	IdempotencyRetention time.Duration

	TxMaxRetries     int
	TxRetryBaseDelay time.Duration
	TxRetryMaxDelay  time.Duration

	KafkaBrokers []string
	KafkaTopic   string

	WebhookProvider      string
	WebhookSecret        string
	WebhookRetryInterval time.Duration

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
}

func defaults(v *viper.Viper) {
	v.SetDefault("STORE_DRIVER", "postgres")
	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("SYSTEM_PRINCIPAL", "system")
	v.SetDefault("IDEMPOTENCY_LEASE", "30s")
	v.SetDefault("IDEMPOTENCY_RETENTION", "72h")
	v.SetDefault("TX_MAX_RETRIES", 5)
	v.SetDefault("TX_RETRY_BASE_DELAY", "10ms")
	v.SetDefault("TX_RETRY_MAX_DELAY", "500ms")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("KAFKA_TOPIC", "payments.events")
	v.SetDefault("WEBHOOK_PROVIDER", "gateway")
	v.SetDefault("WEBHOOK_SECRET", "")
	v.SetDefault("WEBHOOK_RETRY_INTERVAL", "30s")
	v.SetDefault("OUTBOX_POLL_INTERVAL", "1s")
	v.SetDefault("OUTBOX_BATCH_SIZE", 100)
	v.SetDefault("DB_SOURCE", "")
}

// Load reads .env (when present) and the process environment.
func Load() (*Config, error) {
	if err := loadDotenv(".env"); err != nil {
		return nil, err
	}
	return FromViper(newViper())
}

// loadDotenv applies path to the environment. A missing file is not an error.
func loadDotenv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load %s: %w", path, err)
}

func newViper() *viper.Viper {
	v := viper.New()
	defaults(v)
	v.AutomaticEnv()
	return v
}

// FromViper builds a Config from an already populated viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		DBSource:             v.GetString("DB_SOURCE"),
		StoreDriver:          strings.ToLower(v.GetString("STORE_DRIVER")),
		Port:                 v.GetString("SERVER_PORT"),
		Env:                  v.GetString("ENVIRONMENT"),
		SystemPrincipal:      v.GetString("SYSTEM_PRINCIPAL"),
		IdempotencyLease:     v.GetDuration("IDEMPOTENCY_LEASE"),
		IdempotencyRetention: v.GetDuration("IDEMPOTENCY_RETENTION"),
		TxMaxRetries:         v.GetInt("TX_MAX_RETRIES"),
		TxRetryBaseDelay:     v.GetDuration("TX_RETRY_BASE_DELAY"),
		TxRetryMaxDelay:      v.GetDuration("TX_RETRY_MAX_DELAY"),
		KafkaTopic:           v.GetString("KAFKA_TOPIC"),
		WebhookProvider:      v.GetString("WEBHOOK_PROVIDER"),
		WebhookSecret:        v.GetString("WEBHOOK_SECRET"),
		WebhookRetryInterval: v.GetDuration("WEBHOOK_RETRY_INTERVAL"),
		OutboxPollInterval:   v.GetDuration("OUTBOX_POLL_INTERVAL"),
		OutboxBatchSize:      v.GetInt("OUTBOX_BATCH_SIZE"),
	}
	for _, broker := range strings.Split(v.GetString("KAFKA_BROKERS"), ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			cfg.KafkaBrokers = append(cfg.KafkaBrokers, broker)
		}
	}

	switch cfg.StoreDriver {
	case "postgres":
		if cfg.DBSource == "" {
			return nil, fmt.Errorf("DB_SOURCE environment variable is required")
		}
	case "memory":
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
	if cfg.IdempotencyLease <= 0 {
		return nil, fmt.Errorf("IDEMPOTENCY_LEASE must be positive")
	}
	if cfg.TxMaxRetries < 1 {
		return nil, fmt.Errorf("TX_MAX_RETRIES must be at least 1")
	}
	if cfg.OutboxPollInterval <= 0 || cfg.WebhookRetryInterval <= 0 {
		return nil, fmt.Errorf("OUTBOX_POLL_INTERVAL and WEBHOOK_RETRY_INTERVAL must be positive")
	}
	if cfg.OutboxBatchSize < 1 {
		return nil, fmt.Errorf("OUTBOX_BATCH_SIZE must be at least 1")
	}

	return cfg, nil
}
