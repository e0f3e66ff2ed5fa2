package app

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"
)

// RazorpayConfig: учётные данные и параметры клиента платёжного шлюза.
type RazorpayConfig struct {
	KeyID         string
	KeySecret     string
	WebhookSecret string
	BaseURL       string
	Timeout       time.Duration
}

// Config описывает настройки запуска сервиса.
type Config struct {
	HTTPAddr    string
	GRPCAddr    string
	MetricsAddr string

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool

	Razorpay RazorpayConfig
	// AllowMockGateway разрешает встроенный mock-шлюз, когда ключи Razorpay не заданы.
	AllowMockGateway bool

	// RedisAddr пустой — блокировки заказов в памяти процесса.
	RedisAddr string

	KafkaBrokers      string
	NotificationTopic string

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration

	IdempotencyTTL              time.Duration
	IdempotencyCleanupInterval  time.Duration
	IdempotencyCleanupBatchSize int

	// CORSAllowedOrigins — список через запятую.
	CORSAllowedOrigins string
	ShutdownTimeout    time.Duration
}

// DefaultConfig возвращает конфигурацию для локального запуска: память, mock-шлюз, без Kafka.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:    ":8080",
		GRPCAddr:    ":50051",
		MetricsAddr: ":9090",

		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,

		Razorpay: RazorpayConfig{
			Timeout: 10 * time.Second,
		},
		AllowMockGateway: true,

		NotificationTopic: "foodorders.notifications",

		OutboxPollInterval: time.Second,
		OutboxBatchSize:    100,
		OutboxMaxAttempts:  3,
		OutboxRetryDelay:   50 * time.Millisecond,

		IdempotencyTTL:              24 * time.Hour,
		IdempotencyCleanupInterval:  10 * time.Minute,
		IdempotencyCleanupBatchSize: 500,

		CORSAllowedOrigins: "*",
		ShutdownTimeout:    5 * time.Second,
	}
}

// Validate проверяет конфигурацию до старта компонентов.
// Отсутствие webhook secret ошибкой не считается: вебхуки тогда отвечают 500 на каждый запрос.
func (c Config) Validate() error {
	var errs []error

	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			errs = append(errs, errors.New("postgres storage driver requires a DSN"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver %q", c.StorageDriver))
	}

	if c.Razorpay.KeyID == "" && !c.AllowMockGateway {
		errs = append(errs, errors.New("razorpay key id is required when the mock gateway is disabled"))
	}
	if c.Razorpay.KeyID != "" && c.Razorpay.KeySecret == "" {
		errs = append(errs, errors.New("razorpay key secret is required with a key id"))
	}

	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"outbox poll interval", c.OutboxPollInterval},
		{"idempotency ttl", c.IdempotencyTTL},
		{"idempotency cleanup interval", c.IdempotencyCleanupInterval},
		{"shutdown timeout", c.ShutdownTimeout},
	} {
		if d.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", d.name))
		}
	}
	if c.OutboxBatchSize <= 0 {
		errs = append(errs, errors.New("outbox batch size must be > 0"))
	}
	if c.OutboxMaxAttempts <= 0 {
		errs = append(errs, errors.New("outbox max attempts must be > 0"))
	}
	if c.OutboxRetryDelay < 0 {
		errs = append(errs, errors.New("outbox retry delay must be >= 0"))
	}
	if c.IdempotencyCleanupBatchSize <= 0 {
		errs = append(errs, errors.New("idempotency cleanup batch size must be > 0"))
	}

	return errors.Join(errs...)
}

// allowedOrigins разбирает CORSAllowedOrigins.
func (c Config) allowedOrigins() []string {
	return splitList(c.CORSAllowedOrigins)
}

func (c Config) kafkaBrokers() []string {
	return splitList(c.KafkaBrokers)
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
