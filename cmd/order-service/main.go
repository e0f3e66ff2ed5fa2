package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/foodorders/internal/app"
	"github.com/vladislavdragonenkov/foodorders/internal/version"
)

const (
	envLogLevel = "LOG_LEVEL"

	envHTTPAddr    = "FOOD_HTTP_ADDR"
	envGRPCAddr    = "FOOD_GRPC_ADDR"
	envMetricsAddr = "FOOD_METRICS_ADDR"

	envStorageDriver       = "FOOD_STORAGE_DRIVER"
	envPostgresDSN         = "FOOD_POSTGRES_DSN"
	envPostgresAutoMigrate = "FOOD_POSTGRES_AUTO_MIGRATE"

	envRazorpayKeyID         = "FOOD_RAZORPAY_KEY_ID"
	envRazorpayKeySecret     = "FOOD_RAZORPAY_KEY_SECRET"
	envRazorpayWebhookSecret = "FOOD_RAZORPAY_WEBHOOK_SECRET"
	envRazorpayBaseURL       = "FOOD_RAZORPAY_BASE_URL"
	envRazorpayTimeout       = "FOOD_RAZORPAY_TIMEOUT"
	envAllowMockGateway      = "FOOD_ALLOW_MOCK_GATEWAY"

	envRedisAddr = "FOOD_REDIS_ADDR"

	envKafkaBrokers      = "FOOD_KAFKA_BROKERS"
	envNotificationTopic = "FOOD_NOTIFICATION_TOPIC"

	envOutboxPollInterval = "FOOD_OUTBOX_POLL_INTERVAL"
	envOutboxBatchSize    = "FOOD_OUTBOX_BATCH_SIZE"
	envOutboxMaxAttempts  = "FOOD_OUTBOX_MAX_ATTEMPTS"
	envOutboxRetryDelay   = "FOOD_OUTBOX_RETRY_DELAY"

	envIdempotencyTTL              = "FOOD_IDEMPOTENCY_TTL"
	envIdempotencyCleanupInterval  = "FOOD_IDEMPOTENCY_CLEANUP_INTERVAL"
	envIdempotencyCleanupBatchSize = "FOOD_IDEMPOTENCY_CLEANUP_BATCH_SIZE"

	envCORSAllowedOrigins = "FOOD_CORS_ALLOWED_ORIGINS"
	envShutdownTimeout    = "FOOD_SHUTDOWN_TIMEOUT"
)

type envLookup func(key string) (string, bool)

// setupLogger настраивает формат и уровень логирования для сервиса.
func setupLogger(lookup envLookup) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)

	raw, ok := lookup(envLogLevel)
	if !ok || strings.TrimSpace(raw) == "" {
		return
	}
	level, err := log.ParseLevel(strings.TrimSpace(raw))
	if err != nil {
		log.WithField("value", raw).Warn("invalid LOG_LEVEL, using info")
		return
	}
	log.SetLevel(level)
}

// readConfigFromEnv накладывает переменные окружения на DefaultConfig.
// Некорректные значения не прерывают запуск: остаётся значение по умолчанию, а в warnings попадает причина.
func readConfigFromEnv(lookup envLookup) (app.Config, []string) {
	cfg := app.DefaultConfig()
	var warnings []string

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	boolean := func(key string, dst *bool) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		parsed, err := parseBool(v)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: %v", key, err))
			return
		}
		*dst = parsed
	}
	positiveInt := func(key string, dst *int) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		parsed, err := parseInt(v, func(n int) bool { return n > 0 }, "must be > 0")
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: %v", key, err))
			return
		}
		*dst = parsed
	}
	duration := func(key string, dst *time.Duration, valid func(time.Duration) bool, rule string) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		parsed, err := parseDuration(v, valid, rule)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: %v", key, err))
			return
		}
		*dst = parsed
	}
	positive := func(d time.Duration) bool { return d > 0 }

	str(envHTTPAddr, &cfg.HTTPAddr)
	str(envGRPCAddr, &cfg.GRPCAddr)
	str(envMetricsAddr, &cfg.MetricsAddr)

	str(envStorageDriver, &cfg.StorageDriver)
	cfg.StorageDriver = strings.ToLower(cfg.StorageDriver)
	str(envPostgresDSN, &cfg.PostgresDSN)
	boolean(envPostgresAutoMigrate, &cfg.PostgresAutoMigrate)

	str(envRazorpayKeyID, &cfg.Razorpay.KeyID)
	str(envRazorpayKeySecret, &cfg.Razorpay.KeySecret)
	str(envRazorpayWebhookSecret, &cfg.Razorpay.WebhookSecret)
	str(envRazorpayBaseURL, &cfg.Razorpay.BaseURL)
	duration(envRazorpayTimeout, &cfg.Razorpay.Timeout, positive, "must be > 0")
	boolean(envAllowMockGateway, &cfg.AllowMockGateway)

	str(envRedisAddr, &cfg.RedisAddr)

	str(envKafkaBrokers, &cfg.KafkaBrokers)
	str(envNotificationTopic, &cfg.NotificationTopic)

	duration(envOutboxPollInterval, &cfg.OutboxPollInterval, positive, "must be > 0")
	positiveInt(envOutboxBatchSize, &cfg.OutboxBatchSize)
	positiveInt(envOutboxMaxAttempts, &cfg.OutboxMaxAttempts)
	duration(envOutboxRetryDelay, &cfg.OutboxRetryDelay, func(d time.Duration) bool { return d >= 0 }, "must be >= 0")

	duration(envIdempotencyTTL, &cfg.IdempotencyTTL, positive, "must be > 0")
	duration(envIdempotencyCleanupInterval, &cfg.IdempotencyCleanupInterval, positive, "must be > 0")
	positiveInt(envIdempotencyCleanupBatchSize, &cfg.IdempotencyCleanupBatchSize)

	str(envCORSAllowedOrigins, &cfg.CORSAllowedOrigins)
	duration(envShutdownTimeout, &cfg.ShutdownTimeout, positive, "must be > 0")

	return cfg, warnings
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid bool value %q", raw)
	}
}

func parseInt(raw string, valid func(int) bool, rule string) (int, error) {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", raw)
	}
	if !valid(value) {
		return 0, fmt.Errorf("value %d %s", value, rule)
	}
	return value, nil
}

func parseDuration(raw string, valid func(time.Duration) bool, rule string) (time.Duration, error) {
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", raw)
	}
	if !valid(value) {
		return 0, fmt.Errorf("value %s %s", value, rule)
	}
	return value, nil
}

func main() {
	setupLogger(os.LookupEnv)
	cfg, warnings := readConfigFromEnv(os.LookupEnv)
	for _, w := range warnings {
		log.WithField("reason", w).Warn("ignoring invalid environment value")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(log.Fields{
		"http_addr":      cfg.HTTPAddr,
		"grpc_addr":      cfg.GRPCAddr,
		"metrics_addr":   cfg.MetricsAddr,
		"storage_driver": cfg.StorageDriver,
		"version":        version.GetVersion().String(),
	}).Info("starting food order service")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("service exited with error")
	}

	log.Info("food order service stopped")
}
