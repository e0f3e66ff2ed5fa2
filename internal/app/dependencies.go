package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/foodorders/internal/domain"
	"github.com/vladislavdragonenkov/foodorders/internal/gateway"
	"github.com/vladislavdragonenkov/foodorders/internal/gateway/razorpay"
	healthcheck "github.com/vladislavdragonenkov/foodorders/internal/health"
	"github.com/vladislavdragonenkov/foodorders/internal/metrics"
	"github.com/vladislavdragonenkov/foodorders/internal/storage/memory"
	"github.com/vladislavdragonenkov/foodorders/internal/storage/postgres"
	"github.com/vladislavdragonenkov/foodorders/internal/storage/redislock"
)

const (
	breakerMaxFailures  = 5
	breakerResetTimeout = 30 * time.Second
)

// runtimeDependencies: хранилища и внешние клиенты, выбранные конфигурацией.
type runtimeDependencies struct {
	repo            domain.OrderRepository
	outboxRepo      domain.OutboxRepository
	timelineRepo    domain.TimelineRepository
	idempotencyRepo domain.IdempotencyRepository
	locker          domain.OrderLocker

	// checks регистрируются в /healthz.
	checks  map[string]healthcheck.Pinger
	closers []func() error
}

func (d *runtimeDependencies) close(logger *log.Entry) {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			logger.WithError(err).Warn("failed to close dependency")
		}
	}
	d.closers = nil
}

// initRuntimeDependencies открывает хранилище и блокировки согласно cfg.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	deps := &runtimeDependencies{checks: make(map[string]healthcheck.Pinger)}

	switch strings.ToLower(strings.TrimSpace(cfg.StorageDriver)) {
	case StorageDriverMemory:
		deps.repo = memory.NewOrderRepository()
		deps.outboxRepo = memory.NewOutboxRepository()
		deps.timelineRepo = memory.NewTimelineRepository()
		deps.idempotencyRepo = memory.NewIdempotencyRepository()
		logger.Info("using in-memory storage")
	case StorageDriverPostgres:
		dsn := strings.TrimSpace(cfg.PostgresDSN)
		if dsn == "" {
			return nil, errors.New("postgres storage driver requires a DSN")
		}
		store, err := postgres.Open(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		deps.closers = append(deps.closers, store.Close)
		if cfg.PostgresAutoMigrate {
			if err := store.MigrateUp(ctx, 0); err != nil {
				deps.close(logger)
				return nil, fmt.Errorf("apply migrations: %w", err)
			}
		}
		deps.repo = postgres.NewOrderRepository(store)
		deps.outboxRepo = postgres.NewOutboxRepository(store)
		deps.timelineRepo = postgres.NewTimelineRepository(store)
		deps.idempotencyRepo = postgres.NewIdempotencyRepository(store)
		deps.checks["postgres"] = store
		logger.WithField("auto_migrate", cfg.PostgresAutoMigrate).Info("using postgres storage")
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.StorageDriver)
	}

	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr})
		locker := redislock.New(client, logger)
		if err := locker.Ping(ctx); err != nil {
			_ = client.Close()
			deps.close(logger)
			return nil, fmt.Errorf("connect redis %s: %w", addr, err)
		}
		deps.locker = locker
		deps.checks["redis"] = locker
		deps.closers = append(deps.closers, client.Close)
		logger.WithField("addr", addr).Info("using redis order locks")
	} else {
		deps.locker = memory.NewKeyedLocker()
	}

	return deps, nil
}

// initGateway выбирает клиента Razorpay или mock и оборачивает его circuit breaker'ом.
func initGateway(cfg Config, logger *log.Entry, m *metrics.Metrics) (domain.GatewayClient, error) {
	var client domain.GatewayClient
	if cfg.Razorpay.KeyID == "" {
		if !cfg.AllowMockGateway {
			return nil, razorpay.ErrMissingCredentials
		}
		logger.Warn("razorpay credentials are not set, using mock payment gateway")
		client = gateway.NewMockGateway()
	} else {
		rz, err := razorpay.NewClient(razorpay.Config{
			KeyID:     cfg.Razorpay.KeyID,
			KeySecret: cfg.Razorpay.KeySecret,
			BaseURL:   cfg.Razorpay.BaseURL,
			Timeout:   cfg.Razorpay.Timeout,
		})
		if err != nil {
			return nil, err
		}
		client = rz
	}

	breaker := gateway.NewCircuitBreaker(breakerMaxFailures, breakerResetTimeout, logger.WithField("component", "gateway-breaker"))
	return gateway.NewGuarded(client, breaker, m), nil
}
