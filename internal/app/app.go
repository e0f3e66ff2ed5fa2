// Package app собирает сервис заказов: хранилища, шлюз, сервисы, HTTP API,
// gRPC health, фоновые воркеры и сервер метрик.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	healthcheck "github.com/vladislavdragonenkov/foodorders/internal/health"
	"github.com/vladislavdragonenkov/foodorders/internal/metrics"
	"github.com/vladislavdragonenkov/foodorders/internal/service/httpapi"
	"github.com/vladislavdragonenkov/foodorders/internal/service/idempotency"
	"github.com/vladislavdragonenkov/foodorders/internal/service/lifecycle"
	"github.com/vladislavdragonenkov/foodorders/internal/service/notify"
	"github.com/vladislavdragonenkov/foodorders/internal/service/ordertx"
	"github.com/vladislavdragonenkov/foodorders/internal/service/outbox"
	"github.com/vladislavdragonenkov/foodorders/internal/service/payment"
	"github.com/vladislavdragonenkov/foodorders/internal/service/refund"
	"github.com/vladislavdragonenkov/foodorders/internal/version"
)

const notifyBuffer = 1024

// Run запускает сервис и блокируется до отмены ctx или падения одного из серверов.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	m := metrics.New()

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.close(logger)

	gw, err := initGateway(cfg, logger, m)
	if err != nil {
		return err
	}

	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc %s: %w", cfg.GRPCAddr, err)
	}
	apiLis, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		_ = grpcLis.Close()
		return fmt.Errorf("listen http %s: %w", cfg.HTTPAddr, err)
	}

	producer, _ := initKafkaProducer(cfg.kafkaBrokers(), logger)
	defer closeKafka(producer, logger)

	notifier := notify.NewAsync(notify.Fanout{
		notify.NewOutboxSink(deps.outboxRepo, m),
		notify.NewTimelineSink(deps.timelineRepo, m, nil),
		notify.NewLogSink(logger.WithField("component", "notify-log")),
	}, notifyBuffer, logger.WithField("component", "notify"), m)

	runner := ordertx.New(deps.repo, deps.locker, logger.WithField("component", "ordertx"), ordertx.WithMetrics(m))
	refunds := refund.New(gw, runner, notifier, logger.WithField("component", "refund"), refund.WithMetrics(m))
	orders := lifecycle.New(deps.repo, runner, gw, refunds, notifier, logger.WithField("component", "lifecycle"), lifecycle.WithMetrics(m))
	payments := payment.New(deps.repo, runner, gw, notifier, payment.Secrets{
		KeySecret:     cfg.Razorpay.KeySecret,
		WebhookSecret: cfg.Razorpay.WebhookSecret,
	}, logger.WithField("component", "payment"), payment.WithMetrics(m))
	guard := idempotency.NewGuard(deps.idempotencyRepo, cfg.IdempotencyTTL, logger.WithField("component", "idempotency"))

	apiLogger := logger.WithField("layer", "http")
	handler := httpapi.NewHandler(orders, payments, refunds, deps.timelineRepo, guard, apiLogger)
	apiSrv := &http.Server{
		Handler:           httpapi.NewRouter(handler, httpapi.RouterConfig{AllowedOrigins: cfg.allowedOrigins()}, apiLogger, m),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Воркеры останавливаются после HTTP, чтобы успеть забрать последние события.
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	var workers sync.WaitGroup

	primary, deadLetter := outboxPublishers(producer, cfg.NotificationTopic, logger)
	outboxWorker := outbox.NewWorker(deps.outboxRepo, primary, outbox.Config{
		PollInterval: cfg.OutboxPollInterval,
		BatchSize:    cfg.OutboxBatchSize,
		MaxAttempts:  cfg.OutboxMaxAttempts,
		Backoff:      cfg.OutboxRetryDelay,
	}, logger.WithField("component", "outbox"), outbox.WithDeadLetter(deadLetter), outbox.WithMetrics(m))
	cleanup := idempotency.NewCleanupWorker(deps.idempotencyRepo, cfg.IdempotencyCleanupInterval,
		cfg.IdempotencyCleanupBatchSize, logger.WithField("component", "idempotency-cleanup"), m)

	workers.Add(2)
	go func() {
		defer workers.Done()
		outboxWorker.Run(workerCtx)
	}()
	go func() {
		defer workers.Done()
		cleanup.Run(workerCtx)
	}()

	info := version.GetVersion()
	healthHandler := healthcheck.NewHandler(info.Version)
	for name, pinger := range deps.checks {
		healthHandler.Register(name, healthcheck.PingCheck(pinger), name == "postgres")
	}
	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)

	grpcMetrics := registerGRPCMetrics(logger)
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()))
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)
	grpcMetrics.InitializeMetrics(grpcServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	errCh := make(chan error, 2)
	go func() {
		logger.WithField("addr", grpcLis.Addr().String()).Info("grpc health server listening")
		errCh <- grpcServer.Serve(grpcLis)
	}()
	go func() {
		logger.WithFields(log.Fields{
			"addr":    apiLis.Addr().String(),
			"version": info.String(),
		}).Info("http api listening")
		if err := apiSrv.Serve(apiLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		runErr = ctx.Err()
	case err := <-errCh:
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			runErr = err
		}
	}

	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	shutdownHTTP(apiSrv, cfg.ShutdownTimeout, logger)
	stopGRPC(grpcServer, cfg.ShutdownTimeout, logger)

	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	if err := notifier.Close(closeCtx); err != nil {
		logger.WithError(err).Warn("notifier did not drain before shutdown")
	}
	cancel()

	stopWorkers()
	workers.Wait()
	shutdownHTTP(metricsSrv, cfg.ShutdownTimeout, logger)

	logger.Info("service stopped")
	return runErr
}

// registerGRPCMetrics возвращает уже зарегистрированные метрики при повторном запуске в одном процессе.
func registerGRPCMetrics(logger *log.Entry) *promgrpc.ServerMetrics {
	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*promgrpc.ServerMetrics); ok {
				return existing
			}
		}
		logger.WithError(err).Warn("failed to register grpc metrics")
	}
	return grpcMetrics
}

func stopGRPC(srv *grpc.Server, timeout time.Duration, logger *log.Entry) {
	stopped := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(timeout):
		logger.Warn("grpc graceful stop timed out, forcing stop")
		srv.Stop()
	}
}

// startMetricsServer поднимает /metrics, /healthz, /livez и /version.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler http.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	mux.HandleFunc("/version", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(version.GetVersion())
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.WithField("addr", addr).Info("metrics server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, 5*time.Second, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, timeout time.Duration, logger *log.Entry) {
	if srv == nil {
		return
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}
