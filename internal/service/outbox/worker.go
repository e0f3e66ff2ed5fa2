// Package outbox доставляет уведомления из transactional outbox во внешний брокер.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/foodorders/internal/domain"
	"github.com/vladislavdragonenkov/foodorders/internal/metrics"
)

const (
	defaultPollInterval = time.Second
	defaultBatchSize    = 100
	defaultMaxAttempts  = 3
	defaultBackoff      = 50 * time.Millisecond
	maxBackoff          = 5 * time.Second
)

// Config: параметры опроса и повторов.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	Backoff      time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.Backoff < 0 {
		c.Backoff = 0
	}
	return c
}

// Option настраивает Worker.
type Option func(*Worker)

// WithDeadLetter задаёт publisher для сообщений, исчерпавших попытки.
func WithDeadLetter(p domain.OutboxPublisher) Option {
	return func(w *Worker) { w.deadLetter = p }
}

// WithMetrics подключает метрики публикации и backlog.
func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
	}
}

// Worker периодически забирает pending-уведомления и публикует их.
// Сообщение, не опубликованное за MaxAttempts, уходит в dead letter и помечается failed.
type Worker struct {
	repo       domain.OutboxRepository
	publisher  domain.OutboxPublisher
	deadLetter domain.OutboxPublisher
	cfg        Config
	metrics    *metrics.Metrics
	logger     *log.Entry
	now        func() time.Time
}

// NewWorker создаёт воркер. Нулевые поля cfg заменяются значениями по умолчанию.
func NewWorker(repo domain.OutboxRepository, publisher domain.OutboxPublisher, cfg Config, logger *log.Entry, opts ...Option) *Worker {
	if logger == nil {
		logger = log.WithField("component", "outbox-worker")
	}
	w := &Worker{
		repo:      repo,
		publisher: publisher,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run опрашивает outbox до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.repo == nil || w.publisher == nil {
		w.logger.Warn("outbox worker disabled: repository or publisher missing")
		return
	}

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := w.Drain(ctx); err != nil && ctx.Err() == nil {
			w.logger.WithError(err).Warn("outbox drain failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Drain обрабатывает один батч и возвращает число опубликованных сообщений.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	w.observeBacklog(ctx)
	defer w.observeBacklog(ctx)

	batch, err := w.repo.PullPending(ctx, w.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("pull pending: %w", err)
	}

	sent := 0
	for _, msg := range batch {
		if err := ctx.Err(); err != nil {
			return sent, err
		}

		logger := w.logger.WithFields(log.Fields{
			"outbox_id":  msg.ID,
			"event_type": msg.EventType,
			"order_id":   msg.AggregateID,
		})

		if err := w.publish(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return sent, ctx.Err()
			}
			logger.WithError(err).Error("outbox message undeliverable")
			w.metrics.OutboxPublish("failed")
			if dlqErr := w.toDeadLetter(ctx, msg, err); dlqErr != nil {
				logger.WithError(dlqErr).Warn("dead letter publish failed")
				w.metrics.OutboxPublish("dlq_failed")
			}
			if err := w.repo.MarkFailed(ctx, msg.ID); err != nil {
				logger.WithError(err).Warn("failed to mark outbox message failed")
			}
			continue
		}

		if err := w.repo.MarkSent(ctx, msg.ID); err != nil {
			logger.WithError(err).Warn("failed to mark outbox message sent")
			continue
		}
		sent++
	}
	return sent, nil
}

func (w *Worker) publish(ctx context.Context, msg domain.OutboxMessage) error {
	delay := w.cfg.Backoff
	var lastErr error
	for attempt := 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		lastErr = w.publisher.Publish(ctx, msg)
		if lastErr == nil {
			w.metrics.OutboxPublish("sent")
			return nil
		}
		w.metrics.OutboxPublish("retry_error")
		if attempt == w.cfg.MaxAttempts || delay == 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, maxBackoff)
	}
	return fmt.Errorf("%w after %d attempts: %w", domain.ErrOutboxPublish, w.cfg.MaxAttempts, lastErr)
}

// DeadLetter: тело сообщения, уходящего в dead-letter publisher.
// Исходный payload сохраняется без изменений, чтобы его можно было переотправить.
type DeadLetter struct {
	OutboxID string          `json:"outboxId"`
	OrderID  string          `json:"orderId"`
	Event    string          `json:"event"`
	Payload  json.RawMessage `json:"payload"`
	Error    string          `json:"error"`
	FailedAt time.Time       `json:"failedAt"`
}

func (w *Worker) toDeadLetter(ctx context.Context, msg domain.OutboxMessage, cause error) error {
	if w.deadLetter == nil {
		return nil
	}

	envelope, err := json.Marshal(DeadLetter{
		OutboxID: msg.ID,
		OrderID:  msg.AggregateID,
		Event:    msg.EventType,
		Payload:  json.RawMessage(msg.Payload),
		Error:    cause.Error(),
		FailedAt: w.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}

	dead := msg
	dead.Payload = envelope
	return w.deadLetter.Publish(ctx, dead)
}

func (w *Worker) observeBacklog(ctx context.Context) {
	if w.metrics == nil {
		return
	}
	stats, err := w.repo.Stats(ctx)
	if err != nil {
		w.logger.WithError(err).Warn("failed to read outbox backlog")
		return
	}
	var age time.Duration
	if stats.PendingCount > 0 && !stats.OldestPendingAt.IsZero() {
		age = w.now().Sub(stats.OldestPendingAt)
	}
	w.metrics.OutboxBacklog(stats.PendingCount, age)
}

// LogPublisher пишет события в лог; используется, когда брокер не настроен.
type LogPublisher struct {
	Logger *log.Entry
}

func (p LogPublisher) Publish(_ context.Context, msg domain.OutboxMessage) error {
	logger := p.Logger
	if logger == nil {
		logger = log.WithField("component", "outbox-log")
	}
	logger.WithFields(log.Fields{
		"outbox_id":  msg.ID,
		"event_type": msg.EventType,
		"order_id":   msg.AggregateID,
	}).Info("notification published")
	return nil
}
