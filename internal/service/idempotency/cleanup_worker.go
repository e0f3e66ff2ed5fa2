package idempotency

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/foodorders/internal/domain"
	"github.com/vladislavdragonenkov/foodorders/internal/metrics"
)

const (
	defaultCleanupInterval  = 10 * time.Minute
	defaultCleanupBatchSize = 500
)

// CleanupWorker периодически удаляет просроченные ключи порциями.
type CleanupWorker struct {
	repo      domain.IdempotencyRepository
	logger    *log.Entry
	metrics   *metrics.Metrics
	interval  time.Duration
	batchSize int
	now       func() time.Time
}

// NewCleanupWorker создаёт воркер; нулевые interval и batchSize заменяются значениями по умолчанию.
func NewCleanupWorker(repo domain.IdempotencyRepository, interval time.Duration, batchSize int, logger *log.Entry, m *metrics.Metrics) *CleanupWorker {
	if interval <= 0 {
		interval = defaultCleanupInterval
	}
	if batchSize <= 0 {
		batchSize = defaultCleanupBatchSize
	}
	if logger == nil {
		logger = log.WithField("component", "idempotency-cleanup")
	}
	return &CleanupWorker{
		repo:      repo,
		logger:    logger,
		metrics:   m,
		interval:  interval,
		batchSize: batchSize,
		now:       time.Now,
	}
}

// Run чистит хранилище сразу и затем раз в interval до отмены ctx.
func (w *CleanupWorker) Run(ctx context.Context) {
	if w.repo == nil {
		w.logger.Warn("idempotency cleanup disabled: repository missing")
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		deleted, err := w.Purge(ctx, w.now().UTC())
		switch {
		case errors.Is(err, context.Canceled):
			return
		case err != nil:
			w.logger.WithError(err).Warn("idempotency cleanup failed")
		case deleted > 0:
			w.logger.WithField("deleted", deleted).Info("expired idempotency keys removed")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Purge удаляет все записи с TTL не позже before и возвращает их число.
func (w *CleanupWorker) Purge(ctx context.Context, before time.Time) (int, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		deleted, err := w.repo.DeleteExpired(ctx, before, w.batchSize)
		if err != nil {
			return total, err
		}
		total += deleted
		w.metrics.IdempotencyPurged(deleted)
		if deleted < w.batchSize {
			return total, nil
		}
	}
}
