// Package ordertx выполняет изменения заказа по схеме lock → load → mutate → save
// с повтором при конфликте версий.
package ordertx

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/foodorders/internal/domain"
	"github.com/vladislavdragonenkov/foodorders/internal/metrics"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 10 * time.Millisecond
)

// MutateFunc изменяет загруженный заказ. save=false означает, что менять нечего.
// При save=true и ненулевой ошибке изменения сохраняются, а ошибка возвращается вызывающему.
// Функция может вызываться повторно на свежей копии заказа.
type MutateFunc func(order *domain.Order) (save bool, err error)

// Runner сериализует изменения одного заказа.
type Runner struct {
	orders      domain.OrderRepository
	locker      domain.OrderLocker
	metrics     *metrics.Metrics
	logger      *log.Entry
	now         func() time.Time
	maxAttempts int
	baseDelay   time.Duration
}

// Option настраивает Runner.
type Option func(*Runner)

// WithClock подменяет источник времени для UpdatedAt.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// WithMaxAttempts задаёт число попыток сохранения при конфликте версий.
func WithMaxAttempts(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithBaseDelay задаёт первую паузу экспоненциального backoff.
func WithBaseDelay(d time.Duration) Option {
	return func(r *Runner) {
		if d >= 0 {
			r.baseDelay = d
		}
	}
}

// WithMetrics подключает счётчик конфликтов версий.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// New создаёт Runner. locker может быть nil: тогда остаётся только optimistic locking.
func New(orders domain.OrderRepository, locker domain.OrderLocker, logger *log.Entry, opts ...Option) *Runner {
	if logger == nil {
		logger = log.New().WithField("component", "order-tx")
	}
	r := &Runner{
		orders:      orders,
		locker:      locker,
		logger:      logger,
		now:         time.Now,
		maxAttempts: defaultMaxAttempts,
		baseDelay:   defaultBaseDelay,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Mutate применяет fn к актуальной версии заказа и сохраняет результат,
// перечитывая заказ при конфликте версий.
func (r *Runner) Mutate(ctx context.Context, orderID string, fn MutateFunc) (domain.Order, error) {
	return r.run(ctx, orderID, fn, r.maxAttempts)
}

// MutateOnce делает ровно одну попытку. Для fn с внешними побочными эффектами
// (возврат у шлюза), которые нельзя безопасно повторить.
func (r *Runner) MutateOnce(ctx context.Context, orderID string, fn MutateFunc) (domain.Order, error) {
	return r.run(ctx, orderID, fn, 1)
}

func (r *Runner) run(ctx context.Context, orderID string, fn MutateFunc, attempts int) (domain.Order, error) {
	if r.locker != nil {
		unlock, err := r.locker.Lock(ctx, orderID)
		if err != nil {
			return domain.Order{}, err
		}
		defer unlock()
	}

	delay := r.baseDelay
	for attempt := 1; ; attempt++ {
		order, err := r.orders.Get(ctx, orderID)
		if err != nil {
			return domain.Order{}, err
		}

		save, fnErr := fn(&order)
		if !save {
			return order, fnErr
		}

		order.UpdatedAt = r.now().UTC()
		err = r.orders.Save(ctx, &order)
		if err == nil {
			return order, fnErr
		}
		if !domain.IsVersionConflict(err) {
			r.logger.WithError(err).WithField("order_id", orderID).Error("failed to persist order")
			return domain.Order{}, err
		}

		r.metrics.VersionConflict()
		if attempt >= attempts {
			return domain.Order{}, err
		}
		r.logger.WithFields(log.Fields{
			"order_id": orderID,
			"attempt":  attempt,
			"version":  order.Version,
		}).Warn("version conflict detected, retrying")

		select {
		case <-ctx.Done():
			return domain.Order{}, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}
