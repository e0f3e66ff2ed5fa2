// Package notify доставляет уведомления о заказах: асинхронная очередь поверх
// набора приёмников (outbox, история заказа, лог). Доставка best-effort.
package notify

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/foodorders/internal/domain"
	"github.com/vladislavdragonenkov/foodorders/internal/metrics"
)

const (
	defaultBuffer      = 256
	defaultEmitTimeout = 5 * time.Second
)

type envelope struct {
	ctx     context.Context
	event   string
	payload map[string]any
}

// Async ставит уведомления в буферизированную очередь и отдаёт их приёмнику
// в отдельной горутине. Emit никогда не блокирует и не возвращает ошибку:
// при переполнении очереди событие отбрасывается с предупреждением в лог.
type Async struct {
	next    domain.NotificationSink
	queue   chan envelope
	logger  *log.Entry
	metrics *metrics.Metrics
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewAsync запускает воркер доставки. buffer <= 0 означает размер по умолчанию.
func NewAsync(next domain.NotificationSink, buffer int, logger *log.Entry, m *metrics.Metrics) *Async {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if logger == nil {
		logger = log.New().WithField("component", "notify")
	}
	a := &Async{
		next:    next,
		queue:   make(chan envelope, buffer),
		logger:  logger,
		metrics: m,
		timeout: defaultEmitTimeout,
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

// Emit копирует payload и ставит событие в очередь.
func (a *Async) Emit(ctx context.Context, event string, payload map[string]any) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		a.drop(event, "notifier closed")
		return nil
	}

	copied := make(map[string]any, len(payload))
	for k, v := range payload {
		copied[k] = v
	}

	select {
	case a.queue <- envelope{ctx: context.WithoutCancel(ctx), event: event, payload: copied}:
	default:
		a.drop(event, "queue full")
	}
	return nil
}

// Close перестаёт принимать события и ждёт доставки очереди или отмены ctx.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Async) run() {
	defer close(a.done)

	for env := range a.queue {
		ctx, cancel := context.WithTimeout(env.ctx, a.timeout)
		if err := a.next.Emit(ctx, env.event, env.payload); err != nil {
			a.metrics.NotificationDropped()
			a.logger.WithError(err).WithFields(log.Fields{
				"event":    env.event,
				"order_id": env.payload["orderId"],
			}).Warn("notification delivery failed")
		}
		cancel()
	}
}

func (a *Async) drop(event, reason string) {
	a.metrics.NotificationDropped()
	a.logger.WithFields(log.Fields{
		"event":  event,
		"reason": reason,
	}).Warn("notification dropped")
}

var _ domain.NotificationSink = (*Async)(nil)
