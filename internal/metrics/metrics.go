package metrics

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "foodorders"

// Metrics собирает бизнес-метрики заказов и платежей.
// Все методы безопасны для nil-получателя: в тестах метрики можно не подключать.
type Metrics struct {
	ordersCreated      *prometheus.CounterVec
	transitions        *prometheus.CounterVec
	paymentOutcomes    *prometheus.CounterVec
	webhookEvents      *prometheus.CounterVec
	refunds            *prometheus.CounterVec
	gatewayDuration    *prometheus.HistogramVec
	versionConflicts   prometheus.Counter
	notificationsDrops prometheus.Counter
	timelineEvents     prometheus.Counter
	outboxEvents       prometheus.Counter
	outboxPublish      *prometheus.CounterVec
	outboxPending      prometheus.Gauge
	outboxOldestAge    prometheus.Gauge
	idempotencyPurged  prometheus.Counter
	httpDuration       *prometheus.HistogramVec
}

// New регистрирует метрики в DefaultRegisterer.
func New() *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer регистрирует метрики в переданном реестре.
// Повторная регистрация возвращает уже существующие коллекторы.
func NewWithRegisterer(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		ordersCreated: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_created_total",
			Help:      "Orders created, by payment method",
		}, []string{"method"})),
		transitions: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_transitions_total",
			Help:      "Applied order status transitions",
		}, []string{"from", "to"})),
		paymentOutcomes: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_outcomes_total",
			Help:      "Payment reconciliation outcomes by entry path",
		}, []string{"path", "outcome"})),
		webhookEvents: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Gateway webhook events by type and result",
		}, []string{"event", "result"})),
		refunds: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refunds_total",
			Help:      "Refund attempts by result",
		}, []string{"result"})),
		gatewayDuration: register(registerer, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_request_duration_seconds",
			Help:      "Payment gateway call latency",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"operation", "result"})),
		versionConflicts: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_version_conflicts_total",
			Help:      "Optimistic locking conflicts on order save",
		})),
		notificationsDrops: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_dropped_total",
			Help:      "Notifications dropped because the async queue was full or the sink failed",
		})),
		timelineEvents: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timeline_events_total",
			Help:      "Order timeline events recorded",
		})),
		outboxEvents: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_events_total",
			Help:      "Notification events enqueued to the outbox",
		})),
		outboxPublish: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_publish_attempts_total",
			Help:      "Outbox publish attempts grouped by result",
		}, []string{"result"})),
		outboxPending: register(registerer, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_pending_records",
			Help:      "Current number of pending records in the outbox",
		})),
		outboxOldestAge: register(registerer, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_oldest_pending_age_seconds",
			Help:      "Age of the oldest pending outbox record",
		})),
		idempotencyPurged: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idempotency_keys_purged_total",
			Help:      "Expired idempotency records removed by the cleanup worker",
		})),
		httpDuration: register(registerer, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP API latency by route and status code",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "code"})),
	}
}

func register[T prometheus.Collector](registerer prometheus.Registerer, collector T) T {
	if err := registerer.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			existing, ok := already.ExistingCollector.(T)
			if !ok {
				panic(fmt.Sprintf("collector already registered with unexpected type %T", already.ExistingCollector))
			}
			return existing
		}
		panic(fmt.Sprintf("register collector: %v", err))
	}
	return collector
}

// OrderCreated учитывает созданный заказ.
func (m *Metrics) OrderCreated(method string) {
	if m == nil {
		return
	}
	m.ordersCreated.WithLabelValues(method).Inc()
}

// Transition учитывает применённый переход статуса.
func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// PaymentOutcome учитывает результат сверки платежа (path: callback|webhook|cod).
func (m *Metrics) PaymentOutcome(path, outcome string) {
	if m == nil {
		return
	}
	m.paymentOutcomes.WithLabelValues(path, outcome).Inc()
}

// WebhookEvent учитывает обработанное событие вебхука.
func (m *Metrics) WebhookEvent(event, result string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(event, result).Inc()
}

// Refund учитывает попытку возврата.
func (m *Metrics) Refund(result string) {
	if m == nil {
		return
	}
	m.refunds.WithLabelValues(result).Inc()
}

// GatewayCall фиксирует длительность запроса к шлюзу.
func (m *Metrics) GatewayCall(operation string, err error, d time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.gatewayDuration.WithLabelValues(operation, result).Observe(d.Seconds())
}

// VersionConflict учитывает конфликт optimistic locking.
func (m *Metrics) VersionConflict() {
	if m == nil {
		return
	}
	m.versionConflicts.Inc()
}

// NotificationDropped учитывает потерянное уведомление.
func (m *Metrics) NotificationDropped() {
	if m == nil {
		return
	}
	m.notificationsDrops.Inc()
}

// TimelineEvent учитывает запись в историю заказа.
func (m *Metrics) TimelineEvent() {
	if m == nil {
		return
	}
	m.timelineEvents.Inc()
}

// OutboxEvent учитывает событие, поставленное в outbox.
func (m *Metrics) OutboxEvent() {
	if m == nil {
		return
	}
	m.outboxEvents.Inc()
}

// OutboxPublish учитывает попытку публикации (sent|retry_error|failed|dlq_failed).
func (m *Metrics) OutboxPublish(result string) {
	if m == nil {
		return
	}
	m.outboxPublish.WithLabelValues(result).Inc()
}

// OutboxBacklog выставляет размер backlog и возраст самой старой записи.
func (m *Metrics) OutboxBacklog(pending int, oldest time.Duration) {
	if m == nil {
		return
	}
	if oldest < 0 {
		oldest = 0
	}
	m.outboxPending.Set(float64(pending))
	m.outboxOldestAge.Set(oldest.Seconds())
}

// IdempotencyPurged учитывает удалённые просроченные ключи.
func (m *Metrics) IdempotencyPurged(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.idempotencyPurged.Add(float64(n))
}

// HTTPRequest фиксирует длительность обработки запроса API.
func (m *Metrics) HTTPRequest(method, route string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpDuration.WithLabelValues(method, route, strconv.Itoa(code)).Observe(d.Seconds())
}
