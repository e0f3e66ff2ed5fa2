package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/foodorders/internal/domain"
	"github.com/vladislavdragonenkov/foodorders/internal/metrics"
)

// Fanout рассылает событие всем приёмникам; ошибки собираются, но не прерывают рассылку.
type Fanout []domain.NotificationSink

func (f Fanout) Emit(ctx context.Context, event string, payload map[string]any) error {
	var errs []error
	for _, sink := range f {
		if err := sink.Emit(ctx, event, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OutboxSink сохраняет событие в transactional outbox для публикации в Kafka.
type OutboxSink struct {
	repo    domain.OutboxRepository
	metrics *metrics.Metrics
}

// NewOutboxSink создаёт приёмник поверх репозитория outbox.
func NewOutboxSink(repo domain.OutboxRepository, m *metrics.Metrics) *OutboxSink {
	return &OutboxSink{repo: repo, metrics: m}
}

func (s *OutboxSink) Emit(ctx context.Context, event string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal notification %s: %w", event, err)
	}
	if _, err := s.repo.Enqueue(ctx, domain.OutboxMessage{
		AggregateType: "order",
		AggregateID:   orderIDOf(payload),
		EventType:     event,
		Payload:       body,
	}); err != nil {
		return fmt.Errorf("enqueue notification %s: %w", event, err)
	}
	s.metrics.OutboxEvent()
	return nil
}

// TimelineSink дописывает событие в историю заказа.
type TimelineSink struct {
	repo    domain.TimelineRepository
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewTimelineSink создаёт приёмник истории. now == nil означает time.Now.
func NewTimelineSink(repo domain.TimelineRepository, m *metrics.Metrics, now func() time.Time) *TimelineSink {
	if now == nil {
		now = time.Now
	}
	return &TimelineSink{repo: repo, metrics: m, now: now}
}

func (s *TimelineSink) Emit(ctx context.Context, event string, payload map[string]any) error {
	orderID := orderIDOf(payload)
	if orderID == "" {
		return nil
	}
	reason, _ := payload["reason"].(string)
	status, _ := payload["status"].(string)
	paymentStatus, _ := payload["paymentStatus"].(string)
	if err := s.repo.Append(ctx, domain.TimelineEvent{
		OrderID:       orderID,
		Type:          event,
		Status:        domain.OrderStatus(status),
		PaymentStatus: domain.PaymentStatus(paymentStatus),
		Reason:        reason,
		Occurred:      s.now().UTC(),
	}); err != nil {
		return fmt.Errorf("append timeline %s: %w", event, err)
	}
	s.metrics.TimelineEvent()
	return nil
}

// LogSink пишет уведомление в лог. Используется, когда внешний брокер не настроен.
type LogSink struct {
	logger *log.Entry
}

// NewLogSink создаёт приёмник-логгер.
func NewLogSink(logger *log.Entry) *LogSink {
	if logger == nil {
		logger = log.New().WithField("component", "notify-log")
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(_ context.Context, event string, payload map[string]any) error {
	s.logger.WithFields(log.Fields{
		"event":    event,
		"order_id": orderIDOf(payload),
	}).Info("notification emitted")
	return nil
}

// Notification: запись, сохранённая Recorder.
type Notification struct {
	Event   string
	Payload map[string]any
}

// Recorder запоминает уведомления в памяти; тестовый приёмник и приёмник для локального запуска.
type Recorder struct {
	mu     sync.Mutex
	events []Notification
	err    error
}

// NewRecorder создаёт пустой Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// FailWith заставляет Emit возвращать err (после записи события).
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *Recorder) Emit(_ context.Context, event string, payload map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Notification{Event: event, Payload: payload})
	return r.err
}

// Events возвращает копию записанных уведомлений.
func (r *Recorder) Events() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.events))
	copy(out, r.events)
	return out
}

// Count считает уведомления с указанным именем.
func (r *Recorder) Count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Event == event {
			n++
		}
	}
	return n
}

func orderIDOf(payload map[string]any) string {
	id, _ := payload["orderId"].(string)
	return id
}

var (
	_ domain.NotificationSink = Fanout(nil)
	_ domain.NotificationSink = (*OutboxSink)(nil)
	_ domain.NotificationSink = (*TimelineSink)(nil)
	_ domain.NotificationSink = (*LogSink)(nil)
	_ domain.NotificationSink = (*Recorder)(nil)
)
