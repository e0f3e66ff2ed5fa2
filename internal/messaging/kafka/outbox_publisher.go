package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/vladislavdragonenkov/foodorders/internal/domain"
)

var errPublisherNotReady = errors.New("kafka notification publisher is not initialized")

// Envelope: тело сообщения в топике уведомлений.
type Envelope struct {
	ID          string          `json:"id"`
	Event       string          `json:"event"`
	OrderID     string          `json:"orderId"`
	Payload     json.RawMessage `json:"payload"`
	PublishedAt time.Time       `json:"publishedAt"`
}

// NotificationPublisher публикует сообщения outbox в топик; ключ — ID заказа,
// поэтому события одного заказа попадают в одну партицию и сохраняют порядок.
type NotificationPublisher struct {
	producer *Producer
	topic    string
}

// NewNotificationPublisher создаёт publisher. Пустой topic — TopicOrderNotifications.
func NewNotificationPublisher(producer *Producer, topic string) *NotificationPublisher {
	if topic == "" {
		topic = TopicOrderNotifications
	}
	return &NotificationPublisher{producer: producer, topic: topic}
}

func (p *NotificationPublisher) Publish(ctx context.Context, msg domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return errPublisherNotReady
	}

	key := msg.AggregateID
	if key == "" {
		key = msg.ID
	}

	body, err := json.Marshal(Envelope{
		ID:          msg.ID,
		Event:       msg.EventType,
		OrderID:     msg.AggregateID,
		Payload:     json.RawMessage(msg.Payload),
		PublishedAt: p.producer.now().UTC(),
	})
	if err != nil {
		return err
	}

	return p.producer.Send(ctx, p.topic, key, body, map[string]string{
		HeaderEventType:   msg.EventType,
		HeaderOutboxID:    msg.ID,
		HeaderAggregateID: msg.AggregateID,
	})
}

var _ domain.OutboxPublisher = (*NotificationPublisher)(nil)
