package domain

import (
	"context"
	"time"
)

// GatewayPaymentCaptured — статус платежа у шлюза после захвата средств.
const GatewayPaymentCaptured = "captured"

// GatewayOrder: платёжное намерение на стороне шлюза. Отдаётся клиенту для открытия checkout.
type GatewayOrder struct {
	ID        string `json:"id"`
	Entity    string `json:"entity,omitempty"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Receipt   string `json:"receipt"`
	Status    string `json:"status,omitempty"`
	CreatedAt int64  `json:"created_at,omitempty"`
}

// GatewayPayment: авторитетное состояние платежа у шлюза. Amount в минимальных единицах.
type GatewayPayment struct {
	ID        string `json:"id"`
	OrderID   string `json:"order_id"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Status    string `json:"status"`
	Method    string `json:"method,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// GatewayRefund: результат запроса на возврат.
type GatewayRefund struct {
	ID        string `json:"id"`
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
	Status    string `json:"status,omitempty"`
}

// GatewayClient описывает взаимодействие с платёжным шлюзом.
// Все вызовы блокирующие; таймаут задаётся контекстом вызывающего.
type GatewayClient interface {
	// CreateOrder создаёт платёжное намерение на сумму в минимальных единицах.
	CreateOrder(ctx context.Context, amountMinor int64, currency, receipt string) (GatewayOrder, error)
	// FetchPayment возвращает платёж по идентификатору шлюза.
	FetchPayment(ctx context.Context, paymentID string) (GatewayPayment, error)
	// Refund инициирует возврат по захваченному платежу.
	Refund(ctx context.Context, paymentID string, amountMinor int64, notes map[string]string) (GatewayRefund, error)
}

// NotificationSink принимает исходящие уведомления. Best-effort: ошибки не влияют на основную операцию.
type NotificationSink interface {
	Emit(ctx context.Context, event string, payload map[string]any) error
}

// OrderLocker сериализует изменения одного заказа между конкурентными запросами.
type OrderLocker interface {
	// Lock блокирует заказ и возвращает функцию освобождения.
	Lock(ctx context.Context, orderID string) (unlock func(), err error)
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(ctx context.Context, event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// TimelineRepository хранит события жизненного цикла заказа.
type TimelineRepository interface {
	Append(ctx context.Context, event TimelineEvent) error
	List(ctx context.Context, orderID string) ([]TimelineEvent, error)
}

// IdempotencyRepository хранит состояние обработки запросов по ключу идемпотентности.
type IdempotencyRepository interface {
	CreateProcessing(ctx context.Context, key, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(ctx context.Context, key string) (IdempotencyRecord, error)
	MarkDone(ctx context.Context, key string, responseBody []byte, httpStatus int) error
	MarkFailed(ctx context.Context, key string, responseBody []byte, httpStatus int) error
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}
