package domain

import "time"

// TimelineEvent описывает событие в жизненном цикле заказа.
// Status и PaymentStatus фиксируют состояние заказа сразу после события.
type TimelineEvent struct {
	OrderID       string        `json:"orderId"`
	Type          string        `json:"type"`
	Status        OrderStatus   `json:"status,omitempty"`
	PaymentStatus PaymentStatus `json:"paymentStatus,omitempty"`
	Reason        string        `json:"reason,omitempty"`
	Occurred      time.Time     `json:"occurred"`
}

// Имена событий, которые ядро отправляет в NotificationSink и в историю заказа.
const (
	EventOrderCreated        = "order.created"
	EventOrderStatusChanged  = "order.status_changed"
	EventOrderCancelled      = "order.cancelled"
	EventPaymentPaid         = "payment.paid"
	EventPaymentFailed       = "payment.failed"
	EventPaymentRefunded     = "payment.refunded"
	EventRefundProcessed     = "refund.processed"
	EventCodPaymentConfirmed = "payment.cod_confirmed"

	// EventPaymentCapturedAfterCancel: деньги пришли по уже отменённому заказу, нужен ручной возврат.
	EventPaymentCapturedAfterCancel = "payment.captured_after_cancel"
)

// NotificationPayload: общая часть полезной нагрузки уведомлений о заказе.
func (o Order) NotificationPayload() map[string]any {
	return map[string]any{
		"orderId":       o.ID,
		"userId":        o.UserID,
		"status":        string(o.Status),
		"paymentStatus": string(o.Payment.Status),
		"paymentMethod": string(o.Payment.Method),
		"amount":        o.Payment.Amount,
		"currency":      o.Payment.Currency,
	}
}
