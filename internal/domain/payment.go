package domain

import "time"

// PaymentStatus описывает состояние платежа, встроенного в заказ.
type PaymentStatus string

const (
	// PaymentStatusPending — платёж ещё не подтверждён.
	PaymentStatusPending PaymentStatus = "pending"
	// PaymentStatusPaid — деньги получены (захват у шлюза или наличные приняты).
	PaymentStatusPaid PaymentStatus = "paid"
	// PaymentStatusFailed — проверка платежа не прошла; повторная оплата требует нового заказа.
	PaymentStatusFailed PaymentStatus = "failed"
	// PaymentStatusRefunded — возврат инициирован у шлюза.
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// Valid проверяет, что статус платежа поддерживается.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusPaid, PaymentStatusFailed, PaymentStatusRefunded:
		return true
	default:
		return false
	}
}

// PaymentMethod: способ оплаты заказа.
type PaymentMethod string

const (
	PaymentMethodOnline PaymentMethod = "online"
	PaymentMethodCOD    PaymentMethod = "cod"
)

// Valid проверяет, что способ оплаты поддерживается.
func (m PaymentMethod) Valid() bool {
	return m == PaymentMethodOnline || m == PaymentMethodCOD
}

// ProviderRazorpay — провайдер онлайн-платежей по умолчанию.
const ProviderRazorpay = "razorpay"

// DefaultCurrency применяется, если клиент не передал валюту.
const DefaultCurrency = "INR"

// Payment: платёжная часть заказа. Amount фиксируется при создании и равен Pricing.TotalAmount.
type Payment struct {
	Amount           float64       `json:"amount"`
	Currency         string        `json:"currency"`
	Method           PaymentMethod `json:"method"`
	Provider         string        `json:"provider,omitempty"`
	TransactionID    string        `json:"transactionId,omitempty"`
	Status           PaymentStatus `json:"paymentStatus"`
	PaidAt           *time.Time    `json:"paidAt,omitempty"`
	GatewayOrderID   string        `json:"gatewayOrderId,omitempty"`
	GatewaySignature string        `json:"gatewaySignature,omitempty"`
}

// IsPaid сообщает, что платёж уже зачтён.
func (p Payment) IsPaid() bool {
	return p.Status == PaymentStatusPaid
}

// MarkPaid фиксирует успешную оплату. Повторный вызов для уже оплаченного платежа не меняет данные.
func (p *Payment) MarkPaid(transactionID string, paidAt time.Time) bool {
	if p.Status == PaymentStatusPaid {
		return false
	}
	p.Status = PaymentStatusPaid
	if transactionID != "" {
		p.TransactionID = transactionID
	}
	t := paidAt.UTC()
	p.PaidAt = &t
	return true
}

// MarkFailed переводит платёж в failed только из pending; paid и refunded не понижаются.
func (p *Payment) MarkFailed() bool {
	if p.Status != PaymentStatusPending {
		return false
	}
	p.Status = PaymentStatusFailed
	return true
}
