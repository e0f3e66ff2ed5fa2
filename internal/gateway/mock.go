package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/foodorders/internal/domain"
)

// MockGateway: in-memory платёжный шлюз для тестов и локального запуска без ключей.
// Платежи регистрируются вручную через Capture/AddPayment.
type MockGateway struct {
	mu       sync.Mutex
	seq      int
	orders   map[string]domain.GatewayOrder
	payments map[string]domain.GatewayPayment
	refunds  []domain.GatewayRefund

	createErr error
	fetchErr  error
	refundErr error

	createCalls int
	fetchCalls  int
	refundCalls int
}

// NewMockGateway возвращает mock с успешным сценарием по умолчанию.
func NewMockGateway() *MockGateway {
	return &MockGateway{
		orders:   make(map[string]domain.GatewayOrder),
		payments: make(map[string]domain.GatewayPayment),
	}
}

// FailCreateOrder задаёт ошибку для последующих CreateOrder (nil сбрасывает).
func (m *MockGateway) FailCreateOrder(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createErr = err
}

// FailFetch задаёт ошибку для последующих FetchPayment.
func (m *MockGateway) FailFetch(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchErr = err
}

// FailRefund задаёт ошибку для последующих Refund.
func (m *MockGateway) FailRefund(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refundErr = err
}

func (m *MockGateway) CreateOrder(_ context.Context, amountMinor int64, currency, receipt string) (domain.GatewayOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.createCalls++
	if m.createErr != nil {
		return domain.GatewayOrder{}, m.createErr
	}
	m.seq++
	order := domain.GatewayOrder{
		ID:        fmt.Sprintf("order_mock_%d", m.seq),
		Entity:    "order",
		Amount:    amountMinor,
		Currency:  currency,
		Receipt:   receipt,
		Status:    "created",
		CreatedAt: time.Now().Unix(),
	}
	m.orders[order.ID] = order
	return order, nil
}

func (m *MockGateway) FetchPayment(_ context.Context, paymentID string) (domain.GatewayPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fetchCalls++
	if m.fetchErr != nil {
		return domain.GatewayPayment{}, m.fetchErr
	}
	payment, ok := m.payments[paymentID]
	if !ok {
		return domain.GatewayPayment{}, &StatusError{StatusCode: 400, Code: "BAD_REQUEST_ERROR", Description: "The id provided does not exist"}
	}
	return payment, nil
}

func (m *MockGateway) Refund(_ context.Context, paymentID string, amountMinor int64, _ map[string]string) (domain.GatewayRefund, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.refundCalls++
	if m.refundErr != nil {
		return domain.GatewayRefund{}, m.refundErr
	}
	m.seq++
	refund := domain.GatewayRefund{
		ID:        fmt.Sprintf("rfnd_mock_%d", m.seq),
		PaymentID: paymentID,
		Amount:    amountMinor,
		Status:    "processed",
	}
	m.refunds = append(m.refunds, refund)
	return refund, nil
}

// Capture регистрирует захваченный платёж по ранее созданному gateway order на полную сумму.
func (m *MockGateway) Capture(gatewayOrderID, paymentID string) (domain.GatewayPayment, error) {
	m.mu.Lock()
	order, ok := m.orders[gatewayOrderID]
	m.mu.Unlock()
	if !ok {
		return domain.GatewayPayment{}, fmt.Errorf("gateway order %s not found", gatewayOrderID)
	}

	payment := domain.GatewayPayment{
		ID:        paymentID,
		OrderID:   gatewayOrderID,
		Amount:    order.Amount,
		Currency:  order.Currency,
		Status:    domain.GatewayPaymentCaptured,
		Method:    "upi",
		CreatedAt: time.Now().Unix(),
	}
	m.AddPayment(payment)
	return payment, nil
}

// AddPayment регистрирует произвольный платёж (например, с расхождением суммы).
func (m *MockGateway) AddPayment(p domain.GatewayPayment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments[p.ID] = p
}

// Refunds возвращает копию выполненных возвратов.
func (m *MockGateway) Refunds() []domain.GatewayRefund {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.GatewayRefund, len(m.refunds))
	copy(out, m.refunds)
	return out
}

// Calls возвращает число вызовов CreateOrder, FetchPayment и Refund.
func (m *MockGateway) Calls() (create, fetch, refund int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createCalls, m.fetchCalls, m.refundCalls
}

var _ domain.GatewayClient = (*MockGateway)(nil)
