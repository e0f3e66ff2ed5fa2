// Package gateway содержит обёртки над domain.GatewayClient: circuit breaker
// с метриками и in-memory шлюз для тестов и локального запуска.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/foodorders/internal/domain"
	"github.com/vladislavdragonenkov/foodorders/internal/metrics"
)

// StatusError — ответ шлюза с кодом, отличным от 2xx.
type StatusError struct {
	StatusCode  int
	Code        string
	Description string
}

func (e *StatusError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("gateway responded with status %d", e.StatusCode)
	}
	return fmt.Sprintf("gateway responded with status %d: %s (%s)", e.StatusCode, e.Description, e.Code)
}

// IsServerFailure сообщает, что ошибка говорит о недоступности шлюза, а не о плохом запросе.
func IsServerFailure(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500 || se.StatusCode == 429
	}
	return !errors.Is(err, context.Canceled)
}

// Guarded пропускает вызовы шлюза через circuit breaker и замеряет их длительность.
type Guarded struct {
	next    domain.GatewayClient
	breaker *CircuitBreaker
	metrics *metrics.Metrics
}

// NewGuarded оборачивает клиента. breaker и m могут быть nil.
func NewGuarded(next domain.GatewayClient, breaker *CircuitBreaker, m *metrics.Metrics) *Guarded {
	return &Guarded{next: next, breaker: breaker, metrics: m}
}

func (g *Guarded) CreateOrder(ctx context.Context, amountMinor int64, currency, receipt string) (domain.GatewayOrder, error) {
	var out domain.GatewayOrder
	err := g.call("create_order", func() error {
		var err error
		out, err = g.next.CreateOrder(ctx, amountMinor, currency, receipt)
		return err
	})
	return out, err
}

func (g *Guarded) FetchPayment(ctx context.Context, paymentID string) (domain.GatewayPayment, error) {
	var out domain.GatewayPayment
	err := g.call("fetch_payment", func() error {
		var err error
		out, err = g.next.FetchPayment(ctx, paymentID)
		return err
	})
	return out, err
}

func (g *Guarded) Refund(ctx context.Context, paymentID string, amountMinor int64, notes map[string]string) (domain.GatewayRefund, error) {
	var out domain.GatewayRefund
	err := g.call("refund", func() error {
		var err error
		out, err = g.next.Refund(ctx, paymentID, amountMinor, notes)
		return err
	})
	return out, err
}

func (g *Guarded) call(operation string, fn func() error) error {
	started := time.Now()
	var err error
	if g.breaker != nil {
		err = g.breaker.Execute(operation, fn, IsServerFailure)
	} else {
		err = fn()
	}
	if !errors.Is(err, ErrCircuitOpen) {
		g.metrics.GatewayCall(operation, err, time.Since(started))
	}
	return err
}

var _ domain.GatewayClient = (*Guarded)(nil)
