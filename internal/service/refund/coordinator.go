// Package refund инициирует возврат денег по оплаченному онлайн-заказу.
package refund

import (
	"context"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/foodorders/internal/domain"
	"github.com/vladislavdragonenkov/foodorders/internal/metrics"
	"github.com/vladislavdragonenkov/foodorders/internal/service/ordertx"
	"github.com/vladislavdragonenkov/foodorders/internal/service/pricing"
)

// DefaultReason подставляется в notes возврата, если причина не передана.
const DefaultReason = "Order cancelled by customer"

const defaultGatewayTimeout = 15 * time.Second

// Outcome: результат Initiate.
type Outcome struct {
	AlreadyRefunded bool
	// Refund заполнен, только если шлюз принял возврат в этом вызове.
	Refund *domain.GatewayRefund
}

// Result: результат RefundOrder.
type Result struct {
	Order           domain.Order          `json:"order"`
	AlreadyRefunded bool                  `json:"alreadyRefunded"`
	Refund          *domain.GatewayRefund `json:"refund,omitempty"`
}

// Coordinator вызывает возврат у шлюза и оптимистично помечает платёж refunded,
// не дожидаясь вебхука refund.processed.
type Coordinator struct {
	gateway  domain.GatewayClient
	runner   *ordertx.Runner
	notifier domain.NotificationSink
	metrics  *metrics.Metrics
	logger   *log.Entry
	timeout  time.Duration
}

// Option настраивает Coordinator.
type Option func(*Coordinator)

// WithMetrics подключает метрики возвратов.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithGatewayTimeout ограничивает время вызова Refund у шлюза.
func WithGatewayTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// New создаёт Coordinator.
func New(gateway domain.GatewayClient, runner *ordertx.Runner, notifier domain.NotificationSink, logger *log.Entry, opts ...Option) *Coordinator {
	if logger == nil {
		logger = log.New().WithField("component", "refund")
	}
	c := &Coordinator{
		gateway:  gateway,
		runner:   runner,
		notifier: notifier,
		logger:   logger,
		timeout:  defaultGatewayTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Initiate проверяет предусловия, вызывает возврат у шлюза и меняет статус платежа
// в переданном заказе. Сохранение остаётся за вызывающим.
// Ошибка шлюза возвращается как есть, заказ при этом не меняется.
func (c *Coordinator) Initiate(ctx context.Context, order *domain.Order, reason string) (Outcome, error) {
	if order.Payment.TransactionID == "" {
		return Outcome{}, domain.Unprocessablef("order %s has no captured payment to refund", order.ID)
	}
	if order.Payment.Status == domain.PaymentStatusRefunded {
		return Outcome{AlreadyRefunded: true}, nil
	}
	if order.Payment.Status != domain.PaymentStatusPaid {
		return Outcome{}, domain.Conflictf("payment is %s; only paid payments can be refunded", order.Payment.Status)
	}

	reason = normalizeReason(reason)
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	refund, err := c.gateway.Refund(callCtx, order.Payment.TransactionID, pricing.MinorUnits(order.Payment.Amount), map[string]string{
		"orderId": order.ID,
		"reason":  reason,
	})
	if err != nil {
		c.metrics.Refund("error")
		c.logger.WithError(err).WithFields(log.Fields{
			"order_id":       order.ID,
			"transaction_id": order.Payment.TransactionID,
		}).Error("gateway refund failed")
		return Outcome{}, fmt.Errorf("refund payment %s: %w", order.Payment.TransactionID, err)
	}

	order.Payment.Status = domain.PaymentStatusRefunded
	c.metrics.Refund("ok")
	c.logger.WithFields(log.Fields{
		"order_id":  order.ID,
		"refund_id": refund.ID,
		"amount":    refund.Amount,
	}).Info("refund initiated")
	return Outcome{Refund: &refund}, nil
}

// Announce отправляет уведомление о возврате после того, как заказ сохранён.
func (c *Coordinator) Announce(ctx context.Context, order domain.Order, outcome Outcome, reason string) {
	if outcome.Refund == nil || c.notifier == nil {
		return
	}
	payload := order.NotificationPayload()
	payload["refundId"] = outcome.Refund.ID
	payload["reason"] = normalizeReason(reason)
	if err := c.notifier.Emit(ctx, domain.EventPaymentRefunded, payload); err != nil {
		c.logger.WithError(err).WithField("order_id", order.ID).Warn("failed to emit refund notification")
	}
}

// RefundOrder: самостоятельный возврат по идентификатору заказа (административный путь).
func (c *Coordinator) RefundOrder(ctx context.Context, orderID, reason string) (Result, error) {
	var outcome Outcome
	order, err := c.runner.MutateOnce(ctx, orderID, func(order *domain.Order) (bool, error) {
		var err error
		outcome, err = c.Initiate(ctx, order, reason)
		return outcome.Refund != nil, err
	})
	if err != nil {
		if outcome.Refund != nil {
			c.logger.WithError(err).WithFields(log.Fields{
				"order_id":  orderID,
				"refund_id": outcome.Refund.ID,
			}).Error("refund issued at gateway but order state was not persisted")
		}
		return Result{}, err
	}

	c.Announce(ctx, order, outcome, reason)
	return Result{Order: order, AlreadyRefunded: outcome.AlreadyRefunded, Refund: outcome.Refund}, nil
}

func normalizeReason(reason string) string {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return DefaultReason
	}
	return reason
}
