// Package payment сверяет подтверждения оплаты от клиента и от вебхуков шлюза
// с локальным состоянием заказа.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/foodorders/internal/domain"
	"github.com/vladislavdragonenkov/foodorders/internal/metrics"
	"github.com/vladislavdragonenkov/foodorders/internal/service/ordertx"
	"github.com/vladislavdragonenkov/foodorders/internal/service/pricing"
)

const (
	defaultGatewayTimeout = 15 * time.Second
	tracerName            = "github.com/vladislavdragonenkov/foodorders/internal/service/payment"

	pathCallback = "callback"
	pathWebhook  = "webhook"
	pathCOD      = "cod"
)

// События вебхука, которые обрабатывает сверка.
const (
	WebhookPaymentCaptured = "payment.captured"
	WebhookPaymentFailed   = "payment.failed"
	WebhookRefundProcessed = "refund.processed"
)

// Secrets — секреты шлюза: KeySecret подписывает checkout callback, WebhookSecret — вебхуки.
type Secrets struct {
	KeySecret     string
	WebhookSecret string
}

// VerifyInput: данные checkout callback.
type VerifyInput struct {
	GatewayOrderID   string
	GatewayPaymentID string
	GatewaySignature string
	// ScopedUserID пустой — без проверки владельца.
	ScopedUserID string
}

// Result: итог операции над платежом.
type Result struct {
	Order       domain.Order `json:"order"`
	AlreadyPaid bool         `json:"alreadyPaid"`
}

// WebhookResult описывает, как было обработано событие вебхука.
type WebhookResult struct {
	Event           string `json:"event"`
	Processed       bool   `json:"processed"`
	AlreadyPaid     bool   `json:"alreadyPaid,omitempty"`
	AlreadyRefunded bool   `json:"alreadyRefunded,omitempty"`
	OrderID         string `json:"orderId,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

// StatusView: срез платёжного состояния заказа.
type StatusView struct {
	OrderID     string             `json:"orderId"`
	OrderStatus domain.OrderStatus `json:"orderStatus"`
	Payment     domain.Payment     `json:"payment"`
}

type webhookEnvelope struct {
	Event   string `json:"event"`
	Payload struct {
		Payment *struct {
			Entity domain.GatewayPayment `json:"entity"`
		} `json:"payment"`
		Refund *struct {
			Entity domain.GatewayRefund `json:"entity"`
		} `json:"refund"`
	} `json:"payload"`
}

// Reconciler применяет подтверждения оплаты к заказу. Callback и вебхук сходятся
// к одному конечному состоянию через общие проверки идемпотентности.
type Reconciler struct {
	orders   domain.OrderRepository
	runner   *ordertx.Runner
	gateway  domain.GatewayClient
	notifier domain.NotificationSink
	secrets  Secrets
	metrics  *metrics.Metrics
	logger   *log.Entry
	tracer   trace.Tracer
	now      func() time.Time
	timeout  time.Duration
}

// Option настраивает Reconciler.
type Option func(*Reconciler)

// WithClock подменяет источник времени для paidAt.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// WithMetrics подключает метрики сверки.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// WithGatewayTimeout ограничивает время FetchPayment.
func WithGatewayTimeout(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// New собирает Reconciler.
func New(
	orders domain.OrderRepository,
	runner *ordertx.Runner,
	gateway domain.GatewayClient,
	notifier domain.NotificationSink,
	secrets Secrets,
	logger *log.Entry,
	opts ...Option,
) *Reconciler {
	if logger == nil {
		logger = log.New().WithField("component", "payment")
	}
	r := &Reconciler{
		orders:   orders,
		runner:   runner,
		gateway:  gateway,
		notifier: notifier,
		secrets:  secrets,
		logger:   logger,
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
		timeout:  defaultGatewayTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// VerifyAndCapture проверяет checkout callback и зачитывает оплату.
// Повторный вызов для оплаченного заказа возвращает AlreadyPaid без изменений.
func (r *Reconciler) VerifyAndCapture(ctx context.Context, in VerifyInput) (Result, error) {
	orderID := strings.TrimSpace(in.GatewayOrderID)
	paymentID := strings.TrimSpace(in.GatewayPaymentID)
	signature := strings.TrimSpace(in.GatewaySignature)
	if orderID == "" || paymentID == "" || signature == "" {
		return Result{}, domain.Validationf("gateway order id, payment id and signature are required")
	}

	order, err := r.orders.FindByGatewayOrderID(ctx, orderID)
	if err != nil {
		return Result{}, err
	}
	if in.ScopedUserID != "" && order.UserID != in.ScopedUserID {
		return Result{}, domain.ErrOrderNotFound
	}
	if alreadyPaid, err := callbackGate(order); alreadyPaid || err != nil {
		r.outcome(pathCallback, "already_paid", err)
		return Result{Order: order, AlreadyPaid: alreadyPaid}, err
	}
	if r.secrets.KeySecret == "" {
		return Result{}, &domain.Error{Kind: domain.KindConfiguration, Message: "gateway key secret is not configured"}
	}

	logger := r.logger.WithFields(log.Fields{
		"order_id":         order.ID,
		"gateway_order_id": orderID,
		"payment_id":       paymentID,
	})

	if !VerifySignature(r.secrets.KeySecret, CallbackMessage(orderID, paymentID), signature) {
		logger.Warn("payment callback signature mismatch")
		return r.rejectCallback(ctx, order.ID, domain.ErrSignatureInvalid, "signature_invalid")
	}

	gwPayment, err := r.fetchPayment(ctx, paymentID)
	if err != nil {
		logger.WithError(err).Error("failed to fetch payment from gateway")
		return Result{}, err
	}

	expectedMinor := pricing.MinorUnits(order.Payment.Amount)
	if gwPayment.Amount != expectedMinor {
		logger.WithFields(log.Fields{
			"expected": expectedMinor,
			"actual":   gwPayment.Amount,
		}).Warn("payment amount mismatch")
		return r.rejectCallback(ctx, order.ID, &domain.Error{
			Kind:    domain.KindAmountMismatch,
			Message: fmt.Sprintf("gateway amount %d does not match order amount %d", gwPayment.Amount, expectedMinor),
		}, "amount_mismatch")
	}
	if !strings.EqualFold(gwPayment.Currency, order.Payment.Currency) {
		logger.WithField("currency", gwPayment.Currency).Warn("payment currency mismatch")
		return r.rejectCallback(ctx, order.ID, &domain.Error{
			Kind:    domain.KindCurrencyMismatch,
			Message: fmt.Sprintf("gateway currency %s does not match order currency %s", gwPayment.Currency, order.Payment.Currency),
		}, "currency_mismatch")
	}
	if gwPayment.Status != domain.GatewayPaymentCaptured {
		r.outcome(pathCallback, "not_captured", nil)
		return Result{}, &domain.Error{
			Kind:    domain.KindNotCaptured,
			Message: fmt.Sprintf("payment is %s at the gateway, not captured", gwPayment.Status),
		}
	}

	var alreadyPaid, confirmed bool
	updated, err := r.runner.Mutate(ctx, order.ID, func(o *domain.Order) (bool, error) {
		var gateErr error
		alreadyPaid, gateErr = callbackGate(*o)
		if alreadyPaid || gateErr != nil {
			return false, gateErr
		}
		confirmed = r.applyPaid(o, paymentID, r.now())
		o.Payment.GatewaySignature = signature
		return true, nil
	})
	if err != nil {
		r.outcome(pathCallback, "error", err)
		return Result{}, err
	}
	if alreadyPaid {
		r.outcome(pathCallback, "already_paid", nil)
		return Result{Order: updated, AlreadyPaid: true}, nil
	}

	r.outcome(pathCallback, "paid", nil)
	logger.Info("payment captured via callback")
	r.announcePaid(ctx, updated, confirmed)
	return Result{Order: updated}, nil
}

// callbackGate: проверки шага идемпотентности и допустимости callback.
func callbackGate(order domain.Order) (alreadyPaid bool, err error) {
	if order.Payment.IsPaid() {
		return true, nil
	}
	if order.Payment.Method != domain.PaymentMethodOnline {
		return false, domain.Conflictf("order is not paid online")
	}
	switch order.Payment.Status {
	case domain.PaymentStatusFailed:
		return false, domain.Conflictf("payment verification already failed for this order; place a new order")
	case domain.PaymentStatusRefunded:
		return false, domain.Conflictf("payment for this order has been refunded")
	}
	return false, nil
}

// rejectCallback помечает платёж failed (только из pending) и возвращает cause.
func (r *Reconciler) rejectCallback(ctx context.Context, orderID string, cause error, outcome string) (Result, error) {
	var alreadyPaid, changed bool
	updated, err := r.runner.Mutate(ctx, orderID, func(o *domain.Order) (bool, error) {
		alreadyPaid = o.Payment.IsPaid()
		if alreadyPaid {
			return false, nil
		}
		changed = o.Payment.MarkFailed()
		return changed, cause
	})
	if alreadyPaid {
		// Пока шла проверка, оплату зачёл вебхук: повторный callback ничего не портит.
		r.outcome(pathCallback, "already_paid", nil)
		return Result{Order: updated, AlreadyPaid: true}, nil
	}
	if errors.Is(err, cause) {
		r.outcome(pathCallback, outcome, nil)
		if changed {
			r.emit(ctx, domain.EventPaymentFailed, updated, map[string]any{"reason": outcome})
		}
	}
	return Result{}, err
}

func (r *Reconciler) fetchPayment(ctx context.Context, paymentID string) (domain.GatewayPayment, error) {
	ctx, span := r.tracer.Start(ctx, "gateway.FetchPayment", trace.WithAttributes(
		attribute.String("payment.id", paymentID),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	payment, err := r.gateway.FetchPayment(ctx, paymentID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch payment")
		return domain.GatewayPayment{}, fmt.Errorf("fetch payment %s: %w", paymentID, err)
	}
	span.SetAttributes(attribute.String("payment.status", payment.Status))
	return payment, nil
}

// applyPaid зачитывает оплату и переводит placed → confirmed. Возвращает true, если статус заказа изменился.
func (r *Reconciler) applyPaid(o *domain.Order, paymentID string, paidAt time.Time) bool {
	o.Payment.MarkPaid(paymentID, paidAt)
	if o.Status == domain.OrderStatusPlaced {
		o.Status = domain.OrderStatusConfirmed
		return true
	}
	if o.Status != domain.OrderStatusConfirmed {
		r.logger.WithFields(log.Fields{
			"order_id": o.ID,
			"status":   o.Status,
		}).Warn("payment captured for order that is no longer awaiting payment; manual refund may be required")
	}
	return false
}

func (r *Reconciler) announcePaid(ctx context.Context, order domain.Order, confirmed bool) {
	r.emit(ctx, domain.EventPaymentPaid, order, map[string]any{"transactionId": order.Payment.TransactionID})
	if order.Status == domain.OrderStatusCancelled {
		r.emit(ctx, domain.EventPaymentCapturedAfterCancel, order, map[string]any{
			"transactionId": order.Payment.TransactionID,
			"reason":        "refund required",
		})
	}
	if confirmed {
		r.metrics.Transition(string(domain.OrderStatusPlaced), string(domain.OrderStatusConfirmed))
		r.emit(ctx, domain.EventOrderStatusChanged, order, map[string]any{"previousStatus": string(domain.OrderStatusPlaced)})
	}
}

// VerifyWebhook проверяет подпись тела вебхука, ничего не меняя.
func (r *Reconciler) VerifyWebhook(rawBody []byte, signature string) error {
	if r.secrets.WebhookSecret == "" {
		return &domain.Error{Kind: domain.KindConfiguration, Message: "webhook secret is not configured"}
	}
	if !VerifySignature(r.secrets.WebhookSecret, rawBody, signature) {
		r.metrics.WebhookEvent("unknown", "signature_invalid")
		r.logger.Warn("webhook signature mismatch")
		return domain.ErrSignatureInvalid
	}
	return nil
}

// HandleWebhook проверяет подпись тела вебхука и применяет событие.
// Неизвестные события и заказы не считаются ошибкой.
func (r *Reconciler) HandleWebhook(ctx context.Context, rawBody []byte, signature string) (WebhookResult, error) {
	if err := r.VerifyWebhook(rawBody, signature); err != nil {
		return WebhookResult{}, err
	}

	var env webhookEnvelope
	if err := json.Unmarshal(rawBody, &env); err != nil {
		r.metrics.WebhookEvent("unknown", "malformed")
		return WebhookResult{}, domain.Validationf("malformed webhook payload")
	}

	var (
		res WebhookResult
		err error
	)
	switch env.Event {
	case WebhookPaymentCaptured:
		res, err = r.webhookCaptured(ctx, env)
	case WebhookPaymentFailed:
		res, err = r.webhookFailed(ctx, env)
	case WebhookRefundProcessed:
		res, err = r.webhookRefunded(ctx, env)
	default:
		r.logger.WithField("event", env.Event).Warn("unhandled webhook event")
		res = WebhookResult{Reason: "unhandled"}
	}
	res.Event = env.Event

	result := "processed"
	switch {
	case err != nil:
		result = "error"
	case !res.Processed:
		result = "ignored"
	}
	r.metrics.WebhookEvent(env.Event, result)
	return res, err
}

func (r *Reconciler) webhookCaptured(ctx context.Context, env webhookEnvelope) (WebhookResult, error) {
	if env.Payload.Payment == nil || env.Payload.Payment.Entity.OrderID == "" {
		return WebhookResult{Reason: "payment entity missing"}, nil
	}
	entity := env.Payload.Payment.Entity

	order, err := r.orders.FindByGatewayOrderID(ctx, entity.OrderID)
	if errors.Is(err, domain.ErrNotFound) {
		return WebhookResult{Reason: "order not found"}, nil
	}
	if err != nil {
		return WebhookResult{}, err
	}

	paidAt := r.now()
	if entity.CreatedAt > 0 {
		paidAt = time.Unix(entity.CreatedAt, 0)
	}

	var alreadyPaid, refunded, confirmed bool
	updated, err := r.runner.Mutate(ctx, order.ID, func(o *domain.Order) (bool, error) {
		alreadyPaid, refunded, confirmed = false, false, false
		switch o.Payment.Status {
		case domain.PaymentStatusPaid:
			alreadyPaid = true
			return false, nil
		case domain.PaymentStatusRefunded:
			refunded = true
			return false, nil
		}
		confirmed = r.applyPaid(o, entity.ID, paidAt)
		return true, nil
	})
	if err != nil {
		r.outcome(pathWebhook, "error", err)
		return WebhookResult{}, err
	}

	res := WebhookResult{OrderID: updated.ID}
	switch {
	case alreadyPaid:
		r.outcome(pathWebhook, "already_paid", nil)
		res.Processed = true
		res.AlreadyPaid = true
	case refunded:
		res.Reason = "payment already refunded"
	default:
		r.outcome(pathWebhook, "paid", nil)
		r.logger.WithFields(log.Fields{
			"order_id":   updated.ID,
			"payment_id": entity.ID,
		}).Info("payment captured via webhook")
		r.announcePaid(ctx, updated, confirmed)
		res.Processed = true
	}
	return res, nil
}

func (r *Reconciler) webhookFailed(ctx context.Context, env webhookEnvelope) (WebhookResult, error) {
	if env.Payload.Payment == nil || env.Payload.Payment.Entity.OrderID == "" {
		return WebhookResult{Reason: "payment entity missing"}, nil
	}

	order, err := r.orders.FindByGatewayOrderID(ctx, env.Payload.Payment.Entity.OrderID)
	if errors.Is(err, domain.ErrNotFound) {
		return WebhookResult{Reason: "order not found"}, nil
	}
	if err != nil {
		return WebhookResult{}, err
	}

	var changed bool
	updated, err := r.runner.Mutate(ctx, order.ID, func(o *domain.Order) (bool, error) {
		// paid и refunded не понижаются: порядок доставки вебхука и callback не гарантирован.
		changed = o.Payment.MarkFailed()
		return changed, nil
	})
	if err != nil {
		return WebhookResult{}, err
	}
	if !changed {
		return WebhookResult{OrderID: updated.ID, Reason: "payment already " + string(updated.Payment.Status)}, nil
	}

	r.outcome(pathWebhook, "failed", nil)
	r.emit(ctx, domain.EventPaymentFailed, updated, map[string]any{"reason": "gateway reported failure"})
	return WebhookResult{OrderID: updated.ID, Processed: true}, nil
}

func (r *Reconciler) webhookRefunded(ctx context.Context, env webhookEnvelope) (WebhookResult, error) {
	if env.Payload.Refund == nil || env.Payload.Refund.Entity.PaymentID == "" {
		return WebhookResult{Reason: "refund entity missing"}, nil
	}
	entity := env.Payload.Refund.Entity

	order, err := r.orders.FindByTransactionID(ctx, entity.PaymentID)
	if errors.Is(err, domain.ErrNotFound) {
		return WebhookResult{Reason: "order not found"}, nil
	}
	if err != nil {
		return WebhookResult{}, err
	}

	var alreadyRefunded bool
	updated, err := r.runner.Mutate(ctx, order.ID, func(o *domain.Order) (bool, error) {
		alreadyRefunded = o.Payment.Status == domain.PaymentStatusRefunded
		if alreadyRefunded {
			return false, nil
		}
		o.Payment.Status = domain.PaymentStatusRefunded
		return true, nil
	})
	if err != nil {
		return WebhookResult{}, err
	}

	res := WebhookResult{OrderID: updated.ID, Processed: true, AlreadyRefunded: alreadyRefunded}
	if !alreadyRefunded {
		r.outcome(pathWebhook, "refunded", nil)
		r.emit(ctx, domain.EventRefundProcessed, updated, map[string]any{"refundId": entity.ID})
	}
	return res, nil
}

// ConfirmCodPayment отмечает получение наличных за выполненный заказ.
func (r *Reconciler) ConfirmCodPayment(ctx context.Context, orderID string) (Result, error) {
	var alreadyPaid bool
	updated, err := r.runner.Mutate(ctx, orderID, func(o *domain.Order) (bool, error) {
		if o.Payment.Method != domain.PaymentMethodCOD {
			return false, domain.Conflictf("only cash-on-delivery payments can be confirmed manually")
		}
		alreadyPaid = o.Payment.IsPaid()
		if alreadyPaid {
			return false, nil
		}
		if o.Status != domain.OrderStatusCompleted {
			return false, domain.Unprocessablef("cash payment can be confirmed only for completed orders; order is %s", o.Status)
		}
		o.Payment.MarkPaid("", r.now())
		return true, nil
	})
	if err != nil {
		return Result{}, err
	}
	if alreadyPaid {
		return Result{Order: updated, AlreadyPaid: true}, nil
	}

	r.outcome(pathCOD, "paid", nil)
	r.logger.WithField("order_id", orderID).Info("cash payment confirmed")
	r.emit(ctx, domain.EventCodPaymentConfirmed, updated, nil)
	return Result{Order: updated}, nil
}

// GetPaymentStatus читает платёжное состояние без обращения к шлюзу.
func (r *Reconciler) GetPaymentStatus(ctx context.Context, orderID, scopedUserID string) (StatusView, error) {
	order, err := r.orders.Get(ctx, orderID)
	if err != nil {
		return StatusView{}, err
	}
	if scopedUserID != "" && order.UserID != scopedUserID {
		return StatusView{}, domain.ErrOrderNotFound
	}
	return StatusView{OrderID: order.ID, OrderStatus: order.Status, Payment: order.Payment}, nil
}

func (r *Reconciler) outcome(path, outcome string, err error) {
	if err != nil {
		outcome = string(domain.KindOf(err))
	}
	r.metrics.PaymentOutcome(path, outcome)
}

func (r *Reconciler) emit(ctx context.Context, event string, order domain.Order, extra map[string]any) {
	if r.notifier == nil {
		return
	}
	payload := order.NotificationPayload()
	for k, v := range extra {
		payload[k] = v
	}
	if err := r.notifier.Emit(ctx, event, payload); err != nil {
		r.logger.WithError(err).WithFields(log.Fields{
			"order_id": order.ID,
			"event":    event,
		}).Warn("failed to emit notification")
	}
}
