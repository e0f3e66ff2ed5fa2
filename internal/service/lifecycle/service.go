// Package lifecycle управляет созданием заказа и его машиной состояний.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/foodorders/internal/domain"
	"github.com/vladislavdragonenkov/foodorders/internal/metrics"
	"github.com/vladislavdragonenkov/foodorders/internal/service/ordertx"
	"github.com/vladislavdragonenkov/foodorders/internal/service/pricing"
	"github.com/vladislavdragonenkov/foodorders/internal/service/refund"
)

const (
	defaultPage           = 1
	defaultLimit          = 10
	maxLimit              = 100
	defaultGatewayTimeout = 15 * time.Second
	tracerName            = "github.com/vladislavdragonenkov/foodorders/internal/service/lifecycle"
)

// CreateInput: данные для создания заказа.
type CreateInput struct {
	UserID        string               `json:"userId"`
	OrderType     domain.OrderType     `json:"orderType"`
	Items         []pricing.RawItem    `json:"items"`
	Discount      float64              `json:"discount"`
	Address       string               `json:"address,omitempty"`
	DineInTable   string               `json:"dineInTable,omitempty"`
	PaymentMethod domain.PaymentMethod `json:"paymentMethod"`
	Currency      string               `json:"currency,omitempty"`
}

// CreateResult: созданный заказ и, для онлайн-оплаты, заказ на стороне шлюза.
type CreateResult struct {
	Order        domain.Order         `json:"order"`
	GatewayOrder *domain.GatewayOrder `json:"gatewayOrder,omitempty"`
}

// ListInput: параметры постраничной выборки.
type ListInput struct {
	UserID string
	Page   int
	Limit  int
	Status domain.OrderStatus
}

// Page: страница заказов пользователя.
type Page struct {
	Orders          []domain.Order `json:"orders"`
	Total           int            `json:"total"`
	Page            int            `json:"page"`
	Limit           int            `json:"limit"`
	TotalPages      int            `json:"totalPages"`
	HasNextPage     bool           `json:"hasNextPage"`
	HasPreviousPage bool           `json:"hasPreviousPage"`
}

// CancelInput: запрос на отмену. ScopedUserID пустой для административного вызова.
type CancelInput struct {
	OrderID      string
	Reason       string
	ScopedUserID string
}

// Service: машина состояний заказа.
type Service struct {
	orders   domain.OrderRepository
	runner   *ordertx.Runner
	gateway  domain.GatewayClient
	refunds  *refund.Coordinator
	notifier domain.NotificationSink
	metrics  *metrics.Metrics
	logger   *log.Entry
	tracer   trace.Tracer

	now            func() time.Time
	newID          func() string
	gatewayTimeout time.Duration
}

// Option настраивает Service.
type Option func(*Service)

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator подменяет генератор идентификаторов заказов.
func WithIDGenerator(newID func() string) Option {
	return func(s *Service) {
		if newID != nil {
			s.newID = newID
		}
	}
}

// WithMetrics подключает бизнес-метрики.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithGatewayTimeout ограничивает время создания заказа у шлюза.
func WithGatewayTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.gatewayTimeout = d
		}
	}
}

// New собирает сервис.
func New(
	orders domain.OrderRepository,
	runner *ordertx.Runner,
	gateway domain.GatewayClient,
	refunds *refund.Coordinator,
	notifier domain.NotificationSink,
	logger *log.Entry,
	opts ...Option,
) *Service {
	if logger == nil {
		logger = log.New().WithField("component", "lifecycle")
	}
	s := &Service{
		orders:         orders,
		runner:         runner,
		gateway:        gateway,
		refunds:        refunds,
		notifier:       notifier,
		logger:         logger,
		tracer:         otel.Tracer(tracerName),
		now:            time.Now,
		newID:          uuid.NewString,
		gatewayTimeout: defaultGatewayTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create валидирует ввод, считает цену и сохраняет заказ в статусе placed.
// Для онлайн-оплаты сначала создаётся заказ у шлюза.
func (s *Service) Create(ctx context.Context, in CreateInput) (CreateResult, error) {
	order, err := s.draft(in)
	if err != nil {
		return CreateResult{}, err
	}

	var gatewayOrder *domain.GatewayOrder
	if order.Payment.Method == domain.PaymentMethodOnline {
		gwOrder, err := s.createGatewayOrder(ctx, order)
		if err != nil {
			return CreateResult{}, err
		}
		order.Payment.GatewayOrderID = gwOrder.ID
		gatewayOrder = &gwOrder
	}

	if errs := order.ValidateInvariants(); len(errs) > 0 {
		return CreateResult{}, errors.Join(errs...)
	}
	if err := s.orders.Create(ctx, order); err != nil {
		return CreateResult{}, err
	}

	s.metrics.OrderCreated(string(order.Payment.Method))
	s.logger.WithFields(log.Fields{
		"order_id": order.ID,
		"user_id":  order.UserID,
		"method":   order.Payment.Method,
		"total":    order.Pricing.TotalAmount,
	}).Info("order created")
	s.emit(ctx, domain.EventOrderCreated, order, nil)

	return CreateResult{Order: order, GatewayOrder: gatewayOrder}, nil
}

func (s *Service) draft(in CreateInput) (domain.Order, error) {
	userID := strings.TrimSpace(in.UserID)
	if userID == "" {
		return domain.Order{}, domain.Validationf("userId is required")
	}
	if !in.OrderType.Valid() {
		return domain.Order{}, domain.Validationf("orderType must be one of dine_in, take_away, delivery")
	}
	if !in.PaymentMethod.Valid() {
		return domain.Order{}, domain.Validationf("paymentMethod must be one of online, cod")
	}

	address := strings.TrimSpace(in.Address)
	table := strings.TrimSpace(in.DineInTable)
	switch in.OrderType {
	case domain.OrderTypeDelivery:
		if address == "" {
			return domain.Order{}, domain.Validationf("address is required for delivery orders")
		}
		if table != "" {
			return domain.Order{}, domain.Validationf("dineInTable is only allowed for dine_in orders")
		}
	case domain.OrderTypeDineIn:
		if table == "" {
			return domain.Order{}, domain.Validationf("dineInTable is required for dine_in orders")
		}
		if address != "" {
			return domain.Order{}, domain.Validationf("address is only allowed for delivery orders")
		}
	default:
		if address != "" || table != "" {
			return domain.Order{}, domain.Validationf("take_away orders carry neither address nor dineInTable")
		}
	}

	currency, err := normalizeCurrency(in.Currency)
	if err != nil {
		return domain.Order{}, err
	}

	priced, err := pricing.Compute(in.Items, in.Discount)
	if err != nil {
		return domain.Order{}, err
	}
	if in.PaymentMethod == domain.PaymentMethodOnline && pricing.MinorUnits(priced.Pricing.TotalAmount) <= 0 {
		return domain.Order{}, domain.Validationf("online payment requires a positive total")
	}

	now := s.now().UTC()
	order := domain.Order{
		ID:          s.newID(),
		UserID:      userID,
		Type:        in.OrderType,
		Items:       priced.Items,
		Pricing:     priced.Pricing,
		Address:     address,
		DineInTable: table,
		Status:      domain.OrderStatusPlaced,
		Payment: domain.Payment{
			Amount:   priced.Pricing.TotalAmount,
			Currency: currency,
			Method:   in.PaymentMethod,
			Status:   domain.PaymentStatusPending,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if in.PaymentMethod == domain.PaymentMethodOnline {
		order.Payment.Provider = domain.ProviderRazorpay
	}
	return order, nil
}

func (s *Service) createGatewayOrder(ctx context.Context, order domain.Order) (domain.GatewayOrder, error) {
	ctx, span := s.tracer.Start(ctx, "gateway.CreateOrder", trace.WithAttributes(
		attribute.String("order.id", order.ID),
		attribute.String("payment.currency", order.Payment.Currency),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	defer cancel()

	receipt := fmt.Sprintf("rcpt_%d", s.now().UnixMilli())
	gwOrder, err := s.gateway.CreateOrder(ctx, pricing.MinorUnits(order.Payment.Amount), order.Payment.Currency, receipt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create gateway order")
		s.logger.WithError(err).WithField("order_id", order.ID).Error("failed to create gateway order")
		return domain.GatewayOrder{}, fmt.Errorf("create gateway order: %w", err)
	}
	if gwOrder.ID == "" {
		return domain.GatewayOrder{}, errors.New("create gateway order: empty order id in gateway response")
	}
	span.SetAttributes(attribute.String("gateway.order_id", gwOrder.ID))
	return gwOrder, nil
}

// Get возвращает заказ. Непустой scopedUserID скрывает чужие заказы как несуществующие.
func (s *Service) Get(ctx context.Context, orderID, scopedUserID string) (domain.Order, error) {
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if !ownedBy(order, scopedUserID) {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return order, nil
}

// ListForUser возвращает страницу заказов пользователя, новые первыми.
func (s *Service) ListForUser(ctx context.Context, in ListInput) (Page, error) {
	userID := strings.TrimSpace(in.UserID)
	if userID == "" {
		return Page{}, domain.Validationf("userId is required")
	}
	if in.Status != "" && !in.Status.Valid() {
		return Page{}, domain.Validationf("unknown status %q", in.Status)
	}

	page := in.Page
	if page < 1 {
		page = defaultPage
	}
	limit := in.Limit
	if limit < 1 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	orders, total, err := s.orders.ListByUser(ctx, domain.ListFilter{
		UserID: userID,
		Status: in.Status,
		Offset: (page - 1) * limit,
		Limit:  limit,
	})
	if err != nil {
		return Page{}, err
	}
	if orders == nil {
		orders = []domain.Order{}
	}

	totalPages := (total + limit - 1) / limit
	return Page{
		Orders:          orders,
		Total:           total,
		Page:            page,
		Limit:           limit,
		TotalPages:      totalPages,
		HasNextPage:     page < totalPages,
		HasPreviousPage: page > 1,
	}, nil
}

// Transition переводит заказ в новый статус по таблице переходов.
func (s *Service) Transition(ctx context.Context, orderID string, to domain.OrderStatus) (domain.Order, error) {
	if !to.Valid() {
		return domain.Order{}, domain.Validationf("unknown status %q", to)
	}

	var from domain.OrderStatus
	order, err := s.runner.Mutate(ctx, orderID, func(order *domain.Order) (bool, error) {
		from = order.Status
		if order.Status.IsTerminal() {
			return false, domain.Conflictf("order is %s and can no longer change", order.Status)
		}
		if !domain.CanTransition(order.Status, to) {
			return false, domain.NewTransitionError(order.Status, to)
		}
		order.Status = to
		return true, nil
	})
	if err != nil {
		return domain.Order{}, err
	}

	s.metrics.Transition(string(from), string(to))
	s.logger.WithFields(log.Fields{
		"order_id": orderID,
		"from":     from,
		"to":       to,
	}).Info("order status changed")
	s.emit(ctx, domain.EventOrderStatusChanged, order, map[string]any{"previousStatus": string(from)})
	return order, nil
}

// Cancel отменяет заказ в статусах placed или confirmed. Оплаченный онлайн-заказ
// сначала возвращается через шлюз; ошибка возврата отменяет всю операцию.
func (s *Service) Cancel(ctx context.Context, in CancelInput) (domain.Order, error) {
	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		return domain.Order{}, domain.Validationf("cancellation reason is required")
	}

	var (
		from    domain.OrderStatus
		outcome refund.Outcome
	)
	order, err := s.runner.MutateOnce(ctx, in.OrderID, func(order *domain.Order) (bool, error) {
		if !ownedBy(*order, in.ScopedUserID) {
			return false, domain.ErrOrderNotFound
		}
		from = order.Status
		if order.Status.IsTerminal() {
			return false, domain.Conflictf("order is %s and can no longer change", order.Status)
		}
		if !domain.CanTransition(order.Status, domain.OrderStatusCancelled) {
			return false, domain.NewTransitionError(order.Status, domain.OrderStatusCancelled)
		}

		if order.Payment.Method == domain.PaymentMethodOnline && order.Payment.IsPaid() {
			if s.refunds == nil {
				return false, errors.New("refund coordinator is not configured")
			}
			var err error
			outcome, err = s.refunds.Initiate(ctx, order, reason)
			if err != nil {
				return false, err
			}
		}

		cancelledAt := s.now().UTC()
		order.Status = domain.OrderStatusCancelled
		order.CancelledAt = &cancelledAt
		order.CancellationReason = reason
		return true, nil
	})
	if err != nil {
		if outcome.Refund != nil {
			s.logger.WithError(err).WithFields(log.Fields{
				"order_id":  in.OrderID,
				"refund_id": outcome.Refund.ID,
			}).Error("refund issued at gateway but cancellation was not persisted")
		}
		return domain.Order{}, err
	}

	s.metrics.Transition(string(from), string(domain.OrderStatusCancelled))
	s.logger.WithFields(log.Fields{
		"order_id": order.ID,
		"from":     from,
		"refunded": outcome.Refund != nil,
	}).Info("order cancelled")
	s.emit(ctx, domain.EventOrderCancelled, order, map[string]any{"reason": reason})
	if s.refunds != nil {
		s.refunds.Announce(ctx, order, outcome, reason)
	}
	return order, nil
}

func (s *Service) emit(ctx context.Context, event string, order domain.Order, extra map[string]any) {
	if s.notifier == nil {
		return
	}
	payload := order.NotificationPayload()
	for k, v := range extra {
		payload[k] = v
	}
	if err := s.notifier.Emit(ctx, event, payload); err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"order_id": order.ID,
			"event":    event,
		}).Warn("failed to emit notification")
	}
}

func ownedBy(order domain.Order, scopedUserID string) bool {
	return scopedUserID == "" || order.UserID == scopedUserID
}

func normalizeCurrency(currency string) (string, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		return domain.DefaultCurrency, nil
	}
	if len(currency) != 3 {
		return "", domain.Validationf("currency must be a 3-letter ISO code")
	}
	for _, r := range currency {
		if r < 'A' || r > 'Z' {
			return "", domain.Validationf("currency must be a 3-letter ISO code")
		}
	}
	return currency, nil
}
