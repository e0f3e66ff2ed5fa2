package integration

import (
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/vladislavdragonenkov/foodorders/internal/domain"
	"github.com/vladislavdragonenkov/foodorders/internal/gateway"
	"github.com/vladislavdragonenkov/foodorders/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/foodorders/internal/service/lifecycle"
	"github.com/vladislavdragonenkov/foodorders/internal/service/notify"
	"github.com/vladislavdragonenkov/foodorders/internal/service/ordertx"
	"github.com/vladislavdragonenkov/foodorders/internal/service/outbox"
	"github.com/vladislavdragonenkov/foodorders/internal/service/payment"
	"github.com/vladislavdragonenkov/foodorders/internal/service/pricing"
	"github.com/vladislavdragonenkov/foodorders/internal/service/refund"
	"github.com/vladislavdragonenkov/foodorders/internal/storage/memory"
)

const (
	keySecret     = "integration_key_secret"
	webhookSecret = "integration_webhook_secret"
)

// OrderLifecycleTestSuite прогоняет заказ через все сервисы до публикации уведомлений в Kafka.
type OrderLifecycleTestSuite struct {
	suite.Suite
	logger   *log.Entry
	repo     domain.OrderRepository
	timeline domain.TimelineRepository
	outbox   *memory.OutboxRepository
	gateway  *gateway.MockGateway
	orders   *lifecycle.Service
	payments *payment.Reconciler
	refunds  *refund.Coordinator
}

func (s *OrderLifecycleTestSuite) SetupTest() {
	baseLogger := log.New()
	baseLogger.SetOutput(io.Discard)
	s.logger = baseLogger.WithField("component", "integration-test")

	s.repo = memory.NewOrderRepository()
	s.timeline = memory.NewTimelineRepository()
	s.outbox = memory.NewOutboxRepository()
	s.gateway = gateway.NewMockGateway()

	sink := notify.Fanout{
		notify.NewOutboxSink(s.outbox, nil),
		notify.NewTimelineSink(s.timeline, nil, nil),
	}
	runner := ordertx.New(s.repo, memory.NewKeyedLocker(), s.logger)
	s.refunds = refund.New(s.gateway, runner, sink, s.logger)
	s.orders = lifecycle.New(s.repo, runner, s.gateway, s.refunds, sink, s.logger)
	s.payments = payment.New(s.repo, runner, s.gateway, sink,
		payment.Secrets{KeySecret: keySecret, WebhookSecret: webhookSecret}, s.logger)
}

func (s *OrderLifecycleTestSuite) createOnline(orderType domain.OrderType, address string) lifecycle.CreateResult {
	res, err := s.orders.Create(context.Background(), lifecycle.CreateInput{
		UserID:    "customer-123",
		OrderType: orderType,
		Address:   address,
		Items: []pricing.RawItem{
			{ItemID: "biryani", Name: "Chicken Biryani", Price: 249.50, Quantity: 2},
			{ItemID: "lassi", Name: "Mango Lassi", Price: 89, Quantity: 1},
		},
		Discount:      50,
		PaymentMethod: domain.PaymentMethodOnline,
	})
	s.Require().NoError(err)
	s.Require().NotNil(res.GatewayOrder)
	return res
}

func (s *OrderLifecycleTestSuite) pay(gatewayOrderID, paymentID string) payment.Result {
	_, err := s.gateway.Capture(gatewayOrderID, paymentID)
	s.Require().NoError(err)

	res, err := s.payments.VerifyAndCapture(context.Background(), payment.VerifyInput{
		GatewayOrderID:   gatewayOrderID,
		GatewayPaymentID: paymentID,
		GatewaySignature: payment.Sign(keySecret, payment.CallbackMessage(gatewayOrderID, paymentID)),
	})
	s.Require().NoError(err)
	return res
}

func (s *OrderLifecycleTestSuite) advance(orderID string, statuses ...domain.OrderStatus) domain.Order {
	var order domain.Order
	for _, to := range statuses {
		var err error
		order, err = s.orders.Transition(context.Background(), orderID, to)
		s.Require().NoError(err, "transition to %s", to)
	}
	return order
}

func (s *OrderLifecycleTestSuite) timelineTypes(orderID string) []string {
	events, err := s.timeline.List(context.Background(), orderID)
	s.Require().NoError(err)
	types := make([]string, 0, len(events))
	for _, e := range events {
		types = append(types, e.Type)
	}
	return types
}

func (s *OrderLifecycleTestSuite) TestDeliveredOnlineOrder() {
	created := s.createOnline(domain.OrderTypeDelivery, "12 MG Road, Bengaluru")
	s.Equal(538.0, created.Order.Pricing.TotalAmount)
	s.Equal(int64(53800), created.GatewayOrder.Amount)

	paid := s.pay(created.GatewayOrder.ID, "pay_delivery")
	s.Equal(domain.PaymentStatusPaid, paid.Order.Payment.Status)
	s.Equal(domain.OrderStatusConfirmed, paid.Order.Status)

	order := s.advance(created.Order.ID,
		domain.OrderStatusPreparing,
		domain.OrderStatusReadyForPickup,
		domain.OrderStatusOutForDelivery,
		domain.OrderStatusCompleted,
	)
	s.Equal(domain.OrderStatusCompleted, order.Status)
	s.True(order.Status.IsTerminal())

	_, err := s.orders.Transition(context.Background(), created.Order.ID, domain.OrderStatusPreparing)
	s.ErrorIs(err, domain.ErrConflict)

	types := s.timelineTypes(created.Order.ID)
	s.Equal(domain.EventOrderCreated, types[0])
	s.Contains(types, domain.EventPaymentPaid)
	s.Equal(domain.EventOrderStatusChanged, types[len(types)-1])
}

func (s *OrderLifecycleTestSuite) TestCancelPaidOrderRefunds() {
	created := s.createOnline(domain.OrderTypeTakeAway, "")
	s.pay(created.GatewayOrder.ID, "pay_cancel")

	order, err := s.orders.Cancel(context.Background(), lifecycle.CancelInput{
		OrderID:      created.Order.ID,
		Reason:       "restaurant closed",
		ScopedUserID: "customer-123",
	})
	s.Require().NoError(err)
	s.Equal(domain.OrderStatusCancelled, order.Status)
	s.Equal(domain.PaymentStatusRefunded, order.Payment.Status)
	s.Len(s.gateway.Refunds(), 1)

	// Вебхук о возврате после отмены ничего не меняет.
	body, err := json.Marshal(map[string]any{
		"event": payment.WebhookRefundProcessed,
		"payload": map[string]any{
			"refund": map[string]any{"entity": s.gateway.Refunds()[0]},
		},
	})
	s.Require().NoError(err)
	res, err := s.payments.HandleWebhook(context.Background(), body, payment.Sign(webhookSecret, body))
	s.Require().NoError(err)
	s.True(res.AlreadyRefunded)

	refunded, err := s.refunds.RefundOrder(context.Background(), created.Order.ID, "again")
	s.Require().NoError(err)
	s.True(refunded.AlreadyRefunded)
	s.Len(s.gateway.Refunds(), 1)
}

func (s *OrderLifecycleTestSuite) TestCashOnDeliveryTakeAway() {
	created, err := s.orders.Create(context.Background(), lifecycle.CreateInput{
		UserID:        "customer-9",
		OrderType:     domain.OrderTypeTakeAway,
		Items:         []pricing.RawItem{{ItemID: "dosa", Name: "Masala Dosa", Price: 120, Quantity: 1}},
		PaymentMethod: domain.PaymentMethodCOD,
	})
	s.Require().NoError(err)
	s.Nil(created.GatewayOrder)

	_, err = s.payments.ConfirmCodPayment(context.Background(), created.Order.ID)
	s.ErrorIs(err, domain.ErrUnprocessable)

	s.advance(created.Order.ID,
		domain.OrderStatusConfirmed,
		domain.OrderStatusPreparing,
		domain.OrderStatusReadyForPickup,
		domain.OrderStatusCompleted,
	)

	res, err := s.payments.ConfirmCodPayment(context.Background(), created.Order.ID)
	s.Require().NoError(err)
	s.False(res.AlreadyPaid)
	s.Equal(domain.PaymentStatusPaid, res.Order.Payment.Status)

	again, err := s.payments.ConfirmCodPayment(context.Background(), created.Order.ID)
	s.Require().NoError(err)
	s.True(again.AlreadyPaid)

	s.Equal(domain.EventCodPaymentConfirmed, s.timelineTypes(created.Order.ID)[len(s.timelineTypes(created.Order.ID))-1])
}

func (s *OrderLifecycleTestSuite) TestWebhookBeforeCallback() {
	created := s.createOnline(domain.OrderTypeTakeAway, "")
	captured, err := s.gateway.Capture(created.GatewayOrder.ID, "pay_hook")
	s.Require().NoError(err)

	body, err := json.Marshal(map[string]any{
		"event":   payment.WebhookPaymentCaptured,
		"payload": map[string]any{"payment": map[string]any{"entity": captured}},
	})
	s.Require().NoError(err)
	hook, err := s.payments.HandleWebhook(context.Background(), body, payment.Sign(webhookSecret, body))
	s.Require().NoError(err)
	s.True(hook.Processed)

	res, err := s.payments.VerifyAndCapture(context.Background(), payment.VerifyInput{
		GatewayOrderID:   created.GatewayOrder.ID,
		GatewayPaymentID: "pay_hook",
		GatewaySignature: payment.Sign(keySecret, payment.CallbackMessage(created.GatewayOrder.ID, "pay_hook")),
	})
	s.Require().NoError(err)
	s.True(res.AlreadyPaid)

	paidEvents := 0
	for _, typ := range s.timelineTypes(created.Order.ID) {
		if typ == domain.EventPaymentPaid {
			paidEvents++
		}
	}
	s.Equal(1, paidEvents)
}

func (s *OrderLifecycleTestSuite) TestOutboxDrainsToKafka() {
	created := s.createOnline(domain.OrderTypeTakeAway, "")
	s.pay(created.GatewayOrder.ID, "pay_outbox")

	stats, err := s.outbox.Stats(context.Background())
	s.Require().NoError(err)
	s.Require().Positive(stats.PendingCount)

	mock := mocks.NewSyncProducer(s.T(), nil)
	for i := 0; i < stats.PendingCount; i++ {
		mock.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
			s.Equal(kafka.TopicOrderNotifications, msg.Topic)
			return nil
		})
	}
	producer := kafka.NewProducerWith(mock, s.logger)
	publisher := kafka.NewNotificationPublisher(producer, kafka.TopicOrderNotifications)

	worker := outbox.NewWorker(s.outbox, publisher, outbox.Config{BatchSize: 100}, s.logger)
	sent, err := worker.Drain(context.Background())
	s.Require().NoError(err)
	s.Equal(stats.PendingCount, sent)

	after, err := s.outbox.Stats(context.Background())
	s.Require().NoError(err)
	s.Zero(after.PendingCount)
	s.Require().NoError(producer.Close())
}

func TestOrderLifecycleTestSuite(t *testing.T) {
	suite.Run(t, new(OrderLifecycleTestSuite))
}

func TestRefundRequiresCapturedPayment(t *testing.T) {
	logger := log.New()
	logger.SetOutput(io.Discard)
	entry := log.NewEntry(logger)

	repo := memory.NewOrderRepository()
	gw := gateway.NewMockGateway()
	runner := ordertx.New(repo, memory.NewKeyedLocker(), entry)
	refunds := refund.New(gw, runner, nil, entry)
	orders := lifecycle.New(repo, runner, gw, refunds, nil, entry)

	created, err := orders.Create(context.Background(), lifecycle.CreateInput{
		UserID:        "u",
		OrderType:     domain.OrderTypeTakeAway,
		Items:         []pricing.RawItem{{ItemID: "tea", Name: "Chai", Price: 20, Quantity: 1}},
		PaymentMethod: domain.PaymentMethodOnline,
	})
	require.NoError(t, err)

	_, err = refunds.RefundOrder(context.Background(), created.Order.ID, "")
	require.ErrorIs(t, err, domain.ErrUnprocessable)
	require.Empty(t, gw.Refunds())
}
