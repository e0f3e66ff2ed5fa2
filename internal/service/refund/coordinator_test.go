package refund

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/foodorders/internal/domain"
	"github.com/vladislavdragonenkov/foodorders/internal/gateway"
	"github.com/vladislavdragonenkov/foodorders/internal/service/notify"
	"github.com/vladislavdragonenkov/foodorders/internal/service/ordertx"
	"github.com/vladislavdragonenkov/foodorders/internal/storage/memory"
)

type fixture struct {
	repo        domain.OrderRepository
	gateway     *gateway.MockGateway
	notes       *notify.Recorder
	coordinator *Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := log.New()
	logger.SetOutput(io.Discard)
	entry := log.NewEntry(logger)

	repo := memory.NewOrderRepository()
	gw := gateway.NewMockGateway()
	rec := notify.NewRecorder()
	runner := ordertx.New(repo, memory.NewKeyedLocker(), entry)
	return &fixture{
		repo:        repo,
		gateway:     gw,
		notes:       rec,
		coordinator: New(gw, runner, rec, entry),
	}
}

func (f *fixture) seed(t *testing.T, status domain.PaymentStatus, txn string) domain.Order {
	t.Helper()
	paidAt := time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)
	order := domain.Order{
		ID:     "o-1",
		UserID: "u-1",
		Type:   domain.OrderTypeTakeAway,
		Items:  []domain.OrderItem{{ItemID: "x", Name: "Pizza", Price: 9.99, Quantity: 2, Total: 19.98}},
		Pricing: domain.Pricing{
			SubTotal:    19.98,
			Discount:    1,
			TotalAmount: 18.98,
		},
		Status: domain.OrderStatusConfirmed,
		Payment: domain.Payment{
			Amount:         18.98,
			Currency:       "INR",
			Method:         domain.PaymentMethodOnline,
			Provider:       domain.ProviderRazorpay,
			TransactionID:  txn,
			Status:         status,
			PaidAt:         &paidAt,
			GatewayOrderID: "order_abc",
		},
	}
	require.NoError(t, f.repo.Create(context.Background(), order))
	return order
}

func TestRefundOrder_RefundsPaidOrder(t *testing.T) {
	f := newFixture(t)
	f.seed(t, domain.PaymentStatusPaid, "pay_1")

	res, err := f.coordinator.RefundOrder(context.Background(), "o-1", "")
	require.NoError(t, err)
	assert.False(t, res.AlreadyRefunded)
	require.NotNil(t, res.Refund)
	assert.Equal(t, domain.PaymentStatusRefunded, res.Order.Payment.Status)

	refunds := f.gateway.Refunds()
	require.Len(t, refunds, 1)
	assert.Equal(t, "pay_1", refunds[0].PaymentID)
	assert.Equal(t, int64(1898), refunds[0].Amount)

	stored, err := f.repo.Get(context.Background(), "o-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusRefunded, stored.Payment.Status)

	require.Equal(t, 1, f.notes.Count(domain.EventPaymentRefunded))
	assert.Equal(t, DefaultReason, f.notes.Events()[0].Payload["reason"])
}

func TestRefundOrder_SecondCallMakesNoGatewayCall(t *testing.T) {
	f := newFixture(t)
	f.seed(t, domain.PaymentStatusPaid, "pay_1")

	_, err := f.coordinator.RefundOrder(context.Background(), "o-1", "duplicate charge")
	require.NoError(t, err)

	res, err := f.coordinator.RefundOrder(context.Background(), "o-1", "duplicate charge")
	require.NoError(t, err)
	assert.True(t, res.AlreadyRefunded)
	assert.Nil(t, res.Refund)

	_, _, refunds := f.gateway.Calls()
	assert.Equal(t, 1, refunds)
	assert.Equal(t, 1, f.notes.Count(domain.EventPaymentRefunded))

	stored, err := f.repo.Get(context.Background(), "o-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Version, "idempotent call must not write")
}

func TestRefundOrder_Preconditions(t *testing.T) {
	cases := map[string]struct {
		status domain.PaymentStatus
		txn    string
		kind   error
	}{
		"no transaction":   {domain.PaymentStatusPending, "", domain.ErrUnprocessable},
		"pending payment":  {domain.PaymentStatusPending, "pay_1", domain.ErrConflict},
		"failed payment":   {domain.PaymentStatusFailed, "pay_1", domain.ErrConflict},
		"refunded, no txn": {domain.PaymentStatusRefunded, "", domain.ErrUnprocessable},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			f.seed(t, tc.status, tc.txn)

			_, err := f.coordinator.RefundOrder(context.Background(), "o-1", "x")
			require.ErrorIs(t, err, tc.kind)
			_, _, refunds := f.gateway.Calls()
			assert.Zero(t, refunds)
		})
	}
}

func TestRefundOrder_GatewayFailureLeavesOrderPaid(t *testing.T) {
	f := newFixture(t)
	f.seed(t, domain.PaymentStatusPaid, "pay_1")
	gatewayErr := errors.New("gateway timeout")
	f.gateway.FailRefund(gatewayErr)

	_, err := f.coordinator.RefundOrder(context.Background(), "o-1", "x")
	require.ErrorIs(t, err, gatewayErr)
	assert.Equal(t, domain.KindInternal, domain.KindOf(err))

	stored, err := f.repo.Get(context.Background(), "o-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPaid, stored.Payment.Status)
	assert.Zero(t, f.notes.Count(domain.EventPaymentRefunded))

	// После восстановления шлюза повтор проходит.
	f.gateway.FailRefund(nil)
	res, err := f.coordinator.RefundOrder(context.Background(), "o-1", "x")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusRefunded, res.Order.Payment.Status)
}

func TestRefundOrder_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.coordinator.RefundOrder(context.Background(), "missing", "x")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestInitiate_DoesNotPersist(t *testing.T) {
	f := newFixture(t)
	order := f.seed(t, domain.PaymentStatusPaid, "pay_1")

	outcome, err := f.coordinator.Initiate(context.Background(), &order, "  changed mind  ")
	require.NoError(t, err)
	require.NotNil(t, outcome.Refund)
	assert.Equal(t, domain.PaymentStatusRefunded, order.Payment.Status)

	stored, err := f.repo.Get(context.Background(), "o-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPaid, stored.Payment.Status)
}
