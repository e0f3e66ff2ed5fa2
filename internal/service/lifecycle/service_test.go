package lifecycle

import (
	"context"
	"errors"
	"fmt"
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
	"github.com/vladislavdragonenkov/foodorders/internal/service/pricing"
	"github.com/vladislavdragonenkov/foodorders/internal/service/refund"
	"github.com/vladislavdragonenkov/foodorders/internal/storage/memory"
)

var fixedNow = time.Date(2024, 4, 10, 18, 30, 0, 0, time.UTC)

type fixture struct {
	repo    domain.OrderRepository
	gateway *gateway.MockGateway
	notes   *notify.Recorder
	svc     *Service
	seq     int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := log.New()
	logger.SetOutput(io.Discard)
	entry := log.NewEntry(logger)

	f := &fixture{
		repo:    memory.NewOrderRepository(),
		gateway: gateway.NewMockGateway(),
		notes:   notify.NewRecorder(),
	}
	clock := func() time.Time { return fixedNow }
	runner := ordertx.New(f.repo, memory.NewKeyedLocker(), entry, ordertx.WithClock(clock))
	refunds := refund.New(f.gateway, runner, f.notes, entry)
	f.svc = New(f.repo, runner, f.gateway, refunds, f.notes, entry,
		WithClock(clock),
		WithIDGenerator(func() string {
			f.seq++
			return fmt.Sprintf("order-%03d", f.seq)
		}),
	)
	return f
}

func pizzaDelivery() CreateInput {
	return CreateInput{
		UserID:        "user-1",
		OrderType:     domain.OrderTypeDelivery,
		Items:         []pricing.RawItem{{ItemID: "x", Name: "Pizza", Price: 9.99, Quantity: 2}},
		Discount:      1,
		Address:       "221B Baker St",
		PaymentMethod: domain.PaymentMethodCOD,
	}
}

// forceStatus выставляет статус в обход машины состояний, только для подготовки данных.
func (f *fixture) forceStatus(t *testing.T, id string, status domain.OrderStatus, mutate ...func(*domain.Order)) {
	t.Helper()
	order, err := f.repo.Get(context.Background(), id)
	require.NoError(t, err)
	order.Status = status
	for _, fn := range mutate {
		fn(&order)
	}
	require.NoError(t, f.repo.Save(context.Background(), &order))
}

func TestCreate_CodDeliveryScenario(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Create(context.Background(), pizzaDelivery())
	require.NoError(t, err)
	assert.Nil(t, res.GatewayOrder)

	order := res.Order
	assert.Equal(t, "order-001", order.ID)
	assert.Equal(t, 19.98, order.Items[0].Total)
	assert.Equal(t, domain.Pricing{SubTotal: 19.98, Discount: 1, TotalAmount: 18.98}, order.Pricing)
	assert.Equal(t, domain.PaymentMethodCOD, order.Payment.Method)
	assert.Equal(t, domain.PaymentStatusPending, order.Payment.Status)
	assert.Equal(t, 18.98, order.Payment.Amount)
	assert.Equal(t, "INR", order.Payment.Currency)
	assert.Empty(t, order.Payment.Provider)
	assert.Equal(t, domain.OrderStatusPlaced, order.Status)
	assert.Equal(t, fixedNow, order.CreatedAt)

	stored, err := f.repo.Get(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.Pricing, stored.Pricing)

	create, _, _ := f.gateway.Calls()
	assert.Zero(t, create)
	assert.Equal(t, 1, f.notes.Count(domain.EventOrderCreated))
}

func TestCreate_OnlineOrderCreatesGatewayOrder(t *testing.T) {
	f := newFixture(t)
	in := pizzaDelivery()
	in.PaymentMethod = domain.PaymentMethodOnline
	in.Currency = "inr"

	res, err := f.svc.Create(context.Background(), in)
	require.NoError(t, err)
	require.NotNil(t, res.GatewayOrder)
	assert.Equal(t, int64(1898), res.GatewayOrder.Amount)
	assert.Equal(t, "INR", res.GatewayOrder.Currency)
	assert.Equal(t, fmt.Sprintf("rcpt_%d", fixedNow.UnixMilli()), res.GatewayOrder.Receipt)

	assert.Equal(t, res.GatewayOrder.ID, res.Order.Payment.GatewayOrderID)
	assert.Equal(t, domain.ProviderRazorpay, res.Order.Payment.Provider)
	assert.Equal(t, domain.OrderStatusPlaced, res.Order.Status)

	byGateway, err := f.repo.FindByGatewayOrderID(context.Background(), res.GatewayOrder.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Order.ID, byGateway.ID)
}

func TestCreate_GatewayFailureStoresNothing(t *testing.T) {
	f := newFixture(t)
	f.gateway.FailCreateOrder(errors.New("connection reset"))
	in := pizzaDelivery()
	in.PaymentMethod = domain.PaymentMethodOnline

	_, err := f.svc.Create(context.Background(), in)
	require.Error(t, err)
	assert.Equal(t, domain.KindInternal, domain.KindOf(err))

	_, total, err := f.repo.ListByUser(context.Background(), domain.ListFilter{UserID: "user-1", Limit: 10})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestCreate_Validation(t *testing.T) {
	cases := map[string]func(*CreateInput){
		"missing user":           func(in *CreateInput) { in.UserID = "  " },
		"unknown order type":     func(in *CreateInput) { in.OrderType = "drive_thru" },
		"unknown payment method": func(in *CreateInput) { in.PaymentMethod = "card" },
		"delivery w/o address":   func(in *CreateInput) { in.Address = " " },
		"delivery with table":    func(in *CreateInput) { in.DineInTable = "T4" },
		"dine in w/o table": func(in *CreateInput) {
			in.OrderType = domain.OrderTypeDineIn
			in.Address = ""
		},
		"take away with address": func(in *CreateInput) { in.OrderType = domain.OrderTypeTakeAway },
		"empty items":            func(in *CreateInput) { in.Items = nil },
		"zero quantity":          func(in *CreateInput) { in.Items[0].Quantity = 0 },
		"negative discount":      func(in *CreateInput) { in.Discount = -1 },
		"bad currency":           func(in *CreateInput) { in.Currency = "RUPEE" },
		"online zero total": func(in *CreateInput) {
			in.PaymentMethod = domain.PaymentMethodOnline
			in.Discount = 9999
		},
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			in := pizzaDelivery()
			mutate(&in)

			_, err := f.svc.Create(context.Background(), in)
			require.ErrorIs(t, err, domain.ErrValidation)
			create, _, _ := f.gateway.Calls()
			assert.Zero(t, create)
		})
	}
}

func TestCreate_DineInAndTakeAway(t *testing.T) {
	f := newFixture(t)

	dineIn := pizzaDelivery()
	dineIn.OrderType = domain.OrderTypeDineIn
	dineIn.Address = ""
	dineIn.DineInTable = " T4 "
	res, err := f.svc.Create(context.Background(), dineIn)
	require.NoError(t, err)
	assert.Equal(t, "T4", res.Order.DineInTable)
	assert.Empty(t, res.Order.Address)

	takeAway := pizzaDelivery()
	takeAway.OrderType = domain.OrderTypeTakeAway
	takeAway.Address = ""
	takeAway.Discount = 9999
	res, err = f.svc.Create(context.Background(), takeAway)
	require.NoError(t, err)
	assert.Zero(t, res.Order.Pricing.TotalAmount)
}

func TestTransition_TableClosure(t *testing.T) {
	for _, from := range domain.AllOrderStatuses() {
		for _, to := range domain.AllOrderStatuses() {
			from, to := from, to
			t.Run(fmt.Sprintf("%s->%s", from, to), func(t *testing.T) {
				f := newFixture(t)
				res, err := f.svc.Create(context.Background(), pizzaDelivery())
				require.NoError(t, err)
				f.forceStatus(t, res.Order.ID, from)

				got, err := f.svc.Transition(context.Background(), res.Order.ID, to)
				stored, getErr := f.repo.Get(context.Background(), res.Order.ID)
				require.NoError(t, getErr)

				switch {
				case from.IsTerminal():
					require.ErrorIs(t, err, domain.ErrConflict)
					assert.Equal(t, from, stored.Status)
				case domain.CanTransition(from, to):
					require.NoError(t, err)
					assert.Equal(t, to, got.Status)
					assert.Equal(t, to, stored.Status)
				default:
					require.ErrorIs(t, err, domain.ErrUnprocessableTransition)
					var de *domain.Error
					require.ErrorAs(t, err, &de)
					assert.Equal(t, from.AllowedNext(), de.AllowedNext)
					assert.Equal(t, from, stored.Status)
				}
			})
		}
	}
}

func TestTransition_Errors(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Transition(context.Background(), "missing", domain.OrderStatusConfirmed)
	require.ErrorIs(t, err, domain.ErrNotFound)

	res, err := f.svc.Create(context.Background(), pizzaDelivery())
	require.NoError(t, err)
	_, err = f.svc.Transition(context.Background(), res.Order.ID, "teleported")
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestTransition_EmitsStatusChange(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.Create(context.Background(), pizzaDelivery())
	require.NoError(t, err)

	_, err = f.svc.Transition(context.Background(), res.Order.ID, domain.OrderStatusConfirmed)
	require.NoError(t, err)

	require.Equal(t, 1, f.notes.Count(domain.EventOrderStatusChanged))
	events := f.notes.Events()
	assert.Equal(t, "placed", events[len(events)-1].Payload["previousStatus"])
}

func TestCancel_CodPlacedScenario(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.Create(context.Background(), pizzaDelivery())
	require.NoError(t, err)

	order, err := f.svc.Cancel(context.Background(), CancelInput{OrderID: res.Order.ID, Reason: "changed mind", ScopedUserID: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, order.Status)
	require.NotNil(t, order.CancelledAt)
	assert.Equal(t, fixedNow, *order.CancelledAt)
	assert.Equal(t, "changed mind", order.CancellationReason)

	_, _, refunds := f.gateway.Calls()
	assert.Zero(t, refunds)
	assert.Equal(t, 1, f.notes.Count(domain.EventOrderCancelled))
	assert.Zero(t, f.notes.Count(domain.EventPaymentRefunded))
}

func TestCancel_PaidOnlineOrderRefundsOnce(t *testing.T) {
	f := newFixture(t)
	in := pizzaDelivery()
	in.PaymentMethod = domain.PaymentMethodOnline
	res, err := f.svc.Create(context.Background(), in)
	require.NoError(t, err)
	f.forceStatus(t, res.Order.ID, domain.OrderStatusConfirmed, func(o *domain.Order) {
		o.Payment.MarkPaid("pay_1", fixedNow)
	})

	order, err := f.svc.Cancel(context.Background(), CancelInput{OrderID: res.Order.ID, Reason: "late"})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, order.Status)
	assert.Equal(t, domain.PaymentStatusRefunded, order.Payment.Status)

	refunds := f.gateway.Refunds()
	require.Len(t, refunds, 1)
	assert.Equal(t, "pay_1", refunds[0].PaymentID)
	assert.Equal(t, int64(1898), refunds[0].Amount)

	stored, err := f.repo.Get(context.Background(), res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, stored.Status)
	assert.Equal(t, domain.PaymentStatusRefunded, stored.Payment.Status)
	assert.Equal(t, 1, f.notes.Count(domain.EventPaymentRefunded))
}

func TestCancel_RefundFailureAbortsCancellation(t *testing.T) {
	f := newFixture(t)
	in := pizzaDelivery()
	in.PaymentMethod = domain.PaymentMethodOnline
	res, err := f.svc.Create(context.Background(), in)
	require.NoError(t, err)
	f.forceStatus(t, res.Order.ID, domain.OrderStatusConfirmed, func(o *domain.Order) {
		o.Payment.MarkPaid("pay_1", fixedNow)
	})
	f.gateway.FailRefund(errors.New("gateway unavailable"))

	_, err = f.svc.Cancel(context.Background(), CancelInput{OrderID: res.Order.ID, Reason: "late"})
	require.Error(t, err)

	stored, err := f.repo.Get(context.Background(), res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusConfirmed, stored.Status)
	assert.Equal(t, domain.PaymentStatusPaid, stored.Payment.Status)
	assert.Nil(t, stored.CancelledAt)
	assert.Zero(t, f.notes.Count(domain.EventOrderCancelled))
}

func TestCancel_Guards(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.Create(context.Background(), pizzaDelivery())
	require.NoError(t, err)
	id := res.Order.ID

	_, err = f.svc.Cancel(context.Background(), CancelInput{OrderID: id, Reason: "   "})
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.svc.Cancel(context.Background(), CancelInput{OrderID: id, Reason: "x", ScopedUserID: "intruder"})
	require.ErrorIs(t, err, domain.ErrNotFound)

	f.forceStatus(t, id, domain.OrderStatusPreparing)
	_, err = f.svc.Cancel(context.Background(), CancelInput{OrderID: id, Reason: "x"})
	require.ErrorIs(t, err, domain.ErrUnprocessableTransition)

	f.forceStatus(t, id, domain.OrderStatusCompleted)
	_, err = f.svc.Cancel(context.Background(), CancelInput{OrderID: id, Reason: "x"})
	require.ErrorIs(t, err, domain.ErrConflict)

	_, err = f.svc.Cancel(context.Background(), CancelInput{OrderID: "missing", Reason: "x"})
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCancel_TerminalAfterCancel(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.Create(context.Background(), pizzaDelivery())
	require.NoError(t, err)

	_, err = f.svc.Cancel(context.Background(), CancelInput{OrderID: res.Order.ID, Reason: "x"})
	require.NoError(t, err)

	_, err = f.svc.Cancel(context.Background(), CancelInput{OrderID: res.Order.ID, Reason: "again"})
	require.ErrorIs(t, err, domain.ErrConflict)
	_, err = f.svc.Transition(context.Background(), res.Order.ID, domain.OrderStatusConfirmed)
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestGet_Scoped(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.Create(context.Background(), pizzaDelivery())
	require.NoError(t, err)

	got, err := f.svc.Get(context.Background(), res.Order.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, res.Order.ID, got.ID)

	_, err = f.svc.Get(context.Background(), res.Order.ID, "user-2")
	require.ErrorIs(t, err, domain.ErrOrderNotFound)

	_, err = f.svc.Get(context.Background(), res.Order.ID, "")
	require.NoError(t, err)
}

func TestListForUser_Paging(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 12; i++ {
		_, err := f.svc.Create(context.Background(), pizzaDelivery())
		require.NoError(t, err)
	}
	other := pizzaDelivery()
	other.UserID = "user-2"
	_, err := f.svc.Create(context.Background(), other)
	require.NoError(t, err)

	page, err := f.svc.ListForUser(context.Background(), ListInput{UserID: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, 12, page.Total)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, 10, page.Limit)
	assert.Equal(t, 2, page.TotalPages)
	assert.True(t, page.HasNextPage)
	assert.False(t, page.HasPreviousPage)
	assert.Len(t, page.Orders, 10)

	page, err = f.svc.ListForUser(context.Background(), ListInput{UserID: "user-1", Page: 2, Limit: 500})
	require.NoError(t, err)
	assert.Equal(t, 100, page.Limit)
	assert.Empty(t, page.Orders)
	assert.True(t, page.HasPreviousPage)

	page, err = f.svc.ListForUser(context.Background(), ListInput{UserID: "user-1", Status: domain.OrderStatusCancelled})
	require.NoError(t, err)
	assert.Zero(t, page.Total)
	assert.NotNil(t, page.Orders)

	_, err = f.svc.ListForUser(context.Background(), ListInput{UserID: ""})
	require.ErrorIs(t, err, domain.ErrValidation)
	_, err = f.svc.ListForUser(context.Background(), ListInput{UserID: "user-1", Status: "lost"})
	require.ErrorIs(t, err, domain.ErrValidation)
}
