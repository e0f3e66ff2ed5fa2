package domain_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/foodorders/internal/domain"
)

// helper для создания базового заказа с одной позицией.
func makeOrder() domain.Order {
	now := time.Now().UTC()
	return domain.Order{
		ID:     "order-1",
		UserID: "user-1",
		Type:   domain.OrderTypeDelivery,
		Items: []domain.OrderItem{
			{ItemID: "x", Name: "Pizza", Price: 9.99, Quantity: 2, Total: 19.98},
		},
		Pricing: domain.Pricing{SubTotal: 19.98, Discount: 1, TotalAmount: 18.98},
		Address: "221B Baker St",
		Status:  domain.OrderStatusPlaced,
		Payment: domain.Payment{
			Amount:   18.98,
			Currency: "INR",
			Method:   domain.PaymentMethodCOD,
			Status:   domain.PaymentStatusPending,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestOrderValidateInvariants_Ok(t *testing.T) {
	order := makeOrder()
	require.Empty(t, order.ValidateInvariants())
}

func TestOrderValidateInvariants_Errors(t *testing.T) {
	cases := []struct {
		name string
		mut  func(o *domain.Order)
	}{
		{name: "no user", mut: func(o *domain.Order) { o.UserID = "" }},
		{name: "no items", mut: func(o *domain.Order) { o.Items = nil }},
		{name: "zero quantity", mut: func(o *domain.Order) { o.Items[0].Quantity = 0 }},
		{name: "line total drift", mut: func(o *domain.Order) { o.Items[0].Total = 20 }},
		{name: "payment amount differs", mut: func(o *domain.Order) { o.Payment.Amount = 19.98 }},
		{name: "delivery without address", mut: func(o *domain.Order) { o.Address = "" }},
		{name: "delivery with table", mut: func(o *domain.Order) { o.DineInTable = "T1" }},
		{name: "take away with address", mut: func(o *domain.Order) { o.Type = domain.OrderTypeTakeAway }},
		{name: "cancel reason without timestamp", mut: func(o *domain.Order) { o.CancellationReason = "x" }},
		{name: "unknown status", mut: func(o *domain.Order) { o.Status = "shipped" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			order := makeOrder()
			tc.mut(&order)
			errs := order.ValidateInvariants()
			require.NotEmpty(t, errs)
			for _, err := range errs {
				assert.ErrorIs(t, err, domain.ErrValidation)
			}
		})
	}
}

func TestCanTransition_Table(t *testing.T) {
	legal := map[domain.OrderStatus][]domain.OrderStatus{
		domain.OrderStatusPlaced:         {domain.OrderStatusConfirmed, domain.OrderStatusCancelled},
		domain.OrderStatusConfirmed:      {domain.OrderStatusPreparing, domain.OrderStatusCancelled},
		domain.OrderStatusPreparing:      {domain.OrderStatusReadyForPickup},
		domain.OrderStatusReadyForPickup: {domain.OrderStatusOutForDelivery, domain.OrderStatusCompleted},
		domain.OrderStatusOutForDelivery: {domain.OrderStatusCompleted},
	}

	for _, from := range domain.AllOrderStatuses() {
		for _, to := range domain.AllOrderStatuses() {
			want := false
			for _, s := range legal[from] {
				if s == to {
					want = true
				}
			}
			assert.Equalf(t, want, domain.CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestOrderStatus_Terminal(t *testing.T) {
	assert.True(t, domain.OrderStatusCompleted.IsTerminal())
	assert.True(t, domain.OrderStatusCancelled.IsTerminal())
	assert.False(t, domain.OrderStatusPlaced.IsTerminal())
	assert.False(t, domain.OrderStatus("unknown").IsTerminal())
	assert.Empty(t, domain.OrderStatusCompleted.AllowedNext())
}

func TestOrderStatus_AllowedNextIsCopy(t *testing.T) {
	next := domain.OrderStatusPlaced.AllowedNext()
	next[0] = domain.OrderStatusCompleted
	assert.Equal(t, domain.OrderStatusConfirmed, domain.OrderStatusPlaced.AllowedNext()[0])
}

func TestOrderClone_DetachesPointers(t *testing.T) {
	order := makeOrder()
	now := time.Now().UTC()
	order.Payment.PaidAt = &now

	clone := order.Clone()
	clone.Items[0].Name = "Pasta"
	*clone.Payment.PaidAt = now.Add(time.Hour)

	assert.Equal(t, "Pizza", order.Items[0].Name)
	assert.True(t, order.Payment.PaidAt.Equal(now))
}
