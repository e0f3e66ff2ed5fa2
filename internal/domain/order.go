package domain

import (
	"math"
	"time"
)

// OrderStatus описывает жизненный цикл заказа.
type OrderStatus string

const (
	// OrderStatusPlaced — заказ создан и ждёт подтверждения.
	OrderStatusPlaced OrderStatus = "placed"
	// OrderStatusConfirmed — заказ принят (оплачен онлайн или подтверждён персоналом).
	OrderStatusConfirmed OrderStatus = "confirmed"
	// OrderStatusPreparing — кухня начала готовить.
	OrderStatusPreparing OrderStatus = "preparing"
	// OrderStatusReadyForPickup — заказ готов к выдаче или передаче курьеру.
	OrderStatusReadyForPickup OrderStatus = "ready_for_pickup"
	// OrderStatusOutForDelivery — заказ у курьера.
	OrderStatusOutForDelivery OrderStatus = "out_for_delivery"
	// OrderStatusCompleted — заказ выдан клиенту. Терминальный.
	OrderStatusCompleted OrderStatus = "completed"
	// OrderStatusCancelled — заказ отменён. Терминальный.
	OrderStatusCancelled OrderStatus = "cancelled"
)

var transitions = map[OrderStatus][]OrderStatus{
	OrderStatusPlaced:         {OrderStatusConfirmed, OrderStatusCancelled},
	OrderStatusConfirmed:      {OrderStatusPreparing, OrderStatusCancelled},
	OrderStatusPreparing:      {OrderStatusReadyForPickup},
	OrderStatusReadyForPickup: {OrderStatusOutForDelivery, OrderStatusCompleted},
	OrderStatusOutForDelivery: {OrderStatusCompleted},
	OrderStatusCompleted:      {},
	OrderStatusCancelled:      {},
}

// AllOrderStatuses перечисляет статусы в порядке жизненного цикла.
func AllOrderStatuses() []OrderStatus {
	return []OrderStatus{
		OrderStatusPlaced,
		OrderStatusConfirmed,
		OrderStatusPreparing,
		OrderStatusReadyForPickup,
		OrderStatusOutForDelivery,
		OrderStatusCompleted,
		OrderStatusCancelled,
	}
}

// Valid проверяет, что статус известен машине состояний.
func (s OrderStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal сообщает, что из статуса нет переходов.
func (s OrderStatus) IsTerminal() bool {
	next, ok := transitions[s]
	return ok && len(next) == 0
}

// AllowedNext возвращает копию списка легальных следующих статусов.
func (s OrderStatus) AllowedNext() []OrderStatus {
	next := transitions[s]
	out := make([]OrderStatus, len(next))
	copy(out, next)
	return out
}

// CanTransition проверяет переход по фиксированной таблице.
func CanTransition(from, to OrderStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// OrderType: формат обслуживания заказа.
type OrderType string

const (
	OrderTypeDineIn   OrderType = "dine_in"
	OrderTypeTakeAway OrderType = "take_away"
	OrderTypeDelivery OrderType = "delivery"
)

// Valid проверяет, что тип заказа поддерживается.
func (t OrderType) Valid() bool {
	switch t {
	case OrderTypeDineIn, OrderTypeTakeAway, OrderTypeDelivery:
		return true
	default:
		return false
	}
}

// OrderItem: снимок позиции меню на момент создания заказа.
// Цена и название не пересчитываются из каталога после создания.
type OrderItem struct {
	ItemID   string  `json:"itemId"`
	Name     string  `json:"name"`
	Price    float64 `json:"price"`
	Quantity int     `json:"quantity"`
	Total    float64 `json:"total"`
}

// Pricing: итоговые суммы заказа, округлённые до двух знаков.
type Pricing struct {
	SubTotal    float64 `json:"subTotal"`
	Discount    float64 `json:"discount"`
	TotalAmount float64 `json:"totalAmount"`
}

// Order агрегирует состояние заказа, его позиции и встроенный платёж.
type Order struct {
	ID                 string      `json:"id"`
	UserID             string      `json:"userId"`
	Type               OrderType   `json:"orderType"`
	Items              []OrderItem `json:"items"`
	Pricing            Pricing     `json:"pricing"`
	Address            string      `json:"address,omitempty"`
	DineInTable        string      `json:"dineInTable,omitempty"`
	Status             OrderStatus `json:"status"`
	CancelledAt        *time.Time  `json:"cancelledAt,omitempty"`
	CancellationReason string      `json:"cancellationReason,omitempty"`
	Payment            Payment     `json:"payment"`
	Version            int64       `json:"version"`
	CreatedAt          time.Time   `json:"createdAt"`
	UpdatedAt          time.Time   `json:"updatedAt"`
}

// Clone возвращает глубокую копию заказа; хранилища отдают наружу только копии.
func (o Order) Clone() Order {
	out := o
	if o.Items != nil {
		out.Items = make([]OrderItem, len(o.Items))
		copy(out.Items, o.Items)
	}
	if o.CancelledAt != nil {
		t := *o.CancelledAt
		out.CancelledAt = &t
	}
	if o.Payment.PaidAt != nil {
		t := *o.Payment.PaidAt
		out.Payment.PaidAt = &t
	}
	return out
}

// ValidateInvariants проверяет инварианты агрегата и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.UserID == "" {
		errs = append(errs, Validationf("userId is required"))
	}
	if !o.Type.Valid() {
		errs = append(errs, Validationf("unknown order type %q", o.Type))
	}
	if !o.Status.Valid() {
		errs = append(errs, Validationf("unknown order status %q", o.Status))
	}
	if len(o.Items) == 0 {
		errs = append(errs, Validationf("order must contain at least one item"))
	}
	for i, item := range o.Items {
		if item.Quantity < 1 {
			errs = append(errs, Validationf("items[%d]: quantity must be at least 1", i))
		}
		if !withinHalfCent(item.Total, item.Price*float64(item.Quantity)) {
			errs = append(errs, Validationf("items[%d]: total does not match price x quantity", i))
		}
	}
	if o.Pricing.SubTotal < 0 || o.Pricing.Discount < 0 || o.Pricing.TotalAmount < 0 {
		errs = append(errs, Validationf("pricing amounts must be non-negative"))
	}
	if !sameCents(o.Pricing.TotalAmount, o.Payment.Amount) {
		errs = append(errs, Validationf("payment amount does not match order total"))
	}

	// Ровно одно из address/dineInTable, в зависимости от типа; take_away без обоих.
	switch o.Type {
	case OrderTypeDelivery:
		if o.Address == "" || o.DineInTable != "" {
			errs = append(errs, Validationf("delivery order requires address only"))
		}
	case OrderTypeDineIn:
		if o.DineInTable == "" || o.Address != "" {
			errs = append(errs, Validationf("dine_in order requires dineInTable only"))
		}
	case OrderTypeTakeAway:
		if o.Address != "" || o.DineInTable != "" {
			errs = append(errs, Validationf("take_away order must not carry address or dineInTable"))
		}
	}

	if (o.CancelledAt == nil) != (o.CancellationReason == "") {
		errs = append(errs, Validationf("cancelledAt and cancellationReason must be set together"))
	}

	return errs
}

func sameCents(a, b float64) bool {
	return math.Abs(math.Round(a*100)-math.Round(b*100)) < 1
}

// withinHalfCent сравнивает округлённую сумму с точным произведением:
// 10.005 x 3 в float64 чуть меньше 30.015, а строка хранит 30.02.
func withinHalfCent(rounded, exact float64) bool {
	return math.Abs(rounded-exact) <= 0.005+1e-9
}
