package domain

import "context"

// ListFilter задаёт выборку заказов пользователя.
type ListFilter struct {
	UserID string
	// Status пустой — без фильтра по статусу.
	Status OrderStatus
	Offset int
	Limit  int
}

// OrderRepository описывает требования к хранилищу заказов.
type OrderRepository interface {
	// Create сохраняет новый заказ. Возвращает ErrOrderAlreadyExists, если запись с таким ID уже есть.
	Create(ctx context.Context, order Order) error
	// Get возвращает заказ по идентификатору или ErrOrderNotFound, если его нет.
	Get(ctx context.Context, id string) (Order, error)
	// FindByGatewayOrderID ищет заказ по payment.gatewayOrderId.
	FindByGatewayOrderID(ctx context.Context, gatewayOrderID string) (Order, error)
	// FindByTransactionID ищет заказ по payment.transactionId.
	FindByTransactionID(ctx context.Context, transactionID string) (Order, error)
	// ListByUser возвращает страницу заказов пользователя (новые первыми) и общее число совпадений.
	ListByUser(ctx context.Context, filter ListFilter) ([]Order, int, error)
	// Save перезаписывает документ целиком при совпадении Version (optimistic locking).
	// При успехе увеличивает order.Version на единицу.
	Save(ctx context.Context, order *Order) error
}
