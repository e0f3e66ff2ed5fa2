package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/vladislavdragonenkov/foodorders/internal/domain"
)

// orderRepositoryInMemory: in-memory реализация OrderRepository с уникальными индексами
// по payment.gatewayOrderId и payment.transactionId.
type orderRepositoryInMemory struct {
	mu        sync.RWMutex
	items     map[string]domain.Order
	byGateway map[string]string
	byTxn     map[string]string
}

// NewOrderRepository возвращает in-memory репозиторий для локальной разработки и тестов.
func NewOrderRepository() domain.OrderRepository {
	return &orderRepositoryInMemory{
		items:     make(map[string]domain.Order),
		byGateway: make(map[string]string),
		byTxn:     make(map[string]string),
	}
}

// Create сохраняет новый заказ, если ID и gatewayOrderId ещё не заняты.
func (r *orderRepositoryInMemory) Create(_ context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[order.ID]; exists {
		return domain.ErrOrderAlreadyExists
	}
	if id := order.Payment.GatewayOrderID; id != "" {
		if _, exists := r.byGateway[id]; exists {
			return domain.ErrOrderAlreadyExists
		}
	}

	// Сохраняем копию, чтобы избежать непредсказуемых мутаций извне.
	r.items[order.ID] = order.Clone()
	r.index(order)
	return nil
}

// Get возвращает заказ или ErrOrderNotFound, если его нет.
func (r *orderRepositoryInMemory) Get(_ context.Context, id string) (domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	order, ok := r.items[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return order.Clone(), nil
}

func (r *orderRepositoryInMemory) FindByGatewayOrderID(_ context.Context, gatewayOrderID string) (domain.Order, error) {
	return r.lookup(r.byGateway, gatewayOrderID)
}

func (r *orderRepositoryInMemory) FindByTransactionID(_ context.Context, transactionID string) (domain.Order, error) {
	return r.lookup(r.byTxn, transactionID)
}

// ListByUser возвращает страницу заказов пользователя, новые первыми.
func (r *orderRepositoryInMemory) ListByUser(_ context.Context, filter domain.ListFilter) ([]domain.Order, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matched := make([]domain.Order, 0)
	for _, order := range r.items {
		if order.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && order.Status != filter.Status {
			continue
		}
		matched = append(matched, order)
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	total := len(matched)
	start := filter.Offset
	if start > total {
		start = total
	}
	end := total
	if filter.Limit > 0 && start+filter.Limit < end {
		end = start + filter.Limit
	}

	page := make([]domain.Order, 0, end-start)
	for _, order := range matched[start:end] {
		page = append(page, order.Clone())
	}
	return page, total, nil
}

// Save перезаписывает заказ, проверяя версию (optimistic locking).
func (r *orderRepositoryInMemory) Save(_ context.Context, order *domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.items[order.ID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if current.Version != order.Version {
		return domain.ErrOrderVersionConflict
	}
	if id := order.Payment.TransactionID; id != "" {
		if owner, taken := r.byTxn[id]; taken && owner != order.ID {
			return domain.Conflictf("transaction %s already belongs to another order", id)
		}
	}

	order.Version++
	r.items[order.ID] = order.Clone()
	r.index(*order)
	return nil
}

func (r *orderRepositoryInMemory) lookup(index map[string]string, key string) (domain.Order, error) {
	if key == "" {
		return domain.Order{}, domain.ErrOrderNotFound
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := index[key]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return r.items[id].Clone(), nil
}

func (r *orderRepositoryInMemory) index(order domain.Order) {
	if id := order.Payment.GatewayOrderID; id != "" {
		r.byGateway[id] = order.ID
	}
	if id := order.Payment.TransactionID; id != "" {
		r.byTxn[id] = order.ID
	}
}

var _ domain.OrderRepository = (*orderRepositoryInMemory)(nil)
