package memory

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/foodorders/internal/domain"
)

// KeyedLocker: блокировка заказа в пределах одного процесса.
// Мьютекс на ключ создаётся по требованию и удаляется, когда ждущих не осталось.
type KeyedLocker struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	ch      chan struct{}
	waiters int
}

// NewKeyedLocker создаёт пустой KeyedLocker.
func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{locks: make(map[string]*keyedLock)}
}

// Lock ждёт освобождения ключа или отмены контекста.
func (l *KeyedLocker) Lock(ctx context.Context, orderID string) (func(), error) {
	l.mu.Lock()
	lk, ok := l.locks[orderID]
	if !ok {
		lk = &keyedLock{ch: make(chan struct{}, 1)}
		l.locks[orderID] = lk
	}
	lk.waiters++
	l.mu.Unlock()

	select {
	case lk.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(orderID, lk, false)
		return nil, domain.ErrOrderLocked
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(orderID, lk, true) })
	}, nil
}

func (l *KeyedLocker) release(orderID string, lk *keyedLock, held bool) {
	if held {
		<-lk.ch
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	lk.waiters--
	if lk.waiters == 0 {
		delete(l.locks, orderID)
	}
}

var _ domain.OrderLocker = (*KeyedLocker)(nil)
