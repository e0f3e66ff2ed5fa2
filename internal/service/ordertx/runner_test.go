package ordertx

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/foodorders/internal/domain"
	"github.com/vladislavdragonenkov/foodorders/internal/storage/memory"
)

func quietLogger() *log.Entry {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return log.NewEntry(logger)
}

func seedOrder(t *testing.T, repo domain.OrderRepository, id string) {
	t.Helper()
	require.NoError(t, repo.Create(context.Background(), domain.Order{
		ID:     id,
		UserID: "user-1",
		Type:   domain.OrderTypeTakeAway,
		Status: domain.OrderStatusPlaced,
		Payment: domain.Payment{
			Amount:   100,
			Currency: domain.DefaultCurrency,
			Method:   domain.PaymentMethodCOD,
			Status:   domain.PaymentStatusPending,
		},
	}))
}

// racingRepo перед сохранением подкладывает «чужую» запись, чтобы вызвать конфликт версий.
type racingRepo struct {
	domain.OrderRepository
	races int
}

func (r *racingRepo) Save(ctx context.Context, order *domain.Order) error {
	if r.races > 0 {
		r.races--
		fresh, err := r.OrderRepository.Get(ctx, order.ID)
		if err != nil {
			return err
		}
		fresh.Address = "changed concurrently"
		if err := r.OrderRepository.Save(ctx, &fresh); err != nil {
			return err
		}
	}
	return r.OrderRepository.Save(ctx, order)
}

func TestRunner_MutateSavesAndStampsUpdatedAt(t *testing.T) {
	repo := memory.NewOrderRepository()
	seedOrder(t, repo, "o-1")
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	runner := New(repo, memory.NewKeyedLocker(), quietLogger(), WithClock(func() time.Time { return now }))

	got, err := runner.Mutate(context.Background(), "o-1", func(order *domain.Order) (bool, error) {
		order.Status = domain.OrderStatusConfirmed
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusConfirmed, got.Status)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, now, got.UpdatedAt)

	stored, err := repo.Get(context.Background(), "o-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusConfirmed, stored.Status)
}

func TestRunner_NoSaveLeavesOrderUntouched(t *testing.T) {
	repo := memory.NewOrderRepository()
	seedOrder(t, repo, "o-1")
	runner := New(repo, nil, quietLogger())

	sentinel := domain.Conflictf("already terminal")
	got, err := runner.Mutate(context.Background(), "o-1", func(order *domain.Order) (bool, error) {
		order.Status = domain.OrderStatusCancelled
		return false, sentinel
	})
	require.ErrorIs(t, err, sentinel)
	assert.Equal(t, domain.OrderStatusCancelled, got.Status, "caller receives the in-memory copy")

	stored, err := repo.Get(context.Background(), "o-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPlaced, stored.Status)
	assert.Equal(t, int64(0), stored.Version)
}

func TestRunner_SaveWithErrorPersistsAndReturnsError(t *testing.T) {
	repo := memory.NewOrderRepository()
	seedOrder(t, repo, "o-1")
	runner := New(repo, nil, quietLogger())

	_, err := runner.Mutate(context.Background(), "o-1", func(order *domain.Order) (bool, error) {
		order.Payment.MarkFailed()
		return true, domain.ErrSignatureInvalid
	})
	require.ErrorIs(t, err, domain.ErrSignatureInvalid)

	stored, err := repo.Get(context.Background(), "o-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusFailed, stored.Payment.Status)
}

func TestRunner_RetriesOnVersionConflict(t *testing.T) {
	base := memory.NewOrderRepository()
	seedOrder(t, base, "o-1")
	repo := &racingRepo{OrderRepository: base, races: 2}
	runner := New(repo, nil, quietLogger(), WithBaseDelay(time.Millisecond))

	calls := 0
	got, err := runner.Mutate(context.Background(), "o-1", func(order *domain.Order) (bool, error) {
		calls++
		order.Status = domain.OrderStatusConfirmed
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, "changed concurrently", got.Address, "retry works on the reloaded order")
	assert.Equal(t, int64(3), got.Version)
}

func TestRunner_GivesUpAfterMaxAttempts(t *testing.T) {
	base := memory.NewOrderRepository()
	seedOrder(t, base, "o-1")
	repo := &racingRepo{OrderRepository: base, races: 10}
	runner := New(repo, nil, quietLogger(), WithBaseDelay(0), WithMaxAttempts(2))

	_, err := runner.Mutate(context.Background(), "o-1", func(order *domain.Order) (bool, error) {
		order.Status = domain.OrderStatusConfirmed
		return true, nil
	})
	require.ErrorIs(t, err, domain.ErrOrderVersionConflict)
	assert.Equal(t, 8, repo.races)
}

func TestRunner_MutateOnceDoesNotRetry(t *testing.T) {
	base := memory.NewOrderRepository()
	seedOrder(t, base, "o-1")
	repo := &racingRepo{OrderRepository: base, races: 1}
	runner := New(repo, nil, quietLogger())

	calls := 0
	_, err := runner.MutateOnce(context.Background(), "o-1", func(order *domain.Order) (bool, error) {
		calls++
		return true, nil
	})
	require.True(t, domain.IsVersionConflict(err))
	assert.Equal(t, 1, calls)
}

func TestRunner_NotFound(t *testing.T) {
	runner := New(memory.NewOrderRepository(), memory.NewKeyedLocker(), quietLogger())

	_, err := runner.Mutate(context.Background(), "missing", func(*domain.Order) (bool, error) {
		t.Fatal("mutate must not be called")
		return false, nil
	})
	require.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestRunner_LockTimeout(t *testing.T) {
	repo := memory.NewOrderRepository()
	seedOrder(t, repo, "o-1")
	locker := memory.NewKeyedLocker()
	runner := New(repo, locker, quietLogger())

	unlock, err := locker.Lock(context.Background(), "o-1")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = runner.Mutate(ctx, "o-1", func(*domain.Order) (bool, error) { return true, nil })
	require.ErrorIs(t, err, domain.ErrOrderLocked)
}

func TestRunner_SerializesConcurrentMutations(t *testing.T) {
	repo := memory.NewOrderRepository()
	seedOrder(t, repo, "o-1")
	runner := New(repo, memory.NewKeyedLocker(), quietLogger())

	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := runner.Mutate(context.Background(), "o-1", func(order *domain.Order) (bool, error) {
				order.Payment.Amount++
				return true, nil
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.False(t, errors.Is(err, domain.ErrConflict), "unexpected conflict: %v", err)
		require.NoError(t, err)
	}
	stored, err := repo.Get(context.Background(), "o-1")
	require.NoError(t, err)
	assert.Equal(t, float64(100+workers), stored.Payment.Amount)
	assert.Equal(t, int64(workers), stored.Version)
}
