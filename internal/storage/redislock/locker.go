// Package redislock реализует распределённую блокировку заказа поверх Redis:
// SET NX PX со случайным токеном и снятие через compare-and-delete скрипт.
package redislock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/foodorders/internal/domain"
)

const (
	defaultTTL          = 30 * time.Second
	defaultRetryDelay   = 25 * time.Millisecond
	defaultReleaseLimit = 2 * time.Second
	keyPrefix           = "foodorders:lock:order:"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker: domain.OrderLocker на Redis.
type Locker struct {
	client     redis.UniversalClient
	ttl        time.Duration
	retryDelay time.Duration
	logger     *logrus.Entry
}

// Option настраивает Locker.
type Option func(*Locker)

// WithTTL задаёт срок аренды блокировки. Должен превышать самую долгую операцию над заказом.
func WithTTL(ttl time.Duration) Option {
	return func(l *Locker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithRetryDelay задаёт паузу между попытками захвата.
func WithRetryDelay(d time.Duration) Option {
	return func(l *Locker) {
		if d > 0 {
			l.retryDelay = d
		}
	}
}

// New создаёт Locker поверх готового клиента.
func New(client redis.UniversalClient, logger *logrus.Entry, opts ...Option) *Locker {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	l := &Locker{
		client:     client,
		ttl:        defaultTTL,
		retryDelay: defaultRetryDelay,
		logger:     logger.WithField("component", "order-locker"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Lock повторяет SET NX до успеха или отмены контекста.
func (l *Locker) Lock(ctx context.Context, orderID string) (func(), error) {
	key := keyPrefix + orderID
	token := uuid.NewString()

	ticker := time.NewTicker(l.retryDelay)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, domain.ErrOrderLocked
			}
			return nil, fmt.Errorf("acquire order lock: %w", err)
		}
		if ok {
			return l.releaseFunc(key, token), nil
		}

		select {
		case <-ctx.Done():
			return nil, domain.ErrOrderLocked
		case <-ticker.C:
		}
	}
}

func (l *Locker) releaseFunc(key, token string) func() {
	var once sync.Once
	return func() {
		once.Do(func() { l.release(key, token) })
	}
}

func (l *Locker) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultReleaseLimit)
	defer cancel()

	if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		l.logger.WithError(err).WithField("key", key).Warn("failed to release order lock; it will expire by ttl")
	}
}

// Ping проверяет доступность Redis (используется health-чекером).
func (l *Locker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

var _ domain.OrderLocker = (*Locker)(nil)
