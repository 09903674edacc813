package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// InvoiceLock 按预约串行化跨 worker 的开票
type InvoiceLock interface {
	Acquire(ctx context.Context, bookingID uint) (release func(), acquired bool, err error)
}

var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisInvoiceLock 基于 SETNX 的分布式锁
type RedisInvoiceLock struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewRedisInvoiceLock(client redis.UniversalClient, ttl time.Duration) *RedisInvoiceLock {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisInvoiceLock{client: client, ttl: ttl}
}

func invoiceLockKey(bookingID uint) string {
	return fmt.Sprintf("automation:invoice-lock:%d", bookingID)
}

func (l *RedisInvoiceLock) Acquire(ctx context.Context, bookingID uint) (func(), bool, error) {
	key := invoiceLockKey(bookingID)
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire invoice lock: %w", err)
	}
	if !ok {
		return func() {}, false, nil
	}
	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseLockScript.Run(ctx, l.client, []string{key}, token).Err()
	}
	return release, true, nil
}

// LocalInvoiceLock 单进程内的锁
type LocalInvoiceLock struct {
	mu   sync.Mutex
	held map[uint]struct{}
}

func NewLocalInvoiceLock() *LocalInvoiceLock {
	return &LocalInvoiceLock{held: make(map[uint]struct{})}
}

func (l *LocalInvoiceLock) Acquire(ctx context.Context, bookingID uint) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[bookingID]; busy {
		return func() {}, false, nil
	}
	l.held[bookingID] = struct{}{}
	return func() {
		l.mu.Lock()
		delete(l.held, bookingID)
		l.mu.Unlock()
	}, true, nil
}
