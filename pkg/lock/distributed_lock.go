// Package lock provides a Redis lease used to keep periodic sweeps of the same
// worker from overlapping across process restarts.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"actionworker/pkg/logger"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	defaultTTL      = 30 * time.Second
	acquireTimeout  = 5 * time.Second
	renewInterval   = 10 * time.Second
	maxHoldDuration = 10 * time.Minute
)

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

const renewScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end`

// DistributedLock is a non-blocking mutual exclusion lease
type DistributedLock interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
	IsHeld() bool
}

// RedisDistributedLock implements DistributedLock with SET NX PX and Lua
// compare-and-delete. A nil client degrades to an always-granted local lock.
type RedisDistributedLock struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration

	mu         sync.Mutex
	held       bool
	acquiredAt time.Time
	stopRenew  chan struct{}
}

// NewRedisDistributedLock creates a lock for key
func NewRedisDistributedLock(client *redis.Client, key string) *RedisDistributedLock {
	return &RedisDistributedLock{
		client: client,
		key:    key,
		token:  uuid.New().String(),
		ttl:    defaultTTL,
	}
}

// WithTTL overrides the lease TTL
func (l *RedisDistributedLock) WithTTL(ttl time.Duration) *RedisDistributedLock {
	if ttl > 0 {
		l.ttl = ttl
	}
	return l
}

// TryLock acquires the lease if nobody holds it
func (l *RedisDistributedLock) TryLock(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held {
		return false, nil
	}

	if l.client == nil {
		l.held = true
		return true, nil
	}

	acquireCtx, cancel := context.WithTimeout(ctx, acquireTimeout)
	defer cancel()

	ok, err := l.client.SetNX(acquireCtx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", l.key, err)
	}
	if !ok {
		logger.DebugCtx(ctx, "lock %s held by another instance", l.key)
		return false, nil
	}

	l.held = true
	l.acquiredAt = time.Now()
	l.stopRenew = make(chan struct{})
	go l.renew(l.stopRenew)
	return true, nil
}

// Unlock releases the lease if this instance still owns it
func (l *RedisDistributedLock) Unlock(ctx context.Context) error {
	l.mu.Lock()
	if !l.held {
		l.mu.Unlock()
		return nil
	}
	l.held = false
	if l.stopRenew != nil {
		close(l.stopRenew)
		l.stopRenew = nil
	}
	l.mu.Unlock()

	if l.client == nil {
		return nil
	}

	result, err := l.client.Eval(ctx, releaseScript, []string{l.key}, l.token).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}
	if result == 0 {
		logger.WarnCtx(ctx, "lock %s was already expired or taken over", l.key)
	}
	return nil
}

// IsHeld reports whether this instance believes it holds the lease
func (l *RedisDistributedLock) IsHeld() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

func (l *RedisDistributedLock) renew(stop <-chan struct{}) {
	ticker := time.NewTicker(renewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			l.mu.Lock()
			tooLong := time.Since(l.acquiredAt) > maxHoldDuration
			l.mu.Unlock()
			if tooLong {
				logger.WarnCtx(context.Background(), "lock %s held longer than %v, letting it expire", l.key, maxHoldDuration)
				return
			}

			ctx, cancel := context.WithTimeout(context.Background(), acquireTimeout)
			result, err := l.client.Eval(ctx, renewScript, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil || result == 0 {
				logger.WarnCtx(context.Background(), "lock %s renewal failed (err=%v), lease lost", l.key, err)
				l.mu.Lock()
				l.held = false
				l.mu.Unlock()
				return
			}
		}
	}
}
