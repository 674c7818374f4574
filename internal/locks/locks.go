// Package locks provides Redis backed mutexes shared by every gateway replica.
package locks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"

	"github.com/zhijun2003/QingyunAI/internal/redisclient"
)

// ErrNotAcquired is returned when another holder owns the lock.
var ErrNotAcquired = errors.New("lock held elsewhere")

// Release frees a held lock. It is safe to call after the lock expired.
type Release func(ctx context.Context) error

// Locker hands out named mutexes.
type Locker interface {
	// TryLock makes a single attempt.
	TryLock(ctx context.Context, name string, ttl time.Duration) (Release, error)
	// Lock retries until the lock is obtained, the tries run out, or ctx ends.
	Lock(ctx context.Context, name string, ttl time.Duration) (Release, error)
}

type RedisLocker struct {
	rs         *redsync.Redsync
	keys       redisclient.Keyspace
	tries      int
	retryDelay time.Duration
}

func NewRedisLocker(client redis.UniversalClient, keys redisclient.Keyspace) *RedisLocker {
	return &RedisLocker{
		rs:         redsync.New(goredis.NewPool(client)),
		keys:       keys,
		tries:      40,
		retryDelay: 50 * time.Millisecond,
	}
}

func (l *RedisLocker) TryLock(ctx context.Context, name string, ttl time.Duration) (Release, error) {
	return l.acquire(ctx, name, redsync.WithExpiry(ttl), redsync.WithTries(1))
}

func (l *RedisLocker) Lock(ctx context.Context, name string, ttl time.Duration) (Release, error) {
	return l.acquire(ctx, name,
		redsync.WithExpiry(ttl),
		redsync.WithTries(l.tries),
		redsync.WithRetryDelay(l.retryDelay))
}

func (l *RedisLocker) acquire(ctx context.Context, name string, opts ...redsync.Option) (Release, error) {
	mutex := l.rs.NewMutex(l.keys.Key("lock", name), opts...)
	if err := mutex.LockContext(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%s: %w (%v)", name, ErrNotAcquired, err)
	}
	return func(ctx context.Context) error {
		if _, err := mutex.UnlockContext(ctx); err != nil && !errors.Is(err, redsync.ErrLockAlreadyExpired) {
			return fmt.Errorf("release lock %s: %w", name, err)
		}
		return nil
	}, nil
}
