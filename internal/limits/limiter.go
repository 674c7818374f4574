// Package limits enforces per-user request rates and concurrent stream caps in Redis so every replica shares
// the same counters.
package limits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zhijun2003/QingyunAI/internal/config"
	"github.com/zhijun2003/QingyunAI/internal/redisclient"
)

var ErrLimitExceeded = errors.New("rate limit exceeded")

// semaphoreTTL bounds how long a leaked slot (a crashed replica never releasing) can block a user.
const semaphoreTTL = 5 * time.Minute

type LimitConfig struct {
	RequestsPerMinute int
	ParallelRequests  int
}

// ChatLimits derives the synchronous and streaming limits from configuration. Streams count against the
// requests-per-minute budget too.
func ChatLimits(cfg config.RateLimitConfig) (sync LimitConfig, stream LimitConfig) {
	sync = LimitConfig{RequestsPerMinute: cfg.RequestsPerMinute}
	stream = LimitConfig{RequestsPerMinute: cfg.RequestsPerMinute, ParallelRequests: cfg.ParallelStreams}
	return sync, stream
}

type RateLimiter struct {
	client redis.UniversalClient
	keys   redisclient.Keyspace
	now    func() time.Time
}

func NewRateLimiter(client redis.UniversalClient, keys redisclient.Keyspace) *RateLimiter {
	return &RateLimiter{client: client, keys: keys, now: time.Now}
}

// Allow admits one request for key. A nil limiter admits everything. When Allow succeeds with a parallel cap
// the caller must call Release.
func (l *RateLimiter) Allow(ctx context.Context, key string, cfg LimitConfig) error {
	if l == nil || l.client == nil {
		return nil
	}

	if cfg.RequestsPerMinute > 0 {
		if err := l.countCheck(ctx, l.keys.Key("rpm", key), time.Minute, cfg.RequestsPerMinute); err != nil {
			return err
		}
	}
	if cfg.ParallelRequests > 0 {
		if err := l.semaphoreAcquire(ctx, l.keys.Key("sem", key), cfg.ParallelRequests); err != nil {
			return err
		}
	}

	return nil
}

func (l *RateLimiter) Release(ctx context.Context, key string, cfg LimitConfig) {
	if l == nil || l.client == nil {
		return
	}
	if cfg.ParallelRequests > 0 {
		l.semaphoreRelease(ctx, l.keys.Key("sem", key))
	}
}

func (l *RateLimiter) countCheck(ctx context.Context, key string, ttl time.Duration, limit int) error {
	bucket := l.now().UTC().Unix() / int64(ttl.Seconds())
	redisKey := fmt.Sprintf("%s:%d", key, bucket)

	cnt, err := l.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return err
	}
	if cnt == 1 {
		l.client.Expire(ctx, redisKey, ttl)
	}
	if int(cnt) > limit {
		return ErrLimitExceeded
	}
	return nil
}

func (l *RateLimiter) semaphoreAcquire(ctx context.Context, key string, max int) error {
	cnt, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return err
	}
	if cnt == 1 {
		l.client.Expire(ctx, key, semaphoreTTL)
	}
	if int(cnt) > max {
		l.client.Decr(ctx, key)
		return ErrLimitExceeded
	}
	return nil
}

func (l *RateLimiter) semaphoreRelease(ctx context.Context, key string) {
	if n, err := l.client.Decr(ctx, key).Result(); err == nil && n < 0 {
		l.client.Set(ctx, key, 0, semaphoreTTL)
	}
}
