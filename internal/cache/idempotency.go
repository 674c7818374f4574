// Package cache keeps short-lived response copies in Redis.
package cache

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zhijun2003/QingyunAI/internal/redisclient"
)

// ErrInFlight is returned while another request holding the same idempotency key has not finished.
var ErrInFlight = errors.New("a request with this idempotency key is still in progress")

// pendingMarker occupies a key between Begin and Complete. Stored responses are JSON and never start with a NUL.
var pendingMarker = []byte("\x00pending")

// abandonScript deletes the key only while it still holds the pending marker.
var abandonScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// IdempotencyCache stores serialized chat responses keyed by the caller's Idempotency-Key so a retried request
// is answered from the first, already settled, result instead of being dispatched and billed again.
type IdempotencyCache struct {
	client     redis.UniversalClient
	keys       redisclient.Keyspace
	ttl        time.Duration
	pendingTTL time.Duration
}

// NewIdempotencyCache keeps completed responses for ttl. pendingTTL bounds how long a crashed request can hold
// its key.
func NewIdempotencyCache(client redis.UniversalClient, keys redisclient.Keyspace, ttl, pendingTTL time.Duration) *IdempotencyCache {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if pendingTTL <= 0 {
		pendingTTL = 5 * time.Minute
	}
	return &IdempotencyCache{client: client, keys: keys, ttl: ttl, pendingTTL: pendingTTL}
}

// Key scopes a caller supplied key to one user.
func Key(userID, requestKey string) string {
	if requestKey == "" {
		return ""
	}
	return userID + ":" + requestKey
}

// Begin claims key. It returns the stored response when the key already completed and ErrInFlight while another
// request holds it. A nil response and nil error mean the caller owns the key and must call Complete or
// Abandon. Redis failures leave the request unprotected rather than failing it.
func (c *IdempotencyCache) Begin(ctx context.Context, key string) ([]byte, error) {
	if c == nil || c.client == nil || key == "" {
		return nil, nil
	}
	redisKey := c.keys.Key("idem", key)
	// A second pass covers a key that expired between SETNX and GET.
	for attempt := 0; attempt < 2; attempt++ {
		claimed, err := c.client.SetNX(ctx, redisKey, pendingMarker, c.pendingTTL).Result()
		if err != nil {
			return nil, nil
		}
		if claimed {
			return nil, nil
		}
		data, err := c.client.Get(ctx, redisKey).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, nil
		}
		if bytes.Equal(data, pendingMarker) {
			return nil, ErrInFlight
		}
		return data, nil
	}
	return nil, ErrInFlight
}

// Complete stores the response for replay, replacing the pending marker.
func (c *IdempotencyCache) Complete(ctx context.Context, key string, value []byte) {
	if c == nil || c.client == nil || key == "" || len(value) == 0 {
		return
	}
	c.client.Set(ctx, c.keys.Key("idem", key), value, c.ttl)
}

// Abandon releases a key claimed by Begin so the caller may retry after a failure.
func (c *IdempotencyCache) Abandon(ctx context.Context, key string) {
	if c == nil || c.client == nil || key == "" {
		return
	}
	abandonScript.Run(ctx, c.client, []string{c.keys.Key("idem", key)}, pendingMarker)
}
