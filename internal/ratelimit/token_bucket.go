package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"supertask/internal/errors"
)

// TokenBucket is a namespace-keyed token bucket shared by every instance
// pointed at the same Redis.
type TokenBucket struct {
	client   *redis.Client
	prefix   string
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
}

// NewTokenBucket constructs a bucket with the provided capacity and refill
// rate. Keys are prefix+"rl:"+namespace.
func NewTokenBucket(client *redis.Client, prefix string, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		prefix:   prefix,
		capacity: max(capacity, 1),
		refill:   refillPerSecond,
		ttl:      ttl,
	}
}

// Allow consumes a single token for namespace if one is available.
func (b *TokenBucket) Allow(ctx context.Context, namespace string) (bool, error) {
	allowed, _, err := b.take(ctx, namespace)
	return allowed, err
}

// take returns the allowed flag and the tokens left afterwards.
func (b *TokenBucket) take(ctx context.Context, namespace string) (bool, float64, error) {
	now := time.Now().UnixMilli()
	key := b.prefix + "rl:" + namespace
	res, err := bucketScript.Run(ctx, b.client, []string{key}, b.capacity, b.refill, now, b.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, errors.Mark(errors.Wrap(err, "rate limit"), errors.ErrStoreUnavailable)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, errors.Newf("rate limit: unexpected script reply %v", res)
	}
	allowed := arr[0] == int64(1)
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case float64:
		tokens = v
	}
	return allowed, tokens, nil
}

// Redis truncates Lua numbers to integers in replies, so tokens come back
// floored.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
local add = delta / 1000 * refill
tokens = math.min(capacity, tokens + add)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tokens}
`)
