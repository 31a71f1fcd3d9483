// Package ratelimit caps how many generations a user may submit.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
}

// TokenBucket is a per-user token bucket kept in Redis so every API replica
// shares the same budget.
type TokenBucket struct {
	client   *redis.Client
	prefix   string
	capacity int
	refill   float64 // tokens per second
	now      func() time.Time
}

func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64) *TokenBucket {
	if capacity <= 0 {
		capacity = 1
	}
	return &TokenBucket{
		client:   client,
		prefix:   "coursegen:ratelimit:",
		capacity: capacity,
		refill:   refillPerSecond,
		now:      time.Now,
	}
}

// ttl keeps idle buckets around until they would be full again.
func (b *TokenBucket) ttl() time.Duration {
	if b.refill <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(float64(b.capacity)/b.refill*float64(time.Second)) + time.Minute
}

// Allow consumes one token from the bucket of userID.
func (b *TokenBucket) Allow(ctx context.Context, userID string) (Decision, error) {
	res, err := bucketScript.Run(ctx, b.client, []string{b.prefix + userID},
		b.capacity, b.refill, b.now().UnixMilli(), b.ttl().Milliseconds()).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("token bucket: %w", err)
	}
	if len(res) < 2 {
		return Decision{}, fmt.Errorf("token bucket: unexpected reply %v", res)
	}
	allowed, _ := res[0].(int64)
	// Lua numbers are truncated to integers on the way out, so the script
	// returns thousandths of a token.
	milli, _ := res[1].(int64)
	d := Decision{Allowed: allowed == 1, Remaining: float64(milli) / 1000}
	if !d.Allowed && b.refill > 0 {
		missing := 1 - d.Remaining
		d.RetryAfter = time.Duration(math.Ceil(missing/b.refill*1000)) * time.Millisecond
	}
	return d, nil
}

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

tokens = math.min(capacity, tokens + math.max(0, now - last) / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, math.floor(tokens * 1000)}
`)
