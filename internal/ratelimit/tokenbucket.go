package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wudi/edgegate/internal/coordination"
)

// tokenBucketScript refills a bucket by elapsed time since the last call
// and attempts to withdraw cost tokens. State is stored as a hash of
// {tokens, ts} so refill and withdrawal happen atomically in Redis,
// mirroring the in-process bucket math the teacher's token bucket used
// (tokens += elapsed*rate, capped at the burst) but shared across
// instances instead of local to one process.
//
// KEYS[1] = bucket hash key
// ARGV[1] = capacity (burst)
// ARGV[2] = refill rate, tokens per second (limit/windowSeconds)
// ARGV[3] = now, unix milliseconds
// ARGV[4] = cost
// ARGV[5] = window seconds (for TTL and reset-hint math)
// returns {allowed(0/1), tokens_remaining, reset_at_ms}
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local window = tonumber(ARGV[5])

local data = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(data[1])
local ts = tonumber(data[2])

if tokens == nil then
    tokens = capacity
    ts = now
end

local elapsed = math.max(0, now - ts) / 1000.0
tokens = math.min(capacity, tokens + elapsed * rate)

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call('HMSET', key, 'tokens', tokens, 'ts', now)
redis.call('PEXPIRE', key, window * 2000)

local reset_at = now
if tokens < capacity then
    reset_at = now + math.ceil((capacity - tokens) / rate) * 1000
end

return {allowed, math.floor(tokens), reset_at}
`)

// tokenBucketPeekScript reports the bucket's state without consuming it.
var tokenBucketPeekScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local data = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(data[1])
local ts = tonumber(data[2])

if tokens == nil then
    return {math.floor(capacity), now}
end

local elapsed = math.max(0, now - ts) / 1000.0
tokens = math.min(capacity, tokens + elapsed * rate)

local reset_at = now
if tokens < capacity then
    reset_at = now + math.ceil((capacity - tokens) / rate) * 1000
end

return {math.floor(tokens), reset_at}
`)

// TokenBucketLimiter implements Limiter atop Redis.
type TokenBucketLimiter struct {
	coord  *coordination.Client
	prefix string
}

// NewTokenBucketLimiter builds a Redis-backed token bucket limiter.
func NewTokenBucketLimiter(coord *coordination.Client, prefix string) *TokenBucketLimiter {
	if prefix == "" {
		prefix = "rl:tb:"
	}
	return &TokenBucketLimiter{coord: coord, prefix: prefix}
}

func (t *TokenBucketLimiter) Check(ctx context.Context, key string, limit, windowSeconds, cost int) (Result, error) {
	return t.CheckWithBurst(ctx, key, limit, limit, windowSeconds, cost)
}

// CheckWithBurst behaves like Check but uses burst as the bucket capacity
// (maxTokens) while limit still drives the refill rate, per a rule's
// optional burst override. burst <= 0 falls back to limit as the capacity.
func (t *TokenBucketLimiter) CheckWithBurst(ctx context.Context, key string, limit, burst, windowSeconds, cost int) (Result, error) {
	if cost <= 0 {
		cost = 1
	}
	if burst <= 0 {
		burst = limit
	}
	ctx, cancel := t.coord.CallContext(ctx)
	defer cancel()

	rate := float64(limit) / float64(windowSeconds)
	now := time.Now().UnixMilli()

	out, err := tokenBucketScript.Run(ctx, t.coord.Raw(), []string{t.prefix + key},
		burst, rate, now, cost, windowSeconds).Int64Slice()
	if err != nil {
		return Result{}, err
	}

	return Result{
		Allowed:    out[0] == 1,
		Limit:      limit,
		Remaining:  int(out[1]),
		ResetAt:    time.UnixMilli(out[2]),
		RetryAfter: retryAfterFrom(out[2], now),
	}, nil
}

func (t *TokenBucketLimiter) Peek(ctx context.Context, key string, limit, windowSeconds int) (Result, error) {
	ctx, cancel := t.coord.CallContext(ctx)
	defer cancel()

	rate := float64(limit) / float64(windowSeconds)
	now := time.Now().UnixMilli()

	out, err := tokenBucketPeekScript.Run(ctx, t.coord.Raw(), []string{t.prefix + key},
		limit, rate, now).Int64Slice()
	if err != nil {
		return Result{}, err
	}

	return Result{
		Allowed:   int(out[0]) >= 1,
		Limit:     limit,
		Remaining: int(out[0]),
		ResetAt:   time.UnixMilli(out[1]),
	}, nil
}

func (t *TokenBucketLimiter) Reset(ctx context.Context, key string) error {
	ctx, cancel := t.coord.CallContext(ctx)
	defer cancel()
	return t.coord.Raw().Del(ctx, t.prefix+key).Err()
}

func retryAfterFrom(resetAtMs, nowMs int64) time.Duration {
	d := time.Duration(resetAtMs-nowMs) * time.Millisecond
	if d < 0 {
		return 0
	}
	return d
}
