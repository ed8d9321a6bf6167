package ratelimit

import (
	"context"
	"math/rand"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wudi/edgegate/internal/coordination"
)

// slidingWindowLogScript keeps an exact log of request timestamps in a
// sorted set, trims everything outside the window, and admits the call
// only if the remaining count is under the limit.
//
// KEYS[1] = sorted set key
// ARGV[1] = now, unix milliseconds
// ARGV[2] = window milliseconds
// ARGV[3] = limit
// ARGV[4] = cost
// ARGV[5] = random salt for member uniqueness
// returns {allowed(0/1), remaining, reset_at_ms}
var slidingWindowLogScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local salt = ARGV[5]

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)

local allowed = 0
if count + cost <= limit then
    for i = 1, cost do
        redis.call('ZADD', key, now, now .. '-' .. salt .. '-' .. i)
    end
    redis.call('PEXPIRE', key, window)
    allowed = 1
    count = count + cost
end

local reset_at = now + window
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if #oldest >= 2 then
    reset_at = tonumber(oldest[2]) + window
end

return {allowed, math.max(0, limit - count), reset_at}
`)

var slidingWindowLogPeekScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

local count = redis.call('ZCOUNT', key, now - window, '+inf')
local reset_at = now + window
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if #oldest >= 2 then
    reset_at = tonumber(oldest[2]) + window
end

return {math.max(0, limit - count), reset_at}
`)

// SlidingWindowLogLimiter implements Limiter with an exact Redis sorted-set log.
type SlidingWindowLogLimiter struct {
	coord  *coordination.Client
	prefix string
}

func NewSlidingWindowLogLimiter(coord *coordination.Client, prefix string) *SlidingWindowLogLimiter {
	if prefix == "" {
		prefix = "rl:swl:"
	}
	return &SlidingWindowLogLimiter{coord: coord, prefix: prefix}
}

func (s *SlidingWindowLogLimiter) Check(ctx context.Context, key string, limit, windowSeconds, cost int) (Result, error) {
	if cost <= 0 {
		cost = 1
	}
	ctx, cancel := s.coord.CallContext(ctx)
	defer cancel()

	now := time.Now().UnixMilli()
	windowMs := int64(windowSeconds) * 1000
	salt := strconv.Itoa(rand.Intn(1_000_000))

	out, err := slidingWindowLogScript.Run(ctx, s.coord.Raw(), []string{s.prefix + key},
		now, windowMs, limit, cost, salt).Int64Slice()
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

func (s *SlidingWindowLogLimiter) Peek(ctx context.Context, key string, limit, windowSeconds int) (Result, error) {
	ctx, cancel := s.coord.CallContext(ctx)
	defer cancel()

	now := time.Now().UnixMilli()
	windowMs := int64(windowSeconds) * 1000

	out, err := slidingWindowLogPeekScript.Run(ctx, s.coord.Raw(), []string{s.prefix + key},
		now, windowMs, limit).Int64Slice()
	if err != nil {
		return Result{}, err
	}

	return Result{
		Allowed:   int(out[0]) > 0,
		Limit:     limit,
		Remaining: int(out[0]),
		ResetAt:   time.UnixMilli(out[1]),
	}, nil
}

func (s *SlidingWindowLogLimiter) Reset(ctx context.Context, key string) error {
	ctx, cancel := s.coord.CallContext(ctx)
	defer cancel()
	return s.coord.Raw().Del(ctx, s.prefix+key).Err()
}
