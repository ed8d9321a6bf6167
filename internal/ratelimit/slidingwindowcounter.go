package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wudi/edgegate/internal/coordination"
)

// slidingWindowCounterScript approximates a sliding window with two fixed
// buckets (previous and current) and a weighted estimate:
//
//	estimate = prevCount*weight + currCount, weight = 1 - elapsed/window
//
// This is the same formula the in-process counter used, made atomic and
// shared by keeping both counters and the current bucket's start time in
// one Redis hash.
//
// KEYS[1] = hash key
// ARGV[1] = now, unix milliseconds
// ARGV[2] = window milliseconds
// ARGV[3] = limit
// ARGV[4] = cost
// returns {allowed(0/1), remaining, reset_at_ms}
var slidingWindowCounterScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'curr_start', 'curr', 'prev')
local currStart = tonumber(data[1])
local curr = tonumber(data[2]) or 0
local prev = tonumber(data[3]) or 0

if currStart == nil then
    currStart = now
    curr = 0
    prev = 0
elseif now - currStart >= window * 2 then
    -- more than one full window has elapsed since curr started; both buckets are stale
    currStart = now
    curr = 0
    prev = 0
elseif now - currStart >= window then
    -- curr has aged into prev
    prev = curr
    curr = 0
    currStart = currStart + window
end

local elapsed = now - currStart
local weight = math.max(0, 1 - (elapsed / window))
local estimate = prev * weight + curr

local allowed = 0
if estimate + cost <= limit then
    curr = curr + cost
    estimate = estimate + cost
    allowed = 1
end

redis.call('HMSET', key, 'curr_start', currStart, 'curr', curr, 'prev', prev)
redis.call('PEXPIRE', key, window * 2)

local reset_at = currStart + window
return {allowed, math.max(0, math.floor(limit - estimate)), reset_at}
`)

var slidingWindowCounterPeekScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

local data = redis.call('HMGET', key, 'curr_start', 'curr', 'prev')
local currStart = tonumber(data[1])
local curr = tonumber(data[2]) or 0
local prev = tonumber(data[3]) or 0

if currStart == nil then
    return {limit, now + window}
end

local elapsed = now - currStart
if elapsed >= window * 2 then
    return {limit, now + window}
elseif elapsed >= window then
    prev = curr
    curr = 0
    currStart = currStart + window
    elapsed = now - currStart
end

local weight = math.max(0, 1 - (elapsed / window))
local estimate = prev * weight + curr
local reset_at = currStart + window

return {math.max(0, math.floor(limit - estimate)), reset_at}
`)

// SlidingWindowCounterLimiter implements Limiter with the weighted
// two-bucket estimate, the cheapest of the three algorithms since it
// never stores one entry per request.
type SlidingWindowCounterLimiter struct {
	coord  *coordination.Client
	prefix string
}

func NewSlidingWindowCounterLimiter(coord *coordination.Client, prefix string) *SlidingWindowCounterLimiter {
	if prefix == "" {
		prefix = "rl:swc:"
	}
	return &SlidingWindowCounterLimiter{coord: coord, prefix: prefix}
}

func (s *SlidingWindowCounterLimiter) Check(ctx context.Context, key string, limit, windowSeconds, cost int) (Result, error) {
	if cost <= 0 {
		cost = 1
	}
	ctx, cancel := s.coord.CallContext(ctx)
	defer cancel()

	now := time.Now().UnixMilli()
	windowMs := int64(windowSeconds) * 1000

	out, err := slidingWindowCounterScript.Run(ctx, s.coord.Raw(), []string{s.prefix + key},
		now, windowMs, limit, cost).Int64Slice()
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

func (s *SlidingWindowCounterLimiter) Peek(ctx context.Context, key string, limit, windowSeconds int) (Result, error) {
	ctx, cancel := s.coord.CallContext(ctx)
	defer cancel()

	now := time.Now().UnixMilli()
	windowMs := int64(windowSeconds) * 1000

	out, err := slidingWindowCounterPeekScript.Run(ctx, s.coord.Raw(), []string{s.prefix + key},
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

func (s *SlidingWindowCounterLimiter) Reset(ctx context.Context, key string) error {
	ctx, cancel := s.coord.CallContext(ctx)
	defer cancel()
	return s.coord.Raw().Del(ctx, s.prefix+key).Err()
}
