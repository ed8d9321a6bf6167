package breaker

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wudi/edgegate/internal/coordination"
)

// allowScript mirrors Breaker.Allow's state machine atomically in Redis so
// every gateway instance observes the same upstream state.
// Keys: state, failures, successes, opened_at, half_open_count
// Args: timeout_seconds, max_requests, now_unix
// Returns: [allowed(0/1), state_string, retry_after_seconds]
var allowScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1]) or 'closed'
local timeout = tonumber(ARGV[1])
local max_requests = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

if state == 'open' then
    local opened_at = tonumber(redis.call('GET', KEYS[4]) or '0')
    local elapsed = now - opened_at
    if elapsed >= timeout then
        redis.call('SET', KEYS[1], 'half-open')
        redis.call('SET', KEYS[5], '1')
        redis.call('SET', KEYS[3], '0')
        local ttl = timeout * 2
        redis.call('EXPIRE', KEYS[1], ttl)
        redis.call('EXPIRE', KEYS[5], ttl)
        redis.call('EXPIRE', KEYS[3], ttl)
        return {1, 'half-open', 0}
    end
    return {0, 'open', timeout - elapsed}
end

if state == 'half-open' then
    local count = tonumber(redis.call('GET', KEYS[5]) or '0')
    if count >= max_requests then
        return {0, 'half-open', 0}
    end
    redis.call('INCR', KEYS[5])
    return {1, 'half-open', 0}
end

return {1, 'closed', 0}
`)

// reportScript records an outcome and handles state transitions.
// Keys: state, failures, successes, opened_at, half_open_count
// Args: is_failure(0/1), failure_threshold, timeout_seconds
// Returns: [new_state, old_state]
var reportScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1]) or 'closed'
local is_failure = tonumber(ARGV[1])
local threshold = tonumber(ARGV[2])
local timeout = tonumber(ARGV[3])
local ttl = timeout * 2
local old_state = state

if state == 'closed' then
    if is_failure == 1 then
        local failures = redis.call('INCR', KEYS[2])
        redis.call('EXPIRE', KEYS[2], ttl)
        if failures >= threshold then
            redis.call('SET', KEYS[1], 'open')
            redis.call('SET', KEYS[4], tostring(redis.call('TIME')[1]))
            redis.call('SET', KEYS[2], '0')
            redis.call('EXPIRE', KEYS[1], ttl)
            redis.call('EXPIRE', KEYS[4], ttl)
            redis.call('EXPIRE', KEYS[2], ttl)
            return {'open', old_state}
        end
    else
        redis.call('SET', KEYS[2], '0')
        redis.call('EXPIRE', KEYS[2], ttl)
    end
    return {'closed', old_state}
end

if state == 'half-open' then
    if is_failure == 1 then
        redis.call('SET', KEYS[1], 'open')
        redis.call('SET', KEYS[4], tostring(redis.call('TIME')[1]))
        redis.call('SET', KEYS[2], '0')
        redis.call('SET', KEYS[3], '0')
        redis.call('SET', KEYS[5], '0')
        redis.call('EXPIRE', KEYS[1], ttl)
        redis.call('EXPIRE', KEYS[4], ttl)
        redis.call('EXPIRE', KEYS[2], ttl)
        redis.call('EXPIRE', KEYS[3], ttl)
        redis.call('EXPIRE', KEYS[5], ttl)
        return {'open', old_state}
    else
        local successes = redis.call('INCR', KEYS[3])
        redis.call('EXPIRE', KEYS[3], ttl)
        local ho_count = tonumber(redis.call('GET', KEYS[5]) or '0')
        if successes >= ho_count then
            redis.call('SET', KEYS[1], 'closed')
            redis.call('SET', KEYS[2], '0')
            redis.call('SET', KEYS[3], '0')
            redis.call('SET', KEYS[5], '0')
            redis.call('EXPIRE', KEYS[1], ttl)
            redis.call('EXPIRE', KEYS[2], ttl)
            redis.call('EXPIRE', KEYS[3], ttl)
            redis.call('EXPIRE', KEYS[5], ttl)
            return {'closed', old_state}
        end
    end
    return {'half-open', old_state}
end

return {state, old_state}
`)

// RedisBreaker is a distributed circuit breaker for one upstream,
// sharing state across every gateway instance via Redis.
type RedisBreaker struct {
	coord         *coordination.Client
	keyPrefix     string
	cfg           Config
	onStateChange func(from, to string)

	totalRequests  int64
	totalSuccesses int64
	totalFailures  int64
	totalRejected  int64
}

// NewRedisBreaker creates a distributed breaker for upstream keyed by upstreamKey.
func NewRedisBreaker(upstreamKey string, cfg Config, coord *coordination.Client, onStateChange func(from, to string)) *RedisBreaker {
	cfg.applyDefaults()
	return &RedisBreaker{
		coord:         coord,
		keyPrefix:     "gw:cb:" + upstreamKey + ":",
		cfg:           cfg,
		onStateChange: onStateChange,
	}
}

func (rb *RedisBreaker) keys() []string {
	return []string{
		rb.keyPrefix + "state",
		rb.keyPrefix + "failures",
		rb.keyPrefix + "successes",
		rb.keyPrefix + "opened_at",
		rb.keyPrefix + "half_open_count",
	}
}

// Allow checks Redis state to decide if a request is allowed, failing
// open (allowing the request) whenever Redis cannot be reached: an
// outage in the coordination layer must never itself cause outages in
// backends that are otherwise healthy.
func (rb *RedisBreaker) Allow() (func(error), error) {
	ctx, cancel := rb.coord.CallContext(context.Background())
	defer cancel()

	out, err := allowScript.Run(ctx, rb.coord.Raw(), rb.keys(),
		int(rb.cfg.ResetTimeout.Seconds()),
		rb.cfg.HalfOpenRequests,
		time.Now().Unix(),
	).Slice()

	if err != nil || len(out) == 0 {
		return func(error) {}, nil
	}

	if allowed, _ := out[0].(int64); allowed == 0 {
		return nil, ErrOpen
	}

	return func(outcomeErr error) { rb.reportOutcome(outcomeErr) }, nil
}

func (rb *RedisBreaker) reportOutcome(outcomeErr error) {
	ctx, cancel := rb.coord.CallContext(context.Background())
	defer cancel()

	isFailure := 0
	if outcomeErr != nil {
		isFailure = 1
	}

	out, err := reportScript.Run(ctx, rb.coord.Raw(), rb.keys(),
		isFailure,
		rb.cfg.FailureThreshold,
		int(rb.cfg.ResetTimeout.Seconds()),
	).StringSlice()
	if err != nil {
		return
	}

	if newState, oldState := out[0], out[1]; newState != oldState && rb.onStateChange != nil {
		rb.onStateChange(oldState, newState)
	}
}

// Snapshot returns a point-in-time view of the breaker's Redis state.
func (rb *RedisBreaker) Snapshot() Snapshot {
	ctx, cancel := rb.coord.CallContext(context.Background())
	defer cancel()

	state := "closed"
	if s, err := rb.coord.Raw().Get(ctx, rb.keyPrefix+"state").Result(); err == nil {
		state = s
	}

	return Snapshot{
		State:            state,
		FailureThreshold: rb.cfg.FailureThreshold,
		SuccessThreshold: rb.cfg.SuccessThreshold,
	}
}
