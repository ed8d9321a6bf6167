// Package ratelimit implements the gateway's rate-limit engine (C2): a
// single check/peek/reset contract backed by three interchangeable
// algorithms — token bucket, sliding-window log, and sliding-window
// counter — each evaluated atomically in Redis via a Lua script so that
// concurrent gateway instances share one view of a key's budget.
package ratelimit

import (
	"context"
	"time"
)

// Algorithm selects which scripted strategy a Rule evaluates with.
type Algorithm string

const (
	AlgorithmTokenBucket            Algorithm = "token_bucket"
	AlgorithmSlidingWindowLog       Algorithm = "sliding_window_log"
	AlgorithmSlidingWindowCounter   Algorithm = "sliding_window_counter"
)

// Result is the outcome of a Check or Peek call.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration // only meaningful when !Allowed
}

// Limiter is the uniform interface every algorithm implements. limit and
// windowSeconds describe the rule being enforced; cost lets a single
// request consume more than one unit (defaults to 1 at the call site).
type Limiter interface {
	Check(ctx context.Context, key string, limit, windowSeconds, cost int) (Result, error)
	Peek(ctx context.Context, key string, limit, windowSeconds int) (Result, error)
	Reset(ctx context.Context, key string) error
}

// BurstLimiter is implemented by algorithms that distinguish a bucket
// capacity (burst) from the limit used to derive the refill/decay rate —
// currently only TokenBucketLimiter. Engine.Check uses it when a rule
// specifies a burst, falling back to Check otherwise.
type BurstLimiter interface {
	CheckWithBurst(ctx context.Context, key string, limit, burst, windowSeconds, cost int) (Result, error)
}

// Engine dispatches to the configured algorithm's Limiter and records
// metrics around every call, failing open whenever the coordination
// backend (Redis) is unreachable — an outage must never turn into a
// site-wide 429 storm.
type Engine struct {
	limiters map[Algorithm]Limiter
	metrics  *Metrics
}

// NewEngine wires every algorithm's Limiter behind one Engine.
func NewEngine(tokenBucket, slidingLog, slidingCounter Limiter) *Engine {
	return &Engine{
		limiters: map[Algorithm]Limiter{
			AlgorithmTokenBucket:          tokenBucket,
			AlgorithmSlidingWindowLog:     slidingLog,
			AlgorithmSlidingWindowCounter: slidingCounter,
		},
		metrics: NewMetrics(),
	}
}

// Metrics exposes the engine's running counters, e.g. for an admin endpoint.
func (e *Engine) Metrics() *Metrics { return e.metrics }

// Check evaluates key against algo's budget, fails open (Allowed=true,
// Remaining=limit) if the backend cannot be reached. burst overrides the
// bucket capacity for algorithms that implement BurstLimiter (token
// bucket); pass 0 to use limit as the capacity.
func (e *Engine) Check(ctx context.Context, algo Algorithm, key string, limit, burst, windowSeconds, cost int) (Result, error) {
	start := time.Now()
	e.metrics.recordCheck()

	l, ok := e.limiters[algo]
	if !ok {
		e.metrics.recordLatency(time.Since(start))
		return Result{Allowed: true, Limit: limit, Remaining: limit}, nil
	}

	var res Result
	var err error
	if burst > 0 {
		if bl, ok := l.(BurstLimiter); ok {
			res, err = bl.CheckWithBurst(ctx, key, limit, burst, windowSeconds, cost)
		} else {
			res, err = l.Check(ctx, key, limit, windowSeconds, cost)
		}
	} else {
		res, err = l.Check(ctx, key, limit, windowSeconds, cost)
	}
	e.metrics.recordLatency(time.Since(start))

	if err != nil {
		e.metrics.recordFailOpen()
		return Result{Allowed: true, Limit: limit, Remaining: limit}, nil
	}

	if res.Allowed {
		e.metrics.recordAllowed()
	} else {
		e.metrics.recordDenied()
	}
	return res, nil
}

// Peek reports the current budget for key without consuming from it.
func (e *Engine) Peek(ctx context.Context, algo Algorithm, key string, limit, windowSeconds int) (Result, error) {
	l, ok := e.limiters[algo]
	if !ok {
		return Result{Allowed: true, Limit: limit, Remaining: limit}, nil
	}
	res, err := l.Peek(ctx, key, limit, windowSeconds)
	if err != nil {
		return Result{Allowed: true, Limit: limit, Remaining: limit}, nil
	}
	return res, nil
}

// Reset clears key's budget under algo, used by admin tooling.
func (e *Engine) Reset(ctx context.Context, algo Algorithm, key string) error {
	l, ok := e.limiters[algo]
	if !ok {
		return nil
	}
	return l.Reset(ctx, key)
}
