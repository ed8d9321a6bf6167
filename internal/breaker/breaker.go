// Package breaker implements the circuit breaker (C6), keyed per upstream
// backend rather than per route: a route with several backends tracks
// each backend's failures independently, so one bad instance opening its
// breaker does not take healthy siblings down with it.
package breaker

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// State is the breaker's lifecycle state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config tunes a single breaker's thresholds.
type Config struct {
	FailureThreshold int           // consecutive failures to trip, closed->open
	SuccessThreshold int           // consecutive successes to reset, half_open->closed
	HalfOpenRequests int           // concurrent probes allowed while half-open
	ResetTimeout     time.Duration // how long open lasts before trying half-open

	// WindowSize and FailureRateThreshold switch the closed-state trip
	// condition from "N consecutive failures" to "failure rate over
	// FailureWindow exceeds FailureRateThreshold, once at least
	// WindowSize outcomes have landed inside that window (the
	// minimumRequestThreshold)". Leave WindowSize at 0 to use the
	// simpler consecutive-failure mode.
	WindowSize           int // minimum outcomes required inside FailureWindow before tripping
	FailureWindow        time.Duration
	FailureRateThreshold float64
}

func (c *Config) applyDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.HalfOpenRequests <= 0 {
		c.HalfOpenRequests = 1
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.WindowSize > 0 && c.FailureWindow <= 0 {
		c.FailureWindow = 10 * time.Second
	}
}

// Breaker is an in-process circuit breaker for one upstream backend.
type Breaker struct {
	cfg Config

	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	halfOpenCount   int
	lastFailureTime time.Time
	outcomes        []outcomeRecord // time-ordered, only used in windowed mode

	totalRequests  atomic.Int64
	totalFailures  atomic.Int64
	totalSuccesses atomic.Int64
	totalRejected  atomic.Int64
}

// outcomeRecord is one Allow-ed request's result, timestamped so
// windowTripped can prune entries older than FailureWindow lazily on
// read instead of evicting by a fixed ring size.
type outcomeRecord struct {
	at      time.Time
	success bool
}

// New constructs a Breaker in the closed state.
func New(cfg Config) *Breaker {
	cfg.applyDefaults()
	b := &Breaker{cfg: cfg, state: StateClosed}
	if cfg.WindowSize > 0 {
		b.outcomes = make([]outcomeRecord, 0, cfg.WindowSize)
	}
	return b
}

// ErrOpen is returned by Allow while the breaker is open or its half-open
// probe budget is exhausted.
var ErrOpen = fmt.Errorf("circuit breaker is open")

// Allow reports whether a request may proceed, transitioning open->half_open
// once ResetTimeout has elapsed since the last recorded failure.
func (b *Breaker) Allow() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests.Add(1)

	switch b.state {
	case StateClosed:
		return true, nil

	case StateOpen:
		if time.Since(b.lastFailureTime) >= b.cfg.ResetTimeout {
			b.state = StateHalfOpen
			b.halfOpenCount = 1
			b.successCount = 0
			b.failureCount = 0
			return true, nil
		}
		b.totalRejected.Add(1)
		return false, ErrOpen

	case StateHalfOpen:
		if b.halfOpenCount < b.cfg.HalfOpenRequests {
			b.halfOpenCount++
			return true, nil
		}
		b.totalRejected.Add(1)
		return false, ErrOpen
	}

	return false, fmt.Errorf("breaker: unknown state %v", b.state)
}

// RetryAfter reports how long until Allow may succeed again, valid only
// when the breaker is open.
func (b *Breaker) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return 0
	}
	remaining := b.cfg.ResetTimeout - time.Since(b.lastFailureTime)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RecordSuccess reports a successful outcome for the last Allow-ed request.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalSuccesses.Add(1)
	b.recordOutcome(true)

	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.successCount++
		if b.halfOpenCount > 0 {
			b.halfOpenCount-- // probe finished, free its slot
		}
		if b.successCount >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failureCount = 0
			b.successCount = 0
			b.halfOpenCount = 0
		}
	}
}

// RecordFailure reports a failed outcome for the last Allow-ed request.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalFailures.Add(1)
	b.recordOutcome(false)

	switch b.state {
	case StateClosed:
		if b.cfg.WindowSize > 0 {
			if b.windowTripped() {
				b.trip()
			}
		} else {
			b.failureCount++
			if b.failureCount >= b.cfg.FailureThreshold {
				b.trip()
			}
		}
	case StateHalfOpen:
		b.trip()
		b.halfOpenCount = 0
		b.successCount = 0
	}
}

func (b *Breaker) trip() {
	b.state = StateOpen
	b.lastFailureTime = time.Now()
}

func (b *Breaker) recordOutcome(ok bool) {
	if b.cfg.WindowSize <= 0 {
		return
	}
	b.outcomes = append(b.outcomes, outcomeRecord{at: time.Now(), success: ok})
	b.pruneOutcomes()
}

// pruneOutcomes drops outcomes older than FailureWindow. Called lazily
// from windowTripped (and eagerly from recordOutcome to bound memory)
// rather than on a timer.
func (b *Breaker) pruneOutcomes() {
	if b.cfg.FailureWindow <= 0 || len(b.outcomes) == 0 {
		return
	}
	cutoff := time.Now().Add(-b.cfg.FailureWindow)
	i := 0
	for i < len(b.outcomes) && b.outcomes[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.outcomes = b.outcomes[i:]
	}
}

func (b *Breaker) windowTripped() bool {
	b.pruneOutcomes()
	if len(b.outcomes) < b.cfg.WindowSize {
		return false // not enough samples inside the window yet
	}
	failures := 0
	for _, o := range b.outcomes {
		if !o.success {
			failures++
		}
	}
	rate := float64(failures) / float64(len(b.outcomes))
	return rate >= b.cfg.FailureRateThreshold
}

// Snapshot is a point-in-time view of a breaker, for admin/observability endpoints.
type Snapshot struct {
	State            string        `json:"state"`
	FailureCount     int           `json:"failureCount"`
	SuccessCount     int           `json:"successCount"`
	FailureThreshold int           `json:"failureThreshold"`
	SuccessThreshold int           `json:"successThreshold"`
	RetryAfter       time.Duration `json:"retryAfter,omitempty"`
	TotalRequests    int64         `json:"totalRequests"`
	TotalFailures    int64         `json:"totalFailures"`
	TotalSuccesses   int64         `json:"totalSuccesses"`
	TotalRejected    int64         `json:"totalRejected"`
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	state := b.state
	var retryAfter time.Duration
	if state == StateOpen {
		retryAfter = b.cfg.ResetTimeout - time.Since(b.lastFailureTime)
		if retryAfter < 0 {
			retryAfter = 0
		}
	}
	snap := Snapshot{
		State:            state.String(),
		FailureCount:     b.failureCount,
		SuccessCount:     b.successCount,
		FailureThreshold: b.cfg.FailureThreshold,
		SuccessThreshold: b.cfg.SuccessThreshold,
		RetryAfter:       retryAfter,
		TotalRequests:    b.totalRequests.Load(),
		TotalFailures:    b.totalFailures.Load(),
		TotalSuccesses:   b.totalSuccesses.Load(),
		TotalRejected:    b.totalRejected.Load(),
	}
	b.mu.Unlock()
	return snap
}
