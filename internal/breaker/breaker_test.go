package breaker

import (
	"testing"
	"time"
)

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	b := New(Config{FailureThreshold: 3, ResetTimeout: time.Minute})

	for i := 0; i < 3; i++ {
		allowed, err := b.Allow()
		if !allowed || err != nil {
			t.Fatalf("request %d should be allowed while closed", i)
		}
		b.RecordFailure()
	}

	allowed, err := b.Allow()
	if allowed || err != ErrOpen {
		t.Fatalf("expected breaker to be open, got allowed=%v err=%v", allowed, err)
	}
}

func TestBreakerHalfOpenRecoversAfterTimeout(t *testing.T) {
	b := New(Config{FailureThreshold: 1, ResetTimeout: 10 * time.Millisecond, SuccessThreshold: 1})

	b.Allow()
	b.RecordFailure()

	if allowed, _ := b.Allow(); allowed {
		t.Fatalf("expected request to be rejected immediately after trip")
	}

	time.Sleep(15 * time.Millisecond)

	allowed, err := b.Allow()
	if !allowed || err != nil {
		t.Fatalf("expected half-open probe to be allowed, got %v %v", allowed, err)
	}
	b.RecordSuccess()

	if snap := b.Snapshot(); snap.State != "closed" {
		t.Fatalf("expected breaker to close after success threshold met, got %s", snap.State)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := New(Config{FailureThreshold: 1, ResetTimeout: 5 * time.Millisecond})
	b.Allow()
	b.RecordFailure()
	time.Sleep(10 * time.Millisecond)

	b.Allow() // half-open probe
	b.RecordFailure()

	if snap := b.Snapshot(); snap.State != "open" {
		t.Fatalf("expected reopen on half-open failure, got %s", snap.State)
	}
}

func TestBreakerWindowedFailureRate(t *testing.T) {
	b := New(Config{WindowSize: 4, FailureRateThreshold: 0.5, ResetTimeout: time.Minute})

	b.Allow()
	b.RecordSuccess()
	b.Allow()
	b.RecordFailure()
	b.Allow()
	b.RecordFailure()
	b.Allow()
	b.RecordFailure()

	if snap := b.Snapshot(); snap.State != "open" {
		t.Fatalf("expected breaker to trip once failure rate crosses threshold, got %s", snap.State)
	}
}

func TestBreakerWindowedFailureRatePrunesStaleOutcomes(t *testing.T) {
	b := New(Config{WindowSize: 2, FailureWindow: 20 * time.Millisecond, FailureRateThreshold: 0.5, ResetTimeout: time.Minute})

	b.Allow()
	b.RecordFailure()
	b.Allow()
	b.RecordFailure()

	if snap := b.Snapshot(); snap.State != "open" {
		t.Fatalf("expected two failures inside the window to trip, got %s", snap.State)
	}

	b2 := New(Config{WindowSize: 2, FailureWindow: 10 * time.Millisecond, FailureRateThreshold: 0.5, ResetTimeout: time.Minute})
	b2.Allow()
	b2.RecordFailure()
	time.Sleep(15 * time.Millisecond) // first failure ages out of the window
	b2.Allow()
	b2.RecordFailure()

	if snap := b2.Snapshot(); snap.State != "closed" {
		t.Fatalf("expected the aged-out failure to not count toward the rate, got %s", snap.State)
	}
}

func TestBreakerRetryAfterReflectsResetTimeout(t *testing.T) {
	b := New(Config{FailureThreshold: 1, ResetTimeout: 50 * time.Millisecond})
	b.Allow()
	b.RecordFailure()

	ra := b.RetryAfter()
	if ra <= 0 || ra > 50*time.Millisecond {
		t.Fatalf("expected retryAfter within (0, 50ms], got %v", ra)
	}
}
