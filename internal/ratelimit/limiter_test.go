package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/wudi/edgegate/internal/coordination"
)

func newTestCoordination(t *testing.T) *coordination.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return coordination.NewFromClient(rdb, time.Second)
}

func TestTokenBucketLimiterAllowsUpToBurstThenDenies(t *testing.T) {
	coord := newTestCoordination(t)
	tb := NewTokenBucketLimiter(coord, "")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := tb.Check(ctx, "client-a", 3, 60, 1)
		if err != nil {
			t.Fatalf("Check: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("request %d: expected allowed", i)
		}
	}

	res, err := tb.Check(ctx, "client-a", 3, 60, 1)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.Allowed {
		t.Fatalf("expected 4th request to be denied")
	}
	if res.RetryAfter <= 0 {
		t.Fatalf("expected positive retry-after, got %v", res.RetryAfter)
	}
}

func TestSlidingWindowLogLimiterDeniesOverLimit(t *testing.T) {
	coord := newTestCoordination(t)
	sw := NewSlidingWindowLogLimiter(coord, "")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := sw.Check(ctx, "client-b", 2, 10, 1)
		if err != nil || !res.Allowed {
			t.Fatalf("expected allow on request %d, got %+v err=%v", i, res, err)
		}
	}
	res, err := sw.Check(ctx, "client-b", 2, 10, 1)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.Allowed {
		t.Fatalf("expected denial over the limit")
	}
}

func TestSlidingWindowCounterLimiterTracksEstimate(t *testing.T) {
	coord := newTestCoordination(t)
	sw := NewSlidingWindowCounterLimiter(coord, "")
	ctx := context.Background()

	res, err := sw.Check(ctx, "client-c", 5, 60, 5)
	if err != nil || !res.Allowed {
		t.Fatalf("expected allow consuming full burst, got %+v err=%v", res, err)
	}
	res, err = sw.Check(ctx, "client-c", 5, 60, 1)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.Allowed {
		t.Fatalf("expected denial once the estimate exceeds the limit")
	}
}

func TestEngineFailsOpenWhenBackendUnreachable(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	coord := coordination.NewFromClient(rdb, 50*time.Millisecond)
	mr.Close() // backend now unreachable

	tb := NewTokenBucketLimiter(coord, "")
	swl := NewSlidingWindowLogLimiter(coord, "")
	swc := NewSlidingWindowCounterLimiter(coord, "")
	engine := NewEngine(tb, swl, swc)

	res, err := engine.Check(context.Background(), AlgorithmTokenBucket, "client-d", 1, 0, 60, 1)
	if err != nil {
		t.Fatalf("Check should fail open without error, got: %v", err)
	}
	if !res.Allowed {
		t.Fatalf("expected fail-open to allow the request")
	}
	if res.Remaining != 1 {
		t.Fatalf("expected fail-open to report remaining equal to limit, got %d", res.Remaining)
	}
	if snap := engine.Metrics().Snapshot(); snap.FailedOpen != 1 {
		t.Fatalf("expected 1 failed-open recorded, got %d", snap.FailedOpen)
	}
}

func TestResetClearsBucket(t *testing.T) {
	coord := newTestCoordination(t)
	tb := NewTokenBucketLimiter(coord, "")
	ctx := context.Background()

	if _, err := tb.Check(ctx, "client-e", 1, 60, 1); err != nil {
		t.Fatalf("Check: %v", err)
	}
	res, _ := tb.Check(ctx, "client-e", 1, 60, 1)
	if res.Allowed {
		t.Fatalf("expected bucket to be exhausted")
	}

	if err := tb.Reset(ctx, "client-e"); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	res, err := tb.Check(ctx, "client-e", 1, 60, 1)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !res.Allowed {
		t.Fatalf("expected bucket to be refilled after reset")
	}
}
