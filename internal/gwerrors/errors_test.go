package gwerrors

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"
)

func TestWriteJSONEmitsRateLimitHeadersAndBody(t *testing.T) {
	resetAt := time.Unix(1700000000, 0)
	err := ErrRateLimited.WithRateLimit(2, 0, resetAt).WithRequestID("req-1").WithRetryAfter(1500 * time.Millisecond)

	rr := httptest.NewRecorder()
	err.WriteJSON(rr)

	if got := rr.Header().Get("X-RateLimit-Limit"); got != "2" {
		t.Fatalf("X-RateLimit-Limit = %q, want 2", got)
	}
	if got := rr.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Fatalf("X-RateLimit-Remaining = %q, want 0", got)
	}
	if got := rr.Header().Get("X-RateLimit-Reset"); got != "1700000000" {
		t.Fatalf("X-RateLimit-Reset = %q, want 1700000000", got)
	}
	if got := rr.Header().Get("Retry-After"); got != "2" {
		t.Fatalf("Retry-After = %q, want 2 (rounded up from 1.5s)", got)
	}
	if rr.Code != 429 {
		t.Fatalf("status = %d, want 429", rr.Code)
	}

	var body map[string]any
	if decErr := json.Unmarshal(rr.Body.Bytes(), &body); decErr != nil {
		t.Fatalf("decode body: %v", decErr)
	}
	if body["code"] != "RATE_LIMIT_EXCEEDED" {
		t.Fatalf("code = %v, want RATE_LIMIT_EXCEEDED", body["code"])
	}
	if body["limit"] != float64(2) {
		t.Fatalf("limit = %v, want 2", body["limit"])
	}
	if body["remaining"] != float64(0) {
		t.Fatalf("remaining = %v, want 0", body["remaining"])
	}
	if body["retryAfter"] != float64(2) {
		t.Fatalf("retryAfter = %v, want 2", body["retryAfter"])
	}
}

func TestWriteJSONOmitsRateLimitHeadersWhenUnset(t *testing.T) {
	rr := httptest.NewRecorder()
	ErrNotFound.WriteJSON(rr)

	for _, h := range []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"} {
		if got := rr.Header().Get(h); got != "" {
			t.Fatalf("header %s = %q, want unset", h, got)
		}
	}
}

func TestWithRateLimitDoesNotMutateOriginal(t *testing.T) {
	derived := ErrRateLimited.WithRateLimit(5, 3, time.Unix(0, 0))
	if ErrRateLimited.Limit != nil {
		t.Fatalf("expected shared ErrRateLimited to remain unmodified, got Limit=%v", ErrRateLimited.Limit)
	}
	if derived.Limit == nil || *derived.Limit != 5 {
		t.Fatalf("expected derived error to carry Limit=5, got %v", derived.Limit)
	}
}
