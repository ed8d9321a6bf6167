package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/wudi/edgegate/internal/reqctx"
)

func TestPrincipalReadsTrustedHeaders(t *testing.T) {
	var got reqctx.Principal
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = reqctx.FromRequest(r).Principal
		w.WriteHeader(http.StatusOK)
	})

	chain := NewChain(RequestID(), Principal())
	final := chain.ThenFunc(handler.ServeHTTP)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("X-Principal-Id", "user-1")
	req.Header.Set("X-Principal-Type", "user")
	req.Header.Set("X-Principal-Tier", "gold")
	rr := httptest.NewRecorder()

	final.ServeHTTP(rr, req)

	if got != (reqctx.Principal{ID: "user-1", Type: "user", Tier: "gold"}) {
		t.Fatalf("unexpected principal: %+v", got)
	}
}

func TestPrincipalAbsentHeadersLeaveZeroValue(t *testing.T) {
	var got reqctx.Principal
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = reqctx.FromRequest(r).Principal
		w.WriteHeader(http.StatusOK)
	})

	chain := NewChain(RequestID(), Principal())
	final := chain.ThenFunc(handler.ServeHTTP)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rr := httptest.NewRecorder()
	final.ServeHTTP(rr, req)

	if got != (reqctx.Principal{}) {
		t.Fatalf("expected zero-value principal, got %+v", got)
	}
}
