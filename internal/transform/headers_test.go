package transform

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/wudi/edgegate/internal/reqctx"
)

func TestTransformRequestInjectsPrincipalAndForwardedHeaders(t *testing.T) {
	p := New(RequestConfig{
		InjectPrincipalHeaders: true,
		InjectForwardedHeaders: true,
		InjectRequestID:        true,
	}, ResponseConfig{}, nil)

	r := httptest.NewRequest("GET", "/orders", nil)
	r.RemoteAddr = "203.0.113.9:54321"
	rc := &reqctx.Context{
		RequestID: "req-1",
		ClientIP:  "203.0.113.9",
		Principal: reqctx.Principal{ID: "user-42", Type: "api-key", Tier: "gold"},
	}

	p.TransformRequest(r, rc)

	if got := r.Header.Get("X-User-Id"); got != "user-42" {
		t.Fatalf("X-User-Id = %q", got)
	}
	if got := r.Header.Get("X-Auth-Type"); got != "api-key" {
		t.Fatalf("X-Auth-Type = %q", got)
	}
	if got := r.Header.Get("X-User-Tier"); got != "gold" {
		t.Fatalf("X-User-Tier = %q", got)
	}
	if got := r.Header.Get("X-Forwarded-For"); got != "203.0.113.9" {
		t.Fatalf("X-Forwarded-For = %q", got)
	}
	if got := r.Header.Get("X-Request-Id"); got != "req-1" {
		t.Fatalf("X-Request-Id = %q", got)
	}
}

func TestTransformRequestAddSetRemoveRename(t *testing.T) {
	p := New(RequestConfig{
		Remove: []string{"X-Drop"},
		Rename: []HeaderOp{{Name: "X-New", From: "X-Old"}},
		Add:    []HeaderOp{{Name: "X-Added", Value: "v1"}},
		Set:    []HeaderOp{{Name: "X-Set", Value: "route=${route_id}"}},
	}, ResponseConfig{}, nil)

	r := httptest.NewRequest("GET", "/x", nil)
	r.Header.Set("X-Drop", "gone")
	r.Header.Set("X-Old", "carried")

	p.TransformRequest(r, &reqctx.Context{RouteID: "orders"})

	if r.Header.Get("X-Drop") != "" {
		t.Fatalf("expected X-Drop removed")
	}
	if got := r.Header.Get("X-New"); got != "carried" {
		t.Fatalf("X-New = %q", got)
	}
	if got := r.Header.Get("X-Added"); got != "v1" {
		t.Fatalf("X-Added = %q", got)
	}
	if got := r.Header.Get("X-Set"); got != "route=orders" {
		t.Fatalf("X-Set = %q", got)
	}
}

func TestTransformResponseAppliesSecurityHeadersUnlessSet(t *testing.T) {
	p := New(RequestConfig{}, ResponseConfig{
		StripSensitive:  []string{"Server"},
		SecurityHeaders: DefaultSecurityHeaders(),
	}, nil)

	h := http.Header{}
	h.Set("Server", "upstream/1.0")
	h.Set("X-Frame-Options", "SAMEORIGIN")

	p.TransformResponse(h, &reqctx.Context{RequestID: "req-9"})

	if h.Get("Server") != "" {
		t.Fatalf("expected Server stripped")
	}
	if got := h.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("X-Content-Type-Options = %q", got)
	}
	if got := h.Get("X-Frame-Options"); got != "SAMEORIGIN" {
		t.Fatalf("expected existing X-Frame-Options preserved, got %q", got)
	}
	if got := h.Get("X-Request-Id"); got != "req-9" {
		t.Fatalf("X-Request-Id = %q", got)
	}
}
