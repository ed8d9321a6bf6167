package ruleset

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/wudi/edgegate/internal/ratelimit"
	"github.com/wudi/edgegate/internal/reqctx"
)

func TestSetMatchPicksHighestPriority(t *testing.T) {
	set, err := NewSet([]Rule{
		{ID: "low", Enabled: true, Priority: 1, Path: "api/**", Limit: 100, WindowSeconds: 60},
		{ID: "high", Enabled: true, Priority: 10, Path: "api/orders/**", Limit: 10, WindowSeconds: 60},
	})
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}

	r := httptest.NewRequest(http.MethodGet, "/api/orders/123", nil)
	rule, ok := set.Match(r, &reqctx.Context{})
	if !ok || rule.ID != "high" {
		t.Fatalf("expected rule 'high' to match, got %+v ok=%v", rule, ok)
	}
}

func TestSetMatchRespectsMethods(t *testing.T) {
	set, err := NewSet([]Rule{
		{ID: "writes", Enabled: true, Priority: 5, Path: "**", Methods: []string{http.MethodPost, http.MethodPut}, Limit: 5, WindowSeconds: 60},
	})
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}

	get := httptest.NewRequest(http.MethodGet, "/anything", nil)
	if _, ok := set.Match(get, &reqctx.Context{}); ok {
		t.Fatalf("GET should not match a POST/PUT-only rule")
	}

	post := httptest.NewRequest(http.MethodPost, "/anything", nil)
	if _, ok := set.Match(post, &reqctx.Context{}); !ok {
		t.Fatalf("POST should match")
	}
}

func TestSetMatchSkipsDisabledRules(t *testing.T) {
	set, err := NewSet([]Rule{
		{ID: "off", Enabled: false, Priority: 100, Path: "**", Limit: 1, WindowSeconds: 60},
	})
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}
	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	if _, ok := set.Match(r, &reqctx.Context{}); ok {
		t.Fatalf("disabled rule should never match")
	}
}

func TestSetMatchRequiresTierAndHeader(t *testing.T) {
	set, err := NewSet([]Rule{
		{
			ID: "gold-only", Enabled: true, Priority: 10, Path: "**",
			Tiers:         []string{"gold"},
			Headers:       []HeaderRequirement{{Name: "X-Feature", Value: "beta"}},
			Limit:         1,
			WindowSeconds: 60,
		},
	})
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}

	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	r.Header.Set("X-Feature", "beta")
	if _, ok := set.Match(r, &reqctx.Context{Principal: reqctx.Principal{Tier: "silver"}}); ok {
		t.Fatalf("wrong tier should not match")
	}
	if _, ok := set.Match(r, &reqctx.Context{Principal: reqctx.Principal{Tier: "gold"}}); !ok {
		t.Fatalf("matching tier and header should match")
	}

	r2 := httptest.NewRequest(http.MethodGet, "/x", nil)
	if _, ok := set.Match(r2, &reqctx.Context{Principal: reqctx.Principal{Tier: "gold"}}); ok {
		t.Fatalf("missing required header should not match")
	}
}

func TestSetMatchFallsBackToTierDefaultThenGlobal(t *testing.T) {
	set, err := NewSet(nil)
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}
	global := &RateLimitSpec{Algorithm: ratelimit.AlgorithmTokenBucket, Limit: 10, WindowSeconds: 60}
	set.WithDefaults(map[string]RateLimitSpec{
		"gold": {Algorithm: ratelimit.AlgorithmTokenBucket, Limit: 1000, WindowSeconds: 60},
	}, global)

	r := httptest.NewRequest(http.MethodGet, "/anything", nil)

	rule, ok := set.Match(r, &reqctx.Context{Principal: reqctx.Principal{Tier: "gold"}})
	if !ok || rule.Limit != 1000 {
		t.Fatalf("expected tier default to apply, got %+v ok=%v", rule, ok)
	}

	rule, ok = set.Match(r, &reqctx.Context{})
	if !ok || rule.Limit != 10 {
		t.Fatalf("expected global default to apply, got %+v ok=%v", rule, ok)
	}
}

func TestSetMatchNoDefaultsMeansUnlimited(t *testing.T) {
	set, err := NewSet(nil)
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}
	r := httptest.NewRequest(http.MethodGet, "/anything", nil)
	if _, ok := set.Match(r, &reqctx.Context{}); ok {
		t.Fatalf("expected no match when neither a rule nor a default applies")
	}
}

func TestDeriveKeyFallsBackToIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	rc := &reqctx.Context{ClientIP: "10.0.0.5"}

	key := DeriveKey(Rule{KeyStrategy: KeyStrategyUser}, r, rc)
	if key != "ip:10.0.0.5" {
		t.Fatalf("expected fallback to IP, got %q", key)
	}

	rc.Principal.ID = "user-42"
	key = DeriveKey(Rule{KeyStrategy: KeyStrategyUser}, r, rc)
	if key != "user:user-42" {
		t.Fatalf("expected user key, got %q", key)
	}
}

func TestDeriveKeyLiteralFormats(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/orders", nil)
	rc := &reqctx.Context{ClientIP: "10.0.0.5", Principal: reqctx.Principal{ID: "u1"}}

	if got := DeriveKey(Rule{KeyStrategy: KeyStrategyIPEndpoint}, r, rc); got != "ip:10.0.0.5:ep:/orders" {
		t.Fatalf("ip-endpoint: got %q", got)
	}
	if got := DeriveKey(Rule{KeyStrategy: KeyStrategyUserEndpoint}, r, rc); got != "user:u1:ep:/orders" {
		t.Fatalf("user-endpoint: got %q", got)
	}
	if got := DeriveKey(Rule{KeyStrategy: KeyStrategyComposite}, r, rc); got != "user|ip:u1:ep:/orders:m:POST" {
		t.Fatalf("composite: got %q", got)
	}

	apiRC := &reqctx.Context{ClientIP: "10.0.0.5", Principal: reqctx.Principal{ID: "secret-key", Type: "api-key"}}
	got := DeriveKey(Rule{KeyStrategy: KeyStrategyAPIKey}, r, apiRC)
	if got == "key:secret-key" || got[:4] != "key:" {
		t.Fatalf("api-key: expected a hashed key, got %q", got)
	}
}

func TestBypassAllowsInternalMarker(t *testing.T) {
	b, err := NewBypass(BypassConfig{})
	if err != nil {
		t.Fatalf("NewBypass: %v", err)
	}
	r := httptest.NewRequest(http.MethodGet, "/x?internal=true", nil)
	ok, reason := b.Allow(r, &reqctx.Context{})
	if !ok || reason != "internal" {
		t.Fatalf("expected internal=true to bypass, got ok=%v reason=%q", ok, reason)
	}
}

func TestBypassAllowsWhitelistedIP(t *testing.T) {
	b, err := NewBypass(BypassConfig{IPs: []string{"10.0.0.0/8"}})
	if err != nil {
		t.Fatalf("NewBypass: %v", err)
	}
	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	if ok, reason := b.Allow(r, &reqctx.Context{ClientIP: "10.1.2.3"}); !ok || reason != "ip_whitelist" {
		t.Fatalf("expected IP in CIDR to bypass, got ok=%v reason=%q", ok, reason)
	}
	if ok, _ := b.Allow(r, &reqctx.Context{ClientIP: "192.168.1.1"}); ok {
		t.Fatalf("expected IP outside CIDR to not bypass")
	}
}

func TestBypassAllowsWhitelistedPath(t *testing.T) {
	b, err := NewBypass(BypassConfig{Paths: []string{"healthz"}})
	if err != nil {
		t.Fatalf("NewBypass: %v", err)
	}
	r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	if ok, reason := b.Allow(r, &reqctx.Context{}); !ok || reason != "path_whitelist" {
		t.Fatalf("expected /healthz to bypass, got ok=%v reason=%q", ok, reason)
	}
}
