package config

import (
	"strings"
	"testing"
)

const minimalYAML = `
listen:
  address: ":8080"
routes:
  - id: orders
    pattern: "api/orders/**"
    backends:
      - address: "http://127.0.0.1:9001"
`

func TestParseAppliesDefaultsAndValidates(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML), nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Logging.Level != "info" {
		t.Fatalf("expected default logging level, got %q", cfg.Logging.Level)
	}
	if len(cfg.Routes) != 1 || cfg.Routes[0].ID != "orders" {
		t.Fatalf("unexpected routes: %+v", cfg.Routes)
	}
}

func TestParseRejectsDuplicateRouteIDs(t *testing.T) {
	yaml := minimalYAML + `
  - id: orders
    pattern: "api/other/**"
    backends:
      - address: "http://127.0.0.1:9002"
`
	_, err := Parse([]byte(yaml), nil)
	if err == nil || !strings.Contains(err.Error(), "duplicate route id") {
		t.Fatalf("expected duplicate route id error, got %v", err)
	}
}

func TestParseRejectsDistributedRuleWithoutCoordination(t *testing.T) {
	yaml := minimalYAML + `
rate_limit:
  rules:
    - id: default
      algorithm: token_bucket
      limit: 100
      window_seconds: 60
`
	_, err := Parse([]byte(yaml), nil)
	if err == nil || !strings.Contains(err.Error(), "coordination.address") {
		t.Fatalf("expected coordination.address error, got %v", err)
	}
}

func TestResolveSecretRefsSubstitutesEnvValue(t *testing.T) {
	t.Setenv("GATEWAY_REDIS_PASSWORD", "s3cret")
	yaml := minimalYAML + `
coordination:
  address: "127.0.0.1:6379"
  password: "${env:GATEWAY_REDIS_PASSWORD}"
`
	cfg, err := Parse([]byte(yaml), DefaultSecretRegistry())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Coordination.Password != "s3cret" {
		t.Fatalf("expected resolved secret, got %q", cfg.Coordination.Password)
	}
}

func TestRedactConfigMasksTaggedFields(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML+`
coordination:
  address: "127.0.0.1:6379"
  password: "plaintext"
`), nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	redacted, err := RedactConfig(cfg)
	if err != nil {
		t.Fatalf("RedactConfig: %v", err)
	}
	if redacted.Coordination.Password != RedactedValue {
		t.Fatalf("expected password redacted, got %q", redacted.Coordination.Password)
	}
	if cfg.Coordination.Password != "plaintext" {
		t.Fatalf("RedactConfig must not mutate the original")
	}
}
