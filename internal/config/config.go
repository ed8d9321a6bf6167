// Package config loads, validates, and hot-reloads the gateway's YAML
// configuration. Decoded Config values are plain data; internal/server
// is responsible for turning them into the live routing.Router,
// ruleset.Set, breaker.Registry, and health.Checker instances.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/goccy/go-yaml"
)

// Config is the root of the gateway's configuration file.
type Config struct {
	Listen       ListenConfig       `yaml:"listen"`
	Logging      LoggingConfig      `yaml:"logging"`
	Coordination CoordinationConfig `yaml:"coordination"`
	Routes       []RouteConfig      `yaml:"routes"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
	Bypass       BypassConfig       `yaml:"bypass"`
	Breaker      BreakerConfig      `yaml:"breaker"`
	Health       HealthConfig       `yaml:"health"`
	Transform    TransformConfig    `yaml:"transform"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// ListenConfig describes the gateway's public HTTP(S) listener.
type ListenConfig struct {
	Address         string        `yaml:"address"`
	TLSCertFile     string        `yaml:"tls_cert_file"`
	TLSKeyFile      string        `yaml:"tls_key_file"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig controls structured log output.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Output     string `yaml:"output"` // "stdout", "stderr", or a file path
	MaxSize    int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// CoordinationConfig points at the shared-state backend used for
// distributed rate limiting and the distributed circuit breaker.
type CoordinationConfig struct {
	Address      string        `yaml:"address"`
	Password     string        `yaml:"password" redact:"true"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	CallTimeout  time.Duration `yaml:"call_timeout"`
}

// BackendConfig is one physical upstream instance behind a route.
type BackendConfig struct {
	Address string `yaml:"address"`
	Weight  int    `yaml:"weight"`
}

// HeaderMatchConfig mirrors routing.HeaderMatch for YAML decoding.
type HeaderMatchConfig struct {
	Name    string `yaml:"name"`
	Value   string `yaml:"value"`
	Present *bool  `yaml:"present"`
	Regex   string `yaml:"regex"`
}

// RouteConfig is one routable rule plus its candidate backends; the
// server layer expands Backends into one routing.Entry per backend so
// each RouteEntry still carries exactly one backend, matching C7's
// invariant that candidates are ranked individually.
type RouteConfig struct {
	ID       string              `yaml:"id"`
	Pattern  string              `yaml:"pattern"`
	Regex    bool                `yaml:"regex"`
	Domain   string              `yaml:"domain"`
	Methods  []string            `yaml:"methods"`
	Headers  []HeaderMatchConfig `yaml:"headers"`
	Backends []BackendConfig     `yaml:"backends"`

	RateLimitRule string `yaml:"rate_limit_rule"` // references RateLimitConfig.Rules[i].ID

	Degraded time.Duration `yaml:"degraded_after"` // health.Backend.DegradedAfter
}

// RateLimitConfig groups every ruleset.Rule in priority order, plus the
// tier/global synthetic rules the matcher falls back to when no explicit
// rule matches.
type RateLimitConfig struct {
	Rules         []RuleConfig                   `yaml:"rules"`
	TierDefaults  map[string]RateLimitSpecConfig `yaml:"tier_defaults"`
	GlobalDefault *RateLimitSpecConfig           `yaml:"global_default"`
}

// RateLimitSpecConfig mirrors ruleset.RateLimitSpec for YAML decoding.
type RateLimitSpecConfig struct {
	Algorithm     string `yaml:"algorithm"`
	Limit         int    `yaml:"limit"`
	WindowSeconds int    `yaml:"window_seconds"`
	Burst         int    `yaml:"burst"`
}

// HeaderRequirementConfig mirrors ruleset.HeaderRequirement for YAML decoding.
type HeaderRequirementConfig struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

// RuleConfig mirrors ruleset.Rule for YAML decoding.
type RuleConfig struct {
	ID       string `yaml:"id"`
	Priority int    `yaml:"priority"`
	Enabled  bool   `yaml:"enabled"`

	Path    string   `yaml:"path"`
	Methods []string `yaml:"methods"`

	Tiers   []string                  `yaml:"tiers"`
	UserIDs []string                  `yaml:"user_ids"`
	IPs     []string                  `yaml:"ips"`
	APIKeys []string                  `yaml:"api_keys"`
	Headers []HeaderRequirementConfig `yaml:"headers"`

	KeyStrategy   string `yaml:"key_strategy"`
	Algorithm     string `yaml:"algorithm"`
	Limit         int    `yaml:"limit"`
	WindowSeconds int    `yaml:"window_seconds"`
	Burst         int    `yaml:"burst"`
	Cost          int    `yaml:"cost"`
}

// BypassConfig mirrors ruleset.BypassConfig.
type BypassConfig struct {
	IPs        []string `yaml:"ips"`
	Principals []string `yaml:"principals"`
	Paths      []string `yaml:"paths"`
}

// BreakerConfig controls the circuit breaker used for every upstream.
type BreakerConfig struct {
	Distributed          bool          `yaml:"distributed"` // use Redis-backed breaker instead of local
	FailureThreshold     int           `yaml:"failure_threshold"`
	SuccessThreshold     int           `yaml:"success_threshold"`
	HalfOpenRequests     int           `yaml:"half_open_requests"`
	ResetTimeout         time.Duration `yaml:"reset_timeout"`
	WindowSize           int           `yaml:"window_size"` // minimum_request_threshold
	FailureWindow        time.Duration `yaml:"failure_window"`
	FailureRateThreshold float64       `yaml:"failure_rate_threshold"`
}

// HealthConfig controls the active health checker.
type HealthConfig struct {
	Interval           time.Duration `yaml:"interval"`
	Timeout            time.Duration `yaml:"timeout"`
	HealthyThreshold   int           `yaml:"healthy_threshold"`
	UnhealthyThreshold int           `yaml:"unhealthy_threshold"`
	Path               string        `yaml:"path"`
}

// TransformConfig controls the request/response header transform
// pipeline; see internal/transform for field semantics.
type TransformConfig struct {
	Request  RequestTransformConfig  `yaml:"request"`
	Response ResponseTransformConfig `yaml:"response"`
}

// HeaderOpConfig mirrors transform.HeaderOp.
type HeaderOpConfig struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
	From  string `yaml:"from"`
}

// RequestTransformConfig mirrors transform.RequestConfig.
type RequestTransformConfig struct {
	Add                    []HeaderOpConfig `yaml:"add"`
	Set                    []HeaderOpConfig `yaml:"set"`
	Remove                 []string         `yaml:"remove"`
	Rename                 []HeaderOpConfig `yaml:"rename"`
	InjectPrincipalHeaders bool             `yaml:"inject_principal_headers"`
	InjectForwardedHeaders bool             `yaml:"inject_forwarded_headers"`
	InjectRequestID        bool             `yaml:"inject_request_id"`
}

// ResponseTransformConfig mirrors transform.ResponseConfig.
type ResponseTransformConfig struct {
	Add             []HeaderOpConfig `yaml:"add"`
	Set             []HeaderOpConfig `yaml:"set"`
	Remove          []string         `yaml:"remove"`
	Rename          []HeaderOpConfig `yaml:"rename"`
	StripSensitive  []string         `yaml:"strip_sensitive"`
	SecurityHeaders bool             `yaml:"security_headers"` // apply transform.DefaultSecurityHeaders()
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

// Default returns a Config with every field the gateway needs to run
// standalone against loopback backends, suitable as a base before YAML
// overlay.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{
			Address:         ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
		},
		Coordination: CoordinationConfig{
			DialTimeout:  2 * time.Second,
			ReadTimeout:  time.Second,
			WriteTimeout: time.Second,
			CallTimeout:  500 * time.Millisecond,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			HalfOpenRequests: 1,
			ResetTimeout:     30 * time.Second,
		},
		Health: HealthConfig{
			Interval:           10 * time.Second,
			Timeout:            2 * time.Second,
			HealthyThreshold:   2,
			UnhealthyThreshold: 3,
			Path:               "/healthz",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: ":9090",
			Path:    "/metrics",
		},
	}
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func expandEnvVars(input string) string {
	return envPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := match[2 : len(match)-1]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return match
	})
}

// Load reads path, expands ${ENV_VAR} references, resolves
// ${scheme:reference} secret references against registry, and validates
// the result.
func Load(path string, registry *SecretRegistry) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data, registry)
}

// Parse decodes YAML bytes into a Config seeded from Default.
func Parse(data []byte, registry *SecretRegistry) (*Config, error) {
	cfg := Default()
	expanded := expandEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	if registry != nil {
		if err := resolveSecretRefs(cfg, registry); err != nil {
			return nil, fmt.Errorf("config: resolve secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return cfg, nil
}

// Validate checks cross-field invariants that YAML decoding alone can't
// enforce.
func Validate(cfg *Config) error {
	if cfg.Listen.Address == "" {
		return fmt.Errorf("listen.address is required")
	}

	routeIDs := make(map[string]bool, len(cfg.Routes))
	for _, r := range cfg.Routes {
		if r.ID == "" {
			return fmt.Errorf("route missing id")
		}
		if routeIDs[r.ID] {
			return fmt.Errorf("duplicate route id: %s", r.ID)
		}
		routeIDs[r.ID] = true
		if len(r.Backends) == 0 {
			return fmt.Errorf("route %s: at least one backend is required", r.ID)
		}
		for _, h := range r.Headers {
			if err := validateHeaderMatch(h); err != nil {
				return fmt.Errorf("route %s: %w", r.ID, err)
			}
		}
	}

	ruleIDs := make(map[string]bool, len(cfg.RateLimit.Rules))
	for _, rule := range cfg.RateLimit.Rules {
		if rule.ID == "" {
			return fmt.Errorf("rate_limit rule missing id")
		}
		if ruleIDs[rule.ID] {
			return fmt.Errorf("duplicate rate_limit rule id: %s", rule.ID)
		}
		ruleIDs[rule.ID] = true
		if rule.Limit <= 0 {
			return fmt.Errorf("rate_limit rule %s: limit must be > 0", rule.ID)
		}
		if rule.WindowSeconds <= 0 {
			return fmt.Errorf("rate_limit rule %s: window_seconds must be > 0", rule.ID)
		}
		switch rule.Algorithm {
		case "", "token_bucket", "sliding_window_log", "sliding_window_counter":
		default:
			return fmt.Errorf("rate_limit rule %s: unknown algorithm %q", rule.ID, rule.Algorithm)
		}
	}

	if cfg.Breaker.Distributed && cfg.Coordination.Address == "" {
		return fmt.Errorf("breaker.distributed requires coordination.address")
	}
	hasDistributedRule := false
	for _, rule := range cfg.RateLimit.Rules {
		if rule.Algorithm != "" {
			hasDistributedRule = true
		}
	}
	if hasDistributedRule && cfg.Coordination.Address == "" {
		return fmt.Errorf("rate_limit rules require coordination.address")
	}

	return nil
}

func validateHeaderMatch(h HeaderMatchConfig) error {
	set := 0
	if h.Value != "" {
		set++
	}
	if h.Present != nil {
		set++
	}
	if h.Regex != "" {
		set++
	}
	if set != 1 {
		return fmt.Errorf("header match %q must set exactly one of value, present, regex", h.Name)
	}
	if h.Regex != "" {
		if _, err := regexpCompile(h.Regex); err != nil {
			return fmt.Errorf("header match %q: invalid regex: %w", h.Name, err)
		}
	}
	return nil
}

// regexpCompile is indirected only so validateHeaderMatch stays free of
// a second top-level "regexp" import alias collision with envPattern's.
func regexpCompile(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile(pattern)
}
