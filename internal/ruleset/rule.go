// Package ruleset implements rate-limit rule matching (C3) and bypass
// evaluation (C4). Rules are matched in priority order against the
// inbound request's method, path, tier, and identity; the first match
// wins. Ties are broken deterministically by rule ID so two gateway
// instances loading the same config always agree.
package ruleset

import (
	"net"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/wudi/edgegate/internal/ratelimit"
)

// HeaderRequirement is a header that must be present on the request with
// exactly the configured value for a rule to match.
type HeaderRequirement struct {
	Name  string
	Value string
}

// Rule describes one rate-limit policy: what it matches, how to derive
// the limiter key from a matching request, and the budget to enforce.
type Rule struct {
	ID       string
	Priority int // higher wins; ties broken by ID
	Enabled  bool

	// Path is a doublestar glob ("*" matches one segment, "**" matches
	// any number of segments) evaluated against the request path.
	Path    string
	Methods []string // empty matches all methods

	// The remaining predicate fields are optional; an empty slice means
	// "don't care" and never excludes a request. When set, a request
	// must match at least one entry of Tiers, UserIDs, IPs, and APIKeys,
	// and every entry of Headers.
	Tiers    []string
	UserIDs  []string
	IPs      []string // CIDRs or bare IPs
	APIKeys  []string
	Headers  []HeaderRequirement

	KeyStrategy KeyStrategy
	Algorithm   ratelimit.Algorithm

	Limit         int
	WindowSeconds int
	Burst         int // bucket capacity override; 0 means "use Limit"
	Cost          int // per-request cost, defaults to 1
}

// KeyStrategy selects how a matching request is reduced to a limiter key.
type KeyStrategy string

const (
	KeyStrategyIP           KeyStrategy = "ip"
	KeyStrategyUser         KeyStrategy = "user"
	KeyStrategyAPIKey       KeyStrategy = "api-key"
	KeyStrategyIPEndpoint   KeyStrategy = "ip-endpoint"
	KeyStrategyUserEndpoint KeyStrategy = "user-endpoint"
	KeyStrategyComposite    KeyStrategy = "composite"
)

// RateLimitSpec is the budget half of a Rule, reused as the synthetic
// rule spec.md requires when no configured rule matches a request: a
// tier's default limits, or failing that, the global default.
type RateLimitSpec struct {
	Algorithm     ratelimit.Algorithm
	Limit         int
	WindowSeconds int
	Burst         int
}

// Set is a priority-ordered, compiled collection of rules.
type Set struct {
	rules []compiledRule

	tierDefaults  map[string]RateLimitSpec
	globalDefault *RateLimitSpec
}

type compiledRule struct {
	Rule
	pattern string // pre-validated glob, kept for doublestar.Match
	nets    []*net.IPNet
}

// NewSet compiles rules into a Set ordered by descending priority, then
// ascending ID for deterministic tie-breaks. Invalid globs or IPs are
// rejected. Disabled rules are kept (so admin tooling can list them) but
// Match always skips them.
func NewSet(rules []Rule) (*Set, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		if r.Path == "" {
			r.Path = "**"
		}
		if !doublestar.ValidatePattern(r.Path) {
			return nil, &InvalidPatternError{Rule: r.ID, Pattern: r.Path}
		}
		if r.Cost <= 0 {
			r.Cost = 1
		}
		cr := compiledRule{Rule: r, pattern: r.Path}
		for _, raw := range r.IPs {
			ipNet, err := parseCIDROrIP(raw)
			if err != nil {
				return nil, err
			}
			cr.nets = append(cr.nets, ipNet)
		}
		compiled = append(compiled, cr)
	}

	sort.SliceStable(compiled, func(i, j int) bool {
		if compiled[i].Priority != compiled[j].Priority {
			return compiled[i].Priority > compiled[j].Priority
		}
		return compiled[i].ID < compiled[j].ID
	})

	return &Set{rules: compiled}, nil
}

// WithDefaults attaches the per-tier and global fallback budgets used to
// synthesize a rule when nothing in the set matches a request. Returns s
// for chaining at construction time.
func (s *Set) WithDefaults(tierDefaults map[string]RateLimitSpec, global *RateLimitSpec) *Set {
	s.tierDefaults = tierDefaults
	s.globalDefault = global
	return s
}

// InvalidPatternError reports a rule whose Path glob doublestar rejects.
type InvalidPatternError struct {
	Rule    string
	Pattern string
}

func (e *InvalidPatternError) Error() string {
	return "ruleset: rule " + e.Rule + " has invalid path pattern " + e.Pattern
}
