package ruleset

import (
	"net"
	"net/http"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/wudi/edgegate/internal/reqctx"
)

// Match scans enabled rules in descending priority (ties broken by ID)
// and returns the first whose predicate holds for r. If nothing matches,
// a synthetic rule is returned using the caller's tier default, falling
// back to the set's global default; ok is false only when neither exists.
func (s *Set) Match(r *http.Request, rc *reqctx.Context) (Rule, bool) {
	path := r.URL.Path
	for _, rule := range s.rules {
		if !rule.Enabled {
			continue
		}
		if !methodMatches(rule.Methods, r.Method) {
			continue
		}
		ok, err := doublestar.Match(rule.pattern, trimLeadingSlash(path))
		if err != nil || !ok {
			continue
		}
		if !tierMatches(rule.Tiers, rc) {
			continue
		}
		if !stringSetMatches(rule.UserIDs, principalID(rc)) {
			continue
		}
		if !ipSetMatches(rule.nets, rc) {
			continue
		}
		if !apiKeyMatches(rule.APIKeys, rc) {
			continue
		}
		if !headersMatch(rule.Headers, r) {
			continue
		}
		return rule.Rule, true
	}

	return s.defaultRule(rc)
}

// defaultRule synthesizes a fallback Rule from the caller's tier default,
// or the set's global default if no tier is known or configured.
func (s *Set) defaultRule(rc *reqctx.Context) (Rule, bool) {
	if rc != nil && rc.Principal.Tier != "" {
		if spec, ok := s.tierDefaults[rc.Principal.Tier]; ok {
			return specToRule("tier-default:"+rc.Principal.Tier, spec), true
		}
	}
	if s.globalDefault != nil {
		return specToRule("global-default", *s.globalDefault), true
	}
	return Rule{}, false
}

func specToRule(id string, spec RateLimitSpec) Rule {
	return Rule{
		ID:            id,
		Enabled:       true,
		KeyStrategy:   KeyStrategyIP,
		Algorithm:     spec.Algorithm,
		Limit:         spec.Limit,
		WindowSeconds: spec.WindowSeconds,
		Burst:         spec.Burst,
		Cost:          1,
	}
}

func methodMatches(methods []string, method string) bool {
	if len(methods) == 0 {
		return true
	}
	for _, m := range methods {
		if m == method {
			return true
		}
	}
	return false
}

func tierMatches(tiers []string, rc *reqctx.Context) bool {
	if len(tiers) == 0 {
		return true
	}
	if rc == nil {
		return false
	}
	for _, t := range tiers {
		if t == rc.Principal.Tier {
			return true
		}
	}
	return false
}

func stringSetMatches(set []string, value string) bool {
	if len(set) == 0 {
		return true
	}
	if value == "" {
		return false
	}
	for _, v := range set {
		if v == value {
			return true
		}
	}
	return false
}

func principalID(rc *reqctx.Context) string {
	if rc == nil {
		return ""
	}
	return rc.Principal.ID
}

func ipSetMatches(nets []*net.IPNet, rc *reqctx.Context) bool {
	if len(nets) == 0 {
		return true
	}
	if rc == nil || rc.ClientIP == "" {
		return false
	}
	ip := net.ParseIP(rc.ClientIP)
	if ip == nil {
		return false
	}
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func apiKeyMatches(keys []string, rc *reqctx.Context) bool {
	if len(keys) == 0 {
		return true
	}
	if rc == nil || rc.Principal.Type != "api-key" || rc.Principal.ID == "" {
		return false
	}
	for _, k := range keys {
		if k == rc.Principal.ID {
			return true
		}
	}
	return false
}

func headersMatch(required []HeaderRequirement, r *http.Request) bool {
	for _, h := range required {
		if r.Header.Get(h.Name) != h.Value {
			return false
		}
	}
	return true
}

func trimLeadingSlash(p string) string {
	if len(p) > 0 && p[0] == '/' {
		return p[1:]
	}
	return p
}
