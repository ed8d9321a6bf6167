package ruleset

import (
	"net"
	"net/http"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/wudi/edgegate/internal/reqctx"
)

// BypassConfig lists the allowances that exempt a request from rate
// limiting entirely, evaluated before rule matching.
type BypassConfig struct {
	IPs        []string // CIDRs or bare IPs
	Principals []string // principal IDs (user/service/API key)
	Paths      []string // doublestar globs, matched the same way rule paths are
}

// Bypass compiles a BypassConfig into something cheap to evaluate per request.
type Bypass struct {
	nets       []*net.IPNet
	principals map[string]struct{}
	paths      []string
}

// NewBypass compiles cfg, rejecting any malformed CIDR/IP.
func NewBypass(cfg BypassConfig) (*Bypass, error) {
	b := &Bypass{principals: make(map[string]struct{}, len(cfg.Principals))}

	for _, raw := range cfg.IPs {
		ipNet, err := parseCIDROrIP(raw)
		if err != nil {
			return nil, err
		}
		b.nets = append(b.nets, ipNet)
	}
	for _, p := range cfg.Principals {
		b.principals[p] = struct{}{}
	}
	for _, p := range cfg.Paths {
		if !doublestar.ValidatePattern(p) {
			return nil, &InvalidPatternError{Rule: "bypass", Pattern: p}
		}
		b.paths = append(b.paths, p)
	}

	return b, nil
}

func parseCIDROrIP(raw string) (*net.IPNet, error) {
	if _, ipNet, err := net.ParseCIDR(raw); err == nil {
		return ipNet, nil
	}
	ip := net.ParseIP(raw)
	if ip == nil {
		return nil, &net.ParseError{Type: "IP address", Text: raw}
	}
	bits := 32
	if ip.To4() == nil {
		bits = 128
	}
	_, ipNet, err := net.ParseCIDR(raw + "/" + itoa(bits))
	return ipNet, err
}

func itoa(n int) string {
	if n == 32 {
		return "32"
	}
	return "128"
}

// Allow reports whether r should bypass rate limiting entirely, and if so
// why. The "internal=true" query marker lets trusted internal callers
// (health probes, other gateway instances) opt out explicitly. Sources
// are checked in the order the spec lists them: IP whitelist, principal
// whitelist, path whitelist, then the internal marker.
func (b *Bypass) Allow(r *http.Request, rc *reqctx.Context) (bool, string) {
	if b == nil {
		return false, ""
	}

	if rc != nil && rc.ClientIP != "" {
		if ip := net.ParseIP(rc.ClientIP); ip != nil {
			for _, n := range b.nets {
				if n.Contains(ip) {
					return true, "ip_whitelist"
				}
			}
		}
	}

	if rc != nil && rc.Principal.ID != "" {
		if _, ok := b.principals[rc.Principal.ID]; ok {
			return true, "principal_whitelist"
		}
	}

	path := trimLeadingSlash(r.URL.Path)
	for _, pattern := range b.paths {
		if ok, err := doublestar.Match(pattern, path); err == nil && ok {
			return true, "path_whitelist"
		}
	}

	if r.URL.Query().Get("internal") == "true" {
		return true, "internal"
	}

	return false, ""
}
