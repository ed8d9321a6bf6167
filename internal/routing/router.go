package routing

import (
	"net/http"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	lru "github.com/hashicorp/golang-lru/v2"
)

// resolveCacheSize bounds the per-Router memoization of Resolve results.
// A Router is rebuilt wholesale on every config reload, so the cache never
// needs invalidation beyond the Router's own lifetime.
const resolveCacheSize = 4096

// Router holds every configured Entry and resolves inbound requests
// against them. It is immutable once built; the config watcher builds a
// fresh Router on every reload and swaps it in atomically at the server
// layer (see internal/server), so readers here never need locking.
type Router struct {
	entries   []compiled
	cache     *lru.Cache[string, []Entry]
	cacheable bool // false when any entry matches on headers, which Resolve's cache key doesn't capture
}

type compiled struct {
	Entry
	specificity int
	re          *regexp.Regexp // set when Entry.Regex
	headers     []compiledHeader
}

type compiledHeader struct {
	HeaderMatch
	re *regexp.Regexp
}

// Build compiles entries into a Router, pre-computing specificity and
// regex patterns once so Resolve stays allocation-light per request.
func Build(entries []Entry) (*Router, error) {
	out := make([]compiled, 0, len(entries))
	for _, e := range entries {
		c := compiled{Entry: e, specificity: Specificity(e.Pattern)}
		if e.Regex {
			re, err := regexp.Compile(e.Pattern)
			if err != nil {
				return nil, err
			}
			c.re = re
		} else if !doublestar.ValidatePattern(normalizeGlob(e.Pattern)) {
			return nil, &InvalidPatternError{Route: e.ID, Pattern: e.Pattern}
		}
		for _, hm := range e.Headers {
			ch := compiledHeader{HeaderMatch: hm}
			if hm.Regex != "" {
				re, err := regexp.Compile(hm.Regex)
				if err != nil {
					return nil, err
				}
				ch.re = re
			}
			c.headers = append(c.headers, ch)
		}
		out = append(out, c)
	}
	cache, err := lru.New[string, []Entry](resolveCacheSize)
	if err != nil {
		return nil, err
	}
	cacheable := true
	for _, c := range out {
		if len(c.headers) > 0 {
			cacheable = false
			break
		}
	}
	return &Router{entries: out, cache: cache, cacheable: cacheable}, nil
}

// InvalidPatternError reports a route whose Pattern failed to compile.
type InvalidPatternError struct {
	Route   string
	Pattern string
}

func (e *InvalidPatternError) Error() string {
	return "routing: route " + e.Route + " has invalid pattern " + e.Pattern
}

// Resolve returns every Entry matching r, ordered most specific first,
// with ties broken by ID for determinism across instances.
func (rt *Router) Resolve(r *http.Request) []Entry {
	path := normalizeGlob(r.URL.Path)

	if rt.cacheable {
		key := r.Method + "\x00" + r.Host + "\x00" + path
		if cached, ok := rt.cache.Get(key); ok {
			return cached
		}
		out := rt.resolve(r, path)
		rt.cache.Add(key, out)
		return out
	}
	return rt.resolve(r, path)
}

func (rt *Router) resolve(r *http.Request, path string) []Entry {
	var matches []compiled
	for _, c := range rt.entries {
		if !methodMatches(c.Methods, r.Method) {
			continue
		}
		if !domainMatches(c.Domain, r.Host) {
			continue
		}
		if !headersMatch(c.headers, r) {
			continue
		}
		if !c.patternMatches(path) {
			continue
		}
		matches = append(matches, c)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].specificity != matches[j].specificity {
			return matches[i].specificity > matches[j].specificity
		}
		return matches[i].ID < matches[j].ID
	})

	out := make([]Entry, len(matches))
	for i, c := range matches {
		out[i] = c.Entry
	}
	return out
}

func (c compiled) patternMatches(path string) bool {
	if c.re != nil {
		return c.re.MatchString(path)
	}
	ok, err := doublestar.Match(normalizeGlob(c.Pattern), path)
	return err == nil && ok
}

func normalizeGlob(p string) string {
	return strings.TrimPrefix(p, "/")
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

func domainMatches(pattern, host string) bool {
	if pattern == "" {
		return true
	}
	host = stripPort(host)
	if strings.HasPrefix(pattern, "*.") {
		return strings.HasSuffix(host, pattern[1:])
	}
	return pattern == host
}

func stripPort(host string) string {
	if idx := strings.LastIndexByte(host, ':'); idx >= 0 {
		return host[:idx]
	}
	return host
}

func headersMatch(matchers []compiledHeader, r *http.Request) bool {
	for _, hm := range matchers {
		v := r.Header.Get(hm.Name)
		switch {
		case hm.Present != nil:
			if (v != "") != *hm.Present {
				return false
			}
		case hm.re != nil:
			if !hm.re.MatchString(v) {
				return false
			}
		case hm.Value != "":
			if v != hm.Value {
				return false
			}
		}
	}
	return true
}
