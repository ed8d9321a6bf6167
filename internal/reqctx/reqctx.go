// Package reqctx carries per-request gateway state alongside the inbound
// http.Request without mutating it. A Context is attached once at
// the front of the pipeline and read and enriched by every stage that
// follows (rule matching, rate limiting, routing, the proxy executor).
package reqctx

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// Principal identifies the caller the request has been attributed to,
// derived by whatever auth mechanism sits in front of the gateway. The
// gateway itself does not authenticate; it only reads identity already
// established upstream of it (trusted headers, mTLS terminator, etc).
type Principal struct {
	ID   string // stable caller identity used as a rate-limit/bypass key
	Type string // "user", "api-key", "service", ""
	Tier string // subscription/traffic tier, used by tiered rules
}

// Context is the gateway's per-request scratch space.
type Context struct {
	RequestID string
	RouteID   string
	ClientIP  string
	Principal Principal

	MatchedRule string // id of the RateLimitRule that applied, if any

	UpstreamAddr    string
	UpstreamStatus  int
	UpstreamAttempt int
	ResponseTime    time.Duration

	StartedAt time.Time

	Custom map[string]string
}

func (c *Context) reset() {
	*c = Context{}
}

var pool = sync.Pool{New: func() any { return &Context{} }}

// Acquire returns a zeroed Context from the pool.
func Acquire() *Context {
	return pool.Get().(*Context)
}

// Release returns c to the pool. Callers must not use c after this.
func Release(c *Context) {
	c.reset()
	pool.Put(c)
}

type ctxKey struct{}

// WithContext attaches c to req's context and returns the derived request.
func WithContext(r *http.Request, c *Context) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), ctxKey{}, c))
}

// FromRequest returns the Context attached to r, or nil if none was set.
func FromRequest(r *http.Request) *Context {
	c, _ := r.Context().Value(ctxKey{}).(*Context)
	return c
}

// ExtractClientIP returns the best-effort client IP for r, checking the
// realip-extracted value first and falling back to RemoteAddr.
func ExtractClientIP(r *http.Request, realIP string) string {
	if realIP != "" {
		return realIP
	}
	host := r.RemoteAddr
	if idx := lastColon(host); idx >= 0 {
		return host[:idx]
	}
	return host
}

func lastColon(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return i
		}
		if s[i] == ']' { // IPv6 literal without port
			return -1
		}
	}
	return -1
}
