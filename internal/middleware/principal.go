package middleware

import (
	"net/http"

	"github.com/wudi/edgegate/internal/reqctx"
)

// PrincipalConfig names the trusted headers an upstream auth terminator
// (an API gateway sidecar, an mTLS proxy, an SSO edge) sets once it has
// established identity. The gateway itself never authenticates; it only
// reads what's already been decided in front of it.
type PrincipalConfig struct {
	IDHeader   string
	TypeHeader string
	TierHeader string
}

// DefaultPrincipalConfig matches the header names documented for
// operators fronting the gateway with an auth layer.
var DefaultPrincipalConfig = PrincipalConfig{
	IDHeader:   "X-Principal-Id",
	TypeHeader: "X-Principal-Type",
	TierHeader: "X-Principal-Tier",
}

// Principal creates a middleware that populates reqctx.Context.Principal
// from trusted headers, using DefaultPrincipalConfig.
func Principal() Middleware {
	return PrincipalWithConfig(DefaultPrincipalConfig)
}

// PrincipalWithConfig creates the principal-attachment middleware with a
// custom header mapping. It must run after RequestID (which attaches the
// reqctx.Context) and before any rule matching or rate limiting, since
// C3/C4 key off rc.Principal.
func PrincipalWithConfig(cfg PrincipalConfig) Middleware {
	if cfg.IDHeader == "" {
		cfg.IDHeader = DefaultPrincipalConfig.IDHeader
	}
	if cfg.TypeHeader == "" {
		cfg.TypeHeader = DefaultPrincipalConfig.TypeHeader
	}
	if cfg.TierHeader == "" {
		cfg.TierHeader = DefaultPrincipalConfig.TierHeader
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc := reqctx.FromRequest(r)
			if rc != nil {
				rc.Principal = reqctx.Principal{
					ID:   r.Header.Get(cfg.IDHeader),
					Type: r.Header.Get(cfg.TypeHeader),
					Tier: r.Header.Get(cfg.TierHeader),
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
