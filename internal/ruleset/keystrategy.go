package ruleset

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"

	"github.com/wudi/edgegate/internal/reqctx"
)

// DeriveKey reduces a matching request to the string the rate limiter
// keys on, per the rule's KeyStrategy. Every strategy falls back to the
// client IP when its preferred identity is absent, matching the
// teacher's BuildKeyFunc behavior of never returning an empty key.
func DeriveKey(rule Rule, r *http.Request, rc *reqctx.Context) string {
	ip := rc.ClientIP

	switch rule.KeyStrategy {
	case KeyStrategyUser:
		if rc.Principal.ID != "" {
			return "user:" + rc.Principal.ID
		}
		return "ip:" + ip
	case KeyStrategyAPIKey:
		if rc.Principal.Type == "api-key" && rc.Principal.ID != "" {
			return "key:" + hashAPIKey(rc.Principal.ID)
		}
		return "ip:" + ip
	case KeyStrategyIPEndpoint:
		return "ip:" + ip + ":ep:" + r.URL.Path
	case KeyStrategyUserEndpoint:
		if rc.Principal.ID != "" {
			return "user:" + rc.Principal.ID + ":ep:" + r.URL.Path
		}
		return "ip:" + ip + ":ep:" + r.URL.Path
	case KeyStrategyComposite:
		id := rc.Principal.ID
		if id == "" {
			id = ip
		}
		return "user|ip:" + id + ":ep:" + r.URL.Path + ":m:" + r.Method
	case KeyStrategyIP:
		fallthrough
	default:
		return "ip:" + ip
	}
}

// hashAPIKey reduces a raw API key to a fixed-length digest so the key
// never reaches Redis or logs in cleartext.
func hashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
