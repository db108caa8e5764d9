// Package policy decides whether an authenticated API key may perform a
// request: capability scopes per route, origin allow-lists, and key
// activation/expiry. Checks run in a fixed order (active, expired, origin,
// scope) so rejections are deterministic.
package policy

import (
	"net/url"
	"strings"
	"time"

	"github.com/fluxchat/gateway/internal/auth"
)

// Rejection is a short-circuited authorization failure with its outward code.
type Rejection struct {
	Code    string
	Message string
}

const (
	CodeKeyInactive       = "API_KEY_INACTIVE"
	CodeKeyExpired        = "API_KEY_EXPIRED"
	CodeOriginNotAllowed  = "ORIGIN_NOT_ALLOWED"
	CodeInsufficientScope = "INSUFFICIENT_SCOPE"
)

// scopeRule gates a path prefix with a read scope for safe methods and a
// write scope for mutating ones.
type scopeRule struct {
	prefix string
	read   string
	write  string
}

var scopeRules = []scopeRule{
	{prefix: "/conversations", read: "chat:read", write: "chat:write"},
	{prefix: "/messages", read: "chat:read", write: "chat:write"},
	{prefix: "/calls", read: "call:read", write: "call:write"},
	{prefix: "/profile", read: "profile:read", write: "profile:write"},
}

// RequiredScope maps a backend-relative path and HTTP method to the scope it
// requires, or "" when the route is unscoped.
func RequiredScope(path, method string) string {
	for _, r := range scopeRules {
		if path != r.prefix && !strings.HasPrefix(path, r.prefix+"/") {
			continue
		}
		switch method {
		case "GET", "HEAD", "OPTIONS":
			return r.read
		default:
			return r.write
		}
	}
	return ""
}

// HasScope checks membership of required in the granted set.
func HasScope(granted []string, required string) bool {
	if required == "" {
		return true
	}
	for _, s := range granted {
		if s == required {
			return true
		}
	}
	return false
}

// OriginAllowed decides whether a request Origin passes the key's allow-list.
// An empty list is unrestricted. Entries are exact origins (scheme and port
// included) or "*.suffix" wildcards matching subdomains only: "*.example.com"
// admits https://app.example.com but not https://example.com.evil.org.
func OriginAllowed(allowed []string, origin string) bool {
	if len(allowed) == 0 {
		return true
	}
	host := originHost(origin)
	for _, entry := range allowed {
		if entry == "*" {
			return true
		}
		if strings.HasPrefix(entry, "*.") {
			suffix := entry[2:]
			if host != "" && strings.HasSuffix(host, "."+suffix) {
				return true
			}
			continue
		}
		if entry == origin {
			return true
		}
	}
	return false
}

func originHost(origin string) string {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Hostname()
}

// EvaluateKey runs the full authorization chain for an API key identity and
// returns the first rejection, or nil when the request is authorized.
func EvaluateKey(id *auth.Identity, method, path, origin string, now time.Time) *Rejection {
	if !id.Active {
		return &Rejection{Code: CodeKeyInactive, Message: "API key is inactive"}
	}
	if id.ExpiresAt != nil && now.After(*id.ExpiresAt) {
		return &Rejection{Code: CodeKeyExpired, Message: "API key has expired"}
	}
	if origin != "" && !OriginAllowed(id.AllowedOrigins, origin) {
		return &Rejection{Code: CodeOriginNotAllowed, Message: "Origin is not in the key's allow-list"}
	}
	if required := RequiredScope(path, method); !HasScope(id.Scopes, required) {
		return &Rejection{Code: CodeInsufficientScope, Message: "API key lacks required scope " + required}
	}
	return nil
}
