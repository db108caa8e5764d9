package api

import (
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fluxchat/gateway/internal/auth"
	"github.com/fluxchat/gateway/internal/policy"
	"github.com/fluxchat/gateway/internal/ratelimit"
	"github.com/fluxchat/gateway/internal/stream"
)

// Identity headers injected toward the backend. The raw API key is never
// forwarded.
const (
	HeaderAPIKey   = "X-API-Key"
	HeaderAuthMode = "X-Flux-Auth-Mode"
	HeaderUserID   = "X-Flux-User-Id"
	HeaderScopes   = "X-Flux-Scopes"
	HeaderAppID    = "X-Flux-App-Id"
)

var streamPathRe = regexp.MustCompile(`^/conversations/([^/]+)/stream/?$`)

// backendRoutes is the fixed lookup table rewriting /v1 prefixes into
// backend handler routes.
var backendRoutes = []struct {
	prefix string
	target string
}{
	{"/conversations", "/chat/conversations"},
	{"/messages", "/chat/messages"},
	{"/calls", "/signal/calls"},
	{"/profile", "/accounts/profile"},
	{"/rewards", "/rewards"},
}

// Gateway classifies inbound /v1 requests, runs the verification,
// authorization, and admission chain, and proxies authorized calls to the
// backend handler service.
type Gateway struct {
	Verifier *auth.Verifier
	Limiter  *ratelimit.Limiter
	Streams  *stream.Manager
	Backend  *url.URL
	Client   *http.Client

	// UserLimit is the per-hour budget for user-session routes.
	UserLimit int
	// KeyDefaultLimit applies to API keys whose record carries no quota.
	KeyDefaultLimit int
}

func NewGateway(verifier *auth.Verifier, limiter *ratelimit.Limiter, streams *stream.Manager, backend *url.URL) *Gateway {
	return &Gateway{
		Verifier:        verifier,
		Limiter:         limiter,
		Streams:         streams,
		Backend:         backend,
		Client:          &http.Client{Timeout: 30 * time.Second},
		UserLimit:       envInt("FLUX_USER_RPH", 1000),
		KeyDefaultLimit: envInt("FLUX_KEY_DEFAULT_LIMIT", 1000),
	}
}

// HandleV1 is the single entry point for the /v1 namespace. CORS preflight
// never reaches here; the CORS middleware answers OPTIONS first.
func (g *Gateway) HandleV1(c *gin.Context) {
	rest := c.Param("path")
	if rest == "" {
		rest = "/"
	}

	if m := streamPathRe.FindStringSubmatch(rest); m != nil && c.Request.Method == http.MethodGet {
		g.handleStream(c, m[1])
		return
	}
	if c.GetHeader(HeaderAPIKey) != "" {
		g.handleAPIKey(c, rest)
		return
	}
	if bearerToken(c) != "" {
		g.handleUser(c, rest)
		return
	}
	Fail(c, http.StatusUnauthorized, CodeUnauthorized, "Missing credentials")
}

// HandleNotFound answers unmatched routes with the envelope.
func (g *Gateway) HandleNotFound(c *gin.Context) {
	Fail(c, http.StatusNotFound, CodeNotFound, "Route not found")
}

func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	parts := strings.SplitN(h, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

// handleAPIKey runs verify -> policy -> rate limit, in that order, and
// forwards on success.
func (g *Gateway) handleAPIKey(c *gin.Context, rest string) {
	raw := c.GetHeader(HeaderAPIKey)
	identity, err := g.Verifier.VerifyAPIKey(c.Request.Context(), raw)
	recordAuth(auth.ModeAPIKey, err == nil)
	if err != nil {
		Fail(c, http.StatusUnauthorized, CodeInvalidAPIKey, "Invalid API key")
		return
	}

	if rej := policy.EvaluateKey(identity, c.Request.Method, rest, c.GetHeader("Origin"), time.Now()); rej != nil {
		policyRejectTotal.WithLabelValues(rej.Code).Inc()
		Fail(c, http.StatusForbidden, rej.Code, rej.Message)
		return
	}

	limit := identity.RateLimit
	if limit <= 0 {
		limit = g.KeyDefaultLimit
	}
	res, _ := g.Limiter.Admit(c.Request.Context(), "key", identity.KeyID, limit, identity.RateWindow)
	setRateLimitHeaders(c, res)
	if !res.Allowed {
		rateLimitedTotal.WithLabelValues("key").Inc()
		rejectRateLimited(c, res, time.Now().Unix())
		return
	}

	target, ok := rewritePath(rest)
	if !ok {
		Fail(c, http.StatusNotFound, CodeNotFound, "Route not found")
		return
	}
	headers := map[string]string{
		HeaderAuthMode: auth.ModeAPIKey,
		HeaderUserID:   identity.Subject,
		HeaderScopes:   strings.Join(identity.Scopes, ","),
	}
	if identity.AppID != "" {
		headers[HeaderAppID] = identity.AppID
	}
	g.forward(c, target, headers, false)
}

// handleUser verifies the session token's structure and expiry, applies the
// user-level rate limit, and forwards with the original token intact so the
// backend can perform the full cryptographic check.
func (g *Gateway) handleUser(c *gin.Context, rest string) {
	sess, err := auth.ParseSessionToken(bearerToken(c), time.Now())
	recordAuth(auth.ModeJWT, err == nil)
	if err != nil {
		Fail(c, http.StatusUnauthorized, CodeUnauthorized, "Invalid or expired token")
		return
	}

	res, _ := g.Limiter.Admit(c.Request.Context(), "user", sess.Subject, g.UserLimit, time.Hour)
	setRateLimitHeaders(c, res)
	if !res.Allowed {
		rateLimitedTotal.WithLabelValues("user").Inc()
		rejectRateLimited(c, res, time.Now().Unix())
		return
	}

	target, ok := rewritePath(rest)
	if !ok {
		Fail(c, http.StatusNotFound, CodeNotFound, "Route not found")
		return
	}
	headers := map[string]string{
		HeaderAuthMode: auth.ModeJWT,
		HeaderUserID:   sess.Subject,
	}
	g.forward(c, target, headers, true)
}

// handleStream authenticates via the token query parameter (EventSource
// cannot set custom headers) and hands the connection to the stream manager.
func (g *Gateway) handleStream(c *gin.Context, conversationID string) {
	token := c.Query("token")
	if token == "" {
		Fail(c, http.StatusUnauthorized, CodeUnauthorized, "Missing token")
		return
	}
	sess, err := auth.ParseSessionToken(token, time.Now())
	recordAuth(auth.ModeJWT, err == nil)
	if err != nil {
		Fail(c, http.StatusUnauthorized, CodeUnauthorized, "Invalid or expired token")
		return
	}

	err = g.Streams.Serve(c.Request.Context(), c.Writer, conversationID, sess.Subject)
	switch {
	case err == nil:
	case err == stream.ErrNotMember:
		Fail(c, http.StatusForbidden, CodeForbidden, "Not a member of this conversation")
	default:
		Fail(c, http.StatusInternalServerError, CodeInternalError, "Stream could not be opened")
	}
}

// rewritePath maps a /v1-relative path onto its backend route via the fixed
// prefix table.
func rewritePath(rest string) (string, bool) {
	for _, r := range backendRoutes {
		if rest == r.prefix {
			return r.target, true
		}
		if strings.HasPrefix(rest, r.prefix+"/") {
			return r.target + rest[len(r.prefix):], true
		}
	}
	return "", false
}

// hop-by-hop headers are never forwarded in either direction.
var hopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// forward proxies the request to the backend and copies the response back
// verbatim, overlaying the gateway's own headers. keepAuth controls whether
// the original Authorization header travels with the request.
func (g *Gateway) forward(c *gin.Context, backendPath string, identity map[string]string, keepAuth bool) {
	breaker := GetBreaker("backend")
	if !breaker.Allow() {
		proxyErrorTotal.Inc()
		Fail(c, http.StatusInternalServerError, CodeInternalError, "Backend temporarily unavailable")
		return
	}

	target := *g.Backend
	target.Path = strings.TrimSuffix(g.Backend.Path, "/") + backendPath
	target.RawQuery = c.Request.URL.RawQuery

	req, err := http.NewRequestWithContext(c.Request.Context(), c.Request.Method, target.String(), c.Request.Body)
	if err != nil {
		Fail(c, http.StatusInternalServerError, CodeInternalError, "Could not build backend request")
		return
	}
	for k, vals := range c.Request.Header {
		if isHopHeader(k) || strings.EqualFold(k, HeaderAPIKey) {
			continue
		}
		if !keepAuth && strings.EqualFold(k, "Authorization") {
			continue
		}
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	for k, v := range identity {
		req.Header.Set(k, v)
	}
	req.Header.Set("X-Request-ID", c.GetString("requestID"))

	resp, err := g.Client.Do(req)
	if err != nil {
		breaker.ReportFailure()
		proxyErrorTotal.Inc()
		Fail(c, http.StatusInternalServerError, CodeInternalError, "Backend request failed")
		return
	}
	breaker.ReportSuccess()
	defer resp.Body.Close()

	for k, vals := range resp.Header {
		if isHopHeader(k) || isGatewayOwnedHeader(k) {
			continue
		}
		for _, v := range vals {
			c.Writer.Header().Add(k, v)
		}
	}
	c.Status(resp.StatusCode)
	if _, err := io.Copy(c.Writer, resp.Body); err != nil {
		// Response already committed; nothing to send the client.
		proxyErrorTotal.Inc()
	}
}

func isHopHeader(k string) bool {
	ck := http.CanonicalHeaderKey(k)
	for _, h := range hopHeaders {
		if ck == h {
			return true
		}
	}
	return false
}

// isGatewayOwnedHeader filters backend response headers the gateway overlays
// itself: correlation id, rate-limit state, and CORS.
func isGatewayOwnedHeader(k string) bool {
	ck := http.CanonicalHeaderKey(k)
	return ck == "X-Request-Id" ||
		strings.HasPrefix(ck, "X-Ratelimit-") ||
		strings.HasPrefix(ck, "Access-Control-")
}
