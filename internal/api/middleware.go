package api

import (
	"fmt"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/fluxchat/gateway/internal/ratelimit"
)

// RequestIDMiddleware assigns every request a correlation id, echoed back in
// X-Request-ID and forwarded to the backend so a call can be traced across
// the proxy boundary. A fresh id is generated per request; inbound ids are
// not trusted.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := uuid.New().String()
		c.Set("requestID", rid)
		c.Writer.Header().Set("X-Request-ID", rid)
		c.Next()
	}
}

// setRateLimitHeaders surfaces the window state on every rate-limited route,
// admitted or not.
func setRateLimitHeaders(c *gin.Context, res ratelimit.Result) {
	c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
}

// rejectRateLimited answers 429 with Retry-After pointing at the window reset.
func rejectRateLimited(c *gin.Context, res ratelimit.Result, nowUnix int64) {
	retryAfter := res.ResetAt.Unix() - nowUnix
	if retryAfter < 1 {
		retryAfter = 1
	}
	c.Header("Retry-After", fmt.Sprintf("%d", retryAfter))
	Fail(c, 429, CodeRateLimited, "Rate limit exceeded. Try again later.")
}
