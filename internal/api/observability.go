package api

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	reqDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "flux",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	reqTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "flux", Name: "http_requests_total", Help: "Total HTTP requests"},
		[]string{"method", "path", "status"},
	)
	authTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "flux", Name: "auth_total", Help: "Credential verification outcomes by mode"},
		[]string{"mode", "outcome"},
	)
	policyRejectTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "flux", Name: "policy_reject_total", Help: "Authorization rejections by code"},
		[]string{"code"},
	)
	rateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "flux", Name: "rate_limited_total", Help: "Requests rejected by the rate limiter"},
		[]string{"kind"},
	)
	proxyErrorTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "flux", Name: "proxy_error_total", Help: "Backend forwarding failures"},
	)
)

func init() {
	prometheus.MustRegister(reqDuration, reqTotal, authTotal, policyRejectTotal, rateLimitedTotal, proxyErrorTotal)
}

// MetricsMiddleware records basic HTTP metrics per request.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		reqDuration.WithLabelValues(c.Request.Method, path, status).Observe(time.Since(start).Seconds())
		reqTotal.WithLabelValues(c.Request.Method, path, status).Inc()
	}
}

func recordAuth(mode string, ok bool) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	authTotal.WithLabelValues(mode, outcome).Inc()
}
