// Package ratelimit implements fixed-window admission over the shared kv
// store. Windows are aligned buckets (now truncated to the window size), so a
// burst straddling a window edge can briefly see up to 2x the limit; this is
// the documented trade-off of fixed windows.
package ratelimit

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/fluxchat/gateway/internal/kv"
)

// Result reports an admission decision and the headers to surface with it.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter counts requests per identity per window. The kv Incr is atomic, so
// concurrent requests for one identity never admit more than Limit in a
// window; the stored counter itself may run past the limit while rejections
// are being issued, which is harmless because admissions stop at Limit.
type Limiter struct {
	Store kv.Store
}

func New(store kv.Store) *Limiter { return &Limiter{Store: store} }

// Admit increments the caller's window counter and decides admission.
// kind distinguishes identity namespaces ("key", "user") so an API key and
// its owning user never share a bucket.
func (l *Limiter) Admit(ctx context.Context, kind, id string, limit int, window time.Duration) (Result, error) {
	if window <= 0 {
		window = time.Hour
	}
	now := time.Now().UTC()
	windowStart := now.Truncate(window)
	resetAt := windowStart.Add(window)
	res := Result{Limit: limit, ResetAt: resetAt}

	key := fmt.Sprintf("rl:%s:%s:%d", kind, id, windowStart.Unix())
	// TTL slightly past the window end so the entry outlives its own reset.
	n, err := l.Store.Incr(ctx, key, window+time.Second)
	if err != nil {
		// Fail open: the gateway stays available when the shared store is
		// unreachable, at the cost of unenforced limits for that span.
		log.Printf("WARN: rate limit store error, admitting request: %v", err)
		res.Allowed = true
		res.Remaining = limit
		return res, err
	}
	if n > int64(limit) {
		res.Allowed = false
		res.Remaining = 0
		return res, nil
	}
	res.Allowed = true
	res.Remaining = limit - int(n)
	return res, nil
}
