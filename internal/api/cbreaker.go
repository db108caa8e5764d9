package api

import (
	"os"
	"strconv"
	"sync"
	"time"
)

type breakerState int

const (
	cbClosed breakerState = iota
	cbOpen
	cbHalfOpen
)

// CircuitBreaker fast-fails proxying while the backend is down instead of
// queueing doomed requests. Consecutive failures trip it open; after the
// cooldown a single probe request is let through, and its outcome decides
// whether the breaker closes again or re-opens for another cooldown.
type CircuitBreaker struct {
	mu          sync.Mutex
	name        string
	threshold   int
	cooldown    time.Duration
	state       breakerState
	consecutive int
	reopenAt    time.Time
}

var (
	breakersMu sync.Mutex
	breakers   = map[string]*CircuitBreaker{}
)

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// GetBreaker returns the process-wide breaker for a named upstream, creating
// it from the FLUX_CB_* env knobs on first use.
func GetBreaker(name string) *CircuitBreaker {
	breakersMu.Lock()
	defer breakersMu.Unlock()
	if b, ok := breakers[name]; ok {
		return b
	}
	b := &CircuitBreaker{
		name:      name,
		threshold: envInt("FLUX_CB_THRESHOLD", 5),
		cooldown:  time.Duration(envInt("FLUX_CB_OPEN_SECONDS", 15)) * time.Second,
	}
	breakers[name] = b
	return b
}

// Allow reports whether a request may proceed. While open it admits nothing
// until the cooldown elapses, then exactly one probe until its outcome is
// reported.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case cbOpen:
		if time.Now().Before(b.reopenAt) {
			return false
		}
		b.state = cbHalfOpen
		return true
	case cbHalfOpen:
		return false
	default:
		return true
	}
}

func (b *CircuitBreaker) ReportSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive = 0
	b.state = cbClosed
}

func (b *CircuitBreaker) ReportFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive++
	if b.state == cbHalfOpen || b.consecutive >= b.threshold {
		b.state = cbOpen
		b.reopenAt = time.Now().Add(b.cooldown)
		b.consecutive = 0
	}
}
