// Package kv abstracts the shared key-value store used for rate-limit
// counters and the API key cache. In a multi-instance deployment this must
// point at Redis; the in-memory store exists for single-instance setups and
// tests.
package kv

import (
	"context"
	"time"
)

// Store is the minimal contract the gateway needs: TTL-bounded get/put and an
// atomic increment. Incr must create the key with the given TTL on first
// increment and never reset the TTL afterwards, so fixed windows expire on
// schedule regardless of traffic.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Put(ctx context.Context, key, value string, ttl time.Duration) error
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Delete(ctx context.Context, key string) error
}
