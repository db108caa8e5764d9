package kv

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

type memEntry struct {
	value     string
	counter   int64
	expiresAt time.Time
}

func (e *memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryStore is a process-local Store. Suitable for a single gateway
// instance or tests; counters are not shared across processes.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	sweeper *cron.Cron
}

// NewMemoryStore creates a MemoryStore with a minutely janitor that drops
// expired entries so long-running processes do not accumulate dead windows.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{entries: make(map[string]*memEntry)}
	s.sweeper = cron.New()
	_, _ = s.sweeper.AddFunc("@every 1m", s.sweep)
	s.sweeper.Start()
	return s
}

// Close stops the janitor.
func (s *MemoryStore) Close() {
	if s.sweeper != nil {
		s.sweeper.Stop()
	}
}

func (s *MemoryStore) sweep() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, k)
		}
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || e.expired(time.Now()) {
		return "", false, nil
	}
	if e.value == "" && e.counter > 0 {
		return strconv.FormatInt(e.counter, 10), true, nil
	}
	return e.value, true, nil
}

func (s *MemoryStore) Put(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := &memEntry{value: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	s.entries[key] = e
	return nil
}

func (s *MemoryStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	e, ok := s.entries[key]
	if !ok || e.expired(now) {
		e = &memEntry{}
		if ttl > 0 {
			e.expiresAt = now.Add(ttl)
		}
		s.entries[key] = e
	}
	e.counter++
	return e.counter, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}
