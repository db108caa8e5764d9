package bus

import (
	"context"
	"sync"
	"time"
)

// LocalBus fans events out to in-process subscribers. Sufficient for a single
// gateway instance; multi-instance deployments build with the nats tag.
type LocalBus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[string]map[int]Handler
}

func NewLocalBus() *LocalBus { return &LocalBus{handlers: map[string]map[int]Handler{}} }

func (b *LocalBus) Publish(ctx context.Context, e Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	hs := make([]Handler, 0, len(b.handlers[e.Topic]))
	for _, h := range b.handlers[e.Topic] {
		hs = append(hs, h)
	}
	b.mu.RUnlock()
	for _, h := range hs {
		go h(ctx, e)
	}
	return nil
}

func (b *LocalBus) Subscribe(topic string, h Handler) (func(), error) {
	b.mu.Lock()
	if b.handlers[topic] == nil {
		b.handlers[topic] = map[int]Handler{}
	}
	id := b.nextID
	b.nextID++
	b.handlers[topic][id] = h
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[topic], id)
	}, nil
}

func (b *LocalBus) Close() error { return nil }
