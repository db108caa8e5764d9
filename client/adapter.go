package client

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNoSuchMessage means Retry was called for an id that is not a
	// failed message.
	ErrNoSuchMessage = errors.New("client: no failed message with that id")
	// ErrRetryExhausted means the message was already resubmitted once.
	ErrRetryExhausted = errors.New("client: message already retried")
)

// Adapter keeps one conversation's local state live: it consumes the SSE
// stream, permanently downgrades to fixed-interval polling after too many
// consecutive stream failures, and owns optimistic sends.
type Adapter struct {
	Client         *Client
	ConversationID string
	State          *Conversation

	// FailureThreshold is how many consecutive stream errors trigger the
	// permanent downgrade to polling.
	FailureThreshold int
	PollInterval     time.Duration
	PollWindow       int
	ReconnectBackoff time.Duration
	MaxBackoff       time.Duration

	// OnEvent, when set, receives typing and presence events.
	OnEvent func(Event)
}

func NewAdapter(c *Client, conversationID, selfID string) *Adapter {
	return &Adapter{
		Client:           c,
		ConversationID:   conversationID,
		State:            NewConversation(selfID),
		FailureThreshold: 3,
		PollInterval:     3 * time.Second,
		PollWindow:       50,
		ReconnectBackoff: 500 * time.Millisecond,
		MaxBackoff:       10 * time.Second,
	}
}

// Run blocks until ctx is cancelled. It starts in stream mode, reopening on
// server-directed reconnects immediately and on errors with exponential
// backoff; after FailureThreshold consecutive errors it switches to polling
// for the remainder of the session.
func (a *Adapter) Run(ctx context.Context) {
	failures := 0
	backoff := a.ReconnectBackoff
	for ctx.Err() == nil {
		err := a.consumeStream(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			// Clean end of stream (reconnect directive): reopen at once.
			failures = 0
			backoff = a.ReconnectBackoff
			continue
		}
		failures++
		log.Printf("stream error (%d/%d): %v", failures, a.FailureThreshold, err)
		if failures >= a.FailureThreshold {
			a.pollLoop(ctx)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > a.MaxBackoff {
			backoff = a.MaxBackoff
		}
	}
}

// consumeStream runs one stream connection to completion. A nil return means
// the server ended the session deliberately; any other outcome is an error
// counted against the failure threshold.
func (a *Adapter) consumeStream(ctx context.Context) error {
	events, err := a.Client.openStream(ctx, a.ConversationID)
	if err != nil {
		return err
	}
	for ev := range events {
		switch ev.Type {
		case "message":
			var wire wireMessage
			if err := json.Unmarshal([]byte(ev.Data), &wire); err != nil {
				continue
			}
			a.State.Reconcile(wire.toMessage())
		case "reconnect":
			return nil
		case "typing", "presence":
			if a.OnEvent != nil {
				a.OnEvent(ev)
			}
		case "connected", "ping":
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.New("stream closed by server")
}

// pollLoop is the degraded transport: refetch a bounded recent window and run
// the same reconciliation the stream path uses.
func (a *Adapter) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(a.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		msgs, err := a.Client.RecentMessages(ctx, a.ConversationID, a.PollWindow)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("poll error: %v", err)
			}
			continue
		}
		for _, m := range msgs {
			a.State.Reconcile(m)
		}
	}
}

// Send performs an optimistic send: the message is visible as pending before
// the network call, confirmed with server identifiers on success, and marked
// failed with a retry affordance otherwise. Returns the message's local id.
func (a *Adapter) Send(ctx context.Context, content string) (string, error) {
	return a.send(ctx, content, false)
}

func (a *Adapter) send(ctx context.Context, content string, isRetry bool) (string, error) {
	local := &Message{
		LocalID:        uuid.New().String(),
		ConversationID: a.ConversationID,
		SenderID:       a.State.selfID,
		Content:        content,
		CreatedAt:      time.Now(),
		Status:         StatusPending,
		retried:        isRetry,
	}
	a.State.addPending(local)

	server, err := a.Client.SendMessage(ctx, a.ConversationID, content)
	if err != nil {
		a.State.markFailed(local.LocalID)
		return local.LocalID, err
	}
	a.State.confirm(local.LocalID, *server)
	return local.LocalID, nil
}

// Retry resubmits a failed message exactly once: the failed entry is removed
// and the content sent as a fresh message.
func (a *Adapter) Retry(ctx context.Context, localID string) error {
	content, retried, ok := a.State.takeFailed(localID)
	if !ok {
		return ErrNoSuchMessage
	}
	if retried {
		return ErrRetryExhausted
	}
	_, err := a.send(ctx, content, true)
	return err
}
