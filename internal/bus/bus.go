// Package bus carries chat-change notifications between the backend handlers
// and open SSE sessions. Polling against the message store remains the
// correctness baseline; bus events only wake a session's poll loop early and
// carry ephemeral typing/presence signals that never touch the watermark.
package bus

import (
	"context"
	"encoding/json"
	"time"
)

const (
	TopicMessageCreated = "chat.message.created"
	TopicTyping         = "chat.typing"
	TopicPresence       = "chat.presence"
)

type Event struct {
	Topic          string          `json:"topic"`
	ConversationID string          `json:"conversation_id"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Timestamp      time.Time       `json:"ts"`
}

type Handler func(ctx context.Context, e Event)

type Bus interface {
	Publish(ctx context.Context, e Event) error
	Subscribe(topic string, h Handler) (unsubscribe func(), err error)
	Close() error
}
