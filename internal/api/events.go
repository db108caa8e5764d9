package api

import (
	"encoding/json"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"

	"github.com/fluxchat/gateway/internal/bus"
)

type internalEventRequest struct {
	Topic          string          `json:"topic" binding:"required"`
	ConversationID string          `json:"conversationId" binding:"required"`
	Payload        json.RawMessage `json:"payload"`
}

// InternalEventsHandler lets backend handlers nudge the gateway's bus after
// accepting a write: a message.created event wakes any open stream for that
// conversation instead of waiting out the poll interval. Guarded by a shared
// secret; disabled entirely when FLUX_INTERNAL_TOKEN is unset.
func InternalEventsHandler(b bus.Bus) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := os.Getenv("FLUX_INTERNAL_TOKEN")
		if token == "" || c.GetHeader("X-Internal-Token") != token {
			Fail(c, http.StatusForbidden, CodeForbidden, "Internal events are not available")
			return
		}
		var req internalEventRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			Fail(c, http.StatusBadRequest, CodeBadRequest, "Invalid event body")
			return
		}
		switch req.Topic {
		case bus.TopicMessageCreated, bus.TopicTyping, bus.TopicPresence:
		default:
			Fail(c, http.StatusBadRequest, CodeBadRequest, "Unknown topic")
			return
		}
		_ = b.Publish(c.Request.Context(), bus.Event{
			Topic:          req.Topic,
			ConversationID: req.ConversationID,
			Payload:        req.Payload,
		})
		OK(c, http.StatusAccepted, gin.H{"published": true})
	}
}
