// Package client is the Go client for the FluxChat gateway: plain HTTP calls
// for sends and history, an SSE consumer for realtime delivery, and a
// realtime adapter that reconciles optimistic local state against the
// server's authoritative echoes.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// maxSSELineSize bounds a single SSE line so a misbehaving server cannot
// balloon client memory.
const maxSSELineSize = 64 * 1024

// Event is one Server-Sent Event as received off the wire.
type Event struct {
	Type string
	ID   string
	Data string
}

// APIError is a non-2xx response from the gateway or backend.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status %d: %s", e.StatusCode, e.Body)
}

// Client calls the gateway on behalf of one authenticated user session.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func New(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		Token:   token,
		// No timeout: the same client carries long-lived streams; unary
		// calls bound themselves with request contexts.
		HTTPClient: &http.Client{},
	}
}

// wireMessage matches the gateway's message event payload and the backend's
// message resource shape.
type wireMessage struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
}

func (w wireMessage) toMessage() Message {
	return Message{
		ID:             strconv.FormatInt(w.ID, 10),
		ConversationID: w.ConversationID,
		SenderID:       w.SenderID,
		Content:        w.Content,
		CreatedAt:      w.CreatedAt,
		Status:         StatusConfirmed,
	}
}

// SendMessage posts a new message and returns the server-assigned resource.
func (c *Client) SendMessage(ctx context.Context, conversationID, content string) (*Message, error) {
	body, _ := json.Marshal(map[string]string{
		"conversationId": conversationID,
		"content":        content,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.Token)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	var wire wireMessage
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decoding send response: %w", err)
	}
	msg := wire.toMessage()
	return &msg, nil
}

// RecentMessages fetches the newest messages of a conversation, oldest first.
func (c *Client) RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	q := url.Values{}
	q.Set("conversationId", conversationID)
	q.Set("limit", strconv.Itoa(limit))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/v1/messages?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	var wires []wireMessage
	if err := json.NewDecoder(resp.Body).Decode(&wires); err != nil {
		return nil, fmt.Errorf("decoding messages: %w", err)
	}
	msgs := make([]Message, 0, len(wires))
	for _, w := range wires {
		msgs = append(msgs, w.toMessage())
	}
	return msgs, nil
}

// openStream connects to a conversation's SSE endpoint. The token travels as
// a query parameter because EventSource-style transports cannot set headers.
// The returned channel closes when the server ends the stream or ctx fires.
func (c *Client) openStream(ctx context.Context, conversationID string) (<-chan Event, error) {
	u := fmt.Sprintf("%s/v1/conversations/%s/stream?token=%s",
		c.BaseURL, url.PathEscape(conversationID), url.QueryEscape(c.Token))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	events := make(chan Event, 32)
	go readEvents(ctx, resp.Body, events)
	return events, nil
}

// readEvents parses SSE frames off the response body until EOF or cancel.
func readEvents(ctx context.Context, body io.ReadCloser, events chan<- Event) {
	defer close(events)
	defer func() { _ = body.Close() }()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, maxSSELineSize), maxSSELineSize)

	var ev Event
	var dataLines []string
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Text()
		if line == "" {
			if len(dataLines) > 0 || ev.Type != "" {
				ev.Data = strings.Join(dataLines, "\n")
				if ev.Type == "" {
					ev.Type = "message"
				}
				select {
				case events <- ev:
				case <-ctx.Done():
					return
				}
			}
			ev = Event{}
			dataLines = nil
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			ev.Type = value
		case "data":
			dataLines = append(dataLines, value)
		case "id":
			ev.ID = value
		}
	}
}
