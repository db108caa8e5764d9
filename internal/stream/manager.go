// Package stream owns the life cycle of one SSE connection per
// (conversation, user): membership guard, event framing, heartbeat cadence,
// bounded session duration with a client-directed reconnect, and teardown on
// disconnect. Each connection is an explicit state machine driven by a single
// goroutine; change detection is poll-based against the message store, with
// bus notifications only shortening the wait.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	database "github.com/fluxchat/gateway/internal"
	"github.com/fluxchat/gateway/internal/bus"
)

var (
	// ErrNotMember rejects a stream before any event is emitted.
	ErrNotMember = errors.New("stream: not a conversation member")
	// ErrNotFlushable means the transport cannot stream.
	ErrNotFlushable = errors.New("stream: response writer does not support flushing")
)

// MessageStore is the backing-store dependency of the manager.
type MessageStore interface {
	IsMember(ctx context.Context, conversationID, userID string) (bool, error)
	MessagesAfter(ctx context.Context, conversationID string, after int64, limit int) ([]database.Message, error)
}

// Options bound a session's timers. MaxSessionDuration must sit conservatively
// below the hosting platform's execution limit so the reconnect directive gets
// out before the platform kills the connection.
type Options struct {
	HeartbeatInterval  time.Duration
	MaxSessionDuration time.Duration
	PollInterval       time.Duration
	PageSize           int
}

func DefaultOptions() Options {
	return Options{
		HeartbeatInterval:  15 * time.Second,
		MaxSessionDuration: 25 * time.Second,
		PollInterval:       2 * time.Second,
		PageSize:           100,
	}
}

// Manager opens and runs stream sessions.
type Manager struct {
	Store MessageStore
	Bus   bus.Bus
	Opts  Options
}

func NewManager(store MessageStore, b bus.Bus, opts Options) *Manager {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 15 * time.Second
	}
	if opts.MaxSessionDuration <= 0 {
		opts.MaxSessionDuration = 25 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	return &Manager{Store: store, Bus: b, Opts: opts}
}

// StreamMessage is the wire shape of a message event.
type StreamMessage struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Serve guards membership, upgrades the response to an event stream, and runs
// the session until disconnect, write failure, or the duration cap. Errors
// are only returned before the first byte is written; once streaming starts,
// Serve always returns nil.
func (m *Manager) Serve(ctx context.Context, w http.ResponseWriter, conversationID, userID string) error {
	ok, err := m.Store.IsMember(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotMember
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		return ErrNotFlushable
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	s := &session{
		mgr:            m,
		conversationID: conversationID,
		userID:         userID,
		w:              w,
		flusher:        flusher,
		state:          stateConnecting,
		startedAt:      time.Now(),
		lastHeartbeat:  time.Now(),
		wake:           make(chan struct{}, 1),
		ephemeral:      make(chan bus.Event, 16),
	}
	s.run(ctx)
	return nil
}

type sessionState int

const (
	stateConnecting sessionState = iota
	stateStreaming
	stateClosed
)

type closeReason string

const (
	closeClientGone   closeReason = "client_disconnected"
	closeWriteFailure closeReason = "write_failure"
	closeDuration     closeReason = "duration_exceeded"
)

// session is the per-connection state machine. All fields are owned by the
// session's own goroutine; bus handlers touch only the wake and ephemeral
// channels.
type session struct {
	mgr            *Manager
	conversationID string
	userID         string
	w              http.ResponseWriter
	flusher        http.Flusher

	state         sessionState
	watermark     int64
	startedAt     time.Time
	lastHeartbeat time.Time

	wake      chan struct{}
	ephemeral chan bus.Event
}

func (s *session) run(ctx context.Context) {
	activeStreams.Inc()
	defer activeStreams.Dec()

	if b := s.mgr.Bus; b != nil {
		if unsub := s.subscribe(b); unsub != nil {
			defer unsub()
		}
	}

	if err := s.emit("connected", map[string]string{
		"conversationId": s.conversationID,
		"userId":         s.userID,
	}); err != nil {
		s.close(closeWriteFailure)
		return
	}
	s.state = stateStreaming

	ticker := time.NewTicker(s.mgr.Opts.PollInterval)
	defer ticker.Stop()

	for {
		if time.Since(s.startedAt) >= s.mgr.Opts.MaxSessionDuration {
			// Best effort: the client reopens a fresh stream either way.
			_ = s.emit("reconnect", map[string]string{"reason": "session_duration_exceeded"})
			s.close(closeDuration)
			return
		}
		if time.Since(s.lastHeartbeat) >= s.mgr.Opts.HeartbeatInterval {
			if err := s.emit("ping", struct{}{}); err != nil {
				s.close(closeWriteFailure)
				return
			}
			s.lastHeartbeat = time.Now()
		}
		if err := s.pollOnce(ctx); err != nil {
			s.close(closeWriteFailure)
			return
		}

		select {
		case <-ctx.Done():
			s.close(closeClientGone)
			return
		case <-ticker.C:
		case <-s.wake:
		case e := <-s.ephemeral:
			if err := s.forwardEphemeral(e); err != nil {
				s.close(closeWriteFailure)
				return
			}
		}
	}
}

// subscribe wires bus notifications for this conversation: message.created
// nudges the poll loop, typing/presence pass through as ephemeral events.
func (s *session) subscribe(b bus.Bus) func() {
	var unsubs []func()
	sub := func(topic string, h bus.Handler) {
		if u, err := b.Subscribe(topic, h); err == nil {
			unsubs = append(unsubs, u)
		}
	}
	sub(bus.TopicMessageCreated, func(_ context.Context, e bus.Event) {
		if e.ConversationID != s.conversationID {
			return
		}
		select {
		case s.wake <- struct{}{}:
		default:
		}
	})
	passthrough := func(_ context.Context, e bus.Event) {
		if e.ConversationID != s.conversationID {
			return
		}
		select {
		case s.ephemeral <- e:
		default: // drop under pressure, these are advisory
		}
	}
	sub(bus.TopicTyping, passthrough)
	sub(bus.TopicPresence, passthrough)
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// pollOnce fetches messages past the watermark and emits them in id order.
// Store errors are retried on the next tick; only write failures are terminal.
func (s *session) pollOnce(ctx context.Context) error {
	msgs, err := s.mgr.Store.MessagesAfter(ctx, s.conversationID, s.watermark, s.mgr.Opts.PageSize)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("WARN: stream poll for conversation %s: %v", s.conversationID, err)
		}
		return nil
	}
	for _, msg := range msgs {
		wire := StreamMessage{
			ID:             msg.ID,
			ConversationID: msg.ConversationID.String(),
			SenderID:       msg.SenderID.String(),
			Content:        msg.Content,
			CreatedAt:      msg.CreatedAt,
		}
		if err := s.emit("message", wire); err != nil {
			return err
		}
		s.watermark = msg.ID
	}
	return nil
}

func (s *session) forwardEphemeral(e bus.Event) error {
	var name string
	switch e.Topic {
	case bus.TopicTyping:
		name = "typing"
	case bus.TopicPresence:
		name = "presence"
	default:
		return nil
	}
	payload := e.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	return s.emitRaw(name, payload)
}

func (s *session) emit(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.emitRaw(event, data)
}

func (s *session) emitRaw(event string, data []byte) error {
	if err := writeSSE(s.w, s.flusher, event, data); err != nil {
		return err
	}
	streamEventsTotal.WithLabelValues(event).Inc()
	return nil
}

func (s *session) close(reason closeReason) {
	if s.state == stateClosed {
		return
	}
	s.state = stateClosed
	streamClosedTotal.WithLabelValues(string(reason)).Inc()
}
