package client

import (
	"sync"
	"time"
)

// Status is the delivery state of a locally visible message.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Message is one locally visible message. Pending and failed messages carry
// only a LocalID; confirmed messages carry the server-assigned ID.
type Message struct {
	ID             string
	LocalID        string
	ConversationID string
	SenderID       string
	Content        string
	CreatedAt      time.Time
	Status         Status

	retried bool
}

// Conversation holds the reconciled local view of one conversation. An
// optimistic send appears immediately as pending; the first authoritative
// echo matching sender and content replaces it in place, so one logical
// message is never shown twice.
type Conversation struct {
	mu      sync.Mutex
	selfID  string
	order   []*Message
	byID    map[string]*Message
	byLocal map[string]*Message
}

func NewConversation(selfID string) *Conversation {
	return &Conversation{
		selfID:  selfID,
		byID:    map[string]*Message{},
		byLocal: map[string]*Message{},
	}
}

// Messages returns a snapshot of the visible messages in display order.
func (cv *Conversation) Messages() []Message {
	cv.mu.Lock()
	defer cv.mu.Unlock()
	out := make([]Message, len(cv.order))
	for i, m := range cv.order {
		out[i] = *m
	}
	return out
}

// addPending inserts an optimistic message and indexes it by local id.
func (cv *Conversation) addPending(m *Message) {
	cv.mu.Lock()
	defer cv.mu.Unlock()
	cv.order = append(cv.order, m)
	cv.byLocal[m.LocalID] = m
}

// confirm applies the server response for an optimistic send. If a stream
// echo already confirmed the entry, only missing fields are filled in.
func (cv *Conversation) confirm(localID string, server Message) {
	cv.mu.Lock()
	defer cv.mu.Unlock()
	m, ok := cv.byLocal[localID]
	if !ok {
		return
	}
	if other, dup := cv.byID[server.ID]; dup && other != m {
		// The echo arrived first and appended; collapse onto the pending slot.
		cv.removeLocked(other)
	}
	m.ID = server.ID
	m.CreatedAt = server.CreatedAt
	m.Status = StatusConfirmed
	cv.byID[m.ID] = m
}

// markFailed flags an optimistic send whose network call failed.
func (cv *Conversation) markFailed(localID string) {
	cv.mu.Lock()
	defer cv.mu.Unlock()
	if m, ok := cv.byLocal[localID]; ok {
		m.Status = StatusFailed
	}
}

// Reconcile folds an authoritative message (stream push or poll result) into
// local state: duplicates by server id are dropped, a matching pending entry
// is confirmed in place, anything else is appended.
func (cv *Conversation) Reconcile(server Message) {
	cv.mu.Lock()
	defer cv.mu.Unlock()
	if _, dup := cv.byID[server.ID]; dup {
		return
	}
	for _, m := range cv.order {
		if m.Status == StatusPending && m.SenderID == server.SenderID && m.Content == server.Content {
			m.ID = server.ID
			m.CreatedAt = server.CreatedAt
			m.Status = StatusConfirmed
			cv.byID[m.ID] = m
			return
		}
	}
	m := server
	cv.order = append(cv.order, &m)
	cv.byID[m.ID] = &m
}

// takeFailed removes a failed message for resubmission. When the message has
// already burned its one retry it is left in place and retried=true is
// reported so the caller can refuse.
func (cv *Conversation) takeFailed(localID string) (content string, retried, ok bool) {
	cv.mu.Lock()
	defer cv.mu.Unlock()
	m, found := cv.byLocal[localID]
	if !found || m.Status != StatusFailed {
		return "", false, false
	}
	if m.retried {
		return "", true, true
	}
	cv.removeLocked(m)
	return m.Content, false, true
}

func (cv *Conversation) removeLocked(m *Message) {
	for i, cur := range cv.order {
		if cur == m {
			cv.order = append(cv.order[:i], cv.order[i+1:]...)
			break
		}
	}
	if m.LocalID != "" {
		delete(cv.byLocal, m.LocalID)
	}
	if m.ID != "" {
		delete(cv.byID, m.ID)
	}
}
