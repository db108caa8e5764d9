package database

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StringList maps a Postgres jsonb array column to []string.
type StringList []string

func (l *StringList) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	}
	return fmt.Errorf("cannot scan %T into StringList", src)
}

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	return string(b), err
}

// APIKey represents the 'api_keys' table. The raw key material is never
// stored; only a public lookup prefix and a bcrypt hash of the full key.
type APIKey struct {
	ID             uuid.UUID  `db:"id"`
	UserID         uuid.UUID  `db:"user_id"`
	AppID          *uuid.UUID `db:"app_id"`
	Name           string     `db:"name"`
	KeyPrefix      string     `db:"key_prefix"`
	HashedKey      string     `db:"hashed_key"`
	Scopes         StringList `db:"scopes"`
	AllowedOrigins StringList `db:"allowed_origins"`
	RateLimit      int        `db:"rate_limit"`
	RateWindowSecs int        `db:"rate_window_secs"`
	IsActive       bool       `db:"is_active"`
	ExpiresAt      *time.Time `db:"expires_at"`
	RevokedAt      *time.Time `db:"revoked_at"`
	LastUsedAt     *time.Time `db:"last_used_at"`
	CreatedAt      time.Time  `db:"created_at"`
}

// Message represents the 'messages' table. IDs come from a bigserial so a
// stream session can use them directly as its delivery watermark.
type Message struct {
	ID             int64     `db:"id"`
	ConversationID uuid.UUID `db:"conversation_id"`
	SenderID       uuid.UUID `db:"sender_id"`
	Content        string    `db:"content"`
	CreatedAt      time.Time `db:"created_at"`
}

// ConversationMember represents the 'conversation_members' table.
type ConversationMember struct {
	ConversationID uuid.UUID `db:"conversation_id"`
	UserID         uuid.UUID `db:"user_id"`
	JoinedAt       time.Time `db:"joined_at"`
}
