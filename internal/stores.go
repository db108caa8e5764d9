package database

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// KeyStore reads API key records for the credential verifier.
type KeyStore struct {
	DB *sqlx.DB
}

func NewKeyStore(db *sqlx.DB) *KeyStore { return &KeyStore{DB: db} }

// GetByPrefix fetches the non-revoked key record matching a lookup prefix.
// Returns sql.ErrNoRows via sqlx when no record matches.
func (s *KeyStore) GetByPrefix(ctx context.Context, prefix string) (*APIKey, error) {
	var key APIKey
	err := s.DB.GetContext(ctx, &key, `
		SELECT id, user_id, app_id, name, key_prefix, hashed_key, scopes,
		       allowed_origins, rate_limit, rate_window_secs, is_active,
		       expires_at, revoked_at, last_used_at, created_at
		FROM api_keys
		WHERE key_prefix=$1 AND revoked_at IS NULL
		LIMIT 1`, prefix)
	if err != nil {
		return nil, err
	}
	return &key, nil
}

// TouchLastUsed records key usage, best effort.
func (s *KeyStore) TouchLastUsed(ctx context.Context, id uuid.UUID) {
	if _, err := s.DB.ExecContext(ctx, `UPDATE api_keys SET last_used_at=$1 WHERE id=$2`, time.Now(), id); err != nil {
		log.Printf("WARN: touch last_used_at for key %s: %v", id, err)
	}
}

// ChatStore serves the stream manager's membership and message queries.
type ChatStore struct {
	DB *sqlx.DB
}

func NewChatStore(db *sqlx.DB) *ChatStore { return &ChatStore{DB: db} }

func (s *ChatStore) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	var n int
	err := s.DB.GetContext(ctx, &n, `
		SELECT COUNT(1) FROM conversation_members
		WHERE conversation_id=$1 AND user_id=$2`, conversationID, userID)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MessagesAfter returns up to limit messages with an id strictly greater than
// after, in ascending id order.
func (s *ChatStore) MessagesAfter(ctx context.Context, conversationID string, after int64, limit int) ([]Message, error) {
	msgs := []Message{}
	err := s.DB.SelectContext(ctx, &msgs, `
		SELECT id, conversation_id, sender_id, content, created_at
		FROM messages
		WHERE conversation_id=$1 AND id > $2
		ORDER BY id ASC
		LIMIT $3`, conversationID, after, limit)
	if err != nil {
		return nil, err
	}
	return msgs, nil
}
