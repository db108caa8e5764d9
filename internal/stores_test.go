package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "sqlmock"), mock
}

func TestKeyStoreGetByPrefix(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewKeyStore(db)

	id := uuid.New()
	userID := uuid.New()
	now := time.Now()
	cols := []string{
		"id", "user_id", "app_id", "name", "key_prefix", "hashed_key",
		"scopes", "allowed_origins", "rate_limit", "rate_window_secs",
		"is_active", "expires_at", "revoked_at", "last_used_at", "created_at",
	}
	mock.ExpectQuery("FROM api_keys").
		WithArgs("abc123de").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			id.String(), userID.String(), nil, "ci key", "abc123de", "$2a$10$hash",
			[]byte(`["chat:read","chat:write"]`), []byte(`[]`), 500, 3600,
			true, nil, nil, nil, now,
		))

	key, err := store.GetByPrefix(context.Background(), "abc123de")
	if err != nil {
		t.Fatalf("GetByPrefix: %v", err)
	}
	if key.ID != id || key.UserID != userID {
		t.Fatalf("ids not mapped: %+v", key)
	}
	if len(key.Scopes) != 2 || key.Scopes[0] != "chat:read" {
		t.Fatalf("scopes not decoded from jsonb: %+v", key.Scopes)
	}
	if key.RateLimit != 500 || key.RateWindowSecs != 3600 || !key.IsActive {
		t.Fatalf("record fields: %+v", key)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestKeyStoreGetByPrefixNoRows(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewKeyStore(db)

	mock.ExpectQuery("FROM api_keys").
		WithArgs("nobody00").
		WillReturnError(sql.ErrNoRows)

	if _, err := store.GetByPrefix(context.Background(), "nobody00"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("want sql.ErrNoRows, got %v", err)
	}
}

func TestKeyStoreTouchLastUsed(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewKeyStore(db)

	id := uuid.New()
	mock.ExpectExec("UPDATE api_keys").
		WithArgs(sqlmock.AnyArg(), id).
		WillReturnResult(sqlmock.NewResult(0, 1))

	store.TouchLastUsed(context.Background(), id)
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestChatStoreIsMember(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewChatStore(db)

	mock.ExpectQuery("FROM conversation_members").
		WithArgs("conv-1", "user-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("FROM conversation_members").
		WithArgs("conv-1", "stranger").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	ok, err := store.IsMember(context.Background(), "conv-1", "user-1")
	if err != nil || !ok {
		t.Fatalf("member: ok=%v err=%v", ok, err)
	}
	ok, err = store.IsMember(context.Background(), "conv-1", "stranger")
	if err != nil || ok {
		t.Fatalf("non-member: ok=%v err=%v", ok, err)
	}
}

func TestChatStoreMessagesAfter(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewChatStore(db)

	conv := uuid.New()
	sender := uuid.New()
	now := time.Now()
	mock.ExpectQuery("FROM messages").
		WithArgs(conv.String(), int64(10), 50).
		WillReturnRows(sqlmock.NewRows([]string{"id", "conversation_id", "sender_id", "content", "created_at"}).
			AddRow(int64(11), conv.String(), sender.String(), "hello", now).
			AddRow(int64(12), conv.String(), sender.String(), "world", now))

	msgs, err := store.MessagesAfter(context.Background(), conv.String(), 10, 50)
	if err != nil {
		t.Fatalf("MessagesAfter: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != 11 || msgs[1].ID != 12 {
		t.Fatalf("messages: %+v", msgs)
	}
	if msgs[0].Content != "hello" || msgs[0].ConversationID != conv {
		t.Fatalf("first message fields: %+v", msgs[0])
	}
}

func TestStringListScan(t *testing.T) {
	var l StringList
	if err := l.Scan([]byte(`["a","b"]`)); err != nil || len(l) != 2 {
		t.Fatalf("scan bytes: %v %+v", err, l)
	}
	if err := l.Scan(nil); err != nil || l != nil {
		t.Fatalf("scan nil: %v %+v", err, l)
	}
	if err := l.Scan(42); err == nil {
		t.Fatal("scan int should fail")
	}

	v, err := StringList{"x"}.Value()
	if err != nil || v != `["x"]` {
		t.Fatalf("value: %v %v", v, err)
	}
	v, err = StringList(nil).Value()
	if err != nil || v != "[]" {
		t.Fatalf("nil value: %v %v", v, err)
	}
}
