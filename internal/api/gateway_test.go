package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	database "github.com/fluxchat/gateway/internal"
	"github.com/fluxchat/gateway/internal/auth"
	"github.com/fluxchat/gateway/internal/kv"
	"github.com/fluxchat/gateway/internal/policy"
	"github.com/fluxchat/gateway/internal/ratelimit"
	"github.com/fluxchat/gateway/internal/stream"
)

const testRawKey = auth.SecretKeyPrefix + "abc123def4567890"

type fakeKeyStore struct {
	key *database.APIKey
}

func (f *fakeKeyStore) GetByPrefix(ctx context.Context, prefix string) (*database.APIKey, error) {
	if f.key == nil || f.key.KeyPrefix != prefix {
		return nil, errors.New("not found")
	}
	return f.key, nil
}

func (f *fakeKeyStore) TouchLastUsed(ctx context.Context, id uuid.UUID) {}

type fakeMessageStore struct {
	mu      sync.Mutex
	members map[string]bool
}

func (f *fakeMessageStore) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.members[conversationID+"/"+userID], nil
}

func (f *fakeMessageStore) MessagesAfter(ctx context.Context, conversationID string, after int64, limit int) ([]database.Message, error) {
	return nil, nil
}

// backendRecorder stands in for the backend handler service and remembers the
// last request it saw.
type backendRecorder struct {
	mu     sync.Mutex
	path   string
	query  string
	header http.Header
}

func (b *backendRecorder) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.path = r.URL.Path
		b.query = r.URL.RawQuery
		b.header = r.Header.Clone()
		b.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"from":"backend"}`))
	}
}

func (b *backendRecorder) last() (string, string, http.Header) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.path, b.query, b.header
}

type testEnv struct {
	router  *gin.Engine
	backend *backendRecorder
	keys    *fakeKeyStore
	members *fakeMessageStore
}

func mutateKey(k *database.APIKey, mutate func(*database.APIKey)) *database.APIKey {
	if mutate != nil {
		mutate(k)
	}
	return k
}

func newTestEnv(t *testing.T, mutate func(*database.APIKey)) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hash, err := bcrypt.GenerateFromPassword([]byte(testRawKey), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	keys := &fakeKeyStore{key: mutateKey(&database.APIKey{
		ID:             uuid.New(),
		UserID:         uuid.New(),
		KeyPrefix:      "abc123de",
		HashedKey:      string(hash),
		Scopes:         []string{"chat:read"},
		RateLimit:      2,
		RateWindowSecs: 3600,
		IsActive:       true,
	}, mutate)}

	recorder := &backendRecorder{}
	backendSrv := httptest.NewServer(recorder.handler())
	t.Cleanup(backendSrv.Close)
	backendURL, _ := url.Parse(backendSrv.URL)

	store := kv.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	members := &fakeMessageStore{members: make(map[string]bool)}
	streams := stream.NewManager(members, nil, stream.Options{
		HeartbeatInterval:  time.Hour,
		MaxSessionDuration: 100 * time.Millisecond,
		PollInterval:       10 * time.Millisecond,
		PageSize:           10,
	})

	gw := NewGateway(auth.NewVerifier(keys, nil), ratelimit.New(store), streams, backendURL)

	router := gin.New()
	router.Use(RequestIDMiddleware())
	router.Any("/v1/*path", gw.HandleV1)
	router.NoRoute(gw.HandleNotFound)

	return &testEnv{router: router, backend: recorder, keys: keys, members: members}
}

func doRequest(env *testEnv, method, target string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) Envelope {
	t.Helper()
	var env Envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v (body %q)", err, rec.Body.String())
	}
	return env
}

func TestAPIKeyRequestForwarded(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := doRequest(env, "GET", "/v1/conversations?limit=5", map[string]string{HeaderAPIKey: testRawKey})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "1" {
		t.Fatalf("remaining header: %q", got)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("missing request id header")
	}

	path, query, header := env.backend.last()
	if path != "/chat/conversations" {
		t.Fatalf("backend path: %q", path)
	}
	if query != "limit=5" {
		t.Fatalf("query not preserved: %q", query)
	}
	if header.Get(HeaderAPIKey) != "" {
		t.Fatal("raw API key must never reach the backend")
	}
	if header.Get(HeaderAuthMode) != auth.ModeAPIKey {
		t.Fatalf("auth mode header: %q", header.Get(HeaderAuthMode))
	}
	if header.Get(HeaderUserID) != env.keys.key.UserID.String() {
		t.Fatalf("user id header: %q", header.Get(HeaderUserID))
	}
	if header.Get(HeaderScopes) != "chat:read" {
		t.Fatalf("scopes header: %q", header.Get(HeaderScopes))
	}
	if header.Get("X-Request-ID") == "" {
		t.Fatal("request id not propagated to backend")
	}
}

func TestAPIKeyRateLimitExhaustion(t *testing.T) {
	env := newTestEnv(t, nil)
	h := map[string]string{HeaderAPIKey: testRawKey}

	if rec := doRequest(env, "GET", "/v1/conversations", h); rec.Header().Get("X-RateLimit-Remaining") != "1" {
		t.Fatalf("first request remaining: %q", rec.Header().Get("X-RateLimit-Remaining"))
	}
	if rec := doRequest(env, "GET", "/v1/conversations", h); rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("second request remaining: %q", rec.Header().Get("X-RateLimit-Remaining"))
	}

	rec := doRequest(env, "GET", "/v1/conversations", h)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status %d", rec.Code)
	}
	if ra := rec.Header().Get("Retry-After"); ra == "" || ra == "0" {
		t.Fatalf("Retry-After: %q", ra)
	}
	envl := decodeEnvelope(t, rec)
	if envl.OK || envl.Error == nil || envl.Error.Code != CodeRateLimited {
		t.Fatalf("envelope: %+v", envl)
	}
	if envl.RequestID == "" {
		t.Fatal("envelope missing request id")
	}
}

func TestAPIKeyScopeRejection(t *testing.T) {
	env := newTestEnv(t, nil) // chat:read only

	rec := doRequest(env, "POST", "/v1/messages", map[string]string{HeaderAPIKey: testRawKey})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status %d", rec.Code)
	}
	envl := decodeEnvelope(t, rec)
	if envl.Error == nil || envl.Error.Code != policy.CodeInsufficientScope {
		t.Fatalf("envelope: %+v", envl)
	}
}

func TestAPIKeyOriginRejection(t *testing.T) {
	env := newTestEnv(t, func(k *database.APIKey) {
		k.AllowedOrigins = []string{"https://app.fluxchat.io"}
	})

	rec := doRequest(env, "GET", "/v1/conversations", map[string]string{
		HeaderAPIKey: testRawKey,
		"Origin":     "https://evil.example.org",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status %d", rec.Code)
	}
	if envl := decodeEnvelope(t, rec); envl.Error == nil || envl.Error.Code != policy.CodeOriginNotAllowed {
		t.Fatalf("envelope: %+v", envl)
	}
}

func TestAPIKeyInactiveRejection(t *testing.T) {
	env := newTestEnv(t, func(k *database.APIKey) { k.IsActive = false })

	rec := doRequest(env, "GET", "/v1/conversations", map[string]string{HeaderAPIKey: testRawKey})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status %d", rec.Code)
	}
	if envl := decodeEnvelope(t, rec); envl.Error == nil || envl.Error.Code != policy.CodeKeyInactive {
		t.Fatalf("envelope: %+v", envl)
	}
}

func TestInvalidAPIKey(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := doRequest(env, "GET", "/v1/conversations", map[string]string{
		HeaderAPIKey: auth.SecretKeyPrefix + "zzzzzzzzzzzzzzzz",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d", rec.Code)
	}
	if envl := decodeEnvelope(t, rec); envl.Error == nil || envl.Error.Code != CodeInvalidAPIKey {
		t.Fatalf("envelope: %+v", envl)
	}
}

func TestMissingCredentials(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := doRequest(env, "GET", "/v1/conversations", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d", rec.Code)
	}
	if envl := decodeEnvelope(t, rec); envl.Error == nil || envl.Error.Code != CodeUnauthorized {
		t.Fatalf("envelope: %+v", envl)
	}
}

func TestUnknownRouteWithValidKey(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := doRequest(env, "GET", "/v1/nonexistent", map[string]string{HeaderAPIKey: testRawKey})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d", rec.Code)
	}
	if envl := decodeEnvelope(t, rec); envl.Error == nil || envl.Error.Code != CodeNotFound {
		t.Fatalf("envelope: %+v", envl)
	}
}

func signedUserToken(t *testing.T, sub string, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": exp.Unix(),
	})
	raw, err := tok.SignedString([]byte("backend-holds-the-real-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return raw
}

func TestUserRequestForwardedWithAuth(t *testing.T) {
	env := newTestEnv(t, nil)
	token := signedUserToken(t, "user-7", time.Now().Add(time.Hour))

	rec := doRequest(env, "GET", "/v1/profile", map[string]string{
		"Authorization": "Bearer " + token,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}

	path, _, header := env.backend.last()
	if path != "/accounts/profile" {
		t.Fatalf("backend path: %q", path)
	}
	if got := header.Get("Authorization"); got != "Bearer "+token {
		t.Fatalf("backend must receive the original token, got %q", got)
	}
	if header.Get(HeaderAuthMode) != auth.ModeJWT {
		t.Fatalf("auth mode header: %q", header.Get(HeaderAuthMode))
	}
	if header.Get(HeaderUserID) != "user-7" {
		t.Fatalf("user id header: %q", header.Get(HeaderUserID))
	}
}

func TestUserExpiredToken(t *testing.T) {
	env := newTestEnv(t, nil)
	token := signedUserToken(t, "user-7", time.Now().Add(-time.Minute))

	rec := doRequest(env, "GET", "/v1/profile", map[string]string{
		"Authorization": "Bearer " + token,
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d", rec.Code)
	}
	if envl := decodeEnvelope(t, rec); envl.Error == nil || envl.Error.Code != CodeUnauthorized {
		t.Fatalf("envelope: %+v", envl)
	}
}

func TestStreamMemberGetsEventStream(t *testing.T) {
	env := newTestEnv(t, nil)
	conv := uuid.NewString()
	env.members.members[conv+"/user-7"] = true
	token := signedUserToken(t, "user-7", time.Now().Add(time.Hour))

	rec := doRequest(env, "GET", "/v1/conversations/"+conv+"/stream?token="+token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type: %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "event: connected") {
		t.Fatalf("missing connected event: %q", rec.Body.String())
	}
}

func TestStreamNonMemberForbidden(t *testing.T) {
	env := newTestEnv(t, nil)
	token := signedUserToken(t, "user-7", time.Now().Add(time.Hour))

	rec := doRequest(env, "GET", "/v1/conversations/"+uuid.NewString()+"/stream?token="+token, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status %d", rec.Code)
	}
	if envl := decodeEnvelope(t, rec); envl.Error == nil || envl.Error.Code != CodeForbidden {
		t.Fatalf("envelope: %+v", envl)
	}
}

func TestStreamMissingToken(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := doRequest(env, "GET", "/v1/conversations/"+uuid.NewString()+"/stream", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestNoRouteEnvelope(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := doRequest(env, "GET", "/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d", rec.Code)
	}
	if envl := decodeEnvelope(t, rec); envl.Error == nil || envl.Error.Code != CodeNotFound {
		t.Fatalf("envelope: %+v", envl)
	}
}
