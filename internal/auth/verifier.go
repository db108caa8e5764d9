// Package auth verifies inbound credentials: opaque fc_live_ API keys against
// hashed records, and session JWTs whose claims are parsed but whose signature
// is deliberately left for the backend to verify.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	database "github.com/fluxchat/gateway/internal"
	"github.com/fluxchat/gateway/internal/kv"
)

const (
	// SecretKeyPrefix is the public prefix of every issued API key.
	SecretKeyPrefix = "fc_live_"
	// lookupPrefixLen is how many characters of the random part form the
	// cache/database lookup prefix.
	lookupPrefixLen = 8

	ModeAPIKey = "api_key"
	ModeJWT    = "jwt"

	// DefaultCacheTTL bounds how long a revoked key can keep verifying
	// from cache. Accepted trade-off: no revocation push.
	DefaultCacheTTL = 5 * time.Minute
)

// ErrUnauthorized is the single outward error for every verification failure.
// Malformed key, unknown prefix, and hash mismatch are indistinguishable to
// the caller so the gateway leaks nothing about which check failed.
var ErrUnauthorized = errors.New("unauthorized")

// Identity is the authenticated caller handed to policy and rate limiting.
type Identity struct {
	Mode           string
	Subject        string
	KeyID          string
	AppID          string
	Scopes         []string
	AllowedOrigins []string
	RateLimit      int
	RateWindow     time.Duration
	Active         bool
	ExpiresAt      *time.Time
}

// KeyStore is the identity-store dependency of the verifier.
type KeyStore interface {
	GetByPrefix(ctx context.Context, prefix string) (*database.APIKey, error)
	TouchLastUsed(ctx context.Context, id uuid.UUID)
}

// Verifier authenticates API keys with a kv-cached record per lookup prefix.
type Verifier struct {
	Keys     KeyStore
	Cache    kv.Store
	CacheTTL time.Duration
}

func NewVerifier(keys KeyStore, cache kv.Store) *Verifier {
	return &Verifier{Keys: keys, Cache: cache, CacheTTL: DefaultCacheTTL}
}

// cachedKey is the kv cache representation of an api_keys row.
type cachedKey struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	AppID          string     `json:"app_id,omitempty"`
	HashedKey      string     `json:"hashed_key"`
	Scopes         []string   `json:"scopes"`
	AllowedOrigins []string   `json:"allowed_origins"`
	RateLimit      int        `json:"rate_limit"`
	RateWindowSecs int        `json:"rate_window_secs"`
	IsActive       bool       `json:"is_active"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

func recordFromModel(k *database.APIKey) *cachedKey {
	rec := &cachedKey{
		ID:             k.ID.String(),
		UserID:         k.UserID.String(),
		HashedKey:      k.HashedKey,
		Scopes:         k.Scopes,
		AllowedOrigins: k.AllowedOrigins,
		RateLimit:      k.RateLimit,
		RateWindowSecs: k.RateWindowSecs,
		IsActive:       k.IsActive,
		ExpiresAt:      k.ExpiresAt,
	}
	if k.AppID != nil {
		rec.AppID = k.AppID.String()
	}
	return rec
}

// VerifyAPIKey authenticates a raw API key. On success the caller still has
// to pass policy evaluation; inactive and expired records are returned here
// so policy can reject them with their specific codes.
func (v *Verifier) VerifyAPIKey(ctx context.Context, raw string) (*Identity, error) {
	if !strings.HasPrefix(raw, SecretKeyPrefix) {
		return nil, ErrUnauthorized
	}
	randomPart := raw[len(SecretKeyPrefix):]
	// Issued keys carry at least 16 random characters; anything whose random
	// part does not extend past the lookup prefix has no secret remainder to
	// compare and is rejected as malformed.
	if len(randomPart) <= lookupPrefixLen {
		return nil, ErrUnauthorized
	}
	keyPrefix := randomPart[:lookupPrefixLen]

	rec, fresh, err := v.lookup(ctx, keyPrefix)
	if err != nil {
		return nil, ErrUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword([]byte(rec.HashedKey), []byte(raw)); err != nil {
		return nil, ErrUnauthorized
	}
	if fresh && v.Keys != nil {
		if id, err := uuid.Parse(rec.ID); err == nil {
			go v.Keys.TouchLastUsed(context.Background(), id)
		}
	}

	window := time.Duration(rec.RateWindowSecs) * time.Second
	if window <= 0 {
		window = time.Hour
	}
	return &Identity{
		Mode:           ModeAPIKey,
		Subject:        rec.UserID,
		KeyID:          rec.ID,
		AppID:          rec.AppID,
		Scopes:         rec.Scopes,
		AllowedOrigins: rec.AllowedOrigins,
		RateLimit:      rec.RateLimit,
		RateWindow:     window,
		Active:         rec.IsActive,
		ExpiresAt:      rec.ExpiresAt,
	}, nil
}

// lookup consults the kv cache first and falls back to the key store,
// repopulating the cache with a bounded TTL. fresh reports a cache miss.
func (v *Verifier) lookup(ctx context.Context, keyPrefix string) (*cachedKey, bool, error) {
	cacheKey := "ak:" + keyPrefix
	if v.Cache != nil {
		if val, ok, err := v.Cache.Get(ctx, cacheKey); err == nil && ok {
			var rec cachedKey
			if err := json.Unmarshal([]byte(val), &rec); err == nil {
				return &rec, false, nil
			}
		}
	}
	if v.Keys == nil {
		return nil, false, ErrUnauthorized
	}
	model, err := v.Keys.GetByPrefix(ctx, keyPrefix)
	if err != nil {
		return nil, false, err
	}
	rec := recordFromModel(model)
	if v.Cache != nil {
		ttl := v.CacheTTL
		if ttl <= 0 {
			ttl = DefaultCacheTTL
		}
		if data, err := json.Marshal(rec); err == nil {
			if err := v.Cache.Put(ctx, cacheKey, string(data), ttl); err != nil {
				log.Printf("WARN: api key cache put failed: %v", err)
			}
		}
	}
	return rec, true, nil
}
