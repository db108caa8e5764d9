package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Session carries the claims the gateway reads off a user token. The token's
// signature is NOT verified here: the backend holds the verification keys and
// re-verifies before acting, so these claims are trusted for routing and
// rate-limit bucketing only, never for write authorization.
type Session struct {
	Subject   string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Audience  []string
	Raw       string
}

// ParseSessionToken decodes a bearer token's claims and checks expiry against
// now. All structural and expiry failures collapse into ErrUnauthorized.
func ParseSessionToken(raw string, now time.Time) (*Session, error) {
	parser := jwt.NewParser()
	token, _, err := parser.ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return nil, ErrUnauthorized
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrUnauthorized
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, ErrUnauthorized
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, ErrUnauthorized
	}
	if !now.Before(exp.Time) {
		return nil, ErrUnauthorized
	}

	s := &Session{Subject: sub, ExpiresAt: exp.Time, Raw: raw}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		s.IssuedAt = iat.Time
	}
	if aud, err := claims.GetAudience(); err == nil {
		s.Audience = aud
	}
	return s, nil
}
