package backend

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSource yields the current access token. An empty string means
// no session; requests then fall back to the anonymous key.
type TokenSource interface {
	Token() string
}

// TokenFunc adapts a closure to TokenSource.
type TokenFunc func() string

func (f TokenFunc) Token() string { return f() }

// Identity is the claim subset the client needs from an access token.
type Identity struct {
	UserID    string
	Email     string
	ExpiresAt time.Time
}

// Expired reports whether the token lifetime has passed. Tokens
// without an exp claim never report expired.
func (i Identity) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && now.After(i.ExpiresAt)
}

// ParseIdentity extracts claims without verifying the signature. The
// server is the sole authority on token validity; the client only
// needs the subject to scope queries and caches.
func ParseIdentity(token string) (Identity, error) {
	if token == "" {
		return Identity{}, errors.New("access token is empty")
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return Identity{}, fmt.Errorf("parse access token: %w", err)
	}

	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return Identity{}, errors.New("access token has no subject claim")
	}

	identity := Identity{UserID: subject}
	if email, ok := claims["email"].(string); ok {
		identity.Email = email
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		identity.ExpiresAt = exp.Time
	}

	return identity, nil
}
