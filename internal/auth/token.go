// Package auth reads the local identity out of the chat server's access
// token. The token is issued and verified by the server; this side only
// needs its subject.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoSubject is returned for tokens without a usable sub claim.
var ErrNoSubject = errors.New("token has no subject")

// Identity is what the access token says about its holder.
type Identity struct {
	UserID    string
	ExpiresAt time.Time // zero when the token carries no exp
}

// Expired reports whether the token's exp lies before now.
func (id Identity) Expired(now time.Time) bool {
	return !id.ExpiresAt.IsZero() && now.After(id.ExpiresAt)
}

// ParseToken extracts the identity without checking the signature. An
// optional "Bearer " prefix is stripped.
func ParseToken(raw string) (Identity, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "Bearer "))
	if raw == "" {
		return Identity{}, errors.New("empty token")
	}

	var claims jwt.MapClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return Identity{}, fmt.Errorf("parse token: %w", err)
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		// Some servers put a numeric user id in sub.
		if n, ok := claims["sub"].(float64); ok {
			sub = fmt.Sprintf("%.0f", n)
		} else {
			return Identity{}, ErrNoSubject
		}
	}

	id := Identity{UserID: sub}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		id.ExpiresAt = exp.Time
	}
	return id, nil
}
