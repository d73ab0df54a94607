// Package auth authenticates inbound Command Channel connections: the
// editor's first frame must be {"type":"auth","token":...} before any
// command or ack frame is accepted. Uses bcrypt-hashed bearer token
// comparison rather than a full JWT/RBAC user model, since there is
// exactly one editor and one shared secret per data directory.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidToken is returned when a presented token does not match the
// configured secret.
var ErrInvalidToken = errors.New("auth: invalid channel token")

// Authenticator verifies the bearer token presented in a channel's
// "auth" frame against a configured secret, hashed at startup so the
// plaintext never lingers in memory comparisons (bcrypt.CompareHashAndPassword
// runs in constant time, so token comparison is not timing-observable).
type Authenticator struct {
	hash     []byte
	disabled bool
}

// New builds an Authenticator from a configured plaintext token. An
// empty token disables authentication entirely (local development
// only: unauthenticated connections are still restricted to auth and
// heartbeat frames, but Verify always succeeds).
func New(token string) (*Authenticator, error) {
	if token == "" {
		return &Authenticator{disabled: true}, nil
	}
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash channel token: %w", err)
	}
	return &Authenticator{hash: h}, nil
}

// Verify reports whether token matches the configured secret.
func (a *Authenticator) Verify(token string) error {
	if a.disabled {
		return nil
	}
	if bcrypt.CompareHashAndPassword(a.hash, []byte(token)) != nil {
		return ErrInvalidToken
	}
	return nil
}

// Disabled reports whether authentication is turned off.
func (a *Authenticator) Disabled() bool { return a.disabled }

// GenerateToken produces a random, URL-safe bearer token suitable for
// the `init` CLI command to hand the operator a fresh channel_token.
func GenerateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("auth: generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
