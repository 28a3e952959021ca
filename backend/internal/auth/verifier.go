// Package auth turns an access token into the identity of the connecting user.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

var (
	ErrMissingToken = errors.New("auth: token missing")
	ErrInvalidToken = errors.New("auth: invalid token")
)

type Identity struct {
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
	Email    string `json:"email,omitempty"`
}

type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// TokenHeader carries a bare token for clients that cannot send a bearer header.
const TokenHeader = "X-Auth-Token"

// ExtractToken reads the Authorization bearer header, then TokenHeader, falling
// back to ?token= for browsers that cannot set headers on a websocket handshake.
func ExtractToken(r *http.Request) string {
	if tok := extractBearer(r.Header.Get("Authorization")); tok != "" {
		return tok
	}
	if tok := strings.TrimSpace(r.Header.Get(TokenHeader)); tok != "" {
		return tok
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func extractBearer(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
