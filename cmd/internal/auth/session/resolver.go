package session

import (
	"net/http"
	"strings"
	"time"
)

// Resolver turns an HTTP upgrade request into a verified UID.
type Resolver struct {
	tokens AccessTokenManager
}

// NewResolver wraps an AccessTokenManager. A nil manager resolves every request to ErrNoToken.
func NewResolver(tokens AccessTokenManager) *Resolver {
	return &Resolver{tokens: tokens}
}

// Resolve returns the verified UID from the Authorization header or the
// access_token query parameter (browsers cannot set headers on WebSocket dials).
//
// It returns ErrNoToken when nothing is presented and ErrInvalidToken when a
// presented token does not verify.
func (r *Resolver) Resolve(req *http.Request, now time.Time) (string, error) {
	raw, ok := BearerToken(req)
	if !ok {
		return "", ErrNoToken
	}
	if r == nil || r.tokens == nil {
		return "", ErrInvalidToken
	}
	claims, err := r.tokens.Verify(raw, now)
	if err != nil {
		return "", err
	}
	return claims.UID, nil
}

// BearerToken extracts a bearer token from req.
func BearerToken(req *http.Request) (string, bool) {
	if req == nil {
		return "", false
	}
	if h := strings.TrimSpace(req.Header.Get("Authorization")); h != "" {
		scheme, tok, found := strings.Cut(h, " ")
		if !found || !strings.EqualFold(scheme, "Bearer") {
			return "", false
		}
		tok = strings.TrimSpace(tok)
		return tok, tok != ""
	}
	if tok := strings.TrimSpace(req.URL.Query().Get("access_token")); tok != "" {
		return tok, true
	}
	return "", false
}
