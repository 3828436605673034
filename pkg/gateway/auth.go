package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AuthHandler checks the shared secret on incoming requests. An empty
// secret admits everyone.
type AuthHandler struct {
	sharedSecret string
}

// NewAuthHandler creates a new authentication handler
func NewAuthHandler(sharedSecret string) *AuthHandler {
	return &AuthHandler{
		sharedSecret: sharedSecret,
	}
}

// Enabled reports whether a secret is configured.
func (a *AuthHandler) Enabled() bool {
	return a.sharedSecret != ""
}

// Authorize accepts "Authorization: Bearer <secret>" or, for websocket
// clients that cannot set headers, a "token" query parameter.
func (a *AuthHandler) Authorize(r *http.Request) bool {
	if !a.Enabled() {
		return true
	}
	token := ""
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, value, ok := strings.Cut(header, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			token = strings.TrimSpace(value)
		}
	}
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	return a.verify(token)
}

func (a *AuthHandler) verify(token string) bool {
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(a.sharedSecret)) == 1
}
