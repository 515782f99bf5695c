package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/config"
)

// Verifier decides whether a credential presented by a peer is acceptable.
type Verifier interface {
	Verify(credential string) error
}

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// NewVerifier builds the verifier for cfg.AuthMode. AuthModeNone returns nil:
// callers skip authentication entirely.
func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone:
		return nil, nil
	case config.AuthModeToken:
		return TokenVerifier{Expected: cfg.Token}, nil
	case config.AuthModeJWT:
		return NewJWTVerifier(cfg.JWTSecret), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// CredentialFromRequest extracts a credential supplied on the WebSocket
// upgrade request, either as ?token= or as an Authorization bearer token.
func CredentialFromRequest(r *http.Request) (string, error) {
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, value, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			if value = strings.TrimSpace(value); value != "" {
				return value, nil
			}
		}
	}
	return "", ErrMissingCredentials
}
