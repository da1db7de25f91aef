package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/nKvs-you/roller-coaster-builder/internal/auth"
)

// ControlAudience is the audience claim expected on rider control tokens.
const ControlAudience = "coaster-control"

// Authenticator resolves the logical client identity for an upgrade request.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

type allowAllAuthenticator struct{}

func (allowAllAuthenticator) Authenticate(*http.Request) (string, error) {
	return "", nil
}

type hmacAuthenticator struct {
	verifier *auth.HMACTokenVerifier
}

// NewHMACAuthenticator builds an authenticator that verifies HS256 tokens
// minted for the control audience with the shared secret.
func NewHMACAuthenticator(secret string) (Authenticator, error) {
	verifier, err := auth.NewHMACTokenVerifier(secret, 2*time.Second)
	if err != nil {
		return nil, err
	}
	verifier.RequireAudience(ControlAudience)
	return &hmacAuthenticator{verifier: verifier}, nil
}

// Authenticate validates the incoming token and returns the logical client identifier.
func (a *hmacAuthenticator) Authenticate(r *http.Request) (string, error) {
	if a == nil || a.verifier == nil {
		return "", errors.New("verifier not configured")
	}
	token := strings.TrimSpace(r.URL.Query().Get("auth_token"))
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Auth-Token"))
	}
	if token == "" {
		return "", errors.New("missing auth token")
	}
	claims, err := a.verifier.Verify(token)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}
