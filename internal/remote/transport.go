package remote

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/roach88/lmsync/internal/model"
)

// Credentials authenticate remote calls.
type Credentials struct {
	Token string
}

// Transport performs one remote procedure call.
//
// Implementations return a *Error on failure so callers can branch on Kind.
// Individual calls are bounded by the implementation's own timeout.
type Transport interface {
	Call(ctx context.Context, method string, params model.Params, creds Credentials) (json.RawMessage, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, method string, params model.Params, creds Credentials) (json.RawMessage, error)

// Call calls f.
func (f TransportFunc) Call(ctx context.Context, method string, params model.Params, creds Credentials) (json.RawMessage, error) {
	return f(ctx, method, params, creds)
}

// CredentialSource supplies and refreshes credentials for one account.
type CredentialSource interface {
	Credentials(ctx context.Context) (Credentials, error)

	// Refresh obtains new credentials after the server reported the
	// current ones as expired.
	Refresh(ctx context.Context) (Credentials, error)
}

// StaticCredentials is a CredentialSource holding a token that can be
// replaced from outside, e.g. after the user logs in again.
//
// Refresh returns whatever token is current; if it did not change since the
// failed call, the retry fails the same way and the error propagates.
type StaticCredentials struct {
	mu    sync.RWMutex
	token string
}

// NewStaticCredentials returns a source for token.
func NewStaticCredentials(token string) *StaticCredentials {
	return &StaticCredentials{token: token}
}

// Credentials returns the current token.
func (s *StaticCredentials) Credentials(context.Context) (Credentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Credentials{Token: s.token}, nil
}

// Refresh returns the current token.
func (s *StaticCredentials) Refresh(ctx context.Context) (Credentials, error) {
	return s.Credentials(ctx)
}

// SetToken replaces the token.
func (s *StaticCredentials) SetToken(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}
