// Package baas is the typed client surface of the hosted backend: the
// identity provider (password grant, sign-up, sign-out, session, auth state
// events) and the data API (remote procedures and table queries subject to
// row-level security).
//
// Two implementations are provided. HTTPClient talks to the hosted service
// over its REST endpoints; MemoryBackend is an in-process stand-in used for
// offline development and tests.
package baas

import (
	"context"
	"time"
)

// User is the identity record owned by the identity provider.
type User struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at,omitempty"`
}

// Session is an authenticated identity window. Tokens are opaque to this
// module and are only ever forwarded to the backend.
type Session struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	User         User   `json:"user"`
}

// Expiry returns the access token expiry reported by the provider, or the
// zero time when the provider did not report one.
func (s *Session) Expiry() time.Time {
	if s == nil || s.ExpiresAt == 0 {
		return time.Time{}
	}
	return time.Unix(s.ExpiresAt, 0)
}

// ExpiresWithin reports whether the access token expires before now+d.
// Sessions without a reported expiry never expire locally.
func (s *Session) ExpiresWithin(now time.Time, d time.Duration) bool {
	exp := s.Expiry()
	if exp.IsZero() {
		return false
	}
	return now.Add(d).After(exp)
}

// AuthEvent names an identity provider auth-state transition.
type AuthEvent string

const (
	EventSignedIn       AuthEvent = "SIGNED_IN"
	EventSignedOut      AuthEvent = "SIGNED_OUT"
	EventTokenRefreshed AuthEvent = "TOKEN_REFRESHED"
	EventUserUpdated    AuthEvent = "USER_UPDATED"
)

// AuthChangeEvent is delivered to OnAuthStateChange subscribers. Session is
// nil for EventSignedOut.
type AuthChangeEvent struct {
	Event   AuthEvent
	Session *Session
}

// Credentials for the password grant.
type Credentials struct {
	Email    string
	Password string
}

// SignUpParams carries the account metadata the server-side trigger uses to
// create the role-specific profile record.
type SignUpParams struct {
	Email    string
	Password string
	Metadata map[string]any
}

// AuthResponse is returned by sign-in and sign-up. Session is nil when the
// provider created the account without signing it in (e.g. pending email
// confirmation).
type AuthResponse struct {
	User    *User
	Session *Session
}

// Subscription is the handle returned by OnAuthStateChange.
type Subscription interface {
	Unsubscribe()
}

// Auth is the identity provider surface.
type Auth interface {
	SignInWithPassword(ctx context.Context, creds Credentials) (*AuthResponse, error)
	SignUp(ctx context.Context, params SignUpParams) (*AuthResponse, error)
	SignOut(ctx context.Context) error
	GetSession(ctx context.Context) (*Session, error)
	RefreshSession(ctx context.Context) (*Session, error)
	OnAuthStateChange(fn func(AuthChangeEvent)) Subscription
}

// Data is the record-level and procedure surface.
type Data interface {
	RPC(ctx context.Context, fn string, params map[string]any, out any) error
	From(table string) *Query
}

// Client bundles both surfaces.
type Client interface {
	Auth
	Data
}

// SessionStorage persists the provider session between process runs. It is
// the only local state this module keeps.
type SessionStorage interface {
	Load(ctx context.Context) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Clear(ctx context.Context) error
}
