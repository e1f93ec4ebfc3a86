package session

import (
	"github.com/ehr/portal/internal/domain/role"
	"github.com/ehr/portal/internal/platform/baas"
)

// Event is a state change published by Store. The concrete types are
// SignedIn, SignedOut, TokenRefreshed, UserUpdated and RolesResolved.
type Event interface {
	// Name is the wire name used on the event stream.
	Name() string
	isEvent()
}

// SignedIn is published when a session becomes current. Roles follow in a
// separate RolesResolved event.
type SignedIn struct {
	Session *baas.Session
}

// SignedOut is published when the current session is cleared.
// UserInitiated is false when the provider invalidated the session.
type SignedOut struct {
	UserInitiated bool
}

type TokenRefreshed struct {
	Session *baas.Session
}

type UserUpdated struct {
	User *baas.User
}

// RolesResolved carries the role set computed for UserID. An empty set
// means the account's role is still pending.
type RolesResolved struct {
	UserID string
	Roles  role.RoleSet
}

func (SignedIn) Name() string       { return "SIGNED_IN" }
func (SignedOut) Name() string      { return "SIGNED_OUT" }
func (TokenRefreshed) Name() string { return "TOKEN_REFRESHED" }
func (UserUpdated) Name() string    { return "USER_UPDATED" }
func (RolesResolved) Name() string  { return "ROLES_RESOLVED" }

func (SignedIn) isEvent()       {}
func (SignedOut) isEvent()      {}
func (TokenRefreshed) isEvent() {}
func (UserUpdated) isEvent()    {}
func (RolesResolved) isEvent()  {}
