package session

import (
	"github.com/ehr/portal/internal/domain/role"
	"github.com/ehr/portal/internal/platform/baas"
)

type Status string

const (
	StatusInitializing  Status = "initializing"
	StatusAuthenticated Status = "authenticated"
	StatusAnonymous     Status = "anonymous"
)

// State is a snapshot of the store. Initializing moves to Authenticated or
// Anonymous once the startup session read finishes; after that the store
// only moves between those two.
type State struct {
	Status       Status
	Session      *baas.Session
	Roles        role.RoleSet
	RolesLoading bool
	SigningOut   bool
}

// Loading reports whether the startup session read is still running.
func (s State) Loading() bool { return s.Status == StatusInitializing }

func (s State) Authenticated() bool { return s.Status == StatusAuthenticated }

// User returns the signed-in user or nil.
func (s State) User() *baas.User {
	if s.Session == nil {
		return nil
	}
	return &s.Session.User
}

// UserID returns the signed-in user's id or "".
func (s State) UserID() string {
	if u := s.User(); u != nil {
		return u.ID
	}
	return ""
}

// RolePending reports an authenticated identity whose roles resolved to the
// empty set. It is not an authentication failure.
func (s State) RolePending() bool {
	return s.Authenticated() && !s.RolesLoading && s.Roles.IsEmpty()
}

func (s State) clone() State {
	out := s
	if s.Session != nil {
		cp := *s.Session
		if s.Session.User.UserMetadata != nil {
			md := make(map[string]any, len(s.Session.User.UserMetadata))
			for k, v := range s.Session.User.UserMetadata {
				md[k] = v
			}
			cp.User.UserMetadata = md
		}
		out.Session = &cp
	}
	out.Roles.Roles = append([]role.Role{}, s.Roles.Roles...)
	return out
}

func anonymous() State {
	return State{Status: StatusAnonymous, Roles: role.Empty()}
}
