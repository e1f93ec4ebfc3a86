package role

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Role is one of the three portal roles.
type Role string

const (
	Patient  Role = "patient"
	Admin    Role = "admin"
	Provider Role = "provider"
)

// Priority orders roles for picking the primary role when a user holds more
// than one.
var Priority = []Role{Admin, Patient, Provider}

// Parse validates s as a role name.
func Parse(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

func (r Role) Valid() bool {
	switch r {
	case Patient, Admin, Provider:
		return true
	}
	return false
}

// Title is the capitalized role name used in user-facing messages.
func (r Role) Title() string {
	if r == "" {
		return ""
	}
	return strings.ToUpper(string(r[:1])) + string(r[1:])
}

func (r Role) String() string { return string(r) }

// RoleSet is the derived set of roles a user holds plus the primary one.
// An empty set for an authenticated user means the role is still pending.
type RoleSet struct {
	Roles   []Role `json:"roles"`
	Primary Role   `json:"primary_role"`
}

// Empty is the role set with no roles and no primary role.
func Empty() RoleSet {
	return RoleSet{Roles: []Role{}}
}

func (s RoleSet) IsEmpty() bool {
	return len(s.Roles) == 0
}

func (s RoleSet) Has(r Role) bool {
	for _, have := range s.Roles {
		if have == r {
			return true
		}
	}
	return false
}

// MarshalJSON renders an absent primary role as null and never emits a
// null roles array.
func (s RoleSet) MarshalJSON() ([]byte, error) {
	roles := s.Roles
	if roles == nil {
		roles = []Role{}
	}
	var primary *Role
	if s.Primary != "" {
		p := s.Primary
		primary = &p
	}
	return json.Marshal(struct {
		Roles   []Role `json:"roles"`
		Primary *Role  `json:"primary_role"`
	}{roles, primary})
}
