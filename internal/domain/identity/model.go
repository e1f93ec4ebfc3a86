package identity

import (
	"fmt"
	"time"

	"github.com/ehr/portal/internal/domain/role"
)

// Profile is a role-specific profile record keyed by the identity user id.
// Its existence for role R is what "user has role R" means when the role
// procedures are unavailable.
type Profile struct {
	ID        string    `db:"id" json:"id"`
	Role      role.Role `json:"role"`
	Email     string    `db:"email" json:"email"`
	FirstName *string   `db:"first_name" json:"first_name,omitempty"`
	LastName  *string   `db:"last_name" json:"last_name,omitempty"`
	Phone     *string   `db:"phone" json:"phone,omitempty"`

	// Completed is has_completed_intake for patients and profile_completed
	// for providers. Admins have no onboarding step.
	Completed bool `json:"completed"`

	DateOfBirth   *time.Time `db:"date_of_birth" json:"date_of_birth,omitempty"`
	Specialty     *string    `db:"specialty" json:"specialty,omitempty"`
	LicenseNumber *string    `db:"license_number" json:"license_number,omitempty"`
	Department    *string    `db:"department" json:"department,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// NeedsOnboarding reports whether the role's onboarding step is pending.
func (p *Profile) NeedsOnboarding() bool {
	return p.Role != role.Admin && !p.Completed
}

// DisplayName is "First Last", falling back to the email.
func (p *Profile) DisplayName() string {
	first, last := deref(p.FirstName), deref(p.LastName)
	switch {
	case first != "" && last != "":
		return first + " " + last
	case first != "":
		return first
	case last != "":
		return last
	}
	return p.Email
}

// NewProfile builds the minimum record created when the sign-up trigger did
// not: identity, contact names and an incomplete onboarding flag.
func NewProfile(r role.Role, userID, email, firstName, lastName, phone string, now time.Time) *Profile {
	now = now.UTC()
	return &Profile{
		ID:        userID,
		Role:      r,
		Email:     email,
		FirstName: optional(firstName),
		LastName:  optional(lastName),
		Phone:     optional(phone),
		Completed: false,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// DefaultProfile is shown when the profile lookup is slow or failing.
func DefaultProfile(r role.Role, userID, email string) *Profile {
	return &Profile{ID: userID, Role: r, Email: email}
}

type table struct {
	name       string
	completion string
}

var tables = map[role.Role]table{
	role.Patient:  {name: "patients", completion: "has_completed_intake"},
	role.Provider: {name: "providers", completion: "profile_completed"},
	role.Admin:    {name: "admins"},
}

// TableFor returns the profile table for r.
func TableFor(r role.Role) (string, error) {
	t, err := tableFor(r)
	if err != nil {
		return "", err
	}
	return t.name, nil
}

func tableFor(r role.Role) (table, error) {
	t, ok := tables[r]
	if !ok {
		return table{}, fmt.Errorf("no profile table for role %q", r)
	}
	return t, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
