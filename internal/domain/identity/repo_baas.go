package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/ehr/portal/internal/domain/role"
	"github.com/ehr/portal/internal/platform/baas"
)

// -- Data API Repository --

type profileRepoBaaS struct {
	data baas.Data
}

// NewProfileRepoBaaS reads and writes profiles through the hosted data API,
// subject to its row-level security.
func NewProfileRepoBaaS(data baas.Data) ProfileRepository {
	return &profileRepoBaaS{data: data}
}

type profileRow struct {
	ID                 string     `json:"id"`
	Email              string     `json:"email"`
	FirstName          *string    `json:"first_name"`
	LastName           *string    `json:"last_name"`
	Phone              *string    `json:"phone"`
	HasCompletedIntake *bool      `json:"has_completed_intake"`
	ProfileCompleted   *bool      `json:"profile_completed"`
	DateOfBirth        *string    `json:"date_of_birth"`
	Specialty          *string    `json:"specialty"`
	LicenseNumber      *string    `json:"license_number"`
	Department         *string    `json:"department"`
	CreatedAt          *time.Time `json:"created_at"`
	UpdatedAt          *time.Time `json:"updated_at"`
}

func (row *profileRow) toProfile(r role.Role) *Profile {
	p := &Profile{
		ID:            row.ID,
		Role:          r,
		Email:         row.Email,
		FirstName:     row.FirstName,
		LastName:      row.LastName,
		Phone:         row.Phone,
		Specialty:     row.Specialty,
		LicenseNumber: row.LicenseNumber,
		Department:    row.Department,
	}
	switch {
	case row.HasCompletedIntake != nil:
		p.Completed = *row.HasCompletedIntake
	case row.ProfileCompleted != nil:
		p.Completed = *row.ProfileCompleted
	}
	if row.DateOfBirth != nil {
		if dob, err := time.Parse("2006-01-02", *row.DateOfBirth); err == nil {
			p.DateOfBirth = &dob
		}
	}
	if row.CreatedAt != nil {
		p.CreatedAt = *row.CreatedAt
	}
	if row.UpdatedAt != nil {
		p.UpdatedAt = *row.UpdatedAt
	}
	return p
}

func (r *profileRepoBaaS) Exists(ctx context.Context, rl role.Role, userID string) (bool, error) {
	t, err := tableFor(rl)
	if err != nil {
		return false, err
	}
	var row *struct {
		ID string `json:"id"`
	}
	if err := r.data.From(t.name).Select("id").Eq("id", userID).MaybeSingle().Execute(ctx, &row); err != nil {
		return false, fmt.Errorf("check %s profile: %w", rl, err)
	}
	return row != nil, nil
}

func (r *profileRepoBaaS) Get(ctx context.Context, rl role.Role, userID string) (*Profile, error) {
	t, err := tableFor(rl)
	if err != nil {
		return nil, err
	}
	var row *profileRow
	if err := r.data.From(t.name).Select("*").Eq("id", userID).MaybeSingle().Execute(ctx, &row); err != nil {
		return nil, fmt.Errorf("get %s profile: %w", rl, err)
	}
	if row == nil {
		return nil, ErrNotFound
	}
	return row.toProfile(rl), nil
}

func (r *profileRepoBaaS) CreateMinimal(ctx context.Context, p *Profile) error {
	t, err := tableFor(p.Role)
	if err != nil {
		return err
	}

	values := map[string]any{
		"id":         p.ID,
		"email":      p.Email,
		"first_name": p.FirstName,
		"last_name":  p.LastName,
		"phone":      p.Phone,
		"created_at": p.CreatedAt,
		"updated_at": p.UpdatedAt,
	}
	if t.completion != "" {
		values[t.completion] = p.Completed
	}

	if err := r.data.From(t.name).Insert(values).Execute(ctx, nil); err != nil {
		if baas.IsUniqueViolation(err) {
			return fmt.Errorf("create %s profile %s: %w", p.Role, p.ID, ErrDuplicate)
		}
		return fmt.Errorf("create %s profile: %w", p.Role, err)
	}
	return nil
}
