package identity

import (
	"context"
	"errors"

	"github.com/ehr/portal/internal/domain/role"
)

var (
	ErrNotFound  = errors.New("profile not found")
	ErrDuplicate = errors.New("profile already exists")
)

// ProfileRepository reads and creates role profile records. Exists makes
// it a role.ProfileChecker.
type ProfileRepository interface {
	Exists(ctx context.Context, r role.Role, userID string) (bool, error)
	Get(ctx context.Context, r role.Role, userID string) (*Profile, error)
	// CreateMinimal inserts p. A record that already exists for the id is
	// reported as ErrDuplicate.
	CreateMinimal(ctx context.Context, p *Profile) error
}
