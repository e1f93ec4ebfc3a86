package session

import (
	"errors"

	"github.com/ehr/portal/internal/domain/role"
	"github.com/ehr/portal/internal/platform/auth"
)

var (
	ErrEmailRegistered = errors.New("email already registered")
	ErrSignUpFailed    = errors.New("sign-up failed, please try again")
	ErrNotSignedIn     = errors.New("not signed in")
	ErrAccessDenied    = errors.New("access denied")
)

// AccessDeniedError is returned by SignInToPortal when the account lacks the
// portal's role. The session has been signed out by the time it is returned.
type AccessDeniedError struct {
	Required role.Role
}

func (e *AccessDeniedError) Error() string {
	return auth.AccessDeniedMessage(string(e.Required))
}

func (e *AccessDeniedError) Is(target error) bool { return target == ErrAccessDenied }
