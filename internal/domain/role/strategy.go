package role

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Remote procedures that compute a user's roles server-side.
const (
	SecureRolesFunc = "get_user_roles_secure"
	RolesFunc       = "get_user_roles"
)

// Strategy is one tier of role resolution.
type Strategy interface {
	Name() string
	Resolve(ctx context.Context, userID string) (RoleSet, error)
}

// RPCCaller calls a remote procedure and decodes its result into out.
type RPCCaller interface {
	RPC(ctx context.Context, fn string, params map[string]any, out any) error
}

// ProfileChecker reports whether the role-specific profile record exists.
type ProfileChecker interface {
	Exists(ctx context.Context, r Role, userID string) (bool, error)
}

type rpcStrategy struct {
	caller RPCCaller
	fn     string
}

// RPCStrategy resolves roles by calling fn with the user id as p_user_id.
func RPCStrategy(caller RPCCaller, fn string) Strategy {
	return &rpcStrategy{caller: caller, fn: fn}
}

func (s *rpcStrategy) Name() string { return "rpc:" + s.fn }

func (s *rpcStrategy) Resolve(ctx context.Context, userID string) (RoleSet, error) {
	var rs RoleSet
	if err := s.caller.RPC(ctx, s.fn, map[string]any{"p_user_id": userID}, &rs); err != nil {
		return RoleSet{}, fmt.Errorf("%s: %w", s.fn, err)
	}
	if rs.Roles == nil {
		rs.Roles = []Role{}
	}
	return rs, nil
}

type tableStrategy struct {
	checker ProfileChecker
	logger  zerolog.Logger
}

// TableStrategy resolves roles by checking each role's profile table. The
// checks run concurrently and a failing check only drops that role.
func TableStrategy(checker ProfileChecker, logger zerolog.Logger) Strategy {
	return &tableStrategy{checker: checker, logger: logger}
}

func (s *tableStrategy) Name() string { return "tables" }

func (s *tableStrategy) Resolve(ctx context.Context, userID string) (RoleSet, error) {
	found := make([]bool, len(Priority))
	errs := make([]error, len(Priority))

	var g errgroup.Group
	for i, r := range Priority {
		i, r := i, r
		g.Go(func() error {
			ok, err := s.checker.Exists(ctx, r, userID)
			if err != nil {
				s.logger.Warn().Err(err).Str("role", string(r)).Str("user_id", userID).Msg("profile existence check failed")
				errs[i] = fmt.Errorf("%s: %w", r, err)
				return nil
			}
			found[i] = ok
			return nil
		})
	}
	_ = g.Wait()

	rs := Empty()
	failed := 0
	for i, r := range Priority {
		if errs[i] != nil {
			failed++
			continue
		}
		if found[i] {
			rs.Roles = append(rs.Roles, r)
		}
	}
	if failed == len(Priority) {
		return RoleSet{}, errors.Join(errs...)
	}
	if len(rs.Roles) > 0 {
		rs.Primary = rs.Roles[0]
	}
	return rs, nil
}

// DefaultStrategies is the standard tier order: secure procedure, plain
// procedure, then direct table checks.
func DefaultStrategies(caller RPCCaller, checker ProfileChecker, logger zerolog.Logger) []Strategy {
	return []Strategy{
		RPCStrategy(caller, SecureRolesFunc),
		RPCStrategy(caller, RolesFunc),
		TableStrategy(checker, logger),
	}
}
