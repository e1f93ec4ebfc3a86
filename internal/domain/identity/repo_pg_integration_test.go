//go:build integration

package identity_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"github.com/ehr/portal/internal/domain/identity"
	"github.com/ehr/portal/internal/domain/role"
	"github.com/ehr/portal/internal/platform/db"
	"github.com/ehr/portal/pkg/testutil/containers"
)

type ProfileRepoPGSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	repo     identity.ProfileRepository
	funcs    *db.Functions
}

func TestProfileRepoPGSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(ProfileRepoPGSuite))
}

func (s *ProfileRepoPGSuite) SetupSuite() {
	s.postgres = containers.NewPostgresContainer(s.T())
	s.repo = identity.NewProfileRepoPG(s.postgres.Pool)
	s.funcs = db.NewFunctions(s.postgres.Pool)
}

func (s *ProfileRepoPGSuite) SetupTest() {
	err := s.postgres.TruncateTables(context.Background(), "patients", "providers", "admins")
	s.Require().NoError(err)
}

func (s *ProfileRepoPGSuite) TestCreateMinimalAndGet() {
	ctx := context.Background()
	id := uuid.NewString()

	p := identity.NewProfile(role.Patient, id, "a@x.com", "Ada", "", "", time.Now())
	s.Require().NoError(s.repo.CreateMinimal(ctx, p))

	exists, err := s.repo.Exists(ctx, role.Patient, id)
	s.Require().NoError(err)
	s.True(exists)

	got, err := s.repo.Get(ctx, role.Patient, id)
	s.Require().NoError(err)
	s.Equal("a@x.com", got.Email)
	s.False(got.Completed)
	s.Nil(got.LastName)
}

func (s *ProfileRepoPGSuite) TestCreateMinimalDuplicate() {
	ctx := context.Background()
	p := identity.NewProfile(role.Provider, uuid.NewString(), "p@x.com", "", "", "", time.Now())

	s.Require().NoError(s.repo.CreateMinimal(ctx, p))
	s.ErrorIs(s.repo.CreateMinimal(ctx, p), identity.ErrDuplicate)
}

// TestConcurrentCreateSingleRecord verifies that racing inserts for the same
// user leave exactly one record and report the rest as duplicates.
func (s *ProfileRepoPGSuite) TestConcurrentCreateSingleRecord() {
	ctx := context.Background()
	id := uuid.NewString()
	const goroutines = 20

	var wg sync.WaitGroup
	var mu sync.Mutex
	created, dup := 0, 0
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.repo.CreateMinimal(ctx, identity.NewProfile(role.Patient, id, "a@x.com", "", "", "", time.Now()))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				created++
			} else if errors.Is(err, identity.ErrDuplicate) {
				dup++
			}
		}()
	}
	wg.Wait()

	s.Equal(1, created)
	s.Equal(goroutines-1, dup)

	var n int
	s.Require().NoError(s.postgres.Pool.QueryRow(ctx, `SELECT count(*) FROM patients WHERE id = $1`, id).Scan(&n))
	s.Equal(1, n)
}

func (s *ProfileRepoPGSuite) TestGetNotFound() {
	_, err := s.repo.Get(context.Background(), role.Admin, uuid.NewString())
	s.ErrorIs(err, identity.ErrNotFound)
}

func (s *ProfileRepoPGSuite) TestRoleFunctions() {
	ctx := context.Background()
	id := uuid.NewString()
	s.Require().NoError(s.repo.CreateMinimal(ctx, identity.NewProfile(role.Patient, id, "a@x.com", "", "", "", time.Now())))
	s.Require().NoError(s.repo.CreateMinimal(ctx, identity.NewProfile(role.Admin, id, "a@x.com", "", "", "", time.Now())))

	for _, fn := range []string{role.SecureRolesFunc, role.RolesFunc} {
		var rs role.RoleSet
		s.Require().NoError(s.funcs.RPC(ctx, fn, map[string]any{"p_user_id": id}, &rs))
		s.Equal([]role.Role{role.Admin, role.Patient}, rs.Roles, fn)
		s.Equal(role.Admin, rs.Primary, fn)
	}

	var none role.RoleSet
	s.Require().NoError(s.funcs.RPC(ctx, role.RolesFunc, map[string]any{"p_user_id": uuid.NewString()}, &none))
	s.Empty(none.Roles)
	s.Equal(role.Role(""), none.Primary)
}

func (s *ProfileRepoPGSuite) TestSignupTriggerBody() {
	ctx := context.Background()
	id := uuid.NewString()

	_, err := s.postgres.Pool.Exec(ctx, `SELECT handle_new_user($1, $2, $3::jsonb)`,
		id, "p@x.com", `{"role":"provider","first_name":"Grace"}`)
	s.Require().NoError(err)

	got, err := s.repo.Get(ctx, role.Provider, id)
	s.Require().NoError(err)
	s.Require().NotNil(got.FirstName)
	s.Equal("Grace", *got.FirstName)
	s.False(got.Completed)
}
