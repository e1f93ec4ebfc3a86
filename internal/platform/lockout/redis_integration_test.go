//go:build integration

package lockout_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/suite"

	"github.com/ehr/portal/internal/platform/lockout"
	"github.com/ehr/portal/pkg/testutil/containers"
)

type RedisStoreSuite struct {
	suite.Suite
	redis   *containers.RedisContainer
	tracker *lockout.Tracker
}

func TestRedisStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisStoreSuite))
}

func (s *RedisStoreSuite) SetupSuite() {
	s.redis = containers.NewRedisContainer(s.T())
	s.tracker = lockout.NewTracker(lockout.NewRedisStore(s.redis.Client),
		lockout.Config{MaxAttempts: 2, Window: time.Minute, LockDuration: time.Minute}, zerolog.Nop())
}

func (s *RedisStoreSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func (s *RedisStoreSuite) TestLocksAndResets() {
	ctx := context.Background()

	locked, err := s.tracker.RecordFailure(ctx, "a@x.com")
	s.Require().NoError(err)
	s.False(locked)

	locked, err = s.tracker.RecordFailure(ctx, "a@x.com")
	s.Require().NoError(err)
	s.True(locked)
	s.ErrorIs(s.tracker.Check(ctx, "a@x.com"), lockout.ErrLocked)

	n, err := s.redis.Client.Exists(ctx, "portal:lockout:failures:a@x.com").Result()
	s.Require().NoError(err)
	s.Zero(n, "locking should drop the failure count")

	s.Require().NoError(s.tracker.Reset(ctx, "a@x.com"))
	s.NoError(s.tracker.Check(ctx, "a@x.com"))
}

func (s *RedisStoreSuite) TestFailureWindowExpires() {
	ctx := context.Background()

	_, err := s.tracker.RecordFailure(ctx, "b@x.com")
	s.Require().NoError(err)

	ttl, err := s.redis.Client.TTL(ctx, "portal:lockout:failures:b@x.com").Result()
	s.Require().NoError(err)
	s.Greater(ttl, time.Duration(0))
	s.LessOrEqual(ttl, time.Minute)
}
