//go:build integration

package tokencache_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/ehr/portal/internal/platform/baas"
	"github.com/ehr/portal/internal/platform/tokencache"
	"github.com/ehr/portal/pkg/testutil/containers"
)

type RedisStorageSuite struct {
	suite.Suite
	redis *containers.RedisContainer
}

func TestRedisStorageSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisStorageSuite))
}

func (s *RedisStorageSuite) SetupSuite() {
	s.redis = containers.NewRedisContainer(s.T())
}

func (s *RedisStorageSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func (s *RedisStorageSuite) TestSessionRoundTrip() {
	ctx := context.Background()
	store := tokencache.NewRedis(s.redis.Client, "cli", time.Minute)

	got, err := store.Load(ctx)
	s.Require().NoError(err)
	s.Nil(got)

	in := &baas.Session{AccessToken: "at", RefreshToken: "rt", ExpiresAt: 1700000000, User: baas.User{ID: "u1"}}
	s.Require().NoError(store.Save(ctx, in))

	ttl, err := s.redis.Client.TTL(ctx, "portal:session:cli").Result()
	s.Require().NoError(err)
	s.Greater(ttl, time.Duration(0))

	got, err = store.Load(ctx)
	s.Require().NoError(err)
	s.Equal("rt", got.RefreshToken)
	s.Equal("u1", got.User.ID)

	s.Require().NoError(store.Clear(ctx))
	got, err = store.Load(ctx)
	s.Require().NoError(err)
	s.Nil(got)
}

func (s *RedisStorageSuite) TestKeysAreIsolated() {
	ctx := context.Background()
	a := tokencache.NewRedis(s.redis.Client, "a", 0)
	b := tokencache.NewRedis(s.redis.Client, "b", 0)

	s.Require().NoError(a.Save(ctx, &baas.Session{AccessToken: "a"}))
	got, err := b.Load(ctx)
	s.Require().NoError(err)
	s.Nil(got)
}
