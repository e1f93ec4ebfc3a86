//go:build integration

package redis_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	redisx "github.com/ehr/portal/internal/platform/redis"
	"github.com/ehr/portal/pkg/testutil/containers"
)

func TestClient_ConnectsAndReportsHealth(t *testing.T) {
	rc := containers.NewRedisContainer(t)
	ctx := context.Background()

	c, err := redisx.New(ctx, rc.URL)
	require.NoError(t, err)
	require.NotNil(t, c)
	t.Cleanup(func() { _ = c.Close() })

	require.NoError(t, c.Health(ctx))
	require.NoError(t, c.Set(ctx, "portal:ping", "1", 0).Err())
	require.Equal(t, "1", c.Get(ctx, "portal:ping").Val())
}
