package druid

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/metamx/sherlock/internal/model"
)

func TestCachedClientListsOnce(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()

	inner := &MockClient{Datasources: []string{"orders"}}
	cached := NewCachedClient(inner, rdb, time.Minute, zap.NewNop())
	cluster := model.Cluster{ID: 4242}
	require.NoError(t, cached.Invalidate(ctx, cluster))

	for i := 0; i < 3; i++ {
		names, err := cached.ListDatasources(ctx, cluster)
		require.NoError(t, err)
		assert.Equal(t, []string{"orders"}, names)
	}
	assert.Equal(t, 1, inner.ListCalls)
	require.NoError(t, cached.Invalidate(ctx, cluster))
}
