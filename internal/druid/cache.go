package druid

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/metamx/sherlock/internal/metrics"
	"github.com/metamx/sherlock/internal/model"
)

// CachedClient keeps datasource listings in redis for TTL.
// Queries always go to the underlying client.
type CachedClient struct {
	Client
	Redis  *redis.Client
	TTL    time.Duration
	Logger *zap.Logger
}

func NewCachedClient(inner Client, rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *CachedClient {
	return &CachedClient{Client: inner, Redis: rdb, TTL: ttl, Logger: logger}
}

func datasourceKey(cluster model.Cluster) string {
	return fmt.Sprintf("sherlock:datasources:%d", cluster.ID)
}

func (c *CachedClient) ListDatasources(ctx context.Context, cluster model.Cluster) ([]string, error) {
	key := datasourceKey(cluster)
	cached, err := c.Redis.Get(ctx, key).Bytes()
	if err == nil {
		var names []string
		if json.Unmarshal(cached, &names) == nil {
			metrics.DatasourceCache.WithLabelValues("hit").Inc()
			return names, nil
		}
	} else if err != redis.Nil {
		c.Logger.Warn("datasource cache read failed", zap.Int("cluster_id", cluster.ID), zap.Error(err))
	}
	metrics.DatasourceCache.WithLabelValues("miss").Inc()

	names, err := c.Client.ListDatasources(ctx, cluster)
	if err != nil {
		return nil, err
	}
	data, _ := json.Marshal(names)
	if err := c.Redis.Set(ctx, key, data, c.TTL).Err(); err != nil {
		c.Logger.Warn("datasource cache write failed", zap.Int("cluster_id", cluster.ID), zap.Error(err))
	}
	return names, nil
}

// Invalidate drops the cached listing for cluster.
func (c *CachedClient) Invalidate(ctx context.Context, cluster model.Cluster) error {
	return c.Redis.Del(ctx, datasourceKey(cluster)).Err()
}
