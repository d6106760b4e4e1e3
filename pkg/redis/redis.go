package redis

import (
	"context"
	"time"

	"smallbiznis-licensing/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("redis",
	fx.Provide(New),
)

// New returns a client for the shared license cache. A missing server is
// logged and tolerated: the validator falls back to the store on cache errors.
func New(lc fx.Lifecycle, c *config.Config) *redis.Client {
	zapLog := zap.L().With(
		zap.String("addr", c.Redis.Addr),
		zap.Int("db", c.Redis.DB),
		zap.Int("pool_size", c.Redis.PoolSize),
		zap.Duration("pool_timeout", c.Redis.PoolTimeout),
	)

	rdb := redis.NewClient(&redis.Options{
		Addr:        c.Redis.Addr,
		Password:    c.Redis.Password,
		DB:          c.Redis.DB,
		PoolSize:    c.Redis.PoolSize,
		PoolTimeout: c.Redis.PoolTimeout,
	})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			var err error
			for i := 0; i < 5; i++ {
				if err = rdb.Ping(ctx).Err(); err == nil {
					zapLog.Info("[Redis] Connected to Redis")
					return nil
				}
				zapLog.Warn("[Redis] Redis not ready, retrying in 1 second...", zap.Int("retry", i+1), zap.Error(err))
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(time.Second):
				}
			}
			zapLog.Error("[Redis] Redis unreachable, license cache will miss", zap.Error(err))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return rdb.Close()
		},
	})

	return rdb
}
