package redis

import (
	"context"
	"time"

	"codemint-controlplane/pkg/config"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("redis",
	fx.Provide(New, NewLocker),
)

const connectWindow = 15 * time.Second

// New opens the shared client used for locks, sequences and readiness
// checks. It pings for up to connectWindow before carrying on.
func New(lc fx.Lifecycle, c *config.Config) *redis.Client {
	log := zap.L().With(
		zap.String("addr", c.Redis.Addr),
		zap.Int("db", c.Redis.DB),
		zap.Int("pool_size", c.Redis.PoolSize),
	)

	rdb := redis.NewClient(&redis.Options{
		Addr:        c.Redis.Addr,
		Password:    c.Redis.Password,
		DB:          c.Redis.DB,
		PoolSize:    c.Redis.PoolSize,
		PoolTimeout: c.Redis.PoolTimeout,
	})

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = connectWindow
	err := backoff.RetryNotify(func() error {
		return rdb.Ping(context.Background()).Err()
	}, b, func(err error, wait time.Duration) {
		log.Warn("[Redis] not ready, retrying", zap.Duration("wait", wait), zap.Error(err))
	})
	if err != nil {
		log.Error("[Redis] unreachable after retries", zap.Error(err))
	} else {
		log.Info("[Redis] Connected to Redis")
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return rdb.Close()
		},
	})

	return rdb
}
