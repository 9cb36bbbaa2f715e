package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"

	"cgraph/internal/config"
)

// NewRedisClient connects and pings until PingTimeout runs out. name is
// reported to the server with CLIENT SETNAME so instances can be told apart.
func NewRedisClient(ctx context.Context, cfg *config.RedisConfig, name string) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	opts.ClientName = name
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	opts.MinIdleConns = cfg.MinIdleConns
	rdb := redis.NewClient(opts)

	wait := cfg.PingTimeout
	if wait <= 0 {
		wait = 2 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	_, err = backoff.Retry(pingCtx, func() (string, error) {
		return rdb.Ping(pingCtx).Result()
	}, backoff.WithBackOff(bo))
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", opts.Addr, err)
	}
	return rdb, nil
}
