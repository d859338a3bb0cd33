package cache

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/flowgate/flowgate/pkg/config"
	"github.com/flowgate/flowgate/pkg/logger"
	"github.com/redis/go-redis/v9"
)

const fallbackPingTimeout = 10 * time.Second

// Redis wraps the shared client for the response cache and the refresh
// lease. The lease lives here because multiple service instances may run;
// Redis is the one cross-process coordination point.
type Redis struct {
	client redis.UniversalClient
	once   sync.Once
}

// NewRedis connects and verifies the connection within the ping timeout.
func NewRedis(ctx context.Context, cfg *config.RedisConfig) (*Redis, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config is required")
	}
	client, err := buildClient(cfg)
	if err != nil {
		return nil, err
	}
	timeout := cfg.PingTimeout
	if timeout <= 0 {
		timeout = fallbackPingTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging Redis server (timeout=%s): %w", timeout, err)
	}
	logger.FromContext(ctx).Info("Redis connection established",
		"host", cfg.Host, "port", cfg.Port, "db", cfg.DB, "pool_size", cfg.PoolSize)
	return &Redis{client: client}, nil
}

func buildClient(cfg *config.RedisConfig) (redis.UniversalClient, error) {
	if cfg.URL != "" {
		opt, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parsing Redis URL: %w", err)
		}
		if cfg.PoolSize > 0 {
			opt.PoolSize = cfg.PoolSize
		}
		return redis.NewClient(opt), nil
	}
	opt := &redis.Options{
		Addr:     net.JoinHostPort(cfg.Host, cfg.Port),
		Password: string(cfg.Password),
		DB:       cfg.DB,
	}
	if cfg.PoolSize > 0 {
		opt.PoolSize = cfg.PoolSize
	}
	return redis.NewClient(opt), nil
}

// NewRedisFromClient wraps an existing client; tests hand in a miniredis
// backed one.
func NewRedisFromClient(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

// Client exposes the underlying client for cache-local usage.
func (r *Redis) Client() redis.UniversalClient {
	return r.client
}

// HealthCheck verifies the connection is alive.
func (r *Redis) HealthCheck(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

// Close shuts down the connection. Safe to call more than once.
func (r *Redis) Close() error {
	var err error
	r.once.Do(func() {
		err = r.client.Close()
	})
	return err
}
