package redis

import (
	"context"
	"fmt"
	"time"

	"actionworker/pkg/config"

	"github.com/go-redis/redis/v8"
)

const (
	dialTimeout    = 5 * time.Second
	connectTimeout = 5 * time.Second
)

// RedisClient wraps the connection used for distributed locks
type RedisClient struct {
	client *redis.Client
}

// Options maps the redis config section onto go-redis options
func Options(cfg config.RedisConfig) *redis.Options {
	return &redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: dialTimeout,
		PoolSize:    4,
	}
}

// NewRedisClient connects to cfg.Redis and fails fast if it does not answer PING
func NewRedisClient(cfg *config.Config) (*RedisClient, error) {
	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis.addr is required")
	}
	client := redis.NewClient(Options(cfg.Redis))

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
	}

	return &RedisClient{client: client}, nil
}

// GetClient retrieves the underlying Redis client
func (r *RedisClient) GetClient() *redis.Client {
	return r.client
}

// Ping is the readiness probe for redis
func (r *RedisClient) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisClient) Close() error {
	return r.client.Close()
}
