package cache

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const defaultRedisPrefix = "stripe_webhook:event:"

// RedisCache is a Redis-based cache implementation
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache creates a new Redis cache and checks connectivity
func NewRedisCache(config RedisConfig) (*RedisCache, error) {
	opts := &redis.Options{
		Addr:         config.Address,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}

	if config.EnableTLS {
		if config.TLSConfig != nil {
			opts.TLSConfig = config.TLSConfig
		} else {
			opts.TLSConfig = &tls.Config{
				InsecureSkipVerify: config.TLSSkipVerify, //nolint:gosec // operator opt-in
			}
		}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisCacheFromClient(client, config.KeyPrefix), nil
}

// NewRedisCacheFromClient wraps an existing client. An empty prefix uses the default.
func NewRedisCacheFromClient(client *redis.Client, prefix string) *RedisCache {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisCache{
		client: client,
		prefix: prefix,
	}
}

// IsProcessed checks if an event has been processed
func (c *RedisCache) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	exists, err := c.client.Exists(ctx, c.prefix+eventID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check Redis key: %w", err)
	}
	return exists > 0, nil
}

// MarkProcessed marks an event as processed
func (c *RedisCache) MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.prefix+eventID, "1", ttl).Err(); err != nil {
		return fmt.Errorf("failed to set Redis key: %w", err)
	}
	return nil
}

// Close closes the cache and releases resources
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// RedisConfig contains Redis connection configuration
type RedisConfig struct {
	Address       string
	Password      string
	DB            int
	PoolSize      int
	MinIdleConns  int
	DialTimeout   time.Duration
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	EnableTLS     bool
	TLSSkipVerify bool
	TLSConfig     *tls.Config
	KeyPrefix     string
}
