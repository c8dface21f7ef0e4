package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	xerrors "DustSweep/internal/errors"
)

// Cache is a byte-oriented key-value store with per-entry TTL.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Config describes the Redis connection. URL takes precedence over the
// discrete fields.
type Config struct {
	URL      string `json:"url"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
}

// Options converts the config into go-redis options.
func (c Config) Options() (*goredis.Options, error) {
	if url := strings.TrimSpace(c.URL); url != "" {
		opts, err := goredis.ParseURL(url)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "invalid REDIS_URL")
		}
		return opts, nil
	}
	if strings.TrimSpace(c.Address) == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "redis address is required")
	}
	return &goredis.Options{Addr: c.Address, Password: c.Password, DB: c.DB}, nil
}

// NewClient dials Redis and verifies the connection.
func NewClient(ctx context.Context, cfg Config) (*goredis.Client, error) {
	opts, err := cfg.Options()
	if err != nil {
		return nil, err
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeCacheFailure, err, fmt.Sprintf("connect redis %s", opts.Addr))
	}
	return client, nil
}

// RedisCache implements Cache on a go-redis client.
type RedisCache struct {
	client goredis.UniversalClient
	prefix string
	owned  bool
}

// NewRedisCache dials Redis and returns a cache that owns the connection.
func NewRedisCache(ctx context.Context, cfg Config) (*RedisCache, error) {
	client, err := NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: client, prefix: cfg.Prefix, owned: true}, nil
}

// WrapClient shares an existing client, e.g. with the Redis job queue.
func WrapClient(client goredis.UniversalClient, prefix string) *RedisCache {
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) key(key string) string {
	return c.prefix + key
}

// Get returns the value stored at key. A missing key is not an error.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, xerrors.Wrap(xerrors.CodeCacheFailure, err, "cache get "+key)
	}
	return value, true, nil
}

// Set stores value at key; a non-positive ttl stores without expiry.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := c.client.Set(ctx, c.key(key), value, ttl).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeCacheFailure, err, "cache set "+key)
	}
	return nil
}

// Delete removes key.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeCacheFailure, err, "cache delete "+key)
	}
	return nil
}

// Close releases the connection if the cache dialed it.
func (c *RedisCache) Close() error {
	if c == nil || !c.owned || c.client == nil {
		return nil
	}
	return c.client.Close()
}

var _ Cache = (*RedisCache)(nil)
