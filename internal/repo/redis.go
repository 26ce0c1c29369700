package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"

	"gridconsent/internal/domain"
)

// redisClient is the subset of redis.Cmdable the cache uses.
type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisCache shares projections between processes.
type RedisCache struct {
	client redisClient
	prefix string
	ttl    time.Duration
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
	Prefix   string
}

// NewRedisCache dials lazily; the first command surfaces connection errors.
func NewRedisCache(opts RedisOptions) *RedisCache {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return newRedisCache(rdb, opts.Prefix, opts.TTL)
}

func newRedisCache(client redisClient, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = "gridconsent:pr:"
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisCache) key(id string) string { return c.prefix + id }

func (c *RedisCache) Get(ctx context.Context, permissionID string) (domain.PermissionRequest, bool, error) {
	raw, err := c.client.Get(ctx, c.key(permissionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.PermissionRequest{}, false, nil
	}
	if err != nil {
		return domain.PermissionRequest{}, false, err
	}
	var pr domain.PermissionRequest
	if err := json.Unmarshal(raw, &pr); err != nil {
		return domain.PermissionRequest{}, false, fmt.Errorf("decode cached %s: %w", permissionID, err)
	}
	return pr, true, nil
}

func (c *RedisCache) Set(ctx context.Context, pr domain.PermissionRequest) error {
	raw, err := json.Marshal(pr)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(pr.PermissionID), raw, c.ttl).Err()
}

func (c *RedisCache) Delete(ctx context.Context, permissionID string) error {
	return c.client.Del(ctx, c.key(permissionID)).Err()
}

// Close releases the connection pool when the cache owns one.
func (c *RedisCache) Close() error {
	if cl, ok := c.client.(io.Closer); ok {
		return cl.Close()
	}
	return nil
}
