// Package cache keeps the feed cache token in Redis so that several
// ingestor processes share one revalidation state.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces the token keys.
const DefaultPrefix = "OZB"

// Client is the subset of redis.Cmdable the token store uses.
type Client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// RedisTokens stores cache tokens under "<prefix>_ETAG:<feed url>".
type RedisTokens struct {
	client Client
	prefix string
}

// NewRedisTokens creates a token store using client.
func NewRedisTokens(client Client, prefix string) *RedisTokens {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &RedisTokens{client: client, prefix: prefix}
}

// Dial connects to the Redis server at addr and checks it answers.
func Dial(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (r *RedisTokens) key(feedURL string) string {
	return r.prefix + "_ETAG:" + feedURL
}

// CacheToken returns the stored token, or "" when none was saved.
func (r *RedisTokens) CacheToken(ctx context.Context, feedURL string) (string, error) {
	token, err := r.client.Get(ctx, r.key(feedURL)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get cache token: %w", err)
	}
	return token, nil
}

// SetCacheToken saves token without expiry.
func (r *RedisTokens) SetCacheToken(ctx context.Context, feedURL, token string) error {
	if err := r.client.Set(ctx, r.key(feedURL), token, 0).Err(); err != nil {
		return fmt.Errorf("set cache token: %w", err)
	}
	return nil
}
