// Package rediscache implements the engine's Cache contract on
// redis. It backs the token revocation list, the email OTP store and
// the session mirror.
package rediscache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned by Get and GetDel when the key does not exist
// or its TTL has lapsed.
var ErrMiss = errors.New("cache miss")

// Cache wraps a redis client behind the narrow contract the engine
// uses. All keys are namespaced by the configured prefix.
type Cache struct {
	client *redis.Client
	prefix string
}

// New returns a Cache over the given client. prefix may be empty.
func New(client *redis.Client, prefix string) *Cache {
	if prefix != "" {
		prefix += ":"
	}
	return &Cache{client: client, prefix: prefix}
}

func (c *Cache) key(k string) string { return c.prefix + k }

// Set stores value under key with the given TTL.
func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.client.Set(ctx, c.key(key), value, ttl).Err()
}

// Get returns the value under key, or ErrMiss.
func (c *Cache) Get(ctx context.Context, key string) (string, error) {
	v, err := c.client.Get(ctx, c.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrMiss
	}
	return v, err
}

// GetDel atomically reads and deletes the value under key. One-time
// codes are consumed through this so a code can be accepted at most
// once even under concurrent verification attempts.
func (c *Cache) GetDel(ctx context.Context, key string) (string, error) {
	v, err := c.client.GetDel(ctx, c.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrMiss
	}
	return v, err
}

// HSet stores a hash-map record under key and applies the TTL to the
// whole key.
func (c *Cache) HSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	k := c.key(key)
	args := make([]interface{}, 0, len(fields)*2)
	for f, v := range fields {
		args = append(args, f, v)
	}
	if err := c.client.HSet(ctx, k, args...).Err(); err != nil {
		return err
	}
	return c.client.Expire(ctx, k, ttl).Err()
}

// Del removes key. Deleting an absent key is not an error.
func (c *Cache) Del(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.key(key)).Err()
}

// Exists reports whether key is present.
func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, c.key(key)).Result()
	return n > 0, err
}
