package kv

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces keys so one Redis can serve several sites.
const DefaultRedisPrefix = "proserve:kv:"

// RedisBackend stores entries as plain Redis strings.
//
// Ownership model:
// - RedisBackend does NOT own the client. The caller must close it.
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisBackend constructs a Redis-backed Backend. An empty prefix uses DefaultRedisPrefix.
func NewRedisBackend(client redis.UniversalClient, prefix string) (*RedisBackend, error) {
	if client == nil {
		return nil, errors.New("kv: nil redis client")
	}
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisBackend{client: client, prefix: prefix}, nil
}

// Get returns the stored value.
func (b *RedisBackend) Get(ctx context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, ErrEmptyKey
	}

	v, err := b.client.Get(ctx, b.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// Set stores value under key without expiry; session lifetimes are computed by readers.
func (b *RedisBackend) Set(ctx context.Context, key, value string) error {
	if key == "" {
		return ErrEmptyKey
	}
	return b.client.Set(ctx, b.prefix+key, value, 0).Err()
}

// Delete removes key. Missing keys are not an error.
func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	return b.client.Del(ctx, b.prefix+key).Err()
}
