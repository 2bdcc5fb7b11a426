package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Storage backed by a Redis database, for server-side embeddings
// that need session state shared across processes.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

var _ Storage = (*Redis)(nil)

// RedisConfig configures a Redis store.
type RedisConfig struct {
	// Addr is the host:port of the Redis server.
	Addr string

	// Password is optional.
	Password string

	// DB selects the Redis logical database.
	DB int

	// TTL is an optional expiry applied to every key. Zero means no expiry.
	TTL time.Duration
}

// NewRedis creates a Redis store and verifies connectivity with a ping.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	const op = "storage.NewRedis"
	if cfg.Addr == "" {
		return nil, fmt.Errorf("%s: address is empty", op)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%s: unable to connect to redis at %s: %w", op, cfg.Addr, err)
	}
	return &Redis{client: client, ttl: cfg.TTL}, nil
}

// Get implements Storage.
func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", err
	}
	return v, nil
}

// Set implements Storage.
func (r *Redis) Set(ctx context.Context, key string, value string) error {
	return r.client.Set(ctx, key, value, r.ttl).Err()
}

// Delete implements Storage.
func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// Close releases the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
