// Package idempotency maps caller-supplied idempotency keys to the order a
// saga created for them.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL is how long a key is remembered.
	DefaultTTL = 24 * time.Hour

	pending   = "pending"
	keyPrefix = "order:idempotency:"
)

// RedisClient is the minimal client surface used by RedisStore.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisStore keeps idempotency keys in Redis so replays are detected across
// instances.
type RedisStore struct {
	client RedisClient
	ttl    time.Duration
}

// NewRedisStore constructs a Redis-backed idempotency store.
func NewRedisStore(client RedisClient, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

// Reserve claims key. For a key that is already claimed it returns the bound
// order ID, or "" while the claiming request is still running.
func (s *RedisStore) Reserve(ctx context.Context, key string) (string, bool, error) {
	k := keyPrefix + key
	for range 2 {
		ok, err := s.client.SetNX(ctx, k, pending, s.ttl).Result()
		if err != nil {
			return "", false, fmt.Errorf("reserve idempotency key: %w", err)
		}
		if ok {
			return "", true, nil
		}

		val, err := s.client.Get(ctx, k).Result()
		if errors.Is(err, redis.Nil) {
			// expired between SETNX and GET
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("load idempotency key: %w", err)
		}
		if val == pending {
			return "", false, nil
		}
		return val, false, nil
	}
	return "", false, errors.New("idempotency key churned during reserve")
}

// Bind records the order created for key.
func (s *RedisStore) Bind(ctx context.Context, key, orderID string) error {
	if err := s.client.Set(ctx, keyPrefix+key, orderID, s.ttl).Err(); err != nil {
		return fmt.Errorf("bind idempotency key: %w", err)
	}
	return nil
}

// Release forgets key so it can be retried.
func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}
