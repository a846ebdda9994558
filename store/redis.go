package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix is prepended to every key written by RedisStore.
const DefaultRedisPrefix = "toolguard:"

// RedisStore is a durable Store backed by Redis. TTLs are enforced by the
// server.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithRedisPrefix overrides DefaultRedisPrefix.
func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: DefaultRedisPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(ns Namespace, key string) (string, error) {
	flat, err := FlatKey(ns, key)
	if err != nil {
		return "", err
	}
	return s.prefix + flat, nil
}

// Get returns the value stored under ns and key.
func (s *RedisStore) Get(ctx context.Context, ns Namespace, key string) ([]byte, bool, error) {
	k, err := s.key(ns, key)
	if err != nil {
		return nil, false, err
	}
	data, err := s.client.Get(ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: redis get: %w", err)
	}
	return data, true, nil
}

// Put stores value. A ttl <= 0 stores it without expiry.
func (s *RedisStore) Put(ctx context.Context, ns Namespace, key string, value []byte, ttl time.Duration) error {
	k, err := s.key(ns, key)
	if err != nil {
		return err
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, k, value, ttl).Err(); err != nil {
		return fmt.Errorf("store: redis set: %w", err)
	}
	return nil
}

// Delete removes the value.
func (s *RedisStore) Delete(ctx context.Context, ns Namespace, key string) error {
	k, err := s.key(ns, key)
	if err != nil {
		return err
	}
	if err := s.client.Del(ctx, k).Err(); err != nil {
		return fmt.Errorf("store: redis del: %w", err)
	}
	return nil
}

// Ping verifies Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("store: redis ping: %w", err)
	}
	return nil
}

var _ Store = (*RedisStore)(nil)
