package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/isdmx/coderunner/redisclient"
)

var (
	// ErrUnavailable wraps failures to reach the result store
	ErrUnavailable = errors.New("result store unavailable")
	// ErrNotFound is returned by Get for absent or expired keys
	ErrNotFound = errors.New("result not found")
)

// ResultStore is a key-value store with per-key expiry
type ResultStore interface {
	// SetWithTTL writes value and its expiry in one operation.
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// RedisStore implements ResultStore on Redis strings
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore wraps an existing client
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// SetWithTTL issues SET key value EX ttl so the expiry is never missing
func (s *RedisStore) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return wrap("set", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrap("get", err)
	}
	return value, nil
}

func wrap(op string, err error) error {
	if redisclient.IsConnectivityError(err) {
		return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
	}
	return fmt.Errorf("result store %s: %w", op, err)
}
