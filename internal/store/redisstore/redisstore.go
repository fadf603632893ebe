// Package redisstore implements store.Store on top of Redis, the backend
// used in production deployments so routing and credential state survive
// relay restarts and are shared across relay replicas.
package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/devplane/relay/internal/store"
)

// Store adapts a *redis.Client to store.Store. TTL maps directly onto
// Redis's native EX expiry, and List onto a non-blocking SCAN cursor walk
// (never KEYS, which can stall a shared Redis under load).
type Store struct {
	client *redis.Client
}

// New wraps client.
func New(client *redis.Client) *Store {
	return &Store{client: client}
}

// Put stores value under key with ttl (<=0 means no expiry, Redis KEEPTTL semantics don't apply here — a ttl<=0 Put is a persistent SET).
func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiry time.Duration
	if ttl > 0 {
		expiry = ttl
	}
	if err := s.client.Set(ctx, key, value, expiry).Err(); err != nil {
		return fmt.Errorf("%w: redis SET %q: %v", store.ErrUnavailable, key, err)
	}
	return nil
}

// Get returns the value at key, or store.ErrNotFound if absent.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: redis GET %q: %v", store.ErrUnavailable, key, err)
	}
	return v, nil
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: redis DEL %q: %v", store.ErrUnavailable, key, err)
	}
	return nil
}

// List returns all keys with the given prefix via a cursor-based SCAN.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: redis SCAN %q: %v", store.ErrUnavailable, prefix, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}
