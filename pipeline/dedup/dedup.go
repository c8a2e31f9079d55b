package dedup

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "dedup:"

var (
	// ErrEmptyKey is returned when Claim or Release receive a blank key.
	ErrEmptyKey = errors.New("idempotency key is empty")
	// ErrNilRedisClient is returned by NewRedisStore for a nil client.
	ErrNilRedisClient = errors.New("redis client is nil")
)

// Store claims idempotency keys. Claim returns true only for the first caller
// within ttl. Complete keeps a claimed key for ttl once its work is done.
type Store interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Complete(ctx context.Context, key string, ttl time.Duration) error
	Release(ctx context.Context, key string) error
}

// RedisStore claims keys with SET NX.
type RedisStore struct {
	client redis.Cmdable
	prefix string
}

// NewRedisStore returns a Redis-backed Store. An empty prefix uses "dedup:".
func NewRedisStore(client redis.Cmdable, prefix string) (*RedisStore, error) {
	if client == nil {
		return nil, ErrNilRedisClient
	}

	if prefix == "" {
		prefix = defaultKeyPrefix
	}

	return &RedisStore{client: client, prefix: prefix}, nil
}

// Claim implements Store.
func (s *RedisStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if strings.TrimSpace(key) == "" {
		return false, ErrEmptyKey
	}

	return s.client.SetNX(ctx, s.prefix+key, time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
}

// Complete implements Store.
func (s *RedisStore) Complete(ctx context.Context, key string, ttl time.Duration) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}

	return s.client.Set(ctx, s.prefix+key, "done", ttl).Err()
}

// Release implements Store.
func (s *RedisStore) Release(ctx context.Context, key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}

	return s.client.Del(ctx, s.prefix+key).Err()
}

// MemoryStore is an in-process Store for tests and single-node runs.
type MemoryStore struct {
	mu   sync.Mutex
	keys map[string]time.Time
	now  func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]time.Time), now: time.Now}
}

// Claim implements Store. A non-positive ttl never expires.
func (s *MemoryStore) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if strings.TrimSpace(key) == "" {
		return false, ErrEmptyKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	if expiry, ok := s.keys[key]; ok && (expiry.IsZero() || now.Before(expiry)) {
		return false, nil
	}

	var expiry time.Time
	if ttl > 0 {
		expiry = now.Add(ttl)
	}

	s.keys[key] = expiry

	return true, nil
}

// Complete implements Store. A non-positive ttl never expires.
func (s *MemoryStore) Complete(_ context.Context, key string, ttl time.Duration) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var expiry time.Time
	if ttl > 0 {
		expiry = s.now().Add(ttl)
	}

	s.keys[key] = expiry

	return nil
}

// Release implements Store.
func (s *MemoryStore) Release(_ context.Context, key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}

	s.mu.Lock()
	delete(s.keys, key)
	s.mu.Unlock()

	return nil
}
