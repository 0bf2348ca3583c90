package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store claims idempotency keys in Redis so replayed writes can be detected.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewStore builds a store; keys expire after ttl.
func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Store{rdb: rdb, ttl: ttl}
}

// Key namespaces a client supplied key by actor and route.
func (s *Store) Key(actor, route, key string) string {
	return fmt.Sprintf("idem:%s:%s:%s", actor, route, key)
}

// Claim returns true when the key was not seen before.
func (s *Store) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, "1", s.ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Release forgets a key so the client may retry a failed write.
func (s *Store) Release(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}
