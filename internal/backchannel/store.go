// Package backchannel implements OIDC back-channel logout: the provider
// posts a logout token, and affected sessions are terminated the next time
// they show up.
package backchannel

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"oidcgate/internal/cache"
)

// Store records subjects and sessions the provider logged out. Consume is
// destructive: a logged-out marker terminates exactly one session lookup
// chain and is gone afterwards.
type Store interface {
	MarkLoggedOut(ctx context.Context, tenantID, key string, ttl time.Duration) error
	Consume(ctx context.Context, tenantID, key string) (bool, error)
}

func storeKey(tenantID, key string) string {
	return "logout:" + tenantID + ":" + key
}

// MemoryStore keeps logout markers in the in-process result cache. Suitable
// for single-instance deployments.
type MemoryStore struct {
	c *cache.Cache[struct{}]
}

// NewMemoryStore builds an in-process store. ttl bounds how long a marker
// waits for its session to reappear.
func NewMemoryStore(maxSize int, ttl, sweep time.Duration) *MemoryStore {
	return &MemoryStore{c: cache.New[struct{}](maxSize, ttl, sweep)}
}

func (s *MemoryStore) MarkLoggedOut(_ context.Context, tenantID, key string, _ time.Duration) error {
	s.c.Put(storeKey(tenantID, key), struct{}{})
	return nil
}

func (s *MemoryStore) Consume(_ context.Context, tenantID, key string) (bool, error) {
	_, ok := s.c.Remove(storeKey(tenantID, key))
	return ok, nil
}

// Close releases the cache sweeper.
func (s *MemoryStore) Close() { s.c.Close() }

// RedisStore shares logout markers across instances.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore { return &RedisStore{rdb: rdb} }

func (s *RedisStore) MarkLoggedOut(ctx context.Context, tenantID, key string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return s.rdb.Set(ctx, storeKey(tenantID, key), "1", ttl).Err()
}

func (s *RedisStore) Consume(ctx context.Context, tenantID, key string) (bool, error) {
	res, err := s.rdb.GetDel(ctx, storeKey(tenantID, key)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return res != "", nil
}
