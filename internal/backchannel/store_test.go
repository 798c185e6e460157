package backchannel

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreConsumeOnce(t *testing.T) {
	s := NewMemoryStore(10, time.Minute, 0)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.MarkLoggedOut(ctx, "acme", "alice", time.Minute))

	hit, err := s.Consume(ctx, "acme", "alice")
	require.NoError(t, err)
	assert.True(t, hit)

	hit, err = s.Consume(ctx, "acme", "alice")
	require.NoError(t, err)
	assert.False(t, hit, "markers terminate exactly one lookup")
}

func TestMemoryStoreTenantScoped(t *testing.T) {
	s := NewMemoryStore(10, time.Minute, 0)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.MarkLoggedOut(ctx, "acme", "alice", time.Minute))

	hit, err := s.Consume(ctx, "other", "alice")
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestRedisStoreConsumeOnce(t *testing.T) {
	m := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: m.Addr()})
	defer rdb.Close()

	s := NewRedisStore(rdb)
	ctx := context.Background()

	require.NoError(t, s.MarkLoggedOut(ctx, "acme", "session-9", time.Minute))

	hit, err := s.Consume(ctx, "acme", "session-9")
	require.NoError(t, err)
	assert.True(t, hit)

	hit, err = s.Consume(ctx, "acme", "session-9")
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestRedisStoreTTL(t *testing.T) {
	m := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: m.Addr()})
	defer rdb.Close()

	s := NewRedisStore(rdb)
	ctx := context.Background()

	require.NoError(t, s.MarkLoggedOut(ctx, "acme", "alice", time.Second))
	m.FastForward(2 * time.Second)

	hit, err := s.Consume(ctx, "acme", "alice")
	require.NoError(t, err)
	assert.False(t, hit, "expired markers are gone")
}
