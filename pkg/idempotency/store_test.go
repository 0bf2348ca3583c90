package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, ttl time.Duration) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStore(rdb, ttl), mr
}

func TestStoreClaimOnce(t *testing.T) {
	store, _ := newTestStore(t, time.Minute)
	ctx := context.Background()
	key := store.Key("mgr@uni.edu", "/requests/:id/transitions", "abc")

	first, err := store.Claim(ctx, key)
	require.NoError(t, err)
	require.True(t, first)

	second, err := store.Claim(ctx, key)
	require.NoError(t, err)
	require.False(t, second)
}

func TestStoreReleaseAllowsRetry(t *testing.T) {
	store, _ := newTestStore(t, time.Minute)
	ctx := context.Background()
	key := store.Key("a", "r", "k")

	_, err := store.Claim(ctx, key)
	require.NoError(t, err)
	require.NoError(t, store.Release(ctx, key))

	ok, err := store.Claim(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestStoreKeyExpires(t *testing.T) {
	store, mr := newTestStore(t, time.Minute)
	ctx := context.Background()
	key := store.Key("a", "r", "k")

	_, err := store.Claim(ctx, key)
	require.NoError(t, err)
	mr.FastForward(2 * time.Minute)

	ok, err := store.Claim(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestStoreKeyNamespacesByActor(t *testing.T) {
	store, _ := newTestStore(t, time.Minute)
	require.NotEqual(t, store.Key("a", "r", "k"), store.Key("b", "r", "k"))
}
