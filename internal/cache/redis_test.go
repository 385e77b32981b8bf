package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/kbsearch-mcp/internal/config"
	kberr "github.com/dshills/kbsearch-mcp/pkg/errors"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	store := NewRedisStore(client)
	t.Cleanup(func() { _ = store.Close() })
	return store, srv
}

func TestRedisStore_GetSetDelete(t *testing.T) {
	ctx := context.Background()
	store, _ := setupTestRedis(t)

	_, ok := store.Get(ctx, "missing")
	assert.False(t, ok)

	require.True(t, store.Set(ctx, "k", []byte("hello"), 0))
	got, ok := store.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), got)
	assert.True(t, store.Exists(ctx, "k"))

	assert.True(t, store.Delete(ctx, "k"))
	assert.False(t, store.Delete(ctx, "k"))
	assert.False(t, store.Exists(ctx, "k"))
}

func TestRedisStore_TTL(t *testing.T) {
	ctx := context.Background()
	store, srv := setupTestRedis(t)

	store.Set(ctx, "short", []byte("1"), time.Second)
	store.Set(ctx, "forever", []byte("2"), 0)

	srv.FastForward(2 * time.Second)

	_, ok := store.Get(ctx, "short")
	assert.False(t, ok)
	_, ok = store.Get(ctx, "forever")
	assert.True(t, ok)
}

func TestRedisStore_Clear(t *testing.T) {
	ctx := context.Background()
	store, _ := setupTestRedis(t)

	for _, k := range []string{"kb:search:a", "kb:search:b", "kb:history:u1", "x"} {
		store.Set(ctx, k, []byte("v"), 0)
	}

	assert.Equal(t, 2, store.Clear(ctx, "kb:search:*"))
	assert.False(t, store.Exists(ctx, "kb:search:a"))
	assert.True(t, store.Exists(ctx, "kb:history:u1"))
	assert.Equal(t, 2, store.Clear(ctx, ""))
}

func TestRedisStore_BackendFailureIsSwallowed(t *testing.T) {
	ctx := context.Background()
	store, srv := setupTestRedis(t)

	store.Set(ctx, "k", []byte("v"), 0)
	srv.Close()

	_, ok := store.Get(ctx, "k")
	assert.False(t, ok)
	assert.False(t, store.Set(ctx, "k", []byte("v"), 0))
	assert.False(t, store.Delete(ctx, "k"))
	assert.Equal(t, 0, store.Clear(ctx, "*"))
	assert.False(t, store.Exists(ctx, "k"))

	stats := store.Stats(ctx)
	assert.Equal(t, false, stats["connected"])
	assert.Positive(t, stats["errors"])
}

func TestConnectRedis(t *testing.T) {
	srv := miniredis.RunT(t)

	client, err := ConnectRedis(context.Background(), config.RedisConfig{Addr: srv.Addr(), MaxRetries: 1}, zerolog.Nop())
	require.NoError(t, err)
	assert.NoError(t, client.Close())
}

func TestConnectRedis_Unreachable(t *testing.T) {
	srv := miniredis.RunT(t)
	addr := srv.Addr()
	srv.Close()

	_, err := ConnectRedis(context.Background(), config.RedisConfig{Addr: addr, MaxRetries: 1}, zerolog.Nop())
	require.Error(t, err)
	assert.True(t, kberr.HasCode(err, kberr.CodeCacheBackendFailure))
}
