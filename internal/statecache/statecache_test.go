package statecache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/christophengelmayer/flow-oauth2-client/internal/redis"
)

type pendingRecord struct {
	ClientID    string `json:"clientId"`
	ReturnToURI string `json:"returnToUri"`
}

func setupRedisCache(t *testing.T) (*RedisStateCache, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := redis.NewClient(&redis.Config{Address: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	cache, err := NewRedisStateCache(client)
	require.NoError(t, err)

	return cache, mr
}

func TestRedisStateCacheRoundtrip(t *testing.T) {
	cache, _ := setupRedisCache(t)
	ctx := context.Background()

	stored := pendingRecord{ClientID: "client-1", ReturnToURI: "https://app.example.com/done"}
	require.NoError(t, cache.Put(ctx, "state-abc", stored, 10*time.Minute))

	var loaded pendingRecord
	found, err := cache.Get(ctx, "state-abc", &loaded)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, stored, loaded)
}

func TestRedisStateCacheMiss(t *testing.T) {
	cache, _ := setupRedisCache(t)

	var loaded pendingRecord
	found, err := cache.Get(context.Background(), "never-stored", &loaded)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisStateCacheExpiry(t *testing.T) {
	cache, mr := setupRedisCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, "state-ttl", pendingRecord{ClientID: "c"}, time.Minute))

	mr.FastForward(2 * time.Minute)

	var loaded pendingRecord
	found, err := cache.Get(ctx, "state-ttl", &loaded)
	require.NoError(t, err)
	assert.False(t, found, "entry should be gone after the TTL")
}

func TestRedisStateCacheRemove(t *testing.T) {
	cache, _ := setupRedisCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, "state-rm", pendingRecord{ClientID: "c"}, time.Minute))
	require.NoError(t, cache.Remove(ctx, "state-rm"))

	var loaded pendingRecord
	found, err := cache.Get(ctx, "state-rm", &loaded)
	require.NoError(t, err)
	assert.False(t, found)

	// Removing again is fine.
	assert.NoError(t, cache.Remove(ctx, "state-rm"))
}

func TestRedisStateCacheRejectsDuplicateIdentifier(t *testing.T) {
	cache, _ := setupRedisCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, "state-dup", pendingRecord{ClientID: "first"}, time.Minute))
	err := cache.Put(ctx, "state-dup", pendingRecord{ClientID: "second"}, time.Minute)
	require.Error(t, err)

	// The original entry is untouched.
	var loaded pendingRecord
	found, err := cache.Get(ctx, "state-dup", &loaded)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "first", loaded.ClientID)
}

func TestNewRedisStateCacheRequiresClient(t *testing.T) {
	_, err := NewRedisStateCache(nil)
	assert.Error(t, err)
}

func TestMemoryStateCacheRoundtrip(t *testing.T) {
	cache := NewMemoryStateCache()
	t.Cleanup(func() { cache.Close() })
	ctx := context.Background()

	stored := pendingRecord{ClientID: "client-2", ReturnToURI: "https://app.example.com/after"}
	require.NoError(t, cache.Put(ctx, "state-mem", stored, time.Minute))

	var loaded pendingRecord
	found, err := cache.Get(ctx, "state-mem", &loaded)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, stored, loaded)
}

func TestMemoryStateCacheRejectsDuplicateIdentifier(t *testing.T) {
	cache := NewMemoryStateCache()
	t.Cleanup(func() { cache.Close() })
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, "state-dup", pendingRecord{ClientID: "first"}, time.Minute))
	assert.Error(t, cache.Put(ctx, "state-dup", pendingRecord{ClientID: "second"}, time.Minute))

	// An expired entry no longer blocks the identifier.
	require.NoError(t, cache.Put(ctx, "state-expired", pendingRecord{ClientID: "old"}, 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)
	assert.NoError(t, cache.Put(ctx, "state-expired", pendingRecord{ClientID: "new"}, time.Minute))
}

func TestMemoryStateCacheExpiry(t *testing.T) {
	cache := NewMemoryStateCache()
	t.Cleanup(func() { cache.Close() })
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, "state-short", pendingRecord{ClientID: "c"}, 10*time.Millisecond))

	time.Sleep(30 * time.Millisecond)

	var loaded pendingRecord
	found, err := cache.Get(ctx, "state-short", &loaded)
	require.NoError(t, err)
	assert.False(t, found)
}
