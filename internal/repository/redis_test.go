package repository

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewStoreFromClient(client), mr
}

func TestStoreGetSet(t *testing.T) {
	store, mr := newStore(t)
	ctx := context.Background()

	_, ok, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Set(ctx, "k", "v", time.Minute))
	val, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", val)

	mr.FastForward(2 * time.Minute)
	_, ok, err = store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "value must expire with its TTL")

	require.NoError(t, store.Set(ctx, "k2", "v2", time.Minute))
	require.NoError(t, store.Del(ctx, "k2"))
	_, ok, _ = store.Get(ctx, "k2")
	assert.False(t, ok)
}

func TestStoreSetIfAbsent(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	ok, err := store.SetIfAbsent(ctx, "lock", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.SetIfAbsent(ctx, "lock", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second writer must lose")

	val, _, _ := store.Get(ctx, "lock")
	assert.Equal(t, "a", val, "first writer's value must survive")
}

func TestStoreCounter(t *testing.T) {
	store, mr := newStore(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		n, err := store.IncrWithTTL(ctx, "cnt", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}

	n, err := store.GetInt(ctx, "cnt")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	// DecrFloor deletes at zero instead of going negative.
	for i := 0; i < 5; i++ {
		require.NoError(t, store.DecrFloor(ctx, "cnt"))
	}
	n, err = store.GetInt(ctx, "cnt")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	assert.False(t, mr.Exists("cnt"), "counter must be deleted at zero")

	// Missing counter reads as zero.
	n, err = store.GetInt(ctx, "never")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestStoreList(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.PushTail(ctx, "q", "a"))
	require.NoError(t, store.PushTail(ctx, "q", "b"))
	require.NoError(t, store.PushHead(ctx, "q", "front"))

	n, err := store.Len(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	removed, err := store.RemoveFirst(ctx, "q", "b")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = store.RemoveFirst(ctx, "q", "b")
	require.NoError(t, err)
	assert.False(t, removed, "second removal of the same item is a no-op")

	var got []string
	for {
		item, ok, err := store.PopHead(ctx, "q")
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, item)
	}
	assert.Equal(t, []string{"front", "a"}, got)
}

func TestStoreScanKeys(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "job:1", "x", 0))
	require.NoError(t, store.Set(ctx, "job:2", "x", 0))
	require.NoError(t, store.Set(ctx, "other", "x", 0))

	keys, err := store.ScanKeys(ctx, "job:*")
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}
