package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DoNewsCode/core-drain/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	clock *store.ManualClock
	store *store.InProcessStore
	keys  store.Keyspace
	cache *Cache
}

func setUp() fixture {
	clock := store.NewManualClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	s := store.NewInProcessStore(clock)
	keys := store.NewKeyspace("app", "testing")
	return fixture{clock: clock, store: s, keys: keys, cache: New(s, keys, WithClock(clock))}
}

func keysOf(entries []*Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Key)
	}
	return out
}

func TestCache_SetGet(t *testing.T) {
	f := setUp()
	ctx := context.Background()

	require.NoError(t, f.cache.Set(ctx, "user:1", map[string]string{"name": "foo"}, TTL(time.Minute), WithPriority(High), WithTags("users"), WithMetadata("source", "db")))

	entry, err := f.cache.Get(ctx, "user:1")
	require.NoError(t, err)
	assert.Equal(t, High, entry.Priority)
	assert.Equal(t, []string{"users"}, entry.Tags)
	assert.Equal(t, "db", entry.Metadata["source"])
	assert.Equal(t, int64(1), entry.AccessCount)
	require.NotNil(t, entry.LastAccess)

	var value map[string]string
	require.NoError(t, f.cache.GetValue(ctx, "user:1", &value))
	assert.Equal(t, "foo", value["name"])

	_, err = f.cache.Get(ctx, "user:2")
	assert.ErrorIs(t, err, ErrMiss)

	stats, err := f.cache.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Sets)
	assert.InDelta(t, 2.0/3.0, stats.HitRate, 1e-9)
	assert.Equal(t, int64(1), stats.Indexed[High])
	assert.Equal(t, int64(1), stats.Tags)
}

func TestCache_GetDoesNotExtendTTL(t *testing.T) {
	f := setUp()
	ctx := context.Background()
	require.NoError(t, f.cache.Set(ctx, "k", "v", TTL(time.Minute)))

	f.clock.Advance(50 * time.Second)
	_, err := f.cache.Get(ctx, "k")
	require.NoError(t, err)

	f.clock.Advance(20 * time.Second)
	_, err = f.cache.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestCache_DeleteInvalidatesTags(t *testing.T) {
	f := setUp()
	ctx := context.Background()
	require.NoError(t, f.cache.Set(ctx, "key", "v", WithTags("a", "b")))
	require.NoError(t, f.cache.Set(ctx, "other", "v", WithTags("b")))

	deleted, err := f.cache.Delete(ctx, "key")
	require.NoError(t, err)
	assert.True(t, deleted)

	for _, tag := range []string{"a", "b"} {
		entries := f.cache.GetByTags(ctx, tag)
		assert.NotContains(t, keysOf(entries), "key", tag)
		members, err := f.store.SMembers(ctx, f.keys.CacheTag(tag))
		require.NoError(t, err)
		assert.NotContains(t, members, "key", tag)
	}
	entries := f.cache.GetByTags(ctx, "b")
	assert.Equal(t, []string{"other"}, keysOf(entries))
}

func TestCache_DeleteExpiredEntrySweepsIndexes(t *testing.T) {
	f := setUp()
	ctx := context.Background()
	require.NoError(t, f.cache.Set(ctx, "key", "v", TTL(time.Minute), WithPriority(Low), WithTags("a")))

	f.clock.Advance(2 * time.Minute)
	deleted, err := f.cache.Delete(ctx, "key")
	require.NoError(t, err)
	assert.False(t, deleted)

	members, err := f.store.SMembers(ctx, f.keys.CacheTag("a"))
	require.NoError(t, err)
	assert.Empty(t, members)
	n, err := f.store.ZCard(ctx, f.keys.CachePriority(string(Low)))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestCache_GetByTags(t *testing.T) {
	f := setUp()
	ctx := context.Background()
	require.NoError(t, f.cache.Set(ctx, "short", "v", TTL(time.Minute), WithTags("a")))
	require.NoError(t, f.cache.Set(ctx, "long", "v", TTL(time.Hour), WithTags("a", "b")))
	require.NoError(t, f.cache.Set(ctx, "other", "v", TTL(time.Hour), WithTags("c")))

	entries := f.cache.GetByTags(ctx, "a", "b")
	assert.Equal(t, []string{"long", "short"}, keysOf(entries), "union without duplicates")

	f.clock.Advance(2 * time.Minute)
	entries = f.cache.GetByTags(ctx, "a")
	assert.Equal(t, []string{"long"}, keysOf(entries), "expired entries are skipped")
}

func TestCache_SetReplacesIndexes(t *testing.T) {
	f := setUp()
	ctx := context.Background()
	require.NoError(t, f.cache.Set(ctx, "key", "v1", WithTags("a"), WithPriority(Low)))
	_, err := f.cache.Get(ctx, "key")
	require.NoError(t, err)

	require.NoError(t, f.cache.Set(ctx, "key", "v2", WithTags("b")))

	entries := f.cache.GetByTags(ctx, "a")
	assert.Empty(t, entries)
	entries = f.cache.GetByTags(ctx, "b")
	require.Len(t, entries, 1)
	assert.Equal(t, Normal, entries[0].Priority)
	assert.Equal(t, int64(0), entries[0].AccessCount, "access stats are reset")

	n, err := f.store.ZCard(ctx, f.keys.CachePriority(string(Low)))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestCache_IndexTTL(t *testing.T) {
	f := setUp()
	ctx := context.Background()
	require.NoError(t, f.cache.Set(ctx, "long", "v", TTL(time.Hour), WithTags("a")))
	require.NoError(t, f.cache.Set(ctx, "short", "v", TTL(time.Minute), WithTags("a")))

	ttl, err := f.store.TTL(ctx, f.keys.CacheTag("a"))
	require.NoError(t, err)
	assert.Equal(t, time.Hour+5*time.Minute, ttl, "never shortened")
}

func TestCache_Clear(t *testing.T) {
	f := setUp()
	ctx := context.Background()
	for _, key := range []string{"user:1", "user:2", "user/profile/3", "post:1"} {
		require.NoError(t, f.cache.Set(ctx, key, "v", WithTags("all")))
	}

	n, err := f.cache.Clear(ctx, "user*")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	entries := f.cache.GetByTags(ctx, "all")
	assert.Equal(t, []string{"post:1"}, keysOf(entries))
	members, err := f.store.SMembers(ctx, f.keys.CacheTag("all"))
	require.NoError(t, err)
	assert.Equal(t, []string{"post:1"}, members)
}

func TestCache_InvalidateTags(t *testing.T) {
	f := setUp()
	ctx := context.Background()
	require.NoError(t, f.cache.Set(ctx, "k1", "v", WithTags("a")))
	require.NoError(t, f.cache.Set(ctx, "k2", "v", WithTags("a", "b")))
	require.NoError(t, f.cache.Set(ctx, "k3", "v", WithTags("c")))

	n, err := f.cache.InvalidateTags(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = f.cache.Get(ctx, "k2")
	assert.ErrorIs(t, err, ErrMiss)
	_, err = f.cache.Get(ctx, "k3")
	assert.NoError(t, err)

	tags, err := f.store.SMembers(ctx, f.keys.CacheTags())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b", "c"}, tags)
}

func TestCache_Evict(t *testing.T) {
	f := setUp()
	ctx := context.Background()
	require.NoError(t, f.cache.Set(ctx, "old", "v", WithPriority(Low), TTL(24*time.Hour)))
	require.NoError(t, f.cache.Set(ctx, "pinned", "v", WithPriority(Critical), TTL(24*time.Hour)))
	f.clock.Advance(time.Hour)
	require.NoError(t, f.cache.Set(ctx, "fresh", "v", WithPriority(Low), TTL(24*time.Hour)))

	n, err := f.cache.Evict(ctx, Low, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.cache.Get(ctx, "old")
	assert.ErrorIs(t, err, ErrMiss)
	for _, key := range []string{"fresh", "pinned"} {
		_, err = f.cache.Get(ctx, key)
		assert.NoError(t, err, key)
	}
}

func TestCache_Reconcile(t *testing.T) {
	f := setUp()
	ctx := context.Background()
	require.NoError(t, f.cache.Set(ctx, "k1", "v", WithTags("a")))
	require.NoError(t, f.cache.Set(ctx, "k2", "v", TTL(time.Minute), WithTags("b")))
	_, err := f.cache.Delete(ctx, "k1")
	require.NoError(t, err)

	// "b" still points at k2 after it expired, which Reconcile tolerates.
	f.clock.Advance(2 * time.Minute)
	n, err := f.cache.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	tags, err := f.store.SMembers(ctx, f.keys.CacheTags())
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, tags)
}

type tagless struct{ store.Store }

func (tagless) SMembers(context.Context, string) ([]string, error) {
	return nil, errors.New("connection refused")
}

func TestCache_GetByTagsUnavailable(t *testing.T) {
	clock := store.NewManualClock(time.Now())
	c := New(tagless{store.NewInProcessStore(clock)}, store.NewKeyspace("app", "testing"), WithClock(clock))

	entries := c.GetByTags(context.Background(), "a")
	assert.NotNil(t, entries)
	assert.Empty(t, entries)
}
