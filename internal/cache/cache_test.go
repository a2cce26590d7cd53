package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_SetGet(t *testing.T) {
	c := New[string]("test", 10)
	c.Set("a", "1", time.Minute)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "1", v)
}

func TestCache_Get_ExpiredIsMiss(t *testing.T) {
	c := New[string]("test", 10)
	c.Set("a", "1", -time.Second)
	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestCache_EvictsLRUAtCapacity(t *testing.T) {
	c := New[int]("test", 10)
	for i := 0; i < 10; i++ {
		c.Set(string(rune('a'+i)), i, time.Minute)
	}
	// touch every key but "a" so it is the least-recently-accessed.
	for i := 1; i < 10; i++ {
		c.Get(string(rune('a' + i)))
	}
	c.Set("k", 99, time.Minute)
	_, ok := c.Get("a")
	assert.False(t, ok, "least-recently-accessed entry should have been evicted")
}

func TestCache_GetOrFetch_CachesOnSuccess(t *testing.T) {
	c := New[string]("test", 10)
	calls := 0
	fetch := func(ctx context.Context) (string, error) {
		calls++
		return "fresh", nil
	}
	v, err := c.GetOrFetch(context.Background(), "k", fetch, time.Minute, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "fresh", v)

	v, err = c.GetOrFetch(context.Background(), "k", fetch, time.Minute, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "fresh", v)
	assert.Equal(t, 1, calls, "second call should hit the cache, not fetchFn")
}

func TestCache_GetOrFetch_StaleOnError(t *testing.T) {
	c := New[string]("test", 10)
	c.Set("k", "stale-value", -time.Second)

	fetchErr := errors.New("upstream down")
	v, err := c.GetOrFetch(context.Background(), "k", func(ctx context.Context) (string, error) {
		return "", fetchErr
	}, time.Minute, time.Second)

	require.NoError(t, err)
	assert.Equal(t, "stale-value", v)
}

func TestCache_GetOrFetch_PropagatesErrorWithoutStale(t *testing.T) {
	c := New[string]("test", 10)
	fetchErr := errors.New("upstream down")
	_, err := c.GetOrFetch(context.Background(), "missing", func(ctx context.Context) (string, error) {
		return "", fetchErr
	}, time.Minute, time.Second)

	assert.ErrorIs(t, err, fetchErr)
}

func TestCache_DeleteByPrefix(t *testing.T) {
	c := New[string]("test", 10)
	c.Set("search:a", "1", time.Minute)
	c.Set("search:b", "2", time.Minute)
	c.Set("artist:a", "3", time.Minute)

	c.DeleteByPrefix("search:")

	_, ok := c.Get("search:a")
	assert.False(t, ok)
	_, ok = c.Get("artist:a")
	assert.True(t, ok)
}

func TestCache_Stats(t *testing.T) {
	c := New[string]("test", 10)
	c.Set("a", "1", time.Minute)
	c.Get("a")
	_, _ = c.Get("missing")

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 1, stats.KeyCount)
}
