// Package cache implements spec.md §4.1: a TTL + LRU cache with
// stale-on-error fallback, keyed by a namespace (Design Note "Caches":
// "prefer one cache keyed by typed namespaces... each with its own TTL").
// Grounded on the teacher's internal/adapter/ai/cache.go,
// internal/adapter/ai/model_cache.go, and
// internal/adapter/ai/rate_limit_cache.go, unified into one generic type.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/patchworkdata/catalog-pipeline/internal/observability"
)

type entry[V any] struct {
	value        V
	expiresAt    time.Time
	lastAccessed time.Time
}

// Cache is a namespaced, TTL + LRU in-process cache. Entries are
// process-local per spec.md §3's ownership note; nothing here persists
// across invocations.
type Cache[V any] struct {
	namespace  string
	maxEntries int
	mu         sync.Mutex
	m          map[string]*entry[V]
	hits       int64
	misses     int64
	closeOnce  sync.Once
	closeCh    chan struct{}
}

// New constructs a Cache for the given namespace (used only for metric
// labels and log fields) with an eviction ceiling of maxEntries.
func New[V any](namespace string, maxEntries int) *Cache[V] {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	return &Cache[V]{
		namespace:  namespace,
		maxEntries: maxEntries,
		m:          make(map[string]*entry[V]),
		closeCh:    make(chan struct{}),
	}
}

// Get returns the value for key if present and unexpired, bumping
// lastAccessed.
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[key]
	if !ok || time.Now().After(e.expiresAt) {
		c.misses++
		observability.CacheMissesTotal.WithLabelValues(c.namespace).Inc()
		return zero, false
	}
	e.lastAccessed = time.Now()
	c.hits++
	observability.CacheHitsTotal.WithLabelValues(c.namespace).Inc()
	return e.value, true
}

// Has reports presence without affecting LRU order or stats.
func (c *Cache[V]) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[key]
	return ok && time.Now().Before(e.expiresAt)
}

// Set stores value under key with the given ttl, evicting the
// least-recently-accessed 10% if the cache is at capacity.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.m[key]; !exists && len(c.m) >= c.maxEntries {
		c.evictLRULocked()
	}
	now := time.Now()
	c.m[key] = &entry[V]{value: value, expiresAt: now.Add(ttl), lastAccessed: now}
}

// Delete removes a single key.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, key)
}

// DeleteByPrefix removes every key with the given prefix (used to
// invalidate a whole sub-namespace, e.g. all "search:<artist>" entries).
func (c *Cache[V]) DeleteByPrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.m {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(c.m, k)
		}
	}
}

// evictLRULocked drops the least-recently-accessed 10% of entries.
// Caller must hold c.mu.
func (c *Cache[V]) evictLRULocked() {
	n := len(c.m) / 10
	if n < 1 {
		n = 1
	}
	type kv struct {
		key string
		at  time.Time
	}
	all := make([]kv, 0, len(c.m))
	for k, e := range c.m {
		all = append(all, kv{k, e.lastAccessed})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })
	for i := 0; i < n && i < len(all); i++ {
		delete(c.m, all[i].key)
	}
}

// FetchFunc fetches a fresh value for GetOrFetch.
type FetchFunc[V any] func(ctx context.Context) (V, error)

// GetOrFetch implements spec.md §4.1's policy precisely: return a fresh
// hit immediately; otherwise call fetchFn under fetchTimeout; on success
// store and return; on failure, fall back to a stale (expired) cached
// value if one exists, logging the fallback; otherwise propagate the
// error.
func (c *Cache[V]) GetOrFetch(ctx context.Context, key string, fetchFn FetchFunc[V], ttl, fetchTimeout time.Duration) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	fctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	v, err := fetchFn(fctx)
	if err == nil {
		c.Set(key, v, ttl)
		return v, nil
	}

	c.mu.Lock()
	stale, hasStale := c.m[key]
	c.mu.Unlock()
	if hasStale {
		slog.Warn("getOrFetch: fetch failed, returning stale value",
			slog.String("namespace", c.namespace), slog.String("key", key), slog.Any("error", err))
		return stale.value, nil
	}
	var zero V
	return zero, err
}

// Stats describes cache effectiveness and size.
type Stats struct {
	Hits        int64
	Misses      int64
	KeyCount    int
	ApproxBytes int
}

// Stats returns current counters. ApproxBytes is computed via JSON
// marshaling length, matching the teacher's "approximate byte size via
// JSON length" note (spec.md §4.1).
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	approx := 0
	for k, e := range c.m {
		approx += len(k)
		if b, err := json.Marshal(e.value); err == nil {
			approx += len(b)
		}
	}
	return Stats{Hits: c.hits, Misses: c.misses, KeyCount: len(c.m), ApproxBytes: approx}
}

// StartSweeper launches a background goroutine that removes expired
// entries every interval, until ctx is canceled.
func (c *Cache[V]) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.closeCh:
				return
			case <-ticker.C:
				c.sweepExpired()
			}
		}
	}()
}

func (c *Cache[V]) sweepExpired() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.m {
		if now.After(e.expiresAt) {
			delete(c.m, k)
		}
	}
}

// Close stops the sweeper goroutine if running.
func (c *Cache[V]) Close() {
	c.closeOnce.Do(func() { close(c.closeCh) })
}
