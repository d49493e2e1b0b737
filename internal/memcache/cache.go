// Package memcache provides a bounded, generic key→value cache with strict
// least-recently-used eviction and per-entry TTL, layered over a durable
// backend.
//
// Writes go durable-first (write-through), so a process restart loses no
// data; reads check the in-memory tier first and fall back to the backend
// (read-through). Entries past their expiry are invisible at read time even
// before the eager maintenance sweep physically removes them.
package memcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/bottleneckbots/agentmem/internal/store"
)

// Default capacities per cache role.
const (
	DefaultSessionCapacity = 1000
	DefaultPatternCapacity = 500
)

// Entry is the durable representation of one cached value.
type Entry struct {
	Value     []byte
	Metadata  map[string]any
	CreatedAt int64
	UpdatedAt int64
	// ExpiresAt is Unix milliseconds; 0 means session-lifetime (no expiry).
	ExpiresAt int64
}

// Expired reports whether the entry is logically invisible at the given time.
func (e *Entry) Expired(nowMillis int64) bool {
	return e.ExpiresAt > 0 && nowMillis > e.ExpiresAt
}

// Backend is the durable tier beneath the in-memory cache.
//
// Get must return (nil, nil) for absent or expired rows; storage failures are
// returned as errors and never masked.
type Backend interface {
	Put(ctx context.Context, scope, key string, e *Entry) error
	Get(ctx context.Context, scope, key string) (*Entry, error)
	Delete(ctx context.Context, scope, key string) error
	DeletePrefix(ctx context.Context, scope, prefix string) (int64, error)
	SweepExpired(ctx context.Context, nowMillis int64) (int64, error)
}

type cached[V any] struct {
	value     V
	expiresAt int64
}

// Cache is a bounded LRU cache of V over a durable backend.
type Cache[V any] struct {
	name    string
	backend Backend
	logger  *zap.Logger

	// mu serializes compound operations (read-through populate, prefix
	// deletes) so eviction order stays strictly LRU under concurrency.
	mu  sync.Mutex
	lru *lru.Cache[string, cached[V]]
}

// New creates a cache with the given name (used in metrics), capacity, and
// durable backend.
func New[V any](name string, capacity int, backend Backend, logger *zap.Logger) (*Cache[V], error) {
	if backend == nil {
		return nil, errors.New("backend is required")
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("capacity must be positive, got %d", capacity)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Cache[V]{
		name:    name,
		backend: backend,
		logger:  logger,
	}

	l, err := lru.NewWithEvict[string, cached[V]](capacity, func(string, cached[V]) {
		store.CacheEvictionsTotal.WithLabelValues(name).Inc()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create lru: %w", err)
	}
	c.lru = l

	return c, nil
}

func cacheKey(scope, key string) string {
	return scope + "\x00" + key
}

// Put stores a value durably and then updates the in-memory tier.
// A zero ttl means the entry never expires on its own.
func (c *Cache[V]) Put(ctx context.Context, scope, key string, value V, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode value: %w", err)
	}

	now := store.NowMillis()
	entry := &Entry{
		Value:     raw,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if ttl > 0 {
		entry.ExpiresAt = now + ttl.Milliseconds()
	}

	// Durable tier first. If this fails the cache is untouched and the
	// caller sees the storage error.
	if err := c.backend.Put(ctx, scope, key, entry); err != nil {
		return fmt.Errorf("durable write failed: %w", err)
	}

	c.mu.Lock()
	c.lru.Add(cacheKey(scope, key), cached[V]{value: value, expiresAt: entry.ExpiresAt})
	c.mu.Unlock()
	return nil
}

// Get returns the cached value, reading through to the backend on a miss.
// The boolean is false for absent and expired entries alike.
func (c *Cache[V]) Get(ctx context.Context, scope, key string) (V, bool, error) {
	var zero V
	now := store.NowMillis()
	ck := cacheKey(scope, key)

	c.mu.Lock()
	if hit, ok := c.lru.Get(ck); ok {
		if hit.expiresAt > 0 && now > hit.expiresAt {
			c.lru.Remove(ck)
			c.mu.Unlock()
			store.CacheHitsTotal.WithLabelValues(c.name, "expired").Inc()
			return zero, false, nil
		}
		c.mu.Unlock()
		store.CacheHitsTotal.WithLabelValues(c.name, "hit").Inc()
		return hit.value, true, nil
	}
	c.mu.Unlock()

	entry, err := c.backend.Get(ctx, scope, key)
	if err != nil {
		return zero, false, fmt.Errorf("durable read failed: %w", err)
	}
	if entry == nil || entry.Expired(now) {
		store.CacheHitsTotal.WithLabelValues(c.name, "miss").Inc()
		return zero, false, nil
	}

	var value V
	if err := json.Unmarshal(entry.Value, &value); err != nil {
		return zero, false, fmt.Errorf("failed to decode cached value: %w", err)
	}

	c.mu.Lock()
	c.lru.Add(ck, cached[V]{value: value, expiresAt: entry.ExpiresAt})
	c.mu.Unlock()

	store.CacheHitsTotal.WithLabelValues(c.name, "miss").Inc()
	return value, true, nil
}

// Delete removes a single entry from both tiers.
func (c *Cache[V]) Delete(ctx context.Context, scope, key string) error {
	if err := c.backend.Delete(ctx, scope, key); err != nil {
		return fmt.Errorf("durable delete failed: %w", err)
	}
	c.mu.Lock()
	c.lru.Remove(cacheKey(scope, key))
	c.mu.Unlock()
	return nil
}

// Invalidate drops the in-memory entry without touching the durable row.
// Used after out-of-band durable updates so the next read re-populates.
func (c *Cache[V]) Invalidate(scope, key string) {
	c.mu.Lock()
	c.lru.Remove(cacheKey(scope, key))
	c.mu.Unlock()
}

// DeletePrefix removes every entry in scope whose key starts with prefix.
func (c *Cache[V]) DeletePrefix(ctx context.Context, scope, prefix string) (int64, error) {
	n, err := c.backend.DeletePrefix(ctx, scope, prefix)
	if err != nil {
		return 0, fmt.Errorf("durable prefix delete failed: %w", err)
	}

	c.mu.Lock()
	match := cacheKey(scope, prefix)
	for _, k := range c.lru.Keys() {
		if strings.HasPrefix(k, match) {
			c.lru.Remove(k)
		}
	}
	c.mu.Unlock()
	return n, nil
}

// SweepExpired physically removes expired durable rows and purges any expired
// in-memory entries. Safe to run concurrently with reads: expired rows are
// already filtered at read time.
func (c *Cache[V]) SweepExpired(ctx context.Context) (int64, error) {
	now := store.NowMillis()
	n, err := c.backend.SweepExpired(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("sweep failed: %w", err)
	}

	c.mu.Lock()
	for _, k := range c.lru.Keys() {
		if v, ok := c.lru.Peek(k); ok && v.expiresAt > 0 && now > v.expiresAt {
			c.lru.Remove(k)
		}
	}
	c.mu.Unlock()

	if n > 0 {
		store.SweepDeletedTotal.WithLabelValues(c.name).Add(float64(n))
	}
	return n, nil
}

// Len returns the number of in-memory entries. Test and metrics hook.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
