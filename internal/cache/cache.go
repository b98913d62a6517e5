// Package cache implements the router's ModelCache (spec.md §5 "Shared
// resources"): a TTL-per-entry store backed by either an in-process map
// (MemStore) or Redis (RedisStore). Invalidate is a single delete in both;
// Clear is O(1) in MemStore, while RedisStore.Clear scans every key under
// its prefix.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Store is the minimal interface ModelCache needs from a backing store.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// MemStore is an in-process Store with lazy eviction: an entry past its
// TTL is dropped the next time it is read or written, never by a
// background sweep.
type MemStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
}

type memEntry struct {
	value   []byte
	expires time.Time
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{entries: map[string]memEntry{}}
}

func (s *MemStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	if time.Now().After(e.expires) {
		delete(s.entries, key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (s *MemStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memEntry{value: value, expires: time.Now().Add(ttl)}
	return nil
}

func (s *MemStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = map[string]memEntry{}
	return nil
}

// ModelCache wraps a Store with typed Get/Set for the model-listing payload
// the router caches per backend (spec.md §4.6 "listModels").
type ModelCache struct {
	store      Store
	defaultTTL time.Duration
}

// New builds a ModelCache over store with defaultTTL applied when Set is
// called without an explicit per-entry override.
func New(store Store, defaultTTL time.Duration) *ModelCache {
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	return &ModelCache{store: store, defaultTTL: defaultTTL}
}

// Get unmarshals the cached value for key into dst, reporting whether a
// live (non-expired) entry existed.
func (c *ModelCache) Get(ctx context.Context, key string, dst any) (bool, error) {
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, err
	}
	return true, nil
}

// Set stores value under key with the cache's default TTL.
func (c *ModelCache) Set(ctx context.Context, key string, value any) error {
	return c.SetTTL(ctx, key, value, c.defaultTTL)
}

// SetTTL stores value under key with an explicit TTL override.
func (c *ModelCache) SetTTL(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, key, raw, ttl)
}

// Invalidate drops a single key.
func (c *ModelCache) Invalidate(ctx context.Context, key string) error {
	return c.store.Delete(ctx, key)
}

// Clear drops every entry.
func (c *ModelCache) Clear(ctx context.Context) error {
	return c.store.Clear(ctx)
}
