// Package cache provides the process-wide caches shared by every dataset: raw
// tile object bytes and macrotile descendant lists.
package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Config contains cache configuration.
type Config struct {
	ObjectCacheSizeMB int
	ObjectTTL         time.Duration
	// Shards must be a power of two. A single object must fit into one shard
	// (ObjectCacheSizeMB / Shards).
	Shards              int
	DescendantCacheSize int
}

// DefaultConfig returns the cache settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		ObjectCacheSizeMB:   256,
		ObjectTTL:           10 * time.Minute,
		Shards:              64,
		DescendantCacheSize: 4096,
	}
}

// Manager manages object and descendant caches.
type Manager struct {
	objects     *bigcache.BigCache
	descendants *lru.Cache[string, []string]

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewManager creates a new cache manager. Zero fields take their defaults.
func NewManager(cfg Config) (*Manager, error) {
	def := DefaultConfig()
	if cfg.ObjectCacheSizeMB <= 0 {
		cfg.ObjectCacheSizeMB = def.ObjectCacheSizeMB
	}
	if cfg.ObjectTTL <= 0 {
		cfg.ObjectTTL = def.ObjectTTL
	}
	if cfg.Shards <= 0 {
		cfg.Shards = def.Shards
	}
	if cfg.DescendantCacheSize <= 0 {
		cfg.DescendantCacheSize = def.DescendantCacheSize
	}

	objectCacheConfig := bigcache.Config{
		Shards:             cfg.Shards,
		LifeWindow:         cfg.ObjectTTL,
		CleanWindow:        cfg.ObjectTTL / 2,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       512 * 1024,
		HardMaxCacheSize:   cfg.ObjectCacheSizeMB,
		Verbose:            false,
	}

	objects, err := bigcache.New(context.Background(), objectCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create object cache: %w", err)
	}

	descendants, err := lru.New[string, []string](cfg.DescendantCacheSize)
	if err != nil {
		objects.Close()
		return nil, fmt.Errorf("failed to create descendant cache: %w", err)
	}

	return &Manager{
		objects:     objects,
		descendants: descendants,
	}, nil
}

// GetObject retrieves raw object bytes from cache.
func (m *Manager) GetObject(key string) ([]byte, bool) {
	data, err := m.objects.Get(key)
	if err != nil {
		m.misses.Add(1)
		return nil, false
	}
	m.hits.Add(1)
	return data, true
}

// SetObject stores raw object bytes in cache.
func (m *Manager) SetObject(key string, data []byte) error {
	return m.objects.Set(key, data)
}

// Descendants returns the LRU holding macrotile descendant lists.
func (m *Manager) Descendants() *lru.Cache[string, []string] {
	return m.descendants
}

// ObjectKey generates a cache key for a tile object.
func ObjectKey(dataset, key, suffix string) string {
	if suffix == "" {
		return fmt.Sprintf("obj:%s:%s", dataset, key)
	}
	return fmt.Sprintf("obj:%s:%s.%s", dataset, key, suffix)
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"object_cache_len":     m.objects.Len(),
		"object_cache_cap":     m.objects.Capacity(),
		"object_cache_hits":    m.hits.Load(),
		"object_cache_misses":  m.misses.Load(),
		"descendant_cache_len": m.descendants.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.objects.Close()
}
