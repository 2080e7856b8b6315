package cache

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/datavision/easystore/pkg/des/format"
)

const (
	// DefaultCapacity bounds the in-process cache to this many container
	// indexes.
	DefaultCapacity = 1024

	// DefaultTTL is how long an index stays cached without being refreshed.
	DefaultTTL = 15 * time.Minute
)

// Memory is an in-process IndexCache: bounded capacity with LRU-style
// eviction and per-entry TTL.
type Memory struct {
	items *ttlcache.Cache[string, []format.IndexEntry]
}

// NewMemory creates a Memory cache. Zero capacity or ttl select the
// defaults. The expiration loop runs until Close.
func NewMemory(capacity uint64, ttl time.Duration) *Memory {
	if capacity == 0 {
		capacity = DefaultCapacity
	}
	if ttl == 0 {
		ttl = DefaultTTL
	}
	items := ttlcache.New[string, []format.IndexEntry](
		ttlcache.WithTTL[string, []format.IndexEntry](ttl),
		ttlcache.WithCapacity[string, []format.IndexEntry](capacity),
	)
	go items.Start()
	return &Memory{items: items}
}

// Get implements IndexCache.
func (m *Memory) Get(_ context.Context, key string) ([]format.IndexEntry, bool) {
	item := m.items.Get(key)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

// Put implements IndexCache.
func (m *Memory) Put(_ context.Context, key string, entries []format.IndexEntry, ttl time.Duration) {
	if ttl == 0 {
		ttl = ttlcache.DefaultTTL
	}
	m.items.Set(key, entries, ttl)
}

// Len returns the number of cached indexes.
func (m *Memory) Len() int {
	return m.items.Len()
}

// Close stops the expiration loop.
func (m *Memory) Close() {
	m.items.Stop()
}
