// Package cache provides the advisory index cache shared by the local and
// range readers. A cached index saves the one Range request it takes to
// rebuild it from the container; a miss or a cache failure only costs that
// request back, it never fails a read.
//
// Two implementations share the contract: Memory (in-process, LRU bounded
// with per-entry TTL) and Badger (persistent key-value store with gzipped
// JSON values).
package cache

import (
	"context"
	"time"

	"github.com/datavision/easystore/pkg/des/format"
)

// IndexCache stores parsed container indexes keyed by container identity.
//
// Implementations must be safe for concurrent use and must degrade silently:
// Get returns ok=false on any internal failure, Put drops the entry.
type IndexCache interface {
	// Get returns the cached entries for key, if present and not expired.
	Get(ctx context.Context, key string) ([]format.IndexEntry, bool)

	// Put stores entries under key. A zero ttl means the implementation's
	// default.
	Put(ctx context.Context, key string, entries []format.IndexEntry, ttl time.Duration)
}

// Key builds the container identity cache key: {bucket, key, version}. A
// changed object version therefore invalidates the cached index by
// construction.
func Key(bucket, key, version string) string {
	return bucket + "/" + key + "@" + version
}
