package logger

import "log/slog"

// Standard field keys for structured logging. Use these consistently across
// all log statements so shard, container, and lease activity can be joined
// in log aggregation.
const (
	// Distributed tracing
	KeyTraceID = "trace_id" // OpenTelemetry trace ID for request correlation
	KeySpanID  = "span_id"  // OpenTelemetry span ID for operation tracking

	// Shard ownership
	KeyShard      = "shard"      // Shard ordinal within [0, 2^shard_bits)
	KeyShardBits  = "shard_bits" // Width of the shard space
	KeyPod        = "pod"        // Pod / worker identity (lease owner)
	KeyGeneration = "generation" // Lease generation (fencing token)
	KeyLeaseTTL   = "lease_ttl"  // Lease time-to-live

	// Container lifecycle
	KeyContainerID = "container_id" // Container identifier (C_... name)
	KeyState       = "state"        // Container lifecycle state
	KeyFileCount   = "file_count"   // Files in the container so far
	KeyByteSize    = "byte_size"    // Container size in bytes

	// Packing
	KeyBatchSize = "batch_size" // Source rows claimed per fetch
	KeyClaimed   = "claimed"    // Rows claimed in this batch
	KeyPacked    = "packed"     // Files packed in this batch
	KeyFailed    = "failed"     // Files failed in this batch
	KeyName      = "name"       // Logical file name inside a container

	// Object storage
	KeyBucket = "bucket" // Bucket name
	KeyKey    = "key"    // Object key
	KeyRegion = "region" // Cloud region
	KeyOffset = "offset" // Byte offset of a range read
	KeyLength = "length" // Byte length of a range read

	// Operation metadata
	KeyDurationMs = "duration_ms" // Operation duration in milliseconds
	KeyError      = "error"       // Error message
	KeyAttempt    = "attempt"     // Retry attempt number
	KeyMaxRetries = "max_retries" // Maximum retry attempts
	KeySource     = "source"      // Data source: cache, object_store, metastore
	KeyOperation  = "operation"   // Sub-operation name

	// Index cache
	KeyCacheHit = "cache_hit" // Cache hit indicator
	KeyEvicted  = "evicted"   // Number of entries evicted
)

// Type-safe attribute constructors for the hot keys.

// TraceID returns a slog.Attr for OpenTelemetry trace ID
func TraceID(id string) slog.Attr {
	return slog.String(KeyTraceID, id)
}

// SpanID returns a slog.Attr for OpenTelemetry span ID
func SpanID(id string) slog.Attr {
	return slog.String(KeySpanID, id)
}

// Shard returns a slog.Attr for a shard ordinal
func Shard(s int) slog.Attr {
	return slog.Int(KeyShard, s)
}

// Pod returns a slog.Attr for a pod identity
func Pod(name string) slog.Attr {
	return slog.String(KeyPod, name)
}

// Generation returns a slog.Attr for a lease generation
func Generation(g uint64) slog.Attr {
	return slog.Uint64(KeyGeneration, g)
}

// ContainerID returns a slog.Attr for a container identifier
func ContainerID(id string) slog.Attr {
	return slog.String(KeyContainerID, id)
}

// State returns a slog.Attr for a container lifecycle state
func State(s string) slog.Attr {
	return slog.String(KeyState, s)
}

// FileCount returns a slog.Attr for a container file count
func FileCount(n uint64) slog.Attr {
	return slog.Uint64(KeyFileCount, n)
}

// ByteSize returns a slog.Attr for a container byte size
func ByteSize(n uint64) slog.Attr {
	return slog.Uint64(KeyByteSize, n)
}

// Name returns a slog.Attr for a logical file name
func Name(name string) slog.Attr {
	return slog.String(KeyName, name)
}

// Bucket returns a slog.Attr for a bucket name
func Bucket(name string) slog.Attr {
	return slog.String(KeyBucket, name)
}

// Key returns a slog.Attr for an object key
func Key(k string) slog.Attr {
	return slog.String(KeyKey, k)
}

// DurationMs returns a slog.Attr for duration in milliseconds
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

// Err returns a slog.Attr for an error
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// Attempt returns a slog.Attr for a retry attempt number
func Attempt(n int) slog.Attr {
	return slog.Int(KeyAttempt, n)
}

// MaxRetries returns a slog.Attr for maximum retry attempts
func MaxRetries(n int) slog.Attr {
	return slog.Int(KeyMaxRetries, n)
}

// Source returns a slog.Attr for a data source
func Source(src string) slog.Attr {
	return slog.String(KeySource, src)
}

// Operation returns a slog.Attr for a sub-operation name
func Operation(op string) slog.Attr {
	return slog.String(KeyOperation, op)
}

// CacheHit returns a slog.Attr for a cache hit indicator
func CacheHit(hit bool) slog.Attr {
	return slog.Bool(KeyCacheHit, hit)
}
