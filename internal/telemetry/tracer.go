package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Common attribute keys for container and packer operations. Storage keys
// follow OpenTelemetry semantic conventions where applicable; DES-specific
// keys use the "des." prefix.
const (
	// Object storage
	AttrBucket = "storage.bucket"
	AttrKey    = "storage.key"
	AttrRegion = "storage.region"

	// Container format
	AttrContainerID   = "des.container_id"
	AttrFileName      = "des.name"
	AttrFileCount     = "des.file_count"
	AttrByteSize      = "des.byte_size"
	AttrRequested     = "des.requested"
	AttrRangeRequests = "des.range_requests"
	AttrExternal      = "des.external"
	AttrCacheHit      = "des.cache_hit"

	// Shard ownership
	AttrShard      = "des.shard"
	AttrPod        = "des.pod"
	AttrGeneration = "des.generation"

	// Packing
	AttrBatchSize = "des.batch_size"
	AttrClaimed   = "des.claimed"
	AttrPacked    = "des.packed"
	AttrFailed    = "des.failed"
	AttrState     = "des.state"
)

// Span names. Format: <component>.<operation>.
const (
	SpanOpenContainer = "des.open_container"
	SpanGetMany       = "des.get_many"
	SpanFinalize      = "des.finalize"
	SpanUpload        = "des.upload"

	SpanPackerBatch    = "packer.batch"
	SpanPackerRollover = "packer.rollover"
	SpanLeaseAcquire   = "lease.acquire"
	SpanLeaseRenew     = "lease.renew"
	SpanLeaseRelease   = "lease.release"
	SpanRecoverySweep  = "recovery.sweep"
)

// Bucket returns an attribute for a bucket name
func Bucket(name string) attribute.KeyValue {
	return attribute.String(AttrBucket, name)
}

// StorageKey returns an attribute for an object key
func StorageKey(key string) attribute.KeyValue {
	return attribute.String(AttrKey, key)
}

// ContainerID returns an attribute for a container identifier
func ContainerID(id string) attribute.KeyValue {
	return attribute.String(AttrContainerID, id)
}

// FileName returns an attribute for a logical file name
func FileName(name string) attribute.KeyValue {
	return attribute.String(AttrFileName, name)
}

// FileCount returns an attribute for a container file count
func FileCount(n uint64) attribute.KeyValue {
	return attribute.Int64(AttrFileCount, int64(n))
}

// ByteSize returns an attribute for a container byte size
func ByteSize(n uint64) attribute.KeyValue {
	return attribute.Int64(AttrByteSize, int64(n))
}

// Shard returns an attribute for a shard ordinal
func Shard(s int) attribute.KeyValue {
	return attribute.Int(AttrShard, s)
}

// Pod returns an attribute for a pod identity
func Pod(name string) attribute.KeyValue {
	return attribute.String(AttrPod, name)
}

// Generation returns an attribute for a lease generation
func Generation(g uint64) attribute.KeyValue {
	return attribute.Int64(AttrGeneration, int64(g))
}

// CacheHit returns an attribute for a cache hit indicator
func CacheHit(hit bool) attribute.KeyValue {
	return attribute.Bool(AttrCacheHit, hit)
}

// External returns an attribute marking an external big-file read
func External(external bool) attribute.KeyValue {
	return attribute.Bool(AttrExternal, external)
}

// StartContainerSpan starts a span for a container operation, carrying the
// object identity as attributes.
func StartContainerSpan(ctx context.Context, operation, bucket, key string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{
		Bucket(bucket),
		StorageKey(key),
	}
	allAttrs = append(allAttrs, attrs...)

	return StartSpan(ctx, "des."+operation, trace.WithAttributes(allAttrs...))
}

// StartPackerSpan starts a span for a packer operation bound to a shard.
func StartPackerSpan(ctx context.Context, operation string, shard int, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{
		Shard(shard),
	}
	allAttrs = append(allAttrs, attrs...)

	return StartSpan(ctx, "packer."+operation, trace.WithAttributes(allAttrs...))
}

// StartLeaseSpan starts a span for a lease operation.
func StartLeaseSpan(ctx context.Context, operation string, shard int, pod string) (context.Context, trace.Span) {
	return StartSpan(ctx, "lease."+operation, trace.WithAttributes(
		Shard(shard),
		Pod(pod),
	))
}

// StartMetastoreSpan starts a span for a metastore operation.
func StartMetastoreSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return StartSpan(ctx, "metastore."+operation, trace.WithAttributes(attrs...))
}
