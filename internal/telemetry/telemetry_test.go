package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.False(t, cfg.Enabled)
	assert.Equal(t, "easystore", cfg.ServiceName)
	assert.Equal(t, "dev", cfg.ServiceVersion)
	assert.Equal(t, "localhost:4317", cfg.Endpoint)
	assert.True(t, cfg.Insecure)
	assert.Equal(t, 1.0, cfg.SampleRate)
}

func TestInitDisabled(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.Enabled = false

	shutdown, err := Init(ctx, cfg)
	require.NoError(t, err)
	require.NotNil(t, shutdown)

	// Should be able to call shutdown without error
	err = shutdown(ctx)
	assert.NoError(t, err)

	// Should not be enabled
	assert.False(t, IsEnabled())
}

func TestTracerReturnsNoOp(t *testing.T) {
	// Reset state
	tracer = nil
	enabled = false

	// Without initialization, should return no-op tracer
	tr := Tracer()
	require.NotNil(t, tr)
}

func TestStartSpan(t *testing.T) {
	ctx := context.Background()

	// Even without initialization, StartSpan should work (no-op)
	newCtx, span := StartSpan(ctx, "test.operation")
	require.NotNil(t, newCtx)
	require.NotNil(t, span)

	// Should be able to end the span
	span.End()
}

func TestSpanFromContext(t *testing.T) {
	ctx := context.Background()

	// Should return a span even without active span
	span := SpanFromContext(ctx)
	require.NotNil(t, span)
}

func TestAddEvent(t *testing.T) {
	ctx := context.Background()

	// Should not panic with no active span
	require.NotPanics(t, func() {
		AddEvent(ctx, "test.event")
	})
}

func TestRecordError(t *testing.T) {
	ctx := context.Background()

	// Should not panic with nil error
	require.NotPanics(t, func() {
		RecordError(ctx, nil)
	})

	// Should not panic with error
	require.NotPanics(t, func() {
		RecordError(ctx, errors.New("test error"))
	})
}

func TestSetStatus(t *testing.T) {
	ctx := context.Background()

	// Should not panic
	require.NotPanics(t, func() {
		SetStatus(ctx, codes.Ok, "success")
	})

	require.NotPanics(t, func() {
		SetStatus(ctx, codes.Error, "failed")
	})
}

func TestSetAttributes(t *testing.T) {
	ctx := context.Background()

	// Should not panic
	require.NotPanics(t, func() {
		SetAttributes(ctx, Bucket("media-archive"))
	})
}

func TestTraceID(t *testing.T) {
	ctx := context.Background()

	// Without active span, should return empty string
	traceID := TraceID(ctx)
	assert.Equal(t, "", traceID)
}

func TestSpanID(t *testing.T) {
	ctx := context.Background()

	// Without active span, should return empty string
	spanID := SpanID(ctx)
	assert.Equal(t, "", spanID)
}

func TestAttributeHelpers(t *testing.T) {
	t.Run("Bucket", func(t *testing.T) {
		attr := Bucket("media-archive")
		assert.Equal(t, AttrBucket, string(attr.Key))
		assert.Equal(t, "media-archive", attr.Value.AsString())
	})

	t.Run("StorageKey", func(t *testing.T) {
		attr := StorageKey("ingest/2025/01/C_20250115_0123456789ab_00.des")
		assert.Equal(t, AttrKey, string(attr.Key))
		assert.Equal(t, "ingest/2025/01/C_20250115_0123456789ab_00.des", attr.Value.AsString())
	})

	t.Run("ContainerID", func(t *testing.T) {
		attr := ContainerID("C_20250115_0123456789ab_00")
		assert.Equal(t, AttrContainerID, string(attr.Key))
		assert.Equal(t, "C_20250115_0123456789ab_00", attr.Value.AsString())
	})

	t.Run("FileName", func(t *testing.T) {
		attr := FileName("IMG_0001.jpg")
		assert.Equal(t, AttrFileName, string(attr.Key))
		assert.Equal(t, "IMG_0001.jpg", attr.Value.AsString())
	})

	t.Run("FileCount", func(t *testing.T) {
		attr := FileCount(4096)
		assert.Equal(t, AttrFileCount, string(attr.Key))
		assert.Equal(t, int64(4096), attr.Value.AsInt64())
	})

	t.Run("ByteSize", func(t *testing.T) {
		attr := ByteSize(1048576)
		assert.Equal(t, AttrByteSize, string(attr.Key))
		assert.Equal(t, int64(1048576), attr.Value.AsInt64())
	})

	t.Run("Shard", func(t *testing.T) {
		attr := Shard(14)
		assert.Equal(t, AttrShard, string(attr.Key))
		assert.Equal(t, int64(14), attr.Value.AsInt64())
	})

	t.Run("Pod", func(t *testing.T) {
		attr := Pod("packer-3")
		assert.Equal(t, AttrPod, string(attr.Key))
		assert.Equal(t, "packer-3", attr.Value.AsString())
	})

	t.Run("Generation", func(t *testing.T) {
		attr := Generation(7)
		assert.Equal(t, AttrGeneration, string(attr.Key))
		assert.Equal(t, int64(7), attr.Value.AsInt64())
	})

	t.Run("CacheHit", func(t *testing.T) {
		attr := CacheHit(true)
		assert.Equal(t, AttrCacheHit, string(attr.Key))
		assert.True(t, attr.Value.AsBool())
	})

	t.Run("External", func(t *testing.T) {
		attr := External(true)
		assert.Equal(t, AttrExternal, string(attr.Key))
		assert.True(t, attr.Value.AsBool())
	})
}

func TestStartContainerSpan(t *testing.T) {
	ctx := context.Background()

	newCtx, span := StartContainerSpan(ctx, "open_container", "media-archive", "a/b.des")
	require.NotNil(t, newCtx)
	require.NotNil(t, span)
	span.End()

	// With additional attributes
	newCtx2, span2 := StartContainerSpan(ctx, "get_many", "media-archive", "a/b.des", CacheHit(true))
	require.NotNil(t, newCtx2)
	require.NotNil(t, span2)
	span2.End()
}

func TestStartPackerSpan(t *testing.T) {
	ctx := context.Background()

	newCtx, span := StartPackerSpan(ctx, "batch", 3)
	require.NotNil(t, newCtx)
	require.NotNil(t, span)
	span.End()
}

func TestStartLeaseSpan(t *testing.T) {
	ctx := context.Background()

	newCtx, span := StartLeaseSpan(ctx, "acquire", 3, "packer-0")
	require.NotNil(t, newCtx)
	require.NotNil(t, span)
	span.End()
}
