package logger

import (
	"context"
	"time"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey struct{}

var logContextKey = contextKey{}

// LogContext holds work-scoped logging context: the identity of the shard a
// packer is driving and the container it is filling. Shard -1 means "not
// bound to a shard".
type LogContext struct {
	TraceID     string    // OpenTelemetry trace ID
	SpanID      string    // OpenTelemetry span ID
	Pod         string    // Lease owner identity
	Shard       int       // Shard ordinal, -1 when unbound
	ContainerID string    // Current container, empty between containers
	StartTime   time.Time // For duration calculation
}

// WithContext returns a new context with the given LogContext
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from context, or nil if not present
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext creates a new LogContext for the given pod identity
func NewLogContext(pod string) *LogContext {
	return &LogContext{
		Pod:       pod,
		Shard:     -1,
		StartTime: time.Now(),
	}
}

// Clone creates a copy of the LogContext
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	out := *lc
	return &out
}

// WithShard returns a copy bound to a shard ordinal
func (lc *LogContext) WithShard(shard int) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Shard = shard
	}
	return clone
}

// WithContainer returns a copy bound to a container
func (lc *LogContext) WithContainer(id string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.ContainerID = id
	}
	return clone
}

// WithTrace returns a copy with trace info set
func (lc *LogContext) WithTrace(traceID, spanID string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.TraceID = traceID
		clone.SpanID = spanID
	}
	return clone
}

// DurationMs returns the duration since StartTime in milliseconds
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return float64(time.Since(lc.StartTime).Microseconds()) / 1000.0
}
