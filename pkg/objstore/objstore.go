// Package objstore defines the narrow object-store capability surface the
// rest of the system depends on. The archive bucket, the source buckets, and
// the external big-file sidecar all speak this interface; pkg/objstore/s3
// implements it against S3-compatible services and pkg/objstore/memory backs
// tests.
package objstore

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound reports that the requested object does not exist. It is a
// permanent error: retrying cannot help.
var ErrNotFound = errors.New("objstore: object not found")

// ObjectInfo is the result of a Head call.
type ObjectInfo struct {
	// Size is the object size in bytes.
	Size int64

	// ETag identifies the object version. Together with bucket and key it
	// forms the index cache identity of a container.
	ETag string
}

// Store is the capability set a component may hold. Implementations must be
// safe for concurrent use; every call honors context cancellation.
type Store interface {
	// Head returns size and version information without fetching the body.
	Head(ctx context.Context, bucket, key string) (ObjectInfo, error)

	// Get fetches a whole object.
	Get(ctx context.Context, bucket, key string) ([]byte, error)

	// GetRange fetches length bytes starting at offset. Implementations map
	// this onto HTTP Range requests.
	GetRange(ctx context.Context, bucket, key string, offset, length int64) ([]byte, error)

	// Put uploads an object, replacing any previous version.
	Put(ctx context.Context, bucket, key string, body io.Reader, size int64) error

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, bucket, key string) error
}
