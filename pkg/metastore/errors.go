package metastore

import "errors"

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("metastore: record not found")

	// ErrConflict indicates an insert collided with an existing record.
	ErrConflict = errors.New("metastore: record already exists")
)
