package format

import "errors"

// Sentinel errors shared across the writer, the local reader, and the range
// reader. Callers match them with errors.Is.
var (
	// ErrCorruptContainer marks a stream that is not a well-formed DES v1
	// container: bad magic, inconsistent offsets, or truncation. Fatal for
	// the read at hand; never cached.
	ErrCorruptContainer = errors.New("des: corrupt container")

	// ErrUnsupportedVersion marks a container written by a newer format
	// revision than this package understands.
	ErrUnsupportedVersion = errors.New("des: unsupported container version")

	// ErrNameConflict is returned by Add when a name already exists inside
	// the container being built.
	ErrNameConflict = errors.New("des: name already exists in container")

	// ErrInvalidName rejects names that fail ValidateName.
	ErrInvalidName = errors.New("des: invalid file name")

	// ErrNotFound is returned by readers when the requested name is absent.
	// It fails the call, not the handle.
	ErrNotFound = errors.New("des: file not found in container")
)
