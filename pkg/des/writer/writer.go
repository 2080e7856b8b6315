// Package writer builds DES v1 containers. A Writer is append-only and
// single-owner: it streams file bodies into the DATA region as they arrive,
// accumulates per-entry metadata in memory, and lays down META, INDEX and
// FOOTER on Finalize.
//
// Oversized payloads can be diverted to an external big-file sidecar on an
// object store; the container then carries only a stub index entry plus the
// metadata pointing at the sidecar key.
package writer

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/datavision/easystore/internal/logger"
	"github.com/datavision/easystore/pkg/des/format"
	"github.com/datavision/easystore/pkg/objstore"
)

// DefaultBigFileThreshold is the size at which a payload is diverted to the
// external sidecar when one is configured.
const DefaultBigFileThreshold = 100 * 1024 * 1024

// ExternalFilesFolder is the sidecar folder name under the archive prefix.
const ExternalFilesFolder = "_bigFiles"

// Options configures a Writer.
type Options struct {
	// BigFileThreshold diverts payloads of at least this many bytes to the
	// sidecar. Zero means DefaultBigFileThreshold. Ignored without a
	// Sidecar.
	BigFileThreshold uint64

	// Sidecar receives external big files. Nil disables diversion; every
	// payload then lands in the DATA region regardless of size.
	Sidecar objstore.Store

	// SidecarBucket is the bucket external files are uploaded to.
	SidecarBucket string

	// SidecarPrefix is the archive prefix external keys are built under:
	// <prefix>/_bigFiles/<stem>/<percent-encoded name>.
	SidecarPrefix string

	// Stem identifies this container inside the sidecar folder, normally
	// the container ID.
	Stem string
}

func (o *Options) externalKey(name string) string {
	key := ExternalFilesFolder + "/" + o.Stem + "/" + url.PathEscape(name)
	if o.SidecarPrefix != "" {
		key = o.SidecarPrefix + "/" + key
	}
	return key
}

// Stats summarizes a finalized container.
type Stats struct {
	FileCount     uint64
	ByteSize      uint64 // total container size including header and footer
	DataLength    uint64
	MetaLength    uint64
	IndexLength   uint64
	ExternalFiles uint64
	ExternalBytes uint64
}

// Writer is an append-only DES container builder. Not safe for concurrent
// use; a container has exactly one producer.
type Writer struct {
	path string
	opts Options

	f      *os.File
	offset uint64

	entries []format.IndexEntry
	metas   [][]byte
	names   map[string]struct{}

	externalBytes uint64
	closed        bool
	aborted       bool
	err           error
}

// Open creates the container file (the path must not exist yet), writes the
// HEADER, and returns a Writer positioned at the start of DATA.
func Open(path string, opts Options) (*Writer, error) {
	if opts.BigFileThreshold == 0 {
		opts.BigFileThreshold = DefaultBigFileThreshold
	}
	if opts.Sidecar != nil && (opts.SidecarBucket == "" || opts.Stem == "") {
		return nil, fmt.Errorf("writer: sidecar requires bucket and stem")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("writer: create directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("writer: create container: %w", err)
	}
	w := &Writer{
		path:  path,
		opts:  opts,
		f:     f,
		names: make(map[string]struct{}),
	}
	if err := w.write(format.EncodeHeader()); err != nil {
		_ = w.Abort()
		return nil, err
	}
	return w, nil
}

// With opens a container, runs fn, and guarantees Finalize on success or
// Abort on every other exit, a panic inside fn included. The returned stats
// are zero when fn fails.
func With(path string, opts Options, fn func(w *Writer) error) (Stats, error) {
	w, err := Open(path, opts)
	if err != nil {
		return Stats{}, err
	}
	// Abort after a successful Finalize is a no-op, so the deferred call
	// only tears down containers that never completed.
	defer func() { _ = w.Abort() }()

	if err := fn(w); err != nil {
		return Stats{}, err
	}
	return w.Finalize()
}

// Add appends one file. The name must be unique within the container and
// pass format.ValidateName. meta may be nil; the writer stamps "size", and
// for diverted files "is_external" and "external_key", before serializing to
// canonical JSON (sorted keys, no insignificant whitespace).
func (w *Writer) Add(ctx context.Context, name string, data []byte, meta map[string]any) error {
	if err := w.usable(); err != nil {
		return err
	}
	if err := format.ValidateName(name); err != nil {
		return err
	}
	if _, dup := w.names[name]; dup {
		return fmt.Errorf("%w: %q", format.ErrNameConflict, name)
	}

	external := w.opts.Sidecar != nil && uint64(len(data)) >= w.opts.BigFileThreshold

	entry := format.IndexEntry{Name: name}
	stamped := make(map[string]any, len(meta)+3)
	for k, v := range meta {
		stamped[k] = v
	}
	stamped["size"] = len(data)

	if external {
		key := w.opts.externalKey(name)
		if err := w.uploadExternal(ctx, key, data); err != nil {
			return w.fail(fmt.Errorf("writer: upload external file %q: %w", name, err))
		}
		entry.Flags |= format.FlagExternal
		stamped["is_external"] = true
		stamped["external_key"] = key
		w.externalBytes += uint64(len(data))
	} else {
		entry.DataOffset = w.offset
		entry.DataLength = uint64(len(data))
		if err := w.write(data); err != nil {
			return err
		}
	}

	metaBlob, err := json.Marshal(stamped)
	if err != nil {
		return w.fail(fmt.Errorf("writer: serialize meta for %q: %w", name, err))
	}
	entry.MetaLength = uint32(len(metaBlob))

	w.names[name] = struct{}{}
	w.entries = append(w.entries, entry)
	w.metas = append(w.metas, metaBlob)
	return nil
}

// Finalize writes META, INDEX and FOOTER, flushes to stable storage, and
// closes the file. The Writer is unusable afterwards.
func (w *Writer) Finalize() (Stats, error) {
	if err := w.usable(); err != nil {
		return Stats{}, err
	}

	dataLength := w.offset - format.HeaderSize
	metaStart := w.offset

	// META: each blob carries a uint32 length prefix; the index points at
	// the JSON bytes themselves.
	var lenbuf [4]byte
	for i, blob := range w.metas {
		binary.LittleEndian.PutUint32(lenbuf[:], uint32(len(blob)))
		if err := w.write(lenbuf[:]); err != nil {
			return Stats{}, err
		}
		w.entries[i].MetaOffset = w.offset
		if err := w.write(blob); err != nil {
			return Stats{}, err
		}
	}
	metaLength := w.offset - metaStart

	indexStart := w.offset
	var indexBuf []byte
	for i := range w.entries {
		indexBuf = format.AppendEntry(indexBuf, &w.entries[i])
	}
	if err := w.write(indexBuf); err != nil {
		return Stats{}, err
	}
	indexLength := w.offset - indexStart

	footer := &format.Footer{
		DataStart:   format.HeaderSize,
		DataLength:  dataLength,
		MetaStart:   metaStart,
		MetaLength:  metaLength,
		IndexStart:  indexStart,
		IndexLength: indexLength,
		FileCount:   uint64(len(w.entries)),
		Version:     format.Version,
	}
	if err := w.write(format.EncodeFooter(footer)); err != nil {
		return Stats{}, err
	}

	if err := w.f.Sync(); err != nil {
		return Stats{}, w.fail(fmt.Errorf("writer: sync: %w", err))
	}
	if err := w.f.Close(); err != nil {
		return Stats{}, w.fail(fmt.Errorf("writer: close: %w", err))
	}
	w.closed = true

	stats := Stats{
		FileCount:     uint64(len(w.entries)),
		ByteSize:      w.offset,
		DataLength:    dataLength,
		MetaLength:    metaLength,
		IndexLength:   indexLength,
		ExternalBytes: w.externalBytes,
	}
	for i := range w.entries {
		if w.entries[i].External() {
			stats.ExternalFiles++
		}
	}
	logger.Debug("container finalized",
		"path", w.path,
		"files", stats.FileCount,
		"bytes", stats.ByteSize,
		"external", stats.ExternalFiles)
	return stats, nil
}

// Abort discards the partially written container. No committed container
// record may reference the aborted path. Abort after Finalize is a no-op.
func (w *Writer) Abort() error {
	if w.closed || w.aborted {
		return nil
	}
	w.aborted = true
	_ = w.f.Close()
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("writer: remove aborted container: %w", err)
	}
	return nil
}

// Path returns the container file path.
func (w *Writer) Path() string { return w.path }

// FileCount returns the number of entries added so far.
func (w *Writer) FileCount() uint64 { return uint64(len(w.entries)) }

// ByteSize returns the bytes written so far (header plus DATA).
func (w *Writer) ByteSize() uint64 { return w.offset }

func (w *Writer) usable() error {
	switch {
	case w.err != nil:
		return w.err
	case w.aborted:
		return fmt.Errorf("writer: already aborted")
	case w.closed:
		return fmt.Errorf("writer: already finalized")
	}
	return nil
}

// write appends to the container and advances the offset. An I/O failure
// poisons the writer; the caller is expected to Abort.
func (w *Writer) write(buf []byte) error {
	n, err := w.f.Write(buf)
	w.offset += uint64(n)
	if err != nil {
		return w.fail(fmt.Errorf("writer: write: %w", err))
	}
	return nil
}

func (w *Writer) fail(err error) error {
	if w.err == nil {
		w.err = err
	}
	return err
}

func (w *Writer) uploadExternal(ctx context.Context, key string, data []byte) error {
	return w.opts.Sidecar.Put(ctx, w.opts.SidecarBucket, key, bytes.NewReader(data), int64(len(data)))
}
