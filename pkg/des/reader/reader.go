// Package reader opens DES v1 containers from the local filesystem.
//
// Bootstrap is footer-first: the trailing 80 bytes locate the index, the
// index is loaded lazily on the first lookup, and an optional IndexCache
// skips the scan entirely for containers already seen.
package reader

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/datavision/easystore/pkg/des/cache"
	"github.com/datavision/easystore/pkg/des/format"
	"github.com/datavision/easystore/pkg/des/internal/batch"
	"github.com/datavision/easystore/pkg/objstore"
)

// DefaultMaxGap is the gap budget for GetMany when the caller passes no
// explicit value. Local disks pay per seek, not per byte, so the budget is
// generous.
const DefaultMaxGap = 256 * 1024

// Option configures a Reader.
type Option func(*Reader)

// WithCache attaches an advisory index cache. The cache key is derived from
// the path, size, and mtime of the container file.
func WithCache(c cache.IndexCache) Option {
	return func(r *Reader) { r.cache = c }
}

// WithExternal supplies the object store and bucket holding external
// big-file bodies. Without it, Get on an external entry fails.
func WithExternal(store objstore.Store, bucket string) Option {
	return func(r *Reader) {
		r.external = store
		r.externalBucket = bucket
	}
}

// Stats describes an open container.
type Stats struct {
	FileCount     uint64
	ByteSize      uint64
	InternalFiles uint64
	ExternalFiles uint64
	InternalBytes uint64
	ExternalBytes uint64
}

// Result is one per-name outcome of GetMany. Err is nil on success; a batch
// never short-circuits on a single failure.
type Result struct {
	Name string
	Data []byte
	Err  error
}

// Reader reads one local DES container. Safe for concurrent use after the
// index has loaded; the lazy load itself is not synchronized because readers
// are normally confined to one goroutine per handle.
type Reader struct {
	path   string
	f      *os.File
	size   uint64
	footer *format.Footer

	cache          cache.IndexCache
	cacheKey       string
	external       objstore.Store
	externalBucket string

	entries []format.IndexEntry
	byName  map[string]int
}

// Open validates header and footer and returns a handle. The index is not
// read until the first lookup.
func Open(path string, opts ...Option) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	r := &Reader{path: path, f: f, size: uint64(st.Size())}
	for _, opt := range opts {
		opt(r)
	}
	r.cacheKey = cache.Key("file", path, fmt.Sprintf("%d-%d", st.Size(), st.ModTime().UnixNano()))

	if r.size < format.HeaderSize+format.FooterSize {
		f.Close()
		return nil, fmt.Errorf("%w: %d bytes is too small for a container", format.ErrCorruptContainer, r.size)
	}
	head := make([]byte, format.HeaderSize)
	if _, err := f.ReadAt(head, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: read header: %v", format.ErrCorruptContainer, err)
	}
	if err := format.DecodeHeader(head); err != nil {
		f.Close()
		return nil, err
	}
	foot := make([]byte, format.FooterSize)
	if _, err := f.ReadAt(foot, int64(r.size)-format.FooterSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: read footer: %v", format.ErrCorruptContainer, err)
	}
	footer, err := format.DecodeFooter(foot, r.size)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.footer = footer
	return r, nil
}

// Close releases the file handle.
func (r *Reader) Close() error {
	return r.f.Close()
}

// List returns all names in insertion order.
func (r *Reader) List() ([]string, error) {
	if err := r.loadIndex(context.Background()); err != nil {
		return nil, err
	}
	names := make([]string, len(r.entries))
	for i := range r.entries {
		names[i] = r.entries[i].Name
	}
	return names, nil
}

// Entries returns a copy of the index in insertion order.
func (r *Reader) Entries() ([]format.IndexEntry, error) {
	if err := r.loadIndex(context.Background()); err != nil {
		return nil, err
	}
	return append([]format.IndexEntry(nil), r.entries...), nil
}

// Contains reports whether name exists in the container.
func (r *Reader) Contains(name string) (bool, error) {
	if err := r.loadIndex(context.Background()); err != nil {
		return false, err
	}
	_, ok := r.byName[name]
	return ok, nil
}

// Get returns the bytes of one file. External entries are fetched from the
// sidecar recorded in their metadata.
func (r *Reader) Get(ctx context.Context, name string) ([]byte, error) {
	entry, err := r.lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	if entry.External() {
		return r.fetchExternal(ctx, entry)
	}
	return r.readRange(entry.DataOffset, uint64(entry.DataLength))
}

// GetMeta returns the decoded JSON metadata of one file.
func (r *Reader) GetMeta(ctx context.Context, name string) (map[string]any, error) {
	entry, err := r.lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	raw, err := r.readRange(entry.MetaOffset, uint64(entry.MetaLength))
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("%w: meta for %q: %v", format.ErrCorruptContainer, name, err)
	}
	return meta, nil
}

// GetMany reads several files with gap merging: internal entries are sorted
// by offset and coalesced into reads whose internal gaps stay under maxGap
// bytes. Results preserve the order of names; a per-name failure does not
// abort the batch.
func (r *Reader) GetMany(ctx context.Context, names []string, maxGap uint64) []Result {
	results := make([]Result, len(names))
	if err := r.loadIndex(ctx); err != nil {
		for i, name := range names {
			results[i] = Result{Name: name, Err: err}
		}
		return results
	}

	var items []batch.Item
	for i, name := range names {
		results[i].Name = name
		idx, ok := r.byName[name]
		if !ok {
			results[i].Err = fmt.Errorf("%s: %w", name, format.ErrNotFound)
			continue
		}
		entry := &r.entries[idx]
		if entry.External() {
			results[i].Data, results[i].Err = r.fetchExternal(ctx, entry)
			continue
		}
		items = append(items, batch.Item{Entry: entry, Order: i})
	}

	for _, group := range batch.Plan(items, maxGap) {
		buf, err := r.readRange(group.Start, group.Length)
		for _, it := range group.Items {
			if err != nil {
				results[it.Order].Err = err
				continue
			}
			results[it.Order].Data = group.Slice(buf, it)
		}
	}
	return results
}

// Stats summarizes the container. Requires the index.
func (r *Reader) Stats(ctx context.Context) (Stats, error) {
	if err := r.loadIndex(ctx); err != nil {
		return Stats{}, err
	}
	s := Stats{FileCount: r.footer.FileCount, ByteSize: r.size}
	for i := range r.entries {
		e := &r.entries[i]
		if !e.External() {
			s.InternalFiles++
			s.InternalBytes += e.DataLength
			continue
		}
		// External stubs carry data_length=0; the true size lives in meta.
		s.ExternalFiles++
		if meta, err := r.GetMeta(ctx, e.Name); err == nil {
			if size, ok := meta["size"].(float64); ok {
				s.ExternalBytes += uint64(size)
			}
		}
	}
	return s, nil
}

func (r *Reader) lookup(ctx context.Context, name string) (*format.IndexEntry, error) {
	if err := r.loadIndex(ctx); err != nil {
		return nil, err
	}
	idx, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%s in %s: %w", name, r.path, format.ErrNotFound)
	}
	return &r.entries[idx], nil
}

func (r *Reader) loadIndex(ctx context.Context) error {
	if r.byName != nil {
		return nil
	}
	if r.cache != nil {
		if entries, ok := r.cache.Get(ctx, r.cacheKey); ok {
			r.install(entries)
			return nil
		}
	}
	raw, err := r.readRange(r.footer.IndexStart, r.footer.IndexLength)
	if err != nil {
		return err
	}
	entries, err := format.DecodeIndex(raw, r.footer.FileCount)
	if err != nil {
		return err
	}
	r.install(entries)
	if r.cache != nil {
		r.cache.Put(ctx, r.cacheKey, entries, 0)
	}
	return nil
}

func (r *Reader) install(entries []format.IndexEntry) {
	r.entries = entries
	r.byName = make(map[string]int, len(entries))
	for i := range entries {
		r.byName[entries[i].Name] = i
	}
}

func (r *Reader) readRange(offset, length uint64) ([]byte, error) {
	buf := make([]byte, length)
	if _, err := r.f.ReadAt(buf, int64(offset)); err != nil {
		return nil, fmt.Errorf("%w: read [%d,%d) of %s: %v",
			format.ErrCorruptContainer, offset, offset+length, r.path, err)
	}
	return buf, nil
}

func (r *Reader) fetchExternal(ctx context.Context, entry *format.IndexEntry) ([]byte, error) {
	if r.external == nil {
		return nil, fmt.Errorf("reader: %q is external and no sidecar store is configured", entry.Name)
	}
	raw, err := r.readRange(entry.MetaOffset, uint64(entry.MetaLength))
	if err != nil {
		return nil, err
	}
	var meta struct {
		ExternalKey string `json:"external_key"`
	}
	if err := json.Unmarshal(raw, &meta); err != nil || meta.ExternalKey == "" {
		return nil, fmt.Errorf("%w: external entry %q has no external_key", format.ErrCorruptContainer, entry.Name)
	}
	return r.external.Get(ctx, r.externalBucket, meta.ExternalKey)
}
