// Package rangereader opens DES v1 containers that live on an object store.
//
// The surface mirrors pkg/des/reader but every read is an HTTP Range
// request: HEAD plus the trailing 80 bytes bootstrap the handle, the index
// span costs one more Range unless the index cache already holds it under
// the container's {bucket, key, version} identity, and batch reads coalesce
// adjacent entries under a gap budget tuned for request-count economics
// rather than seek cost.
package rangereader

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/datavision/easystore/internal/telemetry"
	"github.com/datavision/easystore/pkg/des/cache"
	"github.com/datavision/easystore/pkg/des/format"
	"github.com/datavision/easystore/pkg/des/internal/batch"
	"github.com/datavision/easystore/pkg/objstore"
)

// DefaultMaxGap is the batch gap budget. Object stores bill per request and
// per byte; a 1 MiB gap trades a little egress for far fewer requests.
const DefaultMaxGap = 1024 * 1024

// Option configures a RangeReader.
type Option func(*RangeReader)

// WithCache attaches an advisory index cache keyed by container identity.
func WithCache(c cache.IndexCache) Option {
	return func(r *RangeReader) { r.cache = c }
}

// WithExternalBucket overrides the bucket external big-file bodies are read
// from. Default: the container's own bucket.
func WithExternalBucket(bucket string) Option {
	return func(r *RangeReader) { r.externalBucket = bucket }
}

// Result is one per-name outcome of GetMany, in request order.
type Result struct {
	Name string
	Data []byte
	Err  error
}

// Stats describes an open container.
type Stats struct {
	FileCount     uint64
	ByteSize      uint64
	InternalFiles uint64
	ExternalFiles uint64
	InternalBytes uint64
}

// RangeReader reads one container over an object store. Safe for concurrent
// use after the index loads.
type RangeReader struct {
	store  objstore.Store
	bucket string
	key    string

	size   uint64
	etag   string
	footer *format.Footer

	cache          cache.IndexCache
	cacheKey       string
	externalBucket string

	entries []format.IndexEntry
	byName  map[string]int
}

// OpenContainer bootstraps a handle: HEAD for size and version, one Range
// request for the header magic and one for the footer. Both magics, the
// version, and the region chain are validated before any data byte is read;
// failures surface as format.ErrCorruptContainer.
func OpenContainer(ctx context.Context, store objstore.Store, bucket, key string, opts ...Option) (*RangeReader, error) {
	ctx, span := telemetry.StartContainerSpan(ctx, "open_container", bucket, key)
	defer span.End()

	r := &RangeReader{store: store, bucket: bucket, key: key, externalBucket: bucket}
	for _, opt := range opts {
		opt(r)
	}

	info, err := store.Head(ctx, bucket, key)
	if err != nil {
		telemetry.RecordError(ctx, err)
		return nil, err
	}
	r.size = uint64(info.Size)
	r.etag = info.ETag
	r.cacheKey = cache.Key(bucket, key, info.ETag)

	if r.size < format.HeaderSize+format.FooterSize {
		return nil, fmt.Errorf("%w: %s/%s is %d bytes, too small for a container",
			format.ErrCorruptContainer, bucket, key, r.size)
	}

	head, err := store.GetRange(ctx, bucket, key, 0, format.HeaderSize)
	if err != nil {
		telemetry.RecordError(ctx, err)
		return nil, err
	}
	if err := format.DecodeHeader(head); err != nil {
		return nil, err
	}

	foot, err := store.GetRange(ctx, bucket, key, int64(r.size)-format.FooterSize, format.FooterSize)
	if err != nil {
		telemetry.RecordError(ctx, err)
		return nil, err
	}
	footer, err := format.DecodeFooter(foot, r.size)
	if err != nil {
		return nil, err
	}
	r.footer = footer
	return r, nil
}

// Identity returns the container identity this handle is bound to. A changed
// object version yields a different identity and therefore a fresh index.
func (r *RangeReader) Identity() (bucket, key, version string) {
	return r.bucket, r.key, r.etag
}

// List returns all names in insertion order.
func (r *RangeReader) List(ctx context.Context) ([]string, error) {
	if err := r.loadIndex(ctx); err != nil {
		return nil, err
	}
	names := make([]string, len(r.entries))
	for i := range r.entries {
		names[i] = r.entries[i].Name
	}
	return names, nil
}

// Entries returns a copy of the index in insertion order.
func (r *RangeReader) Entries(ctx context.Context) ([]format.IndexEntry, error) {
	if err := r.loadIndex(ctx); err != nil {
		return nil, err
	}
	return append([]format.IndexEntry(nil), r.entries...), nil
}

// Contains reports whether name exists in the container.
func (r *RangeReader) Contains(ctx context.Context, name string) (bool, error) {
	if err := r.loadIndex(ctx); err != nil {
		return false, err
	}
	_, ok := r.byName[name]
	return ok, nil
}

// Get returns the bytes of one file: a single Range request for internal
// entries, a plain GET against the sidecar key for external ones.
func (r *RangeReader) Get(ctx context.Context, name string) ([]byte, error) {
	entry, err := r.lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	if entry.External() {
		return r.fetchExternal(ctx, entry)
	}
	return r.store.GetRange(ctx, r.bucket, r.key, int64(entry.DataOffset), int64(entry.DataLength))
}

// GetMeta returns the decoded JSON metadata of one file.
func (r *RangeReader) GetMeta(ctx context.Context, name string) (map[string]any, error) {
	entry, err := r.lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	raw, err := r.store.GetRange(ctx, r.bucket, r.key, int64(entry.MetaOffset), int64(entry.MetaLength))
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("%w: meta for %q in %s/%s: %v",
			format.ErrCorruptContainer, name, r.bucket, r.key, err)
	}
	return meta, nil
}

// GetMany reads several files, coalescing internal entries into Range
// requests whose internal gaps stay under maxGap bytes (DefaultMaxGap when
// zero). Results preserve request order and report per-name failures
// without aborting the batch.
func (r *RangeReader) GetMany(ctx context.Context, names []string, maxGap uint64) []Result {
	ctx, span := telemetry.StartContainerSpan(ctx, "get_many", r.bucket, r.key,
		attribute.Int(telemetry.AttrRequested, len(names)))
	defer span.End()

	if maxGap == 0 {
		maxGap = DefaultMaxGap
	}
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
			results[i].Err = fmt.Errorf("%s in %s/%s: %w", name, r.bucket, r.key, format.ErrNotFound)
			continue
		}
		entry := &r.entries[idx]
		if entry.External() {
			results[i].Data, results[i].Err = r.fetchExternal(ctx, entry)
			continue
		}
		items = append(items, batch.Item{Entry: entry, Order: i})
	}

	groups := batch.Plan(items, maxGap)
	span.SetAttributes(attribute.Int(telemetry.AttrRangeRequests, len(groups)))
	for _, group := range groups {
		buf, err := r.store.GetRange(ctx, r.bucket, r.key, int64(group.Start), int64(group.Length))
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

// Stats summarizes the container.
func (r *RangeReader) Stats(ctx context.Context) (Stats, error) {
	if err := r.loadIndex(ctx); err != nil {
		return Stats{}, err
	}
	s := Stats{FileCount: r.footer.FileCount, ByteSize: r.size}
	for i := range r.entries {
		if r.entries[i].External() {
			s.ExternalFiles++
		} else {
			s.InternalFiles++
			s.InternalBytes += r.entries[i].DataLength
		}
	}
	return s, nil
}

func (r *RangeReader) lookup(ctx context.Context, name string) (*format.IndexEntry, error) {
	if err := r.loadIndex(ctx); err != nil {
		return nil, err
	}
	idx, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%s in %s/%s: %w", name, r.bucket, r.key, format.ErrNotFound)
	}
	return &r.entries[idx], nil
}

// loadIndex fetches and parses the index span, or reuses the cached copy
// bound to this object version. Cache failures only cost the one extra
// Range they saved.
func (r *RangeReader) loadIndex(ctx context.Context) error {
	if r.byName != nil {
		return nil
	}
	if r.cache != nil {
		if entries, ok := r.cache.Get(ctx, r.cacheKey); ok {
			r.install(entries)
			return nil
		}
	}
	raw, err := r.store.GetRange(ctx, r.bucket, r.key, int64(r.footer.IndexStart), int64(r.footer.IndexLength))
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

func (r *RangeReader) install(entries []format.IndexEntry) {
	r.entries = entries
	r.byName = make(map[string]int, len(entries))
	for i := range entries {
		r.byName[entries[i].Name] = i
	}
}

func (r *RangeReader) fetchExternal(ctx context.Context, entry *format.IndexEntry) ([]byte, error) {
	raw, err := r.store.GetRange(ctx, r.bucket, r.key, int64(entry.MetaOffset), int64(entry.MetaLength))
	if err != nil {
		return nil, err
	}
	var meta struct {
		ExternalKey string `json:"external_key"`
	}
	if err := json.Unmarshal(raw, &meta); err != nil || meta.ExternalKey == "" {
		return nil, fmt.Errorf("%w: external entry %q has no external_key",
			format.ErrCorruptContainer, entry.Name)
	}
	return r.store.Get(ctx, r.externalBucket, meta.ExternalKey)
}
