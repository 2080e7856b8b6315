// Package memory implements objstore.Store on an in-process map. It exists
// for tests: container round-trips, range reader behavior, and crash
// recovery scenarios all run against it without external services.
package memory

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/datavision/easystore/pkg/objstore"
)

// Store is an in-memory objstore.Store. The zero value is not usable; call
// New.
type Store struct {
	mu      sync.RWMutex
	objects map[string][]byte
	etags   map[string]string
	seq     atomic.Uint64

	// RangeRequests counts GetRange calls. Tests assert on it to verify
	// batch coalescing economics.
	RangeRequests atomic.Int64
}

// New returns an empty store.
func New() *Store {
	return &Store{
		objects: make(map[string][]byte),
		etags:   make(map[string]string),
	}
}

func objKey(bucket, key string) string {
	return bucket + "\x00" + key
}

// Head implements objstore.Store.
func (s *Store) Head(ctx context.Context, bucket, key string) (objstore.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return objstore.ObjectInfo{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	body, ok := s.objects[objKey(bucket, key)]
	if !ok {
		return objstore.ObjectInfo{}, fmt.Errorf("%s/%s: %w", bucket, key, objstore.ErrNotFound)
	}
	return objstore.ObjectInfo{Size: int64(len(body)), ETag: s.etags[objKey(bucket, key)]}, nil
}

// Get implements objstore.Store.
func (s *Store) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	body, ok := s.objects[objKey(bucket, key)]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", bucket, key, objstore.ErrNotFound)
	}
	out := make([]byte, len(body))
	copy(out, body)
	return out, nil
}

// GetRange implements objstore.Store.
func (s *Store) GetRange(ctx context.Context, bucket, key string, offset, length int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.RangeRequests.Add(1)
	s.mu.RLock()
	defer s.mu.RUnlock()
	body, ok := s.objects[objKey(bucket, key)]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", bucket, key, objstore.ErrNotFound)
	}
	if offset < 0 || offset > int64(len(body)) {
		return nil, fmt.Errorf("memory: range offset %d outside object of %d bytes", offset, len(body))
	}
	end := offset + length
	if end > int64(len(body)) {
		end = int64(len(body))
	}
	out := make([]byte, end-offset)
	copy(out, body[offset:end])
	return out, nil
}

// Put implements objstore.Store.
func (s *Store) Put(ctx context.Context, bucket, key string, body io.Reader, size int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[objKey(bucket, key)] = data
	s.etags[objKey(bucket, key)] = fmt.Sprintf("etag-%d", s.seq.Add(1))
	return nil
}

// Delete implements objstore.Store.
func (s *Store) Delete(ctx context.Context, bucket, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, objKey(bucket, key))
	delete(s.etags, objKey(bucket, key))
	return nil
}

// Contains reports whether an object exists. Test helper.
func (s *Store) Contains(bucket, key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[objKey(bucket, key)]
	return ok
}

// Corrupt flips one bit of a stored object at the given byte offset. Test
// helper for corruption refusal scenarios.
func (s *Store) Corrupt(bucket, key string, offset int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	body := s.objects[objKey(bucket, key)]
	if offset < 0 {
		offset += len(body)
	}
	body[offset] ^= 0x01
	s.etags[objKey(bucket, key)] = fmt.Sprintf("etag-%d", s.seq.Add(1))
}
