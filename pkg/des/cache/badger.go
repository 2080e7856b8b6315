package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/gzip"

	"github.com/datavision/easystore/internal/logger"
	"github.com/datavision/easystore/pkg/des/format"
)

// keyPrefix namespaces index entries inside the shared badger database.
var keyPrefix = []byte("des:index:")

// Badger is the external key-value IndexCache variant. Values are
// JSON-serialized entry lists, gzipped, with badger's native TTL.
//
// Badger survives process restarts, so a warm cache carries over packer and
// retriever redeploys.
type Badger struct {
	db         *badger.DB
	defaultTTL time.Duration
	compress   bool
}

// BadgerOptions configures a Badger cache.
type BadgerOptions struct {
	// Path is the badger directory. Required.
	Path string

	// DefaultTTL applies when Put is called with a zero ttl. Zero means
	// DefaultTTL of this package.
	DefaultTTL time.Duration

	// DisableCompression stores raw JSON instead of gzip.
	DisableCompression bool
}

// NewBadger opens (or creates) the badger database at opts.Path.
func NewBadger(opts BadgerOptions) (*Badger, error) {
	ttl := opts.DefaultTTL
	if ttl == 0 {
		ttl = DefaultTTL
	}
	bopts := badger.DefaultOptions(opts.Path).WithLogger(nil)
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, err
	}
	return &Badger{db: db, defaultTTL: ttl, compress: !opts.DisableCompression}, nil
}

// Get implements IndexCache. Corrupt or unreadable values are treated as
// misses.
func (b *Badger) Get(_ context.Context, key string) ([]format.IndexEntry, bool) {
	var raw []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(append(keyPrefix, key...))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if !errors.Is(err, badger.ErrKeyNotFound) {
			logger.Warn("index cache read failed", "key", key, "error", err)
		}
		return nil, false
	}
	entries, err := decodeEntries(raw)
	if err != nil {
		logger.Warn("index cache entry corrupt, dropping", "key", key, "error", err)
		b.delete(key)
		return nil, false
	}
	return entries, true
}

// Put implements IndexCache. Failures are logged and swallowed; the cache is
// advisory.
func (b *Badger) Put(_ context.Context, key string, entries []format.IndexEntry, ttl time.Duration) {
	if ttl == 0 {
		ttl = b.defaultTTL
	}
	raw, err := b.encodeEntries(entries)
	if err != nil {
		logger.Warn("index cache serialize failed", "key", key, "error", err)
		return
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(append(keyPrefix, key...), raw).WithTTL(ttl)
		return txn.SetEntry(e)
	})
	if err != nil {
		logger.Warn("index cache write failed", "key", key, "error", err)
	}
}

// Close releases the badger database.
func (b *Badger) Close() error {
	return b.db.Close()
}

func (b *Badger) delete(key string) {
	_ = b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(append(keyPrefix, key...))
	})
}

// gzipMagic identifies compressed values so compression can be toggled
// without flushing the cache.
var gzipMagic = []byte{0x1f, 0x8b}

func (b *Badger) encodeEntries(entries []format.IndexEntry) ([]byte, error) {
	raw, err := json.Marshal(entries)
	if err != nil {
		return nil, err
	}
	if !b.compress {
		return raw, nil
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeEntries(raw []byte) ([]format.IndexEntry, error) {
	if bytes.HasPrefix(raw, gzipMagic) {
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		raw, err = io.ReadAll(zr)
		if err != nil {
			return nil, err
		}
	}
	var entries []format.IndexEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}
