package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/datavision/easystore/internal/logger"
)

// Watch reloads the configuration whenever the file at path changes and
// invokes fn with each successfully loaded config. A reload that fails to
// parse or validate is logged and skipped, so a half-written file never
// replaces a good configuration. Watch blocks until ctx is cancelled.
//
// The parent directory is watched rather than the file itself: editors and
// configmap mounts replace the file atomically, which drops inotify watches
// placed on the old inode.
func Watch(ctx context.Context, path string, fn func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	base := filepath.Base(path)

	// Coalesce bursts of events (editors write, chmod and rename in quick
	// succession) into a single reload.
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(250 * time.Millisecond)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("Config watcher error", "error", err)

		case <-pending:
			pending = nil
			cfg, err := Load(path)
			if err != nil {
				logger.Warn("Config reload skipped", "path", path, "error", err)
				continue
			}
			logger.Info("Configuration reloaded", "path", path)
			fn(cfg)
		}
	}
}
