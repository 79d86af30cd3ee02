package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads cfg in place whenever the file at path changes, so access
// policies and bindings apply without a restart. Events are debounced:
// editors typically emit several write/rename events per save. onReload,
// when non-nil, runs after each successful reload.
func Watch(ctx context.Context, path string, cfg *Config, onReload func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the directory: renames (atomic saves) drop file-level watches.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()

		var pending <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				pending = time.After(250 * time.Millisecond)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "error", err)
			case <-pending:
				pending = nil
				next, err := Load(path)
				if err != nil {
					slog.Warn("config reload failed, keeping previous", "path", path, "error", err)
					continue
				}
				cfg.ReplaceFrom(next)
				slog.Info("config reloaded", "path", path)
				if onReload != nil {
					onReload(cfg)
				}
			}
		}
	}()

	return nil
}
