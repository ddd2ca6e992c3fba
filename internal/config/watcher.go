package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces the burst of fsnotify events editors produce
// for a single save into one reload.
const watchDebounce = 500 * time.Millisecond

// WatchFile watches the config file at path and calls onChange with
// the re-parsed configuration after every successful edit. Invalid
// edits are logged and skipped, so the last good config stays active.
//
// The parent directory is watched rather than the file itself because
// most editors replace the file on save (write temp, rename over),
// which would silently detach a file-level watch. WatchFile blocks
// until ctx is cancelled.
func WatchFile(ctx context.Context, path string, logger *slog.Logger, onChange func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return err
	}
	logger.Debug("watching config file", "path", abs)

	var mu sync.Mutex
	var pending *time.Timer
	defer func() {
		mu.Lock()
		if pending != nil {
			pending.Stop()
		}
		mu.Unlock()
	}()

	reload := func() {
		cfg, err := Load(abs)
		if err != nil {
			logger.Warn("config edit ignored, keeping last good config",
				"path", abs, "error", err)
			return
		}
		logger.Info("config reloaded", "path", abs)
		onChange(cfg)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			mu.Lock()
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(watchDebounce, reload)
			mu.Unlock()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", "error", err)
		}
	}
}
