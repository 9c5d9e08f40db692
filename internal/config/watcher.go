package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"freelab/internal/logging"
)

// DefaultWatchDebounce batches the burst of events an editor save produces.
const DefaultWatchDebounce = 300 * time.Millisecond

// Watch reloads the config file at path whenever it changes and passes the
// result to onChange. Files that fail to load are logged and skipped. Watch
// blocks until ctx is done.
//
// The parent directory is watched rather than the file, so saves that
// replace the file (write-then-rename) are seen.
func Watch(ctx context.Context, path string, debounce time.Duration, onChange func(*Config)) error {
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	logging.Boot("config watcher: watching %s", abs)

	tick := time.NewTicker(debounce / 3)
	defer tick.Stop()

	var pending time.Time
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
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.Now()

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logging.BootWarn("config watcher error: %v", err)

		case <-tick.C:
			if pending.IsZero() || time.Since(pending) < debounce {
				continue
			}
			pending = time.Time{}
			cfg, err := Load(abs)
			if err != nil {
				logging.BootWarn("config reload failed, keeping previous: %v", err)
				continue
			}
			if err := cfg.Validate(); err != nil {
				logging.BootWarn("reloaded config invalid, keeping previous: %v", err)
				continue
			}
			logging.Boot("config reloaded from %s", abs)
			onChange(cfg)
		}
	}
}
