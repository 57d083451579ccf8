package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/zeusync/livesync/internal/core/observability/log"
)

// settle coalesces the burst of events editors produce for one save.
const settle = 50 * time.Millisecond

// Watch reloads path whenever it changes and hands every valid result to
// apply. An invalid file is logged and skipped; the previous configuration
// stays in effect. Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, logger log.Log, apply func(Config)) error {
	if logger == nil {
		logger = log.NewNop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("watch config: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch config: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	// editors replace the file, so the directory is watched instead
	if err = watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch config: %w", err)
	}
	logger = logger.With(log.String("component", "config"), log.String("path", abs))
	logger.Info("Watching configuration")

	timer := time.NewTimer(settle)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			timer.Reset(settle)
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("Config watcher error", log.Error(werr))
		case <-timer.C:
			cfg, lerr := Load(abs)
			if lerr != nil {
				logger.Warn("Ignoring invalid configuration", log.Error(lerr))
				continue
			}
			logger.Info("Configuration reloaded")
			apply(cfg)
		}
	}
}
