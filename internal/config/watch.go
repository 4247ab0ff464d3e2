package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/codefionn/wsrelay/internal/logger"
)

// reloadDelay coalesces the burst of events editors produce for one save.
const reloadDelay = 100 * time.Millisecond

// Watch reloads the config file at path whenever it changes and passes every
// valid result to onChange. Invalid files are logged and skipped. Watching
// stops when ctx is done.
//
// The parent directory is watched rather than the file, so that editors
// which replace the file by rename are picked up too.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(absPath), err)
	}

	log := logger.Global().WithPrefix("config")

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	reload := func() {
		cfg, err := Load(absPath)
		if err != nil {
			log.Error("Reload of %s failed: %v", absPath, err)
			return
		}
		if err := cfg.Validate(); err != nil {
			log.Error("Reloaded %s is invalid, keeping previous settings: %v", absPath, err)
			return
		}
		log.Info("Reloaded %s", absPath)
		onChange(cfg)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				mu.Lock()
				if timer != nil {
					timer.Stop()
				}
				mu.Unlock()
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != absPath {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				mu.Lock()
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(reloadDelay, reload)
				mu.Unlock()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Error("Config watcher error: %v", err)
			}
		}
	}()

	return nil
}
