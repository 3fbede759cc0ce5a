package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// defaultDebounce collapses the burst of events an editor save produces.
const defaultDebounce = 300 * time.Millisecond

// Watcher reloads configuration when one of its source files changes.
type Watcher struct {
	loader   *Loader
	paths    map[string]bool
	debounce time.Duration
	onChange func(*Config)
	logger   *slog.Logger
}

// NewWatcher watches the files the loader read on its last load. onChange
// receives every successfully reloaded config; invalid edits are logged and
// the previous config stays in effect.
func NewWatcher(loader *Loader, onChange func(*Config)) *Watcher {
	w := &Watcher{
		loader:   loader,
		paths:    make(map[string]bool),
		debounce: defaultDebounce,
		onChange: onChange,
		logger:   loader.logger,
	}
	for _, p := range loader.Sources() {
		if abs, err := filepath.Abs(p); err == nil {
			w.paths[abs] = true
		}
	}
	return w
}

// Run watches until ctx is done. With no source files it returns at once.
func (w *Watcher) Run(ctx context.Context) error {
	if len(w.paths) == 0 {
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer fsw.Close()

	// Watch directories: editors often replace files instead of writing them.
	dirs := make(map[string]bool)
	for p := range w.paths {
		dirs[filepath.Dir(p)] = true
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	w.logger.Info("Watching config files", "count", len(w.paths))

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(ev) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Config watcher error", "error", err)

		case <-fire:
			fire = nil
			w.reload()
		}
	}
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
		return false
	}
	abs, err := filepath.Abs(ev.Name)
	if err != nil {
		return false
	}
	return w.paths[abs]
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Load()
	if err != nil {
		w.logger.Warn("Config reload failed, keeping previous config", "error", err)
		return
	}
	w.logger.Info("Config reloaded")
	w.onChange(cfg)
}
