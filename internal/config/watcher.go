package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mixaill76/auto_ai_gateway/internal/logger"
)

const defaultDebounce = 500 * time.Millisecond

// Watcher keeps the current configuration and reloads it when the file
// changes. A file that fails to load leaves the current configuration in
// place.
type Watcher struct {
	path     string
	current  atomic.Pointer[Config]
	debounce time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	onChange []func(*Config)
	watcher  *fsnotify.Watcher
}

// NewWatcher loads path once. It fails when the initial load fails.
func NewWatcher(path string, log *slog.Logger) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Discard()
	}
	w := &Watcher{path: path, debounce: defaultDebounce, logger: log}
	w.current.Store(cfg)
	return w, nil
}

// SetLogger replaces the logger. Call it before Watch.
func (w *Watcher) SetLogger(log *slog.Logger) {
	if log == nil {
		log = logger.Discard()
	}
	w.mu.Lock()
	w.logger = log
	w.mu.Unlock()
}

// Get returns the current configuration.
func (w *Watcher) Get() *Config {
	return w.current.Load()
}

// OnChange registers fn to run after every successful reload.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = append(w.onChange, fn)
}

// Watch starts watching until ctx is done. The directory is watched so
// editors that replace the file by rename are picked up too.
func (w *Watcher) Watch(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		_ = fw.Close()
		return err
	}
	w.mu.Lock()
	w.watcher = fw
	w.mu.Unlock()

	go w.loop(ctx, fw)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fw *fsnotify.Watcher) {
	target := filepath.Clean(w.path)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
		_ = fw.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.Reload)

		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Error("Config watcher error", "error", err)
		}
	}
}

// Reload loads the file now and notifies listeners on success.
func (w *Watcher) Reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("Failed to reload config, keeping current", "path", w.path, "error", err)
		return
	}
	w.current.Store(cfg)
	w.logger.Info("Configuration reloaded", "path", w.path, "credentials", len(cfg.Credentials))

	w.mu.Lock()
	listeners := append([]func(*Config){}, w.onChange...)
	w.mu.Unlock()
	for _, fn := range listeners {
		fn(cfg)
	}
}

// Close stops the file watch.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher == nil {
		return nil
	}
	err := w.watcher.Close()
	w.watcher = nil
	return err
}
