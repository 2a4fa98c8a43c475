package config

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce absorbs the burst of events editors emit on save.
const reloadDebounce = 300 * time.Millisecond

// Reloader watches the config file and reloads on changes. A reload that
// fails validation keeps the current config.
type Reloader struct {
	mu        sync.RWMutex
	current   *Config
	path      string
	logger    *slog.Logger
	callbacks []func(*Config)
	watcher   *fsnotify.Watcher
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// NewReloader creates a Reloader for the given config file path.
func NewReloader(path string, initial *Config, logger *slog.Logger) *Reloader {
	return &Reloader{
		current: initial,
		path:    path,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// Current returns the active configuration.
func (r *Reloader) Current() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// OnReload registers a callback invoked with the new config after each
// successful reload.
func (r *Reloader) OnReload(fn func(*Config)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, fn)
}

// Start begins watching the config file. Must be called once.
func (r *Reloader) Start() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.logger.Error("failed to create file watcher", "error", err)
		return
	}
	if err := watcher.Add(r.path); err != nil {
		r.logger.Error("failed to watch config file", "path", r.path, "error", err)
		watcher.Close()
		return
	}
	r.watcher = watcher

	r.logger.Info("config file watcher started", "path", r.path)
	go r.watchLoop()
}

// Stop terminates the file watcher. Idempotent.
func (r *Reloader) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		if r.watcher != nil {
			r.watcher.Close()
		}
	})
}

// Reload loads the config from disk and, if valid, swaps it in and notifies
// the registered callbacks. Returns whether the reload succeeded.
func (r *Reloader) Reload() bool {
	newCfg, err := Load(r.path)
	if err != nil {
		r.logger.Error("config reload failed, keeping current config",
			"path", r.path, "error", err)
		return false
	}

	r.mu.Lock()
	old := r.current
	r.current = newCfg
	callbacks := make([]func(*Config), len(r.callbacks))
	copy(callbacks, r.callbacks)
	r.mu.Unlock()

	r.logChanges(old, newCfg)
	for _, cb := range callbacks {
		cb(newCfg)
	}

	r.logger.Info("configuration reloaded", "path", r.path)
	return true
}

func (r *Reloader) watchLoop() {
	var debounce *time.Timer

	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(reloadDebounce, func() {
					r.Reload()
				})
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Error("file watcher error", "error", err)
		case <-r.stopCh:
			if debounce != nil {
				debounce.Stop()
			}
			return
		}
	}
}

func (r *Reloader) logChanges(old, new *Config) {
	if old.Defaults != new.Defaults {
		r.logger.Info("breaker defaults changed",
			"old_failure_threshold", old.Defaults.FailureThreshold,
			"new_failure_threshold", new.Defaults.FailureThreshold,
			"old_reset_timeout", old.Defaults.ResetTimeout,
			"new_reset_timeout", new.Defaults.ResetTimeout,
		)
	}
	if len(old.Groups) != len(new.Groups) {
		r.logger.Info("group count changed", "old", len(old.Groups), "new", len(new.Groups))
	}
}
