package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads a config file whenever it changes on disk and notifies
// registered callbacks with the freshly parsed Config. Callers are
// responsible for validating the callback's effect; Watcher only
// guarantees the Config it hands over already passed Validate.
type Watcher struct {
	fsw      *fsnotify.Watcher
	path     string
	registry *SecretRegistry
	logger   *zap.Logger

	mu        sync.RWMutex
	callbacks []func(*Config)
	current   *Config
	debounce  time.Duration
}

// NewWatcher loads path once to fail fast on a bad config, then prepares
// to watch it for subsequent changes.
func NewWatcher(path string, registry *SecretRegistry, logger *zap.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	cfg, err := Load(path, registry)
	if err != nil {
		fsw.Close()
		return nil, err
	}

	return &Watcher{
		fsw:      fsw,
		path:     path,
		registry: registry,
		logger:   logger,
		current:  cfg,
		debounce: 500 * time.Millisecond,
	}, nil
}

// OnChange registers a callback invoked with the new Config after every
// successful reload.
func (w *Watcher) OnChange(cb func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// Start watches the config file's directory in the background.
func (w *Watcher) Start() error {
	if err := w.fsw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	go w.run()
	return nil
}

func (w *Watcher) run() {
	var timer *time.Timer
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != filepath.Base(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.reload)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path, w.registry)
	if err != nil {
		w.logger.Error("config reload failed, keeping previous configuration", zap.Error(err))
		return
	}

	w.mu.Lock()
	w.current = cfg
	callbacks := make([]func(*Config), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	w.logger.Info("configuration reloaded", zap.String("path", w.path))
	for _, cb := range callbacks {
		cb(cfg)
	}
}

// Current returns the most recently loaded Config.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// SetDebounce overrides the default 500ms debounce window.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// Stop closes the underlying fsnotify watcher.
func (w *Watcher) Stop() error {
	return w.fsw.Close()
}
