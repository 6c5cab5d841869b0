package config

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"livechat/pkg/logger"
)

// ChangeHandler is called with a freshly loaded and validated configuration.
type ChangeHandler func(*Config) error

// Watcher monitors the configuration file and triggers a reload on change.
// Invalid edits are logged and ignored; the running configuration stays.
type Watcher struct {
	loader   *Loader
	log      *logger.Logger
	config   *Config
	handlers []ChangeHandler
	mu       sync.RWMutex
	watching bool
}

// NewWatcher creates a new configuration watcher.
func NewWatcher(loader *Loader, cfg *Config, log *logger.Logger) *Watcher {
	return &Watcher{
		loader:   loader,
		log:      log,
		config:   cfg,
		handlers: make([]ChangeHandler, 0),
	}
}

// AddHandler registers a handler to be called when configuration changes.
func (w *Watcher) AddHandler(handler ChangeHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, handler)
}

// Start begins watching the configuration file for changes.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.watching {
		w.mu.Unlock()
		return fmt.Errorf("watcher already started")
	}
	w.watching = true
	w.mu.Unlock()

	w.loader.viper.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		w.reload()
	})
	w.loader.viper.WatchConfig()
	return nil
}

// Stop stops delivering changes. Viper keeps its watch goroutine alive, so
// events after Stop are dropped here.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.watching = false
}

// GetConfig returns the current configuration (thread-safe).
func (w *Watcher) GetConfig() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.config
}

func (w *Watcher) reload() {
	w.mu.RLock()
	watching := w.watching
	w.mu.RUnlock()
	if !watching {
		return
	}

	newConfig, err := w.loader.Load()
	if err != nil {
		w.log.Error("Configuration reload rejected", zap.Error(err))
		return
	}

	w.mu.Lock()
	w.config = newConfig
	w.mu.Unlock()

	w.log.Info("Configuration reloaded", zap.Int("bots", len(newConfig.Bots)))
	w.notifyHandlers(newConfig)
}

func (w *Watcher) notifyHandlers(cfg *Config) {
	w.mu.RLock()
	handlers := make([]ChangeHandler, len(w.handlers))
	copy(handlers, w.handlers)
	w.mu.RUnlock()

	for _, handler := range handlers {
		if err := handler(cfg); err != nil {
			w.log.Error("Config change handler failed", zap.Error(err))
		}
	}
}
