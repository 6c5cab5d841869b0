package config

import (
	"context"

	"go.uber.org/fx"

	"livechat/pkg/logger"
)

// WatchModule provides the configuration watcher. The *Loader and *Config
// are supplied by the caller, which loads the file before the app starts so
// that configuration errors abort startup with the full error list.
var WatchModule = fx.Module("config",
	fx.Provide(ProvideWatcher),
)

// ProvideWatcher provides a configuration watcher with hot-reload. It only
// watches when the configuration enables it.
func ProvideWatcher(loader *Loader, cfg *Config, lc fx.Lifecycle, log *logger.Logger) *Watcher {
	watcher := NewWatcher(loader, cfg, log)
	if !cfg.Watch {
		return watcher
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("Starting configuration watcher")
			return watcher.Start()
		},
		OnStop: func(ctx context.Context) error {
			watcher.Stop()
			return nil
		},
	})
	return watcher
}
