package bridge

import (
	"context"

	"go.uber.org/fx"

	"livechat/pkg/bus"
	"livechat/pkg/config"
	"livechat/pkg/discord"
	"livechat/pkg/logger"
)

// Module is the fx module for the session registry.
var Module = fx.Module("bridge",
	fx.Provide(ProvideRegistry),
	fx.Invoke(registerReload),
)

// ProvideRegistry builds the registry and ties its sessions to the app lifecycle.
func ProvideRegistry(
	lc fx.Lifecycle,
	cfg *config.Config,
	client discord.Client,
	eventBus bus.Bus,
	log *logger.Logger,
) (*Registry, error) {
	reg, err := NewRegistry(cfg, client, eventBus, log)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			reg.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return reg.ShutdownAll(ctx)
		},
	})
	return reg, nil
}

// registerReload applies reloaded configuration to the registry.
func registerReload(watcher *config.Watcher, reg *Registry) {
	watcher.AddHandler(func(cfg *config.Config) error {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Bridge.ShutdownTimeout())
		defer cancel()
		return reg.Apply(ctx, cfg)
	})
}
