package bus

import (
	"context"
	"fmt"

	"go.uber.org/fx"

	"livechat/pkg/config"
	"livechat/pkg/logger"
)

// Module is the fx module for the event bus.
var Module = fx.Module("bus",
	fx.Provide(NewEventBus),
)

// NewBus picks the backend named by the bus section. The redis section is
// only read for the redis backend.
func NewBus(log *logger.Logger, cfg *config.Config) (Bus, error) {
	switch cfg.Bus.Type {
	case "local", "":
		return NewLocalBus(log, cfg.Bus.BufferSize), nil
	case "redis":
		if cfg.Redis.Addr == "" {
			return nil, fmt.Errorf("redis.addr is required for the redis bus")
		}
		return NewRedisBus(log, &RedisBusConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
	default:
		return nil, fmt.Errorf("unknown bus type %q", cfg.Bus.Type)
	}
}

// NewEventBus creates the configured event bus and ties it to the fx lifecycle.
func NewEventBus(lc fx.Lifecycle, log *logger.Logger, cfg *config.Config) (Bus, error) {
	bus, err := NewBus(log, cfg)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return bus.Start()
		},
		OnStop: func(ctx context.Context) error {
			return bus.Stop()
		},
	})

	return bus, nil
}
