package gateway

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"livechat/pkg/config"
	"livechat/pkg/logger"
)

// Module provides the API server for fx dependency injection.
var Module = fx.Module("gateway",
	fx.Provide(NewServer),
	fx.Invoke(registerLifecycle),
)

func registerLifecycle(lc fx.Lifecycle, s *Server, cfg *config.Config, log *logger.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("Starting bridge API",
				zap.String("address", cfg.Address),
				zap.Int("port", cfg.Port),
			)
			return s.Start()
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Bridge.ShutdownTimeout())
			defer cancel()
			return s.Stop(shutdownCtx)
		},
	})
}
