package main

import (
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"livechat/pkg/bridge"
	"livechat/pkg/bus"
	"livechat/pkg/config"
	"livechat/pkg/discord"
	"livechat/pkg/gateway"
	"livechat/pkg/logger"
)

// newApp loads the configuration before anything is constructed, so a bad
// file aborts startup with every problem listed, then assembles the app.
func newApp(dir string) (*fx.App, error) {
	loader, err := config.NewLoader(dir)
	if err != nil {
		return nil, err
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}

	log, err := logger.InitGlobal(cfg.LoggerConfig())
	if err != nil {
		return nil, err
	}
	log.Info("Configuration loaded",
		zap.String("path", loader.Path()),
		zap.Int("bots", len(cfg.Bots)))

	app := fx.New(
		fx.Supply(loader, cfg, log),
		fx.WithLogger(func() fxevent.Logger {
			l := &fxevent.ZapLogger{Logger: log.Named("fx")}
			l.UseLogLevel(zapcore.DebugLevel)
			return l
		}),

		logger.Module,
		config.WatchModule,
		discord.Module,
		bus.Module,
		bridge.Module,
		gateway.Module,
	)
	if err := app.Err(); err != nil {
		return nil, err
	}
	return app, nil
}
