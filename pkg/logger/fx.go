package logger

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module provides the process-wide logger for fx dependency injection.
// The *Logger itself is supplied by the caller after InitGlobal.
var Module = fx.Module("logger",
	fx.Invoke(registerLifecycle),
)

func registerLifecycle(lc fx.Lifecycle, log *Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("Logger initialized",
				zap.String("level", string(log.config.Level)),
				zap.String("output", log.config.OutputPath),
			)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			// Sync on stdout returns EINVAL on some platforms; nothing useful to report.
			_ = log.Sync()
			return nil
		},
	})
}
