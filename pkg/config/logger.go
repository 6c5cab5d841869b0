package config

import (
	"path/filepath"

	"livechat/pkg/logger"
)

// LoggerConfig converts the log section to logger.Config. Relative output
// paths are resolved against the configuration directory.
func (c *Config) LoggerConfig() *logger.Config {
	out := logger.DefaultConfig(c.Dir)
	lc := c.Log

	switch lc.Level {
	case "debug":
		out.Level = logger.LevelDebug
	case "warn":
		out.Level = logger.LevelWarn
	case "error":
		out.Level = logger.LevelError
	default:
		out.Level = logger.LevelInfo
	}

	if lc.OutputPath != "" {
		out.OutputPath = lc.OutputPath
		if !filepath.IsAbs(out.OutputPath) && c.Dir != "" {
			out.OutputPath = filepath.Join(c.Dir, out.OutputPath)
		}
	}
	if lc.MaxSize > 0 {
		out.MaxSize = lc.MaxSize
	}
	if lc.MaxBackups > 0 {
		out.MaxBackups = lc.MaxBackups
	}
	out.MaxAge = lc.MaxAge
	out.Compress = lc.Compress
	out.Development = lc.Development
	return out
}
