package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// FileName is the configuration file looked up inside the configuration directory.
const FileName = "configuration.json"

// EnvPrefix prefixes environment overrides, e.g. LIVECHAT_PORT.
const EnvPrefix = "LIVECHAT"

// ErrNotFound is returned when the configuration file does not exist.
var ErrNotFound = errors.New("configuration file not found")

// Loader handles configuration loading with Viper.
type Loader struct {
	viper *viper.Viper
	dir   string
}

// NewLoader creates a loader for <dir>/configuration.json. An empty dir
// means the current working directory.
func NewLoader(dir string) (*Loader, error) {
	if strings.TrimSpace(dir) == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolving working directory: %w", err)
		}
		dir = wd
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(filepath.Join(abs, FileName))
	v.SetConfigType("json")

	v.SetDefault("address", DefaultAddress)
	v.SetDefault("port", DefaultPort)
	v.SetDefault("watch", false)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return &Loader{viper: v, dir: abs}, nil
}

// Path returns the configuration file path.
func (l *Loader) Path() string {
	return filepath.Join(l.dir, FileName)
}

// Dir returns the configuration directory.
func (l *Loader) Dir() string {
	return l.dir
}

// Load reads, defaults and validates the configuration. Validation failures
// are returned as ValidationErrors listing every problem.
func (l *Loader) Load() (*Config, error) {
	path := l.Path()

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("checking config file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("config path is not a file: %s", path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config file is not readable: %w", err)
	}
	f.Close()

	if err := l.viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := &Config{}
	if err := l.viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Dir = l.dir
	cfg.ApplyDefaults()

	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load is a convenience function to load <dir>/configuration.json.
func Load(dir string) (*Config, error) {
	loader, err := NewLoader(dir)
	if err != nil {
		return nil, err
	}
	return loader.Load()
}
