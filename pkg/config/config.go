// Package config loads and validates the bridge configuration.
// It uses Viper to read <dir>/configuration.json with support for:
// - Environment variable overrides of top-level keys (LIVECHAT_PORT, ...)
// - Aggregate validation of every bot entry before anything is constructed
// - Hot-reload through fsnotify
package config

import (
	"time"
)

const (
	// DefaultAddress is the API listen address when none is configured.
	DefaultAddress = "0.0.0.0"
	// DefaultPort is the API listen port when none is configured.
	DefaultPort = 8080
	// DefaultBotName is used for bots without a name.
	DefaultBotName = "live_chat"
	// DefaultDisplayName is used for bots without a display name.
	DefaultDisplayName = "Live Chat"
)

// Config represents the complete bridge configuration.
type Config struct {
	Address string       `mapstructure:"address" json:"address"`
	Port    int          `mapstructure:"port" json:"port"`
	Bots    []*BotConfig `mapstructure:"bots" json:"bots"`
	Log     LogConfig    `mapstructure:"log" json:"log"`
	Bus     BusConfig    `mapstructure:"bus" json:"bus"`
	Redis   RedisConfig  `mapstructure:"redis" json:"redis"`
	Bridge  BridgeConfig `mapstructure:"bridge" json:"bridge"`
	Watch   bool         `mapstructure:"watch" json:"watch"`

	// Dir is the directory the configuration was read from.
	Dir string `mapstructure:"-" json:"-"`
}

// BotConfig configures one bot. A nil entry in the bots array stays nil and
// is reported by the validator.
type BotConfig struct {
	Name        string          `mapstructure:"name" json:"name"`
	DisplayName string          `mapstructure:"display_name" json:"display_name"`
	Auth        string          `mapstructure:"auth" json:"auth"`
	Intents     map[string]bool `mapstructure:"intents" json:"intents,omitempty"`
	Bindings    []BindingConfig `mapstructure:"bindings" json:"bindings,omitempty"`
}

// BindingConfig maps a logical room to a guild channel.
type BindingConfig struct {
	GuildID   string `mapstructure:"guild_id" json:"guild_id"`
	ChannelID string `mapstructure:"channel_id" json:"channel_id"`
	BindingID string `mapstructure:"binding_id" json:"binding_id"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level       string `mapstructure:"level" json:"level"`
	OutputPath  string `mapstructure:"output_path" json:"output_path"`
	MaxSize     int    `mapstructure:"max_size" json:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" json:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" json:"max_age"`
	Compress    bool   `mapstructure:"compress" json:"compress"`
	Development bool   `mapstructure:"development" json:"development"`
}

// BusConfig selects the event fan-out backend.
type BusConfig struct {
	Type       string `mapstructure:"type" json:"type"` // local or redis
	BufferSize int    `mapstructure:"buffer_size" json:"buffer_size"`
}

// RedisConfig configures the redis event backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" json:"addr"`
	Password string `mapstructure:"password" json:"password"`
	DB       int    `mapstructure:"db" json:"db"`
	Prefix   string `mapstructure:"prefix" json:"prefix"`
}

// BridgeConfig tunes session behavior. Zero values take the defaults below.
type BridgeConfig struct {
	BackoffBaseMS       int `mapstructure:"backoff_base_ms" json:"backoff_base_ms"`
	BackoffMaxMS        int `mapstructure:"backoff_max_ms" json:"backoff_max_ms"`
	BackoffResetAfterMS int `mapstructure:"backoff_reset_after_ms" json:"backoff_reset_after_ms"`
	QueueSize           int `mapstructure:"queue_size" json:"queue_size"`
	SendAttempts        int `mapstructure:"send_attempts" json:"send_attempts"`
	SendTimeoutMS       int `mapstructure:"send_timeout_ms" json:"send_timeout_ms"`
	ShutdownTimeoutMS   int `mapstructure:"shutdown_timeout_ms" json:"shutdown_timeout_ms"`
}

func millis(v, fallback int) time.Duration {
	if v <= 0 {
		v = fallback
	}
	return time.Duration(v) * time.Millisecond
}

// BackoffBase is the first reconnect delay.
func (b BridgeConfig) BackoffBase() time.Duration { return millis(b.BackoffBaseMS, 1000) }

// BackoffMax bounds the reconnect delay.
func (b BridgeConfig) BackoffMax() time.Duration { return millis(b.BackoffMaxMS, 120000) }

// BackoffResetAfter is how long a connection must stay up before the delay resets.
func (b BridgeConfig) BackoffResetAfter() time.Duration {
	return millis(b.BackoffResetAfterMS, 60000)
}

// SendTimeout bounds one API send request.
func (b BridgeConfig) SendTimeout() time.Duration { return millis(b.SendTimeoutMS, 30000) }

// ShutdownTimeout bounds ShutdownAll.
func (b BridgeConfig) ShutdownTimeout() time.Duration { return millis(b.ShutdownTimeoutMS, 10000) }

// Queue returns the outbound queue capacity per session.
func (b BridgeConfig) Queue() int {
	if b.QueueSize <= 0 {
		return 256
	}
	return b.QueueSize
}

// Attempts returns how many times a transient send failure is retried.
func (b BridgeConfig) Attempts() int {
	if b.SendAttempts <= 0 {
		return 5
	}
	return b.SendAttempts
}

// DefaultConfig returns a configuration with every default applied and no bots.
func DefaultConfig() *Config {
	return &Config{
		Address: DefaultAddress,
		Port:    DefaultPort,
		Bus:     BusConfig{Type: "local", BufferSize: 100},
	}
}

// ApplyDefaults fills the silent defaults: bot names, display names and
// binding ids. It never turns an invalid entry into a valid one.
func (c *Config) ApplyDefaults() {
	if c.Address == "" {
		c.Address = DefaultAddress
	}
	if c.Bus.Type == "" {
		c.Bus.Type = "local"
	}
	if c.Bus.BufferSize <= 0 {
		c.Bus.BufferSize = 100
	}
	for _, bot := range c.Bots {
		if bot == nil {
			continue
		}
		bot.ApplyDefaults()
	}
}

// ApplyDefaults fills the bot's silent defaults.
func (b *BotConfig) ApplyDefaults() {
	if b.Name == "" {
		b.Name = DefaultBotName
	}
	if b.DisplayName == "" {
		b.DisplayName = DefaultDisplayName
	}
	for i := range b.Bindings {
		if b.Bindings[i].BindingID == "" {
			b.Bindings[i].BindingID = b.Bindings[i].ChannelID
		}
	}
}

// Bot returns the bot with the given name.
func (c *Config) Bot(name string) *BotConfig {
	for _, b := range c.Bots {
		if b != nil && b.Name == name {
			return b
		}
	}
	return nil
}
