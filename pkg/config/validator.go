package config

import (
	"fmt"
	"sort"
	"strings"

	"livechat/pkg/intents"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is the aggregate configuration error. It lists every
// violation found, not just the first.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for _, err := range e {
		sb.WriteString(fmt.Sprintf("  - %s\n", err.Error()))
	}
	return sb.String()
}

// Has reports whether any error was recorded for field.
func (e ValidationErrors) Has(field string) bool {
	for _, err := range e {
		if err.Field == field {
			return true
		}
	}
	return false
}

// Validator validates configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

// Validate validates the entire configuration. Defaults must already be applied.
func (v *Validator) Validate(cfg *Config) error {
	v.errors = make(ValidationErrors, 0)

	if cfg == nil {
		v.addError("configuration", "configuration is null")
		return v.errors
	}

	v.validateListener(cfg)
	v.validateBus(cfg)
	v.validateBots(cfg.Bots)

	if len(v.errors) > 0 {
		return v.errors
	}
	return nil
}

func (v *Validator) validateListener(cfg *Config) {
	if strings.TrimSpace(cfg.Address) == "" {
		v.addError("address", "address must not be empty")
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		v.addError("port", "port must be between 1 and 65535")
	}
}

func (v *Validator) validateBus(cfg *Config) {
	switch cfg.Bus.Type {
	case "local", "":
	case "redis":
		if strings.TrimSpace(cfg.Redis.Addr) == "" {
			v.addError("redis.addr", "addr is required when bus.type is redis")
		}
	default:
		v.addError("bus.type", "type must be one of: local, redis")
	}
}

func (v *Validator) validateBots(bots []*BotConfig) {
	// Track names to report every colliding entry together.
	names := make(map[string][]int)

	for i, bot := range bots {
		prefix := fmt.Sprintf("bots[%d]", i)
		if bot == nil {
			v.addError(prefix, "bot configuration is null")
			continue
		}

		names[bot.Name] = append(names[bot.Name], i)

		if strings.TrimSpace(bot.Auth) == "" {
			v.addError(prefix+".auth", "no API authentication token was provided")
		}

		if unknown := intents.Unknown(bot.Intents); len(unknown) > 0 {
			for _, name := range unknown {
				v.addError(prefix+".intents."+name, "unknown intent flag")
			}
		}

		v.validateBindings(prefix, bot.Bindings)
	}

	duplicated := make([]string, 0)
	for name, idx := range names {
		if len(idx) > 1 {
			duplicated = append(duplicated, name)
		}
	}
	sort.Strings(duplicated)
	for _, name := range duplicated {
		idx := names[name]
		entries := make([]string, 0, len(idx))
		for _, i := range idx {
			entries = append(entries, fmt.Sprintf("bots[%d]", i))
		}
		v.addError("bots", fmt.Sprintf("duplicate bot name %q in %s", name, strings.Join(entries, " and ")))
	}
}

func (v *Validator) validateBindings(prefix string, bindings []BindingConfig) {
	ids := make(map[string]bool)
	channels := make(map[string]bool)

	for i, b := range bindings {
		p := fmt.Sprintf("%s.bindings[%d]", prefix, i)

		if !isSnowflake(b.GuildID) {
			v.addError(p+".guild_id", "guild_id must be a numeric Discord id")
		}
		if !isSnowflake(b.ChannelID) {
			v.addError(p+".channel_id", "channel_id must be a numeric Discord id")
		} else if channels[b.ChannelID] {
			v.addError(p+".channel_id", fmt.Sprintf("channel %s is bound more than once", b.ChannelID))
		} else {
			channels[b.ChannelID] = true
		}

		if b.BindingID == "" {
			continue
		}
		if ids[b.BindingID] {
			v.addError(p+".binding_id", fmt.Sprintf("duplicate binding id: %s", b.BindingID))
		}
		ids[b.BindingID] = true
	}
}

func isSnowflake(id string) bool {
	if id == "" || len(id) > 20 {
		return false
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func (v *Validator) addError(field, message string) {
	v.errors = append(v.errors, ValidationError{
		Field:   field,
		Message: message,
	})
}

// ValidateConfig is a convenience function to validate configuration.
func ValidateConfig(cfg *Config) error {
	return NewValidator().Validate(cfg)
}
