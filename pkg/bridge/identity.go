package bridge

import (
	"errors"
	"strings"

	"livechat/pkg/config"
	"livechat/pkg/intents"
	"livechat/pkg/logger"
)

// Identity is the immutable identity a session presents to Discord.
type Identity struct {
	Name        string
	DisplayName string
	Token       string
	Intents     intents.Set
	Bindings    []config.BindingConfig
}

// NewIdentity builds an Identity from one bot entry. Name and display name
// fall back to their defaults; a missing token or an unknown intent is a
// configuration error.
func NewIdentity(cfg *config.BotConfig, log *logger.Logger) (Identity, error) {
	if cfg == nil {
		return Identity{}, config.ValidationErrors{{Field: "bot", Message: "bot configuration is null"}}
	}
	if strings.TrimSpace(cfg.Auth) == "" {
		return Identity{}, config.ValidationErrors{{Field: "auth", Message: "no API authentication token was provided"}}
	}

	bot := *cfg
	bot.Bindings = append([]config.BindingConfig(nil), cfg.Bindings...)
	bot.ApplyDefaults()

	set, err := intents.Resolve(bot.Intents, log)
	if err != nil {
		var unknown *intents.UnknownFlagError
		if errors.As(err, &unknown) {
			verrs := make(config.ValidationErrors, 0, len(unknown.Names))
			for _, name := range unknown.Names {
				verrs = append(verrs, config.ValidationError{Field: "intents." + name, Message: "unknown intent flag"})
			}
			return Identity{}, verrs
		}
		return Identity{}, err
	}

	return Identity{
		Name:        bot.Name,
		DisplayName: bot.DisplayName,
		Token:       strings.TrimSpace(bot.Auth),
		Intents:     set,
		Bindings:    bot.Bindings,
	}, nil
}

// sameConnection reports whether two identities can share a gateway
// connection, i.e. only their bindings differ.
func (id Identity) sameConnection(other Identity) bool {
	return id.Name == other.Name &&
		id.DisplayName == other.DisplayName &&
		id.Token == other.Token &&
		id.Intents.Equal(other.Intents)
}

// String never includes the token.
func (id Identity) String() string {
	return id.Name
}
