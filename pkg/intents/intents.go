// Package intents resolves the gateway intents a bot requests from a sparse
// set of named overrides.
package intents

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"livechat/pkg/logger"
)

type flag struct {
	name string
	on   bool
	bits discordgo.Intent
}

// flags is the recognized set. The messaging-relevant flags default to true:
// guild_messages to see chat, guilds to notice deleted channels, members for
// nicknames, message_content for text, webhooks to manage webhooks.
var flags = []flag{
	{"auto_moderation", false, discordgo.IntentAutoModerationConfiguration | discordgo.IntentAutoModerationExecution},
	{"auto_moderation_configuration", false, discordgo.IntentAutoModerationConfiguration},
	{"auto_moderation_execution", false, discordgo.IntentAutoModerationExecution},
	{"bans", false, discordgo.IntentGuildModeration},
	{"dm_messages", false, discordgo.IntentDirectMessages},
	{"dm_reactions", false, discordgo.IntentDirectMessageReactions},
	{"dm_typing", false, discordgo.IntentDirectMessageTyping},
	{"emojis_and_stickers", false, discordgo.IntentGuildEmojis},
	{"guild_messages", true, discordgo.IntentGuildMessages},
	{"guild_reactions", false, discordgo.IntentGuildMessageReactions},
	{"guild_scheduled_events", false, discordgo.IntentGuildScheduledEvents},
	{"guild_typing", false, discordgo.IntentGuildMessageTyping},
	{"guilds", true, discordgo.IntentGuilds},
	{"integrations", false, discordgo.IntentGuildIntegrations},
	{"invites", false, discordgo.IntentGuildInvites},
	{"members", true, discordgo.IntentGuildMembers},
	{"message_content", true, discordgo.IntentMessageContent},
	{"presences", false, discordgo.IntentGuildPresences},
	{"voice_states", false, discordgo.IntentGuildVoiceStates},
	{"webhooks", true, discordgo.IntentGuildWebhooks},
}

var byName = func() map[string]flag {
	m := make(map[string]flag, len(flags))
	for _, f := range flags {
		m[f.name] = f
	}
	return m
}()

// Names returns every recognized flag name in sorted order.
func Names() []string {
	names := make([]string, 0, len(flags))
	for _, f := range flags {
		names = append(names, f.name)
	}
	sort.Strings(names)
	return names
}

// Default reports the documented default of a flag and whether it is recognized.
func Default(name string) (value bool, ok bool) {
	f, ok := byName[name]
	return f.on, ok
}

// Unknown returns the override names that are not recognized, sorted.
func Unknown(overrides map[string]bool) []string {
	var unknown []string
	for name := range overrides {
		if _, ok := byName[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	sort.Strings(unknown)
	return unknown
}

// UnknownFlagError lists override names outside the recognized set.
type UnknownFlagError struct {
	Names []string
}

func (e *UnknownFlagError) Error() string {
	return fmt.Sprintf("unknown intent flags: %s", strings.Join(e.Names, ", "))
}

// Set is an immutable resolved intent set. It always holds exactly the
// recognized flags.
type Set struct {
	values map[string]bool
}

// Defaults returns the set with every flag at its documented default.
func Defaults() Set {
	s, _ := Resolve(nil, nil)
	return s
}

// Resolve builds a Set from overrides. Unspecified flags take their default.
// Unknown names are rejected; nothing is created for them.
func Resolve(overrides map[string]bool, log *logger.Logger) (Set, error) {
	if unknown := Unknown(overrides); len(unknown) > 0 {
		return Set{}, &UnknownFlagError{Names: unknown}
	}

	values := make(map[string]bool, len(flags))
	for _, f := range flags {
		v, overridden := overrides[f.name]
		if !overridden {
			v = f.on
		}
		values[f.name] = v
		if log != nil {
			log.Debug("Intent resolved",
				zap.String("intent", f.name),
				zap.Bool("value", v),
				zap.Bool("overridden", overridden))
		}
	}
	return Set{values: values}, nil
}

// Enabled reports whether the named flag is on.
func (s Set) Enabled(name string) bool {
	return s.values[name]
}

// Map returns a copy of the resolved values.
func (s Set) Map() map[string]bool {
	out := make(map[string]bool, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Intent returns the gateway bitmask sent with the identify payload.
func (s Set) Intent() discordgo.Intent {
	var bits discordgo.Intent
	for _, f := range flags {
		if s.values[f.name] {
			bits |= f.bits
		}
	}
	return bits
}

// Equal reports whether both sets resolve to the same values.
func (s Set) Equal(other Set) bool {
	if len(s.values) != len(other.values) {
		return false
	}
	for k, v := range s.values {
		if other.values[k] != v {
			return false
		}
	}
	return true
}

func (s Set) String() string {
	var on []string
	for _, name := range Names() {
		if s.values[name] {
			on = append(on, name)
		}
	}
	return strings.Join(on, ",")
}
