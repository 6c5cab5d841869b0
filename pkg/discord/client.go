// Package discord is the bridge's view of the Discord gateway and REST API.
// Sessions depend on the Client and Conn interfaces; SessionClient backs
// them with discordgo.
package discord

import (
	"context"
	"time"

	"github.com/bwmarrin/discordgo"
)

// EventKind identifies an inbound gateway event.
type EventKind int

const (
	// EventMessage is a message created in a guild channel.
	EventMessage EventKind = iota + 1
	// EventChannelDelete reports a deleted channel.
	EventChannelDelete
	// EventGuildDelete reports the bot leaving or being removed from a guild.
	EventGuildDelete
	// EventRateLimit reports a REST rate limit hit.
	EventRateLimit
	// EventResumed reports a resumed gateway connection.
	EventResumed
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventChannelDelete:
		return "channel_delete"
	case EventGuildDelete:
		return "guild_delete"
	case EventRateLimit:
		return "rate_limit"
	case EventResumed:
		return "resumed"
	default:
		return "unknown"
	}
}

// Event is one inbound gateway event.
type Event struct {
	Kind       EventKind
	Message    *Message      // EventMessage
	GuildID    string        // EventChannelDelete, EventGuildDelete
	ChannelID  string        // EventChannelDelete
	RetryAfter time.Duration // EventRateLimit
}

// Message is a guild message as seen by the bridge.
type Message struct {
	ID         string
	GuildID    string
	ChannelID  string
	AuthorID   string
	AuthorName string
	Bot        bool
	WebhookID  string
	Content    string
	Timestamp  time.Time
}

// Channel is the subset of channel data reconciliation needs.
type Channel struct {
	ID      string
	GuildID string
	Name    string
}

// Webhook is a channel webhook. OwnerID is the user that created it.
type Webhook struct {
	ID        string
	Token     string
	ChannelID string
	GuildID   string
	Name      string
	OwnerID   string
}

// WebhookMessage is posted through a webhook under an arbitrary display name.
type WebhookMessage struct {
	Username string
	Content  string
}

// Client opens gateway connections.
type Client interface {
	// Connect authenticates with token and requests intents. It returns once
	// the handshake completed.
	Connect(ctx context.Context, token string, intents discordgo.Intent) (Conn, error)
}

// Conn is one live gateway connection plus the REST calls made on its behalf.
type Conn interface {
	// Events returns the inbound stream. It is closed when the connection drops
	// or is closed.
	Events() <-chan Event

	// SelfID returns the connected bot user ID.
	SelfID() string

	Channel(ctx context.Context, channelID string) (*Channel, error)
	ChannelWebhooks(ctx context.Context, channelID string) ([]*Webhook, error)
	CreateWebhook(ctx context.Context, channelID, name string) (*Webhook, error)
	Webhook(ctx context.Context, webhookID string) (*Webhook, error)
	DeleteWebhook(ctx context.Context, webhookID string) error

	// ExecuteWebhook posts msg and returns the created message ID.
	ExecuteWebhook(ctx context.Context, hook *Webhook, msg WebhookMessage) (string, error)

	// Close closes the connection. Events is closed afterwards.
	Close() error
}
