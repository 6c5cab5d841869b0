// Package bus fans bridge events out to API subscribers.
package bus

import (
	"time"
)

// EventType represents the type of event.
type EventType string

const (
	EventMessage         EventType = "message"
	EventBindingLost     EventType = "binding_lost"
	EventBindingUnusable EventType = "binding_unusable"
	EventState           EventType = "state"
)

// AllSessions subscribes to the events of every session.
const AllSessions = "*"

// Event represents an event flowing from a session to its subscribers.
type Event struct {
	ID        string    `json:"id"`                   // Unique event ID
	Type      EventType `json:"type"`                 // Event type
	Session   string    `json:"session"`              // Bot name the event belongs to
	GuildID   string    `json:"guild_id,omitempty"`   // Source guild
	ChannelID string    `json:"channel_id,omitempty"` // Source channel
	BindingID string    `json:"binding_id,omitempty"` // Binding the channel is mapped to, if any
	MessageID string    `json:"message_id,omitempty"` // Discord message ID
	Author    string    `json:"author,omitempty"`     // Author display name
	AuthorID  string    `json:"author_id,omitempty"`  // Author user ID
	Content   string    `json:"content,omitempty"`    // Text content
	State     string    `json:"state,omitempty"`      // Session state for state events
	Reason    string    `json:"reason,omitempty"`     // Degraded reason or invalidation cause
	Timestamp time.Time `json:"timestamp"`            // Event timestamp
}

// Bus is the interface for event fan-out.
type Bus interface {
	// Start starts the event bus.
	Start() error

	// Stop stops the event bus and closes every subscription.
	Stop() error

	// Publish delivers an event to the subscribers of its session and of AllSessions.
	Publish(ev *Event) error

	// Subscribe opens a subscription for one session or AllSessions.
	// Events are dropped for a subscriber whose buffer is full.
	Subscribe(session string, buffer int) *Subscription

	// GetMetrics returns current bus metrics.
	GetMetrics() map[string]uint64
}
