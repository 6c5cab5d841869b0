package bridge

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"livechat/pkg/config"
	"livechat/pkg/discord"
)

// BindingStatus is the lifecycle of one channel binding.
type BindingStatus string

const (
	// BindingPending is configured but not reconciled on the current connection.
	BindingPending BindingStatus = "pending"
	// BindingActive has a verified channel and an owned webhook.
	BindingActive BindingStatus = "active"
	// BindingLost lost its channel or guild.
	BindingLost BindingStatus = "lost"
	// BindingUnusable could not be provisioned.
	BindingUnusable BindingStatus = "unusable"
)

// binding is owned by the session run loop.
type binding struct {
	config.BindingConfig
	status  BindingStatus
	reason  string
	webhook *discord.Webhook
}

func newBinding(cfg config.BindingConfig) *binding {
	return &binding{BindingConfig: cfg, status: BindingPending}
}

func (b *binding) usable() bool {
	return b.status == BindingPending || b.status == BindingActive
}

func (b *binding) activate(hook *discord.Webhook) {
	b.webhook = hook
	b.status = BindingActive
	b.reason = ""
}

// invalidate drops the webhook reference together with the status change so
// that a stale webhook is never used against a missing channel.
func (b *binding) invalidate(status BindingStatus, reason string) {
	b.webhook = nil
	b.status = status
	b.reason = reason
}

func (b *binding) info() BindingInfo {
	return BindingInfo{
		BindingID:  b.BindingID,
		GuildID:    b.GuildID,
		ChannelID:  b.ChannelID,
		Status:     b.status,
		Reason:     b.reason,
		HasWebhook: b.webhook != nil,
	}
}

// BindingInfo is a snapshot of one binding.
type BindingInfo struct {
	BindingID  string        `json:"binding_id"`
	GuildID    string        `json:"guild_id"`
	ChannelID  string        `json:"channel_id"`
	Status     BindingStatus `json:"status"`
	Reason     string        `json:"reason,omitempty"`
	HasWebhook bool          `json:"has_webhook"`
}

const (
	maxContentLength  = 2000
	maxUsernameLength = 80
)

// Command is one outbound message posted as author into a binding.
type Command struct {
	Session   string `json:"session"`
	BindingID string `json:"binding_id"`
	Author    string `json:"author_display_name"`
	Content   string `json:"content"`
}

// Validate checks the limits Discord enforces on webhook messages.
func (c Command) Validate() error {
	switch {
	case strings.TrimSpace(c.BindingID) == "":
		return fmt.Errorf("%w: binding_id is required", ErrInvalidCommand)
	case strings.TrimSpace(c.Author) == "":
		return fmt.Errorf("%w: author_display_name is required", ErrInvalidCommand)
	case utf8.RuneCountInString(c.Author) > maxUsernameLength:
		return fmt.Errorf("%w: author_display_name exceeds %d characters", ErrInvalidCommand, maxUsernameLength)
	case strings.TrimSpace(c.Content) == "":
		return fmt.Errorf("%w: content is required", ErrInvalidCommand)
	case utf8.RuneCountInString(c.Content) > maxContentLength:
		return fmt.Errorf("%w: content exceeds %d characters", ErrInvalidCommand, maxContentLength)
	}
	return nil
}

// Ack acknowledges an outbound command. Delivery is at most once with best
// effort retry: failures Discord reports before accepting the message (rate
// limits, server errors, refused connections) are retried a bounded number
// of times while the command stays queued, and a request that timed out is
// never resent. Queued means the caller stopped waiting before the outcome
// was known.
type Ack struct {
	CommandID string `json:"command_id"`
	MessageID string `json:"message_id,omitempty"`
	Queued    bool   `json:"queued"`
}
