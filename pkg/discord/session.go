package discord

import (
	"context"
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"livechat/pkg/logger"
	"livechat/pkg/version"
)

// eventBuffer sizes the inbound event channel of a connection.
const eventBuffer = 256

// SessionClient connects through discordgo.
type SessionClient struct {
	log *logger.Logger
}

// NewSessionClient creates a discordgo-backed client.
func NewSessionClient(log *logger.Logger) *SessionClient {
	return &SessionClient{log: log}
}

// Connect opens a gateway session. discordgo's own reconnect and rate-limit
// retry are disabled; the bridge session owns both.
func (c *SessionClient) Connect(ctx context.Context, token string, intents discordgo.Intent) (Conn, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("creating discord session: %w", err)
	}
	s.Identify.Intents = intents
	s.ShouldReconnectOnError = false
	s.ShouldRetryOnRateLimit = false
	s.StateEnabled = true
	s.LogLevel = discordgo.LogWarning
	s.UserAgent = version.UserAgent()

	conn := &sessionConn{
		log:     c.log,
		session: s,
		events:  make(chan Event, eventBuffer),
	}
	s.AddHandler(conn.onMessageCreate)
	s.AddHandler(conn.onChannelDelete)
	s.AddHandler(conn.onGuildDelete)
	s.AddHandler(conn.onRateLimit)
	s.AddHandler(conn.onResumed)
	s.AddHandler(conn.onDisconnect)

	opened := make(chan error, 1)
	go func() { opened <- s.Open() }()

	select {
	case err := <-opened:
		if err != nil {
			conn.shutdown()
			return nil, fmt.Errorf("opening discord connection: %w", classify(err))
		}
	case <-ctx.Done():
		go func() {
			if err := <-opened; err == nil {
				s.Close()
			}
			conn.shutdown()
		}()
		return nil, ctx.Err()
	}

	if s.State != nil && s.State.User != nil {
		conn.selfID = s.State.User.ID
	} else {
		user, err := s.User("@me", discordgo.WithContext(ctx))
		if err != nil {
			s.Close()
			conn.shutdown()
			return nil, fmt.Errorf("getting bot user: %w", classify(err))
		}
		conn.selfID = user.ID
	}

	return conn, nil
}

type sessionConn struct {
	log     *logger.Logger
	session *discordgo.Session
	selfID  string

	mu     sync.Mutex
	events chan Event
	closed bool
}

func (c *sessionConn) Events() <-chan Event { return c.events }

func (c *sessionConn) SelfID() string { return c.selfID }

// emit never blocks the discordgo dispatch goroutine; a full buffer drops the event.
func (c *sessionConn) emit(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
		c.log.Warn("Gateway event dropped, buffer full", zap.Stringer("kind", ev.Kind))
	}
}

// shutdown closes the event stream once.
func (c *sessionConn) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.events)
}

func (c *sessionConn) Close() error {
	err := c.session.Close()
	c.shutdown()
	if err != nil {
		return fmt.Errorf("closing discord session: %w", err)
	}
	return nil
}

func (c *sessionConn) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Message == nil || m.Author == nil || m.GuildID == "" {
		return
	}
	c.emit(Event{Kind: EventMessage, Message: &Message{
		ID:         m.ID,
		GuildID:    m.GuildID,
		ChannelID:  m.ChannelID,
		AuthorID:   m.Author.ID,
		AuthorName: authorName(m.Message),
		Bot:        m.Author.Bot,
		WebhookID:  m.WebhookID,
		Content:    m.Content,
		Timestamp:  m.Timestamp,
	}})
}

// authorName prefers the guild nickname, then the global display name.
func authorName(m *discordgo.Message) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

func (c *sessionConn) onChannelDelete(_ *discordgo.Session, ch *discordgo.ChannelDelete) {
	if ch.Channel == nil {
		return
	}
	c.emit(Event{Kind: EventChannelDelete, GuildID: ch.GuildID, ChannelID: ch.ID})
}

func (c *sessionConn) onGuildDelete(_ *discordgo.Session, g *discordgo.GuildDelete) {
	// Unavailable guilds are outages, not removals.
	if g.Guild == nil || g.Unavailable {
		return
	}
	c.emit(Event{Kind: EventGuildDelete, GuildID: g.ID})
}

func (c *sessionConn) onRateLimit(_ *discordgo.Session, rl *discordgo.RateLimit) {
	ev := Event{Kind: EventRateLimit}
	if rl.TooManyRequests != nil {
		ev.RetryAfter = rl.RetryAfter
	}
	c.emit(ev)
}

func (c *sessionConn) onResumed(_ *discordgo.Session, _ *discordgo.Resumed) {
	c.emit(Event{Kind: EventResumed})
}

func (c *sessionConn) onDisconnect(_ *discordgo.Session, _ *discordgo.Disconnect) {
	c.shutdown()
}

func (c *sessionConn) Channel(ctx context.Context, channelID string) (*Channel, error) {
	ch, err := c.session.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, classify(err)
	}
	return &Channel{ID: ch.ID, GuildID: ch.GuildID, Name: ch.Name}, nil
}

func (c *sessionConn) ChannelWebhooks(ctx context.Context, channelID string) ([]*Webhook, error) {
	hooks, err := c.session.ChannelWebhooks(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, classify(err)
	}
	out := make([]*Webhook, 0, len(hooks))
	for _, h := range hooks {
		out = append(out, toWebhook(h))
	}
	return out, nil
}

func (c *sessionConn) CreateWebhook(ctx context.Context, channelID, name string) (*Webhook, error) {
	h, err := c.session.WebhookCreate(channelID, name, "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, classify(err)
	}
	return toWebhook(h), nil
}

func (c *sessionConn) Webhook(ctx context.Context, webhookID string) (*Webhook, error) {
	h, err := c.session.Webhook(webhookID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, classify(err)
	}
	return toWebhook(h), nil
}

func (c *sessionConn) DeleteWebhook(ctx context.Context, webhookID string) error {
	return classify(c.session.WebhookDelete(webhookID, discordgo.WithContext(ctx)))
}

func (c *sessionConn) ExecuteWebhook(ctx context.Context, hook *Webhook, msg WebhookMessage) (string, error) {
	sent, err := c.session.WebhookExecute(hook.ID, hook.Token, true, &discordgo.WebhookParams{
		Username: msg.Username,
		Content:  msg.Content,
		// External authors must not be able to ping roles or everyone.
		AllowedMentions: &discordgo.MessageAllowedMentions{Parse: []discordgo.AllowedMentionType{}},
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", classify(err)
	}
	if sent == nil {
		return "", nil
	}
	return sent.ID, nil
}

func toWebhook(h *discordgo.Webhook) *Webhook {
	w := &Webhook{
		ID:        h.ID,
		Token:     h.Token,
		ChannelID: h.ChannelID,
		GuildID:   h.GuildID,
		Name:      h.Name,
	}
	if h.User != nil {
		w.OwnerID = h.User.ID
	}
	return w
}
