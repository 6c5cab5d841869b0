package bridge

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"livechat/pkg/bus"
	"livechat/pkg/config"
	"livechat/pkg/discord"
	"livechat/pkg/logger"
)

const selfID = "self"

var errNotFound = &discord.APIError{Status: http.StatusNotFound, Code: 10015, Message: "Unknown Webhook"}

type sentMessage struct {
	webhookID string
	username  string
	content   string
}

// fakeWorld is the Discord state shared by every connection of a test.
type fakeWorld struct {
	mu sync.Mutex

	channels map[string]string // channel id -> guild id
	webhooks map[string]*discord.Webhook
	nextID   int

	channelCalls map[string]int
	webhookCalls int
	created      int
	deleted      []string
	sent         []sentMessage

	executeErrs []error
	createErr   error
	listErr     error
}

func newWorld() *fakeWorld {
	return &fakeWorld{
		channels:     make(map[string]string),
		webhooks:     make(map[string]*discord.Webhook),
		channelCalls: make(map[string]int),
	}
}

func (w *fakeWorld) addChannel(guildID, channelID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.channels[channelID] = guildID
}

func (w *fakeWorld) addWebhook(channelID, owner string) *discord.Webhook {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextID++
	hook := &discord.Webhook{
		ID:        fmt.Sprintf("wh-%d", w.nextID),
		Token:     fmt.Sprintf("token-%d", w.nextID),
		ChannelID: channelID,
		GuildID:   w.channels[channelID],
		OwnerID:   owner,
	}
	w.webhooks[hook.ID] = hook
	return hook
}

func (w *fakeWorld) removeWebhooks() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.webhooks = make(map[string]*discord.Webhook)
}

func (w *fakeWorld) failExecute(errs ...error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.executeErrs = append(w.executeErrs, errs...)
}

func (w *fakeWorld) channelCallCount(channelID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.channelCalls[channelID]
}

func (w *fakeWorld) createdCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.created
}

func (w *fakeWorld) sentMessages() []sentMessage {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]sentMessage(nil), w.sent...)
}

func (w *fakeWorld) deletedWebhooks() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.deleted...)
}

type fakeClient struct {
	world *fakeWorld

	mu       sync.Mutex
	failures []error
	block    bool
	conns    []*fakeConn
	tokens   []string
	intents  []discordgo.Intent
}

func newFakeClient(world *fakeWorld) *fakeClient {
	return &fakeClient{world: world}
}

// failNext makes the next Connect calls fail with errs, in order.
func (c *fakeClient) failNext(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = append(c.failures, errs...)
}

// blockConnect makes Connect wait for its context.
func (c *fakeClient) blockConnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.block = true
}

func (c *fakeClient) Connect(ctx context.Context, token string, intents discordgo.Intent) (discord.Conn, error) {
	c.mu.Lock()
	c.tokens = append(c.tokens, token)
	c.intents = append(c.intents, intents)
	if c.block {
		c.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if len(c.failures) > 0 {
		err := c.failures[0]
		c.failures = c.failures[1:]
		c.mu.Unlock()
		return nil, err
	}
	conn := &fakeConn{world: c.world, events: make(chan discord.Event, 64)}
	c.conns = append(c.conns, conn)
	c.mu.Unlock()
	return conn, nil
}

func (c *fakeClient) connectCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tokens)
}

func (c *fakeClient) lastConn() *fakeConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.conns) == 0 {
		return nil
	}
	return c.conns[len(c.conns)-1]
}

type fakeConn struct {
	world *fakeWorld

	mu     sync.Mutex
	events chan discord.Event
	closed bool
}

func (c *fakeConn) emit(ev discord.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.events <- ev
	}
}

// drop simulates a lost gateway connection.
func (c *fakeConn) drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) Events() <-chan discord.Event { return c.events }

func (c *fakeConn) SelfID() string { return selfID }

func (c *fakeConn) Close() error {
	c.drop()
	return nil
}

func (c *fakeConn) Channel(ctx context.Context, channelID string) (*discord.Channel, error) {
	w := c.world
	w.mu.Lock()
	defer w.mu.Unlock()
	w.channelCalls[channelID]++
	guild, ok := w.channels[channelID]
	if !ok {
		return nil, &discord.APIError{Status: http.StatusNotFound, Code: 10003, Message: "Unknown Channel"}
	}
	return &discord.Channel{ID: channelID, GuildID: guild}, nil
}

func (c *fakeConn) ChannelWebhooks(ctx context.Context, channelID string) ([]*discord.Webhook, error) {
	w := c.world
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.listErr != nil {
		return nil, w.listErr
	}
	var hooks []*discord.Webhook
	for _, h := range w.webhooks {
		if h.ChannelID == channelID {
			copied := *h
			hooks = append(hooks, &copied)
		}
	}
	return hooks, nil
}

func (c *fakeConn) CreateWebhook(ctx context.Context, channelID, name string) (*discord.Webhook, error) {
	w := c.world
	w.mu.Lock()
	if w.createErr != nil {
		err := w.createErr
		w.mu.Unlock()
		return nil, err
	}
	w.created++
	w.mu.Unlock()

	hook := w.addWebhook(channelID, selfID)
	hook.Name = name
	copied := *hook
	return &copied, nil
}

func (c *fakeConn) Webhook(ctx context.Context, webhookID string) (*discord.Webhook, error) {
	w := c.world
	w.mu.Lock()
	defer w.mu.Unlock()
	w.webhookCalls++
	h, ok := w.webhooks[webhookID]
	if !ok {
		return nil, errNotFound
	}
	copied := *h
	copied.Token = ""
	return &copied, nil
}

func (c *fakeConn) DeleteWebhook(ctx context.Context, webhookID string) error {
	w := c.world
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.webhooks[webhookID]; !ok {
		return errNotFound
	}
	delete(w.webhooks, webhookID)
	w.deleted = append(w.deleted, webhookID)
	return nil
}

func (c *fakeConn) ExecuteWebhook(ctx context.Context, hook *discord.Webhook, msg discord.WebhookMessage) (string, error) {
	w := c.world
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.executeErrs) > 0 {
		err := w.executeErrs[0]
		w.executeErrs = w.executeErrs[1:]
		return "", err
	}
	stored, ok := w.webhooks[hook.ID]
	if !ok || stored.Token != hook.Token {
		return "", errNotFound
	}
	w.sent = append(w.sent, sentMessage{webhookID: hook.ID, username: msg.Username, content: msg.Content})
	return fmt.Sprintf("msg-%d", len(w.sent)), nil
}

// edgeRecorder records state changes reported to the observer.
type edgeRecorder struct {
	mu    sync.Mutex
	edges [][2]State
}

func (r *edgeRecorder) observe(from, to State, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.edges = append(r.edges, [2]State{from, to})
}

func (r *edgeRecorder) list() [][2]State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][2]State(nil), r.edges...)
}

func testOptions(rec *edgeRecorder) Options {
	return Options{
		Reconnect:      Backoff{Base: 5 * time.Millisecond, Max: 20 * time.Millisecond, ResetAfter: time.Hour},
		Retry:          Backoff{Base: 5 * time.Millisecond, Max: 20 * time.Millisecond, ResetAfter: time.Hour},
		QueueSize:      16,
		SendAttempts:   3,
		RequestTimeout: time.Second,
		Observer:       rec.observe,
	}
}

func testIdentity(t *testing.T, bindings ...config.BindingConfig) Identity {
	t.Helper()
	id, err := NewIdentity(&config.BotConfig{
		Name:        "alpha",
		DisplayName: "Alpha Bridge",
		Auth:        "secret-token",
		Bindings:    bindings,
	}, nil)
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	return id
}

func room(id, guild, channel string) config.BindingConfig {
	return config.BindingConfig{BindingID: id, GuildID: guild, ChannelID: channel}
}

func newTestBus(t *testing.T) *bus.LocalBus {
	t.Helper()
	b := bus.NewLocalBus(logger.Nop(), 64)
	b.Start()
	t.Cleanup(func() { b.Stop() })
	return b
}

type harness struct {
	session *Session
	client  *fakeClient
	world   *fakeWorld
	rec     *edgeRecorder
	bus     *bus.LocalBus
	logs    *observer.ObservedLogs
}

func newHarness(t *testing.T, world *fakeWorld, mutate func(*Options), bindings ...config.BindingConfig) *harness {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	h := &harness{
		logs:   logs,
		client: newFakeClient(world),
		world:  world,
		rec:    &edgeRecorder{},
		bus:    newTestBus(t),
	}
	opts := testOptions(h.rec)
	if mutate != nil {
		mutate(&opts)
	}
	h.session = NewSession(testIdentity(t, bindings...), h.client, h.bus, logger.NewFromZap(zap.New(core)), opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.session.Stop(ctx)
	})
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	waitFor(t, "state "+string(want), func() bool { return s.State() == want })
}

func bindingStatus(s *Session, id string) BindingStatus {
	for _, b := range s.Info().Bindings {
		if b.BindingID == id {
			return b.Status
		}
	}
	return ""
}

func waitBinding(t *testing.T, s *Session, id string, want BindingStatus) {
	t.Helper()
	waitFor(t, "binding "+id+" "+string(want), func() bool { return bindingStatus(s, id) == want })
}

func nextEvent(t *testing.T, sub *bus.Subscription, typ bus.EventType) *bus.Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				t.Fatal("subscription closed")
			}
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", typ)
		}
	}
}
