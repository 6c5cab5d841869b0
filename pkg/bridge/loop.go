package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"livechat/pkg/bus"
	"livechat/pkg/config"
	"livechat/pkg/discord"
	"livechat/pkg/logger"
)

// ready is always receivable; it arms the delivery case of the run loop.
var ready = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

type dialResult struct {
	conn discord.Conn
	err  error
}

// loop is the state owned by the run goroutine.
type loop struct {
	s      *Session
	ctx    context.Context
	cancel context.CancelFunc
	log    *logger.Logger

	conn        discord.Conn
	events      <-chan discord.Event
	dialing     bool
	dialed      chan dialResult
	connectedAt time.Time

	bindings  []*binding
	byID      map[string]*binding
	byChannel map[string]*binding

	queue []*request

	reconnect Backoff
	retry     Backoff
	timer     *time.Timer
	timerC    <-chan time.Time
}

func newLoop(s *Session, ctx context.Context, cancel context.CancelFunc) *loop {
	l := &loop{
		s:         s,
		ctx:       ctx,
		cancel:    cancel,
		log:       s.log,
		dialed:    make(chan dialResult, 1),
		reconnect: s.opts.Reconnect,
		retry:     s.opts.Retry,
	}
	l.setBindings(s.identity.Bindings, nil)
	return l
}

func (s *Session) run(ctx context.Context, cancel context.CancelFunc) {
	defer close(s.done)
	defer cancel()

	l := newLoop(s, ctx, cancel)
	l.dial()
	l.snapshot()

	for {
		select {
		case <-s.stop:
			l.shutdown()
			return
		default:
		}

		var work <-chan struct{}
		if l.canDeliver() {
			work = ready
		}

		select {
		case <-s.stop:
			l.shutdown()
			return
		case req := <-s.submit:
			l.accept(req)
		case upd := <-s.updates:
			l.applyBindings(upd.bindings)
			close(upd.applied)
		case res := <-l.dialed:
			l.onDialed(res)
		case ev, ok := <-l.events:
			if ok {
				l.onEvent(ev)
			} else {
				l.onDrop()
			}
		case <-l.timerC:
			l.onTimer()
		case <-work:
			l.deliverHead()
		}
		l.snapshot()
	}
}

func (l *loop) state() State { return l.s.State() }

func (l *loop) snapshot() {
	infos := make([]BindingInfo, 0, len(l.bindings))
	for _, b := range l.bindings {
		infos = append(infos, b.info())
	}
	l.s.setSnapshot(len(l.queue), infos)
}

func (l *loop) requestCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(l.ctx, l.s.opts.RequestTimeout)
}

func (l *loop) setTimer(d time.Duration) {
	l.stopTimer()
	l.timer = time.NewTimer(d)
	l.timerC = l.timer.C
}

func (l *loop) stopTimer() {
	if l.timer != nil {
		l.timer.Stop()
	}
	l.timer = nil
	l.timerC = nil
}

// Connection lifecycle.

func (l *loop) dial() {
	if !l.s.transition(StateConnecting, "") {
		return
	}
	l.dialing = true

	token, intents := l.s.identity.Token, l.s.identity.Intents.Intent()
	go func() {
		conn, err := l.s.client.Connect(l.ctx, token, intents)
		l.dialed <- dialResult{conn: conn, err: err}
	}()
}

func (l *loop) onDialed(res dialResult) {
	l.dialing = false
	if l.ctx.Err() != nil {
		// Stopping; shutdown runs on the next iteration.
		if res.conn != nil {
			res.conn.Close()
		}
		return
	}
	if res.err != nil {
		l.log.Warn("Gateway connection failed",
			zap.Int("attempt", l.reconnect.Attempts()+1),
			zap.Error(res.err))
		l.s.transition(StateDisconnected, res.err.Error())
		l.scheduleReconnect()
		return
	}

	l.conn = res.conn
	l.events = res.conn.Events()
	l.connectedAt = time.Now()
	l.retry.Reset()
	l.s.transition(StateConnected, "")
	l.log.Info("Gateway connected", zap.String("self_id", res.conn.SelfID()))

	l.reconcilePending()
}

func (l *loop) onDrop() {
	connectedFor := time.Since(l.connectedAt)
	l.conn = nil
	l.events = nil
	l.stopTimer()
	l.reconnect.Observe(connectedFor)

	// Every usable binding is verified again on the next connection.
	for _, b := range l.bindings {
		if b.status != BindingLost {
			b.status = BindingPending
		}
	}

	l.log.Warn("Gateway connection lost", zap.Duration("connected_for", connectedFor))
	l.s.transition(StateDisconnected, "connection lost")
	l.scheduleReconnect()
}

func (l *loop) scheduleReconnect() {
	delay := l.reconnect.Next()
	l.log.Info("Reconnecting after backoff", zap.Duration("delay", delay))
	l.setTimer(delay)
}

func (l *loop) onTimer() {
	l.timer = nil
	l.timerC = nil

	switch l.state() {
	case StateDisconnected:
		l.dial()
	case StateDegraded:
		l.recover()
	}
}

// degrade holds the queue until the retry timer fires. wait <= 0 uses the
// retry backoff.
func (l *loop) degrade(reason string, wait time.Duration) {
	switch l.state() {
	case StateConnected:
		l.s.transition(StateDegraded, reason)
	case StateDegraded:
	default:
		return
	}
	if wait <= 0 {
		wait = l.retry.Next()
	}
	l.setTimer(wait)
}

func (l *loop) recover() {
	if l.state() != StateDegraded {
		return
	}
	l.stopTimer()
	l.s.transition(StateConnected, "")
	l.reconcilePending()
}

func (l *loop) shutdown() {
	l.s.transition(StateShuttingDown, "")
	l.stopTimer()
	l.cancel()

	if l.dialing {
		if res := <-l.dialed; res.conn != nil {
			res.conn.Close()
		}
		l.dialing = false
	}

	if n := len(l.queue); n > 0 {
		for _, req := range l.queue {
			req.reply(Ack{}, fmt.Errorf("%w: %s", ErrSessionClosed, l.s.identity.Name))
		}
		l.queue = nil
		l.log.Warn("Discarded queued commands on shutdown", zap.Int("count", n))
	}

	if l.conn != nil {
		if err := l.conn.Close(); err != nil {
			l.log.Warn("Error closing gateway connection", zap.Error(err))
		}
		l.conn = nil
		l.events = nil
	}

	l.snapshot()
	l.s.transition(StateClosed, "")
}

// Inbound events.

func (l *loop) onEvent(ev discord.Event) {
	switch ev.Kind {
	case discord.EventMessage:
		l.onMessage(ev.Message)
	case discord.EventChannelDelete:
		if b := l.byChannel[ev.ChannelID]; b != nil {
			l.lose(b, "channel deleted")
		}
	case discord.EventGuildDelete:
		for _, b := range l.bindings {
			if b.GuildID == ev.GuildID {
				l.lose(b, "removed from guild")
			}
		}
	case discord.EventRateLimit:
		l.degrade("rate limited", ev.RetryAfter)
	case discord.EventResumed:
		l.recover()
	}
}

func (l *loop) onMessage(m *discord.Message) {
	if m == nil || l.conn == nil {
		return
	}
	if m.AuthorID == l.conn.SelfID() {
		return
	}
	if m.WebhookID != "" && l.ownsWebhook(m.WebhookID) {
		return
	}

	ev := &bus.Event{
		Type:      bus.EventMessage,
		GuildID:   m.GuildID,
		ChannelID: m.ChannelID,
		MessageID: m.ID,
		Author:    m.AuthorName,
		AuthorID:  m.AuthorID,
		Content:   m.Content,
		Timestamp: m.Timestamp,
	}
	if b := l.byChannel[m.ChannelID]; b != nil {
		ev.BindingID = b.BindingID
	}
	l.s.publish(ev)
}

func (l *loop) ownsWebhook(id string) bool {
	for _, b := range l.bindings {
		if b.webhook != nil && b.webhook.ID == id {
			return true
		}
	}
	return false
}

// Bindings.

func (l *loop) setBindings(cfgs []config.BindingConfig, keep map[string]*binding) {
	l.bindings = make([]*binding, 0, len(cfgs))
	l.byID = make(map[string]*binding, len(cfgs))
	l.byChannel = make(map[string]*binding, len(cfgs))
	for _, cfg := range cfgs {
		b := keep[cfg.BindingID]
		if b == nil {
			b = newBinding(cfg)
		}
		l.bindings = append(l.bindings, b)
		l.byID[b.BindingID] = b
		l.byChannel[b.ChannelID] = b
	}
}

func (l *loop) applyBindings(cfgs []config.BindingConfig) {
	next := make(map[string]config.BindingConfig, len(cfgs))
	for _, cfg := range cfgs {
		next[cfg.BindingID] = cfg
	}

	keep := make(map[string]*binding)
	for _, b := range l.bindings {
		if cfg, ok := next[b.BindingID]; ok && cfg == b.BindingConfig {
			keep[b.BindingID] = b
			continue
		}
		l.remove(b)
	}
	l.setBindings(cfgs, keep)
	l.log.Info("Bindings updated", zap.Int("bindings", len(l.bindings)), zap.Int("kept", len(keep)))

	if l.state() == StateConnected {
		l.reconcilePending()
	}
}

// remove fails the binding's queued commands and deletes its webhook.
func (l *loop) remove(b *binding) {
	l.failQueued(b, l.bindingError(b.BindingID, errors.New("binding removed from configuration")))
	if b.webhook == nil || l.conn == nil {
		return
	}
	ctx, cancel := l.requestCtx()
	defer cancel()
	if err := l.conn.DeleteWebhook(ctx, b.webhook.ID); err != nil && !errors.Is(err, discord.ErrNotFound) {
		l.log.Warn("Failed to delete webhook of removed binding",
			zap.String("binding", b.BindingID),
			zap.Error(err))
		return
	}
	l.log.Info("Deleted webhook of removed binding", zap.String("binding", b.BindingID))
}

func (l *loop) lose(b *binding, reason string) {
	if b.status == BindingLost {
		return
	}
	b.invalidate(BindingLost, reason)
	l.failQueued(b, l.bindingError(b.BindingID, errors.New(reason)))
	l.log.Warn("Binding lost",
		zap.String("binding", b.BindingID),
		zap.String("channel", b.ChannelID),
		zap.String("reason", reason))
	l.s.publish(&bus.Event{
		Type:      bus.EventBindingLost,
		GuildID:   b.GuildID,
		ChannelID: b.ChannelID,
		BindingID: b.BindingID,
		Reason:    reason,
	})
}

func (l *loop) markUnusable(b *binding, cause error) {
	b.invalidate(BindingUnusable, cause.Error())
	l.failQueued(b, l.bindingError(b.BindingID, cause))
	l.log.Warn("Binding unusable",
		zap.String("binding", b.BindingID),
		zap.String("channel", b.ChannelID),
		zap.Error(cause))
	l.s.publish(&bus.Event{
		Type:      bus.EventBindingUnusable,
		GuildID:   b.GuildID,
		ChannelID: b.ChannelID,
		BindingID: b.BindingID,
		Reason:    cause.Error(),
	})
}

// reconcilePending verifies each pending binding once. A transient failure
// degrades the session; the remaining bindings stay pending.
func (l *loop) reconcilePending() {
	for _, b := range l.bindings {
		if b.status != BindingPending || l.conn == nil {
			continue
		}
		if err := l.reconcile(b); err != nil {
			l.log.Warn("Binding reconciliation deferred",
				zap.String("binding", b.BindingID),
				zap.Error(err))
			wait, _ := discord.RetryAfter(err)
			l.degrade("reconciliation failed", wait)
			return
		}
	}
}

// reconcile checks the channel and the stored webhook, provisioning a
// webhook when needed. Only transient failures are returned; every other
// outcome is recorded on the binding.
func (l *loop) reconcile(b *binding) error {
	ctx, cancel := l.requestCtx()
	defer cancel()

	ch, err := l.conn.Channel(ctx, b.ChannelID)
	switch {
	case errors.Is(err, discord.ErrNotFound):
		l.lose(b, "channel not found")
		return nil
	case err != nil && discord.IsTransient(err):
		return err
	case err != nil:
		l.markUnusable(b, fmt.Errorf("checking channel: %w", err))
		return nil
	}
	if ch.GuildID != b.GuildID {
		l.markUnusable(b, fmt.Errorf("channel %s belongs to guild %s, not %s", b.ChannelID, ch.GuildID, b.GuildID))
		return nil
	}

	if stored := b.webhook; stored != nil {
		current, err := l.conn.Webhook(ctx, stored.ID)
		switch {
		case err == nil && current.OwnerID == l.conn.SelfID() && current.ChannelID == b.ChannelID:
			if current.Token == "" {
				current.Token = stored.Token
			}
			b.activate(current)
			return nil
		case err != nil && !errors.Is(err, discord.ErrNotFound) && discord.IsTransient(err):
			return err
		}
		b.webhook = nil
	}

	return l.provision(ctx, b)
}

// provision reuses a webhook this bot already owns in the channel or creates one.
func (l *loop) provision(ctx context.Context, b *binding) error {
	hooks, err := l.conn.ChannelWebhooks(ctx, b.ChannelID)
	switch {
	case errors.Is(err, discord.ErrNotFound):
		l.lose(b, "channel not found")
		return nil
	case err != nil && discord.IsTransient(err):
		return err
	case err != nil:
		l.markUnusable(b, fmt.Errorf("listing webhooks: %w", err))
		return nil
	}

	self := l.conn.SelfID()
	for _, hook := range hooks {
		if hook.OwnerID == self && hook.Token != "" {
			b.activate(hook)
			l.log.Debug("Reusing owned webhook",
				zap.String("binding", b.BindingID),
				zap.String("webhook", hook.ID))
			return nil
		}
	}

	hook, err := l.conn.CreateWebhook(ctx, b.ChannelID, l.s.identity.DisplayName)
	switch {
	case err != nil && discord.IsTransient(err):
		return err
	case err != nil:
		l.markUnusable(b, fmt.Errorf("creating webhook: %w", err))
		return nil
	}
	b.activate(hook)
	l.log.Info("Webhook created",
		zap.String("binding", b.BindingID),
		zap.String("channel", b.ChannelID),
		zap.String("webhook", hook.ID))
	return nil
}

// Outbound commands.

func (l *loop) bindingError(id string, err error) *BindingError {
	return &BindingError{Session: l.s.identity.Name, BindingID: id, Err: err}
}

func (l *loop) accept(req *request) {
	b := l.byID[req.cmd.BindingID]
	switch {
	case b == nil:
		req.reply(Ack{}, l.bindingError(req.cmd.BindingID, ErrUnknownBinding))
	case !b.usable():
		req.reply(Ack{}, l.bindingError(b.BindingID, errors.New(b.reason)))
	case len(l.queue) >= l.s.opts.QueueSize:
		req.reply(Ack{}, fmt.Errorf("%w: %d commands queued for session %s",
			ErrRateLimited, len(l.queue), l.s.identity.Name))
	default:
		l.queue = append(l.queue, req)
	}
}

func (l *loop) canDeliver() bool {
	return len(l.queue) > 0 && l.conn != nil && l.state() == StateConnected
}

func (l *loop) pop() *request {
	req := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return req
}

func (l *loop) failQueued(b *binding, err error) {
	kept := l.queue[:0]
	for _, req := range l.queue {
		if req.cmd.BindingID == b.BindingID {
			req.reply(Ack{}, err)
			continue
		}
		kept = append(kept, req)
	}
	for i := len(kept); i < len(l.queue); i++ {
		l.queue[i] = nil
	}
	l.queue = kept
}

// deliverHead tries the oldest command. It leaves the command queued when
// the session has to wait before retrying.
func (l *loop) deliverHead() {
	req := l.queue[0]
	b := l.byID[req.cmd.BindingID]
	if b == nil || !b.usable() {
		l.pop()
		reason := "binding removed from configuration"
		if b != nil {
			reason = b.reason
		}
		req.reply(Ack{}, l.bindingError(req.cmd.BindingID, errors.New(reason)))
		return
	}

	if b.status == BindingPending {
		if err := l.reconcile(b); err != nil {
			wait, _ := discord.RetryAfter(err)
			l.degrade("reconciliation failed", wait)
			return
		}
		if !b.usable() {
			return
		}
	}

	id, err := l.execute(b, req.cmd)
	if err == nil {
		l.delivered(req, id)
		return
	}
	if errors.Is(err, discord.ErrNotFound) {
		l.recreate(b, req)
		return
	}
	l.onSendError(req, err)
}

func (l *loop) execute(b *binding, cmd Command) (string, error) {
	ctx, cancel := l.requestCtx()
	defer cancel()
	return l.conn.ExecuteWebhook(ctx, b.webhook, discord.WebhookMessage{
		Username: cmd.Author,
		Content:  cmd.Content,
	})
}

func (l *loop) delivered(req *request, messageID string) {
	l.pop()
	l.retry.Reset()
	req.reply(Ack{MessageID: messageID}, nil)
}

// recreate handles a webhook that disappeared: the channel is checked, one
// new webhook is provisioned and the command is tried once more.
func (l *loop) recreate(b *binding, req *request) {
	ctx, cancel := l.requestCtx()
	_, err := l.conn.Channel(ctx, b.ChannelID)
	cancel()
	if errors.Is(err, discord.ErrNotFound) {
		l.lose(b, "channel not found")
		return
	}

	l.log.Info("Webhook missing, recreating", zap.String("binding", b.BindingID))
	b.webhook = nil
	b.status = BindingPending

	ctx, cancel = l.requestCtx()
	err = l.provision(ctx, b)
	cancel()
	if err != nil {
		wait, _ := discord.RetryAfter(err)
		l.degrade("webhook recreation failed", wait)
		return
	}
	if !b.usable() {
		return
	}

	id, err := l.execute(b, req.cmd)
	switch {
	case err == nil:
		l.delivered(req, id)
	case errors.Is(err, discord.ErrNotFound):
		l.markUnusable(b, fmt.Errorf("recreated webhook rejected: %w", err))
	default:
		l.onSendError(req, err)
	}
}

func (l *loop) onSendError(req *request, err error) {
	if l.ctx.Err() != nil {
		// Stopping; the command is discarded by shutdown.
		return
	}

	switch {
	case discord.Undelivered(err):
		req.attempts++
		msg := "Send failed, retrying"
		if req.attempts >= l.s.opts.SendAttempts {
			msg = "Send failed, giving up"
			l.pop()
			req.reply(Ack{}, l.bindingError(req.cmd.BindingID,
				fmt.Errorf("giving up after %d attempts: %w", req.attempts, err)))
		}
		l.log.Warn(msg,
			zap.String("binding", req.cmd.BindingID),
			zap.Int("attempt", req.attempts),
			zap.Error(err))
		wait, _ := discord.RetryAfter(err)
		l.degrade(sendFailureReason(err), wait)
	case discord.IsTransient(err):
		// The message may have been posted; resending could duplicate it.
		l.pop()
		req.reply(Ack{}, l.bindingError(req.cmd.BindingID, fmt.Errorf("outcome unknown, not resent: %w", err)))
		l.degrade(sendFailureReason(err), 0)
	default:
		l.pop()
		req.reply(Ack{}, l.bindingError(req.cmd.BindingID, err))
	}
}

func sendFailureReason(err error) string {
	if _, ok := discord.RetryAfter(err); ok {
		return "rate limited"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "transport error"
}
