package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"livechat/pkg/bus"
	"livechat/pkg/config"
	"livechat/pkg/discord"
	"livechat/pkg/logger"
)

// Options tunes a session. Zero values take the defaults of config.BridgeConfig.
type Options struct {
	// Reconnect shapes the delay between connection attempts.
	Reconnect Backoff
	// Retry shapes the delay before a degraded session retries a send.
	Retry Backoff
	// QueueSize bounds the outbound FIFO.
	QueueSize int
	// SendAttempts bounds how often one command is tried.
	SendAttempts int
	// RequestTimeout bounds one REST call.
	RequestTimeout time.Duration
	// Observer, if set, sees every state transition.
	Observer StateObserver
}

// OptionsFromConfig converts the bridge section of the configuration.
func OptionsFromConfig(cfg config.BridgeConfig) Options {
	return Options{
		Reconnect: Backoff{
			Base:       cfg.BackoffBase(),
			Max:        cfg.BackoffMax(),
			ResetAfter: cfg.BackoffResetAfter(),
			Jitter:     DefaultJitter,
		},
		Retry: Backoff{
			Base:       cfg.BackoffBase(),
			Max:        cfg.BackoffMax(),
			ResetAfter: cfg.BackoffResetAfter(),
			Jitter:     DefaultJitter,
		},
		QueueSize:      cfg.Queue(),
		SendAttempts:   cfg.Attempts(),
		RequestTimeout: cfg.SendTimeout(),
	}
}

func (o Options) withDefaults() Options {
	def := OptionsFromConfig(config.BridgeConfig{})
	if o.Reconnect.Base <= 0 {
		o.Reconnect = def.Reconnect
	}
	if o.Retry.Base <= 0 {
		o.Retry = def.Retry
	}
	if o.QueueSize <= 0 {
		o.QueueSize = def.QueueSize
	}
	if o.SendAttempts <= 0 {
		o.SendAttempts = def.SendAttempts
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = def.RequestTimeout
	}
	return o
}

// Info is a point-in-time snapshot of a session.
type Info struct {
	Name        string        `json:"name"`
	DisplayName string        `json:"display_name"`
	State       State         `json:"state"`
	Reason      string        `json:"reason,omitempty"`
	Queued      int           `json:"queued"`
	Bindings    []BindingInfo `json:"bindings"`
}

// Session bridges one bot. A single run goroutine owns the connection, the
// bindings and the outbound queue; every other method talks to it through
// channels or reads the last published snapshot.
type Session struct {
	identity Identity
	client   discord.Client
	bus      bus.Bus
	log      *logger.Logger
	opts     Options

	submit  chan *request
	updates chan bindingUpdate
	stop    chan struct{}
	done    chan struct{}

	stopOnce sync.Once
	lifeMu   sync.Mutex
	started  bool

	mu       sync.RWMutex
	state    State
	reason   string
	queued   int
	bindings []BindingInfo
}

type request struct {
	id       string
	cmd      Command
	attempts int
	result   chan result
}

type result struct {
	ack Ack
	err error
}

// reply never blocks; the caller may have stopped waiting.
func (r *request) reply(ack Ack, err error) {
	ack.CommandID = r.id
	select {
	case r.result <- result{ack: ack, err: err}:
	default:
	}
}

type bindingUpdate struct {
	bindings []config.BindingConfig
	applied  chan struct{}
}

// NewSession creates a stopped session. Start connects it.
func NewSession(identity Identity, client discord.Client, eventBus bus.Bus, log *logger.Logger, opts Options) *Session {
	s := &Session{
		identity: identity,
		client:   client,
		bus:      eventBus,
		log:      log.WithFields(zap.String("bot", identity.Name)),
		opts:     opts.withDefaults(),
		submit:   make(chan *request),
		updates:  make(chan bindingUpdate),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		state:    StateDisconnected,
	}
	for _, b := range identity.Bindings {
		s.bindings = append(s.bindings, newBinding(b).info())
	}
	return s
}

// Name returns the bot name.
func (s *Session) Name() string { return s.identity.Name }

// Identity returns the identity including the current bindings.
func (s *Session) Identity() Identity {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	return s.identity
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Info{
		Name:        s.identity.Name,
		DisplayName: s.identity.DisplayName,
		State:       s.state,
		Reason:      s.reason,
		Queued:      s.queued,
		Bindings:    append([]BindingInfo(nil), s.bindings...),
	}
}

// Done is closed once the session reached StateClosed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Start launches the run goroutine. It is a no-op after the first call or
// after Stop.
func (s *Session) Start() {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.started {
		return
	}
	s.started = true

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-s.done:
		}
	}()
	go s.run(ctx, cancel)
}

// Stop shuts the session down and waits until it is closed or ctx expires.
// Queued commands are discarded with ErrSessionClosed. Safe to call
// concurrently and more than once.
func (s *Session) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })

	s.lifeMu.Lock()
	if !s.started {
		s.started = true
		s.transition(StateShuttingDown, "")
		s.transition(StateClosed, "")
		close(s.done)
	}
	s.lifeMu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stopping session %s: %w", s.identity.Name, ctx.Err())
	}
}

// Send queues cmd and waits for its outcome. When ctx expires while the
// command is still queued, Send returns an Ack with Queued set and the
// command stays in the queue.
func (s *Session) Send(ctx context.Context, cmd Command) (Ack, error) {
	if err := cmd.Validate(); err != nil {
		return Ack{}, err
	}
	req := &request{id: uuid.NewString(), cmd: cmd, result: make(chan result, 1)}

	select {
	case s.submit <- req:
	case <-s.done:
		return Ack{}, fmt.Errorf("%w: %s", ErrSessionClosed, s.identity.Name)
	case <-ctx.Done():
		return Ack{}, ctx.Err()
	}

	select {
	case res := <-req.result:
		return res.ack, res.err
	case <-ctx.Done():
		return Ack{CommandID: req.id, Queued: true}, nil
	}
}

// UpdateBindings replaces the binding set without reconnecting. Removed
// bindings lose their queued commands and their webhook is deleted.
func (s *Session) UpdateBindings(ctx context.Context, bindings []config.BindingConfig) error {
	upd := bindingUpdate{bindings: bindings, applied: make(chan struct{})}
	select {
	case s.updates <- upd:
	case <-s.done:
		return fmt.Errorf("%w: %s", ErrSessionClosed, s.identity.Name)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-upd.applied:
		s.lifeMu.Lock()
		s.identity.Bindings = append([]config.BindingConfig(nil), bindings...)
		s.lifeMu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// transition moves the state machine along one edge. Invalid edges are
// refused and logged.
func (s *Session) transition(to State, reason string) bool {
	s.mu.Lock()
	from := s.state
	if !validTransition(from, to) {
		s.mu.Unlock()
		s.log.Error("Invalid state transition refused",
			zap.String("from", string(from)),
			zap.String("to", string(to)))
		return false
	}
	s.state = to
	s.reason = reason
	s.mu.Unlock()

	s.log.Info("Session state changed",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason))

	if s.opts.Observer != nil {
		s.opts.Observer(from, to, reason)
	}
	s.publish(&bus.Event{Type: bus.EventState, State: string(to), Reason: reason})
	return true
}

func (s *Session) publish(ev *bus.Event) {
	if s.bus == nil {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	ev.Session = s.identity.Name
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if err := s.bus.Publish(ev); err != nil {
		s.log.Warn("Failed to publish event",
			zap.String("type", string(ev.Type)),
			zap.Error(err))
	}
}

func (s *Session) setSnapshot(queued int, bindings []BindingInfo) {
	s.mu.Lock()
	s.queued = queued
	s.bindings = bindings
	s.mu.Unlock()
}
