package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"livechat/pkg/bus"
	"livechat/pkg/config"
	"livechat/pkg/discord"
	"livechat/pkg/logger"
)

// Registry owns every session, keyed by bot name.
type Registry struct {
	log             *logger.Logger
	client          discord.Client
	bus             bus.Bus
	opts            Options
	shutdownTimeout time.Duration

	sessions map[string]*Session
	mu       sync.RWMutex
	started  bool
}

// Load reads <dir>/configuration.json and builds a registry from it. Every
// configuration problem is reported in one config.ValidationErrors.
func Load(dir string, client discord.Client, eventBus bus.Bus, log *logger.Logger) (*Registry, *config.Config, error) {
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, nil, err
	}
	reg, err := NewRegistry(cfg, client, eventBus, log)
	if err != nil {
		return nil, nil, err
	}
	return reg, cfg, nil
}

// NewRegistry validates every bot entry, then constructs one session per bot.
// Nothing is constructed when any entry is invalid.
func NewRegistry(cfg *config.Config, client discord.Client, eventBus bus.Bus, log *logger.Logger) (*Registry, error) {
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	identities, err := buildIdentities(cfg.Bots, log)
	if err != nil {
		return nil, err
	}

	r := &Registry{
		log:             log,
		client:          client,
		bus:             eventBus,
		opts:            OptionsFromConfig(cfg.Bridge),
		shutdownTimeout: cfg.Bridge.ShutdownTimeout(),
		sessions:        make(map[string]*Session, len(identities)),
	}
	for _, id := range identities {
		r.sessions[id.Name] = r.newSession(id)
	}

	log.Info("Session registry created", zap.Int("sessions", len(r.sessions)))
	return r, nil
}

func buildIdentities(bots []*config.BotConfig, log *logger.Logger) ([]Identity, error) {
	var verrs config.ValidationErrors
	identities := make([]Identity, 0, len(bots))
	for i, bot := range bots {
		id, err := NewIdentity(bot, log)
		if err != nil {
			var botErrs config.ValidationErrors
			if !errors.As(err, &botErrs) {
				return nil, err
			}
			for _, e := range botErrs {
				verrs = append(verrs, config.ValidationError{
					Field:   fmt.Sprintf("bots[%d].%s", i, e.Field),
					Message: e.Message,
				})
			}
			continue
		}
		identities = append(identities, id)
	}
	if len(verrs) > 0 {
		return nil, verrs
	}
	return identities, nil
}

func (r *Registry) newSession(id Identity) *Session {
	return NewSession(id, r.client, r.bus, r.log, r.opts)
}

// SetObserver installs a state observer on sessions created afterwards.
func (r *Registry) SetObserver(observer StateObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opts.Observer = observer
}

// Start connects every session. Each session connects on its own goroutine.
func (r *Registry) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = true

	for _, s := range r.sessions {
		s.Start()
	}
	if len(r.sessions) == 0 {
		r.log.Warn("No bots configured")
	} else {
		r.log.Info("Started sessions", zap.Int("count", len(r.sessions)))
	}
}

// Get returns the session named name.
func (r *Registry) Get(name string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, name)
	}
	return s, nil
}

// List returns every session sorted by name.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].Name() < sessions[j].Name() })
	return sessions
}

// Info returns the snapshot of the session named name.
func (r *Registry) Info(name string) (Info, error) {
	s, err := r.Get(name)
	if err != nil {
		return Info{}, err
	}
	return s.Info(), nil
}

// Infos returns the snapshot of every session sorted by name.
func (r *Registry) Infos() []Info {
	sessions := r.List()
	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	return infos
}

// Send routes cmd to the session named by cmd.Session.
func (r *Registry) Send(ctx context.Context, cmd Command) (Ack, error) {
	s, err := r.Get(cmd.Session)
	if err != nil {
		return Ack{}, err
	}
	return s.Send(ctx, cmd)
}

// ShutdownAll stops every session concurrently and waits until all are
// closed, ctx expires or the configured shutdown timeout passes.
func (r *Registry) ShutdownAll(ctx context.Context) error {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.started = false
	timeout := r.shutdownTimeout
	r.mu.Unlock()

	r.log.Info("Stopping sessions", zap.Int("count", len(sessions)))
	return r.stopAll(ctx, timeout, sessions)
}

func (r *Registry) stopAll(ctx context.Context, timeout time.Duration, sessions []*Session) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, s := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Stop(ctx); err != nil {
				r.log.Error("Session did not stop in time",
					zap.String("bot", s.Name()),
					zap.Error(err))
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Apply moves the registry to cfg: sessions for removed bots stop, new bots
// start, bots whose token, display name or intents changed restart, and
// binding-only changes are applied to the running session. Untouched
// sessions keep running.
func (r *Registry) Apply(ctx context.Context, cfg *config.Config) error {
	if err := config.ValidateConfig(cfg); err != nil {
		return err
	}
	identities, err := buildIdentities(cfg.Bots, r.log)
	if err != nil {
		return err
	}

	r.mu.Lock()
	opts := OptionsFromConfig(cfg.Bridge)
	opts.Observer = r.opts.Observer
	r.opts = opts
	r.shutdownTimeout = cfg.Bridge.ShutdownTimeout()

	next := make(map[string]Identity, len(identities))
	for _, id := range identities {
		next[id.Name] = id
	}

	var stopping []*Session
	var rebind []*Session
	var added, restarted int
	for name, s := range r.sessions {
		id, ok := next[name]
		switch {
		case !ok:
			stopping = append(stopping, s)
			delete(r.sessions, name)
		case !s.Identity().sameConnection(id):
			stopping = append(stopping, s)
			r.sessions[name] = r.newSession(id)
			restarted++
		case !equalBindings(s.Identity().Bindings, id.Bindings):
			rebind = append(rebind, s)
		}
	}
	for name, id := range next {
		if _, ok := r.sessions[name]; !ok {
			r.sessions[name] = r.newSession(id)
			added++
		}
	}
	started := r.started
	timeout := r.shutdownTimeout
	r.mu.Unlock()

	stopErr := r.stopAll(ctx, timeout, stopping)

	var errs []error
	if stopErr != nil {
		errs = append(errs, stopErr)
	}
	for _, s := range rebind {
		if err := s.UpdateBindings(ctx, next[s.Name()].Bindings); err != nil {
			errs = append(errs, fmt.Errorf("updating bindings of %s: %w", s.Name(), err))
		}
	}
	if started {
		r.mu.RLock()
		for _, s := range r.sessions {
			s.Start()
		}
		r.mu.RUnlock()
	}

	r.log.Info("Configuration applied",
		zap.Int("added", added),
		zap.Int("restarted", restarted),
		zap.Int("stopped", len(stopping)-restarted),
		zap.Int("rebound", len(rebind)))
	return errors.Join(errs...)
}

func equalBindings(a, b []config.BindingConfig) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
