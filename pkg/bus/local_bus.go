package bus

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"livechat/pkg/logger"
)

var (
	// ErrQueueFull is returned by Publish when the dispatch queue has no room.
	// The event is dropped and counted as overflow.
	ErrQueueFull = errors.New("event queue full")
	// ErrStopped is returned by Publish after Stop.
	ErrStopped = errors.New("bus is shutting down")
)

// LocalBus is a local in-process event bus using Go channels.
type LocalBus struct {
	log    *logger.Logger
	hub    *hub
	events chan *Event

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Metrics
	published   uint64
	overflow    uint64
	metricsLock sync.RWMutex
}

// NewLocalBus creates a new local event bus.
func NewLocalBus(log *logger.Logger, bufferSize int) *LocalBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &LocalBus{
		log:    log,
		hub:    newHub(),
		events: make(chan *Event, bufferSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start starts the dispatch loop.
func (b *LocalBus) Start() error {
	b.log.Info("Starting event bus")

	b.wg.Add(1)
	go b.process()

	return nil
}

// Stop stops the bus, waits for the dispatch loop and closes every subscription.
func (b *LocalBus) Stop() error {
	b.log.Info("Stopping event bus")

	b.cancel()
	b.wg.Wait()
	b.hub.closeAll()

	b.log.Info("Event bus stopped")
	return nil
}

// Publish queues an event for dispatch without blocking. A full queue
// drops the event.
func (b *LocalBus) Publish(ev *Event) error {
	if b.ctx.Err() != nil {
		return ErrStopped
	}

	select {
	case b.events <- ev:
		b.incrementPublished()
		return nil
	default:
		b.metricsLock.Lock()
		b.overflow++
		b.metricsLock.Unlock()
		return ErrQueueFull
	}
}

// Subscribe opens a subscription for one session or AllSessions.
func (b *LocalBus) Subscribe(session string, buffer int) *Subscription {
	sub := b.hub.subscribe(session, buffer)
	b.log.Debug("Subscriber added",
		zap.String("subscription", sub.ID),
		zap.String("session", sub.Session))
	return sub
}

func (b *LocalBus) process() {
	defer b.wg.Done()

	for {
		select {
		case ev := <-b.events:
			b.log.Debug("Dispatching event",
				zap.String("session", ev.Session),
				zap.String("type", string(ev.Type)),
				zap.String("event_id", ev.ID))
			b.hub.dispatch(ev)

		case <-b.ctx.Done():
			return
		}
	}
}

// GetMetrics returns current bus metrics.
func (b *LocalBus) GetMetrics() map[string]uint64 {
	b.metricsLock.RLock()
	defer b.metricsLock.RUnlock()

	return map[string]uint64{
		"published":   b.published,
		"delivered":   b.hub.delivered.Load(),
		"dropped":     b.hub.dropped.Load(),
		"overflow":    b.overflow,
		"subscribers": uint64(b.hub.count()),
	}
}

func (b *LocalBus) incrementPublished() {
	b.metricsLock.Lock()
	b.published++
	b.metricsLock.Unlock()
}
