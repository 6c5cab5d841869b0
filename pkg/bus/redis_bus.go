package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"livechat/pkg/logger"
)

// DefaultRedisPrefix namespaces the pub/sub channels, one per session.
const DefaultRedisPrefix = "livechat:events:"

// publishTimeout bounds a single PUBLISH so a slow server cannot stall the
// publishing session.
const publishTimeout = 250 * time.Millisecond

// RedisBus is a Redis-based event bus using pub/sub. Every replica publishes
// its sessions' events and fans out everything it receives to its own
// subscribers.
type RedisBus struct {
	log    *logger.Logger
	client *redis.Client
	prefix string
	hub    *hub

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Pub/Sub
	pubsub *redis.PubSub

	// Metrics
	published   uint64
	received    uint64
	errors      uint64
	metricsLock sync.RWMutex
}

// RedisBusConfig configures the Redis bus.
type RedisBusConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedisBus creates a new Redis-based event bus.
func NewRedisBus(log *logger.Logger, cfg *RedisBusConfig) (*RedisBus, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultRedisPrefix
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to Redis: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	b := &RedisBus{
		log:    log,
		client: client,
		prefix: cfg.Prefix,
		hub:    newHub(),
		ctx:    ctx,
		cancel: cancel,
	}

	log.Info("Redis bus initialized",
		zap.String("addr", cfg.Addr),
		zap.Int("db", cfg.DB),
		zap.String("prefix", cfg.Prefix))

	return b, nil
}

// Start subscribes to every session channel under the prefix.
func (b *RedisBus) Start() error {
	b.log.Info("Starting Redis event bus")

	b.pubsub = b.client.PSubscribe(b.ctx, b.prefix+"*")
	if _, err := b.pubsub.Receive(b.ctx); err != nil {
		return fmt.Errorf("subscribing to Redis: %w", err)
	}

	b.wg.Add(1)
	go b.processMessages()

	return nil
}

// Stop stops the Redis bus.
func (b *RedisBus) Stop() error {
	b.log.Info("Stopping Redis event bus")

	b.cancel()

	if b.pubsub != nil {
		b.pubsub.Close()
	}

	b.wg.Wait()
	b.hub.closeAll()

	b.client.Close()

	b.log.Info("Redis event bus stopped")
	return nil
}

// Publish sends the event to <prefix><session>.
func (b *RedisBus) Publish(ev *Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	ctx, cancel := context.WithTimeout(b.ctx, publishTimeout)
	defer cancel()
	if err := b.client.Publish(ctx, b.channel(ev.Session), data).Err(); err != nil {
		b.incrementErrors()
		return fmt.Errorf("publishing to Redis: %w", err)
	}

	b.incrementPublished()
	return nil
}

// Subscribe opens a local subscription fed from Redis.
func (b *RedisBus) Subscribe(session string, buffer int) *Subscription {
	return b.hub.subscribe(session, buffer)
}

func (b *RedisBus) channel(session string) string {
	return b.prefix + session
}

// GetMetrics returns current bus metrics.
func (b *RedisBus) GetMetrics() map[string]uint64 {
	b.metricsLock.RLock()
	defer b.metricsLock.RUnlock()

	return map[string]uint64{
		"published":   b.published,
		"received":    b.received,
		"delivered":   b.hub.delivered.Load(),
		"dropped":     b.hub.dropped.Load(),
		"errors":      b.errors,
		"subscribers": uint64(b.hub.count()),
	}
}

func (b *RedisBus) processMessages() {
	defer b.wg.Done()

	ch := b.pubsub.Channel()

	for {
		select {
		case redisMsg, ok := <-ch:
			if !ok {
				return
			}

			b.handleRedisMessage(redisMsg)

		case <-b.ctx.Done():
			return
		}
	}
}

func (b *RedisBus) handleRedisMessage(redisMsg *redis.Message) {
	if !strings.HasPrefix(redisMsg.Channel, b.prefix) {
		b.log.Warn("Unknown channel format", zap.String("channel", redisMsg.Channel))
		return
	}

	var ev Event
	if err := json.Unmarshal([]byte(redisMsg.Payload), &ev); err != nil {
		b.log.Error("Failed to unmarshal event", zap.Error(err))
		b.incrementErrors()
		return
	}
	if ev.Session == "" {
		ev.Session = strings.TrimPrefix(redisMsg.Channel, b.prefix)
	}

	b.incrementReceived()
	b.hub.dispatch(&ev)
}

func (b *RedisBus) incrementPublished() {
	b.metricsLock.Lock()
	b.published++
	b.metricsLock.Unlock()
}

func (b *RedisBus) incrementReceived() {
	b.metricsLock.Lock()
	b.received++
	b.metricsLock.Unlock()
}

func (b *RedisBus) incrementErrors() {
	b.metricsLock.Lock()
	b.errors++
	b.metricsLock.Unlock()
}
