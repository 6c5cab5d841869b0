package bus

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// DefaultSubscriptionBuffer is used when Subscribe is called with a non-positive buffer.
const DefaultSubscriptionBuffer = 64

// Subscription is one subscriber's view of the event stream. C is closed
// when the subscription or the bus is closed.
type Subscription struct {
	ID      string
	Session string
	C       <-chan *Event

	ch      chan *Event
	hub     *hub
	dropped atomic.Uint64
	once    sync.Once
}

// Close stops delivery to this subscription. It is safe to call more than
// once and from any goroutine; the session is not affected.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
	})
}

// Dropped returns how many events were dropped because the buffer was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Subscription) matches(ev *Event) bool {
	return s.Session == AllSessions || s.Session == ev.Session
}

// hub holds the local subscribers of a bus backend.
type hub struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

func newHub() *hub {
	return &hub{subs: make(map[string]*Subscription)}
}

func (h *hub) subscribe(session string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultSubscriptionBuffer
	}
	if session == "" {
		session = AllSessions
	}

	ch := make(chan *Event, buffer)
	sub := &Subscription{
		ID:      uuid.NewString(),
		Session: session,
		C:       ch,
		ch:      ch,
		hub:     h,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return sub
	}
	h.subs[sub.ID] = sub
	return sub
}

// dispatch never blocks: a full subscriber buffer drops the event for that
// subscriber only.
func (h *hub) dispatch(ev *Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !sub.matches(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
			h.delivered.Add(1)
		default:
			sub.dropped.Add(1)
			h.dropped.Add(1)
		}
	}
}

func (h *hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub.ID]; !ok {
		return
	}
	delete(h.subs, sub.ID)
	close(sub.ch)
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub.ch)
	}
}
