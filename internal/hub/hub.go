// Package hub fans classified events out to live viewers. Each subscriber
// has its own bounded queue; a viewer that cannot keep up is disconnected
// rather than ever blocking ingestion or other viewers.
package hub

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/MaayanCohen0/Traffix/internal/model"
)

const sendQueueSize = 64

// Subscriber is one live viewer connection. Events arrive on C; the
// channel is closed when the subscriber is dropped.
type Subscriber struct {
	ID string
	// AgentFilter limits delivery to one agent id when non-empty.
	AgentFilter string

	c chan model.TrafficEvent
}

// C returns the subscriber's event channel.
func (s *Subscriber) C() <-chan model.TrafficEvent { return s.c }

// Hub owns the subscriber set. All mutation goes through the run loop.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}

	register   chan *Subscriber
	unregister chan *Subscriber
	broadcast  chan model.TrafficEvent
	done       chan struct{}

	onDrop  func()
	onCount func(int)
	logger  *slog.Logger
}

// New creates a hub. onDrop is invoked per event lost to a slow
// subscriber, onCount with the subscriber total after each change; either
// may be nil.
func New(onDrop func(), onCount func(int), logger *slog.Logger) *Hub {
	if onDrop == nil {
		onDrop = func() {}
	}
	if onCount == nil {
		onCount = func(int) {}
	}
	return &Hub{
		subscribers: make(map[*Subscriber]struct{}),
		register:    make(chan *Subscriber, 64),
		unregister:  make(chan *Subscriber, 64),
		broadcast:   make(chan model.TrafficEvent, 256),
		done:        make(chan struct{}),
		onDrop:      onDrop,
		onCount:     onCount,
		logger:      logger,
	}
}

// Run processes registrations and broadcasts until ctx is cancelled, then
// closes every subscriber channel.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for sub := range h.subscribers {
				close(sub.c)
				delete(h.subscribers, sub)
			}
			h.mu.Unlock()
			h.onCount(0)
			// Registrations that raced shutdown still get a closed channel.
			for {
				select {
				case sub := <-h.register:
					close(sub.c)
				default:
					close(h.done)
					return
				}
			}
		case sub := <-h.register:
			h.mu.Lock()
			h.subscribers[sub] = struct{}{}
			n := len(h.subscribers)
			h.mu.Unlock()
			h.onCount(n)
			h.logger.Debug("subscriber connected", "subscriber_id", sub.ID, "agent_filter", sub.AgentFilter)
		case sub := <-h.unregister:
			h.drop(sub, "disconnected")
		case ev := <-h.broadcast:
			h.deliver(ev)
		}
	}
}

// Register creates a subscriber with an optional agent-id filter. After the
// hub has shut down the subscriber's channel comes back already closed.
func (h *Hub) Register(agentFilter string) *Subscriber {
	sub := &Subscriber{
		ID:          uuid.NewString(),
		AgentFilter: agentFilter,
		c:           make(chan model.TrafficEvent, sendQueueSize),
	}
	select {
	case h.register <- sub:
	case <-h.done:
		close(sub.c)
	}
	return sub
}

// Unregister drops a subscriber. Safe to call for an already-dropped one,
// and a no-op once the hub has shut down (Run already closed every
// subscriber channel).
func (h *Hub) Unregister(sub *Subscriber) {
	select {
	case h.unregister <- sub:
	case <-h.done:
	}
}

// Broadcast hands an event to the fan-out loop without blocking the
// caller. If the hub's own queue is full the event is not delivered live;
// persistence is unaffected.
func (h *Hub) Broadcast(ev model.TrafficEvent) {
	select {
	case h.broadcast <- ev:
	default:
		h.onDrop()
	}
}

func (h *Hub) deliver(ev model.TrafficEvent) {
	h.mu.RLock()
	var stalled []*Subscriber
	for sub := range h.subscribers {
		if sub.AgentFilter != "" && sub.AgentFilter != ev.AgentID {
			continue
		}
		select {
		case sub.c <- ev:
		default:
			stalled = append(stalled, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range stalled {
		h.onDrop()
		h.drop(sub, "send queue full")
	}
}

func (h *Hub) drop(sub *Subscriber, reason string) {
	h.mu.Lock()
	_, ok := h.subscribers[sub]
	if ok {
		delete(h.subscribers, sub)
		close(sub.c)
	}
	n := len(h.subscribers)
	h.mu.Unlock()

	if ok {
		h.onCount(n)
		h.logger.Debug("subscriber dropped", "subscriber_id", sub.ID, "reason", reason)
	}
}

// Count returns the number of connected subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}
