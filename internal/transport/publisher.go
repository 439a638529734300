// Package transport carries classified events from the capture host to the
// central service over core NATS. Delivery is at-most-once: no
// acknowledgment, no retry, and a full queue drops the event silently so
// the capture path is never stalled.
package transport

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/MaayanCohen0/Traffix/internal/model"
)

// Conn is the subset of the NATS connection used by the publisher.
type Conn interface {
	Publish(subject string, data []byte) error
}

// Publisher sends TrafficEvents to a NATS subject through a bounded queue.
type Publisher struct {
	conn    Conn
	subject string
	queue   chan model.TrafficEvent
	dropped func()
	logger  *slog.Logger
}

// NewPublisher creates a publisher with the given queue capacity. onDrop is
// invoked once per event discarded on overflow; it may be nil.
func NewPublisher(conn Conn, subject string, queueSize int, onDrop func(), logger *slog.Logger) *Publisher {
	if onDrop == nil {
		onDrop = func() {}
	}
	return &Publisher{
		conn:    conn,
		subject: subject,
		queue:   make(chan model.TrafficEvent, queueSize),
		dropped: onDrop,
		logger:  logger,
	}
}

// Publish enqueues an event without blocking. Overflow drops the event.
func (p *Publisher) Publish(ev model.TrafficEvent) {
	select {
	case p.queue <- ev:
	default:
		p.dropped()
		p.logger.Debug("transport queue full, event dropped", "agent_id", ev.AgentID)
	}
}

// Run drains the queue onto the wire until ctx is cancelled. Publish
// failures are logged and the event is lost.
func (p *Publisher) Run(ctx context.Context) {
	p.logger.Info("transport publisher started", "subject", p.subject)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("transport publisher stopped")
			return
		case ev := <-p.queue:
			data, err := json.Marshal(ev)
			if err != nil {
				p.logger.Error("event marshal failed", "error", err)
				continue
			}
			if err := p.conn.Publish(p.subject, data); err != nil {
				p.logger.Debug("publish failed, event lost", "error", err)
			}
		}
	}
}

// QueueLen reports the number of events waiting to be sent.
func (p *Publisher) QueueLen() int { return len(p.queue) }

var _ Conn = (*nats.Conn)(nil)
