// Package ingest receives classified events from the transport, persists
// them, registers the sending agent, and hands the event to the live
// fan-out. Persistence and broadcast are independent: a store failure is
// logged and counted while the event is still broadcast.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/MaayanCohen0/Traffix/internal/dynconfig"
	"github.com/MaayanCohen0/Traffix/internal/metrics"
	"github.com/MaayanCohen0/Traffix/internal/model"
)

// EventStore is the slice of the durable store the ingestion path writes
// through. RecordEvent covers agent registration and the event append as
// one in-flight write.
type EventStore interface {
	RecordEvent(ctx context.Context, name, address string, ev *model.TrafficEvent) error
}

// Broadcaster delivers an event to live subscribers without blocking.
type Broadcaster interface {
	Broadcast(ev model.TrafficEvent)
}

const handleTimeout = 5 * time.Second

// Handler processes one decoded transport message.
type Handler struct {
	store   EventStore
	hub     Broadcaster
	config  *dynconfig.Manager
	metrics *metrics.Service
	schema  *jsonschema.Schema
	logger  *slog.Logger
}

// NewHandler creates a message handler.
func NewHandler(store EventStore, hub Broadcaster, config *dynconfig.Manager, m *metrics.Service, logger *slog.Logger) (*Handler, error) {
	schema, err := compileEventSchema()
	if err != nil {
		return nil, err
	}
	return &Handler{
		store:   store,
		hub:     hub,
		config:  config,
		metrics: m,
		schema:  schema,
		logger:  logger,
	}, nil
}

// Handle validates, persists, and broadcasts one raw message.
func (h *Handler) Handle(ctx context.Context, data []byte) {
	h.metrics.EventsReceived.Inc()

	ev, err := h.decode(data)
	if err != nil {
		h.metrics.EventsInvalid.Inc()
		h.logger.Warn("invalid event dropped", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	name := h.config.Current().AgentName(ev.AgentID)
	address := agentAddress(ev)

	if err := h.store.RecordEvent(ctx, name, address, &ev); err != nil {
		h.metrics.StoreErrors.Inc()
		h.logger.Error("event persist failed", "agent_id", ev.AgentID, "error", err)
	} else {
		h.metrics.EventsPersisted.Inc()
	}

	// Live delivery happens regardless of persistence outcome.
	h.hub.Broadcast(ev)
}

func (h *Handler) decode(data []byte) (model.TrafficEvent, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return model.TrafficEvent{}, fmt.Errorf("not JSON: %w", err)
	}
	if err := h.schema.Validate(raw); err != nil {
		return model.TrafficEvent{}, fmt.Errorf("schema validation: %w", err)
	}

	var ev model.TrafficEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return model.TrafficEvent{}, fmt.Errorf("decode event: %w", err)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	return ev, nil
}

// agentAddress derives the agent's network address from the flow: the
// local side of the observed traffic.
func agentAddress(ev model.TrafficEvent) string {
	if ev.Direction == model.DirOut {
		return ev.SrcIP
	}
	return ev.DstIP
}

// Subscriber consumes the transport subject on a queue group so multiple
// service replicas split the stream.
type Subscriber struct {
	nc      *nats.Conn
	subject string
	queue   string
	handler *Handler
	logger  *slog.Logger

	sub *nats.Subscription
}

// NewSubscriber creates a subscriber for the given subject and queue group.
func NewSubscriber(nc *nats.Conn, subject, queue string, handler *Handler, logger *slog.Logger) *Subscriber {
	return &Subscriber{
		nc:      nc,
		subject: subject,
		queue:   queue,
		handler: handler,
		logger:  logger,
	}
}

// Subscribe starts consuming until ctx is cancelled, then drains the
// subscription so in-flight messages finish.
func (s *Subscriber) Subscribe(ctx context.Context) error {
	sub, err := s.nc.QueueSubscribe(s.subject, s.queue, func(msg *nats.Msg) {
		s.handler.Handle(ctx, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.subject, err)
	}
	s.sub = sub
	s.logger.Info("subscribed to event stream", "subject", s.subject, "queue", s.queue)

	<-ctx.Done()

	if err := sub.Drain(); err != nil {
		return fmt.Errorf("drain subscription: %w", err)
	}
	s.logger.Info("event subscription drained")
	return nil
}
