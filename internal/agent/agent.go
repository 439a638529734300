// Package agent runs the capture-host pipeline: raw flow observations are
// attributed to the owning process, enriched with the destination country,
// classified by the heuristics engine, and handed to the transport. Every
// stage degrades rather than blocks: attribution and geo misses produce
// "Unknown" labels and transport overflow drops the event.
package agent

import (
	"context"
	"log/slog"

	"github.com/MaayanCohen0/Traffix/internal/attribute"
	"github.com/MaayanCohen0/Traffix/internal/capture"
	"github.com/MaayanCohen0/Traffix/internal/detect"
	"github.com/MaayanCohen0/Traffix/internal/geo"
	"github.com/MaayanCohen0/Traffix/internal/metrics"
	"github.com/MaayanCohen0/Traffix/internal/model"
	"github.com/MaayanCohen0/Traffix/internal/transport"
)

// Agent ties the capture pipeline together.
type Agent struct {
	id        string
	source    capture.Source
	attribute *attribute.Resolver
	geo       *geo.Resolver
	detect    *detect.Engine
	publisher *transport.Publisher
	metrics   *metrics.Agent
	logger    *slog.Logger
}

// New creates the pipeline.
func New(id string, source capture.Source, attr *attribute.Resolver, geo *geo.Resolver, det *detect.Engine, pub *transport.Publisher, m *metrics.Agent, logger *slog.Logger) *Agent {
	return &Agent{
		id:        id,
		source:    source,
		attribute: attr,
		geo:       geo,
		detect:    det,
		publisher: pub,
		metrics:   m,
		logger:    logger,
	}
}

// Run consumes the capture source until ctx is cancelled or the source
// closes its channel.
func (a *Agent) Run(ctx context.Context) {
	a.logger.Info("capture pipeline started", "agent_id", a.id)
	for obs := range a.source.Flows(ctx) {
		a.metrics.FlowsCaptured.Inc()
		ev := a.enrich(ctx, obs)
		a.publisher.Publish(ev)
		a.metrics.FlowsPublished.Inc()
	}
	a.logger.Info("capture pipeline stopped")
}

func (a *Agent) enrich(ctx context.Context, obs capture.FlowObservation) model.TrafficEvent {
	ev := model.TrafficEvent{
		Timestamp: obs.Timestamp,
		AgentID:   a.id,
		Direction: obs.Direction,
		SrcIP:     obs.SrcIP,
		SrcPort:   obs.SrcPort,
		DstIP:     obs.DstIP,
		DstPort:   obs.DstPort,
		Protocol:  obs.Protocol,
		Bytes:     obs.Bytes,
	}

	// The local endpoint owns the socket; the remote one gets the geo
	// lookup.
	localIP, localPort := obs.SrcIP, obs.SrcPort
	remoteIP := obs.DstIP
	if obs.Direction == model.DirIn {
		localIP, localPort = obs.DstIP, obs.DstPort
		remoteIP = obs.SrcIP
	}

	attr := a.attribute.Resolve(localIP, localPort)
	ev.Software = attr.Software
	ev.PID = attr.PID
	ev.Country = a.geo.Country(ctx, remoteIP)

	class, target := a.detect.Classify(a.id, &ev, obs.Timestamp)
	ev.Classification = class
	ev.Target = target
	if class != model.ClassNone {
		a.metrics.Alerts.WithLabelValues(string(class)).Inc()
	}
	return ev
}
