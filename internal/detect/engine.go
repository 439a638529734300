// Package detect implements the Traffix security heuristics: blacklist
// matching against the current configuration snapshot and a sliding-window
// port-scan heuristic keyed by (agent id, source IP).
package detect

import (
	"log/slog"
	"time"

	"github.com/MaayanCohen0/Traffix/internal/dynconfig"
	"github.com/MaayanCohen0/Traffix/internal/model"
)

// Options configure the port-scan heuristic.
type Options struct {
	// Window is the sliding time window W over destination ports.
	Window time.Duration
	// Threshold is the number K of distinct destination ports within the
	// window that flags a scan.
	Threshold int
	// Cooldown suppresses repeated scan alerts for the same pair.
	Cooldown time.Duration
}

// DefaultOptions are conservative defaults: 15 distinct ports within 60
// seconds, one alert per pair per minute.
func DefaultOptions() Options {
	return Options{
		Window:    60 * time.Second,
		Threshold: 15,
		Cooldown:  60 * time.Second,
	}
}

// Engine classifies enriched flows. It is safe for concurrent use;
// classification for one (agent, source) pair is serialized while
// unrelated pairs proceed in parallel.
type Engine struct {
	opts    Options
	config  *dynconfig.Manager
	windows *windowTable
	logger  *slog.Logger
}

// NewEngine creates an engine reading the blacklist from config. Each
// out-of-range option falls back to its default on its own; the others are
// kept as given.
func NewEngine(opts Options, config *dynconfig.Manager, logger *slog.Logger) *Engine {
	def := DefaultOptions()
	if opts.Threshold < 2 {
		opts.Threshold = def.Threshold
	}
	if opts.Window <= 0 {
		opts.Window = def.Window
	}
	if opts.Cooldown < 0 {
		opts.Cooldown = def.Cooldown
	}
	return &Engine{
		opts:    opts,
		config:  config,
		windows: newWindowTable(),
		logger:  logger,
	}
}

// Classify evaluates one flow and returns at most one classification plus
// its target. A blacklisted destination wins over a concurrent port-scan
// condition; the destination port is still recorded in the pair's window
// and the scan cooldown is not consumed, so the deferred scan alert fires
// on the next eligible event.
func (e *Engine) Classify(agentID string, ev *model.TrafficEvent, now time.Time) (model.Classification, string) {
	remote := ev.DstIP
	if ev.Direction == model.DirIn {
		remote = ev.SrcIP
	}

	entry, hit := e.config.Current().Blacklisted(remote)

	key := pairKey{agentID: agentID, srcIP: ev.SrcIP}
	scan := e.windows.touch(key, ev.DstPort, now, e.opts.Window, e.opts.Threshold, e.opts.Cooldown, !hit)

	if hit {
		e.logger.Warn("blacklisted destination contacted",
			"agent_id", agentID,
			"destination", remote,
			"reason", entry.Reason)
		return model.ClassBlacklistHit, remote
	}
	if scan {
		e.logger.Warn("port scan detected",
			"agent_id", agentID,
			"source", ev.SrcIP,
			"target", ev.DstIP,
			"distinct_port_threshold", e.opts.Threshold)
		return model.ClassPortScan, ev.DstIP
	}
	return model.ClassNone, ""
}

// Reset drops all port-scan window state.
func (e *Engine) Reset() {
	e.windows.reset()
}

// TrackedPairs returns the number of (agent, source) pairs currently held,
// for diagnostics.
func (e *Engine) TrackedPairs() int {
	return e.windows.size()
}
