package detect

import (
	"hash/fnv"
	"sync"
	"time"
)

const windowShards = 64

// pairKey identifies one (agent id, source IP) pair whose destination ports
// are tracked together.
type pairKey struct {
	agentID string
	srcIP   string
}

type portHit struct {
	port int
	ts   time.Time
}

// scanWindow is the per-pair sliding state. Entries older than the window
// are evicted on every touch; there is no background sweeper, which keeps
// behavior deterministic.
type scanWindow struct {
	hits      []portHit
	lastAlert time.Time
}

// touch records a destination port at ts, evicts entries older than the
// window, and reports whether the distinct-port threshold is crossed and
// the cooldown has elapsed. When emit is false the port is still recorded
// but the alert timestamp does not advance, so an alert suppressed by a
// higher-precedence classification surfaces on the next eligible event
// instead of waiting out a cooldown it never used.
func (w *scanWindow) touch(port int, ts time.Time, window time.Duration, threshold int, cooldown time.Duration, emit bool) bool {
	cutoff := ts.Add(-window)
	kept := w.hits[:0]
	for _, h := range w.hits {
		if !h.ts.Before(cutoff) {
			kept = append(kept, h)
		}
	}
	w.hits = append(kept, portHit{port: port, ts: ts})

	distinct := make(map[int]struct{}, len(w.hits))
	for _, h := range w.hits {
		distinct[h.port] = struct{}{}
	}
	if len(distinct) < threshold {
		return false
	}

	if !w.lastAlert.IsZero() && ts.Sub(w.lastAlert) < cooldown {
		return false
	}
	if !emit {
		return false
	}
	w.lastAlert = ts
	return true
}

// windowTable is a sharded map of scan windows. Pairs hash to a fixed
// shard, so concurrent events for unrelated sources never contend while one
// pair's insert-evict-evaluate step stays atomic under its shard lock.
type windowTable struct {
	shards [windowShards]struct {
		mu      sync.Mutex
		windows map[pairKey]*scanWindow
	}
}

func newWindowTable() *windowTable {
	t := &windowTable{}
	for i := range t.shards {
		t.shards[i].windows = make(map[pairKey]*scanWindow)
	}
	return t
}

func (t *windowTable) shardFor(key pairKey) *struct {
	mu      sync.Mutex
	windows map[pairKey]*scanWindow
} {
	h := fnv.New32a()
	h.Write([]byte(key.agentID))
	h.Write([]byte{0})
	h.Write([]byte(key.srcIP))
	return &t.shards[h.Sum32()%windowShards]
}

// touch applies one observation to the pair's window under the shard lock.
func (t *windowTable) touch(key pairKey, port int, ts time.Time, window time.Duration, threshold int, cooldown time.Duration, emit bool) bool {
	shard := t.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	w, ok := shard.windows[key]
	if !ok {
		w = &scanWindow{}
		shard.windows[key] = w
	}
	return w.touch(port, ts, window, threshold, cooldown, emit)
}

// reset drops all window state.
func (t *windowTable) reset() {
	for i := range t.shards {
		t.shards[i].mu.Lock()
		t.shards[i].windows = make(map[pairKey]*scanWindow)
		t.shards[i].mu.Unlock()
	}
}

// size returns the number of tracked pairs, for diagnostics.
func (t *windowTable) size() int {
	n := 0
	for i := range t.shards {
		t.shards[i].mu.Lock()
		n += len(t.shards[i].windows)
		t.shards[i].mu.Unlock()
	}
	return n
}
