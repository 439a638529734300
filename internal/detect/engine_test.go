package detect

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MaayanCohen0/Traffix/internal/dynconfig"
	"github.com/MaayanCohen0/Traffix/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(t *testing.T, yaml string) *dynconfig.Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	m, err := dynconfig.NewManager(path, testLogger())
	require.NoError(t, err)
	return m
}

func outboundEvent(srcIP, dstIP string, dstPort int) *model.TrafficEvent {
	return &model.TrafficEvent{
		Direction: model.DirOut,
		SrcIP:     srcIP,
		SrcPort:   44000,
		DstIP:     dstIP,
		DstPort:   dstPort,
		Protocol:  "tcp",
	}
}

func TestEngine_PortScanFiresOnceAtThreshold(t *testing.T) {
	engine := NewEngine(Options{
		Window:    60 * time.Second,
		Threshold: 15,
		Cooldown:  60 * time.Second,
	}, testConfig(t, ""), testLogger())

	base := time.Now()
	var scans int

	// Ports 1000..1014 within 10 seconds: the 15th distinct port must
	// trigger exactly one classification.
	for i := 0; i < 15; i++ {
		ts := base.Add(time.Duration(i) * 500 * time.Millisecond)
		class, target := engine.Classify("agent-1", outboundEvent("10.0.0.9", "10.0.0.50", 1000+i), ts)
		if i < 14 {
			assert.Equal(t, model.ClassNone, class, "port %d must not fire", 1000+i)
		} else {
			assert.Equal(t, model.ClassPortScan, class)
			assert.Equal(t, "10.0.0.50", target)
		}
		if class == model.ClassPortScan {
			scans++
		}
	}
	assert.Equal(t, 1, scans)

	// A 16th distinct port within the cooldown stays quiet.
	class, _ := engine.Classify("agent-1", outboundEvent("10.0.0.9", "10.0.0.50", 1016), base.Add(11*time.Second))
	assert.Equal(t, model.ClassNone, class)
}

func TestEngine_PortScanRealertsAfterCooldown(t *testing.T) {
	engine := NewEngine(Options{
		Window:    60 * time.Second,
		Threshold: 3,
		Cooldown:  30 * time.Second,
	}, testConfig(t, ""), testLogger())

	base := time.Now()
	for i := 0; i < 3; i++ {
		engine.Classify("a", outboundEvent("10.0.0.9", "10.0.0.50", 100+i), base)
	}

	// Still above threshold but inside the cooldown.
	class, _ := engine.Classify("a", outboundEvent("10.0.0.9", "10.0.0.50", 200), base.Add(10*time.Second))
	assert.Equal(t, model.ClassNone, class)

	// Past the cooldown the pair may alert again.
	class, _ = engine.Classify("a", outboundEvent("10.0.0.9", "10.0.0.50", 201), base.Add(31*time.Second))
	assert.Equal(t, model.ClassPortScan, class)
}

func TestEngine_WindowEviction(t *testing.T) {
	engine := NewEngine(Options{
		Window:    10 * time.Second,
		Threshold: 3,
		Cooldown:  time.Minute,
	}, testConfig(t, ""), testLogger())

	base := time.Now()
	engine.Classify("a", outboundEvent("10.0.0.9", "10.0.0.50", 1), base)
	engine.Classify("a", outboundEvent("10.0.0.9", "10.0.0.50", 2), base)

	// The first two ports age out before the next two arrive, so the
	// threshold is never met inside any single window.
	class, _ := engine.Classify("a", outboundEvent("10.0.0.9", "10.0.0.50", 3), base.Add(15*time.Second))
	assert.Equal(t, model.ClassNone, class)
	class, _ = engine.Classify("a", outboundEvent("10.0.0.9", "10.0.0.50", 4), base.Add(16*time.Second))
	assert.Equal(t, model.ClassNone, class)
}

func TestEngine_DuplicatePortsDoNotCountTwice(t *testing.T) {
	engine := NewEngine(Options{
		Window:    time.Minute,
		Threshold: 3,
		Cooldown:  time.Minute,
	}, testConfig(t, ""), testLogger())

	base := time.Now()
	for i := 0; i < 10; i++ {
		class, _ := engine.Classify("a", outboundEvent("10.0.0.9", "10.0.0.50", 443), base.Add(time.Duration(i)*time.Second))
		assert.Equal(t, model.ClassNone, class)
	}
}

func TestEngine_BlacklistHit(t *testing.T) {
	cfg := testConfig(t, `
security:
  blacklist:
    - ip: 203.0.113.5
      reason: known C2
`)
	engine := NewEngine(DefaultOptions(), cfg, testLogger())

	class, target := engine.Classify("agent-A", outboundEvent("192.168.1.7", "203.0.113.5", 443), time.Now())
	assert.Equal(t, model.ClassBlacklistHit, class)
	assert.Equal(t, "203.0.113.5", target)
}

func TestEngine_BlacklistMatchesInboundRemote(t *testing.T) {
	cfg := testConfig(t, `
security:
  blacklist:
    - 203.0.113.5
`)
	engine := NewEngine(DefaultOptions(), cfg, testLogger())

	ev := &model.TrafficEvent{
		Direction: model.DirIn,
		SrcIP:     "203.0.113.5",
		SrcPort:   443,
		DstIP:     "192.168.1.7",
		DstPort:   55123,
		Protocol:  "tcp",
	}
	class, target := engine.Classify("agent-A", ev, time.Now())
	assert.Equal(t, model.ClassBlacklistHit, class)
	assert.Equal(t, "203.0.113.5", target)
}

func TestEngine_BlacklistWinsOverPortScan(t *testing.T) {
	cfg := testConfig(t, `
security:
  blacklist:
    - 10.0.0.50
`)
	engine := NewEngine(Options{
		Window:    time.Minute,
		Threshold: 3,
		Cooldown:  time.Minute,
	}, cfg, testLogger())

	base := time.Now()
	for i := 0; i < 5; i++ {
		class, _ := engine.Classify("a", outboundEvent("10.0.0.9", "10.0.0.50", 100+i), base.Add(time.Duration(i)*time.Second))
		// Every event contacts the blacklisted host, so the scan
		// condition never surfaces even once the threshold is crossed.
		assert.Equal(t, model.ClassBlacklistHit, class)
	}
}

func TestEngine_PairsAreIndependent(t *testing.T) {
	engine := NewEngine(Options{
		Window:    time.Minute,
		Threshold: 3,
		Cooldown:  time.Minute,
	}, testConfig(t, ""), testLogger())

	base := time.Now()
	// Two ports each from two different sources: neither pair crosses
	// the threshold.
	for i := 0; i < 2; i++ {
		class, _ := engine.Classify("a", outboundEvent("10.0.0.1", "10.0.0.50", 100+i), base)
		assert.Equal(t, model.ClassNone, class)
		class, _ = engine.Classify("a", outboundEvent("10.0.0.2", "10.0.0.50", 100+i), base)
		assert.Equal(t, model.ClassNone, class)
	}
}

func TestEngine_ConcurrentSameSourceAlertsOnce(t *testing.T) {
	engine := NewEngine(Options{
		Window:    time.Minute,
		Threshold: 16,
		Cooldown:  time.Minute,
	}, testConfig(t, ""), testLogger())

	base := time.Now()
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		scans int
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 8; i++ {
				port := w*8 + i // 32 distinct ports overall
				class, _ := engine.Classify("a", outboundEvent("10.0.0.9", "10.0.0.50", port), base)
				if class == model.ClassPortScan {
					mu.Lock()
					scans++
					mu.Unlock()
				}
			}
		}(w)
	}
	wg.Wait()
	assert.Equal(t, 1, scans, "threshold crossing must alert exactly once")
}

func TestEngine_Reset(t *testing.T) {
	engine := NewEngine(Options{
		Window:    time.Minute,
		Threshold: 3,
		Cooldown:  time.Minute,
	}, testConfig(t, ""), testLogger())

	base := time.Now()
	for i := 0; i < 2; i++ {
		engine.Classify("a", outboundEvent("10.0.0.9", "10.0.0.50", 100+i), base)
	}
	require.Equal(t, 1, engine.TrackedPairs())

	engine.Reset()
	assert.Equal(t, 0, engine.TrackedPairs())

	// Post-reset the pair starts from scratch.
	class, _ := engine.Classify("a", outboundEvent("10.0.0.9", "10.0.0.50", 102), base)
	assert.Equal(t, model.ClassNone, class)
}

func TestEngine_BadThresholdKeepsOtherOptions(t *testing.T) {
	// An out-of-range threshold falls back alone; the 10s window survives.
	engine := NewEngine(Options{
		Window:    10 * time.Second,
		Threshold: 0,
		Cooldown:  time.Minute,
	}, testConfig(t, ""), testLogger())

	base := time.Now()
	for i := 0; i < 14; i++ {
		class, _ := engine.Classify("a", outboundEvent("10.0.0.9", "10.0.0.50", 100+i), base)
		assert.Equal(t, model.ClassNone, class)
	}
	// Default threshold of 15 applies.
	class, _ := engine.Classify("a", outboundEvent("10.0.0.9", "10.0.0.50", 200), base)
	assert.Equal(t, model.ClassPortScan, class)

	// For a fresh pair, 14 ports age out of the 10-second window before
	// the next one arrives, so it never fires. Under the 60-second default
	// window this would alert.
	for i := 0; i < 14; i++ {
		engine.Classify("a", outboundEvent("10.0.0.8", "10.0.0.50", 100+i), base)
	}
	class, _ = engine.Classify("a", outboundEvent("10.0.0.8", "10.0.0.50", 200), base.Add(11*time.Second))
	assert.Equal(t, model.ClassNone, class)
}

func TestEngine_SuppressedScanFiresOnNextEvent(t *testing.T) {
	cfg := testConfig(t, `
security:
  blacklist:
    - 10.0.0.50
`)
	engine := NewEngine(Options{
		Window:    time.Minute,
		Threshold: 3,
		Cooldown:  time.Minute,
	}, cfg, testLogger())

	// Three distinct ports against the blacklisted host cross the scan
	// threshold, but every event classifies as the blacklist hit.
	base := time.Now()
	for i := 0; i < 3; i++ {
		class, _ := engine.Classify("a", outboundEvent("10.0.0.9", "10.0.0.50", 100+i), base.Add(time.Duration(i)*time.Second))
		require.Equal(t, model.ClassBlacklistHit, class)
	}

	// The suppressed alert did not consume the cooldown: the next event
	// from the same source to a clean host surfaces the scan immediately.
	class, target := engine.Classify("a", outboundEvent("10.0.0.9", "10.0.0.60", 200), base.Add(4*time.Second))
	assert.Equal(t, model.ClassPortScan, class)
	assert.Equal(t, "10.0.0.60", target)
}

func TestWindowTable_ShardingIsStable(t *testing.T) {
	table := newWindowTable()
	key := pairKey{agentID: "a", srcIP: "10.0.0.1"}
	assert.Same(t, table.shardFor(key), table.shardFor(key))
}

func BenchmarkEngineClassify(b *testing.B) {
	path := filepath.Join(b.TempDir(), "config.yaml")
	os.WriteFile(path, []byte(""), 0o644)
	cfg, _ := dynconfig.NewManager(path, testLogger())
	engine := NewEngine(DefaultOptions(), cfg, testLogger())

	now := time.Now()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			src := fmt.Sprintf("10.0.%d.%d", i%4, i%256)
			engine.Classify("bench", outboundEvent(src, "10.1.0.1", i%1024), now)
			i++
		}
	})
}
