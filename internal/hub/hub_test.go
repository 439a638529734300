package hub

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MaayanCohen0/Traffix/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startHub(t *testing.T, onDrop func()) *Hub {
	t.Helper()
	h := New(onDrop, nil, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h
}

func waitForCount(t *testing.T, h *Hub, want int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.Count() == want },
		time.Second, 5*time.Millisecond)
}

func recvEvent(t *testing.T, sub *Subscriber) model.TrafficEvent {
	t.Helper()
	select {
	case ev := <-sub.C():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return model.TrafficEvent{}
	}
}

func TestHub_BroadcastReachesAllSubscribers(t *testing.T) {
	h := startHub(t, nil)

	a := h.Register("")
	b := h.Register("")
	waitForCount(t, h, 2)

	h.Broadcast(model.TrafficEvent{AgentID: "agent-1", DstIP: "1.2.3.4"})

	assert.Equal(t, "1.2.3.4", recvEvent(t, a).DstIP)
	assert.Equal(t, "1.2.3.4", recvEvent(t, b).DstIP)
}

func TestHub_AgentFilter(t *testing.T) {
	h := startHub(t, nil)

	all := h.Register("")
	only1 := h.Register("agent-1")
	waitForCount(t, h, 2)

	h.Broadcast(model.TrafficEvent{AgentID: "agent-2"})
	h.Broadcast(model.TrafficEvent{AgentID: "agent-1"})

	// The unfiltered viewer sees both, in order.
	assert.Equal(t, "agent-2", recvEvent(t, all).AgentID)
	assert.Equal(t, "agent-1", recvEvent(t, all).AgentID)

	// The filtered viewer only sees its agent.
	assert.Equal(t, "agent-1", recvEvent(t, only1).AgentID)
	select {
	case ev := <-only1.C():
		t.Fatalf("unexpected event for filtered subscriber: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_SlowSubscriberIsDroppedOthersUnaffected(t *testing.T) {
	var drops atomic.Int64
	h := startHub(t, func() { drops.Add(1) })

	slow := h.Register("")
	fast := h.Register("")
	waitForCount(t, h, 2)

	// Fill the slow subscriber's queue without draining it, then overflow.
	for i := 0; i <= sendQueueSize; i++ {
		h.Broadcast(model.TrafficEvent{AgentID: "a", SrcPort: i})
		// Keep the fast subscriber drained so only the slow one overflows.
		recvEvent(t, fast)
	}

	waitForCount(t, h, 1)
	assert.GreaterOrEqual(t, drops.Load(), int64(1))

	// The slow subscriber's channel is closed.
	require.Eventually(t, func() bool {
		for {
			select {
			case _, ok := <-slow.c:
				if !ok {
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, 5*time.Millisecond)

	// The surviving subscriber keeps receiving.
	h.Broadcast(model.TrafficEvent{AgentID: "after"})
	assert.Equal(t, "after", recvEvent(t, fast).AgentID)
}

func TestHub_UnregisterIsIdempotent(t *testing.T) {
	h := startHub(t, nil)

	sub := h.Register("")
	waitForCount(t, h, 1)

	h.Unregister(sub)
	h.Unregister(sub)
	waitForCount(t, h, 0)
}

func TestHub_ShutdownClosesSubscribers(t *testing.T) {
	h := New(nil, nil, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	sub := h.Register("")
	waitForCount(t, h, 1)

	cancel()
	<-done

	_, ok := <-sub.C()
	assert.False(t, ok, "subscriber channel must be closed on shutdown")
}

func TestHub_UnregisterAfterShutdownDoesNotBlock(t *testing.T) {
	h := New(nil, nil, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(runDone)
	}()

	sub := h.Register("")
	waitForCount(t, h, 1)

	cancel()
	<-runDone

	// Late read/write pumps unregister well past the channel buffer; every
	// call must return immediately.
	finished := make(chan struct{})
	go func() {
		for i := 0; i < 2*cap(h.unregister); i++ {
			h.Unregister(sub)
		}
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("Unregister blocked after hub shutdown")
	}
}

func TestHub_RegisterAfterShutdownReturnsClosedChannel(t *testing.T) {
	h := New(nil, nil, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(runDone)
	}()
	cancel()
	<-runDone

	sub := h.Register("late")
	_, ok := <-sub.C()
	assert.False(t, ok, "late registration must observe a closed channel")
}
