package capture

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MaayanCohen0/Traffix/internal/model"
)

// conntrackFlow is one parsed origin-direction tuple from the conntrack
// table with its cumulative byte counter.
type conntrackFlow struct {
	proto   string
	srcIP   string
	srcPort int
	dstIP   string
	dstPort int
	bytes   int64
}

type tupleKey struct {
	proto   string
	srcIP   string
	srcPort int
	dstIP   string
	dstPort int
}

// ConntrackSource polls /proc/net/nf_conntrack and emits an observation for
// every newly seen flow and for every flow whose byte counter advanced
// since the previous poll.
type ConntrackSource struct {
	path     string
	interval time.Duration
	localIP  string
	logger   *slog.Logger

	seen map[tupleKey]int64
}

// NewConntrackSource creates a source reading the conntrack table at path
// every interval. localIP is the host's primary address, used to infer
// flow direction.
func NewConntrackSource(path string, interval time.Duration, localIP string, logger *slog.Logger) *ConntrackSource {
	return &ConntrackSource{
		path:     path,
		interval: interval,
		localIP:  localIP,
		logger:   logger,
		seen:     make(map[tupleKey]int64),
	}
}

// Flows starts the polling loop. The returned channel is closed when ctx
// is cancelled. A full downstream consumer never blocks the poll loop for
// longer than one channel send; the channel is buffered to absorb bursts.
func (s *ConntrackSource) Flows(ctx context.Context) <-chan FlowObservation {
	out := make(chan FlowObservation, 256)

	go func() {
		defer close(out)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.poll(ctx, out)
			}
		}
	}()

	return out
}

func (s *ConntrackSource) poll(ctx context.Context, out chan<- FlowObservation) {
	flows, err := s.readTable()
	if err != nil {
		s.logger.Warn("conntrack table unreadable, will retry", "path", s.path, "error", err)
		return
	}

	now := time.Now().UTC()
	live := make(map[tupleKey]int64, len(flows))

	for _, f := range flows {
		key := tupleKey{proto: f.proto, srcIP: f.srcIP, srcPort: f.srcPort, dstIP: f.dstIP, dstPort: f.dstPort}
		live[key] = f.bytes

		prev, known := s.seen[key]
		delta := f.bytes
		if known {
			delta = f.bytes - prev
			if delta < 0 {
				// Counter reset: the conntrack entry was recycled.
				delta = f.bytes
			}
			if delta == 0 {
				continue
			}
		}

		direction := model.DirIn
		if f.srcIP == s.localIP {
			direction = model.DirOut
		}

		obs := FlowObservation{
			Timestamp: now,
			Protocol:  f.proto,
			SrcIP:     f.srcIP,
			SrcPort:   f.srcPort,
			DstIP:     f.dstIP,
			DstPort:   f.dstPort,
			Bytes:     delta,
			Direction: direction,
		}

		select {
		case out <- obs:
		case <-ctx.Done():
			return
		}
	}

	s.seen = live
}

func (s *ConntrackSource) readTable() ([]conntrackFlow, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var flows []conntrackFlow
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		flow, ok := parseConntrackLine(scanner.Text())
		if !ok {
			continue
		}
		flows = append(flows, flow)
	}
	return flows, scanner.Err()
}

// parseConntrackLine parses one /proc/net/nf_conntrack line, keeping the
// origin-direction tuple and summing the byte counters of both directions.
// Lines for protocols other than tcp/udp, and lines that do not parse, are
// skipped.
func parseConntrackLine(line string) (conntrackFlow, bool) {
	fields := strings.Fields(line)
	if len(fields) < 4 {
		return conntrackFlow{}, false
	}

	// Layout: l3proto l3num proto protonum [timeout] [state] key=value...
	proto := fields[2]
	if proto != "tcp" && proto != "udp" {
		return conntrackFlow{}, false
	}

	flow := conntrackFlow{proto: proto}
	haveTuple := false
	for _, field := range fields {
		k, v, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch k {
		case "src":
			// The first src/dst/sport/dport group is the origin tuple;
			// the reply tuple repeats the keys and is ignored.
			if flow.srcIP == "" {
				flow.srcIP = v
			}
		case "dst":
			if flow.dstIP == "" {
				flow.dstIP = v
			}
		case "sport":
			if flow.srcPort == 0 {
				flow.srcPort, _ = strconv.Atoi(v)
				haveTuple = true
			}
		case "dport":
			if flow.dstPort == 0 {
				flow.dstPort, _ = strconv.Atoi(v)
			}
		case "bytes":
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				flow.bytes += n
			}
		}
	}

	if !haveTuple || net.ParseIP(flow.srcIP) == nil || net.ParseIP(flow.dstIP) == nil {
		return conntrackFlow{}, false
	}
	return flow, true
}

// LocalIP discovers the host's primary outbound address by opening a UDP
// socket toward a public address. No packet is sent.
func LocalIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}
