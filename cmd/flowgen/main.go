// flowgen publishes synthetic classified flows to the transport subject,
// for demos and load testing against a running traffixd.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/MaayanCohen0/Traffix/internal/model"
)

var softwares = []string{"firefox", "chrome", "ssh", "curl", "spotify", "slack"}

var destinations = []struct {
	ip      string
	country string
}{
	{"93.184.216.34", "United States"},
	{"142.250.72.14", "United States"},
	{"185.15.59.224", "Netherlands"},
	{"210.140.92.183", "Japan"},
	{"203.0.113.5", "Australia"},
}

func main() {
	natsURL := flag.String("nats", "nats://localhost:4222", "NATS server URL")
	subject := flag.String("subject", "traffix.flows", "transport subject")
	agentID := flag.String("agent", "flowgen", "agent id to report")
	count := flag.Int("n", 100, "number of events to publish (0 = run until interrupted)")
	interval := flag.Duration("interval", 50*time.Millisecond, "delay between events")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	nc, err := nats.Connect(*natsURL)
	if err != nil {
		logger.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()

	logger.Info("publishing synthetic flows", "subject", *subject, "agent_id", *agentID, "count", *count)

	published := 0
	for *count == 0 || published < *count {
		ev := randomEvent(*agentID)
		data, err := json.Marshal(ev)
		if err != nil {
			logger.Error("marshal failed", "error", err)
			os.Exit(1)
		}
		if err := nc.Publish(*subject, data); err != nil {
			logger.Error("publish failed", "error", err)
			os.Exit(1)
		}
		published++
		time.Sleep(*interval)
	}

	nc.Flush()
	fmt.Printf("published %d events\n", published)
}

func randomEvent(agentID string) model.TrafficEvent {
	dst := destinations[rand.Intn(len(destinations))]
	return model.TrafficEvent{
		Timestamp: time.Now().UTC(),
		AgentID:   agentID,
		Direction: model.DirOut,
		SrcIP:     "192.168.1.50",
		SrcPort:   30000 + rand.Intn(20000),
		DstIP:     dst.ip,
		DstPort:   443,
		Protocol:  "tcp",
		Bytes:     int64(rand.Intn(64 * 1024)),
		Software:  softwares[rand.Intn(len(softwares))],
		PID:       int32(1000 + rand.Intn(4000)),
		Country:   dst.country,
	}
}
