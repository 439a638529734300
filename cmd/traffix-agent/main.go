package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	agentpkg "github.com/MaayanCohen0/Traffix/internal/agent"
	"github.com/MaayanCohen0/Traffix/internal/attribute"
	"github.com/MaayanCohen0/Traffix/internal/capture"
	"github.com/MaayanCohen0/Traffix/internal/config"
	"github.com/MaayanCohen0/Traffix/internal/detect"
	"github.com/MaayanCohen0/Traffix/internal/dynconfig"
	"github.com/MaayanCohen0/Traffix/internal/geo"
	"github.com/MaayanCohen0/Traffix/internal/metrics"
	"github.com/MaayanCohen0/Traffix/internal/transport"
)

func main() {
	cfg, err := config.LoadAgent()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	localIP := capture.LocalIP()
	logger.Info("starting traffix-agent",
		"agent_id", cfg.AgentID,
		"local_ip", localIP,
		"nats_url", cfg.NATSURL,
		"poll_interval", cfg.PollInterval)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dyn, err := dynconfig.NewManager(cfg.ConfigFile, logger)
	if err != nil {
		logger.Warn("dynamic configuration unavailable, blacklist empty until reload", "error", err)
	}
	if err := dyn.Watch(ctx); err != nil {
		logger.Warn("configuration watch unavailable, reload requires restart", "error", err)
	}

	nc, err := nats.Connect(cfg.NATSURL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second))
	if err != nil {
		logger.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()

	m := metrics.NewAgent()

	resolver, err := attribute.NewResolver(cfg.AttrCacheSize, logger)
	if err != nil {
		logger.Error("failed to build attribution resolver", "error", err)
		os.Exit(1)
	}
	geoResolver, err := geo.NewResolver(cfg.GeoCacheSize, cfg.GeoRatePerSec, logger)
	if err != nil {
		logger.Error("failed to build geo resolver", "error", err)
		os.Exit(1)
	}

	engine := detect.NewEngine(detect.Options{
		Window:    cfg.ScanWindow,
		Threshold: cfg.ScanThreshold,
		Cooldown:  cfg.ScanCooldown,
	}, dyn, logger)

	publisher := transport.NewPublisher(nc, cfg.Subject, cfg.QueueSize,
		func() { m.FlowsDropped.Inc() }, logger)
	go publisher.Run(ctx)

	source := capture.NewConntrackSource(cfg.ConntrackPath, cfg.PollInterval, localIP, logger)

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Warn("metrics listener failed", "addr", cfg.MetricsAddr, "error", err)
			}
		}()
	}

	pipeline := agentpkg.New(cfg.AgentID, source, resolver, geoResolver, engine, publisher, m, logger)
	go pipeline.Run(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig.String())
	cancel()

	logger.Info("traffix-agent stopped")
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
