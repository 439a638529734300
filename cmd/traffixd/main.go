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

	"github.com/MaayanCohen0/Traffix/internal/api"
	"github.com/MaayanCohen0/Traffix/internal/config"
	"github.com/MaayanCohen0/Traffix/internal/dynconfig"
	"github.com/MaayanCohen0/Traffix/internal/hub"
	"github.com/MaayanCohen0/Traffix/internal/ingest"
	"github.com/MaayanCohen0/Traffix/internal/metrics"
	"github.com/MaayanCohen0/Traffix/internal/store"
)

// readiness reports ready when both the transport and the durable store
// are reachable; a store outage surfaces here as the degraded-mode signal.
type readiness struct {
	nc *nats.Conn
	st *store.Store
}

func (r *readiness) IsReady(ctx context.Context) bool {
	if r.nc.Status() != nats.CONNECTED {
		return false
	}
	return r.st.Ping(ctx) == nil
}

func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	logger.Info("starting traffixd",
		"nats_url", cfg.NATSURL,
		"subject", cfg.Subject,
		"http_addr", cfg.HTTPAddr,
		"config_file", cfg.ConfigFile)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dyn, err := dynconfig.NewManager(cfg.ConfigFile, logger)
	if err != nil {
		logger.Warn("dynamic configuration unavailable, starting with empty snapshot", "error", err)
	}
	if err := dyn.Watch(ctx); err != nil {
		logger.Warn("configuration watch unavailable, reload requires restart", "error", err)
	}

	st, err := store.Open(cfg.DatabaseURL, logger)
	if err != nil {
		logger.Error("failed to open durable store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	nc, err := nats.Connect(cfg.NATSURL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second))
	if err != nil {
		logger.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()
	logger.Info("connected to NATS")

	m := metrics.NewService()

	h := hub.New(
		func() { m.BroadcastDropped.Inc() },
		func(n int) { m.Subscribers.Set(float64(n)) },
		logger)
	go h.Run(ctx)

	handler, err := ingest.NewHandler(st, h, dyn, m, logger)
	if err != nil {
		logger.Error("failed to build ingest handler", "error", err)
		os.Exit(1)
	}
	subscriber := ingest.NewSubscriber(nc, cfg.Subject, cfg.Queue, handler, logger)
	go func() {
		if err := subscriber.Subscribe(ctx); err != nil {
			logger.Error("event subscription failed", "error", err)
			cancel()
		}
	}()

	apiServer := api.NewServer(st, h, &readiness{nc: nc, st: st}, m, logger)
	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: apiServer.Handler(),
	}
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err)
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
	case <-ctx.Done():
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown failed", "error", err)
	}

	logger.Info("traffixd stopped")
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
