// Market simulator — advances a universe of instruments with a
// three-layer stochastic price model and streams the results to
// WebSocket subscribers.
//
// Architecture:
//
//	main.go                  — entry point: config, wiring, SIGINT/SIGTERM shutdown
//	engine/engine.go         — tick pipeline: price step → index recompute → commit → publish
//	engine/price.go          — three-layer log-return model, band clamp, bridge OHLC
//	engine/clock.go          — single-flight tick scheduler
//	regime/controller.go     — BULL/BEAR/SIDEWAYS Markov controller (drift + vol multiplier)
//	index/engine.go          — weighted index recomputation from the price snapshot
//	store/store.go           — SQLite snapshot, OHLCV history and regime rows
//	bus/…                    — pub/sub backends (mem/redis/nats) + handler bridge
//	publish/publisher.go     — tick output → JSON bus messages
//	hub/…                    — client sessions, filters, heartbeat reaper
//	api/server.go            — WebSocket endpoints and HTTP surface
package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"marketsim/internal/api"
	"marketsim/internal/bus"
	"marketsim/internal/config"
	"marketsim/internal/engine"
	"marketsim/internal/hub"
	"marketsim/internal/metrics"
	"marketsim/internal/publish"
	"marketsim/internal/regime"
	"marketsim/internal/store"
)

func main() {
	// .env is optional; real deployments set env vars directly.
	godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("MARKETSIM_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx := context.Background()

	st, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	instruments, err := st.Instruments(ctx)
	if err != nil {
		return fmt.Errorf("read instruments: %w", err)
	}
	if len(instruments) == 0 {
		logger.Warn("no instruments in store, ticks will be no-ops until the universe is seeded",
			"path", cfg.Store.Path)
	} else {
		logger.Info("universe loaded", "instruments", len(instruments))
	}

	b, err := bus.Connect(ctx, cfg.Bus.URL, cfg.Bus.PublishBuffer, logger)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	defer b.Close()
	bridge := bus.NewBridge(b, logger)
	defer bridge.Close()

	seed := time.Now().UnixNano()
	regimeCtrl, err := regime.New(ctx, st, cfg.Regime.MinDwellDays, cfg.Regime.StayProb,
		rand.New(rand.NewSource(seed)), logger)
	if err != nil {
		return fmt.Errorf("init regime: %w", err)
	}

	m := metrics.New()
	pub := publish.New(bridge, logger)
	pub.OnSent = m.MessagePublished
	eng := engine.New(cfg, st, regimeCtrl, pub, m,
		rand.New(rand.NewSource(seed+1)), logger)

	h := hub.New(bridge, time.Duration(cfg.Server.HeartbeatSeconds)*time.Second,
		cfg.Server.SendBuffer, logger)
	m.RegisterSessions(
		func() int { return h.Stats().Sessions },
		func() int { return len(h.Stats().Channels) },
	)

	srv := api.NewServer(cfg.Server, h, st, m.Handler(), logger)
	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("api server failed", "error", err)
		}
	}()

	h.Start()
	eng.Start()
	logger.Info("simulator running",
		"port", cfg.Server.Port, "bus", cfg.Bus.URL, "tick_interval", cfg.Simulation.TickInterval)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")

	eng.Stop()
	h.Stop()
	if err := srv.Stop(); err != nil {
		logger.Warn("api shutdown", "error", err)
	}
	return nil
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
