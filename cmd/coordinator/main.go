// Ensemble Trader — a heartbeat-driven coordinator that fuses predictions
// from independent model-inference servers into risk-gated futures trades.
//
// Architecture:
//
//	main.go                  — entry point: loads config, wires components, waits for SIGINT/SIGTERM
//	coordinator/             — orchestrator: heartbeat, health-check, and broadcast loops
//	marketdata/collector.go  — snapshots price, candles, and computed indicators from the exchange
//	ensemble/aggregator.go   — fans out to model servers, fuses votes, calibrates, gates on EV
//	ensemble/performance.go  — per-model win rate, sharpe, latency, and decayed weights
//	risk/manager.go          — validation rules, position sizing, circuit breaker, emergency latch
//	exchange/client.go       — Binance futures REST client with signing, rate limits, dry-run
//	store/store.go           — SQLite order-state store with lifecycle integrity checks
//	events/sqlite.go         — analytic event log: snapshots, predictions, decisions, trades
//	api/server.go            — read-only dashboard with a websocket stream and /metrics
//
// Every heartbeat the coordinator snapshots the market, asks each model
// server for a prediction, fuses them into one decision, validates it
// against the risk limits, and executes approved trades with protective
// stop-loss and take-profit orders attached.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ensemble-trader/internal/alerts"
	"ensemble-trader/internal/api"
	"ensemble-trader/internal/clock"
	"ensemble-trader/internal/config"
	"ensemble-trader/internal/coordinator"
	"ensemble-trader/internal/ensemble"
	"ensemble-trader/internal/events"
	"ensemble-trader/internal/exchange"
	"ensemble-trader/internal/marketdata"
	"ensemble-trader/internal/metrics"
	"ensemble-trader/internal/risk"
	"ensemble-trader/internal/store"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("CONFIG_PATH"); p != "" {
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

	clk := clock.Real{}

	orders, err := store.Open(cfg.Database.OrdersPath)
	if err != nil {
		logger.Error("failed to open order store", "error", err, "path", cfg.Database.OrdersPath)
		os.Exit(1)
	}

	sink, err := events.OpenSQLite(cfg.Database.SqlitePath, cfg.Database.CSVPath, logger)
	if err != nil {
		logger.Error("failed to open event log", "error", err, "path", cfg.Database.SqlitePath)
		os.Exit(1)
	}

	var notifier *alerts.Telegram
	if cfg.Alerts.Enabled {
		notifier = alerts.NewTelegram(os.Getenv(cfg.Alerts.BotTokenEnv), cfg.Alerts.ChatID, logger)
		if notifier == nil {
			logger.Warn("alerts enabled but telegram credentials missing")
		}
	}

	mets := metrics.New()

	coord := coordinator.New(cfg, coordinator.Deps{
		Sink:     sink,
		Market:   marketdata.NewCollector(cfg, logger),
		Exchange: exchange.NewClient(cfg, orders, clk, logger),
		Risk:     risk.NewManager(cfg, clk, logger),
		Ensemble: ensemble.New(cfg, clk, logger),
		Alerts:   notifier,
		Metrics:  mets,
	}, clk, logger)

	var apiServer *api.Server
	if cfg.Dashboard.Enabled {
		apiServer = api.NewServer(cfg.Dashboard, coord, mets.Handler(), logger)
		coord.SetBroadcaster(apiServer)
		apiServer.Start()
		logger.Info("dashboard started", "url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))
	}

	if err := coord.Start(context.Background()); err != nil {
		logger.Error("failed to start coordinator", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	logger.Info("ensemble trader started",
		"symbol", cfg.Trading.Symbol,
		"models", len(cfg.Models),
		"method", cfg.Ensemble.Method,
		"heartbeat", cfg.Timing.HeartbeatInterval(),
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case <-coord.Done():
		// Coordinator shut itself down (emergency latch); exit cleanly.
		logger.Warn("coordinator terminated on its own, exiting")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if apiServer != nil {
		if err := apiServer.Stop(shutdownCtx); err != nil {
			logger.Error("failed to stop dashboard", "error", err)
		}
	}
	coord.Stop(shutdownCtx)
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
