// Copytrader — a signal-driven copy-trading engine for Tradovate futures
// accounts, fed by TradingView webhook alerts.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: wires ingress → filters → positions → fan-out → workers
//	webhook/server.go    — webhook edge: token auth, HMAC, dedup, synchronous pipeline
//	filter/filter.go     — per-recorder risk policy (direction, windows, cooldown, loss caps)
//	position/machine.go  — FLAT/LONG/SHORT state machine derived from the signal log
//	dispatch/            — fan-out to traders and the bounded partitioned FIFO queue
//	executor/            — worker pool: market parents, TP/SL children, strict no-retry
//	broker/              — Tradovate REST adapter, OAuth, session pool, symbol resolution
//	token/cache.go       — per-account access-token cache with refresh-ahead daemon
//	poller/              — 1 s drawdown mark-to-market + locally watched bracket children
//	api/                 — operator status endpoints and the WebSocket push stream
//	store/               — Postgres (pgx) or in-memory persistence
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"copytrader/internal/config"
	"copytrader/internal/engine"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("CT_CONFIG"); p != "" {
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

	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	logger.Info("copytrader started",
		"webhook_port", cfg.Server.Port,
		"dashboard_enabled", cfg.Dashboard.Enabled,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	eng.Stop()
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
