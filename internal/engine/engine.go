// Package engine is the central orchestrator of the copy-trading system.
//
// It wires together all subsystems:
//
//  1. The webhook ingress receives TradingView alerts and runs the filter
//     pipeline, position state machine, and fan-out synchronously.
//  2. The partitioned queue feeds a bounded pool of execution workers that
//     place broker orders, one attempt each.
//  3. Background daemons: the token refresh scanner, the session pool
//     keep-alive, and the drawdown poller / bracket watcher.
//  4. The event bus pushes position, P&L, trade, and log events to the
//     dashboard API's WebSocket clients.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"copytrader/internal/api"
	"copytrader/internal/broker"
	"copytrader/internal/bus"
	"copytrader/internal/config"
	"copytrader/internal/dispatch"
	"copytrader/internal/executor"
	"copytrader/internal/filter"
	"copytrader/internal/poller"
	"copytrader/internal/position"
	"copytrader/internal/store"
	"copytrader/internal/token"
	"copytrader/internal/webhook"
)

// Engine owns the lifecycle of every component and goroutine.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger

	store    store.Store
	bus      *bus.Bus
	client   *broker.Client
	tokens   *token.Cache
	sessions *broker.SessionPool
	tracker  *position.Tracker
	queue    *dispatch.Queue
	exec     *executor.Pool
	watcher  *poller.Watcher
	ingress  *webhook.Server
	dash     *api.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all engine components.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	ctx, cancel := context.WithCancel(context.Background())

	var st store.Store
	if cfg.Database.URL != "" {
		pg, err := store.OpenPostgres(ctx, cfg.Database.URL, cfg.Database.MaxConns)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("open store: %w", err)
		}
		st = pg
	} else {
		logger.Warn("no database configured, using in-memory store")
		st = store.NewMemory()
	}

	b := bus.New(0, logger)

	client := broker.NewClient(cfg, logger)
	tokens := token.New(st, client, b, logger, cfg.Engine.TokenRefreshSkew)
	client.UseTokens(tokens)
	sessions := broker.NewSessionPool(cfg.Broker.WSBaseURL, tokens, cfg.DryRun, logger)

	tracker := position.NewTracker(st, b, logger)
	queue := dispatch.NewQueue(cfg.Engine.QueueCapacity)
	dispatcher := dispatch.New(st, queue, client, b, logger)
	pipeline := filter.New(st, b, logger)

	oracle := poller.NewQuoteOracle(client, st, logger)
	watcher := poller.New(st, tracker, client, oracle, b, logger, cfg.Engine.DrawdownTick)
	exec := executor.New(queue, st, client, sessions, watcher, b, logger, cfg.Engine.WorkerPoolSize)

	ingress := webhook.NewServer(cfg.Server, st, pipeline, tracker, dispatcher, b, cfg.Engine.DedupWindow, logger)

	var dash *api.Server
	if cfg.Dashboard.Enabled {
		handlers := api.NewHandlers(st, exec, tracker, sessions, b, logger)
		dash = api.NewServer(cfg.Dashboard, handlers, logger)
	}

	return &Engine{
		cfg:      cfg,
		logger:   logger.With("component", "engine"),
		store:    st,
		bus:      b,
		client:   client,
		tokens:   tokens,
		sessions: sessions,
		tracker:  tracker,
		queue:    queue,
		exec:     exec,
		watcher:  watcher,
		ingress:  ingress,
		dash:     dash,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start launches the daemons, the workers, and the HTTP servers.
func (e *Engine) Start() error {
	if e.cfg.DryRun {
		e.logger.Warn("DRY RUN mode: no real orders will be placed")
	}

	// Token refresh daemon.
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.tokens.Run(e.ctx)
	}()

	// Session keep-alive daemon.
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.sessions.Run(e.ctx)
	}()

	// Drawdown poller and bracket watcher.
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.watcher.Run(e.ctx)
	}()

	// Execution workers.
	e.exec.Start(e.ctx)

	// Dashboard API.
	if e.dash != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.dash.Start(); err != nil {
				e.logger.Error("dashboard server failed", "error", err)
			}
		}()
	}

	// Webhook ingress last: signals are only accepted once everything
	// downstream is running.
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.ingress.Start(); err != nil {
			e.logger.Error("webhook server failed", "error", err)
		}
	}()

	e.logger.Info("engine started",
		"workers", e.cfg.Engine.WorkerPoolSize,
		"queue_capacity", e.cfg.Engine.QueueCapacity,
		"dry_run", e.cfg.DryRun)
	return nil
}

// Stop shuts down in dependency order: stop accepting webhooks, drain the
// execution queue, then tear down sessions, daemons, and the bus.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")

	if err := e.ingress.Stop(); err != nil {
		e.logger.Error("webhook server stop failed", "error", err)
	}

	e.queue.Close()
	drainCtx, drainCancel := context.WithTimeout(context.Background(), e.cfg.Engine.DrainTimeout)
	if err := e.queue.Drain(drainCtx); err != nil {
		e.logger.Warn("queue drain incomplete", "remaining", e.queue.Depth(), "error", err)
	}
	drainCancel()

	if e.dash != nil {
		if err := e.dash.Stop(); err != nil {
			e.logger.Error("dashboard stop failed", "error", err)
		}
	}

	e.cancel()
	e.wg.Wait()
	e.exec.Wait()

	e.sessions.CloseAll()
	e.bus.Close()
	if err := e.store.Close(); err != nil {
		e.logger.Error("store close failed", "error", err)
	}

	e.logger.Info("shutdown complete")
}
