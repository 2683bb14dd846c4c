// FlowGate control-plane server: agent transports, fleet registry,
// deployment engine, and the operator API on one listener.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/Prad-v/FlowGate-sub000/pkg/api"
	"github.com/Prad-v/FlowGate-sub000/pkg/config"
	"github.com/Prad-v/FlowGate-sub000/pkg/database"
	"github.com/Prad-v/FlowGate-sub000/pkg/deploy"
	"github.com/Prad-v/FlowGate-sub000/pkg/events"
	"github.com/Prad-v/FlowGate-sub000/pkg/reconcile"
	"github.com/Prad-v/FlowGate-sub000/pkg/registry"
	"github.com/Prad-v/FlowGate-sub000/pkg/session"
	"github.com/Prad-v/FlowGate-sub000/pkg/store"
	"github.com/Prad-v/FlowGate-sub000/pkg/token"
	"github.com/Prad-v/FlowGate-sub000/pkg/transport"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment", "error", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Database (runs migrations on connect)
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbClient.Close()
	slog.Info("Connected to PostgreSQL database")

	st := store.NewPostgres(dbClient.Pool())

	// 3. Token service and registry
	tokens, err := token.NewService(token.Config{
		AgentTokenTTL:        cfg.AgentTokenTTL,
		RegistrationTokenTTL: cfg.RegistrationTokenTTL,
		SigningKeys:          cfg.SigningKeys,
	}, st, logger)
	if err != nil {
		slog.Error("Failed to initialize token service", "error", err)
		os.Exit(1)
	}
	reg := registry.NewService(st, tokens, logger)

	sweeper := registry.NewSweeper(registry.SweeperConfig{
		Interval:      cfg.SweepInterval,
		InactiveAfter: cfg.InactiveAfter,
	}, st, logger)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	// 4. Event fanout over Postgres NOTIFY
	publisher := events.NewPgPublisher(dbClient.Pool())
	connManager := events.NewConnectionManager(publisher, 10*time.Second)
	notifyListener := events.NewNotifyListener(dbConfig.DSN(), connManager)
	if err := notifyListener.Start(ctx); err != nil {
		slog.Error("Failed to start NotifyListener", "error", err)
		os.Exit(1)
	}
	defer notifyListener.Stop(ctx)
	connManager.SetListener(notifyListener)
	slog.Info("Event fanout initialized")

	// 5. Sessions, deployment engine, reconciler
	sessions := session.NewStore(cfg.MaxSessions, cfg.SessionQueueDepth, logger)
	engine := deploy.NewEngine(st, publisher, logger)
	handler := reconcile.NewHandler(reg, engine, sessions, st, publisher, cfg.MaxMessageBytes, logger)
	engine.SetNotifier(handler)

	deadlines := deploy.NewDeadlineWatcher(cfg.DeadlineInterval, engine, st, logger)
	deadlines.Start(ctx)
	defer deadlines.Stop()

	// 6. Agent transports
	stream := transport.NewStream(handler, reg, tokens, sessions, transport.StreamOptions{
		IdleTimeout:     cfg.IdleTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		MaxMessageBytes: cfg.MaxMessageBytes,
	}, logger)
	poll := transport.NewPoll(handler, reg, tokens, sessions, transport.PollOptions{
		MaxMessageBytes: cfg.MaxMessageBytes,
		MaxBatch:        cfg.PollMaxBatch,
	}, logger)

	// 7. HTTP server
	httpServer := api.NewServer(reg, engine, tokens, sessions, publisher, logger)
	httpServer.SetDatabase(dbClient)
	httpServer.SetConnectionManager(connManager)
	httpServer.RegisterTransports(stream, poll)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := httpServer.Start(cfg.HTTPAddr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("FlowGate started", "addr", cfg.HTTPAddr, "max_sessions", cfg.MaxSessions)

	// 8. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 9. Graceful shutdown: answer new traffic with UNAVAILABLE, close
	// live sessions so agents reconnect elsewhere, then drain HTTP.
	handler.SetDraining(true)
	sessions.CloseAll(session.ReasonShutdown)

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
