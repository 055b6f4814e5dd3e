// Scribe server - runs transcript pipelines over HTTP and streams their progress over WebSocket
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/GriffinCanCode/scribe/internal/app"
	"github.com/GriffinCanCode/scribe/internal/config"
	"github.com/GriffinCanCode/scribe/internal/server"
)

func main() {
	// A missing .env is normal outside development
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	slog.SetDefault(app.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to build pipeline", "error", err)
		os.Exit(1)
	}
	defer func() { _ = a.Close() }()

	// Drop sessions past retention before accepting work
	if n, err := a.Orchestrator.Expire(ctx, cfg.Pipeline.Retention); err != nil {
		slog.Warn("checkpoint expiry failed", "error", err)
	} else if n > 0 {
		slog.Info("expired old sessions", "count", n)
	}

	srv := server.New(a.Orchestrator)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("scribe server starting", "http", cfg.HTTPAddr, "backends", cfg.Backends(), "storage", cfg.Storage.Backend)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	// Runs stop at the next stage boundary; completed stages stay checkpointed
	if n := a.Orchestrator.CancelAll(); n > 0 {
		slog.Info("cancelling active runs", "count", n)
	}
	a.Orchestrator.Wait()
	slog.Info("shutdown complete")
}
