package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/signalix/identity/internal/app"
	"github.com/signalix/identity/internal/config"
	"github.com/signalix/identity/internal/logger"
)

func main() {
	// Load .env from CWD (env vars override)
	cfg, err := config.Load()
	if err != nil {
		// The logger needs the config, so report this one plainly.
		_, _ = os.Stderr.WriteString("failed to load configuration: " + err.Error() + "\n")
		os.Exit(1)
	}

	log, err := logger.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to create logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	// Create context for startup operations
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	a, err := app.Build(ctx, cfg, log)
	cancel()
	if err != nil {
		log.Fatal("failed to build service", zap.Error(err))
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Error("failed to close backends", zap.Error(err))
		}
	}()

	a.Scheduler.Start()

	// Create HTTP server with timeouts
	srv := &http.Server{
		Addr:              ":" + cfg.HTTP.Port,
		Handler:           a.Handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Start server in a goroutine
	serverErr := make(chan error, 1)
	go func() {
		log.Info("server starting", zap.String("port", cfg.HTTP.Port), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("shutting down server", zap.String("signal", sig.String()))
	case err := <-serverErr:
		log.Error("server failed", zap.Error(err))
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	a.Scheduler.Stop(shutdownCtx)

	log.Info("server exited")
}
