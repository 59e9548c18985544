// Relay - realtime transport and offline-resilience core for the chat client
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

	"github.com/animachat/relay/internal/auth"
	"github.com/animachat/relay/internal/bus"
	"github.com/animachat/relay/internal/config"
	"github.com/animachat/relay/internal/offline"
	"github.com/animachat/relay/internal/session"
	"github.com/animachat/relay/internal/status"
	"github.com/animachat/relay/internal/store"
	"github.com/coder/websocket"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting relay", "endpoint", cfg.EndpointURL, "status_addr", cfg.StatusAddr)

	// Initialize dependencies. The store probes the durable engine once
	// and degrades to memory on its own.
	st := store.Open(cfg.DBPath)
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("Failed to close store", "error", closeErr)
		}
	}()

	events := bus.New(bus.LoggingInterceptor(logger))
	creds := auth.NewFileProvider(cfg.TokenPath)

	sess := session.New(session.Config{
		Endpoint:          cfg.EndpointURL,
		HeartbeatInterval: cfg.Heartbeat.Interval,
		MissTolerance:     cfg.Heartbeat.MissTolerance,
		BaseDelay:         cfg.Backoff.BaseDelay,
		MaxDelay:          cfg.Backoff.MaxDelay,
		MaxAttempts:       cfg.Backoff.MaxAttempts,
		DedupeWindow:      cfg.DedupeWindow,
	}, creds, events)

	coordinator := offline.New(offline.Config{
		SnapshotCap:   cfg.Offline.SnapshotCap,
		FlushDebounce: cfg.Offline.FlushDebounce,
		ProbeInterval: cfg.Offline.ProbeInterval,
		PruneInterval: cfg.Offline.PruneInterval,
	}, st, sess, events, offline.NewHTTPProber(cfg.EndpointURL))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := coordinator.Start(ctx); err != nil {
		slog.Error("Failed to start offline coordinator", "error", err)
		os.Exit(1)
	}
	defer coordinator.Stop()

	// A fresh credential written by an external login flow re-triggers the
	// connection, including after backoff exhaustion or an auth rejection.
	events.On(auth.EventCredentialChanged, func(any) {
		sess.ResetBackoff()
		if err := sess.Connect(context.Background()); err != nil {
			slog.Warn("Connect after credential change failed", "error", err)
		}
	})

	watcher, err := auth.NewWatcher(creds, events)
	if err != nil {
		// Credential watching is opportunistic; logins still work via restart.
		slog.Warn("Credential watcher unavailable", "error", err)
	} else {
		go watcher.Run(ctx)
	}

	// First connect attempt; a missing credential just waits for the
	// watcher to report one.
	if err := sess.Connect(ctx); err != nil {
		slog.Warn("Initial connect failed", "error", err)
	}
	defer sess.Close(websocket.StatusNormalClosure, "shutting down")

	// Local status surface.
	statusHandler := status.NewHandler(st, sess, coordinator)
	srv := &http.Server{
		Addr:         cfg.StatusAddr,
		Handler:      statusHandler.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("Status surface listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Status surface failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Status surface forced to shutdown", "error", err)
	}

	slog.Info("Relay stopped")
}
