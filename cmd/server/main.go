package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sujal-goel/bank-automation-system-sub003/internal/config"
	"github.com/sujal-goel/bank-automation-system-sub003/internal/fakeserver"
)

// Development backend: the banking API contract and push channels, held in
// memory, for running the continuity client locally.
func main() {
	godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	if cfg.JWTSecret == "" {
		logger.Error("JWT_SECRET is required")
		os.Exit(1)
	}

	srv := fakeserver.New(fakeserver.Options{
		JWTSecret:  cfg.JWTSecret,
		Logger:     logger,
		RequestLog: true,
	})
	defer srv.Close()

	if cfg.DevUserID != "" && cfg.DevPassword != "" {
		if err := srv.AddAccount(cfg.DevUserID, cfg.DevPassword); err != nil {
			logger.Error("failed to seed account", "user_id", cfg.DevUserID, "error", err)
			os.Exit(1)
		}
		token, expiresAt, err := srv.IssueToken(cfg.DevUserID, "", 24*time.Hour)
		if err != nil {
			logger.Error("failed to issue token", "error", err)
			os.Exit(1)
		}
		logger.Info("seeded account", "user_id", cfg.DevUserID, "token", token, "expires_at", expiresAt)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: srv.Handler(),
	}

	// graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		// Hijacked websocket connections are not tracked by Shutdown.
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}()

	logger.Info("starting dev server", "port", cfg.ServerPort)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped gracefully")
}
