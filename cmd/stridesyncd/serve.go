// Copyright 2025 B0GARTT00
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/B0GARTT00/StrideQuest-V2-sub000/stridesync"
)

type serveConfig struct {
	DatabaseURL     string        `env:"DATABASE_URL,required"`
	ListenAddr      string        `env:"LISTEN_ADDR" envDefault:":8080"`
	JWTSecret       string        `env:"JWT_SECRET,required"`
	AppName         string        `env:"APP_NAME" envDefault:"stridequest"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	AppliedKeyTTL   time.Duration `env:"APPLIED_KEY_TTL" envDefault:"720h"`
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync apply server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var cfg serveConfig
			if err := env.Parse(&cfg); err != nil {
				return fmt.Errorf("parse env: %w", err)
			}
			return runServe(cmd.Context(), &cfg)
		},
	}
}

func runServe(ctx context.Context, cfg *serveConfig) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to create pgx pool: %w", err)
	}
	defer pool.Close()

	service, err := stridesync.NewService(pool, &stridesync.ServiceConfig{AppName: cfg.AppName}, logger)
	if err != nil {
		return err
	}
	if err := service.InitSchema(ctx); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	jwtAuth := stridesync.NewJWTAuth(cfg.JWTSecret)
	handlers := stridesync.NewHTTPHandlers(service, jwtAuth, logger)

	syncMux := http.NewServeMux()
	handlers.Register(syncMux)

	mux := http.NewServeMux()
	mux.Handle("/sync/", jwtAuth.Middleware(syncMux))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		health := stridesync.StatusResponse{Status: "healthy", Version: version, AppName: cfg.AppName}
		w.Header().Set("Content-Type", "application/json")
		if err := pool.Ping(r.Context()); err != nil {
			health.Status = "unhealthy"
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(health)
	})

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Retired idempotency keys accumulate forever otherwise.
	purgeCtx, cancelPurge := context.WithCancel(ctx)
	defer cancelPurge()
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-purgeCtx.Done():
				return
			case <-ticker.C:
				if n, err := service.PurgeAppliedKeys(purgeCtx, cfg.AppliedKeyTTL); err != nil {
					logger.Warn("Failed to purge applied keys", "error", err)
				} else if n > 0 {
					logger.Info("Purged applied keys", "count", n)
				}
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Sync server listening", "addr", cfg.ListenAddr, "app", cfg.AppName)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-stop:
		logger.Info("Shutting down", "signal", sig.String())
	case <-ctx.Done():
		logger.Info("Shutting down", "reason", "context canceled")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}
