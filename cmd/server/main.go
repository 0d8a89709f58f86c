// Package main provides the entry point for the CoverFrame API server.
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

	"github.com/coverframe/coverframe-api/internal/admission"
	"github.com/coverframe/coverframe-api/internal/config"
	"github.com/coverframe/coverframe-api/internal/media"
	"github.com/coverframe/coverframe-api/internal/server"
	"github.com/coverframe/coverframe-api/internal/workspace"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load .env if present; real environments set variables directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Create structured logger
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	logger.Info("starting CoverFrame API",
		slog.Int("port", cfg.Port),
		slog.String("log_format", cfg.LogFormat),
		slog.String("log_level", cfg.LogLevel),
		slog.String("temp_dir", cfg.TempDir),
		slog.Int64("max_upload_bytes", cfg.MaxUploadBytes),
		slog.Int("max_concurrent", cfg.MaxConcurrent),
		slog.Int("rate_limit", cfg.RateLimit),
	)

	// Initialize the media invoker and verify the binary is reachable.
	invoker := media.NewFFmpeg(cfg.FFmpegPath, logger,
		media.WithExtractTimeout(cfg.ExtractTimeout),
		media.WithEmbedTimeout(cfg.EmbedTimeout),
	)
	probeCtx, probeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := invoker.Probe(probeCtx); err != nil {
		logger.Warn("ffmpeg probe failed, processing requests will error",
			slog.String("ffmpeg_path", cfg.FFmpegPath),
			slog.String("error", err.Error()),
		)
	}
	probeCancel()

	// Initialize the workspace manager
	workspaces, err := workspace.NewManager(cfg.TempDir, logger)
	if err != nil {
		return fmt.Errorf("create workspace manager: %w", err)
	}

	// Initialize admission control and start the background sweeper.
	controller := admission.NewController(admission.Options{
		Limit:         cfg.RateLimit,
		Window:        cfg.RateWindow,
		BlockDuration: cfg.BlockDuration,
		MaxConcurrent: cfg.MaxConcurrent,
		EntryTTL:      cfg.EntryTTL,
		SweepInterval: cfg.SweepInterval,
	}, logger)

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	controller.StartSweeper(sweepCtx)

	// Initialize HTTP handlers and router
	handlers := server.NewHandlers(controller, workspaces, invoker, cfg.MaxUploadBytes, logger)
	router := server.NewRouter(handlers, logger)

	// Create HTTP server. Read/write timeouts are sized for large
	// uploads followed by subprocess-bound processing.
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  120 * time.Second,
		WriteTimeout: 300 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown handling
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening",
			slog.String("addr", srv.Addr),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server failed: %w", err)
		}
	}()

	// Wait for shutdown signal or error
	select {
	case sig := <-shutdownCh:
		logger.Info("received shutdown signal",
			slog.String("signal", sig.String()),
		)
	case err := <-errCh:
		return err
	}

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("shutting down server...")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	logger.Info("server stopped gracefully")
	return nil
}
