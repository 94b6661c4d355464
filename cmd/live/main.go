// Command live serves task and chat snapshots over WebSocket.
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

	"github.com/aws/aws-sdk-go-v2/config"

	"taskflow-agent/internal/bootstrap"
	"taskflow-agent/internal/live"
	"taskflow-agent/internal/workspace"
)

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	// ---- Configuration (read only here) ----
	cfg, err := bootstrap.ConfigFromEnv(os.Getenv, logger)
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	st, closeStore, err := bootstrap.Store(cfg, awsCfg, logger)
	if err != nil {
		slog.Error("failed to create store", "err", err)
		os.Exit(1)
	}
	bridge, err := bootstrap.Assistant(cfg, awsCfg, logger)
	if err != nil {
		slog.Error("failed to create assistant", "err", err)
		os.Exit(1)
	}
	registry, err := workspace.NewRegistry(st, bridge, workspace.WithLogger(logger))
	if err != nil {
		slog.Error("failed to create workspace registry", "err", err)
		os.Exit(1)
	}
	ws, err := live.NewServer(registry, live.WithLogger(logger))
	if err != nil {
		slog.Error("failed to create live server", "err", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /ws", ws)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("live server listening", "addr", cfg.ListenAddr, "backend", cfg.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("live server failed", "err", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "err", err)
	}
	ws.Close()
	registry.Shutdown()
	if err := closeStore(); err != nil {
		logger.Error("close store", "err", err)
	}
}
