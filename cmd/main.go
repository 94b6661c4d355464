package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"

	"taskflow-agent/handler"
	"taskflow-agent/internal/bootstrap"
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

	// ---- AWS SDK config ----
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	st, _, err := bootstrap.Store(cfg, awsCfg, logger)
	if err != nil {
		slog.Error("failed to create store", "err", err)
		os.Exit(1)
	}
	bridge, err := bootstrap.Assistant(cfg, awsCfg, logger)
	if err != nil {
		slog.Error("failed to create assistant", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	registry, err := workspace.NewRegistry(st, bridge, workspace.WithLogger(logger))
	if err != nil {
		slog.Error("failed to create workspace registry", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(registry, handler.WithLogger(logger))
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}
