package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/abeyoshida/kuanalu-sub000/internal/app"
	"github.com/abeyoshida/kuanalu-sub000/internal/config"
	"github.com/abeyoshida/kuanalu-sub000/internal/version"
)

func main() {
	configPath := flag.String("config", os.Getenv("KUANALU_CONFIG"), "path to YAML config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialize application", "error", err)
		os.Exit(1)
	}

	slog.Info("starting notification service",
		"version", version.Version,
		"git_commit", version.GitCommit,
	)

	if err := application.Run(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}
