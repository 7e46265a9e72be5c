package main

import (
	"context"
	"log"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"sciencebuddy/internal/app"
	"sciencebuddy/internal/config"
	"sciencebuddy/internal/util"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appCore, err := app.New(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}
	defer appCore.Close()

	results, err := appCore.Migrate(ctx)
	for _, res := range results {
		for family, n := range res.Counts {
			logger.Info("migrated", "backend", res.Backend, "family", family, "documents", n)
		}
	}
	if err != nil {
		logger.Error("migration failed", "err", err)
		return
	}
	logger.Info("migration complete", "backends", len(results))
}
