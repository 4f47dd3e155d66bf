package main

import (
	"context"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"nexora-dispatch/internal/app"
	"nexora-dispatch/internal/config"
	"nexora-dispatch/pkg/logger"
)

func main() {
	ctx := context.Background()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.MustLoadConfig()
	config.MustPrintConfig(cfg)

	loggerCfg := &logger.Config{
		Level:      cfg.Level,
		FormatJSON: cfg.FormatJSON,
		Rotation: logger.Rotation{
			File:       cfg.Rotation.File,
			MaxSize:    cfg.Rotation.MaxSize,
			MaxBackups: cfg.Rotation.MaxBackups,
			MaxAge:     cfg.Rotation.MaxAge,
		},
	}

	log := logger.MustSetupLogger(loggerCfg).With(zap.String("process", "worker"))

	w := app.MustNewWorker(cfg, log)

	defer func() {
		if err := w.Shutdown(); err != nil {
			log.Error("Failed to shutdown worker", zap.Error(err))
		}

		if err := log.Sync(); err != nil {
			log.Warn("Failed to sync logger", zap.Error(err))
		}

		log.Info("Worker has shutdown")
	}()

	// Run returns only after in-flight jobs and pending status writes finish.
	if err := w.Run(ctx); err != nil {
		log.Error("Worker error, shutting down...", zap.Error(err))
		return
	}

	log.Info("Received stop signal, worker drained")
}
