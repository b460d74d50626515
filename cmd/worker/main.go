package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-flash-orders/internal/app"
	"github.com/ariefcatur/go-flash-orders/internal/config"
	"github.com/ariefcatur/go-flash-orders/internal/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	cfg.ServiceName += "-worker"

	logger, err := logging.New(cfg.LogLevel, cfg.ServiceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("startup", zap.Error(err))
	}
	defer deps.Close()

	w, prod := deps.NewWorker()
	// Closed below once the worker has stopped publishing.
	prod.Start(context.Background())
	if err := w.Run(ctx); err != nil {
		logger.Error("worker exited", zap.Error(err))
	}

	prod.Close()
	prod.WaitClosed()
}
