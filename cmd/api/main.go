package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/go-flash-orders/internal/app"
	"github.com/ariefcatur/go-flash-orders/internal/cache"
	"github.com/ariefcatur/go-flash-orders/internal/config"
	"github.com/ariefcatur/go-flash-orders/internal/httpx"
	"github.com/ariefcatur/go-flash-orders/internal/idgen"
	"github.com/ariefcatur/go-flash-orders/internal/logging"
	"github.com/ariefcatur/go-flash-orders/internal/orders"
	"github.com/ariefcatur/go-flash-orders/internal/seckill"
	"github.com/ariefcatur/go-flash-orders/internal/shops"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger, err := logging.New(cfg.LogLevel, cfg.ServiceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("api exited", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	admitter := seckill.NewAdmitter(deps.Redis, idgen.New(deps.Redis, nil), deps.Queue, nil, logger, deps.Metrics)

	cacheClient := cache.New(deps.Redis, deps.Locker, cache.Options{
		NullTTL:        cfg.CacheNullTTL,
		LockTTL:        cfg.CacheLockTTL,
		RebuildWorkers: cfg.RebuildWorkers,
	}, nil, logger, deps.Metrics)
	defer func() { _ = cacheClient.Close() }()

	shopSvc, err := shops.NewService(&shops.Repo{DB: deps.DB}, cacheClient, cfg.CacheStrategy, cfg.CacheShopTTL, logger)
	if err != nil {
		return err
	}

	router := httpx.NewRouter(logger, deps.Registry)
	(&httpx.SeckillHandler{Admitter: admitter, Vouchers: &orders.Repo{DB: deps.DB}, Logger: logger}).Register(router)
	(&httpx.ShopsHandler{Shops: shopSvc, Logger: logger}).Register(router)
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.RunWorker {
		w, prod := deps.NewWorker()
		// Closed below once the worker has stopped publishing.
		prod.Start(context.Background())
		w.Start(gctx)
		g.Go(func() error {
			<-gctx.Done()
			w.Stop()
			prod.Close()
			prod.WaitClosed()
			return nil
		})
	}

	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}
