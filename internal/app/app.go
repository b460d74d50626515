// Package app wires the shared dependencies of the binaries.
package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-flash-orders/internal/config"
	kafkax "github.com/ariefcatur/go-flash-orders/internal/kafka"
	"github.com/ariefcatur/go-flash-orders/internal/lock"
	"github.com/ariefcatur/go-flash-orders/internal/metrics"
	"github.com/ariefcatur/go-flash-orders/internal/orders"
	"github.com/ariefcatur/go-flash-orders/internal/postgres"
	"github.com/ariefcatur/go-flash-orders/internal/redisx"
	"github.com/ariefcatur/go-flash-orders/internal/stream"
	"github.com/ariefcatur/go-flash-orders/internal/worker"
)

type Deps struct {
	Config   config.Config
	Logger   *zap.Logger
	DB       *pgxpool.Pool
	Redis    *redis.Client
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Queue    *stream.Queue
	Locker   *lock.Locker
}

// Open connects to Postgres and Redis, applies the schema and creates the
// order stream's consumer group.
func Open(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Deps, error) {
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	if err := postgres.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	rdb := redisx.New(cfg.RedisAddr)
	if err := rdb.Ping(ctx).Err(); err != nil {
		db.Close()
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	q := stream.New(rdb, cfg.OrderStream, cfg.OrderGroup)
	if err := q.EnsureGroup(ctx); err != nil {
		db.Close()
		_ = rdb.Close()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &Deps{
		Config:   cfg,
		Logger:   logger,
		DB:       db,
		Redis:    rdb,
		Registry: reg,
		Metrics:  metrics.New(reg),
		Queue:    q,
		Locker:   lock.New(rdb, nil),
	}, nil
}

func (d *Deps) Close() {
	_ = d.Redis.Close()
	d.DB.Close()
}

// NewWorker builds the persistence worker and the producer it publishes to.
// The producer must be started by the caller.
func (d *Deps) NewWorker() (*worker.Worker, *kafkax.Producer) {
	cfg := d.Config
	prod := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicVoucherOrderCreated, 1024, d.Logger)
	w := worker.New(worker.Config{
		Consumer:       cfg.OrderConsumer,
		Block:          cfg.OrderBlock,
		LockTTL:        cfg.OrderLockTTL,
		LockInterval:   cfg.OrderLockInterval,
		LockRetries:    cfg.OrderLockRetries,
		PendingBackoff: cfg.PendingBackoff,
		ClaimIdle:      cfg.OrderClaimIdle,
		Service:        cfg.ServiceName,
	}, d.Queue, d.Locker, &orders.Repo{DB: d.DB}, prod, nil, d.Logger, d.Metrics)
	return w, prod
}
