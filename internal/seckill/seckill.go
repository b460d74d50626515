// Package seckill is the flash-sale admission check.
//
// A single Lua script validates the sale window, rejects repeat buyers,
// takes one unit of stock and appends the order to the durable queue. Redis
// runs scripts one at a time, so no caller can observe the check and the
// update separately: stock can not be oversold and a user can not be
// admitted twice for the same voucher.
package seckill

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-flash-orders/internal/metrics"
	"github.com/ariefcatur/go-flash-orders/internal/orders"
	"github.com/ariefcatur/go-flash-orders/internal/redisx"
	"github.com/ariefcatur/go-flash-orders/internal/stream"
)

const IDNamespace = "order"

var (
	ErrInsufficientStock     = errors.New("insufficient stock")
	ErrDuplicateOrder        = errors.New("duplicate order")
	ErrSaleNotStarted        = errors.New("sale not started")
	ErrSaleEnded             = errors.New("sale ended")
	ErrVoucherNotProvisioned = errors.New("voucher not provisioned")
	ErrAlreadyProvisioned    = errors.New("voucher already provisioned")
)

// Result is the outcome code returned by the admission script.
type Result int

const (
	ResultOK Result = iota
	ResultInsufficientStock
	ResultDuplicateOrder
	ResultSaleNotStarted
	ResultSaleEnded
	ResultNotProvisioned
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultInsufficientStock:
		return "insufficient_stock"
	case ResultDuplicateOrder:
		return "duplicate_order"
	case ResultSaleNotStarted:
		return "not_started"
	case ResultSaleEnded:
		return "ended"
	case ResultNotProvisioned:
		return "not_provisioned"
	}
	return fmt.Sprintf("result(%d)", int(r))
}

// Err maps a rejection to its sentinel error; ResultOK maps to nil.
func (r Result) Err() error {
	switch r {
	case ResultOK:
		return nil
	case ResultInsufficientStock:
		return ErrInsufficientStock
	case ResultDuplicateOrder:
		return ErrDuplicateOrder
	case ResultSaleNotStarted:
		return ErrSaleNotStarted
	case ResultSaleEnded:
		return ErrSaleEnded
	case ResultNotProvisioned:
		return ErrVoucherNotProvisioned
	}
	return fmt.Errorf("unexpected admission result %d", int(r))
}

var (
	//go:embed seckill.lua
	admitSource string
	admitScript = redis.NewScript(admitSource)

	//go:embed provision.lua
	provisionSource string
	provisionScript = redis.NewScript(provisionSource)
)

type IDAllocator interface {
	NextID(ctx context.Context, namespace string) (int64, error)
}

type Admitter struct {
	rdb     redis.Cmdable
	ids     IDAllocator
	queue   *stream.Queue
	clock   clock.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewAdmitter(rdb redis.Cmdable, ids IDAllocator, queue *stream.Queue, clk clock.Clock, logger *zap.Logger, m *metrics.Metrics) *Admitter {
	if clk == nil {
		clk = clock.New()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Admitter{
		rdb:     rdb,
		ids:     ids,
		queue:   queue,
		clock:   clk,
		logger:  logger.Named("seckill"),
		metrics: m,
	}
}

// Admit is the only entry point of the request path. On success the order
// is already on the durable queue and its id is returned. Business
// rejections come back as the sentinel errors above; anything else is an
// infrastructure failure that left stock untouched and may be retried.
func (a *Admitter) Admit(ctx context.Context, voucherID, userID int64) (int64, error) {
	orderID, err := a.ids.NextID(ctx, IDNamespace)
	if err != nil {
		a.metrics.Admissions.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("allocate order id: %w", err)
	}
	res, err := a.Check(ctx, voucherID, userID, orderID)
	if err != nil {
		a.metrics.Admissions.WithLabelValues("error").Inc()
		a.logger.Warn("admission check failed",
			zap.Int64("voucher_id", voucherID), zap.Int64("user_id", userID), zap.Error(err))
		return 0, err
	}
	a.metrics.Admissions.WithLabelValues(res.String()).Inc()
	if err := res.Err(); err != nil {
		return 0, err
	}
	return orderID, nil
}

// Check runs the admission script for a candidate order id.
func (a *Admitter) Check(ctx context.Context, voucherID, userID, orderID int64) (Result, error) {
	now := a.clock.Now()
	keys := []string{
		fmt.Sprintf(redisx.KeySeckillStock, voucherID),
		fmt.Sprintf(redisx.KeySeckillWindow, voucherID),
		fmt.Sprintf(redisx.KeySeckillOrder, voucherID),
		a.queue.Stream(),
		a.queue.EnqueuedKey(orderID),
	}
	code, err := admitScript.Run(ctx, a.rdb, keys,
		voucherID, userID, orderID, now.Unix(), now.UnixMilli(), int64(redisx.TTLEnqueued/time.Second),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("admission script: %w", err)
	}
	return Result(code), nil
}

// Provision loads a voucher's stock and sale window ahead of the sale. An
// already provisioned voucher is left untouched, so stock is never
// replenished mid-sale.
func (a *Admitter) Provision(ctx context.Context, v orders.SeckillVoucher) error {
	keys := []string{
		fmt.Sprintf(redisx.KeySeckillStock, v.VoucherID),
		fmt.Sprintf(redisx.KeySeckillWindow, v.VoucherID),
	}
	n, err := provisionScript.Run(ctx, a.rdb, keys, v.Stock, v.BeginTime.Unix(), v.EndTime.Unix()).Int()
	if err != nil {
		return fmt.Errorf("provision voucher %d: %w", v.VoucherID, err)
	}
	if n == 0 {
		return ErrAlreadyProvisioned
	}
	a.logger.Info("voucher provisioned",
		zap.Int64("voucher_id", v.VoucherID), zap.Int("stock", v.Stock),
		zap.Time("begin", v.BeginTime), zap.Time("end", v.EndTime))
	return nil
}

// Remaining reports the stock left in the admission store.
func (a *Admitter) Remaining(ctx context.Context, voucherID int64) (int64, error) {
	n, err := a.rdb.Get(ctx, fmt.Sprintf(redisx.KeySeckillStock, voucherID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, ErrVoucherNotProvisioned
	}
	return n, err
}
