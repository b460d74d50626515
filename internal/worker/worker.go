// Package worker drains the durable order queue into the order store.
//
// Each consumer runs one loop with two modes. Normally it tails the stream
// for new entries. When an entry fails, it switches to recovery: it replays
// its own pending list from the start, one entry at a time, until the list
// is empty, then goes back to tailing. Persisting an order is idempotent,
// so replaying an entry that was already stored only acknowledges it.
//
// Recovery first claims entries that any consumer has left unacknowledged
// for longer than ClaimIdle, so entries held by a consumer name that never
// comes back are still persisted. Recovery also runs every ClaimIdle while
// tailing.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	kafkax "github.com/ariefcatur/go-flash-orders/internal/kafka"
	"github.com/ariefcatur/go-flash-orders/internal/lock"
	"github.com/ariefcatur/go-flash-orders/internal/metrics"
	"github.com/ariefcatur/go-flash-orders/internal/orders"
	"github.com/ariefcatur/go-flash-orders/internal/redisx"
	"github.com/ariefcatur/go-flash-orders/internal/stream"
)

// OrderStore persists an admitted order. It returns orders.ErrAlreadyExists
// when the user already holds an order for the voucher and
// orders.ErrOutOfStock when no durable stock is left.
type OrderStore interface {
	CreateVoucherOrder(ctx context.Context, o orders.VoucherOrder) error
}

type Publisher interface {
	Publish(key, value []byte, headers ...kafkago.Header)
}

type Config struct {
	Consumer       string
	Block          time.Duration
	LockTTL        time.Duration
	LockInterval   time.Duration
	LockRetries    int
	PendingBackoff time.Duration
	// ClaimIdle is how long an entry may stay pending before another
	// consumer takes it over. It must exceed the time one entry can take.
	ClaimIdle time.Duration
	Service   string
}

func (c Config) withDefaults() Config {
	if c.Consumer == "" {
		c.Consumer = "c1"
	}
	if c.Block <= 0 {
		c.Block = 2 * time.Second
	}
	if c.LockTTL <= 0 {
		c.LockTTL = redisx.TTLLockOrder
	}
	if c.LockInterval <= 0 {
		c.LockInterval = 50 * time.Millisecond
	}
	if c.LockRetries <= 0 {
		c.LockRetries = 20
	}
	if c.PendingBackoff <= 0 {
		c.PendingBackoff = 20 * time.Millisecond
	}
	if c.ClaimIdle <= 0 {
		c.ClaimIdle = 3 * c.LockTTL
	}
	if c.Service == "" {
		c.Service = "flash-worker"
	}
	return c
}

type Worker struct {
	cfg       Config
	queue     *stream.Queue
	locker    *lock.Locker
	store     OrderStore
	publisher Publisher
	clock     clock.Clock
	logger    *zap.Logger
	metrics   *metrics.Metrics

	lastClaim time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a worker. publisher may be nil, in which case no events are
// emitted after persistence.
func New(cfg Config, queue *stream.Queue, locker *lock.Locker, store OrderStore, publisher Publisher,
	clk clock.Clock, logger *zap.Logger, m *metrics.Metrics,
) *Worker {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	cfg = cfg.withDefaults()
	return &Worker{
		cfg:       cfg,
		queue:     queue,
		locker:    locker,
		store:     store,
		publisher: publisher,
		clock:     clk,
		logger:    logger.Named("worker").With(zap.String("consumer", cfg.Consumer)),
		metrics:   m,
	}
}

// Start runs the loop in the background until Stop is called or ctx ends.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go func() {
		defer close(w.done)
		if err := w.Run(ctx); err != nil {
			w.logger.Error("worker stopped", zap.Error(err))
		}
	}()
}

// Stop cancels the loop and waits for the entry in flight to finish.
func (w *Worker) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
}

// Run blocks until ctx is done. It only returns an error when the consumer
// group can not be created; per-entry failures are logged and retried.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	pending, err := w.queue.Pending(ctx)
	if err != nil {
		w.logger.Warn("count pending", zap.Error(err))
	}
	w.logger.Info("worker started",
		zap.String("stream", w.queue.Stream()), zap.String("group", w.queue.Group()),
		zap.Int64("group_pending", pending))

	// Entries left pending by a previous run go first.
	w.recoverPending(ctx)

	for ctx.Err() == nil {
		if w.clock.Since(w.lastClaim) >= w.cfg.ClaimIdle {
			w.recoverPending(ctx)
		}
		e, err := w.queue.ReadNext(ctx, w.cfg.Consumer, w.cfg.Block)
		if err != nil && e == nil {
			if ctx.Err() != nil {
				break
			}
			w.logger.Warn("read stream", zap.Error(err))
			w.sleep(ctx, w.cfg.PendingBackoff)
			w.recoverPending(ctx)
			continue
		}
		if e == nil {
			continue
		}
		if err := w.process(ctx, e, err); err != nil {
			w.fail(e, err)
			w.recoverPending(ctx)
		}
	}
	w.logger.Info("worker stopped")
	return nil
}

// recoverPending claims idle entries of other consumers, then replays this
// consumer's unacknowledged entries until the pending list is empty or ctx
// is done.
func (w *Worker) recoverPending(ctx context.Context) {
	w.claim(ctx)
	for ctx.Err() == nil {
		e, err := w.queue.ReadPending(ctx, w.cfg.Consumer)
		if err != nil && e == nil {
			if ctx.Err() == nil {
				w.logger.Warn("read pending", zap.Error(err))
				w.sleep(ctx, w.cfg.PendingBackoff)
			}
			continue
		}
		if e == nil {
			return
		}
		if err := w.process(ctx, e, err); err != nil {
			w.fail(e, err)
			w.sleep(ctx, w.cfg.PendingBackoff)
			continue
		}
		w.metrics.PendingReplayed.Inc()
	}
}

func (w *Worker) claim(ctx context.Context) {
	w.lastClaim = w.clock.Now()
	n, err := w.queue.Claim(ctx, w.cfg.Consumer, w.cfg.ClaimIdle)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Warn("claim idle entries", zap.Error(err))
		}
		return
	}
	if n > 0 {
		w.metrics.EntriesClaimed.Add(float64(n))
		w.logger.Info("claimed idle entries", zap.Int("count", n))
	}
}

func (w *Worker) fail(e *stream.Entry, err error) {
	w.metrics.WorkerFailures.Inc()
	w.logger.Warn("order entry not acknowledged",
		zap.String("entry_id", e.ID), zap.Int64("order_id", e.Order.ID), zap.Error(err))
}

// process handles one delivered entry. A nil return means the entry was
// acknowledged.
func (w *Worker) process(ctx context.Context, e *stream.Entry, decodeErr error) error {
	if decodeErr != nil {
		if !errors.Is(decodeErr, stream.ErrMalformedEntry) {
			return decodeErr
		}
		// It can never succeed; keeping it would wedge recovery.
		w.logger.Error("dropping malformed entry", zap.String("entry_id", e.ID), zap.Error(decodeErr))
		w.metrics.OrdersRejected.WithLabelValues("malformed").Inc()
		return w.queue.Ack(ctx, e.ID)
	}

	o := e.Order
	lease, err := w.locker.Acquire(ctx, fmt.Sprintf(redisx.LockOrderUser, o.UserID),
		w.cfg.LockTTL, w.cfg.LockInterval, w.cfg.LockRetries)
	if err != nil {
		return fmt.Errorf("lock user %d: %w", o.UserID, err)
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			w.logger.Warn("release lock", zap.String("key", lease.Key()), zap.Error(err))
		}
	}()

	err = w.store.CreateVoucherOrder(ctx, o)
	switch {
	case err == nil:
		w.metrics.OrdersPersisted.Inc()
		w.publish(o)
	case errors.Is(err, orders.ErrAlreadyExists):
		w.reject(e, "duplicate", err)
	case errors.Is(err, orders.ErrOutOfStock):
		w.reject(e, "out_of_stock", err)
	default:
		return fmt.Errorf("persist order %d: %w", o.ID, err)
	}
	return w.queue.Ack(ctx, e.ID)
}

func (w *Worker) reject(e *stream.Entry, reason string, err error) {
	w.metrics.OrdersRejected.WithLabelValues(reason).Inc()
	w.logger.Info("order entry rejected",
		zap.String("entry_id", e.ID), zap.Int64("order_id", e.Order.ID),
		zap.Int64("user_id", e.Order.UserID), zap.Int64("voucher_id", e.Order.VoucherID),
		zap.String("reason", reason), zap.Error(err))
}

func (w *Worker) publish(o orders.VoucherOrder) {
	if w.publisher == nil {
		return
	}
	status := o.Status
	if status == 0 {
		status = orders.StatusUnpaid
	}
	orderID := strconv.FormatInt(o.ID, 10)
	ev := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     orders.EventVoucherOrderCreated,
		EventVersion:  1,
		OccurredAt:    w.clock.Now().UTC(),
		Producer:      w.cfg.Service,
		CorrelationID: orderID,
		Payload: kafkax.MustMarshal(orders.VoucherOrderCreatedPayload{
			OrderID:   o.ID,
			UserID:    o.UserID,
			VoucherID: o.VoucherID,
			Status:    status.String(),
			CreatedAt: o.CreatedAt,
		}),
	}
	w.publisher.Publish(orders.PartitionKey(o.ID), kafkax.MustMarshal(ev),
		kafkax.EventHeaders(orders.EventVoucherOrderCreated, 1)...)
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	t := w.clock.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
