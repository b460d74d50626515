package seckill

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ariefcatur/go-flash-orders/internal/idgen"
	"github.com/ariefcatur/go-flash-orders/internal/metrics"
	"github.com/ariefcatur/go-flash-orders/internal/orders"
	"github.com/ariefcatur/go-flash-orders/internal/stream"
)

var saleStart = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	admitter *Admitter
	queue    *stream.Queue
	rdb      *redis.Client
	mr       *miniredis.Miniredis
	clock    *clock.Mock
	metrics  *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), PoolSize: 64})
	t.Cleanup(func() { _ = rdb.Close() })

	clk := clock.NewMock()
	clk.Set(saleStart.Add(time.Minute))
	q := stream.New(rdb, "stream.orders", "g1")
	require.NoError(t, q.EnsureGroup(context.Background()))
	m := metrics.New(prometheus.NewRegistry())

	return &fixture{
		admitter: NewAdmitter(rdb, idgen.New(rdb, clk), q, clk, zaptest.NewLogger(t), m),
		queue:    q,
		rdb:      rdb,
		mr:       mr,
		clock:    clk,
		metrics:  m,
	}
}

func (f *fixture) provision(t *testing.T, voucherID int64, stock int) {
	t.Helper()
	require.NoError(t, f.admitter.Provision(context.Background(), orders.SeckillVoucher{
		VoucherID: voucherID,
		Stock:     stock,
		BeginTime: saleStart,
		EndTime:   saleStart.Add(time.Hour),
	}))
}

func (f *fixture) streamLen(t *testing.T) int64 {
	t.Helper()
	n, err := f.rdb.XLen(context.Background(), "stream.orders").Result()
	require.NoError(t, err)
	return n
}

func TestAdmit_NoOversell(t *testing.T) {
	f := newFixture(t)
	f.provision(t, 1, 10)

	const attempts = 60
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok      int
		soldOut int
		ids     = map[int64]struct{}{}
	)
	for u := 1; u <= attempts; u++ {
		wg.Add(1)
		go func(userID int64) {
			defer wg.Done()
			id, err := f.admitter.Admit(context.Background(), 1, userID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
				ids[id] = struct{}{}
			case errors.Is(err, ErrInsufficientStock):
				soldOut++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(int64(u))
	}
	wg.Wait()

	assert.Equal(t, 10, ok)
	assert.Equal(t, attempts-10, soldOut)
	assert.Len(t, ids, 10)

	left, err := f.admitter.Remaining(context.Background(), 1)
	require.NoError(t, err)
	assert.Zero(t, left)
	assert.Equal(t, int64(10), f.streamLen(t))
	assert.Equal(t, 10.0, testutil.ToFloat64(f.metrics.Admissions.WithLabelValues("ok")))
}

func TestAdmit_NoDuplicateUnderConcurrency(t *testing.T) {
	f := newFixture(t)
	f.provision(t, 1, 100)

	const attempts = 30
	var wg sync.WaitGroup
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.admitter.Admit(context.Background(), 1, 42)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok, dup int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrDuplicateOrder):
			dup++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, attempts-1, dup)

	left, err := f.admitter.Remaining(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(99), left)
}

func TestAdmit_LastUnitTwoUsers(t *testing.T) {
	f := newFixture(t)
	f.provision(t, 1, 1)

	type outcome struct {
		id  int64
		err error
	}
	results := make(chan outcome, 2)
	for _, userID := range []int64{100, 200} {
		go func(userID int64) {
			id, err := f.admitter.Admit(context.Background(), 1, userID)
			results <- outcome{id: id, err: err}
		}(userID)
	}

	var ok, soldOut int
	var orderID int64
	for i := 0; i < 2; i++ {
		r := <-results
		switch {
		case r.err == nil:
			ok++
			orderID = r.id
		case errors.Is(r.err, ErrInsufficientStock):
			soldOut++
		default:
			t.Errorf("unexpected error: %v", r.err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, soldOut)
	assert.NotZero(t, orderID)
}

func TestAdmit_SequentialDuplicateBeforePersistence(t *testing.T) {
	f := newFixture(t)
	f.provision(t, 1, 1)
	ctx := context.Background()

	id, err := f.admitter.Admit(ctx, 1, 7)
	require.NoError(t, err)
	assert.NotZero(t, id)

	// Nothing consumed the queue yet; the script's own buyer set rejects it.
	_, err = f.admitter.Admit(ctx, 1, 7)
	assert.ErrorIs(t, err, ErrDuplicateOrder)
	assert.Equal(t, int64(1), f.streamLen(t))
}

func TestAdmit_EnqueuesFlatEntry(t *testing.T) {
	f := newFixture(t)
	f.provision(t, 3, 5)
	ctx := context.Background()

	id, err := f.admitter.Admit(ctx, 3, 9)
	require.NoError(t, err)

	e, err := f.queue.ReadNext(ctx, "c1", 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, id, e.Order.ID)
	assert.Equal(t, int64(9), e.Order.UserID)
	assert.Equal(t, int64(3), e.Order.VoucherID)
	assert.Equal(t, f.clock.Now().UnixMilli(), e.Order.CreatedAt.UnixMilli())

	// The script marked the order id as enqueued, so a retried append is a no-op.
	_, err = f.queue.Append(ctx, e.Order)
	assert.ErrorIs(t, err, stream.ErrAlreadyEnqueued)
}

func TestAdmit_SaleWindow(t *testing.T) {
	f := newFixture(t)
	f.provision(t, 1, 5)
	ctx := context.Background()

	f.clock.Set(saleStart.Add(-time.Second))
	_, err := f.admitter.Admit(ctx, 1, 1)
	assert.ErrorIs(t, err, ErrSaleNotStarted)

	f.clock.Set(saleStart.Add(time.Hour + time.Second))
	_, err = f.admitter.Admit(ctx, 1, 1)
	assert.ErrorIs(t, err, ErrSaleEnded)

	left, err := f.admitter.Remaining(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(5), left)
	assert.Zero(t, f.streamLen(t))
}

func TestAdmit_NotProvisioned(t *testing.T) {
	f := newFixture(t)

	_, err := f.admitter.Admit(context.Background(), 99, 1)
	assert.ErrorIs(t, err, ErrVoucherNotProvisioned)

	_, err = f.admitter.Remaining(context.Background(), 99)
	assert.ErrorIs(t, err, ErrVoucherNotProvisioned)
}

func TestAdmit_StoreDownFailsClosed(t *testing.T) {
	f := newFixture(t)
	f.provision(t, 1, 5)
	f.mr.Close()

	id, err := f.admitter.Admit(context.Background(), 1, 1)
	require.Error(t, err)
	assert.Zero(t, id)
	for _, sentinel := range []error{ErrInsufficientStock, ErrDuplicateOrder, ErrSaleNotStarted, ErrSaleEnded} {
		assert.NotErrorIs(t, err, sentinel)
	}
}

func TestProvision_DoesNotReplenish(t *testing.T) {
	f := newFixture(t)
	f.provision(t, 1, 2)

	_, err := f.admitter.Admit(context.Background(), 1, 1)
	require.NoError(t, err)

	err = f.admitter.Provision(context.Background(), orders.SeckillVoucher{
		VoucherID: 1, Stock: 50, BeginTime: saleStart, EndTime: saleStart.Add(time.Hour),
	})
	assert.ErrorIs(t, err, ErrAlreadyProvisioned)

	left, err := f.admitter.Remaining(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), left)
}

func TestResult_Err(t *testing.T) {
	assert.NoError(t, ResultOK.Err())
	assert.ErrorIs(t, ResultInsufficientStock.Err(), ErrInsufficientStock)
	assert.ErrorIs(t, ResultDuplicateOrder.Err(), ErrDuplicateOrder)
	assert.Error(t, Result(42).Err())
	assert.Equal(t, "duplicate_order", ResultDuplicateOrder.String())
}
