package orders_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-flash-orders/internal/orders"
	"github.com/ariefcatur/go-flash-orders/internal/testutil"
)

func TestRepo(t *testing.T) {
	pool := testutil.NewTestPool(t)
	repo := &orders.Repo{DB: pool}

	t.Run("GetVoucher", func(t *testing.T) {
		ctx := context.Background()
		testutil.TruncateAll(t, ctx, pool)
		testutil.InsertVoucher(t, ctx, pool, 1, 5)

		v, err := repo.GetVoucher(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, 5, v.Stock)
		assert.True(t, v.BeginTime.Before(v.EndTime))

		_, err = repo.GetVoucher(ctx, 2)
		assert.ErrorIs(t, err, orders.ErrVoucherNotFound)
	})

	t.Run("CreateVoucherOrder is idempotent per buyer", func(t *testing.T) {
		ctx := context.Background()
		testutil.TruncateAll(t, ctx, pool)
		testutil.InsertVoucher(t, ctx, pool, 1, 5)

		o := orders.VoucherOrder{ID: 11, UserID: 7, VoucherID: 1, CreatedAt: time.Now().UTC()}
		require.NoError(t, repo.CreateVoucherOrder(ctx, o))
		assert.ErrorIs(t, repo.CreateVoucherOrder(ctx, o), orders.ErrAlreadyExists)

		// Different order id, same buyer.
		o.ID = 12
		assert.ErrorIs(t, repo.CreateVoucherOrder(ctx, o), orders.ErrAlreadyExists)

		exists, err := repo.OrderExists(ctx, 7, 1)
		require.NoError(t, err)
		assert.True(t, exists)

		v, err := repo.GetVoucher(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, 4, v.Stock)
	})

	t.Run("CreateVoucherOrder stops at zero stock", func(t *testing.T) {
		ctx := context.Background()
		testutil.TruncateAll(t, ctx, pool)
		testutil.InsertVoucher(t, ctx, pool, 1, 3)

		var wg sync.WaitGroup
		errs := make(chan error, 10)
		for u := int64(1); u <= 10; u++ {
			wg.Add(1)
			go func(u int64) {
				defer wg.Done()
				errs <- repo.CreateVoucherOrder(ctx, orders.VoucherOrder{
					ID: 100 + u, UserID: u, VoucherID: 1, CreatedAt: time.Now().UTC(),
				})
			}(u)
		}
		wg.Wait()
		close(errs)

		var ok, out int
		for err := range errs {
			switch {
			case err == nil:
				ok++
			case assert.ErrorIs(t, err, orders.ErrOutOfStock):
				out++
			}
		}
		assert.Equal(t, 3, ok)
		assert.Equal(t, 7, out)

		v, err := repo.GetVoucher(ctx, 1)
		require.NoError(t, err)
		assert.Zero(t, v.Stock)
	})

	t.Run("DecrementStock and SaveOrder", func(t *testing.T) {
		ctx := context.Background()
		testutil.TruncateAll(t, ctx, pool)
		testutil.InsertVoucher(t, ctx, pool, 1, 1)

		require.NoError(t, repo.DecrementStock(ctx, 1))
		assert.ErrorIs(t, repo.DecrementStock(ctx, 1), orders.ErrOutOfStock)

		o := orders.VoucherOrder{ID: 21, UserID: 3, VoucherID: 1, CreatedAt: time.Now().UTC()}
		require.NoError(t, repo.SaveOrder(ctx, o))
		assert.ErrorIs(t, repo.SaveOrder(ctx, o), orders.ErrAlreadyExists)
	})
}
