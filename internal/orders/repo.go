package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrAlreadyExists   = errors.New("order already exists")
	ErrOutOfStock      = errors.New("voucher out of stock")
	ErrVoucherNotFound = errors.New("voucher not found")
)

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Repo struct{ DB *pgxpool.Pool }

func (r *Repo) GetVoucher(ctx context.Context, voucherID int64) (SeckillVoucher, error) {
	return getVoucher(ctx, r.DB, voucherID)
}

// DecrementStock takes one unit of stock; ErrOutOfStock when none is left.
func (r *Repo) DecrementStock(ctx context.Context, voucherID int64) error {
	return decrementStock(ctx, r.DB, voucherID)
}

func (r *Repo) OrderExists(ctx context.Context, userID, voucherID int64) (bool, error) {
	return orderExists(ctx, r.DB, userID, voucherID)
}

func (r *Repo) SaveOrder(ctx context.Context, o VoucherOrder) error {
	return saveOrder(ctx, r.DB, o)
}

// CreateVoucherOrder persists an admitted order in one transaction:
// duplicate check, stock decrement, insert. Re-running it for an order that
// is already stored returns ErrAlreadyExists and changes nothing.
func (r *Repo) CreateVoucherOrder(ctx context.Context, o VoucherOrder) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	exists, err := orderExists(ctx, tx, o.UserID, o.VoucherID)
	if err != nil {
		return err
	}
	if exists {
		return ErrAlreadyExists
	}
	if err := decrementStock(ctx, tx, o.VoucherID); err != nil {
		return err
	}
	if err := saveOrder(ctx, tx, o); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func getVoucher(ctx context.Context, db dbtx, voucherID int64) (SeckillVoucher, error) {
	var v SeckillVoucher
	err := db.QueryRow(ctx, `
		SELECT voucher_id, stock, begin_time, end_time, created_at, updated_at
		FROM seckill_vouchers WHERE voucher_id=$1`, voucherID,
	).Scan(&v.VoucherID, &v.Stock, &v.BeginTime, &v.EndTime, &v.CreatedAt, &v.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return v, ErrVoucherNotFound
	}
	return v, err
}

// stock > 0 in the WHERE clause relies on the row lock of UPDATE, so two
// concurrent decrements can never take the last unit twice.
func decrementStock(ctx context.Context, db dbtx, voucherID int64) error {
	ct, err := db.Exec(ctx, `
		UPDATE seckill_vouchers SET stock = stock - 1, updated_at = NOW()
		WHERE voucher_id=$1 AND stock > 0`, voucherID)
	if err != nil {
		return fmt.Errorf("decrement stock %d: %w", voucherID, err)
	}
	if ct.RowsAffected() != 1 {
		return ErrOutOfStock
	}
	return nil
}

func orderExists(ctx context.Context, db dbtx, userID, voucherID int64) (bool, error) {
	var exists bool
	err := db.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM voucher_orders WHERE user_id=$1 AND voucher_id=$2)`,
		userID, voucherID,
	).Scan(&exists)
	return exists, err
}

func saveOrder(ctx context.Context, db dbtx, o VoucherOrder) error {
	status := o.Status
	if status == 0 {
		status = StatusUnpaid
	}
	ct, err := db.Exec(ctx, `
		INSERT INTO voucher_orders(id, user_id, voucher_id, status, created_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT DO NOTHING`,
		o.ID, o.UserID, o.VoucherID, int16(status), o.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert order %d: %w", o.ID, err)
	}
	if ct.RowsAffected() == 0 {
		return ErrAlreadyExists
	}
	return nil
}
