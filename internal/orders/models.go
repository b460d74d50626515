package orders

import "time"

// SeckillVoucher is the durable stock row of a flash-sale voucher.
type SeckillVoucher struct {
	VoucherID int64
	Stock     int
	BeginTime time.Time
	EndTime   time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// VoucherOrder is created once per successful admission and never changes.
// At most one exists per (UserID, VoucherID).
type VoucherOrder struct {
	ID        int64
	UserID    int64
	VoucherID int64
	Status    Status
	CreatedAt time.Time
}
