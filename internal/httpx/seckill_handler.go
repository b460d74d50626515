package httpx

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-flash-orders/internal/orders"
	"github.com/ariefcatur/go-flash-orders/internal/seckill"
)

// HeaderUserID carries the authenticated user id set by the gateway.
const HeaderUserID = "X-User-Id"

type Admitter interface {
	Admit(ctx context.Context, voucherID, userID int64) (int64, error)
	Provision(ctx context.Context, v orders.SeckillVoucher) error
	Remaining(ctx context.Context, voucherID int64) (int64, error)
}

type VoucherStore interface {
	GetVoucher(ctx context.Context, voucherID int64) (orders.SeckillVoucher, error)
}

type SeckillHandler struct {
	Admitter Admitter
	Vouchers VoucherStore
	Logger   *zap.Logger
}

type SeckillResp struct {
	OrderID string `json:"order_id"`
}

func (h *SeckillHandler) Register(r chi.Router) {
	r.Post("/vouchers/{id}/seckill", h.seckill)
	r.Post("/vouchers/{id}/preload", h.preload)
	r.Get("/vouchers/{id}/stock", h.stock)
}

func (h *SeckillHandler) logger() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger
}

func (h *SeckillHandler) seckill(w http.ResponseWriter, r *http.Request) {
	voucherID, ok := pathID(w, r)
	if !ok {
		return
	}
	userID, err := strconv.ParseInt(r.Header.Get(HeaderUserID), 10, 64)
	if err != nil || userID <= 0 {
		writeError(w, http.StatusUnauthorized, "missing user")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	orderID, err := h.Admitter.Admit(ctx, voucherID, userID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, SeckillResp{OrderID: strconv.FormatInt(orderID, 10)})
	case errors.Is(err, seckill.ErrInsufficientStock), errors.Is(err, seckill.ErrDuplicateOrder):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, seckill.ErrSaleNotStarted), errors.Is(err, seckill.ErrSaleEnded):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, seckill.ErrVoucherNotProvisioned):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		h.logger().Error("admission failed", zap.Int64("voucher_id", voucherID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "try again")
	}
}

func (h *SeckillHandler) preload(w http.ResponseWriter, r *http.Request) {
	voucherID, ok := pathID(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	v, err := h.Vouchers.GetVoucher(ctx, voucherID)
	if errors.Is(err, orders.ErrVoucherNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		h.logger().Error("load voucher", zap.Int64("voucher_id", voucherID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "load voucher")
		return
	}
	err = h.Admitter.Provision(ctx, v)
	if errors.Is(err, seckill.ErrAlreadyProvisioned) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		h.logger().Error("provision voucher", zap.Int64("voucher_id", voucherID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "try again")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"voucher_id": voucherID, "stock": v.Stock})
}

func (h *SeckillHandler) stock(w http.ResponseWriter, r *http.Request) {
	voucherID, ok := pathID(w, r)
	if !ok {
		return
	}
	n, err := h.Admitter.Remaining(r.Context(), voucherID)
	if errors.Is(err, seckill.ErrVoucherNotProvisioned) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		h.logger().Error("read stock", zap.Int64("voucher_id", voucherID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "try again")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"voucher_id": voucherID, "stock": n})
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}
