package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-flash-orders/internal/cache"
	"github.com/ariefcatur/go-flash-orders/internal/shops"
)

type ShopService interface {
	QueryByID(ctx context.Context, id int64) (shops.Shop, error)
	Update(ctx context.Context, s shops.Shop) error
	ListTypes(ctx context.Context) ([]shops.ShopType, error)
}

type ShopsHandler struct {
	Shops  ShopService
	Logger *zap.Logger
}

func (h *ShopsHandler) Register(r chi.Router) {
	r.Get("/shops/{id}", h.get)
	r.Put("/shops/{id}", h.update)
	r.Get("/shop-types", h.listTypes)
}

func (h *ShopsHandler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	s, err := h.Shops.QueryByID(ctx, id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, s)
	case errors.Is(err, shops.ErrNotFound):
		writeError(w, http.StatusNotFound, "shop not found")
	case errors.Is(err, cache.ErrBusy):
		writeError(w, http.StatusServiceUnavailable, "try again")
	default:
		h.logger().Error("query shop", zap.Int64("shop_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "query shop")
	}
}

func (h *ShopsHandler) update(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var s shops.Shop
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	s.ID = id

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	err := h.Shops.Update(ctx, s)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, shops.ErrNotFound):
		writeError(w, http.StatusNotFound, "shop not found")
	default:
		h.logger().Error("update shop", zap.Int64("shop_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "update shop")
	}
}

func (h *ShopsHandler) listTypes(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	types, err := h.Shops.ListTypes(ctx)
	if err != nil {
		h.logger().Error("list shop types", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list shop types")
		return
	}
	writeJSON(w, http.StatusOK, types)
}

func (h *ShopsHandler) logger() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger
}
