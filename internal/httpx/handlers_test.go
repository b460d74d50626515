package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ariefcatur/go-flash-orders/internal/cache"
	"github.com/ariefcatur/go-flash-orders/internal/metrics"
	"github.com/ariefcatur/go-flash-orders/internal/orders"
	"github.com/ariefcatur/go-flash-orders/internal/seckill"
	"github.com/ariefcatur/go-flash-orders/internal/shops"
)

type fakeAdmitter struct {
	admitErr     error
	provisionErr error
	provisioned  []orders.SeckillVoucher
}

func (f *fakeAdmitter) Admit(_ context.Context, voucherID, userID int64) (int64, error) {
	if f.admitErr != nil {
		return 0, f.admitErr
	}
	return voucherID*1000 + userID, nil
}

func (f *fakeAdmitter) Provision(_ context.Context, v orders.SeckillVoucher) error {
	if f.provisionErr != nil {
		return f.provisionErr
	}
	f.provisioned = append(f.provisioned, v)
	return nil
}

func (f *fakeAdmitter) Remaining(_ context.Context, voucherID int64) (int64, error) {
	if voucherID != 1 {
		return 0, seckill.ErrVoucherNotProvisioned
	}
	return 42, nil
}

type fakeVouchers map[int64]orders.SeckillVoucher

func (f fakeVouchers) GetVoucher(_ context.Context, id int64) (orders.SeckillVoucher, error) {
	v, ok := f[id]
	if !ok {
		return v, orders.ErrVoucherNotFound
	}
	return v, nil
}

type fakeShops struct {
	queryErr error
	typesErr error
	updated  []shops.Shop
}

func (f *fakeShops) QueryByID(_ context.Context, id int64) (shops.Shop, error) {
	if f.queryErr != nil {
		return shops.Shop{}, f.queryErr
	}
	if id != 1 {
		return shops.Shop{}, shops.ErrNotFound
	}
	return shops.Shop{ID: 1, Name: "Noodle Bar"}, nil
}

func (f *fakeShops) Update(_ context.Context, s shops.Shop) error {
	if s.ID != 1 {
		return shops.ErrNotFound
	}
	f.updated = append(f.updated, s)
	return nil
}

func (f *fakeShops) ListTypes(context.Context) ([]shops.ShopType, error) {
	if f.typesErr != nil {
		return nil, f.typesErr
	}
	return []shops.ShopType{{ID: 1, Name: "Food", Sort: 1}, {ID: 2, Name: "KTV", Sort: 2}}, nil
}

func newServer(t *testing.T, a *fakeAdmitter, s *fakeShops) *httptest.Server {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.Admissions.WithLabelValues("ok").Inc()

	logger := zaptest.NewLogger(t)
	r := NewRouter(logger, reg)
	(&SeckillHandler{Admitter: a, Vouchers: fakeVouchers{1: {VoucherID: 1, Stock: 100}}, Logger: logger}).Register(r)
	(&ShopsHandler{Shops: s, Logger: logger}).Register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, body string, header map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestSeckill(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		user     string
		admitErr error
		want     int
	}{
		{name: "admitted", path: "/vouchers/2/seckill", user: "7", want: http.StatusOK},
		{name: "missing user", path: "/vouchers/2/seckill", want: http.StatusUnauthorized},
		{name: "bad voucher id", path: "/vouchers/abc/seckill", user: "7", want: http.StatusBadRequest},
		{name: "sold out", path: "/vouchers/2/seckill", user: "7", admitErr: seckill.ErrInsufficientStock, want: http.StatusConflict},
		{name: "duplicate", path: "/vouchers/2/seckill", user: "7", admitErr: seckill.ErrDuplicateOrder, want: http.StatusConflict},
		{name: "not started", path: "/vouchers/2/seckill", user: "7", admitErr: seckill.ErrSaleNotStarted, want: http.StatusForbidden},
		{name: "not provisioned", path: "/vouchers/2/seckill", user: "7", admitErr: seckill.ErrVoucherNotProvisioned, want: http.StatusNotFound},
		{name: "store down", path: "/vouchers/2/seckill", user: "7", admitErr: errors.New("dial tcp: refused"), want: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newServer(t, &fakeAdmitter{admitErr: tt.admitErr}, &fakeShops{})
			h := map[string]string{}
			if tt.user != "" {
				h[HeaderUserID] = tt.user
			}
			resp, body := do(t, http.MethodPost, srv.URL+tt.path, "", h)
			assert.Equal(t, tt.want, resp.StatusCode)
			if tt.want == http.StatusOK {
				assert.Equal(t, "2007", body["order_id"])
			}
		})
	}
}

func TestPreload(t *testing.T) {
	a := &fakeAdmitter{}
	srv := newServer(t, a, &fakeShops{})

	resp, _ := do(t, http.MethodPost, srv.URL+"/vouchers/1/preload", "", nil)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Len(t, a.provisioned, 1)
	assert.Equal(t, 100, a.provisioned[0].Stock)

	resp, _ = do(t, http.MethodPost, srv.URL+"/vouchers/9/preload", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	a.provisionErr = seckill.ErrAlreadyProvisioned
	resp, _ = do(t, http.MethodPost, srv.URL+"/vouchers/1/preload", "", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestStock(t *testing.T) {
	srv := newServer(t, &fakeAdmitter{}, &fakeShops{})

	resp, body := do(t, http.MethodGet, srv.URL+"/vouchers/1/stock", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 42.0, body["stock"])

	resp, _ = do(t, http.MethodGet, srv.URL+"/vouchers/2/stock", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestShops(t *testing.T) {
	s := &fakeShops{}
	srv := newServer(t, &fakeAdmitter{}, s)

	resp, body := do(t, http.MethodGet, srv.URL+"/shops/1", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Noodle Bar", body["name"])

	resp, _ = do(t, http.MethodGet, srv.URL+"/shops/2", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, http.MethodPut, srv.URL+"/shops/1", `{"name":"Renamed"}`, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Len(t, s.updated, 1)
	assert.Equal(t, int64(1), s.updated[0].ID)

	resp, _ = do(t, http.MethodPut, srv.URL+"/shops/1", `{`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	s.queryErr = cache.ErrBusy
	resp, _ = do(t, http.MethodGet, srv.URL+"/shops/1", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestShopTypes(t *testing.T) {
	s := &fakeShops{}
	srv := newServer(t, &fakeAdmitter{}, s)

	resp, err := http.Get(srv.URL + "/shop-types")
	require.NoError(t, err)
	var types []shops.ShopType
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&types))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, types, 2)
	assert.Equal(t, "Food", types[0].Name)

	s.typesErr = errors.New("db down")
	resp, _ = do(t, http.MethodGet, srv.URL+"/shop-types", "", nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newServer(t, &fakeAdmitter{}, &fakeShops{})

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	var sb strings.Builder
	_, _ = io.Copy(&sb, resp.Body)
	assert.Contains(t, sb.String(), `seckill_admissions_total{result="ok"} 1`)
}
