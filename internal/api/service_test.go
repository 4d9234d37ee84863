package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"crypto-payment-watcher-go/internal/chain"
	"crypto-payment-watcher-go/internal/database"
	"crypto-payment-watcher-go/internal/fulfillment"
	"crypto-payment-watcher-go/internal/invoice"
	"crypto-payment-watcher-go/internal/models"
	"crypto-payment-watcher-go/internal/notifier"
	"crypto-payment-watcher-go/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "postback-secret"

type fakeIssuer struct {
	result *invoice.CheckoutResult
	err    error
	got    invoice.CheckoutRequest
}

func (f *fakeIssuer) CreateInvoice(_ context.Context, req invoice.CheckoutRequest) (*invoice.CheckoutResult, error) {
	f.got = req
	return f.result, f.err
}

type fakeChecker struct {
	result *models.CheckResult
	err    error
}

func (f *fakeChecker) ManualCheck(context.Context, string, string) (*models.CheckResult, error) {
	return f.result, f.err
}

type testApi struct {
	service *OrderService
	store   *database.Service
	issuer  *fakeIssuer
	checker *fakeChecker
	handler http.Handler
}

func setupApi(t *testing.T, cfg models.ApiConfig) *testApi {
	orders, err := database.NewService(context.Background(), models.DatabaseConfig{Path: ":memory:", MaxOpenConns: 1, PingTimeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(orders.Close)

	issuer := &fakeIssuer{}
	checker := &fakeChecker{}
	engine := fulfillment.NewEngine(orders, notifier.NewLogNotifier())
	service := NewOrderService(cfg, orders, issuer, checker, engine)
	return &testApi{service: service, store: orders, issuer: issuer, checker: checker, handler: service.Router()}
}

func (a *testApi) seedOrder(t *testing.T, withKey bool) int64 {
	var id int64
	err := a.store.Transact(context.Background(), func(l *store.Ledger) error {
		now := time.Now()
		if withKey {
			if err := l.AddKey("KEY-1", "vpn", 30, now); err != nil {
				return err
			}
		}
		o := l.AddOrder(models.Order{
			UserId:       "u1",
			ProductCode:  "vpn",
			Days:         30,
			FiatAmount:   decimal.RequireFromString("4.99"),
			FiatCurrency: "USD",
			Status:       models.StatusAwaitingPayment,
			Provider:     models.ProviderCard,
		}, now)
		id = o.Id
		return nil
	})
	require.NoError(t, err)
	return id
}

func (a *testApi) do(t *testing.T, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealthz(t *testing.T) {
	a := setupApi(t, models.ApiConfig{Token: "secret-token"})
	a.seedOrder(t, true)

	rec := a.do(t, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(1), body["orders"])
	assert.Equal(t, float64(1), body["available_keys"])
}

func TestCheckout(t *testing.T) {
	a := setupApi(t, models.ApiConfig{})
	expires := time.Now().Add(45 * time.Minute)
	a.issuer.result = &invoice.CheckoutResult{Order: &models.Order{
		Id:          7,
		UserId:      "u1",
		ProductCode: "vpn",
		Days:        30,
		Status:      models.StatusAwaitingPayment,
		Provider:    models.ProviderWallet,
		Payment: &models.Invoice{
			Asset:        "USDT",
			Network:      "BEP20",
			Address:      "0x1111111111111111111111111111111111111111",
			AmountAtomic: big.NewInt(4990003),
			AmountText:   "4.990003",
			ExpiresAt:    expires,
			Status:       models.InvoiceStatusPending,
		},
	}}

	body := []byte(`{"user_id":"u1","product_code":"vpn","days":30,"asset":"usdt","network":"bep20"}`)
	rec := a.do(t, http.MethodPost, "/checkout", body, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	assert.Equal(t, "USDT", a.issuer.got.Asset)
	assert.Equal(t, "BEP20", a.issuer.got.Network)

	view := decode(t, rec)
	payment := view["payment"].(map[string]interface{})
	assert.Equal(t, "4.990003", payment["amount"])
	assert.Equal(t, "4990003", payment["amount_atomic"])
	assert.InDelta(t, 45, payment["minutes_left"], 1)

	a.issuer.result.Reused = true
	rec = a.do(t, http.MethodPost, "/checkout", body, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCheckout_Errors(t *testing.T) {
	a := setupApi(t, models.ApiConfig{})

	rec := a.do(t, http.MethodPost, "/checkout", []byte(`{"user_id":"u1"}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	a.issuer.err = fmt.Errorf("%w: vpn 30 days", invoice.ErrOutOfStock)
	body := []byte(`{"user_id":"u1","product_code":"vpn","days":30,"asset":"USDT","network":"BEP20"}`)
	rec = a.do(t, http.MethodPost, "/checkout", body, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	a.issuer.err = fmt.Errorf("failed to allocate invoice amount: %w", invoice.ErrAmountExhausted)
	rec = a.do(t, http.MethodPost, "/checkout", body, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRequireToken(t *testing.T) {
	a := setupApi(t, models.ApiConfig{Token: "secret-token"})
	id := a.seedOrder(t, false)
	path := fmt.Sprintf("/orders/%d", id)

	rec := a.do(t, http.MethodGet, path, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = a.do(t, http.MethodGet, path, nil, map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = a.do(t, http.MethodGet, path, nil, map[string]string{"Authorization": "Bearer secret-token"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetOrder(t *testing.T) {
	a := setupApi(t, models.ApiConfig{})
	id := a.seedOrder(t, false)

	rec := a.do(t, http.MethodGet, "/orders/abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, http.MethodGet, "/orders/999", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.do(t, http.MethodGet, fmt.Sprintf("/orders/%d", id), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode(t, rec)
	assert.Equal(t, "AWAITING_PAYMENT", view["status"])
	assert.Equal(t, "4.99", view["fiat_amount"])
	history := view["history"].([]interface{})
	require.Len(t, history, 1)
	assert.Equal(t, "AWAITING_PAYMENT", history[0].(map[string]interface{})["to"])
}

func TestManualCheckEndpoint(t *testing.T) {
	a := setupApi(t, models.ApiConfig{})
	body := []byte(`{"user_id":"u1","txid":"0xabc"}`)

	a.checker.err = chain.ErrInvalidTxId
	rec := a.do(t, http.MethodPost, "/orders/check", body, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	a.checker.err = nil
	a.checker.result = &models.CheckResult{Status: models.CheckPending}
	rec = a.do(t, http.MethodPost, "/orders/check", body, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pending", decode(t, rec)["status"])

	a.checker.result = &models.CheckResult{
		Status:  models.CheckFulfilled,
		OrderId: 3,
		TxId:    "0xabc",
		Order:   &models.Order{Id: 3, Status: models.StatusFulfilled, Key: "KEY-9"},
	}
	rec = a.do(t, http.MethodPost, "/orders/check", body, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	result := decode(t, rec)
	assert.Equal(t, "fulfilled", result["status"])
	assert.Equal(t, "KEY-9", result["order"].(map[string]interface{})["key"])
}

func TestPostbacks(t *testing.T) {
	a := setupApi(t, models.ApiConfig{PostbackSecret: testSecret})
	paid := a.seedOrder(t, true)

	post := func(provider string, body []byte, signature string) *httptest.ResponseRecorder {
		return a.do(t, http.MethodPost, "/postbacks/"+provider, body, map[string]string{SignatureHeader: signature})
	}

	body := []byte(fmt.Sprintf(`{"order_id":%d,"status":"SUCCESS","reference":"trs-1"}`, paid))
	rec := post("card", body, "deadbeef")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = post("paypal", body, SignPostback(testSecret, body))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = post("card", body, SignPostback(testSecret, body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "fulfilled", decode(t, rec)["result"])

	snapshot, err := a.store.Snapshot(context.Background())
	require.NoError(t, err)
	o := snapshot.Orders[paid]
	assert.Equal(t, models.StatusFulfilled, o.Status)
	assert.Equal(t, "KEY-1", o.Key)
	assert.Equal(t, "trs-1", o.Payment.Reference)

	// retried by the gateway
	rec = post("card", body, SignPostback(testSecret, body))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "already_fulfilled", decode(t, rec)["result"])

	unknown := []byte(`{"order_id":999,"status":"SUCCESS"}`)
	rec = post("hosted_crypto", unknown, SignPostback(testSecret, unknown))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "missing", decode(t, rec)["result"])

	garbage := []byte(`{"status":"SUCCESS"}`)
	rec = post("card", garbage, SignPostback(testSecret, garbage))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPostbacks_DisabledWithoutSecret(t *testing.T) {
	a := setupApi(t, models.ApiConfig{})
	body := []byte(`{"order_id":1,"status":"SUCCESS"}`)

	rec := a.do(t, http.MethodPost, "/postbacks/card", body, map[string]string{SignatureHeader: SignPostback("", body)})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
