package pricing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"crypto-payment-watcher-go/internal/models"
	"crypto-payment-watcher-go/internal/transport"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeApis struct {
	priceCalls atomic.Int32
	fiatCalls  atomic.Int32
	server     *httptest.Server
}

func newFakeApis(t *testing.T) *fakeApis {
	f := &fakeApis{}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/simple/price":
			f.priceCalls.Add(1)
			assert.Equal(t, "usd", r.URL.Query().Get("vs_currencies"))
			if r.URL.Query().Get("ids") == "bitcoin" {
				_, _ = w.Write([]byte(`{"bitcoin": {"usd": 50000}}`))
				return
			}
			_, _ = w.Write([]byte(`{}`))
		case "/latest":
			f.fiatCalls.Add(1)
			assert.Equal(t, "USD", r.URL.Query().Get("base"))
			_, _ = w.Write([]byte(`{"rates": {"EUR": 0.8}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(f.server.Close)
	return f
}

func newTestService(t *testing.T, apis *fakeApis) *Service {
	client, err := transport.NewClient(time.Second, 0)
	require.NoError(t, err)
	svc, err := NewService(models.PricingConfig{
		CoinGeckoApiBase: apis.server.URL,
		FiatRateApiBase:  apis.server.URL,
		PriceCacheTtl:    time.Minute,
		FiatRateCacheTtl: 5 * time.Minute,
	}, client)
	require.NoError(t, err)
	return svc
}

func TestQuote_ConvertsThroughUsd(t *testing.T) {
	apis := newFakeApis(t)
	svc := newTestService(t, apis)
	btc := models.Asset{Code: "BTC", PriceId: "bitcoin", Decimals: 8}

	quote, err := svc.Quote(context.Background(), btc, decimal.NewFromInt(40), "EUR", 6)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(50).Equal(quote.AmountUsd), quote.AmountUsd.String())
	assert.True(t, decimal.NewFromInt(50000).Equal(quote.PriceUsd))
	assert.Equal(t, "0.001", quote.Amount.String())
}

func TestQuote_UsesCachesWithinTtl(t *testing.T) {
	apis := newFakeApis(t)
	svc := newTestService(t, apis)
	now := time.Now()
	svc.now = func() time.Time { return now }
	btc := models.Asset{Code: "BTC", PriceId: "bitcoin", Decimals: 8}

	for i := 0; i < 3; i++ {
		_, err := svc.Quote(context.Background(), btc, decimal.NewFromInt(10), "EUR", 8)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), apis.priceCalls.Load())
	assert.Equal(t, int32(1), apis.fiatCalls.Load())

	now = now.Add(2 * time.Minute)
	_, err := svc.Quote(context.Background(), btc, decimal.NewFromInt(10), "EUR", 8)
	require.NoError(t, err)
	assert.Equal(t, int32(2), apis.priceCalls.Load())
	assert.Equal(t, int32(1), apis.fiatCalls.Load())
}

func TestQuote_FixedRateSkipsLookup(t *testing.T) {
	apis := newFakeApis(t)
	svc := newTestService(t, apis)
	one := decimal.NewFromInt(1)
	usdt := models.Asset{Code: "USDT", Decimals: 6, FixedUsdRate: &one}

	quote, err := svc.Quote(context.Background(), usdt, decimal.RequireFromString("9.99"), "USD", 2)
	require.NoError(t, err)
	assert.Equal(t, "9.99", quote.Amount.String())
	assert.Equal(t, int32(0), apis.priceCalls.Load())
	assert.Equal(t, int32(0), apis.fiatCalls.Load())
}

func TestQuote_MissingPrice(t *testing.T) {
	apis := newFakeApis(t)
	svc := newTestService(t, apis)

	_, err := svc.Quote(context.Background(), models.Asset{Code: "XYZ", PriceId: "unknown"}, decimal.NewFromInt(1), "USD", 8)
	assert.True(t, errors.Is(err, ErrPriceUnavailable))

	_, err = svc.Quote(context.Background(), models.Asset{Code: "XYZ"}, decimal.NewFromInt(1), "USD", 8)
	assert.True(t, errors.Is(err, ErrPriceUnavailable))

	_, err = svc.Quote(context.Background(), models.Asset{Code: "BTC", PriceId: "bitcoin"}, decimal.NewFromInt(1), "GBP", 8)
	assert.True(t, errors.Is(err, ErrPriceUnavailable))
}

func TestQuote_RoundsToZero(t *testing.T) {
	apis := newFakeApis(t)
	svc := newTestService(t, apis)

	_, err := svc.Quote(context.Background(), models.Asset{Code: "BTC", PriceId: "bitcoin"}, decimal.RequireFromString("0.01"), "USD", 2)
	assert.True(t, errors.Is(err, ErrInvalidQuote))
}
