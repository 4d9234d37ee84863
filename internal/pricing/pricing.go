/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package pricing

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"crypto-payment-watcher-go/internal/models"
	"crypto-payment-watcher-go/internal/transport"

	lru "github.com/hashicorp/golang-lru"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const cacheSize = 128

var (
	ErrPriceUnavailable = errors.New("price unavailable")
	ErrInvalidQuote     = errors.New("unable to calculate crypto amount")
)

// Quote is the conversion of a fiat amount into asset units
type Quote struct {
	AmountUsd decimal.Decimal
	PriceUsd  decimal.Decimal
	Amount    decimal.Decimal
}

type cachedRate struct {
	value     decimal.Decimal
	fetchedAt time.Time
}

// Service quotes fiat prices in crypto assets. USD prices come from CoinGecko and fiat to USD
// rates from exchangerate.host; both are cached for their configured TTL.
type Service struct {
	http   *transport.Client
	config models.PricingConfig
	prices *lru.Cache
	fiat   *lru.Cache
	now    func() time.Time
}

func NewService(cfg models.PricingConfig, client *transport.Client) (*Service, error) {
	prices, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create price cache: %w", err)
	}
	fiat, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create fiat rate cache: %w", err)
	}
	return &Service{
		http:   client,
		config: cfg,
		prices: prices,
		fiat:   fiat,
		now:    time.Now,
	}, nil
}

// Quote converts fiatAmount in currency into units of asset rounded to decimals places
func (s *Service) Quote(ctx context.Context, asset models.Asset, fiatAmount decimal.Decimal, currency string, decimals int32) (*Quote, error) {
	fiatPerUsd, err := s.FiatPerUsd(ctx, currency)
	if err != nil {
		return nil, err
	}
	priceUsd, err := s.UsdPrice(ctx, asset)
	if err != nil {
		return nil, err
	}

	amountUsd := fiatAmount.Div(fiatPerUsd)
	amount := amountUsd.Div(priceUsd).Round(decimals)
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: %s %s in %s", ErrInvalidQuote, fiatAmount, currency, asset.Code)
	}

	return &Quote{
		AmountUsd: amountUsd,
		PriceUsd:  priceUsd,
		Amount:    amount,
	}, nil
}

// UsdPrice returns the USD price of one unit of asset
func (s *Service) UsdPrice(ctx context.Context, asset models.Asset) (decimal.Decimal, error) {
	if asset.FixedUsdRate != nil {
		return *asset.FixedUsdRate, nil
	}
	if asset.PriceId == "" {
		return decimal.Zero, fmt.Errorf("%w: missing price_id for %s", ErrPriceUnavailable, asset.Code)
	}

	if price, ok := s.cached(s.prices, asset.PriceId, s.config.PriceCacheTtl); ok {
		return price, nil
	}

	params := url.Values{}
	params.Set("ids", asset.PriceId)
	params.Set("vs_currencies", "usd")

	var resp map[string]map[string]decimal.Decimal
	endpoint := strings.TrimRight(s.config.CoinGeckoApiBase, "/") + "/simple/price?" + params.Encode()
	if err := s.http.GetJson(ctx, endpoint, nil, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("failed to fetch price for %s: %w", asset.Code, err)
	}

	price, ok := resp[asset.PriceId]["usd"]
	if !ok || !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: missing price for %s", ErrPriceUnavailable, asset.Code)
	}

	s.prices.Add(asset.PriceId, cachedRate{value: price, fetchedAt: s.now()})
	zap.L().Debug("Fetched asset price",
		zap.String("asset", asset.Code),
		zap.String("usd", price.String()))
	return price, nil
}

// FiatPerUsd returns how many units of currency one USD buys
func (s *Service) FiatPerUsd(ctx context.Context, currency string) (decimal.Decimal, error) {
	fiat := strings.ToUpper(strings.TrimSpace(currency))
	if fiat == "" || fiat == "USD" {
		return decimal.NewFromInt(1), nil
	}

	if rate, ok := s.cached(s.fiat, fiat, s.config.FiatRateCacheTtl); ok {
		return rate, nil
	}

	params := url.Values{}
	params.Set("base", "USD")
	params.Set("symbols", fiat)

	var resp struct {
		Rates map[string]decimal.Decimal `json:"rates"`
	}
	endpoint := strings.TrimRight(s.config.FiatRateApiBase, "/") + "/latest?" + params.Encode()
	if err := s.http.GetJson(ctx, endpoint, nil, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("failed to fetch fiat rate for %s: %w", fiat, err)
	}

	rate, ok := resp.Rates[fiat]
	if !ok || !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: missing fiat rate for %s", ErrPriceUnavailable, fiat)
	}

	s.fiat.Add(fiat, cachedRate{value: rate, fetchedAt: s.now()})
	return rate, nil
}

func (s *Service) cached(cache *lru.Cache, key string, ttl time.Duration) (decimal.Decimal, bool) {
	v, ok := cache.Get(key)
	if !ok {
		return decimal.Zero, false
	}
	entry := v.(cachedRate)
	if s.now().Sub(entry.fetchedAt) >= ttl {
		return decimal.Zero, false
	}
	return entry.value, true
}
