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

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"crypto-payment-watcher-go/internal/models"
)

// MinPollingInterval is the lower bound applied to WALLET_POLL_INTERVAL
const MinPollingInterval = 10 * time.Second

func Load() (*models.Config, error) {
	pollingInterval, err := getEnvDuration("WALLET_POLL_INTERVAL", 20*time.Second)
	if err != nil {
		return nil, err
	}
	if pollingInterval < MinPollingInterval {
		pollingInterval = MinPollingInterval
	}

	invoiceTtl, err := getEnvDuration("INVOICE_TTL", 45*time.Minute)
	if err != nil {
		return nil, err
	}

	priceCacheTtl, err := getEnvDuration("PRICE_CACHE_TTL", 60*time.Second)
	if err != nil {
		return nil, err
	}

	fiatRateCacheTtl, err := getEnvDuration("FIAT_RATE_CACHE_TTL", 5*time.Minute)
	if err != nil {
		return nil, err
	}

	rpcCooldown, err := getEnvDuration("RPC_COOLDOWN", 15*time.Second)
	if err != nil {
		return nil, err
	}

	rpcBlockCacheTtl, err := getEnvDuration("RPC_BLOCK_CACHE_TTL", 5*time.Second)
	if err != nil {
		return nil, err
	}

	utxoTipCacheTtl, err := getEnvDuration("UTXO_TIP_CACHE_TTL", 30*time.Second)
	if err != nil {
		return nil, err
	}

	httpTimeout, err := getEnvDuration("HTTP_TIMEOUT", 20*time.Second)
	if err != nil {
		return nil, err
	}

	connMaxLifetime, err := getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute)
	if err != nil {
		return nil, err
	}

	connMaxIdleTime, err := getEnvDuration("DB_CONN_MAX_IDLE_TIME", 30*time.Second)
	if err != nil {
		return nil, err
	}

	pingTimeout, err := getEnvDuration("DB_PING_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}

	uniqueAmountMax := int64(getEnvInt("UNIQUE_AMOUNT_MAX", 999))
	if uniqueAmountMax < 0 {
		return nil, fmt.Errorf("invalid UNIQUE_AMOUNT_MAX: %d", uniqueAmountMax)
	}

	return &models.Config{
		Database: models.DatabaseConfig{
			Path:            getEnvString("DATABASE_PATH", "watcher.db"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: connMaxLifetime,
			ConnMaxIdleTime: connMaxIdleTime,
			PingTimeout:     pingTimeout,
		},
		Listener: models.ListenerConfig{
			PollingInterval: pollingInterval,
			AssetsFile:      getEnvString("ASSETS_FILE", "assets.yaml"),
		},
		Invoice: models.InvoiceConfig{
			Ttl:             invoiceTtl,
			UniqueAmountMax: uniqueAmountMax,
			PaymentCurrency: strings.ToUpper(getEnvString("PAYMENT_CURRENCY", "USD")),
		},
		Pricing: models.PricingConfig{
			CoinGeckoApiBase: getEnvString("COINGECKO_API_BASE", "https://api.coingecko.com/api/v3"),
			FiatRateApiBase:  getEnvString("FIAT_RATE_API_BASE", "https://api.exchangerate.host"),
			PriceCacheTtl:    priceCacheTtl,
			FiatRateCacheTtl: fiatRateCacheTtl,
		},
		Chain: models.ChainConfig{
			RpcCooldown:       rpcCooldown,
			RpcBlockCacheTtl:  rpcBlockCacheTtl,
			UtxoTipCacheTtl:   utxoTipCacheTtl,
			HttpTimeout:       httpTimeout,
			ExplorerRateLimit: getEnvFloat("EXPLORER_RATE_LIMIT", 5),
		},
		Api: models.ApiConfig{
			ListenAddr:     getEnvString("API_LISTEN_ADDR", "127.0.0.1:8080"),
			PostbackSecret: os.Getenv("POSTBACK_SECRET"),
			Token:          os.Getenv("API_TOKEN"),
		},
		Notifier: models.NotifierConfig{
			WebhookUrl:      os.Getenv("NOTIFY_WEBHOOK_URL"),
			AdminWebhookUrl: os.Getenv("ADMIN_WEBHOOK_URL"),
		},
	}, nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err != nil {
			return 0, fmt.Errorf("invalid duration for %s: %q (%w)", key, value, err)
		}
		return duration, nil
	}
	return defaultValue, nil
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}
