package models

import "time"

// Config represents the application configuration
type Config struct {
	Database DatabaseConfig
	Listener ListenerConfig
	Invoice  InvoiceConfig
	Pricing  PricingConfig
	Chain    ChainConfig
	Api      ApiConfig
	Notifier NotifierConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
}

// ListenerConfig holds invoice poller settings
type ListenerConfig struct {
	PollingInterval time.Duration
	AssetsFile      string
}

// InvoiceConfig holds invoice issuing settings
type InvoiceConfig struct {
	Ttl             time.Duration
	UniqueAmountMax int64
	PaymentCurrency string
}

// PricingConfig holds price quote settings
type PricingConfig struct {
	CoinGeckoApiBase string
	FiatRateApiBase  string
	PriceCacheTtl    time.Duration
	FiatRateCacheTtl time.Duration
}

// ChainConfig holds settings shared by the chain adapters
type ChainConfig struct {
	RpcCooldown       time.Duration
	RpcBlockCacheTtl  time.Duration
	UtxoTipCacheTtl   time.Duration
	HttpTimeout       time.Duration
	ExplorerRateLimit float64
}

// ApiConfig holds HTTP API settings
type ApiConfig struct {
	ListenAddr     string
	PostbackSecret string
	Token          string
}

// NotifierConfig holds notification webhook settings
type NotifierConfig struct {
	WebhookUrl      string
	AdminWebhookUrl string
}
