package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Listener.PollingInterval != 20*time.Second {
		t.Errorf("Expected polling interval 20s, got %v", cfg.Listener.PollingInterval)
	}
	if cfg.Invoice.Ttl != 45*time.Minute {
		t.Errorf("Expected invoice ttl 45m, got %v", cfg.Invoice.Ttl)
	}
	if cfg.Invoice.UniqueAmountMax != 999 {
		t.Errorf("Expected unique amount max 999, got %d", cfg.Invoice.UniqueAmountMax)
	}
	if cfg.Invoice.PaymentCurrency != "USD" {
		t.Errorf("Expected payment currency USD, got %s", cfg.Invoice.PaymentCurrency)
	}
	if cfg.Chain.RpcCooldown != 15*time.Second {
		t.Errorf("Expected rpc cooldown 15s, got %v", cfg.Chain.RpcCooldown)
	}
}

func TestLoad_PollingIntervalClamped(t *testing.T) {
	t.Setenv("WALLET_POLL_INTERVAL", "3s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Listener.PollingInterval != MinPollingInterval {
		t.Errorf("Expected polling interval %v, got %v", MinPollingInterval, cfg.Listener.PollingInterval)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	t.Setenv("INVOICE_TTL", "soon")

	if _, err := Load(); err == nil {
		t.Fatal("Expected error for invalid duration")
	}
}

func TestLoad_CurrencyUppercased(t *testing.T) {
	t.Setenv("PAYMENT_CURRENCY", "eur")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Invoice.PaymentCurrency != "EUR" {
		t.Errorf("Expected EUR, got %s", cfg.Invoice.PaymentCurrency)
	}
}
