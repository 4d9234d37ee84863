package store

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"crypto-payment-watcher-go/internal/models"
)

func walletOrder(userId, asset, network string, expiresAt time.Time) models.Order {
	return models.Order{
		UserId:      userId,
		ProductCode: "vpn",
		Days:        30,
		Status:      models.StatusAwaitingPayment,
		Provider:    models.ProviderWallet,
		Payment: &models.Invoice{
			Asset:        asset,
			Network:      network,
			AmountAtomic: big.NewInt(1000001),
			ExpiresAt:    expiresAt,
		},
	}
}

func TestLedger_AddOrderAssignsIncreasingIds(t *testing.T) {
	l := NewLedger()
	now := time.Now()

	first := l.AddOrder(models.Order{UserId: "u1"}, now)
	second := l.AddOrder(models.Order{UserId: "u1"}, now)

	if first.Id != 1 || second.Id != 2 {
		t.Errorf("Expected ids 1 and 2, got %d and %d", first.Id, second.Id)
	}
	if l.LastOrderId != 2 {
		t.Errorf("Expected LastOrderId 2, got %d", l.LastOrderId)
	}
	if _, ok := l.Users["u1"]; !ok {
		t.Error("Expected user to be created on first order")
	}
}

func TestLedger_TakeKeyMovesBetweenPools(t *testing.T) {
	l := NewLedger()
	now := time.Now()
	order := l.AddOrder(models.Order{UserId: "u1", ProductCode: "vpn", Days: 30}, now)

	if err := l.AddKey("KEY-1", "vpn", 30, now); err != nil {
		t.Fatalf("AddKey failed: %v", err)
	}
	if err := l.AddKey("KEY-2", "vpn", 90, now); err != nil {
		t.Fatalf("AddKey failed: %v", err)
	}

	used, err := l.TakeKey("vpn", 30, order.Id, now)
	if err != nil {
		t.Fatalf("TakeKey failed: %v", err)
	}
	if used.Key != "KEY-1" || used.OrderId != order.Id {
		t.Errorf("Expected KEY-1 bound to order %d, got %s bound to %d", order.Id, used.Key, used.OrderId)
	}
	if len(l.Available) != 1 || len(l.Used) != 1 {
		t.Errorf("Expected 1 available and 1 used, got %d and %d", len(l.Available), len(l.Used))
	}
	if err := l.Validate(); err != nil {
		t.Errorf("Expected valid ledger, got %v", err)
	}

	if _, err := l.TakeKey("vpn", 30, order.Id, now); !errors.Is(err, ErrKeyNotAvailable) {
		t.Errorf("Expected ErrKeyNotAvailable, got %v", err)
	}
}

func TestLedger_AddKeyRejectsDuplicatesAcrossPools(t *testing.T) {
	l := NewLedger()
	now := time.Now()
	order := l.AddOrder(models.Order{UserId: "u1"}, now)

	_ = l.AddKey("KEY-1", "vpn", 30, now)
	if _, err := l.TakeKey("vpn", 30, order.Id, now); err != nil {
		t.Fatalf("TakeKey failed: %v", err)
	}

	if err := l.AddKey("KEY-1", "vpn", 30, now); !errors.Is(err, ErrDuplicateKey) {
		t.Errorf("Expected ErrDuplicateKey for used key, got %v", err)
	}
}

func TestLedger_ValidateDetectsDanglingUsedKey(t *testing.T) {
	l := NewLedger()
	l.Used = append(l.Used, models.UsedKey{
		InventoryKey: models.InventoryKey{Id: "k1", Key: "KEY-1"},
		OrderId:      42,
	})

	if err := l.Validate(); !errors.Is(err, ErrInvariant) {
		t.Errorf("Expected ErrInvariant, got %v", err)
	}
}

func TestLedger_OpenInvoicesExcludesExpiredAndOtherNetworks(t *testing.T) {
	l := NewLedger()
	now := time.Now()

	open := l.AddOrder(walletOrder("u1", "USDT", "TRC20", now.Add(time.Hour)), now)
	l.AddOrder(walletOrder("u2", "USDT", "TRC20", now.Add(-time.Minute)), now)
	l.AddOrder(walletOrder("u3", "USDT", "BEP20", now.Add(time.Hour)), now)

	result := l.OpenInvoices("USDT", "TRC20", now)
	if len(result) != 1 || result[0].Id != open.Id {
		t.Errorf("Expected only order %d, got %v", open.Id, result)
	}
}

func TestLedger_CloneIsDeep(t *testing.T) {
	l := NewLedger()
	now := time.Now()
	order := l.AddOrder(walletOrder("u1", "BTC", "BTC", now.Add(time.Hour)), now)

	clone, err := l.Clone()
	if err != nil {
		t.Fatalf("Clone failed: %v", err)
	}

	cloned, err := clone.Order(order.Id)
	if err != nil {
		t.Fatalf("Order failed: %v", err)
	}
	cloned.Status = models.StatusExpired
	cloned.Payment.AmountAtomic.SetInt64(5)

	if order.Status != models.StatusAwaitingPayment {
		t.Errorf("Expected original status untouched, got %s", order.Status)
	}
	if order.Payment.AmountAtomic.Int64() != 1000001 {
		t.Errorf("Expected original amount untouched, got %s", order.Payment.AmountAtomic)
	}
	if clone.LastOrderId != l.LastOrderId {
		t.Errorf("Expected sequence %d, got %d", l.LastOrderId, clone.LastOrderId)
	}
}

func TestLedger_UserOrdersNewestFirst(t *testing.T) {
	l := NewLedger()
	now := time.Now()
	l.AddOrder(models.Order{UserId: "u1"}, now)
	l.AddOrder(models.Order{UserId: "u2"}, now)
	l.AddOrder(models.Order{UserId: "u1"}, now)

	orders := l.UserOrders("u1")
	if len(orders) != 2 || orders[0].Id != 3 || orders[1].Id != 1 {
		t.Errorf("Expected orders [3 1], got %v", orders)
	}
}
