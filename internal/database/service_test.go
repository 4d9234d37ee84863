package database

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"crypto-payment-watcher-go/internal/models"
	"crypto-payment-watcher-go/internal/store"

	_ "github.com/mattn/go-sqlite3"
)

func setupTestService(t *testing.T) (*Service, func()) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)

	service, err := newServiceWithDb(context.Background(), db)
	if err != nil {
		t.Fatalf("Failed to create test service: %v", err)
	}

	cleanup := func() {
		db.Close()
	}

	return service, cleanup
}

func fileConfig(t *testing.T) models.DatabaseConfig {
	return models.DatabaseConfig{
		Path:         filepath.Join(t.TempDir(), "watcher.db"),
		MaxOpenConns: 4,
		MaxIdleConns: 1,
		PingTimeout:  time.Second,
	}
}

func TestTransact_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	cfg := fileConfig(t)

	service, err := NewService(ctx, cfg)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}

	now := time.Now().UTC()
	err = service.Transact(ctx, func(l *store.Ledger) error {
		order := l.AddOrder(models.Order{UserId: "u1", ProductCode: "vpn", Days: 30, Status: models.StatusCreated}, now)
		if err := l.AddKey("KEY-1", "vpn", 30, now); err != nil {
			return err
		}
		if err := l.AddKey("KEY-2", "vpn", 30, now); err != nil {
			return err
		}
		_, err := l.TakeKey("vpn", 30, order.Id, now)
		return err
	})
	if err != nil {
		t.Fatalf("Transact failed: %v", err)
	}
	service.Close()

	reopened, err := NewService(ctx, cfg)
	if err != nil {
		t.Fatalf("NewService (reopen) failed: %v", err)
	}
	defer reopened.Close()

	ledger, err := reopened.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if len(ledger.Orders) != 1 {
		t.Fatalf("Expected 1 order, got %d", len(ledger.Orders))
	}
	if ledger.LastOrderId != 1 {
		t.Errorf("Expected LastOrderId 1, got %d", ledger.LastOrderId)
	}
	if len(ledger.Available) != 1 || ledger.Available[0].Key != "KEY-2" {
		t.Errorf("Expected KEY-2 available, got %v", ledger.Available)
	}
	if len(ledger.Used) != 1 || ledger.Used[0].Key != "KEY-1" || ledger.Used[0].OrderId != 1 {
		t.Errorf("Expected KEY-1 used by order 1, got %v", ledger.Used)
	}
	if ledger.Users["u1"] == nil {
		t.Error("Expected user u1 to be persisted")
	}
}

func TestTransact_ErrorLeavesStateUntouched(t *testing.T) {
	service, cleanup := setupTestService(t)
	defer cleanup()

	ctx := context.Background()
	boom := errors.New("boom")

	err := service.Transact(ctx, func(l *store.Ledger) error {
		l.AddOrder(models.Order{UserId: "u1"}, time.Now())
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected boom, got %v", err)
	}

	ledger, err := service.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if len(ledger.Orders) != 0 || ledger.LastOrderId != 0 {
		t.Errorf("Expected empty ledger, got %d orders, sequence %d", len(ledger.Orders), ledger.LastOrderId)
	}
}

func TestTransact_RejectsInvariantViolation(t *testing.T) {
	service, cleanup := setupTestService(t)
	defer cleanup()

	ctx := context.Background()
	err := service.Transact(ctx, func(l *store.Ledger) error {
		l.Used = append(l.Used, models.UsedKey{
			InventoryKey: models.InventoryKey{Id: "k1", Key: "KEY-1"},
			OrderId:      7,
		})
		return nil
	})
	if !errors.Is(err, store.ErrInvariant) {
		t.Fatalf("Expected ErrInvariant, got %v", err)
	}
}

func TestTransact_SnapshotIsIsolated(t *testing.T) {
	service, cleanup := setupTestService(t)
	defer cleanup()

	ctx := context.Background()
	_ = service.Transact(ctx, func(l *store.Ledger) error {
		l.AddOrder(models.Order{UserId: "u1", Status: models.StatusCreated}, time.Now())
		return nil
	})

	snapshot, _ := service.Snapshot(ctx)
	snapshot.Orders[1].Status = models.StatusFulfilled

	again, _ := service.Snapshot(ctx)
	if again.Orders[1].Status != models.StatusCreated {
		t.Errorf("Expected CREATED, got %s", again.Orders[1].Status)
	}
}

func TestTransact_ConcurrentCallsAreSerialized(t *testing.T) {
	service, cleanup := setupTestService(t)
	defer cleanup()

	ctx := context.Background()
	const workers = 25

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- service.Transact(ctx, func(l *store.Ledger) error {
				l.AddOrder(models.Order{UserId: "u1"}, time.Now())
				return nil
			})
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("Transact failed: %v", err)
		}
	}

	ledger, _ := service.Snapshot(ctx)
	if ledger.LastOrderId != workers {
		t.Errorf("Expected sequence %d, got %d", workers, ledger.LastOrderId)
	}
	if len(ledger.Orders) != workers {
		t.Errorf("Expected %d orders, got %d", workers, len(ledger.Orders))
	}
}

func TestOrderHistory_RecordsEveryStatusChange(t *testing.T) {
	service, cleanup := setupTestService(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now()

	_ = service.Transact(ctx, func(l *store.Ledger) error {
		l.AddOrder(models.Order{UserId: "u1", Status: models.StatusCreated}, now)
		return nil
	})
	for _, status := range []models.OrderStatus{models.StatusAwaitingPayment, models.StatusExpired, models.StatusFulfilled} {
		err := service.Transact(ctx, func(l *store.Ledger) error {
			o, err := l.Order(1)
			if err != nil {
				return err
			}
			o.SetStatus(status, now)
			return nil
		})
		if err != nil {
			t.Fatalf("Transact failed: %v", err)
		}
	}

	// a change that keeps the status must not add an event
	_ = service.Transact(ctx, func(l *store.Ledger) error {
		o, _ := l.Order(1)
		o.Key = "KEY-1"
		return nil
	})

	events, err := service.OrderHistory(ctx, 1)
	if err != nil {
		t.Fatalf("OrderHistory failed: %v", err)
	}
	expected := []models.OrderStatus{models.StatusCreated, models.StatusAwaitingPayment, models.StatusExpired, models.StatusFulfilled}
	if len(events) != len(expected) {
		t.Fatalf("Expected %d events, got %d", len(expected), len(events))
	}
	for i, e := range events {
		if e.ToStatus != expected[i] {
			t.Errorf("Event %d: expected %s, got %s", i, expected[i], e.ToStatus)
		}
	}
	if events[0].FromStatus != "" {
		t.Errorf("Expected empty from status on creation, got %s", events[0].FromStatus)
	}
}

func TestNewService_ValidatesConfig(t *testing.T) {
	_, err := NewService(context.Background(), models.DatabaseConfig{})
	if err == nil {
		t.Fatal("Expected error for empty path")
	}
}
