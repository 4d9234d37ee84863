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

package database

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"crypto-payment-watcher-go/internal/models"
	"crypto-payment-watcher-go/internal/store"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Compile-time check: *Service must satisfy store.OrderStore.
var _ store.OrderStore = (*Service)(nil)

// Service is the SQLite-backed order and inventory store. The current ledger is held in
// memory; mu serializes transactions so each one is committed before the next starts.
type Service struct {
	db      *sql.DB
	history *HistoryService

	mu     sync.Mutex
	ledger *store.Ledger
}

func NewService(ctx context.Context, cfg models.DatabaseConfig) (*Service, error) {
	// Validate configuration
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if cfg.MaxOpenConns <= 0 {
		return nil, fmt.Errorf("max open connections must be positive, got %d", cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns < 0 {
		return nil, fmt.Errorf("max idle connections cannot be negative, got %d", cfg.MaxIdleConns)
	}
	if cfg.PingTimeout <= 0 {
		return nil, fmt.Errorf("ping timeout must be positive, got %v", cfg.PingTimeout)
	}

	zap.L().Info("Opening SQLite database", zap.String("file", cfg.Path))
	db, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=1000")
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}

	// Set connection timeouts and limits
	maxOpen, maxIdle := cfg.MaxOpenConns, cfg.MaxIdleConns
	if cfg.Path == ":memory:" {
		// every connection to :memory: is a separate database that dies with it
		maxOpen, maxIdle = 1, 1
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	// Test connection with timeout
	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	service, err := newServiceWithDb(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	zap.L().Info("Database service initialized successfully",
		zap.Int("orders", len(service.ledger.Orders)),
		zap.Int("available_keys", len(service.ledger.Available)),
		zap.Int64("last_order_id", service.ledger.LastOrderId))
	return service, nil
}

func newServiceWithDb(ctx context.Context, db *sql.DB) (*Service, error) {
	history := NewHistoryService(db)
	service := &Service{db: db, history: history}

	if err := service.initSchema(); err != nil {
		return nil, fmt.Errorf("unable to initialize schema: %w", err)
	}
	if err := history.InitSchema(); err != nil {
		return nil, fmt.Errorf("unable to initialize history schema: %w", err)
	}

	ledger, err := service.loadLedger(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to load ledger: %w", err)
	}
	if err := ledger.Validate(); err != nil {
		return nil, fmt.Errorf("stored ledger is inconsistent: %w", err)
	}
	service.ledger = ledger

	return service, nil
}

func (s *Service) Close() {
	if err := s.db.Close(); err != nil {
		zap.L().Warn("Failed to close database connection", zap.Error(err))
	}
}

func (s *Service) initSchema() error {
	schema := `
	-- Orders; payload holds the full JSON record
	CREATE TABLE IF NOT EXISTS orders (
		id INTEGER PRIMARY KEY,
		user_id TEXT NOT NULL,
		status TEXT NOT NULL,
		payload TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_orders_user_id ON orders(user_id);
	CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);

	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		purchase_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	-- Key inventory pools; a license key lives in exactly one of them
	CREATE TABLE IF NOT EXISTS keys_available (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		license_key TEXT NOT NULL UNIQUE,
		product_code TEXT NOT NULL,
		days INTEGER NOT NULL,
		added_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_keys_available_product ON keys_available(product_code, days);

	CREATE TABLE IF NOT EXISTS keys_used (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		license_key TEXT NOT NULL UNIQUE,
		product_code TEXT NOT NULL,
		days INTEGER NOT NULL,
		added_at TIMESTAMP NOT NULL,
		order_id INTEGER NOT NULL REFERENCES orders(id),
		used_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_keys_used_order_id ON keys_used(order_id);

	CREATE TABLE IF NOT EXISTS meta (
		name TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Transact runs fn over a copy of the ledger and commits the changed rows in one SQLite
// transaction. The in-memory ledger is replaced only after the commit succeeds.
func (s *Service) Transact(ctx context.Context, fn func(l *store.Ledger) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	working, err := s.ledger.Clone()
	if err != nil {
		return err
	}

	if err := fn(working); err != nil {
		return err
	}

	if err := working.Validate(); err != nil {
		zap.L().Error("Rejected ledger transaction", zap.Error(err))
		return err
	}

	if err := s.persist(ctx, s.ledger, working); err != nil {
		return fmt.Errorf("failed to persist ledger: %w", err)
	}

	s.ledger = working
	return nil
}

// Snapshot returns a consistent copy of the ledger
func (s *Service) Snapshot(ctx context.Context) (*store.Ledger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.ledger.Clone()
}

func (s *Service) OrderHistory(ctx context.Context, orderId int64) ([]models.OrderEvent, error) {
	return s.history.List(ctx, orderId)
}

func (s *Service) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}
	return nil
}

func (s *Service) persist(ctx context.Context, prev, next *store.Ledger) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.persistOrders(ctx, tx, prev, next); err != nil {
		return err
	}
	if err := persistUsers(ctx, tx, prev, next); err != nil {
		return err
	}
	if err := persistKeys(ctx, tx, prev, next); err != nil {
		return err
	}

	if prev.LastOrderId != next.LastOrderId {
		if _, err := tx.ExecContext(ctx, queryUpsertLastOrderId, next.LastOrderId); err != nil {
			return fmt.Errorf("failed to update order sequence: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Service) persistOrders(ctx context.Context, tx *sql.Tx, prev, next *store.Ledger) error {
	for _, order := range next.SortedOrders() {
		payload, err := json.Marshal(order)
		if err != nil {
			return fmt.Errorf("failed to encode order %d: %w", order.Id, err)
		}

		var fromStatus models.OrderStatus
		if old, ok := prev.Orders[order.Id]; ok {
			oldPayload, err := json.Marshal(old)
			if err != nil {
				return fmt.Errorf("failed to encode order %d: %w", order.Id, err)
			}
			if bytes.Equal(payload, oldPayload) {
				continue
			}
			fromStatus = old.Status
		}

		if _, err := tx.ExecContext(ctx, queryUpsertOrder,
			order.Id, order.UserId, string(order.Status), string(payload), order.UpdatedAt.UTC()); err != nil {
			return fmt.Errorf("failed to store order %d: %w", order.Id, err)
		}

		if fromStatus != order.Status {
			if err := s.history.Record(ctx, tx, order.Id, fromStatus, order.Status, order.UpdatedAt); err != nil {
				return err
			}
		}
	}

	for id := range prev.Orders {
		if _, ok := next.Orders[id]; ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, queryDeleteOrder, id); err != nil {
			return fmt.Errorf("failed to delete order %d: %w", id, err)
		}
	}

	return nil
}

func persistUsers(ctx context.Context, tx *sql.Tx, prev, next *store.Ledger) error {
	for id, user := range next.Users {
		if old, ok := prev.Users[id]; ok &&
			old.PurchaseCount == user.PurchaseCount && old.UpdatedAt.Equal(user.UpdatedAt) {
			continue
		}
		if _, err := tx.ExecContext(ctx, queryUpsertUser,
			user.Id, user.PurchaseCount, user.CreatedAt.UTC(), user.UpdatedAt.UTC()); err != nil {
			return fmt.Errorf("failed to store user %s: %w", id, err)
		}
	}
	return nil
}

func persistKeys(ctx context.Context, tx *sql.Tx, prev, next *store.Ledger) error {
	nextAvailable := make(map[string]bool, len(next.Available))
	for _, k := range next.Available {
		nextAvailable[k.Id] = true
	}
	prevAvailable := make(map[string]bool, len(prev.Available))
	for _, k := range prev.Available {
		prevAvailable[k.Id] = true
		if nextAvailable[k.Id] {
			continue
		}
		if _, err := tx.ExecContext(ctx, queryDeleteAvailableKey, k.Id); err != nil {
			return fmt.Errorf("failed to remove available key %s: %w", k.Id, err)
		}
	}

	nextUsed := make(map[string]bool, len(next.Used))
	for _, k := range next.Used {
		nextUsed[k.Id] = true
	}
	prevUsed := make(map[string]bool, len(prev.Used))
	for _, k := range prev.Used {
		prevUsed[k.Id] = true
		if nextUsed[k.Id] {
			continue
		}
		if _, err := tx.ExecContext(ctx, queryDeleteUsedKey, k.Id); err != nil {
			return fmt.Errorf("failed to remove used key %s: %w", k.Id, err)
		}
	}

	for _, k := range next.Used {
		if prevUsed[k.Id] {
			continue
		}
		if _, err := tx.ExecContext(ctx, queryInsertUsedKey,
			k.Id, k.Key, k.ProductCode, k.Days, k.AddedAt.UTC(), k.OrderId, k.UsedAt.UTC()); err != nil {
			return fmt.Errorf("failed to store used key %s: %w", k.Id, err)
		}
	}

	for _, k := range next.Available {
		if prevAvailable[k.Id] {
			continue
		}
		if _, err := tx.ExecContext(ctx, queryInsertAvailableKey,
			k.Id, k.Key, k.ProductCode, k.Days, k.AddedAt.UTC()); err != nil {
			return fmt.Errorf("failed to store available key %s: %w", k.Id, err)
		}
	}

	return nil
}

func (s *Service) loadLedger(ctx context.Context) (*store.Ledger, error) {
	ledger := store.NewLedger()

	rows, err := s.db.QueryContext(ctx, queryLoadOrders)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		var order models.Order
		if err := json.Unmarshal([]byte(payload), &order); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to decode order: %w", err)
		}
		ledger.Orders[order.Id] = &order
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating orders: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, queryLoadUsers)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	for rows.Next() {
		var user models.User
		if err := rows.Scan(&user.Id, &user.PurchaseCount, &user.CreatedAt, &user.UpdatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		ledger.Users[user.Id] = &user
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating users: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, queryLoadAvailableKeys)
	if err != nil {
		return nil, fmt.Errorf("failed to query available keys: %w", err)
	}
	for rows.Next() {
		var k models.InventoryKey
		if err := rows.Scan(&k.Id, &k.Key, &k.ProductCode, &k.Days, &k.AddedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan available key: %w", err)
		}
		ledger.Available = append(ledger.Available, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating available keys: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, queryLoadUsedKeys)
	if err != nil {
		return nil, fmt.Errorf("failed to query used keys: %w", err)
	}
	for rows.Next() {
		var k models.UsedKey
		if err := rows.Scan(&k.Id, &k.Key, &k.ProductCode, &k.Days, &k.AddedAt, &k.OrderId, &k.UsedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan used key: %w", err)
		}
		ledger.Used = append(ledger.Used, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating used keys: %w", err)
	}

	err = s.db.QueryRowContext(ctx, queryLoadLastOrderId).Scan(&ledger.LastOrderId)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to load order sequence: %w", err)
	}

	return ledger, nil
}
