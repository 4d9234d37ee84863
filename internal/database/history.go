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
	"context"
	"database/sql"
	"fmt"
	"time"

	"crypto-payment-watcher-go/internal/models"
)

// HistoryService keeps the append-only status history of orders
type HistoryService struct {
	db *sql.DB
}

func NewHistoryService(db *sql.DB) *HistoryService {
	return &HistoryService{
		db: db,
	}
}

func (h *HistoryService) InitSchema() error {
	schema := `
	-- Order status history (append only)
	CREATE TABLE IF NOT EXISTS order_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		order_id INTEGER NOT NULL,
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_order_events_order_id ON order_events(order_id);
	`

	_, err := h.db.Exec(schema)
	return err
}

// Record appends a status change inside the caller's transaction
func (h *HistoryService) Record(ctx context.Context, tx *sql.Tx, orderId int64, from, to models.OrderStatus, at time.Time) error {
	if _, err := tx.ExecContext(ctx, queryInsertOrderEvent, orderId, string(from), string(to), at.UTC()); err != nil {
		return fmt.Errorf("failed to record status change for order %d: %w", orderId, err)
	}
	return nil
}

func (h *HistoryService) List(ctx context.Context, orderId int64) ([]models.OrderEvent, error) {
	rows, err := h.db.QueryContext(ctx, queryGetOrderEvents, orderId)
	if err != nil {
		return nil, fmt.Errorf("failed to query order events: %w", err)
	}
	defer rows.Close()

	var events []models.OrderEvent
	for rows.Next() {
		var e models.OrderEvent
		var from, to string
		if err := rows.Scan(&e.Id, &e.OrderId, &from, &to, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order event: %w", err)
		}
		e.FromStatus = models.OrderStatus(from)
		e.ToStatus = models.OrderStatus(to)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating order events: %w", err)
	}

	return events, nil
}
