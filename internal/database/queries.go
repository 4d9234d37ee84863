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

const (
	// Order queries
	queryLoadOrders = `
		SELECT payload
		FROM orders
		ORDER BY id`

	queryUpsertOrder = `
		INSERT INTO orders (id, user_id, status, payload, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			status = excluded.status,
			payload = excluded.payload,
			updated_at = excluded.updated_at`

	queryDeleteOrder = `
		DELETE FROM orders WHERE id = ?`

	// User queries
	queryLoadUsers = `
		SELECT id, purchase_count, created_at, updated_at
		FROM users`

	queryUpsertUser = `
		INSERT INTO users (id, purchase_count, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			purchase_count = excluded.purchase_count,
			updated_at = excluded.updated_at`

	// Key inventory queries
	queryLoadAvailableKeys = `
		SELECT id, license_key, product_code, days, added_at
		FROM keys_available
		ORDER BY seq`

	queryInsertAvailableKey = `
		INSERT INTO keys_available (id, license_key, product_code, days, added_at)
		VALUES (?, ?, ?, ?, ?)`

	queryDeleteAvailableKey = `
		DELETE FROM keys_available WHERE id = ?`

	queryLoadUsedKeys = `
		SELECT id, license_key, product_code, days, added_at, order_id, used_at
		FROM keys_used
		ORDER BY seq`

	queryInsertUsedKey = `
		INSERT INTO keys_used (id, license_key, product_code, days, added_at, order_id, used_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	queryDeleteUsedKey = `
		DELETE FROM keys_used WHERE id = ?`

	// Sequence queries
	queryLoadLastOrderId = `
		SELECT value FROM meta WHERE name = 'last_order_id'`

	queryUpsertLastOrderId = `
		INSERT INTO meta (name, value) VALUES ('last_order_id', ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value`

	// Status history queries
	queryInsertOrderEvent = `
		INSERT INTO order_events (order_id, from_status, to_status, created_at)
		VALUES (?, ?, ?, ?)`

	queryGetOrderEvents = `
		SELECT id, order_id, from_status, to_status, created_at
		FROM order_events
		WHERE order_id = ?
		ORDER BY id`
)
