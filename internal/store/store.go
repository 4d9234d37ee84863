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

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"crypto-payment-watcher-go/internal/models"

	"github.com/google/uuid"
)

// Sentinel errors shared across all backend implementations.
var (
	ErrOrderNotFound   = errors.New("order not found")
	ErrKeyNotAvailable = errors.New("no key available")
	ErrDuplicateKey    = errors.New("duplicate key")
	ErrInvariant       = errors.New("ledger invariant violated")
)

// OrderStore owns the order ledger and the key inventory. Every mutation runs as one
// serialized transaction: fn receives a private copy of the whole ledger, and the copy
// replaces the current state only after it has been persisted. Transactions never interleave.
type OrderStore interface {
	Transact(ctx context.Context, fn func(l *Ledger) error) error
	Snapshot(ctx context.Context) (*Ledger, error)
	OrderHistory(ctx context.Context, orderId int64) ([]models.OrderEvent, error)
	HealthCheck(ctx context.Context) error
	Close()
}

// Ledger is the full in-memory state of orders, users and both key pools
type Ledger struct {
	Orders      map[int64]*models.Order `json:"orders"`
	Users       map[string]*models.User `json:"users"`
	Available   []models.InventoryKey   `json:"available"`
	Used        []models.UsedKey        `json:"used"`
	LastOrderId int64                   `json:"last_order_id"`
}

func NewLedger() *Ledger {
	return &Ledger{
		Orders: make(map[int64]*models.Order),
		Users:  make(map[string]*models.User),
	}
}

// Clone returns a deep copy of the ledger
func (l *Ledger) Clone() (*Ledger, error) {
	data, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("failed to encode ledger: %w", err)
	}
	clone := NewLedger()
	if err := json.Unmarshal(data, clone); err != nil {
		return nil, fmt.Errorf("failed to decode ledger: %w", err)
	}
	if clone.Orders == nil {
		clone.Orders = make(map[int64]*models.Order)
	}
	if clone.Users == nil {
		clone.Users = make(map[string]*models.User)
	}
	return clone, nil
}

func (l *Ledger) Order(id int64) (*models.Order, error) {
	o, ok := l.Orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrOrderNotFound, id)
	}
	return o, nil
}

// AddOrder assigns the next order id and inserts the order. Ids are never reused.
func (l *Ledger) AddOrder(o models.Order, now time.Time) *models.Order {
	l.LastOrderId++
	o.Id = l.LastOrderId
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	l.Orders[o.Id] = &o
	l.TouchUser(o.UserId, now)
	return &o
}

// SortedOrders returns all orders by ascending id
func (l *Ledger) SortedOrders() []*models.Order {
	result := make([]*models.Order, 0, len(l.Orders))
	for _, o := range l.Orders {
		result = append(result, o)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Id < result[j].Id })
	return result
}

// AwaitingInvoices returns wallet orders in AWAITING_PAYMENT by ascending id
func (l *Ledger) AwaitingInvoices() []*models.Order {
	var result []*models.Order
	for _, o := range l.SortedOrders() {
		if o.Status == models.StatusAwaitingPayment && o.IsWalletInvoice() {
			result = append(result, o)
		}
	}
	return result
}

// OpenInvoices returns awaiting, non-expired wallet invoices for an asset/network pair
func (l *Ledger) OpenInvoices(asset, network string, now time.Time) []*models.Order {
	var result []*models.Order
	for _, o := range l.AwaitingInvoices() {
		if o.Payment.Asset != asset || o.Payment.Network != network {
			continue
		}
		if o.Payment.Expired(now) {
			continue
		}
		result = append(result, o)
	}
	return result
}

// UserOrders returns the orders of a user, newest first
func (l *Ledger) UserOrders(userId string) []*models.Order {
	var result []*models.Order
	orders := l.SortedOrders()
	for i := len(orders) - 1; i >= 0; i-- {
		if orders[i].UserId == userId {
			result = append(result, orders[i])
		}
	}
	return result
}

func (l *Ledger) HasAvailableKey(productCode string, days int) bool {
	return l.AvailableCount(productCode, days) > 0
}

func (l *Ledger) AvailableCount(productCode string, days int) int {
	count := 0
	for _, k := range l.Available {
		if k.Matches(productCode, days) {
			count++
		}
	}
	return count
}

// TakeKey moves the oldest matching key from the available pool to the used pool
func (l *Ledger) TakeKey(productCode string, days int, orderId int64, now time.Time) (models.UsedKey, error) {
	for i, k := range l.Available {
		if !k.Matches(productCode, days) {
			continue
		}
		l.Available = append(l.Available[:i:i], l.Available[i+1:]...)
		used := models.UsedKey{InventoryKey: k, OrderId: orderId, UsedAt: now}
		l.Used = append(l.Used, used)
		return used, nil
	}
	return models.UsedKey{}, fmt.Errorf("%w: %s/%dd", ErrKeyNotAvailable, productCode, days)
}

// AddKey appends a key to the available pool unless it already exists in either pool
func (l *Ledger) AddKey(key string, productCode string, days int, now time.Time) error {
	if l.ContainsKey(key) {
		return ErrDuplicateKey
	}
	l.Available = append(l.Available, models.InventoryKey{
		Id:          uuid.New().String(),
		Key:         key,
		ProductCode: productCode,
		Days:        days,
		AddedAt:     now,
	})
	return nil
}

func (l *Ledger) ContainsKey(key string) bool {
	for _, k := range l.Available {
		if k.Key == key {
			return true
		}
	}
	for _, k := range l.Used {
		if k.Key == key {
			return true
		}
	}
	return false
}

// PaymentOwner returns the order, other than exclude, whose payment already recorded txId
func (l *Ledger) PaymentOwner(txId string, exclude int64) (*models.Order, bool) {
	if txId == "" {
		return nil, false
	}
	for _, o := range l.Orders {
		if o.Id == exclude || o.Payment == nil {
			continue
		}
		if strings.EqualFold(o.Payment.TxId, txId) {
			return o, true
		}
	}
	return nil, false
}

// TouchUser returns the user record, creating it on first use
func (l *Ledger) TouchUser(userId string, now time.Time) *models.User {
	u, ok := l.Users[userId]
	if !ok {
		u = &models.User{Id: userId, CreatedAt: now}
		l.Users[userId] = u
	}
	u.UpdatedAt = now
	return u
}

// Validate checks the key pool invariants: a key lives in exactly one pool and every used
// key references an existing order.
func (l *Ledger) Validate() error {
	seen := make(map[string]bool, len(l.Available)+len(l.Used))
	for _, k := range l.Available {
		if seen[k.Key] {
			return fmt.Errorf("%w: key %s appears twice", ErrInvariant, k.Id)
		}
		seen[k.Key] = true
	}
	for _, k := range l.Used {
		if seen[k.Key] {
			return fmt.Errorf("%w: key %s appears twice", ErrInvariant, k.Id)
		}
		seen[k.Key] = true
		if k.OrderId == 0 {
			return fmt.Errorf("%w: used key %s has no order", ErrInvariant, k.Id)
		}
		if _, ok := l.Orders[k.OrderId]; !ok {
			return fmt.Errorf("%w: used key %s references unknown order %d", ErrInvariant, k.Id, k.OrderId)
		}
	}
	for id := range l.Orders {
		if id > l.LastOrderId {
			return fmt.Errorf("%w: order %d above sequence %d", ErrInvariant, id, l.LastOrderId)
		}
	}
	return nil
}
