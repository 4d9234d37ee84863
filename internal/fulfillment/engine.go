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

package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"crypto-payment-watcher-go/internal/models"
	"crypto-payment-watcher-go/internal/notifier"
	"crypto-payment-watcher-go/internal/store"

	"go.uber.org/zap"
)

// Status is the outcome of a fulfillment attempt
type Status string

const (
	StatusFulfilled        Status = "fulfilled"
	StatusAlreadyFulfilled Status = "already_fulfilled"
	StatusNoKey            Status = "no_key"
	StatusMissing          Status = "missing"
	StatusFailed           Status = "failed"
	StatusTxAlreadyUsed    Status = "tx_already_used"
	StatusUnchanged        Status = "unchanged"
)

// Outcome carries the status and a copy of the order after the transaction. ConflictId is
// the order that already holds the transaction when Status is tx_already_used.
type Outcome struct {
	Status     Status
	Order      *models.Order
	ConflictId int64
}

// Postback is a payment result reported by a card or hosted crypto gateway
type Postback struct {
	OrderId   int64  `json:"order_id"`
	Status    string `json:"status"`
	Provider  string `json:"provider"`
	Reference string `json:"reference"`
}

// Succeeded reports whether the gateway status means the order was paid
func (p Postback) Succeeded() bool {
	switch strings.ToUpper(strings.TrimSpace(p.Status)) {
	case "SUCCESS", "PAID", "OVERPAID":
		return true
	}
	return false
}

// FulfillOrderWithKey issues one available key to the order. It must run inside a store
// transaction: the idempotence check and the key withdrawal are only atomic together.
func FulfillOrderWithKey(l *store.Ledger, o *models.Order, now time.Time) (Status, error) {
	if o.Key != "" {
		return StatusAlreadyFulfilled, nil
	}

	used, err := l.TakeKey(o.ProductCode, o.Days, o.Id, now)
	if errors.Is(err, store.ErrKeyNotAvailable) {
		o.SetStatus(models.StatusPaidNoKey, now)
		return StatusNoKey, nil
	}
	if err != nil {
		return "", err
	}

	o.Key = used.Key
	o.FulfilledAt = &now
	o.SetStatus(models.StatusFulfilled, now)

	user := l.TouchUser(o.UserId, now)
	user.PurchaseCount++
	return StatusFulfilled, nil
}

// Engine applies confirmed payments to orders and tells the user and operators about it
type Engine struct {
	store    store.OrderStore
	notifier notifier.Notifier
	now      func() time.Time
}

func NewEngine(orders store.OrderStore, n notifier.Notifier) *Engine {
	return &Engine{store: orders, notifier: n, now: time.Now}
}

// FulfillPayment records a confirmed match on the order and issues its key in one store
// transaction. Repeated reports of the same payment yield already_fulfilled.
func (e *Engine) FulfillPayment(ctx context.Context, orderId int64, match models.PaymentMatch) (*Outcome, error) {
	outcome := &Outcome{}
	err := e.store.Transact(ctx, func(l *store.Ledger) error {
		o, ok := l.Orders[orderId]
		if !ok {
			outcome.Status = StatusMissing
			return nil
		}

		if o.Key == "" && o.Status.Terminal() {
			outcome.Status = StatusUnchanged
			outcome.Order = o.Clone()
			return nil
		}
		if o.Key == "" {
			if owner, taken := l.PaymentOwner(match.TxId, o.Id); taken {
				outcome.Status = StatusTxAlreadyUsed
				outcome.Order = o.Clone()
				outcome.ConflictId = owner.Id
				return nil
			}
		}

		now := e.now()
		if o.Key == "" {
			recordMatch(o, match, now)
		}

		status, err := FulfillOrderWithKey(l, o, now)
		if err != nil {
			return err
		}
		outcome.Status = status
		outcome.Order = o.Clone()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fulfill order %d: %w", orderId, err)
	}

	e.log(orderId, outcome, match.TxId)
	e.notify(ctx, orderId, outcome, match.TxId)
	return outcome, nil
}

// ApplyPostback fulfills or fails an order from a gateway report
func (e *Engine) ApplyPostback(ctx context.Context, p Postback) (*Outcome, error) {
	if p.Succeeded() {
		return e.FulfillPayment(ctx, p.OrderId, models.PaymentMatch{Reference: p.Reference})
	}

	outcome := &Outcome{}
	err := e.store.Transact(ctx, func(l *store.Ledger) error {
		o, ok := l.Orders[p.OrderId]
		if !ok {
			outcome.Status = StatusMissing
			return nil
		}

		now := e.now()
		if o.Status == models.StatusFulfilled {
			outcome.Status = StatusAlreadyFulfilled
			outcome.Order = o.Clone()
			return nil
		}
		// a paid order waiting for restock keeps its payment
		if o.Status.Terminal() || o.Status == models.StatusPaidNoKey {
			outcome.Status = StatusUnchanged
			outcome.Order = o.Clone()
			return nil
		}
		if o.Payment == nil {
			o.Payment = &models.Invoice{}
		}
		o.Payment.Status = models.InvoiceStatusRejected
		o.Payment.Reference = p.Reference
		if o.Status != models.StatusFailed {
			o.SetStatus(models.StatusFailed, now)
		}
		outcome.Status = StatusFailed
		outcome.Order = o.Clone()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to apply postback for order %d: %w", p.OrderId, err)
	}

	e.log(p.OrderId, outcome, p.Reference)
	e.notify(ctx, p.OrderId, outcome, p.Reference)
	return outcome, nil
}

func recordMatch(o *models.Order, match models.PaymentMatch, now time.Time) {
	if o.Payment == nil {
		o.Payment = &models.Invoice{}
	}
	o.Payment.Status = models.InvoiceStatusSuccess
	if match.TxId != "" {
		o.Payment.TxId = match.TxId
	}
	if match.Reference != "" {
		o.Payment.Reference = match.Reference
	}
	o.Payment.Confirmations = match.Confirmations
	o.Payment.PendingTx = nil
	if o.Payment.ReceivedAt == nil {
		o.Payment.ReceivedAt = &now
	}
	o.UpdatedAt = now
}

func (e *Engine) log(orderId int64, outcome *Outcome, reference string) {
	fields := []zap.Field{
		zap.Int64("order_id", orderId),
		zap.String("result", string(outcome.Status)),
		zap.String("reference", reference),
	}
	switch outcome.Status {
	case StatusMissing:
		zap.L().Warn("Payment for unknown order", fields...)
	case StatusNoKey:
		zap.L().Warn("Payment received but no key available", fields...)
	case StatusTxAlreadyUsed:
		zap.L().Warn("Transaction already paid another order",
			append(fields, zap.Int64("conflict_order_id", outcome.ConflictId))...)
	case StatusUnchanged:
		zap.L().Warn("Payment ignored for order in final state", fields...)
	default:
		zap.L().Info("Payment applied", fields...)
	}
}

func (e *Engine) notify(ctx context.Context, orderId int64, outcome *Outcome, reference string) {
	var err error
	switch outcome.Status {
	case StatusMissing:
		err = e.notifier.NotifyAdmin(ctx, fmt.Sprintf("Payment for unknown order: %d", orderId))

	case StatusTxAlreadyUsed:
		err = e.notifier.NotifyAdmin(ctx, fmt.Sprintf("Transaction %s matched order %d but already paid order %d.",
			reference, orderId, outcome.ConflictId))

	case StatusUnchanged:
		err = e.notifier.NotifyAdmin(ctx, fmt.Sprintf("Payment %s reported for order %d in status %s. Order left unchanged.",
			reference, orderId, outcome.Order.Status))

	case StatusFulfilled:
		err = e.notifyUser(ctx, notifier.EventPaymentReceived, outcome.Order)

	case StatusNoKey:
		o := outcome.Order
		err = errors.Join(
			e.notifyUser(ctx, notifier.EventPaymentNoKey, o),
			e.notifier.NotifyAdmin(ctx, fmt.Sprintf("Keys out of stock for %s %d days. Order %d.", o.ProductCode, o.Days, o.Id)),
		)

	case StatusFailed:
		err = e.notifyUser(ctx, notifier.EventPaymentFailed, outcome.Order)
	}

	if err != nil {
		zap.L().Warn("Failed to send fulfillment notification",
			zap.Int64("order_id", orderId),
			zap.String("result", string(outcome.Status)),
			zap.Error(err))
	}
}

func (e *Engine) notifyUser(ctx context.Context, event notifier.Event, o *models.Order) error {
	msg := notifier.Message{Event: event, UserId: o.UserId, Order: o}
	if o.Payment != nil {
		msg.MessageId = o.Payment.MessageId
	}
	_, err := e.notifier.NotifyUser(ctx, msg)
	return err
}
