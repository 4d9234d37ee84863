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

package listener

import (
	"context"
	"fmt"

	"crypto-payment-watcher-go/internal/chain"
	"crypto-payment-watcher-go/internal/fulfillment"
	"crypto-payment-watcher-go/internal/models"
	"crypto-payment-watcher-go/internal/notifier"
	"crypto-payment-watcher-go/internal/store"

	"go.uber.org/zap"
)

// ANSI color helpers for console output.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
)

// Poll runs one pass over every awaiting wallet invoice. Invoices are checked one after
// another; an error on one invoice is logged and leaves it for the next pass.
func (l *InvoiceListener) Poll(ctx context.Context) (models.PollSummary, error) {
	var summary models.PollSummary
	if !l.polling.CompareAndSwap(false, true) {
		return summary, ErrPollInProgress
	}
	defer l.polling.Store(false)

	snapshot, err := l.store.Snapshot(ctx)
	if err != nil {
		return summary, fmt.Errorf("failed to read orders: %w", err)
	}
	invoices := snapshot.AwaitingInvoices()

	fmt.Printf("\n%s[%s] Polling %d invoices%s\n",
		colorCyan, l.now().Format("15:04:05"), len(invoices), colorReset)

	for _, o := range invoices {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		summary.Checked++
		l.pollInvoice(ctx, o, &summary)
	}

	if summary.Checked > 0 {
		zap.L().Debug("Invoice poll finished",
			zap.Int("checked", summary.Checked),
			zap.Int("expired", summary.Expired),
			zap.Int("found", summary.Found),
			zap.Int("pending", summary.Pending),
			zap.Int("skipped", summary.Skipped),
			zap.Int("failed", summary.Failed))
	}
	return summary, nil
}

func (l *InvoiceListener) pollInvoice(ctx context.Context, o *models.Order, summary *models.PollSummary) {
	payment := o.Payment
	label := fmt.Sprintf("#%d %s/%s %s", o.Id, payment.Asset, payment.Network, payment.AmountText)

	if payment.Expired(l.now()) {
		expired, err := l.expireInvoice(ctx, o)
		if err != nil {
			summary.Failed++
			fmt.Printf("  %s✗ %s | %s%s\n", colorRed, label, err, colorReset)
			zap.L().Error("Failed to expire invoice", zap.Int64("order_id", o.Id), zap.Error(err))
			return
		}
		if expired {
			summary.Expired++
			fmt.Printf("  %s- %s expired%s\n", colorGray, label, colorReset)
		}
		return
	}

	l.refreshCountdown(ctx, o)

	_, network, err := l.registry.Resolve(payment.Asset, payment.Network)
	if err != nil {
		summary.Skipped++
		zap.L().Warn("Skipping invoice for unknown network",
			zap.Int64("order_id", o.Id),
			zap.String("asset", payment.Asset),
			zap.String("network", payment.Network),
			zap.Error(err))
		return
	}

	res, err := l.finder.FindPayment(ctx, network, queryFor(payment, network))
	if err != nil {
		summary.Failed++
		fmt.Printf("  %s✗ %s | %s%s\n", colorRed, label, err, colorReset)
		zap.L().Error("Failed to check invoice",
			zap.Int64("order_id", o.Id),
			zap.String("network", network.Key()),
			zap.Error(err))
		return
	}

	if !res.Found {
		if err := l.saveProgress(ctx, o.Id, res, true); err != nil {
			zap.L().Error("Failed to save scan progress", zap.Int64("order_id", o.Id), zap.Error(err))
		}
		if res.Pending != nil {
			summary.Pending++
			fmt.Printf("  %s~ %s | %s waiting for confirmations%s\n",
				colorYellow, label, shortTxId(res.Pending.TxId), colorReset)
		}
		return
	}

	outcome, err := l.engine.FulfillPayment(ctx, o.Id, models.PaymentMatch{
		TxId:          res.TxId,
		Confirmations: res.Confirmations,
	})
	if err != nil {
		summary.Failed++
		fmt.Printf("  %s✗ %s | %s%s\n", colorRed, label, err, colorReset)
		zap.L().Error("Failed to fulfill order", zap.Int64("order_id", o.Id), zap.Error(err))
		return
	}
	if outcome.Status == fulfillment.StatusTxAlreadyUsed {
		summary.Skipped++
		fmt.Printf("  %s✗ %s | %s already paid order #%d%s\n",
			colorRed, label, shortTxId(res.TxId), outcome.ConflictId, colorReset)
		if err := l.saveProgress(ctx, o.Id, res, true); err != nil {
			zap.L().Error("Failed to save scan progress", zap.Int64("order_id", o.Id), zap.Error(err))
		}
		return
	}
	summary.Found++
	fmt.Printf("  %s✓ %s | %s %s%s\n",
		colorGreen, label, shortTxId(res.TxId), outcome.Status, colorReset)
}

// expireInvoice moves the order to EXPIRED and tells the user. It reports false when the
// order left AWAITING_PAYMENT since the snapshot was taken.
func (l *InvoiceListener) expireInvoice(ctx context.Context, order *models.Order) (bool, error) {
	var expired *models.Order
	err := l.store.Transact(ctx, func(ledger *store.Ledger) error {
		o, err := ledger.Order(order.Id)
		if err != nil {
			return err
		}
		if o.Status != models.StatusAwaitingPayment {
			return nil
		}
		o.SetStatus(models.StatusExpired, l.now())
		o.Payment.Status = models.InvoiceStatusExpired
		expired = o.Clone()
		return nil
	})
	if err != nil || expired == nil {
		return false, err
	}

	zap.L().Info("Invoice expired",
		zap.Int64("order_id", expired.Id),
		zap.Time("expires_at", expired.Payment.ExpiresAt))

	if _, err := l.notifier.NotifyUser(ctx, notifier.Message{
		Event:     notifier.EventInvoiceExpired,
		UserId:    expired.UserId,
		Order:     expired,
		MessageId: expired.Payment.MessageId,
	}); err != nil {
		zap.L().Warn("Failed to notify invoice expiry", zap.Int64("order_id", expired.Id), zap.Error(err))
	}
	return true, nil
}

// refreshCountdown updates the invoice message when its minutes remaining changed
func (l *InvoiceListener) refreshCountdown(ctx context.Context, o *models.Order) {
	payment := o.Payment
	if payment.MessageId == "" {
		return
	}
	minutes := payment.MinutesLeft(l.now())
	if minutes == payment.LastExpiresMin {
		return
	}

	sent, err := l.notifier.NotifyUser(ctx, notifier.Message{
		Event:       notifier.EventInvoiceUpdated,
		UserId:      o.UserId,
		Order:       o,
		MessageId:   payment.MessageId,
		MinutesLeft: minutes,
	})
	if err != nil {
		zap.L().Warn("Failed to refresh invoice message", zap.Int64("order_id", o.Id), zap.Error(err))
		return
	}

	err = l.store.Transact(ctx, func(ledger *store.Ledger) error {
		current, err := ledger.Order(o.Id)
		if err != nil {
			return err
		}
		if current.Payment == nil {
			return nil
		}
		if sent != "" {
			current.Payment.MessageId = sent
		}
		current.Payment.LastExpiresMin = minutes
		return nil
	})
	if err != nil {
		zap.L().Warn("Failed to record invoice countdown", zap.Int64("order_id", o.Id), zap.Error(err))
	}
}

// saveProgress stores the scan cursor and pending marker of an unmatched attempt. With
// replacePending a nil marker clears the stored one, which is how dropped transfers are forgotten.
func (l *InvoiceListener) saveProgress(ctx context.Context, orderId int64, res *chain.Result, replacePending bool) error {
	return l.store.Transact(ctx, func(ledger *store.Ledger) error {
		o, err := ledger.Order(orderId)
		if err != nil {
			return err
		}
		if o.Payment == nil || o.Key != "" {
			return nil
		}
		if res.NextCursor != nil {
			cursor := *res.NextCursor
			o.Payment.LastCheckedBlock = &cursor
		}
		if res.Pending != nil {
			pending := *res.Pending
			o.Payment.PendingTx = &pending
		} else if replacePending {
			o.Payment.PendingTx = nil
		}
		return nil
	})
}

func queryFor(payment *models.Invoice, network models.Network) chain.Query {
	return chain.Query{
		Address:          payment.Address,
		Amount:           payment.AmountAtomic,
		MinConfirmations: network.Confirmations,
		Cursor:           payment.LastCheckedBlock,
		StartBlock:       payment.StartBlock,
		Pending:          payment.PendingTx,
		CreatedAt:        payment.CreatedAt,
	}
}

func shortTxId(txId string) string {
	if len(txId) > 12 {
		return txId[:12] + "..."
	}
	return txId
}
