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

	"crypto-payment-watcher-go/internal/fulfillment"
	"crypto-payment-watcher-go/internal/models"

	"go.uber.org/zap"
)

// performStartupRecovery retries paid orders that were left without a key, for example
// after an operator imported new keys while the watcher was down
func (l *InvoiceListener) performStartupRecovery(ctx context.Context) error {
	zap.L().Info("Starting startup recovery process")

	snapshot, err := l.store.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("failed to read orders: %w", err)
	}

	stock := make(map[string]int)
	var waiting, recovered int
	for _, o := range snapshot.SortedOrders() {
		if o.Status != models.StatusPaidNoKey || o.Payment == nil || o.Payment.Status != models.InvoiceStatusSuccess {
			continue
		}
		waiting++
		pool := fmt.Sprintf("%s/%d", o.ProductCode, o.Days)
		if _, ok := stock[pool]; !ok {
			stock[pool] = snapshot.AvailableCount(o.ProductCode, o.Days)
		}
		if stock[pool] == 0 {
			continue
		}

		outcome, err := l.engine.FulfillPayment(ctx, o.Id, models.PaymentMatch{
			TxId:          o.Payment.TxId,
			Confirmations: o.Payment.Confirmations,
			Reference:     o.Payment.Reference,
		})
		if err != nil {
			zap.L().Error("Failed to recover paid order",
				zap.Int64("order_id", o.Id),
				zap.Error(err))
			continue
		}
		if outcome.Status == fulfillment.StatusFulfilled {
			stock[pool]--
			recovered++
			zap.L().Info("Recovered paid order",
				zap.Int64("order_id", o.Id),
				zap.String("product_code", o.ProductCode),
				zap.Int("days", o.Days))
		}
	}

	zap.L().Info("Startup recovery completed",
		zap.Int("waiting_for_keys", waiting),
		zap.Int("recovered", recovered))
	return nil
}
