package listener

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"crypto-payment-watcher-go/internal/chain"
	"crypto-payment-watcher-go/internal/fulfillment"
	"crypto-payment-watcher-go/internal/models"

	"go.uber.org/zap"
)

// TxIdNormalizer is implemented by finders that can canonicalize user supplied ids
type TxIdNormalizer interface {
	NormalizeTxId(n models.Network, raw string) (string, error)
}

// ManualCheck looks up a transaction id the user says paid one of their wallet invoices.
// Expired invoices are still eligible here, unlike in the scheduled pass.
func (l *InvoiceListener) ManualCheck(ctx context.Context, userId string, rawTxId string) (*models.CheckResult, error) {
	rawTxId = strings.TrimSpace(rawTxId)
	if rawTxId == "" {
		return nil, chain.ErrInvalidTxId
	}

	zap.L().Info("Manual payment check",
		zap.String("user_id", userId),
		zap.String("txid", rawTxId))

	snapshot, err := l.store.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read orders: %w", err)
	}

	var orders []*models.Order
	for _, o := range snapshot.UserOrders(userId) {
		if o.IsWalletInvoice() {
			orders = append(orders, o)
		}
	}
	if len(orders) == 0 {
		return &models.CheckResult{Status: models.CheckNotFound}, nil
	}

	for _, o := range orders {
		if !l.sameTxId(o, rawTxId) {
			continue
		}
		if o.Key != "" {
			return &models.CheckResult{Status: models.CheckAlreadyFulfilled, OrderId: o.Id, TxId: o.Payment.TxId, Order: o}, nil
		}
		if o.Status == models.StatusPaidNoKey {
			return &models.CheckResult{Status: models.CheckNoKey, OrderId: o.Id, TxId: o.Payment.TxId, Order: o}, nil
		}
	}

	supported, pending, invalid := false, false, 0
	for _, o := range orders {
		if o.Status != models.StatusAwaitingPayment && o.Status != models.StatusExpired {
			continue
		}
		payment := o.Payment
		if payment.AmountAtomic == nil || payment.Address == "" {
			continue
		}
		_, network, err := l.registry.Resolve(payment.Asset, payment.Network)
		if err != nil || !l.finder.SupportsTxLookup(network) {
			continue
		}
		supported = true

		res, err := l.finder.FindPaymentByTxId(ctx, network, queryFor(payment, network), rawTxId)
		if errors.Is(err, chain.ErrInvalidTxId) {
			invalid++
			continue
		}
		if err != nil {
			zap.L().Warn("Manual check lookup failed",
				zap.Int64("order_id", o.Id),
				zap.String("network", network.Key()),
				zap.Error(err))
			continue
		}

		if !res.Found {
			if res.Pending != nil {
				pending = true
				if err := l.saveProgress(ctx, o.Id, res, false); err != nil {
					zap.L().Warn("Failed to save pending transfer", zap.Int64("order_id", o.Id), zap.Error(err))
				}
			}
			continue
		}

		outcome, err := l.engine.FulfillPayment(ctx, o.Id, models.PaymentMatch{
			TxId:          res.TxId,
			Confirmations: res.Confirmations,
		})
		if err != nil {
			return nil, err
		}
		if outcome.Status == fulfillment.StatusMissing {
			continue
		}
		return &models.CheckResult{
			Status:  checkStatus(outcome.Status),
			OrderId: o.Id,
			TxId:    res.TxId,
			Order:   outcome.Order,
		}, nil
	}

	switch {
	case !supported:
		return &models.CheckResult{Status: models.CheckUnsupported}, nil
	case pending:
		return &models.CheckResult{Status: models.CheckPending}, nil
	case invalid > 0:
		return nil, chain.ErrInvalidTxId
	}
	return &models.CheckResult{Status: models.CheckNotFound}, nil
}

// sameTxId compares the stored transaction id of an order with a user supplied one
func (l *InvoiceListener) sameTxId(o *models.Order, raw string) bool {
	stored := o.Payment.TxId
	if stored == "" {
		return false
	}
	if strings.EqualFold(stored, raw) {
		return true
	}
	normalizer, ok := l.finder.(TxIdNormalizer)
	if !ok {
		return false
	}
	_, network, err := l.registry.Resolve(o.Payment.Asset, o.Payment.Network)
	if err != nil {
		return false
	}
	normalized, err := normalizer.NormalizeTxId(network, raw)
	return err == nil && strings.EqualFold(stored, normalized)
}

func checkStatus(s fulfillment.Status) models.CheckStatus {
	switch s {
	case fulfillment.StatusFulfilled:
		return models.CheckFulfilled
	case fulfillment.StatusAlreadyFulfilled:
		return models.CheckAlreadyFulfilled
	case fulfillment.StatusNoKey:
		return models.CheckNoKey
	case fulfillment.StatusTxAlreadyUsed:
		return models.CheckTxAlreadyUsed
	}
	return models.CheckNotFound
}
