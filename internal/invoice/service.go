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

package invoice

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"crypto-payment-watcher-go/internal/assets"
	"crypto-payment-watcher-go/internal/models"
	"crypto-payment-watcher-go/internal/notifier"
	"crypto-payment-watcher-go/internal/pricing"
	"crypto-payment-watcher-go/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrOutOfStock      = errors.New("no keys available for product")
	ErrUnknownDuration = errors.New("product has no price for duration")
)

// Quoter converts fiat prices into asset amounts
type Quoter interface {
	Quote(ctx context.Context, asset models.Asset, fiatAmount decimal.Decimal, currency string, decimals int32) (*pricing.Quote, error)
}

// StartCursors reports the block new invoices on a network start scanning from
type StartCursors interface {
	StartCursor(ctx context.Context, n models.Network) (*uint64, error)
}

// CheckoutRequest selects what a user buys and how they pay for it
type CheckoutRequest struct {
	UserId      string
	ProductCode string
	Days        int
	Asset       string
	Network     string
	// MessageId of an invoice message the user already sees, if any
	MessageId string
}

// CheckoutResult is the invoice to show to the user
type CheckoutResult struct {
	Order  *models.Order
	Reused bool
}

// Service issues wallet invoices
type Service struct {
	config    models.InvoiceConfig
	store     store.OrderStore
	registry  *assets.Registry
	quoter    Quoter
	cursors   StartCursors
	notifier  notifier.Notifier
	allocator *Allocator
	now       func() time.Time
}

func NewService(
	cfg models.InvoiceConfig,
	orders store.OrderStore,
	registry *assets.Registry,
	quoter Quoter,
	cursors StartCursors,
	n notifier.Notifier,
) *Service {
	return &Service{
		config:    cfg,
		store:     orders,
		registry:  registry,
		quoter:    quoter,
		cursors:   cursors,
		notifier:  n,
		allocator: NewAllocator(cfg.UniqueAmountMax),
		now:       time.Now,
	}
}

// CreateInvoice returns an open invoice for the request, reusing the user's matching one when
// it has not expired. A new order that cannot be priced or allocated is marked ERROR.
func (s *Service) CreateInvoice(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	product, err := s.registry.Product(req.ProductCode)
	if err != nil {
		return nil, err
	}
	price, ok := product.Price(req.Days, s.config.PaymentCurrency)
	if !ok {
		return nil, fmt.Errorf("%w: %s %d days in %s", ErrUnknownDuration, product.Code, req.Days, s.config.PaymentCurrency)
	}
	asset, network, err := s.registry.Resolve(req.Asset, req.Network)
	if err != nil {
		return nil, err
	}

	snapshot, err := s.store.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read orders: %w", err)
	}
	if !snapshot.HasAvailableKey(product.Code, req.Days) {
		return nil, fmt.Errorf("%w: %s %d days", ErrOutOfStock, product.Code, req.Days)
	}

	existing, err := s.reusableInvoice(ctx, snapshot, req, network)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		zap.L().Info("Reusing open invoice",
			zap.Int64("order_id", existing.Id),
			zap.String("asset", asset.Code),
			zap.String("network", network.Code),
			zap.Time("expires_at", existing.Payment.ExpiresAt))
		messageId := req.MessageId
		if messageId == "" {
			messageId = existing.Payment.MessageId
		}
		return &CheckoutResult{Order: s.sendInvoice(ctx, existing, messageId), Reused: true}, nil
	}

	var orderId int64
	err = s.store.Transact(ctx, func(l *store.Ledger) error {
		o := l.AddOrder(models.Order{
			UserId:       req.UserId,
			ProductCode:  product.Code,
			Days:         req.Days,
			FiatAmount:   price,
			FiatCurrency: s.config.PaymentCurrency,
			Status:       models.StatusCreated,
			Provider:     models.ProviderWallet,
		}, s.now())
		orderId = o.Id
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	zap.L().Info("Creating invoice",
		zap.Int64("order_id", orderId),
		zap.String("asset", asset.Code),
		zap.String("network", network.Code),
		zap.String("fiat_amount", price.String()))

	order, err := s.issue(ctx, orderId, asset, network, price)
	if err != nil {
		s.markError(ctx, orderId, err)
		return nil, err
	}
	zap.L().Info("Invoice created",
		zap.Int64("order_id", order.Id),
		zap.String("amount", order.Payment.AmountText),
		zap.String("amount_atomic", order.Payment.AmountAtomic.String()))

	return &CheckoutResult{Order: s.sendInvoice(ctx, order, req.MessageId)}, nil
}

// reusableInvoice finds the user's newest open invoice for the same purchase. Invoices that
// expired, or were issued with a finer precision than the network now allows, are expired.
func (s *Service) reusableInvoice(ctx context.Context, snapshot *store.Ledger, req CheckoutRequest, network models.Network) (*models.Order, error) {
	now := s.now()
	for _, o := range snapshot.UserOrders(req.UserId) {
		if o.ProductCode != req.ProductCode || o.Days != req.Days || !o.IsWalletInvoice() {
			continue
		}
		if o.Status != models.StatusAwaitingPayment {
			continue
		}
		if o.Payment.Asset != network.AssetCode || o.Payment.Network != network.Code {
			continue
		}
		if o.Payment.Expired(now) || o.Payment.InvoiceDecimals > network.InvoiceDecimals {
			if err := s.expire(ctx, o.Id); err != nil {
				return nil, err
			}
			return nil, nil
		}
		return o.Clone(), nil
	}
	return nil, nil
}

func (s *Service) issue(ctx context.Context, orderId int64, asset models.Asset, network models.Network, price decimal.Decimal) (*models.Order, error) {
	quote, err := s.quoter.Quote(ctx, asset, price, s.config.PaymentCurrency, network.InvoiceDecimals)
	if err != nil {
		return nil, fmt.Errorf("failed to quote %s: %w", asset.Code, err)
	}
	base, err := DecimalToAtomic(quote.Amount, network.InvoiceDecimals)
	if err != nil {
		return nil, err
	}
	if base.Sign() <= 0 {
		return nil, pricing.ErrInvalidQuote
	}

	startBlock, err := s.cursors.StartCursor(ctx, network)
	if err != nil {
		// scanning falls back to the look-back window
		zap.L().Warn("Failed to record invoice start block",
			zap.Int64("order_id", orderId),
			zap.String("network", network.Key()),
			zap.Error(err))
		startBlock = nil
	}

	var issued *models.Order
	err = s.store.Transact(ctx, func(l *store.Ledger) error {
		o, err := l.Order(orderId)
		if err != nil {
			return err
		}

		now := s.now()
		reserved := ReservedAmounts(l.OpenInvoices(asset.Code, network.Code, now), network.Decimals, network.InvoiceDecimals)
		invoiceAmount, err := s.allocator.Select(base, reserved)
		if err != nil {
			return err
		}
		amount := new(big.Int).Mul(invoiceAmount, ScaleFactor(network.Decimals, network.InvoiceDecimals))

		o.Payment = &models.Invoice{
			Asset:               asset.Code,
			Network:             network.Code,
			Address:             network.Address,
			AmountAtomic:        amount,
			InvoiceAmountAtomic: invoiceAmount,
			Decimals:            network.Decimals,
			InvoiceDecimals:     network.InvoiceDecimals,
			AmountText:          FormatAtomic(invoiceAmount, network.InvoiceDecimals),
			FiatAmount:          price,
			FiatCurrency:        s.config.PaymentCurrency,
			RateUsd:             quote.PriceUsd,
			AmountUsd:           quote.AmountUsd,
			CreatedAt:           now,
			ExpiresAt:           now.Add(s.config.Ttl),
			StartBlock:          startBlock,
			Status:              models.InvoiceStatusPending,
		}
		o.Provider = models.ProviderWallet
		o.SetStatus(models.StatusAwaitingPayment, now)
		issued = o.Clone()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to allocate invoice amount: %w", err)
	}
	return issued, nil
}

// sendInvoice delivers the invoice and records the message id the notifier returned
func (s *Service) sendInvoice(ctx context.Context, order *models.Order, messageId string) *models.Order {
	minutes := order.Payment.MinutesLeft(s.now())
	sent, err := s.notifier.NotifyUser(ctx, notifier.Message{
		Event:       notifier.EventInvoiceCreated,
		UserId:      order.UserId,
		Order:       order,
		MessageId:   messageId,
		MinutesLeft: minutes,
	})
	if err != nil {
		zap.L().Warn("Failed to send invoice",
			zap.Int64("order_id", order.Id),
			zap.Error(err))
		return order
	}
	if sent == "" || (sent == order.Payment.MessageId && minutes == order.Payment.LastExpiresMin) {
		return order
	}

	err = s.store.Transact(ctx, func(l *store.Ledger) error {
		o, err := l.Order(order.Id)
		if err != nil {
			return err
		}
		if o.Payment == nil {
			return nil
		}
		o.Payment.MessageId = sent
		o.Payment.LastExpiresMin = minutes
		o.UpdatedAt = s.now()
		order = o.Clone()
		return nil
	})
	if err != nil {
		zap.L().Warn("Failed to record invoice message",
			zap.Int64("order_id", order.Id),
			zap.Error(err))
	}
	return order
}

func (s *Service) expire(ctx context.Context, orderId int64) error {
	err := s.store.Transact(ctx, func(l *store.Ledger) error {
		o, err := l.Order(orderId)
		if err != nil {
			return err
		}
		if o.Status != models.StatusAwaitingPayment {
			return nil
		}
		o.SetStatus(models.StatusExpired, s.now())
		if o.Payment != nil {
			o.Payment.Status = models.InvoiceStatusExpired
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to expire order %d: %w", orderId, err)
	}
	return nil
}

func (s *Service) markError(ctx context.Context, orderId int64, cause error) {
	zap.L().Warn("Wallet payment error",
		zap.Int64("order_id", orderId),
		zap.Error(cause))

	var failed *models.Order
	err := s.store.Transact(ctx, func(l *store.Ledger) error {
		o, err := l.Order(orderId)
		if err != nil {
			return err
		}
		o.SetStatus(models.StatusError, s.now())
		o.Error = cause.Error()
		o.Provider = models.ProviderWallet
		failed = o.Clone()
		return nil
	})
	if err != nil {
		zap.L().Error("Failed to mark order as errored",
			zap.Int64("order_id", orderId),
			zap.Error(err))
		return
	}

	if _, err := s.notifier.NotifyUser(ctx, notifier.Message{
		Event:  notifier.EventPaymentFailed,
		UserId: failed.UserId,
		Order:  failed,
	}); err != nil {
		zap.L().Warn("Failed to notify payment error",
			zap.Int64("order_id", orderId),
			zap.Error(err))
	}
}
