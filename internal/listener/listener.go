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
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"crypto-payment-watcher-go/internal/assets"
	"crypto-payment-watcher-go/internal/chain"
	"crypto-payment-watcher-go/internal/fulfillment"
	"crypto-payment-watcher-go/internal/models"
	"crypto-payment-watcher-go/internal/notifier"
	"crypto-payment-watcher-go/internal/store"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const MinPollingInterval = 10 * time.Second

var ErrPollInProgress = errors.New("poll already in progress")

// PaymentFinder runs match attempts against the chain adapters of a network
type PaymentFinder interface {
	FindPayment(ctx context.Context, n models.Network, q chain.Query) (*chain.Result, error)
	FindPaymentByTxId(ctx context.Context, n models.Network, q chain.Query, rawTxId string) (*chain.Result, error)
	SupportsTxLookup(n models.Network) bool
}

// InvoiceListenerConfig contains configuration for InvoiceListener
type InvoiceListenerConfig struct {
	Store           store.OrderStore
	Registry        *assets.Registry
	Finder          PaymentFinder
	Engine          *fulfillment.Engine
	Notifier        notifier.Notifier
	PollingInterval time.Duration
}

// InvoiceListener polls the chains for payments of open wallet invoices
type InvoiceListener struct {
	store    store.OrderStore
	registry *assets.Registry
	finder   PaymentFinder
	engine   *fulfillment.Engine
	notifier notifier.Notifier

	pollingInterval time.Duration
	polling         atomic.Bool
	now             func() time.Time

	cron   *cron.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewInvoiceListener creates a new invoice listener
func NewInvoiceListener(cfg InvoiceListenerConfig) *InvoiceListener {
	interval := cfg.PollingInterval
	if interval < MinPollingInterval {
		interval = MinPollingInterval
	}

	return &InvoiceListener{
		store:           cfg.Store,
		registry:        cfg.Registry,
		finder:          cfg.Finder,
		engine:          cfg.Engine,
		notifier:        cfg.Notifier,
		pollingInterval: interval,
		now:             time.Now,
	}
}

// Start recovers paid orders waiting for keys, runs a first pass and schedules the rest
func (l *InvoiceListener) Start(ctx context.Context) error {
	zap.L().Info("Starting invoice listener")

	if err := l.performStartupRecovery(ctx); err != nil {
		zap.L().Error("Startup recovery failed", zap.Error(err))
		return fmt.Errorf("startup recovery failed: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel

	logger := cronLogger{log: zap.L()}
	l.cron = cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	id, err := l.cron.AddFunc(fmt.Sprintf("@every %s", l.pollingInterval), func() {
		l.runPass(runCtx)
	})
	if err != nil {
		cancel()
		return fmt.Errorf("failed to schedule poller: %w", err)
	}

	first := l.cron.Entry(id).WrappedJob
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		first.Run()
	}()
	l.cron.Start()

	zap.L().Info("Invoice listener started successfully",
		zap.Duration("polling_interval", l.pollingInterval))
	return nil
}

// Stop cancels the running pass and waits for it to return
func (l *InvoiceListener) Stop() {
	zap.L().Info("Stopping invoice listener")
	if l.cancel != nil {
		l.cancel()
	}
	if l.cron != nil {
		<-l.cron.Stop().Done()
	}
	l.wg.Wait()
	zap.L().Info("Invoice listener stopped")
}

func (l *InvoiceListener) runPass(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := l.Poll(ctx); err != nil && !errors.Is(err, ErrPollInProgress) {
		zap.L().Error("Invoice poll failed", zap.Error(err))
	}
}

// cronLogger routes scheduler messages to zap
type cronLogger struct {
	log *zap.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.log.Sugar().Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.log.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
