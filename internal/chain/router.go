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

package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crypto-payment-watcher-go/internal/models"
	"crypto-payment-watcher-go/internal/rpcpool"
	"crypto-payment-watcher-go/internal/transport"

	"go.uber.org/zap"
)

const (
	defaultTronApiBase   = "https://api.trongrid.io"
	defaultTonApiBase    = "https://toncenter.com/api/v2"
	defaultSolanaRpcUrl  = "https://api.mainnet-beta.solana.com"
	defaultTipCacheSize  = 32
	defaultSolanaTimeout = 20 * time.Second
)

// Deps are the shared clients adapters are built with
type Deps struct {
	Http        *transport.Client
	Pool        rpcpool.Config
	TipCacheTtl time.Duration
}

// Router holds the adapter chosen for every configured network. Adapters are selected once,
// when the router is built; a network that cannot be served keeps its configuration error.
type Router struct {
	adapters map[string]Adapter
	errs     map[string]error
	pools    []*rpcpool.Pool
}

func NewRouter(networks []models.Network, deps Deps) (*Router, error) {
	r := &Router{
		adapters: make(map[string]Adapter),
		errs:     make(map[string]error),
	}

	tips, err := newHeightCache(defaultTipCacheSize, deps.TipCacheTtl)
	if err != nil {
		return nil, err
	}

	for _, n := range networks {
		adapter, pool, err := newAdapter(n, deps, tips)
		if err != nil {
			zap.L().Warn("Network cannot be watched",
				zap.String("network", n.Key()),
				zap.Error(err))
			r.errs[n.Key()] = err
			continue
		}
		if pool != nil {
			r.pools = append(r.pools, pool)
		}
		r.adapters[n.Key()] = adapter
		zap.L().Info("Registered chain adapter",
			zap.String("network", n.Key()),
			zap.String("protocol", string(adapter.Protocol())),
			zap.String("adapter", fmt.Sprintf("%T", adapter)))
	}

	return r, nil
}

// NewRouterWithAdapters builds a router over prepared adapters keyed by network key
func NewRouterWithAdapters(adapters map[string]Adapter) *Router {
	return &Router{adapters: adapters, errs: make(map[string]error)}
}

func newAdapter(n models.Network, deps Deps, tips *heightCache) (Adapter, *rpcpool.Pool, error) {
	if n.Address == "" {
		return nil, nil, &MisconfiguredError{Network: n.Key(), Field: "address"}
	}

	switch n.Type {
	case models.ProtocolUtxo:
		if n.ApiBase == "" {
			return nil, nil, &MisconfiguredError{Network: n.Key(), Field: "api_base"}
		}
		return NewUtxoAdapter(n, deps.Http, tips), nil, nil

	case models.ProtocolEvm:
		if n.UsesRpc() {
			pool, err := rpcpool.New(n.RpcUrls, deps.Pool)
			if err != nil {
				return nil, nil, fmt.Errorf("network %s: %w", n.Key(), err)
			}
			if n.IsToken() {
				return NewEvmTokenAdapter(n, pool), pool, nil
			}
			return NewEvmNativeAdapter(n, pool), pool, nil
		}
		if n.ApiBase == "" {
			return nil, nil, &MisconfiguredError{Network: n.Key(), Field: "rpc_urls or api_base"}
		}
		return NewEvmExplorerAdapter(n, deps.Http), nil, nil

	case models.ProtocolTron:
		if n.ApiBase == "" {
			n.ApiBase = defaultTronApiBase
		}
		return NewTronAdapter(n, deps.Http), nil, nil

	case models.ProtocolTon:
		if n.ApiBase == "" {
			n.ApiBase = defaultTonApiBase
		}
		adapter, err := NewTonAdapter(n, deps.Http)
		if err != nil {
			return nil, nil, err
		}
		return adapter, nil, nil

	case models.ProtocolSolana:
		endpoint := defaultSolanaRpcUrl
		if len(n.RpcUrls) > 0 {
			endpoint = n.RpcUrls[0]
		}
		timeout := deps.Pool.CallTimeout
		if timeout <= 0 {
			timeout = defaultSolanaTimeout
		}
		adapter, err := NewSolanaAdapter(n, endpoint, timeout)
		if err != nil {
			return nil, nil, err
		}
		return adapter, nil, nil
	}

	return nil, nil, fmt.Errorf("network %s: unsupported protocol %q", n.Key(), n.Type)
}

func (r *Router) adapter(n models.Network) (Adapter, error) {
	if a, ok := r.adapters[n.Key()]; ok {
		return a, nil
	}
	if err, ok := r.errs[n.Key()]; ok {
		return nil, err
	}
	return nil, &MisconfiguredError{Network: n.Key(), Field: "adapter"}
}

// FindPayment runs the network's adapter. A match below the confirmation threshold is
// always reported as pending, whatever the adapter returned.
func (r *Router) FindPayment(ctx context.Context, n models.Network, q Query) (*Result, error) {
	a, err := r.adapter(n)
	if err != nil {
		return nil, err
	}
	if q.MinConfirmations < 1 {
		q.MinConfirmations = n.Confirmations
	}
	res, err := a.FindPayment(ctx, q)
	if err != nil {
		return nil, err
	}
	return enforceConfirmations(res, q.MinConfirmations), nil
}

// FindPaymentByTxId checks one transaction id on networks whose adapter supports lookups
func (r *Router) FindPaymentByTxId(ctx context.Context, n models.Network, q Query, rawTxId string) (*Result, error) {
	a, err := r.adapter(n)
	if err != nil {
		return nil, err
	}
	lookup, ok := a.(TxLookup)
	if !ok {
		return nil, ErrLookupUnsupported
	}
	txId, err := lookup.NormalizeTxId(rawTxId)
	if err != nil {
		return nil, err
	}
	if q.MinConfirmations < 1 {
		q.MinConfirmations = n.Confirmations
	}
	res, err := lookup.FindPaymentByTxId(ctx, q, txId)
	if err != nil {
		return nil, err
	}
	return enforceConfirmations(res, q.MinConfirmations), nil
}

// SupportsTxLookup reports whether manual checks by transaction id are possible
func (r *Router) SupportsTxLookup(n models.Network) bool {
	a, err := r.adapter(n)
	if err != nil {
		return false
	}
	_, ok := a.(TxLookup)
	return ok
}

// NormalizeTxId normalizes a user supplied id for the network, or fails if unsupported
func (r *Router) NormalizeTxId(n models.Network, raw string) (string, error) {
	a, err := r.adapter(n)
	if err != nil {
		return "", err
	}
	lookup, ok := a.(TxLookup)
	if !ok {
		return "", ErrLookupUnsupported
	}
	return lookup.NormalizeTxId(raw)
}

// StartCursor returns the block a new invoice should scan from, or nil when the network's
// adapter does not scan blocks.
func (r *Router) StartCursor(ctx context.Context, n models.Network) (*uint64, error) {
	a, err := r.adapter(n)
	if err != nil {
		var misconfigured *MisconfiguredError
		if errors.As(err, &misconfigured) {
			return nil, nil
		}
		return nil, err
	}
	starter, ok := a.(StartCursorer)
	if !ok {
		return nil, nil
	}
	block, err := starter.StartCursor(ctx)
	if err != nil {
		return nil, err
	}
	return &block, nil
}

func (r *Router) Close() {
	for _, p := range r.pools {
		p.Close()
	}
}

func enforceConfirmations(res *Result, minConfirmations int64) *Result {
	if res == nil {
		return &Result{}
	}
	if res.Found && res.Confirmations < minConfirmations {
		zap.L().Warn("Adapter reported a match below the confirmation threshold",
			zap.String("txid", res.TxId),
			zap.Int64("confirmations", res.Confirmations),
			zap.Int64("required", minConfirmations))
		res.Found = false
		if res.Pending == nil {
			res.Pending = &models.PendingTx{TxId: res.TxId}
		}
	}
	return res
}
