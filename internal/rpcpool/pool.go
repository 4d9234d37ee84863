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

package rpcpool

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var ErrNoEndpoints = errors.New("no rpc endpoints configured")

// Config holds the failover and caching parameters of a Pool
type Config struct {
	Cooldown    time.Duration
	HeightTtl   time.Duration
	CallTimeout time.Duration
	HttpClient  *http.Client
}

// Endpoint is one JSON-RPC provider
type Endpoint struct {
	Url string
	rpc *rpc.Client
	eth *ethclient.Client
}

func (e *Endpoint) Rpc() *rpc.Client {
	return e.rpc
}

func (e *Endpoint) Eth() *ethclient.Client {
	return e.eth
}

type cachedHeight struct {
	height    uint64
	fetchedAt time.Time
}

// Pool spreads EVM JSON-RPC calls over an ordered endpoint list. An endpoint that answers
// with a rate-limit error is put in cooldown; other errors are returned to the caller as is.
type Pool struct {
	endpoints   []*Endpoint
	cooldown    time.Duration
	heightTtl   time.Duration
	callTimeout time.Duration
	now         func() time.Time

	mu        sync.Mutex
	cooldowns map[string]time.Time
	heights   map[string]cachedHeight
	group     singleflight.Group
}

func New(urls []string, cfg Config) (*Pool, error) {
	if len(urls) == 0 {
		return nil, ErrNoEndpoints
	}

	httpClient := cfg.HttpClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	p := &Pool{
		cooldown:    cfg.Cooldown,
		heightTtl:   cfg.HeightTtl,
		callTimeout: cfg.CallTimeout,
		now:         time.Now,
		cooldowns:   make(map[string]time.Time),
		heights:     make(map[string]cachedHeight),
	}

	for _, raw := range urls {
		parsed, err := url.Parse(raw)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
			return nil, fmt.Errorf("unsupported rpc url %q", raw)
		}
		client, err := rpc.DialOptions(context.Background(), raw, rpc.WithHTTPClient(httpClient))
		if err != nil {
			return nil, fmt.Errorf("failed to create rpc client for %s: %w", parsed.Host, err)
		}
		p.endpoints = append(p.endpoints, &Endpoint{
			Url: raw,
			rpc: client,
			eth: ethclient.NewClient(client),
		})
	}

	return p, nil
}

func (p *Pool) Close() {
	for _, ep := range p.endpoints {
		ep.rpc.Close()
	}
}

// Do runs fn against endpoints until one succeeds. Endpoints in cooldown are skipped; when
// every endpoint is cooling down, the one whose cooldown ends first is tried.
func (p *Pool) Do(ctx context.Context, fn func(ctx context.Context, ep *Endpoint) error) error {
	var lastErr error
	for _, ep := range p.candidates() {
		err := p.call(ctx, ep, fn)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		if IsBlockRangeError(err) || !IsRateLimitError(err) {
			return err
		}

		p.markCooldown(ep.Url)
		zap.L().Warn("RPC endpoint rate limited, cooling down",
			zap.String("endpoint", endpointHost(ep.Url)),
			zap.Duration("cooldown", p.cooldown),
			zap.Error(err))
		lastErr = err
	}
	return fmt.Errorf("all rpc endpoints rate limited: %w", lastErr)
}

func (p *Pool) call(ctx context.Context, ep *Endpoint, fn func(ctx context.Context, ep *Endpoint) error) error {
	if p.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.callTimeout)
		defer cancel()
	}
	return fn(ctx, ep)
}

// BlockNumber returns the latest block height, cached per endpoint for the height TTL
func (p *Pool) BlockNumber(ctx context.Context) (uint64, error) {
	var height uint64
	err := p.Do(ctx, func(ctx context.Context, ep *Endpoint) error {
		h, err := p.endpointHeight(ctx, ep)
		if err != nil {
			return err
		}
		height = h
		return nil
	})
	return height, err
}

func (p *Pool) endpointHeight(ctx context.Context, ep *Endpoint) (uint64, error) {
	p.mu.Lock()
	cached, ok := p.heights[ep.Url]
	p.mu.Unlock()
	if ok && p.now().Sub(cached.fetchedAt) < p.heightTtl {
		return cached.height, nil
	}

	v, err, _ := p.group.Do(ep.Url, func() (any, error) {
		h, err := ep.eth.BlockNumber(ctx)
		if err != nil {
			return uint64(0), err
		}
		p.mu.Lock()
		p.heights[ep.Url] = cachedHeight{height: h, fetchedAt: p.now()}
		p.mu.Unlock()
		return h, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(uint64), nil
}

func (p *Pool) candidates() []*Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var ready []*Endpoint
	var soonest *Endpoint
	var soonestUntil time.Time
	for _, ep := range p.endpoints {
		until, cooling := p.cooldowns[ep.Url]
		if !cooling || !now.Before(until) {
			ready = append(ready, ep)
			continue
		}
		if soonest == nil || until.Before(soonestUntil) {
			soonest = ep
			soonestUntil = until
		}
	}
	if len(ready) == 0 && soonest != nil {
		return []*Endpoint{soonest}
	}
	return ready
}

func (p *Pool) markCooldown(endpoint string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cooldowns[endpoint] = p.now().Add(p.cooldown)
}

// InCooldown reports whether the endpoint is currently deprioritized
func (p *Pool) InCooldown(endpoint string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	until, ok := p.cooldowns[endpoint]
	return ok && p.now().Before(until)
}

// IsRateLimitError classifies provider throttling by HTTP status or message content
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusTooManyRequests {
		return true
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == limitExceededCode {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range rateLimitMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// limitExceededCode is the JSON-RPC error code providers use for request quotas
const limitExceededCode = -32005

var rateLimitMarkers = []string{
	"rate limit",
	"rate-limit",
	"ratelimit",
	"rate exceeded",
	"limit exceeded",
	"limit reached",
	"too many requests",
}

// IsBlockRangeError classifies provider limits on the eth_getLogs scan window
func IsBlockRangeError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "block range") ||
		strings.Contains(msg, "range is too large") ||
		strings.Contains(msg, "range too large") ||
		strings.Contains(msg, "invalid block range") ||
		strings.Contains(msg, "query returned more than")
}

func endpointHost(raw string) string {
	if parsed, err := url.Parse(raw); err == nil {
		return parsed.Host
	}
	return raw
}
