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

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/time/rate"
)

const maxBodySize = 8 << 20

// StatusError is returned for non-2xx responses
type StatusError struct {
	Url        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d from %s: %s", e.StatusCode, e.Url, e.Body)
}

// Client performs JSON requests against public explorer APIs with an explicit per-call
// deadline and a per-host request rate.
type Client struct {
	http    *http.Client
	timeout time.Duration
	rps     float64

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewClient returns a client whose calls are bounded by timeout and throttled to
// requestsPerSecond per host. A non-positive rate disables throttling.
func NewClient(timeout time.Duration, requestsPerSecond float64) (*Client, error) {
	httpClient, err := NewHttpClient(timeout)
	if err != nil {
		return nil, fmt.Errorf("unable to create http client: %w", err)
	}
	return &Client{
		http:     httpClient,
		timeout:  timeout,
		rps:      requestsPerSecond,
		limiters: make(map[string]*rate.Limiter),
	}, nil
}

// NewHttpClient builds the shared transport with dial, TLS and header timeouts
func NewHttpClient(timeout time.Duration) (*http.Client, error) {
	tr := &http.Transport{
		ResponseHeaderTimeout: 30 * time.Second,
		Proxy:                 http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			KeepAlive: 30 * time.Second,
			Timeout:   15 * time.Second,
		}).DialContext,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConnsPerHost:   5,
		ExpectContinueTimeout: 5 * time.Second,
	}

	if err := http2.ConfigureTransport(tr); err != nil {
		return nil, err
	}

	clientTimeout := 60 * time.Second
	if timeout > 0 && timeout < clientTimeout {
		clientTimeout = timeout
	}

	return &http.Client{
		Transport: tr,
		Timeout:   clientTimeout,
	}, nil
}

// HttpClient exposes the underlying client for SDKs that take one
func (c *Client) HttpClient() *http.Client {
	return c.http
}

// GetJson issues a GET and decodes the JSON body into out
func (c *Client) GetJson(ctx context.Context, rawUrl string, headers map[string]string, out any) error {
	return c.do(ctx, http.MethodGet, rawUrl, headers, nil, out)
}

// PostJson issues a POST with a JSON body and decodes the JSON response into out (if non-nil)
func (c *Client) PostJson(ctx context.Context, rawUrl string, headers map[string]string, body io.Reader, out any) error {
	return c.do(ctx, http.MethodPost, rawUrl, headers, body, out)
}

func (c *Client) do(ctx context.Context, method, rawUrl string, headers map[string]string, body io.Reader, out any) error {
	parsed, err := url.Parse(rawUrl)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", rawUrl, err)
	}

	if limiter := c.limiter(parsed.Host); limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter wait for %s: %w", parsed.Host, err)
		}
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, rawUrl, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", parsed.Host, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("failed to read response from %s: %w", parsed.Host, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(data)
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return &StatusError{Url: parsed.Host + parsed.Path, StatusCode: resp.StatusCode, Body: snippet}
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("malformed response from %s: %w", parsed.Host, err)
	}
	return nil
}

func (c *Client) limiter(host string) *rate.Limiter {
	if c.rps <= 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.limiters[host]
	if !ok {
		burst := int(c.rps)
		if burst < 1 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(c.rps), burst)
		c.limiters[host] = l
	}
	return l
}
