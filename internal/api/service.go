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

package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"crypto-payment-watcher-go/internal/fulfillment"
	"crypto-payment-watcher-go/internal/invoice"
	"crypto-payment-watcher-go/internal/models"
	"crypto-payment-watcher-go/internal/store"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// InvoiceIssuer creates or reuses wallet invoices
type InvoiceIssuer interface {
	CreateInvoice(ctx context.Context, req invoice.CheckoutRequest) (*invoice.CheckoutResult, error)
}

// PaymentChecker runs a manual payment check for a user supplied transaction id
type PaymentChecker interface {
	ManualCheck(ctx context.Context, userId string, rawTxId string) (*models.CheckResult, error)
}

// PostbackHandler applies gateway payment reports
type PostbackHandler interface {
	ApplyPostback(ctx context.Context, p fulfillment.Postback) (*fulfillment.Outcome, error)
}

// OrderService exposes checkout, order lookups, manual checks and gateway postbacks over HTTP
type OrderService struct {
	store     store.OrderStore
	invoices  InvoiceIssuer
	checker   PaymentChecker
	postbacks PostbackHandler
	config    models.ApiConfig
	now       func() time.Time
}

func NewOrderService(cfg models.ApiConfig, orders store.OrderStore, invoices InvoiceIssuer, checker PaymentChecker, postbacks PostbackHandler) *OrderService {
	return &OrderService{
		store:     orders,
		invoices:  invoices,
		checker:   checker,
		postbacks: postbacks,
		config:    cfg,
		now:       time.Now,
	}
}

// HealthStatus is the body of the health endpoint
type HealthStatus struct {
	Status        string `json:"status"`
	Orders        int    `json:"orders"`
	Awaiting      int    `json:"awaiting"`
	AvailableKeys int    `json:"available_keys"`
	PaidNoKey     int    `json:"paid_no_key"`
}

func (s *OrderService) HealthCheck(ctx context.Context) (*HealthStatus, error) {
	if err := s.store.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("store health check failed: %w", err)
	}
	snapshot, err := s.store.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("store health check failed: %w", err)
	}

	status := &HealthStatus{
		Status:        "ok",
		Orders:        len(snapshot.Orders),
		Awaiting:      len(snapshot.AwaitingInvoices()),
		AvailableKeys: len(snapshot.Available),
	}
	for _, o := range snapshot.Orders {
		if o.Status == models.StatusPaidNoKey {
			status.PaidNoKey++
		}
	}
	return status, nil
}

// Router builds the gin engine serving all routes
func (s *OrderService) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/healthz", s.handleHealth)
	r.POST("/postbacks/:provider", s.handlePostback)

	authorized := r.Group("/", s.requireToken())
	authorized.POST("/checkout", s.handleCheckout)
	authorized.GET("/orders/:id", s.handleGetOrder)
	authorized.POST("/orders/check", s.handleManualCheck)

	return r
}

func (s *OrderService) handleHealth(c *gin.Context) {
	status, err := s.HealthCheck(c.Request.Context())
	if err != nil {
		zap.L().Error("Health check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, status)
}

// requireToken checks the bearer token when API_TOKEN is configured
func (s *OrderService) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.config.Token == "" {
			c.Next()
			return
		}
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !hmacEqual(token, s.config.Token) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		zap.L().Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)))
	}
}
