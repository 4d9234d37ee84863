package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"crypto-payment-watcher-go/internal/assets"
	"crypto-payment-watcher-go/internal/chain"
	"crypto-payment-watcher-go/internal/invoice"
	"crypto-payment-watcher-go/internal/models"
	"crypto-payment-watcher-go/internal/pricing"
	"crypto-payment-watcher-go/internal/store"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type checkoutRequest struct {
	UserId      string `json:"user_id" binding:"required"`
	ProductCode string `json:"product_code" binding:"required"`
	Days        int    `json:"days" binding:"required,gt=0"`
	Asset       string `json:"asset" binding:"required"`
	Network     string `json:"network" binding:"required"`
	MessageId   string `json:"message_id"`
}

type manualCheckRequest struct {
	UserId string `json:"user_id" binding:"required"`
	TxId   string `json:"txid" binding:"required"`
}

type paymentView struct {
	Asset         string     `json:"asset"`
	Network       string     `json:"network"`
	Address       string     `json:"address"`
	Amount        string     `json:"amount"`
	AmountAtomic  string     `json:"amount_atomic"`
	AmountUsd     string     `json:"amount_usd"`
	ExpiresAt     time.Time  `json:"expires_at"`
	MinutesLeft   int        `json:"minutes_left"`
	Status        string     `json:"status"`
	TxId          string     `json:"txid,omitempty"`
	Confirmations int64      `json:"confirmations,omitempty"`
	ReceivedAt    *time.Time `json:"received_at,omitempty"`
}

type orderView struct {
	Id           int64              `json:"id"`
	UserId       string             `json:"user_id"`
	ProductCode  string             `json:"product_code"`
	Days         int                `json:"days"`
	FiatAmount   string             `json:"fiat_amount"`
	FiatCurrency string             `json:"fiat_currency"`
	Status       models.OrderStatus `json:"status"`
	Provider     string             `json:"provider"`
	Key          string             `json:"key,omitempty"`
	Error        string             `json:"error,omitempty"`
	Payment      *paymentView       `json:"payment,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	FulfilledAt  *time.Time         `json:"fulfilled_at,omitempty"`
	History      []historyView      `json:"history,omitempty"`
	Reused       bool               `json:"reused,omitempty"`
}

type historyView struct {
	From string    `json:"from,omitempty"`
	To   string    `json:"to"`
	At   time.Time `json:"at"`
}

func (s *OrderService) newOrderView(o *models.Order) *orderView {
	view := &orderView{
		Id:           o.Id,
		UserId:       o.UserId,
		ProductCode:  o.ProductCode,
		Days:         o.Days,
		FiatAmount:   o.FiatAmount.StringFixed(2),
		FiatCurrency: o.FiatCurrency,
		Status:       o.Status,
		Provider:     o.Provider,
		Key:          o.Key,
		Error:        o.Error,
		CreatedAt:    o.CreatedAt,
		FulfilledAt:  o.FulfilledAt,
	}
	if p := o.Payment; p != nil && p.AmountAtomic != nil {
		view.Payment = &paymentView{
			Asset:         p.Asset,
			Network:       p.Network,
			Address:       p.Address,
			Amount:        p.AmountText,
			AmountAtomic:  p.AmountAtomic.String(),
			AmountUsd:     p.AmountUsd.String(),
			ExpiresAt:     p.ExpiresAt,
			MinutesLeft:   p.MinutesLeft(s.now()),
			Status:        p.Status,
			TxId:          p.TxId,
			Confirmations: p.Confirmations,
			ReceivedAt:    p.ReceivedAt,
		}
	}
	return view
}

func (s *OrderService) handleCheckout(c *gin.Context) {
	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.invoices.CreateInvoice(c.Request.Context(), invoice.CheckoutRequest{
		UserId:      req.UserId,
		ProductCode: req.ProductCode,
		Days:        req.Days,
		Asset:       strings.ToUpper(req.Asset),
		Network:     strings.ToUpper(req.Network),
		MessageId:   req.MessageId,
	})
	if err != nil {
		status := checkoutErrorStatus(err)
		if status >= http.StatusInternalServerError {
			zap.L().Error("Checkout failed",
				zap.String("user_id", req.UserId),
				zap.String("product_code", req.ProductCode),
				zap.Error(err))
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	view := s.newOrderView(result.Order)
	view.Reused = result.Reused
	status := http.StatusCreated
	if result.Reused {
		status = http.StatusOK
	}
	c.JSON(status, view)
}

func checkoutErrorStatus(err error) int {
	switch {
	case errors.Is(err, assets.ErrUnknownAsset),
		errors.Is(err, assets.ErrUnknownNetwork),
		errors.Is(err, assets.ErrUnknownProduct),
		errors.Is(err, invoice.ErrUnknownDuration):
		return http.StatusNotFound
	case errors.Is(err, invoice.ErrOutOfStock):
		return http.StatusConflict
	case errors.Is(err, invoice.ErrAmountExhausted):
		return http.StatusServiceUnavailable
	case errors.Is(err, pricing.ErrPriceUnavailable), errors.Is(err, pricing.ErrInvalidQuote):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *OrderService) handleGetOrder(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}

	ctx := c.Request.Context()
	snapshot, err := s.store.Snapshot(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	o, err := snapshot.Order(id)
	if errors.Is(err, store.ErrOrderNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	view := s.newOrderView(o)
	events, err := s.store.OrderHistory(ctx, id)
	if err != nil {
		zap.L().Warn("Failed to load order history", zap.Int64("order_id", id), zap.Error(err))
	}
	for _, e := range events {
		view.History = append(view.History, historyView{From: string(e.FromStatus), To: string(e.ToStatus), At: e.CreatedAt})
	}
	c.JSON(http.StatusOK, view)
}

func (s *OrderService) handleManualCheck(c *gin.Context) {
	var req manualCheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.checker.ManualCheck(c.Request.Context(), req.UserId, req.TxId)
	if errors.Is(err, chain.ErrInvalidTxId) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		zap.L().Error("Manual check failed",
			zap.String("user_id", req.UserId),
			zap.String("txid", req.TxId),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	body := gin.H{"status": result.Status}
	if result.OrderId != 0 {
		body["order_id"] = result.OrderId
	}
	if result.TxId != "" {
		body["txid"] = result.TxId
	}
	if result.Order != nil {
		body["order"] = s.newOrderView(result.Order)
	}
	c.JSON(http.StatusOK, body)
}
