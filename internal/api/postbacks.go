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
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"

	"crypto-payment-watcher-go/internal/fulfillment"
	"crypto-payment-watcher-go/internal/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const SignatureHeader = "X-Signature"

// SignPostback returns the hex HMAC-SHA256 of body, as gateways send it in X-Signature
func SignPostback(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func hmacEqual(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}

func (s *OrderService) handlePostback(c *gin.Context) {
	provider := strings.ToLower(c.Param("provider"))
	if provider != models.ProviderCard && provider != models.ProviderHostedCrypto {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown provider"})
		return
	}
	if s.config.PostbackSecret == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "postbacks are not configured"})
		return
	}

	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}
	signature := strings.ToLower(strings.TrimSpace(c.GetHeader(SignatureHeader)))
	if !hmacEqual(signature, SignPostback(s.config.PostbackSecret, body)) {
		zap.L().Warn("Rejected postback with bad signature",
			zap.String("provider", provider),
			zap.String("remote_addr", c.ClientIP()))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	var postback fulfillment.Postback
	if err := json.Unmarshal(body, &postback); err != nil || postback.OrderId <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid postback body"})
		return
	}
	postback.Provider = provider

	zap.L().Info("Processing postback",
		zap.String("provider", provider),
		zap.Int64("order_id", postback.OrderId),
		zap.String("status", postback.Status),
		zap.String("reference", postback.Reference))

	outcome, err := s.postbacks.ApplyPostback(c.Request.Context(), postback)
	if err != nil {
		zap.L().Error("Postback processing failed",
			zap.Int64("order_id", postback.OrderId),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	// unknown orders are acknowledged so the gateway stops retrying
	c.JSON(http.StatusOK, gin.H{"result": outcome.Status})
}
