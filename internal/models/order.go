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

package models

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the lifecycle state of an order
type OrderStatus string

const (
	StatusCreated         OrderStatus = "CREATED"
	StatusAwaitingPayment OrderStatus = "AWAITING_PAYMENT"
	StatusFulfilled       OrderStatus = "FULFILLED"
	StatusFailed          OrderStatus = "FAILED"
	StatusExpired         OrderStatus = "EXPIRED"
	StatusPaidNoKey       OrderStatus = "PAID_NO_KEY"
	StatusError           OrderStatus = "ERROR"
)

// Terminal reports whether no further transition is allowed
func (s OrderStatus) Terminal() bool {
	return s == StatusFulfilled || s == StatusError
}

// Payment providers an order can be paid through
const (
	ProviderWallet       = "wallet"
	ProviderCard         = "card"
	ProviderHostedCrypto = "hosted_crypto"
)

// Invoice payment states
const (
	InvoiceStatusPending  = "pending"
	InvoiceStatusSuccess  = "success"
	InvoiceStatusExpired  = "expired"
	InvoiceStatusRejected = "rejected"
)

// Order is the persisted record of one purchase
type Order struct {
	Id           int64           `json:"id"`
	UserId       string          `json:"user_id"`
	ProductCode  string          `json:"product_code"`
	Days         int             `json:"days"`
	FiatAmount   decimal.Decimal `json:"fiat_amount"`
	FiatCurrency string          `json:"fiat_currency"`
	Status       OrderStatus     `json:"status"`
	Provider     string          `json:"provider"`
	Payment      *Invoice        `json:"payment,omitempty"`
	Key          string          `json:"key,omitempty"`
	Error        string          `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	FulfilledAt  *time.Time      `json:"fulfilled_at,omitempty"`
}

// SetStatus moves the order to status and stamps the update time
func (o *Order) SetStatus(status OrderStatus, now time.Time) {
	o.Status = status
	o.UpdatedAt = now
}

// Clone returns a deep copy of the order
func (o *Order) Clone() *Order {
	c := *o
	if o.FulfilledAt != nil {
		t := *o.FulfilledAt
		c.FulfilledAt = &t
	}
	if o.Payment != nil {
		c.Payment = o.Payment.Clone()
	}
	return &c
}

// IsWalletInvoice reports whether the order is paid by a direct on-chain transfer
func (o *Order) IsWalletInvoice() bool {
	return o.Provider == ProviderWallet && o.Payment != nil
}

// Invoice is the payment sub-record of a wallet order
type Invoice struct {
	Asset               string          `json:"asset"`
	Network             string          `json:"network"`
	Address             string          `json:"address"`
	AmountAtomic        *big.Int        `json:"amount_atomic"`
	InvoiceAmountAtomic *big.Int        `json:"invoice_amount_atomic"`
	Decimals            int32           `json:"decimals"`
	InvoiceDecimals     int32           `json:"invoice_decimals"`
	AmountText          string          `json:"amount_text"`
	FiatAmount          decimal.Decimal `json:"fiat_amount"`
	FiatCurrency        string          `json:"fiat_currency"`
	RateUsd             decimal.Decimal `json:"rate_usd"`
	AmountUsd           decimal.Decimal `json:"amount_usd"`
	CreatedAt           time.Time       `json:"created_at"`
	ExpiresAt           time.Time       `json:"expires_at"`
	StartBlock          *uint64         `json:"start_block,omitempty"`
	LastCheckedBlock    *uint64         `json:"last_checked_block,omitempty"`
	PendingTx           *PendingTx      `json:"pending_tx,omitempty"`
	Status              string          `json:"status"`
	TxId                string          `json:"txid,omitempty"`
	Confirmations       int64           `json:"confirmations,omitempty"`
	ReceivedAt          *time.Time      `json:"received_at,omitempty"`
	MessageId           string          `json:"message_id,omitempty"`
	LastExpiresMin      int             `json:"last_expires_min,omitempty"`
	Reference           string          `json:"reference,omitempty"`
}

// Clone returns a deep copy of the invoice
func (i *Invoice) Clone() *Invoice {
	c := *i
	if i.AmountAtomic != nil {
		c.AmountAtomic = new(big.Int).Set(i.AmountAtomic)
	}
	if i.InvoiceAmountAtomic != nil {
		c.InvoiceAmountAtomic = new(big.Int).Set(i.InvoiceAmountAtomic)
	}
	if i.StartBlock != nil {
		v := *i.StartBlock
		c.StartBlock = &v
	}
	if i.LastCheckedBlock != nil {
		v := *i.LastCheckedBlock
		c.LastCheckedBlock = &v
	}
	if i.PendingTx != nil {
		p := *i.PendingTx
		c.PendingTx = &p
	}
	if i.ReceivedAt != nil {
		t := *i.ReceivedAt
		c.ReceivedAt = &t
	}
	return &c
}

// Expired reports whether the invoice expiry has passed at now
func (i *Invoice) Expired(now time.Time) bool {
	return now.After(i.ExpiresAt)
}

// MinutesLeft is the whole number of minutes until expiry, rounded up
func (i *Invoice) MinutesLeft(now time.Time) int {
	left := i.ExpiresAt.Sub(now)
	if left <= 0 {
		return 0
	}
	minutes := int(left / time.Minute)
	if left%time.Minute != 0 {
		minutes++
	}
	return minutes
}

// PendingTx marks a matched transfer that is still waiting for confirmations
type PendingTx struct {
	TxId        string `json:"txid"`
	BlockNumber uint64 `json:"block_number"`
}

// PaymentMatch is a confirmed transfer reported for an order
type PaymentMatch struct {
	TxId          string
	Confirmations int64
	Reference     string
}

// User is the purchasing user record
type User struct {
	Id            string    `json:"id"`
	PurchaseCount int       `json:"purchase_count"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// OrderEvent is one entry of an order's status history
type OrderEvent struct {
	Id         int64
	OrderId    int64
	FromStatus OrderStatus
	ToStatus   OrderStatus
	CreatedAt  time.Time
}
