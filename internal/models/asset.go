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

import "github.com/shopspring/decimal"

// Protocol identifies the chain family a network belongs to
type Protocol string

const (
	ProtocolUtxo   Protocol = "utxo"
	ProtocolEvm    Protocol = "evm"
	ProtocolTron   Protocol = "tron"
	ProtocolTon    Protocol = "ton"
	ProtocolSolana Protocol = "solana"
)

// Valid reports whether p is a supported protocol
func (p Protocol) Valid() bool {
	switch p {
	case ProtocolUtxo, ProtocolEvm, ProtocolTron, ProtocolTon, ProtocolSolana:
		return true
	}
	return false
}

// Asset is a payment asset accepted for wallet invoices. Immutable after load.
type Asset struct {
	Code         string
	Title        string
	Decimals     int32
	PriceId      string
	FixedUsdRate *decimal.Decimal
	Networks     []Network
}

// Network returns the asset network with the given code
func (a Asset) Network(code string) (Network, bool) {
	for _, n := range a.Networks {
		if n.Code == code {
			return n, true
		}
	}
	return Network{}, false
}

// Network holds the per-network receiving parameters of an asset. Immutable after load.
type Network struct {
	Code            string
	Title           string
	AssetCode       string
	Type            Protocol
	Address         string
	Decimals        int32
	InvoiceDecimals int32
	Confirmations   int64
	ApiBase         string
	ApiKey          string
	ChainId         int64
	Contract        string
	RpcUrls         []string
	// RpcBlockRange bounds one eth_getLogs chunk
	RpcBlockRange uint64
	// RpcBlockRangeNative bounds how many blocks a native scan reads per poll
	RpcBlockRangeNative uint64
}

// IsToken reports whether transfers are observed through a token contract
func (n Network) IsToken() bool {
	return n.Contract != ""
}

// UsesRpc reports whether an EVM network is read through JSON-RPC rather than an explorer
func (n Network) UsesRpc() bool {
	return n.Type == ProtocolEvm && len(n.RpcUrls) > 0
}

// Key identifies the asset/network pair, e.g. "USDT/TRC20"
func (n Network) Key() string {
	return n.AssetCode + "/" + n.Code
}

// Product is a sellable item with a fiat price per duration
type Product struct {
	Code      string
	Title     string
	Durations []ProductDuration
}

// ProductDuration is a duration option of a product and its fiat prices
type ProductDuration struct {
	Days   int
	Prices map[string]decimal.Decimal
}

// Price returns the product price for the given duration and fiat currency
func (p Product) Price(days int, currency string) (decimal.Decimal, bool) {
	for _, d := range p.Durations {
		if d.Days != days {
			continue
		}
		price, ok := d.Prices[currency]
		return price, ok
	}
	return decimal.Zero, false
}
