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
	"math/big"
	"time"

	"crypto-payment-watcher-go/internal/models"
)

// invoiceClockSkew tolerates chain timestamps slightly behind the local clock
const invoiceClockSkew = 2 * time.Minute

var (
	ErrLookupUnsupported = errors.New("transaction lookup not supported for this network")
	ErrInvalidTxId       = errors.New("invalid transaction id")
)

// MisconfiguredError reports a network whose configuration cannot be used for matching
type MisconfiguredError struct {
	Network string
	Field   string
}

func (e *MisconfiguredError) Error() string {
	return fmt.Sprintf("network %s is misconfigured: missing %s", e.Network, e.Field)
}

// Query asks whether Address received exactly Amount (on-chain atomic units). Transfers
// older than CreatedAt paid an earlier invoice and never match; a zero CreatedAt disables
// the check.
type Query struct {
	Address          string
	Amount           *big.Int
	MinConfirmations int64
	Cursor           *uint64
	StartBlock       *uint64
	Pending          *models.PendingTx
	CreatedAt        time.Time
}

// Predates reports whether a transfer seen on chain at t happened before the invoice existed.
// Unknown times (zero) never predate.
func (q Query) Predates(t time.Time) bool {
	if q.CreatedAt.IsZero() || t.IsZero() {
		return false
	}
	return t.Before(q.CreatedAt.Add(-invoiceClockSkew))
}

func unixSeconds(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

// Result is the outcome of a match attempt. NextCursor and Pending are meaningful even when
// Found is false and must be persisted so the next attempt resumes instead of rescanning.
type Result struct {
	Found         bool
	TxId          string
	Confirmations int64
	NextCursor    *uint64
	Pending       *models.PendingTx
	Detail        Detail
}

// Detail carries protocol specific data about a matched transfer
type Detail interface {
	Protocol() models.Protocol
}

type UtxoDetail struct {
	BlockHeight uint64
	Vout        int
}

func (UtxoDetail) Protocol() models.Protocol { return models.ProtocolUtxo }

// EVM match sources
const (
	SourceExplorer  = "explorer"
	SourceRpcNative = "rpc-native"
	SourceRpcToken  = "rpc-token"
)

type EvmDetail struct {
	Source      string
	BlockNumber uint64
	LogIndex    uint
}

func (EvmDetail) Protocol() models.Protocol { return models.ProtocolEvm }

type TronDetail struct {
	BlockTimestamp int64
	Token          bool
}

func (TronDetail) Protocol() models.Protocol { return models.ProtocolTron }

type TonDetail struct {
	Lt uint64
}

func (TonDetail) Protocol() models.Protocol { return models.ProtocolTon }

type SolanaDetail struct {
	Slot uint64
}

func (SolanaDetail) Protocol() models.Protocol { return models.ProtocolSolana }

// Adapter finds an incoming transfer for one configured network
type Adapter interface {
	Protocol() models.Protocol
	FindPayment(ctx context.Context, q Query) (*Result, error)
}

// TxLookup is implemented by adapters that can check a single user supplied transaction
type TxLookup interface {
	NormalizeTxId(raw string) (string, error)
	FindPaymentByTxId(ctx context.Context, q Query, txId string) (*Result, error)
}

// StartCursorer is implemented by adapters that scan from a block recorded at invoice creation
type StartCursorer interface {
	StartCursor(ctx context.Context) (uint64, error)
}

// confirmationsAt counts the inclusion block itself as the first confirmation
func confirmationsAt(latest, block uint64) int64 {
	if block == 0 || block > latest {
		return 0
	}
	return int64(latest - block + 1)
}

// settle turns a candidate match into either a found result or a pending marker
func settle(txId string, block uint64, confirmations, minConfirmations int64, detail Detail) *Result {
	if confirmations >= minConfirmations && confirmations > 0 {
		return &Result{Found: true, TxId: txId, Confirmations: confirmations, Detail: detail}
	}
	return &Result{Pending: &models.PendingTx{TxId: txId, BlockNumber: block}, Detail: detail}
}

func uint64Ptr(v uint64) *uint64 {
	return &v
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
