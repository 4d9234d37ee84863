package chain

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"crypto-payment-watcher-go/internal/models"
	"crypto-payment-watcher-go/internal/rpcpool"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

var evmTxIdPattern = regexp.MustCompile(`^(0[xX])?[0-9a-fA-F]{64}$`)

// rpcTx is the subset of an eth_getTransactionByHash / full block transaction we read.
// Decoding into types.Transaction would reject chain specific transaction types.
type rpcTx struct {
	Hash        common.Hash     `json:"hash"`
	To          *common.Address `json:"to"`
	Value       *hexutil.Big    `json:"value"`
	BlockNumber *hexutil.Uint64 `json:"blockNumber"`
}

type rpcBlock struct {
	Number       hexutil.Uint64 `json:"number"`
	Transactions []rpcTx        `json:"transactions"`
}

// evmRpcBase holds what the native and token RPC adapters share
type evmRpcBase struct {
	network models.Network
	pool    *rpcpool.Pool
}

func (b *evmRpcBase) Protocol() models.Protocol {
	return models.ProtocolEvm
}

// StartCursor records the current tip so scans of a new invoice begin there
func (b *evmRpcBase) StartCursor(ctx context.Context) (uint64, error) {
	return b.pool.BlockNumber(ctx)
}

func (b *evmRpcBase) NormalizeTxId(raw string) (string, error) {
	txId := strings.TrimSpace(raw)
	if !evmTxIdPattern.MatchString(txId) {
		return "", ErrInvalidTxId
	}
	return "0x" + strings.ToLower(strings.TrimPrefix(strings.TrimPrefix(txId, "0x"), "0X")), nil
}

// scanStart picks the first block to scan: after the cursor, else the invoice start block,
// else a look-back window below the tip.
func scanStart(q Query, latest, window uint64) uint64 {
	switch {
	case q.Cursor != nil:
		return *q.Cursor + 1
	case q.StartBlock != nil:
		return *q.StartBlock
	case latest > window:
		return latest - window
	default:
		return 0
	}
}

func (b *evmRpcBase) receipt(ctx context.Context, txId string) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := b.pool.Do(ctx, func(ctx context.Context, ep *rpcpool.Endpoint) error {
		r, err := ep.Eth().TransactionReceipt(ctx, common.HexToHash(txId))
		if err != nil {
			return err
		}
		receipt = r
		return nil
	})
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch receipt: %w", err)
	}
	return receipt, nil
}

// checkPending re-reads only the pending transaction's receipt. A receipt that vanished or
// failed drops the marker and rewinds the cursor so the range is scanned again.
func (b *evmRpcBase) checkPending(ctx context.Context, q Query, latest uint64, source string) (*Result, error) {
	receipt, err := b.receipt(ctx, q.Pending.TxId)
	if err != nil {
		return nil, err
	}

	if receipt == nil || receipt.Status != types.ReceiptStatusSuccessful || receipt.BlockNumber == nil {
		var rewind *uint64
		if q.Pending.BlockNumber > 0 {
			rewind = uint64Ptr(q.Pending.BlockNumber - 1)
		}
		return &Result{NextCursor: rewind}, nil
	}

	block := receipt.BlockNumber.Uint64()
	res := settle(q.Pending.TxId, block, confirmationsAt(latest, block), q.MinConfirmations,
		EvmDetail{Source: source, BlockNumber: block})
	res.NextCursor = q.Cursor
	return res, nil
}
