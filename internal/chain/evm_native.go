package chain

import (
	"context"
	"fmt"
	"strings"

	"crypto-payment-watcher-go/internal/models"
	"crypto-payment-watcher-go/internal/rpcpool"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
)

const nativeBatchSize = 20

// EvmNativeAdapter scans full blocks for plain value transfers. It is the most expensive
// adapter, so each call reads at most RpcBlockRangeNative blocks.
type EvmNativeAdapter struct {
	evmRpcBase
}

func NewEvmNativeAdapter(n models.Network, pool *rpcpool.Pool) *EvmNativeAdapter {
	return &EvmNativeAdapter{evmRpcBase{network: n, pool: pool}}
}

func (a *EvmNativeAdapter) FindPayment(ctx context.Context, q Query) (*Result, error) {
	latest, err := a.pool.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch block number: %w", err)
	}

	if q.Pending != nil {
		return a.checkPending(ctx, q, latest, SourceRpcNative)
	}

	window := a.network.RpcBlockRangeNative
	from := scanStart(q, latest, window)
	if from > latest {
		// endpoint behind the cursor; keep position
		return &Result{NextCursor: q.Cursor}, nil
	}
	to := latest
	if window > 0 && to-from+1 > window {
		to = from + window - 1
	}

	recipient := common.HexToAddress(q.Address)
	scanned := from - 1
	if from == 0 {
		scanned = 0
	}

	for start := from; start <= to; start += nativeBatchSize {
		end := start + nativeBatchSize - 1
		if end > to {
			end = to
		}

		blocks, err := a.fetchBlocks(ctx, start, end)
		if err != nil {
			return nil, err
		}

		for _, block := range blocks {
			if block == nil {
				// not served yet by this endpoint; resume from here next time
				return &Result{NextCursor: uint64Ptr(scanned)}, nil
			}
			for _, tx := range block.Transactions {
				if tx.To == nil || *tx.To != recipient || tx.Value == nil {
					continue
				}
				if tx.Value.ToInt().Cmp(q.Amount) != 0 {
					continue
				}
				number := uint64(block.Number)
				res := settle(strings.ToLower(tx.Hash.Hex()), number, confirmationsAt(latest, number), q.MinConfirmations,
					EvmDetail{Source: SourceRpcNative, BlockNumber: number})
				res.NextCursor = uint64Ptr(number)
				return res, nil
			}
			scanned = uint64(block.Number)
		}
	}

	return &Result{NextCursor: uint64Ptr(to)}, nil
}

func (a *EvmNativeAdapter) fetchBlocks(ctx context.Context, from, to uint64) ([]*rpcBlock, error) {
	blocks := make([]*rpcBlock, to-from+1)
	err := a.pool.Do(ctx, func(ctx context.Context, ep *rpcpool.Endpoint) error {
		batch := make([]rpc.BatchElem, len(blocks))
		for i := range batch {
			blocks[i] = nil
			batch[i] = rpc.BatchElem{
				Method: "eth_getBlockByNumber",
				Args:   []any{hexutil.EncodeUint64(from + uint64(i)), true},
				Result: &blocks[i],
			}
		}
		if err := ep.Rpc().BatchCallContext(ctx, batch); err != nil {
			return err
		}
		for _, elem := range batch {
			if elem.Error != nil {
				return elem.Error
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch blocks %d-%d: %w", from, to, err)
	}
	return blocks, nil
}

func (a *EvmNativeAdapter) FindPaymentByTxId(ctx context.Context, q Query, txId string) (*Result, error) {
	receipt, err := a.receipt(ctx, txId)
	if err != nil {
		return nil, err
	}
	if receipt == nil || receipt.Status != types.ReceiptStatusSuccessful || receipt.BlockNumber == nil {
		return &Result{}, nil
	}

	var tx *rpcTx
	err = a.pool.Do(ctx, func(ctx context.Context, ep *rpcpool.Endpoint) error {
		return ep.Rpc().CallContext(ctx, &tx, "eth_getTransactionByHash", txId)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch transaction: %w", err)
	}
	if tx == nil || tx.To == nil || tx.Value == nil {
		return &Result{}, nil
	}
	if *tx.To != common.HexToAddress(q.Address) || tx.Value.ToInt().Cmp(q.Amount) != 0 {
		return &Result{}, nil
	}

	latest, err := a.pool.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch block number: %w", err)
	}
	block := receipt.BlockNumber.Uint64()
	return settle(txId, block, confirmationsAt(latest, block), q.MinConfirmations,
		EvmDetail{Source: SourceRpcNative, BlockNumber: block}), nil
}
