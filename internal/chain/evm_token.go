package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"crypto-payment-watcher-go/internal/models"
	"crypto-payment-watcher-go/internal/rpcpool"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
)

// MinLogChunk is the smallest eth_getLogs window the adaptive scan shrinks to
const MinLogChunk = 50

// TransferTopic is keccak256("Transfer(address,address,uint256)")
var TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// EvmTokenAdapter finds ERC-20 transfers through eth_getLogs filtered by the Transfer event
// and the recipient topic.
type EvmTokenAdapter struct {
	evmRpcBase
	contract common.Address
}

func NewEvmTokenAdapter(n models.Network, pool *rpcpool.Pool) *EvmTokenAdapter {
	return &EvmTokenAdapter{
		evmRpcBase: evmRpcBase{network: n, pool: pool},
		contract:   common.HexToAddress(n.Contract),
	}
}

// recipientTopic left-pads the address to 32 bytes
func recipientTopic(address string) common.Hash {
	return common.BytesToHash(common.HexToAddress(address).Bytes())
}

func (a *EvmTokenAdapter) FindPayment(ctx context.Context, q Query) (*Result, error) {
	latest, err := a.pool.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch block number: %w", err)
	}

	if q.Pending != nil {
		return a.checkPending(ctx, q, latest, SourceRpcToken)
	}

	from := scanStart(q, latest, a.network.RpcBlockRange)
	if from > latest {
		// endpoint behind the cursor; keep position
		return &Result{NextCursor: q.Cursor}, nil
	}

	topics := [][]common.Hash{{TransferTopic}, nil, {recipientTopic(q.Address)}}
	chunk := a.network.RpcBlockRange
	if chunk < MinLogChunk {
		chunk = MinLogChunk
	}

	for current := from; current <= latest; {
		to := current + chunk - 1
		if to > latest {
			to = latest
		}

		logs, err := a.filterLogs(ctx, current, to, topics)
		if err != nil {
			if rpcpool.IsBlockRangeError(err) && chunk > MinLogChunk {
				chunk /= 2
				if chunk < MinLogChunk {
					chunk = MinLogChunk
				}
				zap.L().Debug("Shrinking log scan range",
					zap.String("network", a.network.Key()),
					zap.Uint64("chunk", chunk))
				continue
			}
			return nil, fmt.Errorf("failed to fetch logs %d-%d: %w", current, to, err)
		}

		for _, log := range logs {
			if log.Removed || log.Address != a.contract {
				continue
			}
			if new(big.Int).SetBytes(log.Data).Cmp(q.Amount) != 0 {
				continue
			}
			res := settle(strings.ToLower(log.TxHash.Hex()), log.BlockNumber,
				confirmationsAt(latest, log.BlockNumber), q.MinConfirmations,
				EvmDetail{Source: SourceRpcToken, BlockNumber: log.BlockNumber, LogIndex: log.Index})
			res.NextCursor = uint64Ptr(to)
			return res, nil
		}

		current = to + 1
	}

	return &Result{NextCursor: uint64Ptr(latest)}, nil
}

func (a *EvmTokenAdapter) filterLogs(ctx context.Context, from, to uint64, topics [][]common.Hash) ([]types.Log, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{a.contract},
		Topics:    topics,
	}

	var logs []types.Log
	err := a.pool.Do(ctx, func(ctx context.Context, ep *rpcpool.Endpoint) error {
		result, err := ep.Eth().FilterLogs(ctx, query)
		if err != nil {
			return err
		}
		logs = result
		return nil
	})
	return logs, err
}

func (a *EvmTokenAdapter) FindPaymentByTxId(ctx context.Context, q Query, txId string) (*Result, error) {
	receipt, err := a.receipt(ctx, txId)
	if err != nil {
		return nil, err
	}
	if receipt == nil || receipt.Status != types.ReceiptStatusSuccessful || receipt.BlockNumber == nil {
		return &Result{}, nil
	}

	recipient := recipientTopic(q.Address)
	for _, log := range receipt.Logs {
		if log.Address != a.contract || len(log.Topics) < 3 {
			continue
		}
		if log.Topics[0] != TransferTopic || log.Topics[2] != recipient {
			continue
		}
		if new(big.Int).SetBytes(log.Data).Cmp(q.Amount) != 0 {
			continue
		}

		latest, err := a.pool.BlockNumber(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch block number: %w", err)
		}
		block := receipt.BlockNumber.Uint64()
		return settle(txId, block, confirmationsAt(latest, block), q.MinConfirmations,
			EvmDetail{Source: SourceRpcToken, BlockNumber: block, LogIndex: log.Index}), nil
	}

	return &Result{}, nil
}
